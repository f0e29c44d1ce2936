// Package main is the vibe80 server entry point. One binary runs the REST
// surface, the streaming gateway and the background sweepers together.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/api"
	"github.com/vibe80/vibe80/internal/auth"
	"github.com/vibe80/vibe80/internal/common/config"
	"github.com/vibe80/vibe80/internal/common/httpmw"
	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/gateway"
	"github.com/vibe80/vibe80/internal/gc"
	"github.com/vibe80/vibe80/internal/gitops"
	"github.com/vibe80/vibe80/internal/models"
	"github.com/vibe80/vibe80/internal/sandbox"
	"github.com/vibe80/vibe80/internal/session"
	"github.com/vibe80/vibe80/internal/storage/sqlite"
	"github.com/vibe80/vibe80/internal/workspace"
)

const authSweepInterval = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting vibe80...",
		zap.String("deployment_mode", cfg.Workspace.DeploymentMode))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := sqlite.New(cfg.Storage.Path)
	if err != nil {
		log.Fatal("Failed to open storage", zap.Error(err), zap.String("path", cfg.Storage.Path))
	}
	defer store.Close()
	log.Info("Storage initialized", zap.String("path", cfg.Storage.Path))

	signingKey, err := auth.LoadSigningKey(cfg.Auth)
	if err != nil {
		log.Fatal("Failed to load JWT signing key", zap.Error(err))
	}
	authMgr := auth.NewManager(cfg.Auth, store, signingKey, cfg.Workspace.MonoUser(), log)

	var exec sandbox.Executor
	if cfg.Workspace.MonoUser() {
		exec = sandbox.NewLocalExecutor(log)
		log.Info("Using local executor (no privilege separation)")
	} else {
		auditPath := ""
		if cfg.Provider.LogDirectory != "" {
			auditPath = cfg.Provider.LogDirectory + "/sandbox-audit.log"
		}
		exec = sandbox.NewHelperExecutor(cfg.Workspace.HelperPath, auditPath, log)
		log.Info("Using sandbox helper executor", zap.String("helper", cfg.Workspace.HelperPath))
	}

	// The provisioner consults the session manager to refuse disabling a
	// provider an active worktree still runs on; the session manager needs
	// the provisioner for session directory layout. Late-bind the lookup.
	var sessions *session.Manager
	prov := workspace.NewProvisioner(cfg.Workspace, store, exec,
		func(ctx context.Context, workspaceID string, p models.Provider) (bool, error) {
			return sessions.ProviderInUse(ctx, workspaceID, p)
		}, log)

	git := gitops.NewOrchestrator(exec, log)
	sessions = session.NewManager(cfg, store, exec, git, prov, log)

	if cfg.Workspace.MonoUser() {
		if err := bootstrapMonoWorkspace(ctx, cfg, prov, authMgr, log); err != nil {
			log.Fatal("Failed to bootstrap mono workspace", zap.Error(err))
		}
	}

	if cfg.Logging.Format == "json" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), httpmw.RequestLogger(log))

	api.New(cfg, store, authMgr, prov, sessions, log).Register(router)
	gateway.New(cfg, authMgr, sessions, exec, log).Register(router)

	go authMgr.RunSweeper(ctx, authSweepInterval)
	go gc.NewSweeper(cfg.Session, store, sessions, log).Run(ctx)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("Server listening",
			zap.String("addr", server.Addr),
			zap.String("chat", "/chat"),
			zap.String("api", "/api"))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down vibe80...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	sessions.StopAll(shutdownCtx)

	log.Info("vibe80 stopped")
}

// bootstrapMonoWorkspace creates the fixed single-tenant workspace from
// provider credentials found in the environment and logs a one-shot
// mono-auth token the frontend exchanges for a token pair.
func bootstrapMonoWorkspace(ctx context.Context, cfg *config.Config, prov *workspace.Provisioner, authMgr *auth.Manager, log *logger.Logger) error {
	providers := map[models.Provider]models.ProviderSettings{}
	if v := os.Getenv("CODEX_AUTH_JSON_B64"); v != "" {
		providers[models.ProviderCodex] = models.ProviderSettings{
			Enabled: true,
			Auth:    &models.ProviderAuth{Type: models.AuthTypeAuthJSON, Value: v},
		}
	} else if v := os.Getenv("CODEX_API_KEY"); v != "" {
		providers[models.ProviderCodex] = models.ProviderSettings{
			Enabled: true,
			Auth:    &models.ProviderAuth{Type: models.AuthTypeAPIKey, Value: v},
		}
	}
	if v := os.Getenv("CLAUDE_SETUP_TOKEN"); v != "" {
		providers[models.ProviderClaude] = models.ProviderSettings{
			Enabled: true,
			Auth:    &models.ProviderAuth{Type: models.AuthTypeSetupToken, Value: v},
		}
	} else if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		providers[models.ProviderClaude] = models.ProviderSettings{
			Enabled: true,
			Auth:    &models.ProviderAuth{Type: models.AuthTypeAPIKey, Value: v},
		}
	}

	ws, err := prov.EnsureMonoWorkspace(ctx, providers)
	if err != nil {
		return err
	}
	token, expiresAt, err := authMgr.CreateMonoAuthToken(ws.ID)
	if err != nil {
		return err
	}
	log.Info("Mono workspace ready",
		zap.String("workspace_id", ws.ID),
		zap.String("mono_auth_token", token),
		zap.Time("token_expires_at", expiresAt))
	return nil
}
