// Package api mounts the REST surface: workspace provisioning and login,
// token refresh and handoff, session and worktree CRUD. Handlers stay thin
// and dispatch into the auth, workspace and session layers; the duplex
// streaming channel is mounted separately by the gateway.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/auth"
	"github.com/vibe80/vibe80/internal/common/config"
	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/session"
	"github.com/vibe80/vibe80/internal/storage"
	"github.com/vibe80/vibe80/internal/workspace"
	"github.com/vibe80/vibe80/pkg/wire"
)

// Server wires the REST handlers.
type Server struct {
	cfg      *config.Config
	store    storage.Store
	auth     *auth.Manager
	prov     *workspace.Provisioner
	sessions *session.Manager
	log      *logger.Logger
}

// New builds the REST server.
func New(cfg *config.Config, store storage.Store, authMgr *auth.Manager, prov *workspace.Provisioner, sessions *session.Manager, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{
		cfg:      cfg,
		store:    store,
		auth:     authMgr,
		prov:     prov,
		sessions: sessions,
		log:      log.WithFields(zap.String("component", "api")),
	}
}

// Register mounts all routes on the router.
func (s *Server) Register(r *gin.Engine) {
	r.GET("/health", s.handleHealth)

	api := r.Group("/api")
	api.POST("/workspaces", s.handleWorkspaceCreate)
	api.POST("/workspaces/login", s.handleLogin)
	api.POST("/auth/refresh", s.handleRefresh)
	api.POST("/auth/handoff/consume", s.handleHandoffConsume)
	api.POST("/auth/mono", s.handleMonoAuth)

	authed := api.Group("", s.auth.Middleware())
	authed.PATCH("/workspaces/:id", s.handleWorkspaceUpdate)
	authed.POST("/auth/handoff", s.handleHandoffCreate)

	authed.GET("/sessions", s.handleSessionList)
	authed.POST("/sessions", s.handleSessionCreate)
	authed.GET("/sessions/:id", s.handleSessionGet)
	authed.DELETE("/sessions/:id", s.handleSessionDelete)

	authed.GET("/sessions/:id/worktrees", s.handleWorktreeList)
	authed.POST("/sessions/:id/worktrees", s.handleWorktreeCreate)
	authed.GET("/sessions/:id/worktrees/:wtid/diff", s.handleWorktreeDiff)
	authed.POST("/sessions/:id/worktrees/:wtid/merge", s.handleWorktreeMerge)
	authed.POST("/sessions/:id/worktrees/:wtid/push", s.handleWorktreePush)
	authed.DELETE("/sessions/:id/worktrees/:wtid", s.handleWorktreeDelete)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// fail writes the JSON error envelope, mapping the wire code to a status.
func (s *Server) fail(c *gin.Context, err error) {
	code := wire.CodeOf(err)
	status := statusFor(code, err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	message := err.Error()
	var coded *wire.CodedError
	if errors.As(err, &coded) {
		message = coded.Message
	}
	c.AbortWithStatusJSON(status, gin.H{"errorCode": code, "message": message})
}

func statusFor(code string, err error) int {
	if errors.Is(err, storage.ErrNotFound) {
		return http.StatusNotFound
	}
	switch code {
	case wire.ErrCodeWorkspaceTokenMissing, wire.ErrCodeWorkspaceTokenInvalid,
		wire.ErrCodeWorkspaceCredentialsInvalid, wire.ErrCodeWorkspaceAuthRequired,
		wire.ErrCodeWorkspaceTokenExpired,
		wire.ErrCodeRefreshTokenExpired, wire.ErrCodeRefreshTokenReused,
		wire.ErrCodeInvalidRefreshToken,
		wire.ErrCodeMonoAuthTokenInvalid, wire.ErrCodeMonoAuthTokenUsed,
		wire.ErrCodeMonoAuthTokenExpired:
		return http.StatusUnauthorized
	case wire.ErrCodeSessionNotFound, wire.ErrCodeWorktreeNotFound:
		return http.StatusNotFound
	case wire.ErrCodeProviderInUse:
		return http.StatusConflict
	case wire.ErrCodeWorkspaceIDInvalid, wire.ErrCodeProviderInvalid,
		wire.ErrCodeProviderNotEnabled, wire.ErrCodeSessionInvalid,
		wire.ErrCodeBranchRequired, wire.ErrCodeRepoURLRequired:
		return http.StatusBadRequest
	}
	if n, ok := strings.CutPrefix(code, "HTTP_"); ok {
		if status, perr := strconv.Atoi(n); perr == nil {
			return status
		}
	}
	return http.StatusInternalServerError
}
