// Package workspace provisions per-tenant OS identities, home skeletons and
// provider credential files.
package workspace

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/rand"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/common/config"
	"github.com/vibe80/vibe80/internal/common/ids"
	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/models"
	"github.com/vibe80/vibe80/internal/sandbox"
	"github.com/vibe80/vibe80/internal/storage"
	"github.com/vibe80/vibe80/pkg/wire"
)

// MonoWorkspaceID is the fixed workspace used in mono-user deployments.
const MonoWorkspaceID = "w000000000000000000000000"

const uidAllocationAttempts = 50

// RootRunner executes a privileged host command (useradd, getent). It runs as
// the core process identity, which must be root in multi-user deployments.
type RootRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func defaultRootRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// InUseFunc reports whether any active session worktree currently runs on the
// given provider for the workspace.
type InUseFunc func(ctx context.Context, workspaceID string, p models.Provider) (bool, error)

// Provisioner creates and updates workspaces: OS user, home skeleton,
// metadata files and provider credentials. Files inside the workspace home
// are written through the sandboxed executor so they end up owned by the
// workspace identity.
type Provisioner struct {
	cfg   config.WorkspaceConfig
	store storage.Store
	exec  sandbox.Executor
	inUse InUseFunc
	log   *logger.Logger

	root   RootRunner
	pickUID func(min, max int) int
}

// NewProvisioner builds a Provisioner. inUse may be nil, in which case
// disable-in-use protection is skipped (tests, bootstrap).
func NewProvisioner(cfg config.WorkspaceConfig, store storage.Store, exec sandbox.Executor, inUse InUseFunc, log *logger.Logger) *Provisioner {
	if log == nil {
		log = logger.Default()
	}
	return &Provisioner{
		cfg:   cfg,
		store: store,
		exec:  exec,
		inUse: inUse,
		log:   log.WithFields(zap.String("component", "workspace-provisioner")),
		root:  defaultRootRunner,
		pickUID: func(min, max int) int {
			return min + rand.Intn(max-min+1)
		},
	}
}

// SetRootRunner overrides the privileged command runner. Tests only.
func (p *Provisioner) SetRootRunner(r RootRunner) { p.root = r }

// HomeDir returns the workspace home directory.
func (p *Provisioner) HomeDir(workspaceID string) string {
	return filepath.Join(p.cfg.HomeBase, workspaceID)
}

// Root returns the vibe80 state directory inside the workspace home.
func (p *Provisioner) Root(workspaceID string) string {
	return filepath.Join(p.HomeDir(workspaceID), "vibe80_workspace")
}

// MetadataDir returns the workspace metadata directory.
func (p *Provisioner) MetadataDir(workspaceID string) string {
	return filepath.Join(p.Root(workspaceID), "metadata")
}

// SessionsDir returns the directory holding session clones.
func (p *Provisioner) SessionsDir(workspaceID string) string {
	return filepath.Join(p.Root(workspaceID), "sessions")
}

// SessionDir returns one session's directory.
func (p *Provisioner) SessionDir(workspaceID, sessionID string) string {
	return filepath.Join(p.SessionsDir(workspaceID), sessionID)
}

// ValidateProviders checks the provider configuration shape: known provider
// names, auth types constrained per provider, enabled requires auth.
func ValidateProviders(providers map[models.Provider]models.ProviderSettings) error {
	for name, settings := range providers {
		if !name.Valid() {
			return wire.NewCodedError(wire.ErrCodeProviderInvalid,
				fmt.Sprintf("unknown provider %q", name))
		}
		if settings.Auth != nil {
			if settings.Auth.Value == "" {
				return wire.NewCodedError(wire.ErrCodeProviderInvalid,
					fmt.Sprintf("provider %s: empty auth value", name))
			}
			if !validAuthType(name, settings.Auth.Type) {
				return wire.NewCodedError(wire.ErrCodeProviderInvalid,
					fmt.Sprintf("provider %s: unsupported auth type %q", name, settings.Auth.Type))
			}
		}
		if settings.Enabled && settings.Auth == nil {
			return wire.NewCodedError(wire.ErrCodeProviderInvalid,
				fmt.Sprintf("provider %s enabled without credentials", name))
		}
	}
	return nil
}

func validAuthType(p models.Provider, authType string) bool {
	switch p {
	case models.ProviderCodex:
		return authType == models.AuthTypeAPIKey || authType == models.AuthTypeAuthJSON
	case models.ProviderClaude:
		return authType == models.AuthTypeAPIKey || authType == models.AuthTypeSetupToken
	}
	return false
}

// Create provisions a new workspace: id + secret, OS identity (multi-user
// mode), home skeleton, metadata files and provider credentials.
func (p *Provisioner) Create(ctx context.Context, providers map[models.Provider]models.ProviderSettings) (*models.Workspace, error) {
	if err := ValidateProviders(providers); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	ws := &models.Workspace{
		ID:        ids.NewWorkspaceID(),
		Providers: providers,
		Secret:    ids.NewSecret(),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if !p.cfg.MonoUser() {
		uid, err := p.allocateUID(ctx)
		if err != nil {
			return nil, err
		}
		gid, err := p.createOSUser(ctx, ws.ID, uid)
		if err != nil {
			return nil, err
		}
		ws.UID = uid
		ws.GID = gid
	}

	if err := p.createSkeleton(ctx, ws); err != nil {
		return nil, err
	}
	if err := p.writeMetadata(ctx, ws); err != nil {
		return nil, err
	}
	if err := p.materializeCredentials(ctx, ws); err != nil {
		return nil, err
	}
	if err := p.store.SaveWorkspace(ctx, ws); err != nil {
		return nil, err
	}
	p.audit(ctx, ws.ID, "workspace created")

	p.log.Info("workspace provisioned",
		zap.String("workspace_id", ws.ID), zap.Int("uid", ws.UID))
	return ws, nil
}

// EnsureMonoWorkspace creates or loads the fixed mono-user workspace.
func (p *Provisioner) EnsureMonoWorkspace(ctx context.Context, providers map[models.Provider]models.ProviderSettings) (*models.Workspace, error) {
	if !p.cfg.MonoUser() {
		return nil, fmt.Errorf("workspace: mono workspace requested in multi-user mode")
	}
	if ws, err := p.store.GetWorkspace(ctx, MonoWorkspaceID); err == nil {
		return ws, nil
	}
	if err := ValidateProviders(providers); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	ws := &models.Workspace{
		ID:        MonoWorkspaceID,
		Providers: providers,
		Secret:    ids.NewSecret(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := p.createSkeleton(ctx, ws); err != nil {
		return nil, err
	}
	if err := p.writeMetadata(ctx, ws); err != nil {
		return nil, err
	}
	if err := p.materializeCredentials(ctx, ws); err != nil {
		return nil, err
	}
	if err := p.store.SaveWorkspace(ctx, ws); err != nil {
		return nil, err
	}
	p.audit(ctx, ws.ID, "mono workspace created")
	return ws, nil
}

// Update rewrites the provider configuration. Disabling a provider that an
// active session worktree still runs on is rejected with PROVIDER_IN_USE.
func (p *Provisioner) Update(ctx context.Context, workspaceID string, providers map[models.Provider]models.ProviderSettings) (*models.Workspace, error) {
	if err := ValidateProviders(providers); err != nil {
		return nil, err
	}
	ws, err := p.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	if p.inUse != nil {
		for _, name := range models.Providers() {
			wasEnabled := ws.ProviderEnabled(name)
			nowSettings, ok := providers[name]
			stillEnabled := ok && nowSettings.Enabled
			if wasEnabled && !stillEnabled {
				used, err := p.inUse(ctx, workspaceID, name)
				if err != nil {
					return nil, err
				}
				if used {
					return nil, wire.NewCodedError(wire.ErrCodeProviderInUse,
						fmt.Sprintf("provider %s is in use by an active session", name))
				}
			}
		}
	}

	ws.Providers = providers
	ws.UpdatedAt = time.Now().UTC()

	if err := p.writeMetadata(ctx, ws); err != nil {
		return nil, err
	}
	if err := p.materializeCredentials(ctx, ws); err != nil {
		return nil, err
	}
	if err := p.store.SaveWorkspace(ctx, ws); err != nil {
		return nil, err
	}
	p.audit(ctx, ws.ID, "workspace updated")
	return ws, nil
}

// allocateUID picks a random uid in [UIDMin, UIDMax] that getent does not
// already know.
func (p *Provisioner) allocateUID(ctx context.Context) (int, error) {
	for i := 0; i < uidAllocationAttempts; i++ {
		uid := p.pickUID(p.cfg.UIDMin, p.cfg.UIDMax)
		if _, err := p.root(ctx, "getent", "passwd", strconv.Itoa(uid)); err != nil {
			// Non-zero getent exit: uid is free.
			return uid, nil
		}
	}
	return 0, fmt.Errorf("workspace: no free uid in [%d,%d] after %d attempts",
		p.cfg.UIDMin, p.cfg.UIDMax, uidAllocationAttempts)
}

func (p *Provisioner) createOSUser(ctx context.Context, workspaceID string, uid int) (int, error) {
	out, err := p.root(ctx, "useradd",
		"--uid", strconv.Itoa(uid),
		"--user-group",
		"--create-home",
		"--home-dir", p.HomeDir(workspaceID),
		"--shell", "/usr/sbin/nologin",
		workspaceID)
	if err != nil {
		return 0, fmt.Errorf("workspace: useradd %s: %w: %s", workspaceID, err, strings.TrimSpace(string(out)))
	}
	gidOut, err := p.root(ctx, "id", "-g", workspaceID)
	if err != nil {
		return 0, fmt.Errorf("workspace: resolve gid for %s: %w", workspaceID, err)
	}
	gid, err := strconv.Atoi(strings.TrimSpace(string(gidOut)))
	if err != nil {
		return 0, fmt.Errorf("workspace: parse gid for %s: %w", workspaceID, err)
	}
	return gid, nil
}

func (p *Provisioner) createSkeleton(ctx context.Context, ws *models.Workspace) error {
	script := `umask 077 && mkdir -p -- "$1" "$2" && chmod 700 -- "$0" "$1" "$2"`
	res, err := p.exec.Run(ctx, ws.ID,
		[]string{"sh", "-c", script, p.Root(ws.ID), p.MetadataDir(ws.ID), p.SessionsDir(ws.ID)},
		p.homeOpts(ws.ID))
	if err != nil {
		return err
	}
	if res.Exit != 0 {
		return fmt.Errorf("workspace: create skeleton for %s: exit %d: %s", ws.ID, res.Exit, res.Stderr)
	}
	return nil
}

// workspaceConfigFile is the shape persisted to metadata/workspace.json.
type workspaceConfigFile struct {
	WorkspaceID string                                       `json:"workspaceId"`
	Providers   map[models.Provider]models.ProviderSettings `json:"providers"`
	UID         int                                          `json:"uid"`
	GID         int                                          `json:"gid"`
	UpdatedAt   time.Time                                    `json:"updatedAt"`
}

func (p *Provisioner) writeMetadata(ctx context.Context, ws *models.Workspace) error {
	meta := p.MetadataDir(ws.ID)
	if err := p.writeFile(ctx, ws.ID, filepath.Join(meta, "workspace.secret"), []byte(ws.Secret+"\n")); err != nil {
		return err
	}
	cfg, err := json.MarshalIndent(workspaceConfigFile{
		WorkspaceID: ws.ID,
		Providers:   ws.Providers,
		UID:         ws.UID,
		GID:         ws.GID,
		UpdatedAt:   ws.UpdatedAt,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("workspace: marshal config: %w", err)
	}
	return p.writeFile(ctx, ws.ID, filepath.Join(meta, "workspace.json"), append(cfg, '\n'))
}

// materializeCredentials writes the credential files the agent children read
// at startup, one per enabled provider, and removes files for disabled ones.
func (p *Provisioner) materializeCredentials(ctx context.Context, ws *models.Workspace) error {
	home := p.HomeDir(ws.ID)

	codexAuth := filepath.Join(home, ".codex", "auth.json")
	claudeJSON := filepath.Join(home, ".claude.json")
	claudeCreds := filepath.Join(home, ".claude", ".credentials.json")

	if s, ok := ws.Providers[models.ProviderCodex]; ok && s.Enabled {
		content, err := codexAuthFile(s.Auth)
		if err != nil {
			return err
		}
		if err := p.writeFile(ctx, ws.ID, codexAuth, content); err != nil {
			return err
		}
	} else if err := p.removeFile(ctx, ws.ID, codexAuth); err != nil {
		return err
	}

	if s, ok := ws.Providers[models.ProviderClaude]; ok && s.Enabled {
		path, content, err := claudeAuthFile(home, s.Auth)
		if err != nil {
			return err
		}
		if err := p.writeFile(ctx, ws.ID, path, content); err != nil {
			return err
		}
	} else {
		if err := p.removeFile(ctx, ws.ID, claudeJSON); err != nil {
			return err
		}
		if err := p.removeFile(ctx, ws.ID, claudeCreds); err != nil {
			return err
		}
	}
	return nil
}

func codexAuthFile(auth *models.ProviderAuth) ([]byte, error) {
	switch auth.Type {
	case models.AuthTypeAPIKey:
		return json.Marshal(map[string]string{"OPENAI_API_KEY": auth.Value})
	case models.AuthTypeAuthJSON:
		decoded, err := base64.StdEncoding.DecodeString(auth.Value)
		if err != nil {
			return nil, wire.NewCodedError(wire.ErrCodeProviderInvalid, "codex auth_json_b64 is not valid base64")
		}
		if !json.Valid(decoded) {
			return nil, wire.NewCodedError(wire.ErrCodeProviderInvalid, "codex auth_json_b64 does not decode to JSON")
		}
		return decoded, nil
	}
	return nil, wire.NewCodedError(wire.ErrCodeProviderInvalid, "unsupported codex auth type")
}

func claudeAuthFile(home string, auth *models.ProviderAuth) (string, []byte, error) {
	switch auth.Type {
	case models.AuthTypeAPIKey:
		content, err := json.Marshal(map[string]string{"primaryApiKey": auth.Value})
		return filepath.Join(home, ".claude.json"), content, err
	case models.AuthTypeSetupToken:
		content, err := json.Marshal(map[string]any{
			"claudeAiOauth": map[string]any{"accessToken": auth.Value},
		})
		return filepath.Join(home, ".claude", ".credentials.json"), content, err
	}
	return "", nil, wire.NewCodedError(wire.ErrCodeProviderInvalid, "unsupported claude auth type")
}

// writeFile writes content to path inside the workspace home as the workspace
// identity. The write is atomic: a same-directory temp file is renamed over
// the target. Mode is 0600 via umask.
func (p *Provisioner) writeFile(ctx context.Context, workspaceID, path string, content []byte) error {
	script := `umask 077 && mkdir -p -- "$(dirname -- "$0")" && cat > "$0.tmp" && mv -f -- "$0.tmp" "$0"`
	res, err := p.exec.Run(ctx, workspaceID,
		[]string{"sh", "-c", script, path},
		p.homeOptsWithInput(workspaceID, content))
	if err != nil {
		return err
	}
	if res.Exit != 0 {
		return fmt.Errorf("workspace: write %s: exit %d: %s", filepath.Base(path), res.Exit, res.Stderr)
	}
	return nil
}

func (p *Provisioner) removeFile(ctx context.Context, workspaceID, path string) error {
	res, err := p.exec.Run(ctx, workspaceID,
		[]string{"rm", "-f", "--", path}, p.homeOpts(workspaceID))
	if err != nil {
		return err
	}
	if res.Exit != 0 {
		return fmt.Errorf("workspace: remove %s: exit %d: %s", filepath.Base(path), res.Exit, res.Stderr)
	}
	return nil
}

// audit appends one line to the workspace audit log. Failures are logged and
// swallowed: auditing never blocks provisioning.
func (p *Provisioner) audit(ctx context.Context, workspaceID, action string) {
	line := fmt.Sprintf("%s %s\n", time.Now().UTC().Format(time.RFC3339), action)
	path := filepath.Join(p.MetadataDir(workspaceID), "audit.log")
	script := `umask 077 && cat >> "$0"`
	if _, err := p.exec.Run(ctx, workspaceID,
		[]string{"sh", "-c", script, path},
		p.homeOptsWithInput(workspaceID, []byte(line))); err != nil {
		p.log.Warn("audit append failed", zap.String("workspace_id", workspaceID), zap.Error(err))
	}
}

func (p *Provisioner) homeOpts(workspaceID string) sandbox.Options {
	home := p.HomeDir(workspaceID)
	return sandbox.Options{
		Cwd: home,
		Sandbox: sandbox.Policy{
			NetMode:      sandbox.NetModeNone,
			ExtraAllowRw: []string{home},
		},
	}
}

func (p *Provisioner) homeOptsWithInput(workspaceID string, input []byte) sandbox.Options {
	opts := p.homeOpts(workspaceID)
	opts.Input = input
	return opts
}
