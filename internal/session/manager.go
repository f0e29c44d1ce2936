// Package session keeps the authoritative in-memory state for loaded
// sessions and routes every mutation through the durable store. A session is
// loaded on first use; all of its state changes serialize on the runtime's
// per-session lane.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/common/config"
	"github.com/vibe80/vibe80/internal/common/ids"
	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/gitops"
	"github.com/vibe80/vibe80/internal/models"
	"github.com/vibe80/vibe80/internal/provider"
	"github.com/vibe80/vibe80/internal/provider/claude"
	"github.com/vibe80/vibe80/internal/provider/codex"
	"github.com/vibe80/vibe80/internal/sandbox"
	"github.com/vibe80/vibe80/internal/storage"
	"github.com/vibe80/vibe80/internal/workspace"
	"github.com/vibe80/vibe80/pkg/wire"
)

const evictStopTimeout = 5 * time.Second

// Manager owns the sessionID -> Runtime registry and every session-scoped
// operation: creation, worktree lifecycle, message log, provider supervisors
// and eviction.
type Manager struct {
	cfg   *config.Config
	store storage.Store
	exec  sandbox.Executor
	git   *gitops.Orchestrator
	prov  *workspace.Provisioner
	log   *logger.Logger

	mu       sync.Mutex
	runtimes map[string]*Runtime
}

// NewManager builds a Manager.
func NewManager(cfg *config.Config, store storage.Store, exec sandbox.Executor, git *gitops.Orchestrator, prov *workspace.Provisioner, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		cfg:      cfg,
		store:    store,
		exec:     exec,
		git:      git,
		prov:     prov,
		log:      log.WithFields(zap.String("component", "session-manager")),
		runtimes: make(map[string]*Runtime),
	}
}

// CreateSessionOptions describes a new session.
type CreateSessionOptions struct {
	RepoURL  string
	Provider models.Provider

	// Credentials authenticate the clone; nil for public repositories.
	Credentials *gitops.Credentials

	InternetAccess           bool
	DenyGitCredentialsAccess bool
}

// CreateSession clones the repository into a fresh session directory and
// registers the implicit main worktree.
func (m *Manager) CreateSession(ctx context.Context, ws *models.Workspace, opts CreateSessionOptions) (*models.Session, error) {
	if opts.RepoURL == "" {
		return nil, wire.NewCodedError(wire.ErrCodeRepoURLRequired, "repository URL required")
	}
	if !opts.Provider.Valid() {
		return nil, wire.NewCodedError(wire.ErrCodeProviderInvalid, fmt.Sprintf("unknown provider %q", opts.Provider))
	}
	if !ws.ProviderEnabled(opts.Provider) {
		return nil, wire.NewCodedError(wire.ErrCodeProviderNotEnabled, fmt.Sprintf("provider %s is not enabled for this workspace", opts.Provider))
	}

	sessionID := ids.NewSessionID()
	layout := models.NewSessionLayout(m.prov.SessionDir(ws.ID, sessionID))
	now := time.Now().UTC()

	s := &models.Session{
		ID:                              sessionID,
		WorkspaceID:                     ws.ID,
		RepoURL:                         opts.RepoURL,
		Layout:                          layout,
		ActiveProvider:                  opts.Provider,
		Providers:                       enabledProviders(ws),
		ThreadIDs:                       map[models.Provider]string{},
		DefaultInternetAccess:           opts.InternetAccess,
		DefaultDenyGitCredentialsAccess: opts.DenyGitCredentialsAccess,
		CreatedAt:                       now,
		LastActivityAt:                  now,
	}

	if err := m.createSessionDirs(ctx, ws.ID, layout); err != nil {
		return nil, err
	}

	repo := m.git.Repo(ws.ID, layout)
	if err := repo.Setup(ctx, opts.RepoURL, opts.Credentials); err != nil {
		m.removeSessionDir(context.Background(), ws.ID, layout.SessionDir)
		return nil, err
	}

	branch := ""
	if st, err := repo.Status(ctx, layout.RepoDir); err == nil {
		branch = st.Branch
	}

	main := &models.Worktree{
		ID:             "main",
		SessionID:      sessionID,
		BranchName:     branch,
		Path:           layout.RepoDir,
		Provider:       opts.Provider,
		Status:         models.WorktreeStatusReady,
		Color:          worktreeColors[0],
		CreatedAt:      now,
		LastActivityAt: now,
	}

	if err := m.store.SaveSession(ctx, s); err != nil {
		return nil, err
	}
	if err := m.store.SaveWorktree(ctx, sessionID, main); err != nil {
		return nil, err
	}

	rt := newRuntime(s, []*models.Worktree{main})
	m.mu.Lock()
	m.runtimes[sessionID] = rt
	m.mu.Unlock()

	m.log.Info("session created",
		zap.String("session_id", sessionID),
		zap.String("workspace_id", ws.ID),
		zap.String("provider", string(opts.Provider)))
	return s, nil
}

func enabledProviders(ws *models.Workspace) []models.Provider {
	var out []models.Provider
	for _, p := range models.Providers() {
		if ws.ProviderEnabled(p) {
			out = append(out, p)
		}
	}
	return out
}

// Runtime returns the loaded runtime for a session, loading it from the
// store on first use.
func (m *Manager) Runtime(ctx context.Context, sessionID string) (*Runtime, error) {
	m.mu.Lock()
	if rt, ok := m.runtimes[sessionID]; ok {
		m.mu.Unlock()
		return rt, nil
	}
	m.mu.Unlock()

	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, wire.NewCodedError(wire.ErrCodeSessionNotFound, "unknown session")
		}
		return nil, err
	}
	worktrees, err := m.store.LoadWorktrees(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if rt, ok := m.runtimes[sessionID]; ok {
		return rt, nil
	}
	rt := newRuntime(s, worktrees)
	m.runtimes[sessionID] = rt
	return rt, nil
}

// SessionForWorkspace loads a session and verifies ownership.
func (m *Manager) SessionForWorkspace(ctx context.Context, workspaceID, sessionID string) (*Runtime, error) {
	rt, err := m.Runtime(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s := rt.Session(); s.WorkspaceID != workspaceID {
		return nil, wire.NewCodedError(wire.ErrCodeSessionNotFound, "unknown session")
	}
	return rt, nil
}

// ListSessions returns the durable session records for a workspace.
func (m *Manager) ListSessions(ctx context.Context, workspaceID string) ([]*models.Session, error) {
	return m.store.ListSessions(ctx, workspaceID)
}

// Touch records activity on the session, write-through.
func (m *Manager) Touch(ctx context.Context, sessionID string) {
	rt, err := m.Runtime(ctx, sessionID)
	if err != nil {
		return
	}
	rt.mu.Lock()
	rt.session.Touch()
	snapshot := *rt.session
	rt.mu.Unlock()
	if err := m.store.SaveSession(ctx, &snapshot); err != nil {
		m.log.Warn("touch persist failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// AppendMessage appends one message to a worktree's log and persists it.
// A nil-equivalent (empty or "main") worktree id resolves to the main
// worktree.
func (m *Manager) AppendMessage(ctx context.Context, sessionID, worktreeID string, msg *models.ChatMessage) error {
	rt, err := m.Runtime(ctx, sessionID)
	if err != nil {
		return err
	}
	id := resolveWorktreeID(worktreeID)
	rt.mu.Lock()
	wt, ok := rt.worktrees[id]
	if !ok {
		rt.mu.Unlock()
		return wire.NewCodedError(wire.ErrCodeWorktreeNotFound, "unknown worktree")
	}
	wt.LastActivityAt = time.Now().UTC()
	rt.mu.Unlock()

	if msg.ID == "" {
		msg.ID = ids.NewToken()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	return m.store.AppendWorktreeMessage(ctx, id, msg)
}

// MessagesSince returns the worktree messages after lastSeenID; all of them
// when lastSeenID is empty or unknown.
func (m *Manager) MessagesSince(ctx context.Context, sessionID, worktreeID, lastSeenID string) ([]*models.ChatMessage, error) {
	rt, err := m.Runtime(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	id := resolveWorktreeID(worktreeID)
	if _, ok := rt.Worktree(id); !ok {
		return nil, wire.NewCodedError(wire.ErrCodeWorktreeNotFound, "unknown worktree")
	}
	msgs, err := m.store.LoadWorktreeMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	if lastSeenID == "" {
		return msgs, nil
	}
	for i, msg := range msgs {
		if msg.ID == lastSeenID {
			return msgs[i+1:], nil
		}
	}
	return msgs, nil
}

// RegisterSocket attaches a streaming client to the session fan-out.
func (m *Manager) RegisterSocket(ctx context.Context, sessionID string, s Socket) error {
	rt, err := m.Runtime(ctx, sessionID)
	if err != nil {
		return err
	}
	rt.addSocket(s)
	return nil
}

// UnregisterSocket detaches a streaming client.
func (m *Manager) UnregisterSocket(sessionID string, s Socket) {
	m.mu.Lock()
	rt, ok := m.runtimes[sessionID]
	m.mu.Unlock()
	if ok {
		rt.removeSocket(s)
	}
}

// Broadcast fans an envelope out to every socket of a loaded session.
func (m *Manager) Broadcast(sessionID string, env wire.Envelope) {
	m.mu.Lock()
	rt, ok := m.runtimes[sessionID]
	m.mu.Unlock()
	if ok {
		rt.Broadcast(env)
	}
}

// SwitchProvider changes the session's active provider and retires the main
// worktree's current child so the next turn spawns the new provider.
func (m *Manager) SwitchProvider(ctx context.Context, sessionID string, p models.Provider) (*models.Session, error) {
	if !p.Valid() {
		return nil, wire.NewCodedError(wire.ErrCodeProviderInvalid, fmt.Sprintf("unknown provider %q", p))
	}
	rt, err := m.Runtime(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	ws, err := m.store.GetWorkspace(ctx, rt.Session().WorkspaceID)
	if err != nil {
		return nil, err
	}
	if !ws.ProviderEnabled(p) {
		return nil, wire.NewCodedError(wire.ErrCodeProviderNotEnabled, fmt.Sprintf("provider %s is not enabled for this workspace", p))
	}

	rt.mu.Lock()
	rt.session.ActiveProvider = p
	rt.session.Touch()
	if main, ok := rt.worktrees["main"]; ok {
		main.Provider = p
		main.ThreadID = rt.session.ThreadIDs[p]
	}
	snapshot := *rt.session
	var mainSnapshot *models.Worktree
	if main, ok := rt.worktrees["main"]; ok {
		cp := *main
		mainSnapshot = &cp
	}
	sup := rt.supervisors["main"]
	rt.mu.Unlock()

	if err := m.store.SaveSession(ctx, &snapshot); err != nil {
		return nil, err
	}
	if mainSnapshot != nil {
		if err := m.store.SaveWorktree(ctx, sessionID, mainSnapshot); err != nil {
			return nil, err
		}
	}
	if sup != nil {
		sup.RequestRestart()
	}
	return &snapshot, nil
}

// ProviderInUse reports whether any worktree of any session in the workspace
// currently references the provider. Used by the provisioner to protect
// against disabling a provider mid-flight.
func (m *Manager) ProviderInUse(ctx context.Context, workspaceID string, p models.Provider) (bool, error) {
	sessions, err := m.store.ListSessions(ctx, workspaceID)
	if err != nil {
		return false, err
	}
	for _, s := range sessions {
		worktrees, err := m.store.LoadWorktrees(ctx, s.ID)
		if err != nil {
			return false, err
		}
		for _, wt := range worktrees {
			if wt.Provider == p && wt.Status != models.WorktreeStatusStopped {
				return true, nil
			}
		}
	}
	return false, nil
}

// Supervisor returns the worktree's provider supervisor, creating it (and
// its event pump) on first use.
func (m *Manager) Supervisor(ctx context.Context, sessionID, worktreeID string) (*provider.Supervisor, error) {
	rt, err := m.Runtime(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	id := resolveWorktreeID(worktreeID)

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, ok := rt.worktrees[id]; !ok {
		return nil, wire.NewCodedError(wire.ErrCodeWorktreeNotFound, "unknown worktree")
	}
	if sup, ok := rt.supervisors[id]; ok {
		return sup, nil
	}

	sup := provider.NewSupervisor(m.clientFactory(sessionID, id), provider.SupervisorOptions{
		Logger: m.log.WithSessionID(sessionID).WithWorktreeID(id),
		IdleGC: m.cfg.Provider.IdleGCDuration(),
	})
	rt.supervisors[id] = sup

	pumpCtx, cancel := context.WithCancel(context.Background())
	rt.pumpCancels[id] = cancel
	go m.pumpEvents(pumpCtx, rt, sessionID, id, sup)
	if m.cfg.Provider.IdleGCDuration() > 0 {
		go sup.RunIdleGC(pumpCtx)
	}
	return sup, nil
}

// SendTurn appends the user message and dispatches the turn into the
// worktree's agent child, spawning it lazily. Spawn failures mark the
// worktree errored.
func (m *Manager) SendTurn(ctx context.Context, sessionID, worktreeID, text string, attachments []string) (*provider.Turn, error) {
	id := resolveWorktreeID(worktreeID)
	rt, err := m.Runtime(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	wt, ok := rt.Worktree(id)
	if !ok {
		return nil, wire.NewCodedError(wire.ErrCodeWorktreeNotFound, "unknown worktree")
	}

	msg := &models.ChatMessage{
		Role:        models.RoleUser,
		Text:        text,
		Provider:    wt.Provider,
		Attachments: attachments,
	}
	if err := m.AppendMessage(ctx, sessionID, id, msg); err != nil {
		return nil, err
	}

	sup, err := m.Supervisor(ctx, sessionID, id)
	if err != nil {
		return nil, err
	}
	turn, err := sup.SendTurn(ctx, text)
	if err != nil {
		m.setWorktreeStatus(ctx, rt, id, models.WorktreeStatusError)
		return nil, err
	}
	m.Touch(ctx, sessionID)
	return turn, nil
}

// Evict tears a session down: children stopped, sockets closed, session
// directory removed, durable state deleted.
func (m *Manager) Evict(ctx context.Context, sessionID, reason string) error {
	m.mu.Lock()
	rt := m.runtimes[sessionID]
	delete(m.runtimes, sessionID)
	m.mu.Unlock()

	var s *models.Session
	if rt != nil {
		rt.mu.Lock()
		s = rt.session
		sups := make([]*provider.Supervisor, 0, len(rt.supervisors))
		for _, sup := range rt.supervisors {
			sups = append(sups, sup)
		}
		cancels := make([]context.CancelFunc, 0, len(rt.pumpCancels))
		for _, c := range rt.pumpCancels {
			cancels = append(cancels, c)
		}
		sockets := make([]Socket, 0, len(rt.sockets))
		for sock := range rt.sockets {
			sockets = append(sockets, sock)
		}
		rt.sockets = make(map[Socket]struct{})
		rt.mu.Unlock()

		for _, sup := range sups {
			if err := sup.Stop(ctx, provider.StopOptions{Timeout: evictStopTimeout}); err != nil {
				m.log.Warn("supervisor stop failed during eviction",
					zap.String("session_id", sessionID), zap.Error(err))
			}
		}
		for _, c := range cancels {
			c()
		}
		for _, sock := range sockets {
			sock.Close("session evicted")
		}
	} else {
		loaded, err := m.store.GetSession(ctx, sessionID)
		if err != nil {
			if err == storage.ErrNotFound {
				return wire.NewCodedError(wire.ErrCodeSessionNotFound, "unknown session")
			}
			return err
		}
		s = loaded
	}

	m.removeSessionDir(ctx, s.WorkspaceID, s.Layout.SessionDir)
	if err := m.store.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	m.log.Info("session evicted",
		zap.String("session_id", sessionID),
		zap.String("reason", reason))
	return nil
}

// StopAll stops every loaded session's children and closes its sockets.
// Durable state is kept; sessions resume lazily after restart.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	rts := make([]*Runtime, 0, len(m.runtimes))
	for _, rt := range m.runtimes {
		rts = append(rts, rt)
	}
	m.runtimes = make(map[string]*Runtime)
	m.mu.Unlock()

	for _, rt := range rts {
		rt.mu.Lock()
		sups := make([]*provider.Supervisor, 0, len(rt.supervisors))
		for _, sup := range rt.supervisors {
			sups = append(sups, sup)
		}
		cancels := make([]context.CancelFunc, 0, len(rt.pumpCancels))
		for _, c := range rt.pumpCancels {
			cancels = append(cancels, c)
		}
		sockets := make([]Socket, 0, len(rt.sockets))
		for sock := range rt.sockets {
			sockets = append(sockets, sock)
		}
		rt.sockets = make(map[Socket]struct{})
		rt.mu.Unlock()

		for _, sup := range sups {
			if err := sup.Stop(ctx, provider.StopOptions{Timeout: evictStopTimeout}); err != nil {
				m.log.Warn("supervisor stop failed during shutdown", zap.Error(err))
			}
		}
		for _, c := range cancels {
			c()
		}
		for _, sock := range sockets {
			sock.Close("server shutting down")
		}
	}
}

func (m *Manager) createSessionDirs(ctx context.Context, workspaceID string, layout models.SessionLayout) error {
	dirs := []string{
		layout.SessionDir,
		layout.RepoDir,
		layout.AttachmentsDir,
		layout.TmpDir,
		layout.GitDir,
		layout.WorktreesDir(),
	}
	argv := append([]string{"mkdir", "-p", "-m", "0700"}, dirs...)
	res, err := m.exec.Run(ctx, workspaceID, argv, sandbox.Options{
		Sandbox: sandbox.Policy{
			NetMode:      sandbox.NetModeNone,
			ExtraAllowRw: []string{m.prov.SessionsDir(workspaceID)},
		},
	})
	if err != nil {
		return err
	}
	if res.Exit != 0 {
		return fmt.Errorf("session directory setup failed: %s", string(res.Stderr))
	}
	return nil
}

func (m *Manager) removeSessionDir(ctx context.Context, workspaceID, sessionDir string) {
	res, err := m.exec.Run(ctx, workspaceID, []string{"rm", "-rf", sessionDir}, sandbox.Options{
		Sandbox: sandbox.Policy{
			NetMode:      sandbox.NetModeNone,
			ExtraAllowRw: []string{m.prov.SessionsDir(workspaceID)},
		},
	})
	if err != nil {
		m.log.Warn("session directory removal failed", zap.String("dir", sessionDir), zap.Error(err))
		return
	}
	if res.Exit != 0 {
		m.log.Warn("session directory removal failed",
			zap.String("dir", sessionDir), zap.String("stderr", string(res.Stderr)))
	}
}

// clientFactory builds the supervisor spawn hook. The session and worktree
// are re-read at every spawn so provider switches and isolation changes take
// effect on the next child.
func (m *Manager) clientFactory(sessionID, worktreeID string) provider.Factory {
	return func(ctx context.Context) (provider.Client, error) {
		rt, err := m.Runtime(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		s := rt.Session()
		wt, ok := rt.Worktree(worktreeID)
		if !ok {
			return nil, wire.NewCodedError(wire.ErrCodeWorktreeNotFound, "unknown worktree")
		}
		ws, err := m.store.GetWorkspace(ctx, s.WorkspaceID)
		if err != nil {
			return nil, err
		}
		if !ws.ProviderEnabled(wt.Provider) {
			return nil, wire.NewCodedError(wire.ErrCodeProviderNotEnabled, fmt.Sprintf("provider %s is not enabled for this workspace", wt.Provider))
		}

		roots := []string{wt.Path, s.Layout.AttachmentsDir, s.Layout.TmpDir}
		if !wt.EffectiveDenyGitCredentials(&s) {
			roots = append(roots, s.Layout.GitDir)
		}

		var rec *provider.Recorder
		if m.cfg.Provider.ActivateLog {
			rec, err = provider.NewRecorder(m.cfg.Provider.LogDirectory, string(wt.Provider), sessionID, worktreeID)
			if err != nil {
				m.log.Warn("provider log unavailable", zap.Error(err))
			}
		}

		threadID := wt.ThreadID
		if threadID == "" {
			threadID = s.ThreadIDs[wt.Provider]
		}

		switch wt.Provider {
		case models.ProviderCodex:
			return codex.NewClient(codex.Config{
				Binary:         m.cfg.Provider.CodexBinary,
				WorkspaceID:    s.WorkspaceID,
				SessionID:      sessionID,
				WorktreeID:     worktreeID,
				Cwd:            wt.Path,
				WritableRoots:  roots,
				InternetAccess: wt.EffectiveInternetAccess(&s),
				WebSearch:      wt.EffectiveInternetAccess(&s),
				SystemPrompt:   m.cfg.Provider.SystemPrompt,
				ThreadID:       threadID,
				Recorder:       rec,
			}, m.exec, m.log), nil
		case models.ProviderClaude:
			return claude.NewClient(claude.Config{
				Binary:         m.cfg.Provider.ClaudeBinary,
				WorkspaceID:    s.WorkspaceID,
				SessionID:      sessionID,
				WorktreeID:     worktreeID,
				Cwd:            wt.Path,
				WritableRoots:  roots,
				InternetAccess: wt.EffectiveInternetAccess(&s),
				WebSearch:      wt.EffectiveInternetAccess(&s),
				SystemPrompt:   m.cfg.Provider.SystemPrompt,
				ThreadID:       threadID,
				Recorder:       rec,
			}, m.exec, m.log), nil
		}
		return nil, wire.NewCodedError(wire.ErrCodeProviderInvalid, fmt.Sprintf("unknown provider %q", wt.Provider))
	}
}
