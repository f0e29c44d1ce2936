package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibe80/vibe80/internal/common/config"
	"github.com/vibe80/vibe80/internal/gitops"
	"github.com/vibe80/vibe80/internal/models"
	"github.com/vibe80/vibe80/internal/provider"
	"github.com/vibe80/vibe80/internal/sandbox"
	"github.com/vibe80/vibe80/internal/storage"
	"github.com/vibe80/vibe80/internal/storage/sqlite"
	"github.com/vibe80/vibe80/internal/workspace"
	"github.com/vibe80/vibe80/pkg/wire"
)

const (
	testWorkspaceID = "w0123456789abcdef01234567"
	testSessionID   = "s0123456789abcdef01234567"
)

// fakeSocket records every envelope it receives; failAfter>0 makes Send fail
// from that call on.
type fakeSocket struct {
	mu        sync.Mutex
	sent      []wire.Envelope
	closed    bool
	closeMsg  string
	failAfter int
}

func (f *fakeSocket) Send(env wire.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAfter > 0 && len(f.sent)+1 >= f.failAfter {
		return errors.New("broken pipe")
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeSocket) Close(message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeMsg = message
}

func (f *fakeSocket) envelopes() []wire.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wire.Envelope, len(f.sent))
	copy(out, f.sent)
	return out
}

func testManager(t *testing.T) (*Manager, storage.Store) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{
		Workspace: config.WorkspaceConfig{
			DeploymentMode: config.ModeMonoUser,
			HomeBase:       t.TempDir(),
			UIDMin:         20000,
			UIDMax:         20100,
		},
		Provider: config.ProviderConfig{
			CodexBinary:  "codex",
			ClaudeBinary: "claude",
		},
	}
	exec := sandbox.NewLocalExecutor(nil)
	prov := workspace.NewProvisioner(cfg.Workspace, store, exec, nil, nil)
	git := gitops.NewOrchestrator(exec, nil)
	return NewManager(cfg, store, exec, git, prov, nil), store
}

func seedSession(t *testing.T, m *Manager, store storage.Store) *models.Session {
	t.Helper()
	ctx := context.Background()

	ws := &models.Workspace{
		ID: testWorkspaceID,
		Providers: map[models.Provider]models.ProviderSettings{
			models.ProviderCodex: {Enabled: true, Auth: &models.ProviderAuth{Type: models.AuthTypeAPIKey, Value: "sk-test"}},
		},
	}
	require.NoError(t, store.SaveWorkspace(ctx, ws))

	layout := models.NewSessionLayout(m.prov.SessionDir(testWorkspaceID, testSessionID))
	s := &models.Session{
		ID:             testSessionID,
		WorkspaceID:    testWorkspaceID,
		RepoURL:        "https://example.test/repo.git",
		Layout:         layout,
		ActiveProvider: models.ProviderCodex,
		Providers:      []models.Provider{models.ProviderCodex},
		CreatedAt:      time.Now().UTC(),
		LastActivityAt: time.Now().UTC(),
	}
	require.NoError(t, store.SaveSession(ctx, s))
	require.NoError(t, store.SaveWorktree(ctx, s.ID, &models.Worktree{
		ID:        "main",
		SessionID: s.ID,
		Path:      layout.RepoDir,
		Provider:  models.ProviderCodex,
		Status:    models.WorktreeStatusReady,
	}))
	return s
}

func TestAppendMessageResolvesMain(t *testing.T) {
	m, store := testManager(t)
	seedSession(t, m, store)
	ctx := context.Background()

	require.NoError(t, m.AppendMessage(ctx, testSessionID, "", &models.ChatMessage{
		Role: models.RoleUser, Text: "hello",
	}))
	require.NoError(t, m.AppendMessage(ctx, testSessionID, "main", &models.ChatMessage{
		Role: models.RoleUser, Text: "again",
	}))

	msgs, err := store.LoadWorktreeMessages(ctx, "main")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].Text)
	assert.NotEmpty(t, msgs[0].ID)
	assert.False(t, msgs[0].Timestamp.IsZero())
}

func TestAppendMessageUnknownWorktree(t *testing.T) {
	m, store := testManager(t)
	seedSession(t, m, store)

	err := m.AppendMessage(context.Background(), testSessionID, "deadbeefdeadbeef", &models.ChatMessage{Text: "x"})
	assert.Equal(t, wire.ErrCodeWorktreeNotFound, wire.CodeOf(err))
}

func TestMessagesSince(t *testing.T) {
	m, store := testManager(t)
	seedSession(t, m, store)
	ctx := context.Background()

	for _, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, m.AppendMessage(ctx, testSessionID, "", &models.ChatMessage{ID: id, Role: models.RoleUser, Text: id}))
	}

	msgs, err := m.MessagesSince(ctx, testSessionID, "", "m2")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m3", msgs[0].ID)

	// Unknown cursor falls back to the full log.
	msgs, err = m.MessagesSince(ctx, testSessionID, "", "nope")
	require.NoError(t, err)
	assert.Len(t, msgs, 3)

	all, err := m.MessagesSince(ctx, testSessionID, "", "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestRuntimeBroadcastDropsFailedSocket(t *testing.T) {
	m, store := testManager(t)
	seedSession(t, m, store)
	ctx := context.Background()

	healthy := &fakeSocket{}
	broken := &fakeSocket{failAfter: 1}
	require.NoError(t, m.RegisterSocket(ctx, testSessionID, healthy))
	require.NoError(t, m.RegisterSocket(ctx, testSessionID, broken))

	m.Broadcast(testSessionID, wire.NewEnvelope(wire.TypeLog, map[string]any{"message": "hi"}))

	assert.Len(t, healthy.envelopes(), 1)
	assert.True(t, broken.closed)

	rt, err := m.Runtime(ctx, testSessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, rt.SocketCount())
}

func TestSessionOwnershipEnforced(t *testing.T) {
	m, store := testManager(t)
	seedSession(t, m, store)

	_, err := m.SessionForWorkspace(context.Background(), "w0000000000000000000000ff", testSessionID)
	assert.Equal(t, wire.ErrCodeSessionNotFound, wire.CodeOf(err))

	_, err = m.SessionForWorkspace(context.Background(), testWorkspaceID, testSessionID)
	assert.NoError(t, err)
}

func TestSwitchProviderValidation(t *testing.T) {
	m, store := testManager(t)
	seedSession(t, m, store)
	ctx := context.Background()

	_, err := m.SwitchProvider(ctx, testSessionID, models.Provider("gpt"))
	assert.Equal(t, wire.ErrCodeProviderInvalid, wire.CodeOf(err))

	// Claude is not enabled on the seeded workspace.
	_, err = m.SwitchProvider(ctx, testSessionID, models.ProviderClaude)
	assert.Equal(t, wire.ErrCodeProviderNotEnabled, wire.CodeOf(err))
}

func TestSwitchProviderUpdatesMainWorktree(t *testing.T) {
	m, store := testManager(t)
	s := seedSession(t, m, store)
	ctx := context.Background()

	// Enable claude too.
	ws, err := store.GetWorkspace(ctx, s.WorkspaceID)
	require.NoError(t, err)
	ws.Providers[models.ProviderClaude] = models.ProviderSettings{
		Enabled: true,
		Auth:    &models.ProviderAuth{Type: models.AuthTypeAPIKey, Value: "sk-c"},
	}
	require.NoError(t, store.SaveWorkspace(ctx, ws))

	updated, err := m.SwitchProvider(ctx, testSessionID, models.ProviderClaude)
	require.NoError(t, err)
	assert.Equal(t, models.ProviderClaude, updated.ActiveProvider)

	worktrees, err := store.LoadWorktrees(ctx, testSessionID)
	require.NoError(t, err)
	require.Len(t, worktrees, 1)
	assert.Equal(t, models.ProviderClaude, worktrees[0].Provider)
}

func TestProviderInUse(t *testing.T) {
	m, store := testManager(t)
	seedSession(t, m, store)
	ctx := context.Background()

	busy, err := m.ProviderInUse(ctx, testWorkspaceID, models.ProviderCodex)
	require.NoError(t, err)
	assert.True(t, busy)

	busy, err = m.ProviderInUse(ctx, testWorkspaceID, models.ProviderClaude)
	require.NoError(t, err)
	assert.False(t, busy)

	// Stopped worktrees do not pin the provider.
	require.NoError(t, store.SaveWorktree(ctx, testSessionID, &models.Worktree{
		ID:        "main",
		SessionID: testSessionID,
		Provider:  models.ProviderCodex,
		Status:    models.WorktreeStatusStopped,
	}))
	busy, err = m.ProviderInUse(ctx, testWorkspaceID, models.ProviderCodex)
	require.NoError(t, err)
	assert.False(t, busy)
}

func TestEvictRemovesDurableState(t *testing.T) {
	m, store := testManager(t)
	s := seedSession(t, m, store)
	ctx := context.Background()

	require.NoError(t, m.createSessionDirs(ctx, s.WorkspaceID, s.Layout))

	sock := &fakeSocket{}
	require.NoError(t, m.RegisterSocket(ctx, testSessionID, sock))

	require.NoError(t, m.Evict(ctx, testSessionID, "idle"))

	assert.True(t, sock.closed)
	_, err := store.GetSession(ctx, testSessionID)
	assert.Equal(t, storage.ErrNotFound, err)
	assert.NoDirExists(t, s.Layout.SessionDir)

	// Evicting again reports the session as gone.
	err = m.Evict(ctx, testSessionID, "idle")
	assert.Equal(t, wire.ErrCodeSessionNotFound, wire.CodeOf(err))
}

func TestHandleEventPersistsAssistantMessage(t *testing.T) {
	m, store := testManager(t)
	seedSession(t, m, store)
	ctx := context.Background()

	rt, err := m.Runtime(ctx, testSessionID)
	require.NoError(t, err)
	sock := &fakeSocket{}
	rt.addSocket(sock)

	m.handleEvent(ctx, rt, testSessionID, "main", &provider.Event{
		Type: provider.EventAssistantMessage, TurnID: "t1", ItemID: "i1", Text: "done",
	})

	msgs, err := store.LoadWorktreeMessages(ctx, "main")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.RoleAssistant, msgs[0].Role)
	assert.Equal(t, "done", msgs[0].Text)

	envs := sock.envelopes()
	require.NotEmpty(t, envs)
	assert.Equal(t, wire.TypeAssistantMessage, envs[0]["type"])
	assert.Equal(t, "main", envs[0]["worktreeId"])
}

func TestHandleEventTurnLifecycleUpdatesStatus(t *testing.T) {
	m, store := testManager(t)
	seedSession(t, m, store)
	ctx := context.Background()

	rt, err := m.Runtime(ctx, testSessionID)
	require.NoError(t, err)

	m.handleEvent(ctx, rt, testSessionID, "main", &provider.Event{Type: provider.EventTurnStarted, TurnID: "t1"})
	wt, _ := rt.Worktree("main")
	assert.Equal(t, models.WorktreeStatusProcessing, wt.Status)

	m.handleEvent(ctx, rt, testSessionID, "main", &provider.Event{Type: provider.EventTurnCompleted, TurnID: "t1"})
	wt, _ = rt.Worktree("main")
	assert.Equal(t, models.WorktreeStatusReady, wt.Status)

	// Retryable errors keep the worktree processing.
	m.handleEvent(ctx, rt, testSessionID, "main", &provider.Event{Type: provider.EventTurnStarted, TurnID: "t2"})
	m.handleEvent(ctx, rt, testSessionID, "main", &provider.Event{
		Type: provider.EventTurnError, TurnID: "t2", Message: "rate limited", WillRetry: true,
	})
	wt, _ = rt.Worktree("main")
	assert.Equal(t, models.WorktreeStatusProcessing, wt.Status)

	m.handleEvent(ctx, rt, testSessionID, "main", &provider.Event{
		Type: provider.EventExit, Exit: &provider.ExitInfo{Code: 1, Reason: provider.ExitReasonUnexpected},
	})
	wt, _ = rt.Worktree("main")
	assert.Equal(t, models.WorktreeStatusError, wt.Status)
}

func TestHandleEventAppendsRpcLog(t *testing.T) {
	m, store := testManager(t)
	seedSession(t, m, store)
	ctx := context.Background()

	rt, err := m.Runtime(ctx, testSessionID)
	require.NoError(t, err)

	m.handleEvent(ctx, rt, testSessionID, "main", &provider.Event{
		Type: provider.EventRpcIn, Payload: []byte(`{"method":"turn/start"}`),
	})
	m.handleEvent(ctx, rt, testSessionID, "main", &provider.Event{
		Type: provider.EventRpcOut, Payload: []byte(`{"id":1}`),
	})

	logs, err := store.LoadRpcLogs(ctx, testSessionID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, models.RpcDirectionStdin, logs[0].Direction)
	assert.Equal(t, models.RpcDirectionStdout, logs[1].Direction)
}

func TestHandleEventReadyPersistsThreadID(t *testing.T) {
	m, store := testManager(t)
	seedSession(t, m, store)
	ctx := context.Background()

	rt, err := m.Runtime(ctx, testSessionID)
	require.NoError(t, err)

	m.handleEvent(ctx, rt, testSessionID, "main", &provider.Event{
		Type: provider.EventReady, ThreadID: "thr-42",
	})

	s, err := store.GetSession(ctx, testSessionID)
	require.NoError(t, err)
	assert.Equal(t, "thr-42", s.ThreadIDs[models.ProviderCodex])

	worktrees, err := store.LoadWorktrees(ctx, testSessionID)
	require.NoError(t, err)
	assert.Equal(t, "thr-42", worktrees[0].ThreadID)
}

func TestCreateSessionValidation(t *testing.T) {
	m, store := testManager(t)
	seedSession(t, m, store)
	ctx := context.Background()
	ws, err := store.GetWorkspace(ctx, testWorkspaceID)
	require.NoError(t, err)

	_, err = m.CreateSession(ctx, ws, CreateSessionOptions{Provider: models.ProviderCodex})
	assert.Equal(t, wire.ErrCodeRepoURLRequired, wire.CodeOf(err))

	_, err = m.CreateSession(ctx, ws, CreateSessionOptions{RepoURL: "https://x.test/r.git", Provider: "nope"})
	assert.Equal(t, wire.ErrCodeProviderInvalid, wire.CodeOf(err))

	_, err = m.CreateSession(ctx, ws, CreateSessionOptions{RepoURL: "https://x.test/r.git", Provider: models.ProviderClaude})
	assert.Equal(t, wire.ErrCodeProviderNotEnabled, wire.CodeOf(err))
}

func TestStopAllKeepsDurableState(t *testing.T) {
	m, store := testManager(t)
	seedSession(t, m, store)
	ctx := context.Background()

	sock := &fakeSocket{}
	require.NoError(t, m.RegisterSocket(ctx, testSessionID, sock))

	m.StopAll(ctx)
	assert.True(t, sock.closed)

	// Durable state survives; the session reloads lazily.
	_, err := store.GetSession(ctx, testSessionID)
	require.NoError(t, err)
	rt, err := m.Runtime(ctx, testSessionID)
	require.NoError(t, err)
	assert.Equal(t, 0, rt.SocketCount())
}
