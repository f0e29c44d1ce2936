package sqlite

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibe80/vibe80/internal/models"
	"github.com/vibe80/vibe80/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestWorkspaceRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ws := &models.Workspace{
		ID:     "w0123456789abcdef01234567",
		Secret: "deadbeef",
		UID:    23001,
		GID:    23001,
		Providers: map[models.Provider]models.ProviderSettings{
			models.ProviderCodex: {Enabled: true, Auth: &models.ProviderAuth{Type: models.AuthTypeAPIKey, Value: "sk-test"}},
		},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.SaveWorkspace(ctx, ws))

	got, err := s.GetWorkspace(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, ws.ID, got.ID)
	assert.Equal(t, 23001, got.UID)
	assert.True(t, got.ProviderEnabled(models.ProviderCodex))
	assert.False(t, got.ProviderEnabled(models.ProviderClaude))

	_, err = s.GetWorkspace(ctx, "w000000000000000000000000")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSessionListAndDeleteCascade(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &models.Session{
		ID:             "s0123456789abcdef01234567",
		WorkspaceID:    "w0123456789abcdef01234567",
		RepoURL:        "https://example.test/repo.git",
		ActiveProvider: models.ProviderCodex,
		LastActivityAt: time.Now().UTC(),
	}
	require.NoError(t, s.SaveSession(ctx, sess))

	wt := &models.Worktree{ID: "main", SessionID: sess.ID, BranchName: "main", Status: models.WorktreeStatusReady}
	require.NoError(t, s.SaveWorktree(ctx, sess.ID, wt))
	require.NoError(t, s.AppendWorktreeMessage(ctx, "main", &models.ChatMessage{ID: "m1", Role: models.RoleUser, Text: "hi"}))
	require.NoError(t, s.AppendRpcLog(ctx, sess.ID, &models.RpcLogEntry{Direction: models.RpcDirectionStdin, Payload: "{}"}))

	sessions, err := s.ListSessions(ctx, sess.WorkspaceID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	require.NoError(t, s.DeleteSession(ctx, sess.ID))

	_, err = s.GetSession(ctx, sess.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	wts, err := s.LoadWorktrees(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, wts)
	msgs, err := s.LoadWorktreeMessages(ctx, "main")
	require.NoError(t, err)
	assert.Empty(t, msgs)
	logs, err := s.LoadRpcLogs(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestAppendWorktreeMessageIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg := &models.ChatMessage{ID: "m1", Role: models.RoleUser, Text: "hello", Timestamp: time.Now().UTC()}
	require.NoError(t, s.AppendWorktreeMessage(ctx, "wt1", msg))
	require.NoError(t, s.AppendWorktreeMessage(ctx, "wt1", msg))

	msgs, err := s.LoadWorktreeMessages(ctx, "wt1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Text)
}

func TestMessagesKeepReceiptOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		msg := &models.ChatMessage{ID: fmt.Sprintf("m%d", i), Role: models.RoleUser, Text: fmt.Sprintf("msg %d", i)}
		require.NoError(t, s.AppendWorktreeMessage(ctx, "wt1", msg))
	}

	msgs, err := s.LoadWorktreeMessages(ctx, "wt1")
	require.NoError(t, err)
	require.Len(t, msgs, 10)
	for i, m := range msgs {
		assert.Equal(t, fmt.Sprintf("m%d", i), m.ID)
	}
}

func TestRpcLogRingIsBounded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < rpcLogCap+25; i++ {
		entry := &models.RpcLogEntry{
			Direction: models.RpcDirectionStdout,
			Payload:   fmt.Sprintf(`{"seq":%d}`, i),
			Provider:  models.ProviderCodex,
		}
		require.NoError(t, s.AppendRpcLog(ctx, "s1", entry))
	}

	logs, err := s.LoadRpcLogs(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, logs, rpcLogCap)
	// Oldest entries were dropped.
	assert.Equal(t, `{"seq":25}`, logs[0].Payload)
}

func TestRotateRefreshTokenOutcomes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wid := "w0123456789abcdef01234567"
	expires := time.Now().Add(time.Hour)

	require.NoError(t, s.SaveWorkspaceRefreshToken(ctx, wid, "hash-1", expires, nil))

	// Current hash rotates.
	res, err := s.RotateWorkspaceRefreshToken(ctx, "hash-1", "hash-2", expires, 20*time.Second)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, storage.RotateOutcomeRotated, res.Outcome)
	assert.Equal(t, wid, res.WorkspaceID)

	// The rotated-out hash is still accepted within its grace window.
	res, err = s.RotateWorkspaceRefreshToken(ctx, "hash-1", "hash-3", expires, 20*time.Second)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, storage.RotateOutcomeGrace, res.Outcome)

	// The new current still works after a grace hit (no state was mutated).
	state, err := s.GetWorkspaceRefreshState(ctx, wid)
	require.NoError(t, err)
	assert.Equal(t, "hash-2", state.CurrentTokenHash)
	assert.Equal(t, "hash-1", state.PreviousTokenHash)
}

func TestRotateRefreshTokenReuseRevokesAll(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wid := "w0123456789abcdef01234567"
	expires := time.Now().Add(time.Hour)

	require.NoError(t, s.SaveWorkspaceRefreshToken(ctx, wid, "hash-1", expires, nil))

	// Rotate with a zero grace window so the old hash expires immediately.
	res, err := s.RotateWorkspaceRefreshToken(ctx, "hash-1", "hash-2", expires, 0)
	require.NoError(t, err)
	require.True(t, res.OK)

	time.Sleep(5 * time.Millisecond)

	// Presenting the rotated-out hash past grace is reuse: everything goes.
	res, err = s.RotateWorkspaceRefreshToken(ctx, "hash-1", "hash-3", expires, 0)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, storage.RotateOutcomeReuse, res.Outcome)
	assert.Equal(t, wid, res.WorkspaceID)

	// The current hash no longer works either.
	res, err = s.RotateWorkspaceRefreshToken(ctx, "hash-2", "hash-4", expires, 0)
	require.NoError(t, err)
	assert.Equal(t, storage.RotateOutcomeUnknown, res.Outcome)
}

func TestRotateRefreshTokenExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wid := "w0123456789abcdef01234567"

	require.NoError(t, s.SaveWorkspaceRefreshToken(ctx, wid, "hash-1", time.Now().Add(-time.Minute), nil))

	res, err := s.RotateWorkspaceRefreshToken(ctx, "hash-1", "hash-2", time.Now().Add(time.Hour), 0)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, storage.RotateOutcomeExpired, res.Outcome)
}

func TestRotateRefreshTokenUnknown(t *testing.T) {
	s := newTestStore(t)

	res, err := s.RotateWorkspaceRefreshToken(context.Background(), "never-seen", "x", time.Now().Add(time.Hour), 0)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, storage.RotateOutcomeUnknown, res.Outcome)
	assert.Empty(t, res.WorkspaceID)
}
