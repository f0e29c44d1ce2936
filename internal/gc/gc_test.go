package gc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibe80/vibe80/internal/common/config"
	"github.com/vibe80/vibe80/internal/gitops"
	"github.com/vibe80/vibe80/internal/models"
	"github.com/vibe80/vibe80/internal/sandbox"
	"github.com/vibe80/vibe80/internal/session"
	"github.com/vibe80/vibe80/internal/storage"
	"github.com/vibe80/vibe80/internal/storage/sqlite"
	"github.com/vibe80/vibe80/internal/workspace"
)

const testWorkspaceID = "w0123456789abcdef01234567"

func testSweeper(t *testing.T) (*Sweeper, storage.Store) {
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
		Session: config.SessionConfig{
			IdleTTL:    int(24 * time.Hour / time.Millisecond),
			MaxTTL:     int(7 * 24 * time.Hour / time.Millisecond),
			GCInterval: int(5 * time.Minute / time.Millisecond),
		},
	}
	exec := sandbox.NewLocalExecutor(nil)
	prov := workspace.NewProvisioner(cfg.Workspace, store, exec, nil, nil)
	git := gitops.NewOrchestrator(exec, nil)
	sessions := session.NewManager(cfg, store, exec, git, prov, nil)

	require.NoError(t, store.SaveWorkspace(context.Background(), &models.Workspace{ID: testWorkspaceID}))
	return NewSweeper(cfg.Session, store, sessions, nil), store
}

func seed(t *testing.T, store storage.Store, id string, createdAt, lastActivity time.Time) {
	t.Helper()
	require.NoError(t, store.SaveSession(context.Background(), &models.Session{
		ID:             id,
		WorkspaceID:    testWorkspaceID,
		Layout:         models.NewSessionLayout(t.TempDir()),
		CreatedAt:      createdAt,
		LastActivityAt: lastActivity,
	}))
}

func TestSweepEvictsIdleSessions(t *testing.T) {
	s, store := testSweeper(t)
	now := time.Now().UTC()
	s.now = func() time.Time { return now }

	seed(t, store, "s000000000000000000000001", now.Add(-time.Hour), now.Add(-25*time.Hour))
	seed(t, store, "s000000000000000000000002", now.Add(-time.Hour), now.Add(-time.Minute))

	assert.Equal(t, 1, s.SweepOnce(context.Background()))

	_, err := store.GetSession(context.Background(), "s000000000000000000000001")
	assert.Equal(t, storage.ErrNotFound, err)
	_, err = store.GetSession(context.Background(), "s000000000000000000000002")
	assert.NoError(t, err)
}

func TestSweepEvictsOverMaxTTL(t *testing.T) {
	s, store := testSweeper(t)
	now := time.Now().UTC()
	s.now = func() time.Time { return now }

	// Recently active but alive past the absolute cap.
	seed(t, store, "s000000000000000000000003", now.Add(-8*24*time.Hour), now.Add(-time.Minute))

	assert.Equal(t, 1, s.SweepOnce(context.Background()))
	_, err := store.GetSession(context.Background(), "s000000000000000000000003")
	assert.Equal(t, storage.ErrNotFound, err)
}

func TestSweepKeepsFreshSessions(t *testing.T) {
	s, store := testSweeper(t)
	now := time.Now().UTC()
	s.now = func() time.Time { return now }

	seed(t, store, "s000000000000000000000004", now.Add(-time.Hour), now.Add(-time.Hour))
	assert.Equal(t, 0, s.SweepOnce(context.Background()))
}
