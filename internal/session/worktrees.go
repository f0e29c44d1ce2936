package session

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/common/ids"
	"github.com/vibe80/vibe80/internal/gitops"
	"github.com/vibe80/vibe80/internal/models"
	"github.com/vibe80/vibe80/internal/provider"
	"github.com/vibe80/vibe80/pkg/wire"
)

// worktreeColors is the palette cycled through as worktrees are added; the
// main worktree always takes the first entry.
var worktreeColors = []string{
	"#6c9ef8", "#f8a36c", "#7fd07f", "#d98cf0", "#f0d86c", "#6cd9d9",
}

// CreateWorktreeOptions describes a new worktree.
type CreateWorktreeOptions struct {
	Title          string
	StartingBranch string
	Provider       models.Provider

	// ParentWorktreeID seeds the starting ref from another worktree's HEAD
	// when no explicit branch is given.
	ParentWorktreeID string

	InternetAccess           *bool
	DenyGitCredentialsAccess *bool
}

// CreateWorktree adds a linked Git worktree with its own branch, provider
// and message log.
func (m *Manager) CreateWorktree(ctx context.Context, sessionID string, opts CreateWorktreeOptions) (*models.Worktree, error) {
	rt, err := m.Runtime(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	s := rt.Session()

	p := opts.Provider
	if p == "" {
		p = s.ActiveProvider
	}
	if !p.Valid() {
		return nil, wire.NewCodedError(wire.ErrCodeProviderInvalid, fmt.Sprintf("unknown provider %q", p))
	}
	ws, err := m.store.GetWorkspace(ctx, s.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if !ws.ProviderEnabled(p) {
		return nil, wire.NewCodedError(wire.ErrCodeProviderNotEnabled, fmt.Sprintf("provider %s is not enabled for this workspace", p))
	}

	parentPath := ""
	if opts.ParentWorktreeID != "" {
		parent, ok := rt.Worktree(opts.ParentWorktreeID)
		if !ok {
			return nil, wire.NewCodedError(wire.ErrCodeWorktreeNotFound, "unknown parent worktree")
		}
		parentPath = parent.Path
	}

	now := time.Now().UTC()
	wt := &models.Worktree{
		ID:                       ids.NewWorktreeID(),
		SessionID:                sessionID,
		Provider:                 p,
		Status:                   models.WorktreeStatusCreating,
		Color:                    worktreeColors[(len(rt.Worktrees()))%len(worktreeColors)],
		ParentWorktreeID:         opts.ParentWorktreeID,
		InternetAccess:           opts.InternetAccess,
		DenyGitCredentialsAccess: opts.DenyGitCredentialsAccess,
		CreatedAt:                now,
		LastActivityAt:           now,
	}
	wt.Path = s.Layout.WorktreePath(wt.ID)

	rt.mu.Lock()
	rt.worktrees[wt.ID] = wt
	rt.mu.Unlock()
	if err := m.store.SaveWorktree(ctx, sessionID, wt); err != nil {
		return nil, err
	}
	m.broadcastWorktreeStatus(rt, wt.ID, models.WorktreeStatusCreating)

	repo := m.git.Repo(s.WorkspaceID, s.Layout)
	err = repo.CreateWorktree(ctx, wt, gitops.CreateWorktreeOptions{
		StartingBranch: opts.StartingBranch,
		Title:          opts.Title,
		ParentPath:     parentPath,
	})
	if err != nil {
		m.setWorktreeStatus(ctx, rt, wt.ID, models.WorktreeStatusError)
		return nil, err
	}

	m.setWorktreeStatus(ctx, rt, wt.ID, models.WorktreeStatusReady)
	snapshot, _ := rt.Worktree(wt.ID)
	m.log.Info("worktree created",
		zap.String("session_id", sessionID),
		zap.String("worktree_id", wt.ID),
		zap.String("branch", snapshot.BranchName))
	return &snapshot, nil
}

// RemoveWorktree stops the worktree's child, removes the Git worktree and
// deletes the durable record. The main worktree cannot be removed.
func (m *Manager) RemoveWorktree(ctx context.Context, sessionID, worktreeID string) error {
	if resolveWorktreeID(worktreeID) == "main" {
		return wire.NewCodedError(wire.ErrCodeWorktreeNotFound, "the main worktree cannot be removed")
	}
	rt, err := m.Runtime(ctx, sessionID)
	if err != nil {
		return err
	}
	wt, ok := rt.Worktree(worktreeID)
	if !ok {
		return wire.NewCodedError(wire.ErrCodeWorktreeNotFound, "unknown worktree")
	}

	rt.mu.Lock()
	sup := rt.supervisors[worktreeID]
	cancel := rt.pumpCancels[worktreeID]
	delete(rt.supervisors, worktreeID)
	delete(rt.pumpCancels, worktreeID)
	rt.mu.Unlock()
	if sup != nil {
		if err := sup.Stop(ctx, provider.StopOptions{Timeout: evictStopTimeout}); err != nil {
			m.log.Warn("supervisor stop failed during worktree removal", zap.Error(err))
		}
	}
	if cancel != nil {
		cancel()
	}

	s := rt.Session()
	repo := m.git.Repo(s.WorkspaceID, s.Layout)
	if err := repo.RemoveWorktree(ctx, &wt); err != nil {
		return err
	}

	rt.mu.Lock()
	delete(rt.worktrees, worktreeID)
	rt.mu.Unlock()
	return m.store.DeleteWorktree(ctx, worktreeID)
}

// MergeWorktree merges the worktree's branch into the main checkout.
// Conflicts flip the worktree to merge_conflict and are reported in the
// result rather than as an error.
func (m *Manager) MergeWorktree(ctx context.Context, sessionID, worktreeID string) (*gitops.MergeResult, error) {
	rt, err := m.Runtime(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	wt, ok := rt.Worktree(worktreeID)
	if !ok || wt.IsMain() {
		return nil, wire.NewCodedError(wire.ErrCodeWorktreeNotFound, "unknown worktree")
	}

	s := rt.Session()
	repo := m.git.Repo(s.WorkspaceID, s.Layout)
	res, err := repo.MergeWorktree(ctx, s.Layout.RepoDir, &wt)
	if err != nil {
		return nil, err
	}
	if !res.Merged {
		m.setWorktreeStatus(ctx, rt, worktreeID, models.WorktreeStatusMergeConflict)
	} else {
		m.setWorktreeStatus(ctx, rt, worktreeID, models.WorktreeStatusReady)
	}
	m.Touch(ctx, sessionID)
	return res, nil
}

// AbortMerge abandons an in-progress merge in the main checkout and returns
// the worktree to ready.
func (m *Manager) AbortMerge(ctx context.Context, sessionID, worktreeID string) error {
	rt, err := m.Runtime(ctx, sessionID)
	if err != nil {
		return err
	}
	if _, ok := rt.Worktree(worktreeID); !ok {
		return wire.NewCodedError(wire.ErrCodeWorktreeNotFound, "unknown worktree")
	}
	s := rt.Session()
	repo := m.git.Repo(s.WorkspaceID, s.Layout)
	if err := repo.AbortMerge(ctx, s.Layout.RepoDir); err != nil {
		return err
	}
	m.setWorktreeStatus(ctx, rt, resolveWorktreeID(worktreeID), models.WorktreeStatusReady)
	return nil
}

// WorktreeDiff returns the uncommitted diff of the worktree checkout.
func (m *Manager) WorktreeDiff(ctx context.Context, sessionID, worktreeID string) (string, error) {
	rt, err := m.Runtime(ctx, sessionID)
	if err != nil {
		return "", err
	}
	wt, ok := rt.Worktree(worktreeID)
	if !ok {
		return "", wire.NewCodedError(wire.ErrCodeWorktreeNotFound, "unknown worktree")
	}
	s := rt.Session()
	return m.git.Repo(s.WorkspaceID, s.Layout).Diff(ctx, wt.Path)
}

// PushWorktree pushes the worktree branch to origin.
func (m *Manager) PushWorktree(ctx context.Context, sessionID, worktreeID string) error {
	rt, err := m.Runtime(ctx, sessionID)
	if err != nil {
		return err
	}
	wt, ok := rt.Worktree(worktreeID)
	if !ok {
		return wire.NewCodedError(wire.ErrCodeWorktreeNotFound, "unknown worktree")
	}
	s := rt.Session()
	return m.git.Repo(s.WorkspaceID, s.Layout).Push(ctx, &wt)
}

// setWorktreeStatus updates the status in memory, persists it and broadcasts
// a worktree_status envelope.
func (m *Manager) setWorktreeStatus(ctx context.Context, rt *Runtime, worktreeID, status string) {
	rt.mu.Lock()
	wt, ok := rt.worktrees[worktreeID]
	if !ok {
		rt.mu.Unlock()
		return
	}
	wt.Status = status
	wt.LastActivityAt = time.Now().UTC()
	snapshot := *wt
	sessionID := rt.session.ID
	rt.mu.Unlock()

	if err := m.store.SaveWorktree(ctx, sessionID, &snapshot); err != nil {
		m.log.Warn("worktree status persist failed",
			zap.String("worktree_id", worktreeID), zap.Error(err))
	}
	m.broadcastWorktreeStatus(rt, worktreeID, status)
}

func (m *Manager) broadcastWorktreeStatus(rt *Runtime, worktreeID, status string) {
	rt.Broadcast(wire.NewEnvelope(wire.TypeWorktreeStatus, map[string]any{
		"status": status,
	}).WithWorktree(worktreeID))
}
