// Package storage defines the durable store contract for workspaces,
// sessions, worktrees, message logs, RPC logs, and refresh-token state.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vibe80/vibe80/internal/models"
)

// Sentinel errors shared by all implementations.
var (
	ErrNotFound = errors.New("storage: record not found")
)

// Rotation outcome codes returned by RotateWorkspaceRefreshToken.
const (
	RotateOutcomeRotated = "rotated" // presented hash was current; rotation applied
	RotateOutcomeGrace   = "grace"   // presented hash was previous, within grace
	RotateOutcomeReuse   = "reuse"   // presented hash was rotated out past grace
	RotateOutcomeExpired = "expired" // presented hash was current but expired
	RotateOutcomeUnknown = "unknown" // presented hash matches nothing
)

// RotateResult is the linearizable decision for one rotation attempt.
type RotateResult struct {
	OK          bool
	WorkspaceID string
	Outcome     string
}

// PreviousToken carries the grace-window leftover of a rotation.
type PreviousToken struct {
	Hash       string
	ValidUntil time.Time
}

// Store is the pluggable durable key-value adapter. All writes are atomic
// per record; implementations must be safe for concurrent use.
type Store interface {
	// Workspaces
	GetWorkspace(ctx context.Context, workspaceID string) (*models.Workspace, error)
	ListWorkspaces(ctx context.Context) ([]*models.Workspace, error)
	SaveWorkspace(ctx context.Context, ws *models.Workspace) error

	// Sessions
	ListSessions(ctx context.Context, workspaceID string) ([]*models.Session, error)
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	SaveSession(ctx context.Context, s *models.Session) error
	// DeleteSession removes the session and everything it owns: worktrees,
	// message logs, and RPC logs.
	DeleteSession(ctx context.Context, sessionID string) error

	// Worktrees
	SaveWorktree(ctx context.Context, sessionID string, wt *models.Worktree) error
	LoadWorktrees(ctx context.Context, sessionID string) ([]*models.Worktree, error)
	DeleteWorktree(ctx context.Context, worktreeID string) error

	// Messages. AppendWorktreeMessage is idempotent on (worktreeID, msg.ID).
	AppendWorktreeMessage(ctx context.Context, worktreeID string, msg *models.ChatMessage) error
	LoadWorktreeMessages(ctx context.Context, worktreeID string) ([]*models.ChatMessage, error)

	// RPC logs, bounded per session (oldest entries dropped).
	AppendRpcLog(ctx context.Context, sessionID string, entry *models.RpcLogEntry) error
	LoadRpcLogs(ctx context.Context, sessionID string) ([]*models.RpcLogEntry, error)

	// Refresh tokens.
	SaveWorkspaceRefreshToken(ctx context.Context, workspaceID, hash string, expiresAt time.Time, previous *PreviousToken) error
	GetWorkspaceRefreshState(ctx context.Context, workspaceID string) (*models.RefreshState, error)
	// RotateWorkspaceRefreshToken computes the {current, grace, reuse,
	// expired, unknown} decision and applies the rotation in one
	// transaction. On reuse it deletes all refresh state for the workspace.
	RotateWorkspaceRefreshToken(ctx context.Context, currentHash, nextHash string, nextExpiresAt time.Time, grace time.Duration) (*RotateResult, error)
	DeleteWorkspaceRefreshState(ctx context.Context, workspaceID string) error

	Close() error
}
