package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/vibe80/vibe80/internal/models"
	"github.com/vibe80/vibe80/internal/storage"
)

type refreshRow struct {
	WorkspaceID        string       `db:"workspace_id"`
	CurrentHash        string       `db:"current_hash"`
	CurrentExpiresAt   time.Time    `db:"current_expires_at"`
	PreviousHash       sql.NullString `db:"previous_hash"`
	PreviousValidUntil sql.NullTime `db:"previous_valid_until"`
}

// SaveWorkspaceRefreshToken stores (or replaces) the refresh record for a
// workspace.
func (s *Store) SaveWorkspaceRefreshToken(ctx context.Context, workspaceID, hash string, expiresAt time.Time, previous *storage.PreviousToken) error {
	var prevHash sql.NullString
	var prevUntil sql.NullTime
	if previous != nil {
		prevHash = sql.NullString{String: previous.Hash, Valid: true}
		prevUntil = sql.NullTime{Time: previous.ValidUntil, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (workspace_id, current_hash, current_expires_at, previous_hash, previous_valid_until)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(workspace_id) DO UPDATE SET
			current_hash = excluded.current_hash,
			current_expires_at = excluded.current_expires_at,
			previous_hash = excluded.previous_hash,
			previous_valid_until = excluded.previous_valid_until
	`, workspaceID, hash, expiresAt.UTC(), prevHash, prevUntil)
	return err
}

// GetWorkspaceRefreshState loads the refresh record for a workspace.
func (s *Store) GetWorkspaceRefreshState(ctx context.Context, workspaceID string) (*models.RefreshState, error) {
	var row refreshRow
	err := s.db.GetContext(ctx, &row,
		`SELECT workspace_id, current_hash, current_expires_at, previous_hash, previous_valid_until
		 FROM refresh_tokens WHERE workspace_id = ?`, workspaceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

func (r *refreshRow) toModel() *models.RefreshState {
	state := &models.RefreshState{
		WorkspaceID:      r.WorkspaceID,
		CurrentTokenHash: r.CurrentHash,
		CurrentExpiresAt: r.CurrentExpiresAt,
	}
	if r.PreviousHash.Valid {
		state.PreviousTokenHash = r.PreviousHash.String
	}
	if r.PreviousValidUntil.Valid {
		t := r.PreviousValidUntil.Time
		state.PreviousValidUntil = &t
	}
	return state
}

// DeleteWorkspaceRefreshState removes all refresh state for a workspace.
func (s *Store) DeleteWorkspaceRefreshState(ctx context.Context, workspaceID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE workspace_id = ?`, workspaceID)
	return err
}

// RotateWorkspaceRefreshToken implements the one-transaction rotation
// decision:
//
//	current, not expired      -> rotate; old current stays valid until now+grace
//	previous, within grace    -> no mutation; caller replays the winning pair
//	previous, past grace      -> reuse; all refresh state for the workspace is dropped
//	current, expired          -> expired
//	anything else             -> unknown
func (s *Store) RotateWorkspaceRefreshToken(ctx context.Context, currentHash, nextHash string, nextExpiresAt time.Time, grace time.Duration) (*storage.RotateResult, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()

	var row refreshRow
	err = tx.GetContext(ctx, &row,
		`SELECT workspace_id, current_hash, current_expires_at, previous_hash, previous_valid_until
		 FROM refresh_tokens WHERE current_hash = ?`, currentHash)
	switch {
	case err == nil:
		if row.CurrentExpiresAt.Before(now) {
			return &storage.RotateResult{
				WorkspaceID: row.WorkspaceID,
				Outcome:     storage.RotateOutcomeExpired,
			}, tx.Commit()
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE refresh_tokens SET
				current_hash = ?,
				current_expires_at = ?,
				previous_hash = ?,
				previous_valid_until = ?
			WHERE workspace_id = ?
		`, nextHash, nextExpiresAt.UTC(), currentHash, now.Add(grace), row.WorkspaceID); err != nil {
			return nil, err
		}
		return &storage.RotateResult{
			OK:          true,
			WorkspaceID: row.WorkspaceID,
			Outcome:     storage.RotateOutcomeRotated,
		}, tx.Commit()

	case errors.Is(err, sql.ErrNoRows):
		// Not current: check the grace window.
	default:
		return nil, err
	}

	err = tx.GetContext(ctx, &row,
		`SELECT workspace_id, current_hash, current_expires_at, previous_hash, previous_valid_until
		 FROM refresh_tokens WHERE previous_hash = ?`, currentHash)
	switch {
	case err == nil:
		if row.PreviousValidUntil.Valid && !row.PreviousValidUntil.Time.Before(now) {
			return &storage.RotateResult{
				OK:          true,
				WorkspaceID: row.WorkspaceID,
				Outcome:     storage.RotateOutcomeGrace,
			}, tx.Commit()
		}
		// Rotated-out hash presented past its grace: token reuse. Revoke
		// everything for this workspace.
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM refresh_tokens WHERE workspace_id = ?`, row.WorkspaceID); err != nil {
			return nil, err
		}
		return &storage.RotateResult{
			WorkspaceID: row.WorkspaceID,
			Outcome:     storage.RotateOutcomeReuse,
		}, tx.Commit()

	case errors.Is(err, sql.ErrNoRows):
		return &storage.RotateResult{Outcome: storage.RotateOutcomeUnknown}, tx.Commit()
	default:
		return nil, err
	}
}
