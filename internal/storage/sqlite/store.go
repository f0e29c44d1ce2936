package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/vibe80/vibe80/internal/models"
	"github.com/vibe80/vibe80/internal/storage"
)

// rpcLogCap bounds the per-session RPC log ring.
const rpcLogCap = 500

// Store implements storage.Store on SQLite. Records are stored as JSON
// documents keyed by id; refresh-token state uses real columns so the
// rotation decision can run inside one transaction.
type Store struct {
	db *sqlx.DB
}

// New opens (or creates) the store at dbPath and bootstraps the schema.
func New(dbPath string) (*Store, error) {
	db, err := Open(dbPath)
	if err != nil {
		return nil, err
	}
	return NewWithDB(db)
}

// NewWithDB wraps an existing connection; used by tests.
func NewWithDB(db *sqlx.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS workspaces (
		id TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		data TEXT NOT NULL,
		last_activity_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_workspace_id ON sessions(workspace_id);

	CREATE TABLE IF NOT EXISTS worktrees (
		id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		data TEXT NOT NULL,
		PRIMARY KEY (session_id, id)
	);
	CREATE INDEX IF NOT EXISTS idx_worktrees_session_id ON worktrees(session_id);

	CREATE TABLE IF NOT EXISTS worktree_messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		worktree_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		data TEXT NOT NULL,
		UNIQUE (worktree_id, message_id)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_worktree_id ON worktree_messages(worktree_id);

	CREATE TABLE IF NOT EXISTS rpc_logs (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		data TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rpc_logs_session_id ON rpc_logs(session_id);

	CREATE TABLE IF NOT EXISTS refresh_tokens (
		workspace_id TEXT PRIMARY KEY,
		current_hash TEXT NOT NULL,
		current_expires_at DATETIME NOT NULL,
		previous_hash TEXT,
		previous_valid_until DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_refresh_current_hash ON refresh_tokens(current_hash);
	CREATE INDEX IF NOT EXISTS idx_refresh_previous_hash ON refresh_tokens(previous_hash);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func marshal(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}
	return string(b), nil
}

// GetWorkspace loads one workspace by id.
func (s *Store) GetWorkspace(ctx context.Context, workspaceID string) (*models.Workspace, error) {
	var data string
	err := s.db.GetContext(ctx, &data, `SELECT data FROM workspaces WHERE id = ?`, workspaceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var ws models.Workspace
	if err := json.Unmarshal([]byte(data), &ws); err != nil {
		return nil, fmt.Errorf("unmarshal workspace %s: %w", workspaceID, err)
	}
	return &ws, nil
}

// ListWorkspaces returns every workspace record.
func (s *Store) ListWorkspaces(ctx context.Context) ([]*models.Workspace, error) {
	var rows []string
	if err := s.db.SelectContext(ctx, &rows, `SELECT data FROM workspaces ORDER BY id`); err != nil {
		return nil, err
	}
	out := make([]*models.Workspace, 0, len(rows))
	for _, data := range rows {
		var ws models.Workspace
		if err := json.Unmarshal([]byte(data), &ws); err != nil {
			return nil, fmt.Errorf("unmarshal workspace: %w", err)
		}
		out = append(out, &ws)
	}
	return out, nil
}

// SaveWorkspace upserts a workspace record atomically.
func (s *Store) SaveWorkspace(ctx context.Context, ws *models.Workspace) error {
	ws.UpdatedAt = time.Now().UTC()
	data, err := marshal(ws)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workspaces (id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`, ws.ID, data, ws.UpdatedAt)
	return err
}

// ListSessions returns all sessions owned by a workspace.
func (s *Store) ListSessions(ctx context.Context, workspaceID string) ([]*models.Session, error) {
	var rows []string
	err := s.db.SelectContext(ctx, &rows, `
		SELECT data FROM sessions WHERE workspace_id = ? ORDER BY last_activity_at DESC
	`, workspaceID)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Session, 0, len(rows))
	for _, data := range rows {
		var sess models.Session
		if err := json.Unmarshal([]byte(data), &sess); err != nil {
			return nil, fmt.Errorf("unmarshal session: %w", err)
		}
		out = append(out, &sess)
	}
	return out, nil
}

// GetSession loads one session by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	var data string
	err := s.db.GetContext(ctx, &data, `SELECT data FROM sessions WHERE id = ?`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var sess models.Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session %s: %w", sessionID, err)
	}
	return &sess, nil
}

// SaveSession upserts a session record atomically.
func (s *Store) SaveSession(ctx context.Context, sess *models.Session) error {
	data, err := marshal(sess)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, workspace_id, data, last_activity_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, last_activity_at = excluded.last_activity_at
	`, sess.ID, sess.WorkspaceID, data, sess.LastActivityAt)
	return err
}

// DeleteSession removes the session plus its worktrees, messages and logs.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var worktreeIDs []string
	if err := tx.SelectContext(ctx, &worktreeIDs,
		`SELECT id FROM worktrees WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	for _, wtID := range worktreeIDs {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM worktree_messages WHERE worktree_id = ?`, wtID); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM worktrees WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM rpc_logs WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveWorktree upserts a worktree record.
func (s *Store) SaveWorktree(ctx context.Context, sessionID string, wt *models.Worktree) error {
	data, err := marshal(wt)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO worktrees (id, session_id, data) VALUES (?, ?, ?)
		ON CONFLICT(session_id, id) DO UPDATE SET data = excluded.data
	`, wt.ID, sessionID, data)
	return err
}

// LoadWorktrees returns all worktrees of a session, main first.
func (s *Store) LoadWorktrees(ctx context.Context, sessionID string) ([]*models.Worktree, error) {
	var rows []string
	err := s.db.SelectContext(ctx, &rows, `
		SELECT data FROM worktrees WHERE session_id = ?
		ORDER BY CASE id WHEN 'main' THEN 0 ELSE 1 END, id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Worktree, 0, len(rows))
	for _, data := range rows {
		var wt models.Worktree
		if err := json.Unmarshal([]byte(data), &wt); err != nil {
			return nil, fmt.Errorf("unmarshal worktree: %w", err)
		}
		out = append(out, &wt)
	}
	return out, nil
}

// DeleteWorktree removes one worktree record and its message log.
func (s *Store) DeleteWorktree(ctx context.Context, worktreeID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM worktree_messages WHERE worktree_id = ?`, worktreeID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM worktrees WHERE id = ?`, worktreeID); err != nil {
		return err
	}
	return tx.Commit()
}

// AppendWorktreeMessage appends msg to the worktree's log. Idempotent on
// (worktreeID, msg.ID): a duplicate append is a no-op.
func (s *Store) AppendWorktreeMessage(ctx context.Context, worktreeID string, msg *models.ChatMessage) error {
	data, err := marshal(msg)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO worktree_messages (worktree_id, message_id, data) VALUES (?, ?, ?)
	`, worktreeID, msg.ID, data)
	return err
}

// LoadWorktreeMessages returns the worktree's messages in receipt order.
func (s *Store) LoadWorktreeMessages(ctx context.Context, worktreeID string) ([]*models.ChatMessage, error) {
	var rows []string
	err := s.db.SelectContext(ctx, &rows, `
		SELECT data FROM worktree_messages WHERE worktree_id = ? ORDER BY seq
	`, worktreeID)
	if err != nil {
		return nil, err
	}
	out := make([]*models.ChatMessage, 0, len(rows))
	for _, data := range rows {
		var msg models.ChatMessage
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		out = append(out, &msg)
	}
	return out, nil
}

// AppendRpcLog appends one RPC log entry, trimming the ring past its cap.
func (s *Store) AppendRpcLog(ctx context.Context, sessionID string, entry *models.RpcLogEntry) error {
	data, err := marshal(entry)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO rpc_logs (session_id, data) VALUES (?, ?)`, sessionID, data); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM rpc_logs WHERE session_id = ? AND seq NOT IN (
			SELECT seq FROM rpc_logs WHERE session_id = ? ORDER BY seq DESC LIMIT ?
		)
	`, sessionID, sessionID, rpcLogCap); err != nil {
		return err
	}
	return tx.Commit()
}

// LoadRpcLogs returns the bounded RPC log ring in order.
func (s *Store) LoadRpcLogs(ctx context.Context, sessionID string) ([]*models.RpcLogEntry, error) {
	var rows []string
	err := s.db.SelectContext(ctx, &rows, `
		SELECT data FROM rpc_logs WHERE session_id = ? ORDER BY seq
	`, sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]*models.RpcLogEntry, 0, len(rows))
	for _, data := range rows {
		var entry models.RpcLogEntry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			return nil, fmt.Errorf("unmarshal rpc log entry: %w", err)
		}
		out = append(out, &entry)
	}
	return out, nil
}
