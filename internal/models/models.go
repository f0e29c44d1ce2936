// Package models defines the durable data model shared by storage, session
// state, and the streaming surface.
package models

import (
	"path/filepath"
	"time"
)

// Provider identifies one of the two agent backends.
type Provider string

const (
	// ProviderCodex is the JSON-RPC app-server backend.
	ProviderCodex Provider = "codex"
	// ProviderClaude is the line-delimited CLI backend.
	ProviderClaude Provider = "claude"
)

// Valid reports whether p names a known provider.
func (p Provider) Valid() bool {
	return p == ProviderCodex || p == ProviderClaude
}

// Providers lists all known providers.
func Providers() []Provider {
	return []Provider{ProviderCodex, ProviderClaude}
}

// Credential auth types accepted per provider.
const (
	AuthTypeAPIKey     = "api_key"
	AuthTypeAuthJSON   = "auth_json_b64" // codex only
	AuthTypeSetupToken = "setup_token"   // claude only
)

// ProviderAuth is the credential material configured for one provider.
type ProviderAuth struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// ProviderSettings is one provider's configuration within a workspace.
type ProviderSettings struct {
	Enabled bool          `json:"enabled"`
	Auth    *ProviderAuth `json:"auth,omitempty"`
}

// Workspace is the tenant boundary, mapped to one host OS identity.
type Workspace struct {
	ID        string                        `json:"id"`
	Providers map[Provider]ProviderSettings `json:"providers"`

	// Secret is a long-lived 32-byte hex secret used for workspace login.
	Secret string `json:"secret"`

	// UID and GID are the allocated OS identity; stable for the life of the
	// workspace. Zero in mono-user deployments.
	UID int `json:"uid"`
	GID int `json:"gid"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProviderEnabled reports whether the workspace has the provider configured
// and enabled.
func (w *Workspace) ProviderEnabled(p Provider) bool {
	s, ok := w.Providers[p]
	return ok && s.Enabled
}

// SessionLayout is the on-disk layout of one session under the workspace home.
type SessionLayout struct {
	SessionDir     string `json:"session_dir"`
	RepoDir        string `json:"repo_dir"`
	AttachmentsDir string `json:"attachments_dir"`
	TmpDir         string `json:"tmp_dir"`
	GitDir         string `json:"git_dir"`
}

// NewSessionLayout builds the canonical layout for a session directory.
func NewSessionLayout(sessionDir string) SessionLayout {
	return SessionLayout{
		SessionDir:     sessionDir,
		RepoDir:        filepath.Join(sessionDir, "repository"),
		AttachmentsDir: filepath.Join(sessionDir, "attachments"),
		TmpDir:         filepath.Join(sessionDir, "tmp"),
		GitDir:         filepath.Join(sessionDir, "git"),
	}
}

// WorktreesDir returns the directory that holds additional worktrees.
func (l SessionLayout) WorktreesDir() string {
	return filepath.Join(l.SessionDir, "worktrees")
}

// WorktreePath returns the path for a non-main worktree.
func (l SessionLayout) WorktreePath(worktreeID string) string {
	return filepath.Join(l.WorktreesDir(), worktreeID)
}

// Session is one cloned repository bound to a workspace.
type Session struct {
	ID          string        `json:"id"`
	WorkspaceID string        `json:"workspace_id"`
	RepoURL     string        `json:"repo_url"`
	Layout      SessionLayout `json:"layout"`

	ActiveProvider Provider   `json:"active_provider"`
	Providers      []Provider `json:"providers"`

	// ThreadIDs holds the resumable agent thread per provider.
	ThreadIDs map[Provider]string `json:"thread_ids,omitempty"`

	DefaultInternetAccess          bool `json:"default_internet_access"`
	DefaultDenyGitCredentialsAccess bool `json:"default_deny_git_credentials_access"`

	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Touch updates the session's activity timestamp.
func (s *Session) Touch() {
	s.LastActivityAt = time.Now().UTC()
}

// Worktree statuses.
const (
	WorktreeStatusCreating      = "creating"
	WorktreeStatusReady         = "ready"
	WorktreeStatusProcessing    = "processing"
	WorktreeStatusStopped       = "stopped"
	WorktreeStatusError         = "error"
	WorktreeStatusMergeConflict = "merge_conflict"
)

// Worktree is a named Git working tree with its own branch, provider choice,
// agent child process, and message log. The "main" worktree's path is the
// session clone itself.
type Worktree struct {
	ID         string   `json:"id"`
	SessionID  string   `json:"session_id"`
	BranchName string   `json:"branch_name"`
	Path       string   `json:"path"`
	Provider   Provider `json:"provider"`
	Status     string   `json:"status"`
	ThreadID   string   `json:"thread_id,omitempty"`
	Color      string   `json:"color"`

	ParentWorktreeID string `json:"parent_worktree_id,omitempty"`

	// Per-worktree overrides of the session isolation defaults; nil means
	// inherit the session default.
	InternetAccess          *bool `json:"internet_access,omitempty"`
	DenyGitCredentialsAccess *bool `json:"deny_git_credentials_access,omitempty"`

	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// IsMain reports whether this is the implicit main worktree.
func (w *Worktree) IsMain() bool {
	return w.ID == "main"
}

// EffectiveInternetAccess resolves the worktree override against the session
// default.
func (w *Worktree) EffectiveInternetAccess(s *Session) bool {
	if w.InternetAccess != nil {
		return *w.InternetAccess
	}
	return s.DefaultInternetAccess
}

// EffectiveDenyGitCredentials resolves the git-credentials policy. The
// worktree override wins, but internet access off always forces deny.
func (w *Worktree) EffectiveDenyGitCredentials(s *Session) bool {
	deny := s.DefaultDenyGitCredentialsAccess
	if w.DenyGitCredentialsAccess != nil {
		deny = *w.DenyGitCredentialsAccess
	}
	if !w.EffectiveInternetAccess(s) {
		deny = true
	}
	return deny
}

// Message roles.
const (
	RoleUser       = "user"
	RoleAssistant  = "assistant"
	RoleToolResult = "tool_result"
)

// Message statuses for command-style messages.
const (
	MessageStatusRunning   = "running"
	MessageStatusCompleted = "completed"
	MessageStatusError     = "error"
)

// ToolResult carries the outcome of one tool invocation.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Output  string `json:"output"`
	Success bool   `json:"success"`
}

// ChatMessage is one entry in a worktree's append-only message log.
type ChatMessage struct {
	ID          string      `json:"id"`
	Role        string      `json:"role"`
	Text        string      `json:"text"`
	Provider    Provider    `json:"provider"`
	Timestamp   time.Time   `json:"timestamp"`
	Attachments []string    `json:"attachments,omitempty"`
	ToolResult  *ToolResult `json:"tool_result,omitempty"`
	Command     string      `json:"command,omitempty"`
	Output      string      `json:"output,omitempty"`
	Status      string      `json:"status,omitempty"`
}

// RPC log directions.
const (
	RpcDirectionStdin  = "stdin"
	RpcDirectionStdout = "stdout"
)

// RpcLogEntry is one raw line of agent traffic, kept in a bounded per-session
// ring for debugging.
type RpcLogEntry struct {
	Direction  string    `json:"direction"`
	Timestamp  time.Time `json:"timestamp"`
	Payload    string    `json:"payload"`
	Provider   Provider  `json:"provider"`
	WorktreeID string    `json:"worktree_id"`
}

// RefreshState is the persisted refresh-token record for a workspace. Hashes
// are SHA-256 over the random token, hex encoded; raw tokens are never stored.
type RefreshState struct {
	WorkspaceID      string     `json:"workspace_id"`
	CurrentTokenHash string     `json:"current_token_hash"`
	CurrentExpiresAt time.Time  `json:"current_expires_at"`
	PreviousTokenHash string    `json:"previous_token_hash,omitempty"`
	PreviousValidUntil *time.Time `json:"previous_valid_until,omitempty"`
}
