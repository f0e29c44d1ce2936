// Package provider hosts the agent child-process supervisors. Each worktree
// runs at most one agent child; the two variants (codex JSON-RPC app-server,
// claude stream-json CLI) implement one Client contract and emit one event
// stream.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Supervisor status values.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusRestarting Status = "restarting"
	StatusIdle       Status = "idle"
	StatusBusy       Status = "busy"
	StatusStopping   Status = "stopping"
	// StatusStopped is reported when no child is running; the next turn
	// respawns lazily.
	StatusStopped Status = "stopped"
)

// Event types emitted by clients and forwarded by supervisors.
type EventType string

const (
	EventThreadStarting            EventType = "thread_starting"
	EventReady                     EventType = "ready"
	EventAssistantDelta            EventType = "assistant_delta"
	EventAssistantMessage          EventType = "assistant_message"
	EventCommandExecutionDelta     EventType = "command_execution_delta"
	EventCommandExecutionCompleted EventType = "command_execution_completed"
	EventTurnStarted               EventType = "turn_started"
	EventTurnCompleted             EventType = "turn_completed"
	EventTurnError                 EventType = "turn_error"
	EventLog                       EventType = "log"
	EventRpcIn                     EventType = "rpc_in"
	EventRpcOut                    EventType = "rpc_out"
	EventExit                      EventType = "exit"
	EventAccountLogin              EventType = "account_login"
)

// Exit reasons attached to EventExit.
const (
	ExitReasonRequested  = "requested"
	ExitReasonGCIdle     = "gc_idle"
	ExitReasonUnexpected = "unexpected"
)

// ExitInfo describes a child exit.
type ExitInfo struct {
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
	Reason string `json:"reason"`
}

// Event is one agent-derived occurrence. Fields are populated per type.
type Event struct {
	Type EventType `json:"type"`

	ThreadID string `json:"threadId,omitempty"`
	TurnID   string `json:"turnId,omitempty"`
	ItemID   string `json:"itemId,omitempty"`

	Delta string `json:"delta,omitempty"`
	Text  string `json:"text,omitempty"`

	// Item carries the raw completed item for command executions.
	Item json.RawMessage `json:"item,omitempty"`

	Message   string `json:"message,omitempty"`
	WillRetry bool   `json:"willRetry,omitempty"`

	// Payload carries the raw line for rpc_in/rpc_out and account events.
	Payload json.RawMessage `json:"payload,omitempty"`

	Exit *ExitInfo `json:"exit,omitempty"`
}

// Turn identifies one agent turn.
type Turn struct {
	ID string `json:"id"`
}

// Model describes one selectable model.
type Model struct {
	ID               string   `json:"id"`
	DisplayName      string   `json:"displayName,omitempty"`
	ReasoningEfforts []string `json:"reasoningEfforts,omitempty"`
}

// ModelList is one page of models.
type ModelList struct {
	Models     []Model `json:"models"`
	NextCursor string  `json:"nextCursor,omitempty"`
}

// StopOptions controls child shutdown. Timeout bounds the SIGTERM grace
// before escalating to SIGKILL; Force kills immediately.
type StopOptions struct {
	Force   bool
	Timeout time.Duration
}

// Errors shared by the variants.
var (
	// ErrInterruptUnsupported is returned by agents that cannot cancel an
	// in-flight turn.
	ErrInterruptUnsupported = errors.New("provider: turn interrupt not supported")
	// ErrNotRunning indicates no child process is alive.
	ErrNotRunning = errors.New("provider: agent child not running")
	// ErrTurnInProgress indicates the child accepts one turn at a time.
	ErrTurnInProgress = errors.New("provider: turn already in progress")
	// ErrUnsupported marks operations an agent variant does not implement.
	ErrUnsupported = errors.New("provider: operation not supported")
)

// Client drives one agent child for one worktree. Implementations own the
// child process and serialize stdin writes.
type Client interface {
	// Start spawns (codex) or prepares (claude) the agent and emits
	// thread_starting followed by ready on success.
	Start(ctx context.Context) error
	// Stop terminates the child: SIGTERM, wait, SIGKILL. Idempotent.
	Stop(ctx context.Context, opts StopOptions) error

	SendTurn(ctx context.Context, text string) (*Turn, error)
	InterruptTurn(ctx context.Context, turnID string) error

	ListModels(ctx context.Context, cursor string, limit int) (*ModelList, error)
	SetDefaultModel(ctx context.Context, model, reasoningEffort string) error
	StartAccountLogin(ctx context.Context, params map[string]any) error

	// Events returns the client's event stream. Closed when the client is
	// fully stopped.
	Events() <-chan Event
	// ThreadID returns the resumable agent thread id, when known.
	ThreadID() string
}
