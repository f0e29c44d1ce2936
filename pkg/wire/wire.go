// Package wire defines the envelope types exchanged on the streaming client
// channel. Inbound and outbound envelopes are JSON objects with a required
// "type" field; everything else is flat on the envelope.
package wire

import "encoding/json"

// Inbound frame types (client -> server).
const (
	TypePing                = "ping"
	TypeUserMessage         = "user_message"
	TypeWorktreeSendMessage = "worktree_send_message"
	TypeWorktreeMessagesSync = "worktree_messages_sync"
	TypeTurnInterrupt       = "turn_interrupt"
	TypeSwitchProvider      = "switch_provider"
	TypeModelList           = "model_list"
	TypeModelSet            = "model_set"
	TypeAccountLoginStart   = "account_login_start"
	TypeActionRequest       = "action_request"
)

// Outbound frame types (server -> client).
const (
	TypePong                      = "pong"
	TypeError                     = "error"
	TypeThreadStarting            = "thread_starting"
	TypeReady                     = "ready"
	TypeTurnStarted               = "turn_started"
	TypeTurnCompleted             = "turn_completed"
	TypeTurnError                 = "turn_error"
	TypeAssistantDelta            = "assistant_delta"
	TypeAssistantMessage          = "assistant_message"
	TypeCommandExecutionDelta     = "command_execution_delta"
	TypeCommandExecutionCompleted = "command_execution_completed"
	TypeWorktreeStatus            = "worktree_status"
	TypeWorktreeMessages          = "worktree_messages"
	TypeProviderSwitched          = "provider_switched"
	TypeModelListResult           = "model_list_result"
	TypeModelSetResult            = "model_set_result"
	TypeActionResult              = "action_result"
	TypeAuthRefreshed             = "auth_refreshed"
	TypeAccountLogin              = "account_login"
	TypeRpcLog                    = "rpc_log"
	TypeDiff                      = "diff"
	TypeLog                       = "log"
)

// Frame is a partially decoded inbound envelope: the type plus the raw bytes
// for a second, type-specific decode.
type Frame struct {
	Type string
	Raw  json.RawMessage
}

// ParseFrame extracts the required type field from an inbound envelope.
func ParseFrame(data []byte) (*Frame, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}
	return &Frame{Type: head.Type, Raw: json.RawMessage(data)}, nil
}

// Decode unmarshals the frame into a type-specific struct.
func (f *Frame) Decode(v any) error {
	return json.Unmarshal(f.Raw, v)
}

// UserMessage is the payload of user_message / worktree_send_message.
type UserMessage struct {
	WorktreeID  string   `json:"worktreeId,omitempty"`
	Text        string   `json:"text"`
	Attachments []string `json:"attachments,omitempty"`
}

// MessagesSync asks for messages newer than LastSeenMessageID.
type MessagesSync struct {
	WorktreeID        string `json:"worktreeId,omitempty"`
	LastSeenMessageID string `json:"lastSeenMessageId,omitempty"`
}

// TurnInterrupt cancels an in-flight turn.
type TurnInterrupt struct {
	WorktreeID string `json:"worktreeId,omitempty"`
	TurnID     string `json:"turnId"`
}

// SwitchProvider changes the session's active provider.
type SwitchProvider struct {
	Provider string `json:"provider"`
}

// ModelList pages through the provider's model catalog.
type ModelList struct {
	WorktreeID string `json:"worktreeId,omitempty"`
	Cursor     string `json:"cursor,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// ModelSet selects the default model for subsequent turns.
type ModelSet struct {
	WorktreeID      string `json:"worktreeId,omitempty"`
	Model           string `json:"model"`
	ReasoningEffort string `json:"reasoningEffort,omitempty"`
}

// AccountLoginStart begins a provider account login flow.
type AccountLoginStart struct {
	WorktreeID string         `json:"worktreeId,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
}

// ActionRequest runs a gated slash command (run / git).
type ActionRequest struct {
	WorktreeID string `json:"worktreeId,omitempty"`
	Action     string `json:"action"`
	Command    string `json:"command,omitempty"`
	Args       []string `json:"args,omitempty"`
}

// Envelope is an outbound frame. Fields irrelevant to a type are omitted.
type Envelope map[string]any

// NewEnvelope builds an outbound envelope of the given type.
func NewEnvelope(typ string, fields map[string]any) Envelope {
	env := Envelope{"type": typ}
	for k, v := range fields {
		env[k] = v
	}
	return env
}

// WithWorktree returns a copy of the envelope tagged with a worktree id,
// defaulting to "main" when empty.
func (e Envelope) WithWorktree(worktreeID string) Envelope {
	if worktreeID == "" {
		worktreeID = "main"
	}
	out := make(Envelope, len(e)+1)
	for k, v := range e {
		out[k] = v
	}
	out["worktreeId"] = worktreeID
	return out
}

// ErrorEnvelope builds the standard error frame.
func ErrorEnvelope(message, errorCode string) Envelope {
	env := Envelope{"type": TypeError, "message": message}
	if errorCode != "" {
		env["errorCode"] = errorCode
	}
	return env
}
