// Package claude drives the Claude CLI in one-shot stream-json mode: one
// child process per turn, a single user line on stdin, newline-delimited JSON
// envelopes on stdout until exit.
package claude

import "encoding/json"

// Stream message types.
const (
	messageTypeSystem    = "system"
	messageTypeAssistant = "assistant"
	messageTypeUser      = "user"
	messageTypeResult    = "result"

	subtypeInit = "init"
)

// cliMessage is one stdout envelope; the type field selects the populated
// subset.
type cliMessage struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// system/init
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`

	// assistant / user
	Message *messageBody `json:"message,omitempty"`

	// result
	Result  json.RawMessage `json:"result,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
}

type messageBody struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content,omitempty"`
	Model   string         `json:"model,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// userLine is the single stdin frame sent per turn.
type userLine struct {
	Type    string       `json:"type"`
	Message userLineBody `json:"message"`
}

type userLineBody struct {
	Role    string          `json:"role"`
	Content []userLinePart  `json:"content"`
}

type userLinePart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func resultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Text
	}
	return ""
}
