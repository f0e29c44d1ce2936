package codex

import "encoding/json"

// Methods the client sends.
const (
	methodInitialize      = "initialize"
	methodThreadStart     = "thread/start"
	methodThreadResume    = "thread/resume"
	methodTurnStart       = "turn/start"
	methodTurnInterrupt   = "turn/interrupt"
	methodModelList       = "model/list"
	methodModelSetDefault = "model/setDefault"
	methodAccountLogin    = "account/login/start"
)

// Notifications the app-server pushes.
const (
	notifyThreadStarted         = "thread/started"
	notifyTurnStarted           = "turn/started"
	notifyTurnCompleted         = "turn/completed"
	notifyItemCompleted         = "item/completed"
	notifyItemAgentMessageDelta = "item/agentMessage/delta"
	notifyItemCmdExecDelta      = "item/commandExecution/outputDelta"
	notifyError                 = "error"
	notifyAccountLoginCompleted = "account/login/completed"
)

type initializeParams struct {
	ClientInfo clientInfo `json:"clientInfo"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// sandboxPolicy mirrors the app-server's sandbox_workspace_write shape.
type sandboxPolicy struct {
	Type          string   `json:"type"`
	WritableRoots []string `json:"writableRoots,omitempty"`
	NetworkAccess bool     `json:"networkAccess"`
}

type threadStartParams struct {
	Cwd              string         `json:"cwd,omitempty"`
	ApprovalPolicy   string         `json:"approvalPolicy,omitempty"`
	SandboxPolicy    *sandboxPolicy `json:"sandboxPolicy,omitempty"`
	BaseInstructions string         `json:"baseInstructions,omitempty"`
	WebSearch        bool           `json:"webSearch,omitempty"`
}

type threadResumeParams struct {
	ThreadID         string         `json:"threadId"`
	Cwd              string         `json:"cwd,omitempty"`
	ApprovalPolicy   string         `json:"approvalPolicy,omitempty"`
	SandboxPolicy    *sandboxPolicy `json:"sandboxPolicy,omitempty"`
	BaseInstructions string         `json:"baseInstructions,omitempty"`
	WebSearch        bool           `json:"webSearch,omitempty"`
}

type thread struct {
	ID string `json:"id"`
}

type threadResult struct {
	Thread *thread `json:"thread"`
}

type userInput struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type turnStartParams struct {
	ThreadID string      `json:"threadId"`
	Input    []userInput `json:"input"`
}

type turnRef struct {
	ID string `json:"id"`
}

type turnStartResult struct {
	Turn *turnRef `json:"turn"`
}

type turnInterruptParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
}

type modelListParams struct {
	Cursor string `json:"cursor,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type modelListResult struct {
	Models []struct {
		ID               string   `json:"id"`
		DisplayName      string   `json:"displayName,omitempty"`
		ReasoningEfforts []string `json:"reasoningEfforts,omitempty"`
	} `json:"models"`
	NextCursor string `json:"nextCursor,omitempty"`
}

type modelSetDefaultParams struct {
	Model           string `json:"model"`
	ReasoningEffort string `json:"reasoningEffort,omitempty"`
}

// item is the subset of the app-server item shape the client consumes.
// agentMessage items carry text; commandExecution items carry the command and
// its aggregated output.
type item struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Status string `json:"status,omitempty"`

	Text string `json:"text,omitempty"`

	Command          string `json:"command,omitempty"`
	AggregatedOutput string `json:"aggregatedOutput,omitempty"`
	ExitCode         *int   `json:"exitCode,omitempty"`
}

const (
	itemTypeAgentMessage = "agentMessage"
	itemTypeCommandExec  = "commandExecution"
)

type threadStartedParams struct {
	ThreadID string `json:"threadId"`
}

type turnEventParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
}

type deltaParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	ItemID   string `json:"itemId"`
	Delta    string `json:"delta"`
}

type itemCompletedParams struct {
	ThreadID string          `json:"threadId"`
	TurnID   string          `json:"turnId"`
	Item     json.RawMessage `json:"item"`
}

type errorParams struct {
	TurnID    string `json:"turnId,omitempty"`
	Message   string `json:"message"`
	WillRetry bool   `json:"willRetry,omitempty"`
}
