package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/provider"
	"github.com/vibe80/vibe80/internal/sandbox"
)

const maxLineBytes = 10 * 1024 * 1024

// Config describes the claude CLI binding for one worktree.
type Config struct {
	Binary      string
	WorkspaceID string
	SessionID   string
	WorktreeID  string

	Cwd           string
	WritableRoots []string

	InternetAccess bool
	WebSearch      bool
	SystemPrompt   string

	// ThreadID carries the CLI session id for continuity reporting; the CLI
	// itself resumes via --continue against its on-disk state.
	ThreadID string

	Recorder *provider.Recorder
}

// Client implements the one-shot-per-turn claude variant. There is no
// long-lived child: SendTurn spawns the CLI, writes one user frame, closes
// stdin and maps the stream until exit.
type Client struct {
	cfg  Config
	exec sandbox.Executor
	log  *logger.Logger

	mu        sync.Mutex
	running   bool
	proc      *sandbox.Process
	threadID  string
	modelInfo string
	model     string // default model override
	closed    bool

	events chan provider.Event
}

// NewClient builds a claude client.
func NewClient(cfg Config, exec sandbox.Executor, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Default()
	}
	return &Client{
		cfg:  cfg,
		exec: exec,
		log: log.WithFields(
			zap.String("component", "claude-client"),
			zap.String("session_id", cfg.SessionID),
			zap.String("worktree_id", cfg.WorktreeID)),
		threadID: cfg.ThreadID,
		events:   make(chan provider.Event, 256),
	}
}

// Events returns the client event stream.
func (c *Client) Events() <-chan provider.Event { return c.events }

// ThreadID returns the CLI session id seen in the last system/init frame.
func (c *Client) ThreadID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threadID
}

// emit sends while holding the mutex Stop takes before flagging the channel
// closed, so a send can never race the close.
func (c *Client) emit(ev provider.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.log.Warn("dropping event, channel full", zap.String("event_type", string(ev.Type)))
	}
}

// Start has no child to spawn; it reports the channel ready immediately.
func (c *Client) Start(context.Context) error {
	c.emit(provider.Event{Type: provider.EventThreadStarting})
	c.emit(provider.Event{Type: provider.EventReady, ThreadID: c.ThreadID()})
	return nil
}

// Stop kills any in-flight turn child and closes the event stream.
func (c *Client) Stop(_ context.Context, opts provider.StopOptions) error {
	c.mu.Lock()
	proc := c.proc
	alreadyClosed := c.closed
	c.closed = true
	c.mu.Unlock()

	if proc != nil {
		sig := syscall.SIGTERM
		if opts.Force {
			sig = syscall.SIGKILL
		}
		_ = proc.Kill(sig)
		if !opts.Force {
			timeout := opts.Timeout
			if timeout <= 0 {
				timeout = 10 * time.Second
			}
			done := make(chan struct{})
			go func() {
				proc.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(timeout):
				_ = proc.Kill(syscall.SIGKILL)
			}
		}
	}
	if !alreadyClosed {
		close(c.events)
	}
	return nil
}

func (c *Client) argv() []string {
	allowedTools := "Bash(git:*)"
	if c.cfg.WebSearch {
		allowedTools += ",WebSearch"
	}
	argv := []string{
		c.cfg.Binary,
		"--continue",
		"-p",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
		"--permission-mode", "acceptEdits",
		"--allowed-tools", allowedTools,
	}
	for _, root := range c.cfg.WritableRoots {
		argv = append(argv, "--add-dir", root)
	}
	c.mu.Lock()
	model := c.model
	c.mu.Unlock()
	if model != "" {
		argv = append(argv, "--model", model)
	}
	if c.cfg.SystemPrompt != "" {
		argv = append(argv, "--append-system-prompt", c.cfg.SystemPrompt)
	}
	return argv
}

// SendTurn spawns one CLI child for this turn. The CLI accepts a single turn
// at a time; concurrent calls are rejected.
func (c *Client) SendTurn(ctx context.Context, text string) (*provider.Turn, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, provider.ErrNotRunning
	}
	if c.running {
		c.mu.Unlock()
		return nil, provider.ErrTurnInProgress
	}
	c.running = true
	c.mu.Unlock()

	turnID := uuid.New().String()

	frame, err := json.Marshal(userLine{
		Type: messageTypeUser,
		Message: userLineBody{
			Role:    "user",
			Content: []userLinePart{{Type: "text", Text: text}},
		},
	})
	if err != nil {
		c.finishRun()
		return nil, fmt.Errorf("claude: marshal user frame: %w", err)
	}

	proc, err := c.exec.Stream(ctx, c.cfg.WorkspaceID, c.argv(), sandbox.Options{
		Cwd: c.cfg.Cwd,
		Env: map[string]string{
			"TERM":               "dumb",
			"CLAUDE_CODE_TMPDIR": c.cfg.Cwd,
		},
		Sandbox: sandbox.Policy{
			RepoDir:        c.cfg.Cwd,
			InternetAccess: c.cfg.InternetAccess,
			ExtraAllowRw:   c.cfg.WritableRoots,
		},
	})
	if err != nil {
		c.finishRun()
		return nil, fmt.Errorf("claude: spawn cli: %w", err)
	}

	c.mu.Lock()
	c.proc = proc
	c.mu.Unlock()

	c.cfg.Recorder.In(frame)
	if _, err := proc.Stdin.Write(append(frame, '\n')); err != nil {
		_ = proc.Kill(syscall.SIGKILL)
		c.finishRun()
		return nil, fmt.Errorf("claude: write user frame: %w", err)
	}
	_ = proc.Stdin.Close()

	c.emit(provider.Event{Type: provider.EventTurnStarted, TurnID: turnID})

	go c.drainStderr(proc.Stderr)
	go c.runTurn(proc, turnID)

	return &provider.Turn{ID: turnID}, nil
}

func (c *Client) finishRun() {
	c.mu.Lock()
	c.running = false
	c.proc = nil
	c.mu.Unlock()
}

// runTurn maps the stream until the child exits: deltas per assistant text
// block, tool_use collection, tool_result correlation, then exactly one
// assistant_message with the turn's concatenated text.
func (c *Client) runTurn(proc *sandbox.Process, turnID string) {
	defer c.finishRun()

	st := &turnState{
		turnID:   turnID,
		toolUses: make(map[string]json.RawMessage),
	}

	lines := provider.NewBoundedLineReader(proc.Stdout, maxLineBytes)
	for {
		line, truncated, err := lines.ReadLine()
		if truncated {
			c.emit(provider.Event{Type: provider.EventLog, Message: "discarded overlong agent output line"})
			continue
		}
		if err != nil {
			break
		}
		if len(line) == 0 {
			continue
		}
		c.cfg.Recorder.Out(line)
		c.emit(provider.Event{Type: provider.EventRpcOut, Payload: json.RawMessage(append([]byte(nil), line...))})
		c.handleLine(st, line)
	}

	code, _ := proc.Wait()

	text := strings.Join(st.textParts, "")
	if text != "" || !st.errored {
		c.emit(provider.Event{
			Type:   provider.EventAssistantMessage,
			TurnID: turnID,
			ItemID: turnID,
			Text:   text,
		})
	}

	switch {
	case st.errored:
		c.emit(provider.Event{
			Type:    provider.EventTurnError,
			TurnID:  turnID,
			Message: st.errorMessage,
		})
	case code == 0:
		c.emit(provider.Event{Type: provider.EventTurnCompleted, TurnID: turnID})
	default:
		c.emit(provider.Event{
			Type:    provider.EventTurnError,
			TurnID:  turnID,
			Message: fmt.Sprintf("agent exited with code %d", code),
		})
	}
}

type turnState struct {
	turnID       string
	textParts    []string
	toolUses     map[string]json.RawMessage
	errored      bool
	errorMessage string
}

func (c *Client) handleLine(st *turnState, line []byte) {
	var msg cliMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		c.log.Warn("skipping unparsable line", zap.Error(err))
		return
	}

	switch msg.Type {
	case messageTypeSystem:
		if msg.Subtype == subtypeInit {
			c.mu.Lock()
			if msg.SessionID != "" {
				c.threadID = msg.SessionID
			}
			if msg.Model != "" {
				c.modelInfo = msg.Model
			}
			c.mu.Unlock()
		}

	case messageTypeAssistant:
		if msg.Message == nil {
			return
		}
		for _, block := range msg.Message.Content {
			switch block.Type {
			case "text":
				if block.Text == "" {
					continue
				}
				st.textParts = append(st.textParts, block.Text)
				c.emit(provider.Event{
					Type:   provider.EventAssistantDelta,
					TurnID: st.turnID,
					ItemID: st.turnID,
					Delta:  block.Text,
				})
			case "tool_use":
				raw, _ := json.Marshal(block)
				st.toolUses[block.ID] = raw
			}
		}

	case messageTypeUser:
		if msg.Message == nil {
			return
		}
		for _, block := range msg.Message.Content {
			if block.Type != "tool_result" {
				continue
			}
			item := completedToolItem(st.toolUses[block.ToolUseID], block)
			c.emit(provider.Event{
				Type:   provider.EventCommandExecutionCompleted,
				TurnID: st.turnID,
				ItemID: block.ToolUseID,
				Item:   item,
			})
		}

	case messageTypeResult:
		if msg.IsError {
			st.errored = true
			st.errorMessage = resultText(msg.Result)
			if st.errorMessage == "" {
				st.errorMessage = "agent reported an error"
			}
		}
	}
}

// completedToolItem joins the original tool_use with its result into one item
// payload.
func completedToolItem(toolUse json.RawMessage, result contentBlock) json.RawMessage {
	item := map[string]any{
		"id":      result.ToolUseID,
		"type":    "commandExecution",
		"isError": result.IsError,
	}
	if len(toolUse) > 0 {
		item["toolUse"] = json.RawMessage(toolUse)
	}
	if len(result.Content) > 0 {
		item["output"] = json.RawMessage(result.Content)
	}
	raw, _ := json.Marshal(item)
	return raw
}

func (c *Client) drainStderr(stderr io.Reader) {
	lines := provider.NewBoundedLineReader(stderr, maxLineBytes)
	for {
		line, truncated, err := lines.ReadLine()
		if truncated {
			continue
		}
		if err != nil {
			return
		}
		if len(line) == 0 {
			continue
		}
		c.cfg.Recorder.Err(line)
		c.emit(provider.Event{Type: provider.EventLog, Message: string(line)})
	}
}

// InterruptTurn is not supported by the one-shot CLI mode.
func (c *Client) InterruptTurn(context.Context, string) error {
	return provider.ErrInterruptUnsupported
}

// ListModels reports the model seen in the last system/init frame; the CLI
// has no catalogue endpoint.
func (c *Client) ListModels(context.Context, string, int) (*provider.ModelList, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := &provider.ModelList{}
	if c.modelInfo != "" {
		list.Models = append(list.Models, provider.Model{ID: c.modelInfo, DisplayName: c.modelInfo})
	}
	return list, nil
}

// SetDefaultModel pins --model for subsequent turn spawns.
func (c *Client) SetDefaultModel(_ context.Context, model, _ string) error {
	c.mu.Lock()
	c.model = model
	c.mu.Unlock()
	return nil
}

// StartAccountLogin is not supported in one-shot mode.
func (c *Client) StartAccountLogin(context.Context, map[string]any) error {
	return provider.ErrUnsupported
}
