package codex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/provider"
	"github.com/vibe80/vibe80/internal/sandbox"
)

const clientVersion = "0.1.0"

// Config describes one codex child bound to a worktree.
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

	// ThreadID resumes an existing thread when non-empty.
	ThreadID string

	Recorder *provider.Recorder
}

// Client runs one `codex app-server` child and speaks its JSON-RPC dialect.
type Client struct {
	cfg  Config
	exec sandbox.Executor
	log  *logger.Logger

	mu       sync.Mutex
	proc     *sandbox.Process
	rpc      *rpcConn
	threadID string
	stopped  bool

	// emitMu makes event sends and the channel close mutually exclusive:
	// stderr and rpc reads can land after Wait returns.
	emitMu       sync.Mutex
	eventsClosed bool

	events chan provider.Event
}

// NewClient builds a codex client; Start spawns the child.
func NewClient(cfg Config, exec sandbox.Executor, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Default()
	}
	return &Client{
		cfg:  cfg,
		exec: exec,
		log: log.WithFields(
			zap.String("component", "codex-client"),
			zap.String("session_id", cfg.SessionID),
			zap.String("worktree_id", cfg.WorktreeID)),
		events: make(chan provider.Event, 256),
	}
}

// Events returns the client event stream.
func (c *Client) Events() <-chan provider.Event { return c.events }

// ThreadID returns the agent thread id once the thread has started.
func (c *Client) ThreadID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threadID
}

func (c *Client) emit(ev provider.Event) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if c.eventsClosed {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.log.Warn("dropping event, channel full", zap.String("event_type", string(ev.Type)))
	}
}

// Start spawns the app-server, wires the rpc loop and bootstraps the thread:
// initialize, then thread/start or thread/resume. Ready is emitted only after
// both succeed.
func (c *Client) Start(ctx context.Context) error {
	c.emit(provider.Event{Type: provider.EventThreadStarting})

	proc, err := c.exec.Stream(ctx, c.cfg.WorkspaceID, []string{c.cfg.Binary, "app-server"}, sandbox.Options{
		Cwd: c.cfg.Cwd,
		Env: map[string]string{
			"TERM":   "dumb",
			"TMPDIR": c.cfg.Cwd,
		},
		Sandbox: sandbox.Policy{
			RepoDir:        c.cfg.Cwd,
			InternetAccess: c.cfg.InternetAccess,
			ExtraAllowRw:   c.cfg.WritableRoots,
		},
	})
	if err != nil {
		return fmt.Errorf("codex: spawn app-server: %w", err)
	}

	rpc := newRPCConn(proc.Stdin, proc.Stdout, c.log, c.tap)
	rpc.onNotification = c.handleNotification
	rpc.onRequest = c.handleRequest
	rpc.onOverlong = func() {
		c.emit(provider.Event{Type: provider.EventLog, Message: "discarded overlong agent output line"})
	}

	c.mu.Lock()
	c.proc = proc
	c.rpc = rpc
	c.stopped = false
	c.mu.Unlock()

	rpc.start()
	go c.drainStderr(proc.Stderr)
	go c.waitExit(proc)

	if err := c.bootstrap(ctx); err != nil {
		_ = c.Stop(ctx, provider.StopOptions{Force: true})
		return err
	}
	return nil
}

func (c *Client) bootstrap(ctx context.Context) error {
	if _, err := c.rpc.call(ctx, methodInitialize, initializeParams{
		ClientInfo: clientInfo{Name: "vibe80", Version: clientVersion},
	}); err != nil {
		return fmt.Errorf("codex: initialize: %w", err)
	}

	policy := &sandboxPolicy{
		Type:          "workspace-write",
		WritableRoots: append([]string{c.cfg.Cwd}, c.cfg.WritableRoots...),
		NetworkAccess: c.cfg.InternetAccess,
	}

	var result json.RawMessage
	var err error
	if c.cfg.ThreadID != "" {
		result, err = c.rpc.call(ctx, methodThreadResume, threadResumeParams{
			ThreadID:         c.cfg.ThreadID,
			Cwd:              c.cfg.Cwd,
			ApprovalPolicy:   "never",
			SandboxPolicy:    policy,
			BaseInstructions: c.cfg.SystemPrompt,
			WebSearch:        c.cfg.WebSearch,
		})
	} else {
		result, err = c.rpc.call(ctx, methodThreadStart, threadStartParams{
			Cwd:              c.cfg.Cwd,
			ApprovalPolicy:   "never",
			SandboxPolicy:    policy,
			BaseInstructions: c.cfg.SystemPrompt,
			WebSearch:        c.cfg.WebSearch,
		})
	}
	if err != nil {
		return fmt.Errorf("codex: start thread: %w", err)
	}

	var tr threadResult
	if err := json.Unmarshal(result, &tr); err == nil && tr.Thread != nil && tr.Thread.ID != "" {
		c.setThreadID(tr.Thread.ID)
	}

	c.emit(provider.Event{Type: provider.EventReady, ThreadID: c.ThreadID()})
	return nil
}

func (c *Client) setThreadID(id string) {
	c.mu.Lock()
	c.threadID = id
	c.mu.Unlock()
}

// tap mirrors every wire line into rpc_in/rpc_out events and the optional
// traffic recorder.
func (c *Client) tap(outgoing bool, line []byte) {
	payload := json.RawMessage(append([]byte(nil), line...))
	if outgoing {
		c.cfg.Recorder.In(line)
		c.emit(provider.Event{Type: provider.EventRpcIn, Payload: payload})
		return
	}
	c.cfg.Recorder.Out(line)
	c.emit(provider.Event{Type: provider.EventRpcOut, Payload: payload})
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

func (c *Client) waitExit(proc *sandbox.Process) {
	code, _ := proc.Wait()

	c.mu.Lock()
	c.stopped = true
	if c.rpc != nil {
		c.rpc.stop()
	}
	c.mu.Unlock()

	c.emit(provider.Event{Type: provider.EventExit, Exit: &provider.ExitInfo{Code: code}})

	c.emitMu.Lock()
	c.eventsClosed = true
	close(c.events)
	c.emitMu.Unlock()
}

// Stop terminates the child: SIGTERM, bounded wait, SIGKILL. Idempotent.
func (c *Client) Stop(ctx context.Context, opts provider.StopOptions) error {
	c.mu.Lock()
	proc := c.proc
	if proc == nil || c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if opts.Force {
		return proc.Kill(syscall.SIGKILL)
	}
	if err := proc.Kill(syscall.SIGTERM); err != nil {
		return err
	}

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
		return nil
	case <-time.After(timeout):
		return proc.Kill(syscall.SIGKILL)
	case <-ctx.Done():
		return proc.Kill(syscall.SIGKILL)
	}
}

// SendTurn submits one user turn via turn/start.
func (c *Client) SendTurn(ctx context.Context, text string) (*provider.Turn, error) {
	threadID := c.ThreadID()
	if threadID == "" {
		return nil, provider.ErrNotRunning
	}
	result, err := c.rpc.call(ctx, methodTurnStart, turnStartParams{
		ThreadID: threadID,
		Input:    []userInput{{Type: "text", Text: text}},
	})
	if err != nil {
		return nil, fmt.Errorf("codex: turn/start: %w", err)
	}
	var tr turnStartResult
	if err := json.Unmarshal(result, &tr); err != nil || tr.Turn == nil {
		return nil, fmt.Errorf("codex: malformed turn/start result")
	}
	return &provider.Turn{ID: tr.Turn.ID}, nil
}

// InterruptTurn cancels an in-flight turn.
func (c *Client) InterruptTurn(ctx context.Context, turnID string) error {
	_, err := c.rpc.call(ctx, methodTurnInterrupt, turnInterruptParams{
		ThreadID: c.ThreadID(),
		TurnID:   turnID,
	})
	return err
}

// ListModels pages the app-server model catalogue.
func (c *Client) ListModels(ctx context.Context, cursor string, limit int) (*provider.ModelList, error) {
	result, err := c.rpc.call(ctx, methodModelList, modelListParams{Cursor: cursor, Limit: limit})
	if err != nil {
		return nil, err
	}
	var mr modelListResult
	if err := json.Unmarshal(result, &mr); err != nil {
		return nil, fmt.Errorf("codex: malformed model/list result: %w", err)
	}
	list := &provider.ModelList{NextCursor: mr.NextCursor}
	for _, m := range mr.Models {
		list.Models = append(list.Models, provider.Model{
			ID:               m.ID,
			DisplayName:      m.DisplayName,
			ReasoningEfforts: m.ReasoningEfforts,
		})
	}
	return list, nil
}

// SetDefaultModel updates the app-server default model.
func (c *Client) SetDefaultModel(ctx context.Context, model, reasoningEffort string) error {
	_, err := c.rpc.call(ctx, methodModelSetDefault, modelSetDefaultParams{
		Model:           model,
		ReasoningEffort: reasoningEffort,
	})
	return err
}

// StartAccountLogin initiates the account login flow; completion arrives as
// an account/login/completed notification.
func (c *Client) StartAccountLogin(ctx context.Context, params map[string]any) error {
	_, err := c.rpc.call(ctx, methodAccountLogin, params)
	return err
}

// handleNotification translates app-server notifications into events.
func (c *Client) handleNotification(method string, params json.RawMessage) {
	switch method {
	case notifyThreadStarted:
		var p threadStartedParams
		if err := json.Unmarshal(params, &p); err == nil && p.ThreadID != "" {
			c.setThreadID(p.ThreadID)
		}

	case notifyTurnStarted:
		var p turnEventParams
		if err := json.Unmarshal(params, &p); err != nil {
			return
		}
		c.emit(provider.Event{Type: provider.EventTurnStarted, ThreadID: p.ThreadID, TurnID: p.TurnID})

	case notifyTurnCompleted:
		var p turnEventParams
		if err := json.Unmarshal(params, &p); err != nil {
			return
		}
		c.emit(provider.Event{Type: provider.EventTurnCompleted, ThreadID: p.ThreadID, TurnID: p.TurnID})

	case notifyItemAgentMessageDelta:
		var p deltaParams
		if err := json.Unmarshal(params, &p); err != nil {
			return
		}
		c.emit(provider.Event{
			Type:   provider.EventAssistantDelta,
			TurnID: p.TurnID,
			ItemID: p.ItemID,
			Delta:  p.Delta,
		})

	case notifyItemCmdExecDelta:
		var p deltaParams
		if err := json.Unmarshal(params, &p); err != nil {
			return
		}
		c.emit(provider.Event{
			Type:   provider.EventCommandExecutionDelta,
			TurnID: p.TurnID,
			ItemID: p.ItemID,
			Delta:  p.Delta,
		})

	case notifyItemCompleted:
		c.handleItemCompleted(params)

	case notifyError:
		var p errorParams
		if err := json.Unmarshal(params, &p); err != nil {
			return
		}
		c.emit(provider.Event{
			Type:      provider.EventTurnError,
			TurnID:    p.TurnID,
			Message:   p.Message,
			WillRetry: p.WillRetry,
		})

	case notifyAccountLoginCompleted:
		c.emit(provider.Event{Type: provider.EventAccountLogin, Payload: params})
	}
}

func (c *Client) handleItemCompleted(params json.RawMessage) {
	var p itemCompletedParams
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	var it item
	if err := json.Unmarshal(p.Item, &it); err != nil {
		return
	}

	switch it.Type {
	case itemTypeAgentMessage:
		c.emit(provider.Event{
			Type:   provider.EventAssistantMessage,
			TurnID: p.TurnID,
			ItemID: it.ID,
			Text:   it.Text,
		})
	case itemTypeCommandExec:
		c.emit(provider.Event{
			Type:   provider.EventCommandExecutionCompleted,
			TurnID: p.TurnID,
			ItemID: it.ID,
			Item:   p.Item,
		})
	}
}

// handleRequest auto-declines approval requests; approvalPolicy "never"
// should prevent them, but the agent occasionally asks anyway.
func (c *Client) handleRequest(id any, method string, _ json.RawMessage) {
	c.log.Warn("auto-declining agent request", zap.String("method", method))
	if err := c.rpc.respond(id, map[string]string{"decision": "decline"}, nil); err != nil {
		c.log.Warn("failed to decline agent request", zap.Error(err))
	}
}
