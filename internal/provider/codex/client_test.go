package codex

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibe80/vibe80/internal/provider"
	"github.com/vibe80/vibe80/internal/sandbox"
)

func collectEvents(c *Client, n int) []provider.Event {
	events := make([]provider.Event, 0, n)
	for i := 0; i < n; i++ {
		events = append(events, <-c.events)
	}
	return events
}

func TestNotificationTranslation(t *testing.T) {
	c := NewClient(Config{}, nil, nil)

	c.handleNotification("thread/started", json.RawMessage(`{"threadId":"thr-7"}`))
	assert.Equal(t, "thr-7", c.ThreadID())

	c.handleNotification("turn/started", json.RawMessage(`{"threadId":"thr-7","turnId":"t1"}`))
	c.handleNotification("item/agentMessage/delta",
		json.RawMessage(`{"turnId":"t1","itemId":"i1","delta":"Hel"}`))
	c.handleNotification("item/commandExecution/outputDelta",
		json.RawMessage(`{"turnId":"t1","itemId":"i2","delta":"$ ls\n"}`))
	c.handleNotification("item/completed",
		json.RawMessage(`{"turnId":"t1","item":{"id":"i1","type":"agentMessage","text":"Hello"}}`))
	c.handleNotification("item/completed",
		json.RawMessage(`{"turnId":"t1","item":{"id":"i2","type":"commandExecution","command":"ls","exitCode":0}}`))
	c.handleNotification("turn/completed", json.RawMessage(`{"threadId":"thr-7","turnId":"t1"}`))

	events := collectEvents(c, 6)
	types := make([]provider.EventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	assert.Equal(t, []provider.EventType{
		provider.EventTurnStarted,
		provider.EventAssistantDelta,
		provider.EventCommandExecutionDelta,
		provider.EventAssistantMessage,
		provider.EventCommandExecutionCompleted,
		provider.EventTurnCompleted,
	}, types)

	assert.Equal(t, "Hel", events[1].Delta)
	assert.Equal(t, "Hello", events[3].Text)
	assert.Equal(t, "i1", events[3].ItemID)

	var it item
	require.NoError(t, json.Unmarshal(events[4].Item, &it))
	assert.Equal(t, "ls", it.Command)
}

func TestErrorNotificationCarriesRetryFlag(t *testing.T) {
	c := NewClient(Config{}, nil, nil)

	c.handleNotification("error",
		json.RawMessage(`{"turnId":"t1","message":"rate limited","willRetry":true}`))
	ev := <-c.events
	assert.Equal(t, provider.EventTurnError, ev.Type)
	assert.True(t, ev.WillRetry)
	assert.Equal(t, "rate limited", ev.Message)

	c.handleNotification("error",
		json.RawMessage(`{"turnId":"t1","message":"fatal","willRetry":false}`))
	ev = <-c.events
	assert.False(t, ev.WillRetry)
}

func TestAccountLoginCompletedForwarded(t *testing.T) {
	c := NewClient(Config{}, nil, nil)

	c.handleNotification("account/login/completed", json.RawMessage(`{"success":true}`))
	ev := <-c.events
	assert.Equal(t, provider.EventAccountLogin, ev.Type)
	assert.JSONEq(t, `{"success":true}`, string(ev.Payload))
}

func TestUnknownItemTypeIgnored(t *testing.T) {
	c := NewClient(Config{}, nil, nil)

	c.handleNotification("item/completed",
		json.RawMessage(`{"turnId":"t1","item":{"id":"i9","type":"reasoning"}}`))
	select {
	case ev := <-c.events:
		t.Fatalf("unexpected event %s", ev.Type)
	default:
	}
}

// appServerExec fakes the app-server child: it captures the spawn options
// and answers initialize and thread/start|resume so Start completes.
type appServerExec struct {
	opts sandbox.Options
}

func (e *appServerExec) Run(context.Context, string, []string, sandbox.Options) (*sandbox.Result, error) {
	panic("not used")
}

func (e *appServerExec) Stream(_ context.Context, _ string, _ []string, opts sandbox.Options) (*sandbox.Process, error) {
	e.opts = opts
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	go func() {
		lines := bufio.NewScanner(stdinR)
		for lines.Scan() {
			var req rpcRequest
			if json.Unmarshal(lines.Bytes(), &req) != nil || req.ID == nil {
				continue
			}
			result := json.RawMessage(`{}`)
			if req.Method == methodThreadStart || req.Method == methodThreadResume {
				result = json.RawMessage(`{"thread":{"id":"thr-1"}}`)
			}
			resp, _ := json.Marshal(map[string]any{"id": req.ID, "result": result})
			if _, err := stdoutW.Write(append(resp, '\n')); err != nil {
				return
			}
		}
	}()

	return &sandbox.Process{
		Stdin:  stdinW,
		Stdout: stdoutR,
		Stderr: io.NopCloser(strings.NewReader("")),
		Wait:   func() (int, error) { select {} },
		Kill:   func(os.Signal) error { return nil },
	}, nil
}

func TestSpawnPolicyFollowsInternetAccess(t *testing.T) {
	closed := &appServerExec{}
	c := NewClient(Config{
		Binary:        "codex",
		Cwd:           "/repo",
		WritableRoots: []string{"/repo"},
	}, closed, nil)
	require.NoError(t, c.Start(context.Background()))

	policy := closed.opts.Sandbox
	assert.Empty(t, policy.NetMode)
	assert.False(t, policy.InternetAccess)
	assert.Equal(t, sandbox.NetModeNone, policy.ResolvedNetMode())

	open := &appServerExec{}
	c2 := NewClient(Config{
		Binary:         "codex",
		Cwd:            "/repo",
		InternetAccess: true,
	}, open, nil)
	require.NoError(t, c2.Start(context.Background()))
	assert.Equal(t, sandbox.NetModeFull, open.opts.Sandbox.ResolvedNetMode())
}

func TestLateEventsAfterExitAreDropped(t *testing.T) {
	c := NewClient(Config{}, nil, nil)
	c.waitExit(&sandbox.Process{
		Wait: func() (int, error) { return 0, nil },
	})

	// A stderr line landing after the child exited must be dropped, not
	// sent on the closed channel.
	c.emit(provider.Event{Type: provider.EventLog, Message: "late stderr"})

	ev, ok := <-c.events
	require.True(t, ok)
	assert.Equal(t, provider.EventExit, ev.Type)
	_, ok = <-c.events
	assert.False(t, ok)
}
