package claude

import (
	"context"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibe80/vibe80/internal/provider"
	"github.com/vibe80/vibe80/internal/sandbox"
)

// scriptedExec returns one fake child whose stdout replays a fixed stream.
type scriptedExec struct {
	stdout   string
	exitCode int
	argv     []string
	opts     sandbox.Options
	stdin    *captureWriter
}

type captureWriter struct {
	sb strings.Builder
}

func (w *captureWriter) Write(p []byte) (int, error) { return w.sb.Write(p) }
func (w *captureWriter) Close() error                { return nil }

func (s *scriptedExec) Run(context.Context, string, []string, sandbox.Options) (*sandbox.Result, error) {
	panic("not used")
}

func (s *scriptedExec) Stream(_ context.Context, _ string, argv []string, opts sandbox.Options) (*sandbox.Process, error) {
	s.argv = argv
	s.opts = opts
	s.stdin = &captureWriter{}
	return &sandbox.Process{
		Stdin:  s.stdin,
		Stdout: io.NopCloser(strings.NewReader(s.stdout)),
		Stderr: io.NopCloser(strings.NewReader("")),
		Wait:   func() (int, error) { return s.exitCode, nil },
		Kill:   func(os.Signal) error { return nil },
	}, nil
}

func collect(t *testing.T, c *Client, until provider.EventType) []provider.Event {
	t.Helper()
	var events []provider.Event
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-c.events:
			events = append(events, ev)
			if ev.Type == until {
				return events
			}
		case <-deadline:
			t.Fatalf("never saw %s; got %v", until, events)
		}
	}
}

func eventTypes(events []provider.Event) []provider.EventType {
	types := make([]provider.EventType, 0, len(events))
	for _, ev := range events {
		if ev.Type == provider.EventRpcOut || ev.Type == provider.EventRpcIn {
			continue
		}
		types = append(types, ev.Type)
	}
	return types
}

const happyStream = `{"type":"system","subtype":"init","session_id":"sess-42","model":"claude-test-1"}
{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Working on it. "}]}}
{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"tu-1","name":"Bash","input":{"command":"git status"}}]}}
{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tu-1","content":"clean"}]}}
{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Done."}]}}
{"type":"result","subtype":"success","is_error":false,"result":"Done."}
`

func TestSendTurnHappyPath(t *testing.T) {
	exec := &scriptedExec{stdout: happyStream, exitCode: 0}
	c := NewClient(Config{Binary: "claude", Cwd: "/repo", WritableRoots: []string{"/repo"}}, exec, nil)

	turn, err := c.SendTurn(context.Background(), "fix the bug")
	require.NoError(t, err)
	require.NotEmpty(t, turn.ID)

	events := collect(t, c, provider.EventTurnCompleted)
	assert.Equal(t, []provider.EventType{
		provider.EventTurnStarted,
		provider.EventAssistantDelta,
		provider.EventCommandExecutionCompleted,
		provider.EventAssistantDelta,
		provider.EventAssistantMessage,
		provider.EventTurnCompleted,
	}, eventTypes(events))

	// The one assistant_message carries the concatenated text.
	for _, ev := range events {
		if ev.Type == provider.EventAssistantMessage {
			assert.Equal(t, "Working on it. Done.", ev.Text)
		}
		if ev.Type == provider.EventCommandExecutionCompleted {
			assert.Equal(t, "tu-1", ev.ItemID)
			assert.Contains(t, string(ev.Item), "git status")
		}
	}

	// Thread id tracked from system/init.
	assert.Equal(t, "sess-42", c.ThreadID())

	// Exactly one user frame on stdin.
	stdin := exec.stdin.sb.String()
	assert.Equal(t, 1, strings.Count(stdin, "\n"))
	assert.Contains(t, stdin, `"fix the bug"`)
}

func TestSendTurnErrorResult(t *testing.T) {
	stream := `{"type":"result","subtype":"error_during_execution","is_error":true,"result":"credit exhausted"}` + "\n"
	exec := &scriptedExec{stdout: stream, exitCode: 1}
	c := NewClient(Config{Binary: "claude"}, exec, nil)

	_, err := c.SendTurn(context.Background(), "hello")
	require.NoError(t, err)

	events := collect(t, c, provider.EventTurnError)
	last := events[len(events)-1]
	assert.Equal(t, "credit exhausted", last.Message)
}

func TestSendTurnNonZeroExit(t *testing.T) {
	exec := &scriptedExec{stdout: "", exitCode: 3}
	c := NewClient(Config{Binary: "claude"}, exec, nil)

	_, err := c.SendTurn(context.Background(), "hello")
	require.NoError(t, err)

	events := collect(t, c, provider.EventTurnError)
	last := events[len(events)-1]
	assert.Contains(t, last.Message, "code 3")
}

func TestConcurrentTurnRejected(t *testing.T) {
	// A stream that never ends keeps the first turn running.
	r, _ := io.Pipe()
	exec := &pipeExec{stdout: r}
	c := NewClient(Config{Binary: "claude"}, exec, nil)

	_, err := c.SendTurn(context.Background(), "first")
	require.NoError(t, err)

	_, err = c.SendTurn(context.Background(), "second")
	assert.ErrorIs(t, err, provider.ErrTurnInProgress)
}

type pipeExec struct {
	stdout io.Reader
}

func (p *pipeExec) Run(context.Context, string, []string, sandbox.Options) (*sandbox.Result, error) {
	panic("not used")
}

func (p *pipeExec) Stream(context.Context, string, []string, sandbox.Options) (*sandbox.Process, error) {
	return &sandbox.Process{
		Stdin:  &captureWriter{},
		Stdout: io.NopCloser(p.stdout),
		Stderr: io.NopCloser(strings.NewReader("")),
		Wait:   func() (int, error) { select {} },
		Kill:   func(os.Signal) error { return nil },
	}, nil
}

func TestInterruptUnsupported(t *testing.T) {
	c := NewClient(Config{}, nil, nil)
	err := c.InterruptTurn(context.Background(), "t1")
	assert.ErrorIs(t, err, provider.ErrInterruptUnsupported)
}

func TestArgvShape(t *testing.T) {
	c := NewClient(Config{
		Binary:        "claude",
		WritableRoots: []string{"/repo", "/attachments"},
		WebSearch:     true,
		SystemPrompt:  "be terse",
	}, nil, nil)

	argv := c.argv()
	joined := strings.Join(argv, " ")
	assert.Contains(t, joined, "--continue -p")
	assert.Contains(t, joined, "--output-format stream-json")
	assert.Contains(t, joined, "--input-format stream-json")
	assert.Contains(t, joined, "--permission-mode acceptEdits")
	assert.Contains(t, joined, "--allowed-tools Bash(git:*),WebSearch")
	assert.Contains(t, joined, "--add-dir /repo")
	assert.Contains(t, joined, "--add-dir /attachments")
	assert.Contains(t, joined, "--append-system-prompt be terse")

	// Without web search the tool list stays git-only.
	c2 := NewClient(Config{Binary: "claude"}, nil, nil)
	assert.Contains(t, strings.Join(c2.argv(), " "), "--allowed-tools Bash(git:*)")
	assert.NotContains(t, strings.Join(c2.argv(), " "), "WebSearch")

	// SetDefaultModel pins --model for the next spawn.
	require.NoError(t, c2.SetDefaultModel(context.Background(), "claude-big", ""))
	assert.Contains(t, strings.Join(c2.argv(), " "), "--model claude-big")
}

func TestSpawnPolicyFollowsInternetAccess(t *testing.T) {
	exec := &scriptedExec{stdout: happyStream, exitCode: 0}
	c := NewClient(Config{Binary: "claude", Cwd: "/repo"}, exec, nil)

	_, err := c.SendTurn(context.Background(), "hello")
	require.NoError(t, err)
	collect(t, c, provider.EventTurnCompleted)

	policy := exec.opts.Sandbox
	assert.Empty(t, policy.NetMode)
	assert.False(t, policy.InternetAccess)
	assert.Equal(t, sandbox.NetModeNone, policy.ResolvedNetMode())

	open := &scriptedExec{stdout: happyStream, exitCode: 0}
	c2 := NewClient(Config{Binary: "claude", Cwd: "/repo", InternetAccess: true}, open, nil)
	_, err = c2.SendTurn(context.Background(), "hello")
	require.NoError(t, err)
	collect(t, c2, provider.EventTurnCompleted)
	assert.Equal(t, sandbox.NetModeFull, open.opts.Sandbox.ResolvedNetMode())
}

func TestEmitAfterStopIsDropped(t *testing.T) {
	c := NewClient(Config{}, nil, nil)
	require.NoError(t, c.Stop(context.Background(), provider.StopOptions{}))

	// A straggling reader line after Stop must be dropped, not sent on the
	// closed channel.
	c.emit(provider.Event{Type: provider.EventLog, Message: "late stderr"})

	_, ok := <-c.events
	assert.False(t, ok)

	// Stop is idempotent.
	require.NoError(t, c.Stop(context.Background(), provider.StopOptions{}))
}
