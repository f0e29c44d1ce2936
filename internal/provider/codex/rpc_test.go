package codex

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibe80/vibe80/internal/common/logger"
)

// lockedBuffer makes the stdin side safe for concurrent writes.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRPCCallRoundTrip(t *testing.T) {
	stdin := &lockedBuffer{}
	stdoutR, stdoutW := io.Pipe()

	conn := newRPCConn(stdin, stdoutR, logger.Default(), nil)
	conn.start()
	defer conn.stop()

	go func() {
		// Wait for the request to land, echo a response for id 1.
		for stdin.String() == "" {
			time.Sleep(time.Millisecond)
		}
		stdoutW.Write([]byte(`{"id":1,"result":{"userAgent":"codex"}}` + "\n"))
	}()

	result, err := conn.call(context.Background(), "initialize", map[string]string{"a": "b"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"userAgent":"codex"}`, string(result))

	// The outgoing frame is line-delimited JSON without a jsonrpc header.
	var req map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(stdin.String())), &req))
	assert.Equal(t, "initialize", req["method"])
	assert.NotContains(t, req, "jsonrpc")
	assert.EqualValues(t, 1, req["id"])
}

func TestRPCCallError(t *testing.T) {
	stdin := &lockedBuffer{}
	stdoutR, stdoutW := io.Pipe()

	conn := newRPCConn(stdin, stdoutR, logger.Default(), nil)
	conn.start()
	defer conn.stop()

	go func() {
		for stdin.String() == "" {
			time.Sleep(time.Millisecond)
		}
		stdoutW.Write([]byte(`{"id":1,"error":{"code":-32600,"message":"bad request"}}` + "\n"))
	}()

	_, err := conn.call(context.Background(), "whatever", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad request")
}

func TestRPCNotificationDispatch(t *testing.T) {
	stdin := &lockedBuffer{}
	stdoutR, stdoutW := io.Pipe()

	conn := newRPCConn(stdin, stdoutR, logger.Default(), nil)
	got := make(chan string, 4)
	conn.onNotification = func(method string, _ json.RawMessage) {
		got <- method
	}
	conn.start()
	defer conn.stop()

	// Bad JSON and blank lines are skipped without breaking the stream.
	stdoutW.Write([]byte("not json\n"))
	stdoutW.Write([]byte("\n"))
	stdoutW.Write([]byte(`{"method":"turn/started","params":{"turnId":"t1"}}` + "\n"))

	select {
	case method := <-got:
		assert.Equal(t, "turn/started", method)
	case <-time.After(2 * time.Second):
		t.Fatal("notification never dispatched")
	}
}

func TestRPCAutoRejectsUnknownAgentRequest(t *testing.T) {
	stdin := &lockedBuffer{}
	stdoutR, stdoutW := io.Pipe()

	conn := newRPCConn(stdin, stdoutR, logger.Default(), nil)
	conn.start()
	defer conn.stop()

	stdoutW.Write([]byte(`{"id":"req-9","method":"something/odd","params":{}}` + "\n"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && stdin.String() == "" {
		time.Sleep(time.Millisecond)
	}
	var resp map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(stdin.String())), &resp))
	assert.Equal(t, "req-9", resp["id"])
	assert.NotNil(t, resp["error"])
}

func TestRPCCallCancelledOnStop(t *testing.T) {
	stdin := &lockedBuffer{}
	stdoutR, _ := io.Pipe()

	conn := newRPCConn(stdin, stdoutR, logger.Default(), nil)
	conn.start()

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.call(context.Background(), "initialize", nil)
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	conn.stop()

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("call never unblocked")
	}
}

func TestNormalizeID(t *testing.T) {
	assert.Equal(t, int64(7), normalizeID(float64(7)))
	assert.Equal(t, int64(9), normalizeID(json.Number("9")))
	assert.Equal(t, "s", normalizeID("s"))
}
