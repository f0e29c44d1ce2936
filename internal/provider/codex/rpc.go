// Package codex drives the Codex app-server over line-framed JSON-RPC on the
// child's stdio. The protocol is JSON-RPC 2.0 shaped but omits the
// "jsonrpc":"2.0" header.
package codex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/provider"
)

const maxLineBytes = 1024 * 1024

// rpcRequest is an outgoing request; requests carry an id, notifications do
// not.
type rpcRequest struct {
	ID     any             `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// rpcResponse is a response in either direction.
type rpcResponse struct {
	ID     any             `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("codex rpc error %d: %s", e.Code, e.Message)
}

const rpcMethodNotFound = -32601

// lineTap observes every raw line crossing the child's stdio.
type lineTap func(outgoing bool, line []byte)

// rpcConn multiplexes requests over the child's stdin/stdout. One map holds
// pending request ids; a single reader drains stdout; writes are serialized.
type rpcConn struct {
	stdin  io.Writer
	stdout io.Reader
	log    *logger.Logger
	tap    lineTap

	requestID atomic.Int64
	mu        sync.Mutex
	pending   map[any]chan *rpcResponse

	writeMu sync.Mutex

	onNotification func(method string, params json.RawMessage)
	onRequest      func(id any, method string, params json.RawMessage)
	onOverlong     func()

	done     chan struct{}
	stopOnce sync.Once
}

func newRPCConn(stdin io.Writer, stdout io.Reader, log *logger.Logger, tap lineTap) *rpcConn {
	return &rpcConn{
		stdin:   stdin,
		stdout:  stdout,
		log:     log.WithFields(zap.String("component", "codex-rpc")),
		tap:     tap,
		pending: make(map[any]chan *rpcResponse),
		done:    make(chan struct{}),
	}
}

func (c *rpcConn) start() { go c.readLoop() }

// stop cancels every pending call and ends the read loop.
func (c *rpcConn) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

// call sends a request and blocks for its response.
func (c *rpcConn) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.requestID.Add(1)

	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("codex: marshal params: %w", err)
		}
	}

	respCh := make(chan *rpcResponse, 1)
	c.mu.Lock()
	c.pending[id] = respCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(&rpcRequest{ID: id, Method: method, Params: paramsJSON}); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, provider.ErrNotRunning
	}
}

// respond answers a request the child sent to us.
func (c *rpcConn) respond(id any, result any, rpcErr *rpcError) error {
	var resultJSON json.RawMessage
	if result != nil && rpcErr == nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return fmt.Errorf("codex: marshal result: %w", err)
		}
	}
	return c.send(&rpcResponse{ID: id, Result: resultJSON, Error: rpcErr})
}

func (c *rpcConn) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("codex: marshal message: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.tap != nil {
		c.tap(true, data)
	}
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("codex: write message: %w", err)
	}
	return nil
}

func (c *rpcConn) readLoop() {
	lines := provider.NewBoundedLineReader(c.stdout, maxLineBytes)
	for {
		select {
		case <-c.done:
			return
		default:
		}

		line, truncated, err := lines.ReadLine()
		if truncated {
			c.log.Warn("discarded overlong line from agent")
			if c.onOverlong != nil {
				c.onOverlong()
			}
			continue
		}
		if err != nil {
			if err != io.EOF {
				c.log.Error("read loop error", zap.Error(err))
			}
			c.failPending()
			return
		}
		if len(line) == 0 {
			continue
		}
		if c.tap != nil {
			c.tap(false, line)
		}

		var msg struct {
			ID     any             `json:"id"`
			Method string          `json:"method"`
			Result json.RawMessage `json:"result"`
			Error  *rpcError       `json:"error"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(line, &msg); err != nil {
			c.log.Warn("skipping unparsable line", zap.Error(err))
			continue
		}

		hasID := msg.ID != nil
		hasMethod := msg.Method != ""
		switch {
		case hasID && !hasMethod && (msg.Result != nil || msg.Error != nil):
			c.dispatchResponse(&rpcResponse{ID: msg.ID, Result: msg.Result, Error: msg.Error})
		case hasID && hasMethod:
			c.dispatchRequest(msg.ID, msg.Method, msg.Params)
		case hasMethod:
			if c.onNotification != nil {
				c.onNotification(msg.Method, msg.Params)
			}
		}
	}
}

func (c *rpcConn) dispatchResponse(resp *rpcResponse) {
	id := normalizeID(resp.ID)
	c.mu.Lock()
	ch, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		c.log.Warn("response for unknown request", zap.Any("id", resp.ID))
		return
	}
	ch <- resp
}

func (c *rpcConn) dispatchRequest(id any, method string, params json.RawMessage) {
	if c.onRequest != nil {
		c.onRequest(id, method, params)
		return
	}
	if err := c.respond(id, nil, &rpcError{Code: rpcMethodNotFound, Message: "method not found"}); err != nil {
		c.log.Warn("failed to answer agent request", zap.Error(err))
	}
}

// failPending unblocks callers when the stream ends.
func (c *rpcConn) failPending() {
	c.stop()
}

// normalizeID maps the JSON float64 decoding of numeric ids back to the int64
// keys the pending map uses.
func normalizeID(id any) any {
	switch v := id.(type) {
	case float64:
		return int64(v)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
	}
	return id
}
