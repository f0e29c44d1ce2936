package gateway

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/pkg/wire"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

var errSendBufferFull = errors.New("gateway: send buffer full")

// Conn is one attached streaming client. It implements session.Socket: Send
// enqueues onto the write pump, a full buffer or failed write drops the
// connection from the fan-out.
type Conn struct {
	ws   *websocket.Conn
	send chan []byte
	log  *logger.Logger

	// writeMu serializes all writes to the peer; gorilla allows one
	// concurrent writer only.
	writeMu sync.Mutex
	closed  sync.Once
	done    chan struct{}
}

func newConn(ws *websocket.Conn, log *logger.Logger) *Conn {
	return &Conn{
		ws:   ws,
		send: make(chan []byte, 256),
		log:  log,
		done: make(chan struct{}),
	}
}

// Send marshals the envelope onto the write pump.
func (c *Conn) Send(env wire.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errors.New("gateway: connection closed")
	case c.send <- data:
		return nil
	default:
		return errSendBufferFull
	}
}

// Close sends a final error envelope when message is non-empty, then tears
// the connection down. Idempotent.
func (c *Conn) Close(message string) {
	c.closed.Do(func() {
		if message != "" {
			if data, err := json.Marshal(wire.ErrorEnvelope(message, "")); err == nil {
				c.writeMu.Lock()
				c.ws.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.ws.WriteMessage(websocket.TextMessage, data)
				c.writeMu.Unlock()
			}
		}
		close(c.done)
		_ = c.ws.Close()
	})
}

// writePump drains the send queue and keeps the connection alive with pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close("")
	}()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.writeMu.Lock()
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.ws.WriteMessage(websocket.TextMessage, data)
			c.writeMu.Unlock()
			if err != nil {
				c.log.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			c.writeMu.Lock()
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// readPump reads inbound frames and hands them to the dispatcher until the
// peer goes away.
func (c *Conn) readPump(dispatch func(*wire.Frame)) {
	defer c.Close("")

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		frame, err := wire.ParseFrame(data)
		if err != nil || frame.Type == "" {
			_ = c.Send(wire.ErrorEnvelope("invalid frame", wire.HTTPCode(400)))
			continue
		}
		dispatch(frame)
	}
}
