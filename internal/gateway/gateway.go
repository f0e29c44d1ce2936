// Package gateway exposes the streaming duplex channel: it authenticates the
// socket, registers it in the session fan-out and routes inbound frames into
// the session manager and provider supervisors.
package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/vibe80/vibe80/internal/auth"
	"github.com/vibe80/vibe80/internal/common/config"
	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/models"
	"github.com/vibe80/vibe80/internal/provider"
	"github.com/vibe80/vibe80/internal/sandbox"
	"github.com/vibe80/vibe80/internal/session"
	"github.com/vibe80/vibe80/pkg/wire"
)

// Gateway terminates /chat websocket connections.
type Gateway struct {
	cfg      *config.Config
	auth     *auth.Manager
	sessions *session.Manager
	exec     sandbox.Executor
	log      *logger.Logger

	upgrader websocket.Upgrader

	// refreshGroup coalesces auth recovery so concurrent failures for one
	// workspace trigger a single re-mint.
	refreshGroup singleflight.Group
}

// New builds a Gateway.
func New(cfg *config.Config, authMgr *auth.Manager, sessions *session.Manager, exec sandbox.Executor, log *logger.Logger) *Gateway {
	if log == nil {
		log = logger.Default()
	}
	return &Gateway{
		cfg:      cfg,
		auth:     authMgr,
		sessions: sessions,
		exec:     exec,
		log:      log.WithFields(zap.String("component", "gateway")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Register mounts the streaming route.
func (g *Gateway) Register(r gin.IRouter) {
	r.GET("/chat", g.handleChat)
}

// client is one authenticated connection bound to a session.
type client struct {
	conn        *Conn
	workspaceID string
	sessionID   string
}

func (g *Gateway) handleChat(c *gin.Context) {
	ws, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	conn := newConn(ws, g.log)
	go conn.writePump()

	workspaceID, err := g.auth.VerifyAccessToken(c.Query("token"))
	if err != nil {
		conn.Close("Invalid workspace token.")
		return
	}

	sessionID := c.Query("session")
	ctx := context.Background()
	if _, err := g.sessions.SessionForWorkspace(ctx, workspaceID, sessionID); err != nil {
		conn.Close("Unknown session.")
		return
	}

	if err := g.sessions.RegisterSocket(ctx, sessionID, conn); err != nil {
		conn.Close("")
		return
	}
	g.sessions.Touch(ctx, sessionID)

	cl := &client{conn: conn, workspaceID: workspaceID, sessionID: sessionID}
	g.log.Info("client attached",
		zap.String("workspace_id", workspaceID),
		zap.String("session_id", sessionID))

	conn.readPump(func(frame *wire.Frame) {
		g.dispatch(ctx, cl, frame)
	})
	g.sessions.UnregisterSocket(sessionID, conn)
}

func (g *Gateway) dispatch(ctx context.Context, cl *client, frame *wire.Frame) {
	g.sessions.Touch(ctx, cl.sessionID)

	switch frame.Type {
	case wire.TypePing:
		_ = cl.conn.Send(wire.NewEnvelope(wire.TypePong, nil))

	case wire.TypeUserMessage, wire.TypeWorktreeSendMessage:
		g.handleUserMessage(ctx, cl, frame)

	case wire.TypeWorktreeMessagesSync:
		g.handleMessagesSync(ctx, cl, frame)

	case wire.TypeTurnInterrupt:
		g.handleTurnInterrupt(ctx, cl, frame)

	case wire.TypeSwitchProvider:
		g.handleSwitchProvider(ctx, cl, frame)

	case wire.TypeModelList:
		g.handleModelList(ctx, cl, frame)

	case wire.TypeModelSet:
		g.handleModelSet(ctx, cl, frame)

	case wire.TypeAccountLoginStart:
		g.handleAccountLogin(ctx, cl, frame)

	case wire.TypeActionRequest:
		g.handleActionRequest(ctx, cl, frame)

	default:
		_ = cl.conn.Send(wire.ErrorEnvelope("unknown frame type", wire.HTTPCode(400)))
	}
}

func (g *Gateway) handleUserMessage(ctx context.Context, cl *client, frame *wire.Frame) {
	var msg wire.UserMessage
	if err := frame.Decode(&msg); err != nil || msg.Text == "" {
		_ = cl.conn.Send(wire.ErrorEnvelope("message text required", wire.HTTPCode(400)))
		return
	}
	_, err := g.sessions.SendTurn(ctx, cl.sessionID, msg.WorktreeID, msg.Text, msg.Attachments)
	if err != nil {
		g.reportError(ctx, cl, msg.WorktreeID, err)
	}
}

func (g *Gateway) handleMessagesSync(ctx context.Context, cl *client, frame *wire.Frame) {
	var req wire.MessagesSync
	if err := frame.Decode(&req); err != nil {
		_ = cl.conn.Send(wire.ErrorEnvelope("invalid sync request", wire.HTTPCode(400)))
		return
	}
	msgs, err := g.sessions.MessagesSince(ctx, cl.sessionID, req.WorktreeID, req.LastSeenMessageID)
	if err != nil {
		g.reportError(ctx, cl, req.WorktreeID, err)
		return
	}
	status := ""
	if rt, rerr := g.sessions.Runtime(ctx, cl.sessionID); rerr == nil {
		if wt, ok := rt.Worktree(req.WorktreeID); ok {
			status = wt.Status
		}
	}
	_ = cl.conn.Send(wire.NewEnvelope(wire.TypeWorktreeMessages, map[string]any{
		"messages": msgs,
		"status":   status,
	}).WithWorktree(req.WorktreeID))
}

func (g *Gateway) handleTurnInterrupt(ctx context.Context, cl *client, frame *wire.Frame) {
	var req wire.TurnInterrupt
	if err := frame.Decode(&req); err != nil {
		_ = cl.conn.Send(wire.ErrorEnvelope("invalid interrupt request", wire.HTTPCode(400)))
		return
	}
	sup, err := g.sessions.Supervisor(ctx, cl.sessionID, req.WorktreeID)
	if err != nil {
		g.reportError(ctx, cl, req.WorktreeID, err)
		return
	}
	if err := sup.InterruptTurn(ctx, req.TurnID); err != nil {
		if errors.Is(err, provider.ErrInterruptUnsupported) {
			_ = cl.conn.Send(wire.ErrorEnvelope("this agent cannot interrupt a running turn", wire.HTTPCode(409)))
			return
		}
		g.reportError(ctx, cl, req.WorktreeID, err)
	}
}

func (g *Gateway) handleSwitchProvider(ctx context.Context, cl *client, frame *wire.Frame) {
	var req wire.SwitchProvider
	if err := frame.Decode(&req); err != nil {
		_ = cl.conn.Send(wire.ErrorEnvelope("invalid switch request", wire.HTTPCode(400)))
		return
	}
	s, err := g.sessions.SwitchProvider(ctx, cl.sessionID, models.Provider(req.Provider))
	if err != nil {
		g.reportError(ctx, cl, "", err)
		return
	}

	msgs, err := g.sessions.MessagesSince(ctx, cl.sessionID, "main", "")
	if err != nil {
		msgs = nil
	}
	env := wire.NewEnvelope(wire.TypeProviderSwitched, map[string]any{
		"provider": string(s.ActiveProvider),
		"messages": msgs,
	})
	if list, lerr := g.listModels(ctx, cl.sessionID, "main", "", 0); lerr == nil {
		env["models"] = list.Models
	}
	g.sessions.Broadcast(cl.sessionID, env)
}

func (g *Gateway) handleModelList(ctx context.Context, cl *client, frame *wire.Frame) {
	var req wire.ModelList
	if err := frame.Decode(&req); err != nil {
		_ = cl.conn.Send(wire.ErrorEnvelope("invalid model list request", wire.HTTPCode(400)))
		return
	}
	list, err := g.listModels(ctx, cl.sessionID, req.WorktreeID, req.Cursor, req.Limit)
	if err != nil {
		g.reportError(ctx, cl, req.WorktreeID, err)
		return
	}
	_ = cl.conn.Send(wire.NewEnvelope(wire.TypeModelListResult, map[string]any{
		"models":     list.Models,
		"nextCursor": list.NextCursor,
	}).WithWorktree(req.WorktreeID))
}

// listModels delegates to the worktree's supervisor, starting the child when
// none is running yet.
func (g *Gateway) listModels(ctx context.Context, sessionID, worktreeID, cursor string, limit int) (*provider.ModelList, error) {
	sup, err := g.sessions.Supervisor(ctx, sessionID, worktreeID)
	if err != nil {
		return nil, err
	}
	list, err := sup.ListModels(ctx, cursor, limit)
	if errors.Is(err, provider.ErrNotRunning) {
		if err = sup.Start(ctx); err != nil {
			return nil, err
		}
		list, err = sup.ListModels(ctx, cursor, limit)
	}
	return list, err
}

func (g *Gateway) handleModelSet(ctx context.Context, cl *client, frame *wire.Frame) {
	var req wire.ModelSet
	if err := frame.Decode(&req); err != nil || req.Model == "" {
		_ = cl.conn.Send(wire.ErrorEnvelope("model required", wire.HTTPCode(400)))
		return
	}
	sup, err := g.sessions.Supervisor(ctx, cl.sessionID, req.WorktreeID)
	if err != nil {
		g.reportError(ctx, cl, req.WorktreeID, err)
		return
	}
	if err := sup.SetDefaultModel(ctx, req.Model, req.ReasoningEffort); err != nil {
		g.reportError(ctx, cl, req.WorktreeID, err)
		return
	}
	_ = cl.conn.Send(wire.NewEnvelope(wire.TypeModelSetResult, map[string]any{
		"model": req.Model,
	}).WithWorktree(req.WorktreeID))
}

func (g *Gateway) handleAccountLogin(ctx context.Context, cl *client, frame *wire.Frame) {
	var req wire.AccountLoginStart
	if err := frame.Decode(&req); err != nil {
		_ = cl.conn.Send(wire.ErrorEnvelope("invalid login request", wire.HTTPCode(400)))
		return
	}
	sup, err := g.sessions.Supervisor(ctx, cl.sessionID, req.WorktreeID)
	if err != nil {
		g.reportError(ctx, cl, req.WorktreeID, err)
		return
	}
	if err := sup.StartAccountLogin(ctx, req.Params); err != nil {
		if errors.Is(err, provider.ErrUnsupported) {
			_ = cl.conn.Send(wire.ErrorEnvelope("this agent has no account login flow", wire.HTTPCode(409)))
			return
		}
		g.reportError(ctx, cl, req.WorktreeID, err)
	}
}

// reportError surfaces an operation failure on the sender, running auth
// recovery first when the code calls for it.
func (g *Gateway) reportError(ctx context.Context, cl *client, worktreeID string, err error) {
	code := wire.CodeOf(err)
	if wire.IsAuthRecoveryCode(code) {
		g.recoverAuth(ctx, cl)
		return
	}
	g.log.Warn("frame handling failed",
		zap.String("session_id", cl.sessionID),
		zap.String("error_code", code),
		zap.Error(err))
	_ = cl.conn.Send(wire.ErrorEnvelope(err.Error(), code).WithWorktree(worktreeID))
}
