package session

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/common/stringutil"
	"github.com/vibe80/vibe80/internal/models"
	"github.com/vibe80/vibe80/internal/provider"
	"github.com/vibe80/vibe80/pkg/wire"
)

// pumpEvents consumes one supervisor's event stream for the life of the
// worktree: it persists the durable side effects (messages, thread ids, RPC
// log, status) and fans each event out to the session's sockets.
func (m *Manager) pumpEvents(ctx context.Context, rt *Runtime, sessionID, worktreeID string, sup *provider.Supervisor) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sup.Events():
			if !ok {
				return
			}
			m.handleEvent(ctx, rt, sessionID, worktreeID, &ev)
		}
	}
}

func (m *Manager) handleEvent(ctx context.Context, rt *Runtime, sessionID, worktreeID string, ev *provider.Event) {
	switch ev.Type {
	case provider.EventReady:
		m.persistThreadID(ctx, rt, sessionID, worktreeID, ev.ThreadID)
		rt.Broadcast(wire.NewEnvelope(wire.TypeReady, map[string]any{
			"threadId": ev.ThreadID,
		}).WithWorktree(worktreeID))

	case provider.EventThreadStarting:
		rt.Broadcast(wire.NewEnvelope(wire.TypeThreadStarting, nil).WithWorktree(worktreeID))

	case provider.EventTurnStarted:
		m.setWorktreeStatus(ctx, rt, worktreeID, models.WorktreeStatusProcessing)
		rt.Broadcast(wire.NewEnvelope(wire.TypeTurnStarted, map[string]any{
			"turnId": ev.TurnID,
		}).WithWorktree(worktreeID))

	case provider.EventTurnCompleted:
		m.setWorktreeStatus(ctx, rt, worktreeID, models.WorktreeStatusReady)
		rt.Broadcast(wire.NewEnvelope(wire.TypeTurnCompleted, map[string]any{
			"turnId": ev.TurnID,
		}).WithWorktree(worktreeID))

	case provider.EventTurnError:
		if !ev.WillRetry {
			m.setWorktreeStatus(ctx, rt, worktreeID, models.WorktreeStatusReady)
		}
		rt.Broadcast(wire.NewEnvelope(wire.TypeTurnError, map[string]any{
			"turnId":    ev.TurnID,
			"message":   ev.Message,
			"willRetry": ev.WillRetry,
		}).WithWorktree(worktreeID))

	case provider.EventAssistantDelta:
		rt.Broadcast(wire.NewEnvelope(wire.TypeAssistantDelta, map[string]any{
			"turnId": ev.TurnID,
			"itemId": ev.ItemID,
			"delta":  ev.Delta,
		}).WithWorktree(worktreeID))

	case provider.EventAssistantMessage:
		m.persistAssistantMessage(ctx, rt, sessionID, worktreeID, ev)
		rt.Broadcast(wire.NewEnvelope(wire.TypeAssistantMessage, map[string]any{
			"turnId": ev.TurnID,
			"itemId": ev.ItemID,
			"text":   ev.Text,
		}).WithWorktree(worktreeID))
		m.broadcastDiff(ctx, rt, sessionID, worktreeID)

	case provider.EventCommandExecutionDelta:
		rt.Broadcast(wire.NewEnvelope(wire.TypeCommandExecutionDelta, map[string]any{
			"turnId": ev.TurnID,
			"itemId": ev.ItemID,
			"delta":  ev.Delta,
		}).WithWorktree(worktreeID))

	case provider.EventCommandExecutionCompleted:
		m.persistCommandResult(ctx, rt, sessionID, worktreeID, ev)
		rt.Broadcast(wire.NewEnvelope(wire.TypeCommandExecutionCompleted, map[string]any{
			"turnId": ev.TurnID,
			"itemId": ev.ItemID,
			"item":   json.RawMessage(ev.Item),
		}).WithWorktree(worktreeID))

	case provider.EventRpcIn, provider.EventRpcOut:
		m.appendRpcLog(ctx, rt, sessionID, worktreeID, ev)

	case provider.EventAccountLogin:
		rt.Broadcast(wire.NewEnvelope(wire.TypeAccountLogin, map[string]any{
			"payload": json.RawMessage(ev.Payload),
		}).WithWorktree(worktreeID))

	case provider.EventLog:
		rt.Broadcast(wire.NewEnvelope(wire.TypeLog, map[string]any{
			"message": ev.Message,
		}).WithWorktree(worktreeID))

	case provider.EventExit:
		status := models.WorktreeStatusStopped
		if ev.Exit != nil && ev.Exit.Reason == provider.ExitReasonUnexpected {
			status = models.WorktreeStatusError
		}
		m.setWorktreeStatus(ctx, rt, worktreeID, status)
	}
}

func (m *Manager) persistThreadID(ctx context.Context, rt *Runtime, sessionID, worktreeID, threadID string) {
	if threadID == "" {
		return
	}
	rt.mu.Lock()
	wt, ok := rt.worktrees[worktreeID]
	if !ok {
		rt.mu.Unlock()
		return
	}
	wt.ThreadID = threadID
	if rt.session.ThreadIDs == nil {
		rt.session.ThreadIDs = map[models.Provider]string{}
	}
	rt.session.ThreadIDs[wt.Provider] = threadID
	wtSnapshot := *wt
	sSnapshot := *rt.session
	rt.mu.Unlock()

	if err := m.store.SaveWorktree(ctx, sessionID, &wtSnapshot); err != nil {
		m.log.Warn("thread id persist failed", zap.Error(err))
	}
	if err := m.store.SaveSession(ctx, &sSnapshot); err != nil {
		m.log.Warn("thread id persist failed", zap.Error(err))
	}
}

func (m *Manager) persistAssistantMessage(ctx context.Context, rt *Runtime, sessionID, worktreeID string, ev *provider.Event) {
	wt, ok := rt.Worktree(worktreeID)
	if !ok {
		return
	}
	msg := &models.ChatMessage{
		ID:        ev.ItemID,
		Role:      models.RoleAssistant,
		Text:      ev.Text,
		Provider:  wt.Provider,
		Timestamp: time.Now().UTC(),
	}
	if err := m.AppendMessage(ctx, sessionID, worktreeID, msg); err != nil {
		m.log.Warn("assistant message persist failed", zap.Error(err))
	}
}

// completedCommand is the slice of a completed command item the message log
// keeps.
type completedCommand struct {
	Command          string `json:"command"`
	AggregatedOutput string `json:"aggregatedOutput"`
	ExitCode         *int   `json:"exitCode"`
}

func (m *Manager) persistCommandResult(ctx context.Context, rt *Runtime, sessionID, worktreeID string, ev *provider.Event) {
	wt, ok := rt.Worktree(worktreeID)
	if !ok {
		return
	}
	var cmd completedCommand
	if len(ev.Item) > 0 {
		if err := json.Unmarshal(ev.Item, &cmd); err != nil {
			m.log.Warn("unparseable command item", zap.Error(err))
		}
	}
	status := models.MessageStatusCompleted
	if cmd.ExitCode != nil && *cmd.ExitCode != 0 {
		status = models.MessageStatusError
	}
	msg := &models.ChatMessage{
		ID:        ev.ItemID,
		Role:      models.RoleToolResult,
		Provider:  wt.Provider,
		Command:   cmd.Command,
		Output:    cmd.AggregatedOutput,
		Status:    status,
		Timestamp: time.Now().UTC(),
	}
	if err := m.AppendMessage(ctx, sessionID, worktreeID, msg); err != nil {
		m.log.Warn("command result persist failed", zap.Error(err))
	}
}

func (m *Manager) appendRpcLog(ctx context.Context, rt *Runtime, sessionID, worktreeID string, ev *provider.Event) {
	wt, ok := rt.Worktree(worktreeID)
	if !ok {
		return
	}
	direction := models.RpcDirectionStdout
	if ev.Type == provider.EventRpcIn {
		direction = models.RpcDirectionStdin
	}
	entry := &models.RpcLogEntry{
		Direction:  direction,
		Timestamp:  time.Now().UTC(),
		Payload:    string(ev.Payload),
		Provider:   wt.Provider,
		WorktreeID: worktreeID,
	}
	if err := m.store.AppendRpcLog(ctx, sessionID, entry); err != nil {
		m.log.Warn("rpc log append failed", zap.Error(err))
	}
	m.log.Debug("rpc",
		zap.String("worktree_id", worktreeID),
		zap.String("direction", direction),
		zap.String("payload", stringutil.Truncate(entry.Payload, 200)))
	rt.Broadcast(wire.NewEnvelope(wire.TypeRpcLog, map[string]any{
		"direction": direction,
		"payload":   entry.Payload,
		"provider":  string(wt.Provider),
	}).WithWorktree(worktreeID))
}

// broadcastDiff pushes the current uncommitted diff after an agent message
// so attached clients can render the working-tree delta live. Best effort.
func (m *Manager) broadcastDiff(ctx context.Context, rt *Runtime, sessionID, worktreeID string) {
	if rt.SocketCount() == 0 {
		return
	}
	diff, err := m.WorktreeDiff(ctx, sessionID, worktreeID)
	if err != nil {
		m.log.Debug("diff broadcast skipped", zap.Error(err))
		return
	}
	rt.Broadcast(wire.NewEnvelope(wire.TypeDiff, map[string]any{
		"diff": diff,
	}).WithWorktree(worktreeID))
}
