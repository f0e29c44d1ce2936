package gateway

import (
	"context"

	"go.uber.org/zap"

	"github.com/vibe80/vibe80/pkg/wire"
)

// recoverAuth handles an auth-required failure surfaced by a supervisor or a
// downstream call: it mints a fresh token pair for the workspace, pushes it
// to every attached client and restarts the worktree children so the next
// turn reconnects. Concurrent failures for one workspace coalesce into a
// single recovery.
func (g *Gateway) recoverAuth(ctx context.Context, cl *client) {
	_, err, _ := g.refreshGroup.Do(cl.workspaceID, func() (any, error) {
		pair, err := g.auth.IssuePair(ctx, cl.workspaceID)
		if err != nil {
			return nil, err
		}

		g.sessions.Broadcast(cl.sessionID, wire.NewEnvelope(wire.TypeAuthRefreshed, map[string]any{
			"accessToken":      pair.AccessToken,
			"accessExpiresAt":  pair.AccessExpiresAt,
			"refreshToken":     pair.RefreshToken,
			"refreshExpiresAt": pair.RefreshExpiresAt,
		}))

		// Retire the children; the next inbound turn respawns them with the
		// recovered credentials.
		if rt, rerr := g.sessions.Runtime(ctx, cl.sessionID); rerr == nil {
			for _, wt := range rt.Worktrees() {
				if sup, serr := g.sessions.Supervisor(ctx, cl.sessionID, wt.ID); serr == nil {
					sup.RequestRestart()
				}
			}
		}

		// Re-sync the main log so clients recover any frames dropped while
		// the channel was unauthenticated.
		msgs, merr := g.sessions.MessagesSince(ctx, cl.sessionID, "main", "")
		if merr == nil {
			g.sessions.Broadcast(cl.sessionID, wire.NewEnvelope(wire.TypeWorktreeMessages, map[string]any{
				"messages": msgs,
			}).WithWorktree("main"))
		}
		return nil, nil
	})
	if err != nil {
		g.log.Error("auth recovery failed",
			zap.String("workspace_id", cl.workspaceID),
			zap.Error(err))
		_ = cl.conn.Send(wire.ErrorEnvelope("workspace authentication required", wire.ErrCodeWorkspaceAuthRequired))
	}
}
