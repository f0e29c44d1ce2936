package gateway

import (
	"context"
	"strings"

	"github.com/vibe80/vibe80/internal/sandbox"
	"github.com/vibe80/vibe80/pkg/wire"
)

// handleActionRequest runs a gated slash command inside the worktree sandbox
// and replies to the sender with the captured output.
func (g *Gateway) handleActionRequest(ctx context.Context, cl *client, frame *wire.Frame) {
	var req wire.ActionRequest
	if err := frame.Decode(&req); err != nil {
		_ = cl.conn.Send(wire.ErrorEnvelope("invalid action request", wire.HTTPCode(400)))
		return
	}

	var argv []string
	switch req.Action {
	case "run":
		if !g.cfg.Sandbox.AllowRunSlashCommand {
			_ = cl.conn.Send(wire.ErrorEnvelope("the run command is disabled", wire.HTTPCode(403)))
			return
		}
		if req.Command == "" {
			_ = cl.conn.Send(wire.ErrorEnvelope("command required", wire.HTTPCode(400)))
			return
		}
		argv = []string{"sh", "-c", req.Command}
	case "git":
		if !g.cfg.Sandbox.AllowGitSlashCommand {
			_ = cl.conn.Send(wire.ErrorEnvelope("the git command is disabled", wire.HTTPCode(403)))
			return
		}
		if len(req.Args) == 0 {
			_ = cl.conn.Send(wire.ErrorEnvelope("git arguments required", wire.HTTPCode(400)))
			return
		}
		argv = append([]string{"git"}, req.Args...)
	default:
		_ = cl.conn.Send(wire.ErrorEnvelope("unknown action", wire.HTTPCode(400)))
		return
	}

	rt, err := g.sessions.Runtime(ctx, cl.sessionID)
	if err != nil {
		g.reportError(ctx, cl, req.WorktreeID, err)
		return
	}
	wt, ok := rt.Worktree(req.WorktreeID)
	if !ok {
		_ = cl.conn.Send(wire.ErrorEnvelope("unknown worktree", wire.ErrCodeWorktreeNotFound))
		return
	}
	s := rt.Session()

	res, err := g.exec.Run(ctx, s.WorkspaceID, argv, sandbox.Options{
		Cwd: wt.Path,
		Sandbox: sandbox.Policy{
			RepoDir:        wt.Path,
			TmpDir:         s.Layout.TmpDir,
			AttachmentsDir: s.Layout.AttachmentsDir,
			InternetAccess: wt.EffectiveInternetAccess(&s),
		},
	})
	if err != nil {
		g.reportError(ctx, cl, req.WorktreeID, err)
		return
	}

	output := string(res.Stdout)
	if res.Exit != 0 && len(res.Stderr) > 0 {
		output = strings.TrimRight(output+"\n"+string(res.Stderr), "\n")
	}
	_ = cl.conn.Send(wire.NewEnvelope(wire.TypeActionResult, map[string]any{
		"action":   req.Action,
		"command":  strings.Join(argv, " "),
		"output":   output,
		"exitCode": res.Exit,
	}).WithWorktree(req.WorktreeID))
}
