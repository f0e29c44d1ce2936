package session

import (
	"context"
	"sync"

	"github.com/vibe80/vibe80/internal/models"
	"github.com/vibe80/vibe80/internal/provider"
	"github.com/vibe80/vibe80/pkg/wire"
)

// Socket is one attached streaming client. Send must be safe for concurrent
// use; a failed Send gets the socket closed and dropped from the fan-out.
type Socket interface {
	Send(env wire.Envelope) error
	Close(message string)
}

// Runtime is the in-memory state of one loaded session: the durable records,
// the attached sockets and the per-worktree supervisors. All mutation happens
// under mu, the session's serial lane.
type Runtime struct {
	mu sync.Mutex

	session   *models.Session
	worktrees map[string]*models.Worktree

	sockets     map[Socket]struct{}
	supervisors map[string]*provider.Supervisor
	pumpCancels map[string]context.CancelFunc
}

func newRuntime(s *models.Session, worktrees []*models.Worktree) *Runtime {
	rt := &Runtime{
		session:     s,
		worktrees:   make(map[string]*models.Worktree, len(worktrees)),
		sockets:     make(map[Socket]struct{}),
		supervisors: make(map[string]*provider.Supervisor),
		pumpCancels: make(map[string]context.CancelFunc),
	}
	for _, wt := range worktrees {
		rt.worktrees[wt.ID] = wt
	}
	return rt
}

// Session returns a shallow copy of the session record.
func (rt *Runtime) Session() models.Session {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return *rt.session
}

// Worktree returns a copy of one worktree record. The empty id resolves to
// the main worktree.
func (rt *Runtime) Worktree(worktreeID string) (models.Worktree, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	wt, ok := rt.worktrees[resolveWorktreeID(worktreeID)]
	if !ok {
		return models.Worktree{}, false
	}
	return *wt, true
}

// Worktrees returns copies of all worktree records.
func (rt *Runtime) Worktrees() []models.Worktree {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]models.Worktree, 0, len(rt.worktrees))
	for _, wt := range rt.worktrees {
		out = append(out, *wt)
	}
	return out
}

// Broadcast writes the envelope to every attached socket. Sockets whose
// write fails are closed and removed.
func (rt *Runtime) Broadcast(env wire.Envelope) {
	rt.mu.Lock()
	targets := make([]Socket, 0, len(rt.sockets))
	for s := range rt.sockets {
		targets = append(targets, s)
	}
	rt.mu.Unlock()

	var failed []Socket
	for _, s := range targets {
		if err := s.Send(env); err != nil {
			failed = append(failed, s)
		}
	}
	if len(failed) == 0 {
		return
	}
	rt.mu.Lock()
	for _, s := range failed {
		delete(rt.sockets, s)
	}
	rt.mu.Unlock()
	for _, s := range failed {
		s.Close("write failed")
	}
}

func (rt *Runtime) addSocket(s Socket) {
	rt.mu.Lock()
	rt.sockets[s] = struct{}{}
	rt.mu.Unlock()
}

func (rt *Runtime) removeSocket(s Socket) {
	rt.mu.Lock()
	delete(rt.sockets, s)
	rt.mu.Unlock()
}

// SocketCount reports the number of attached sockets.
func (rt *Runtime) SocketCount() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.sockets)
}

// resolveWorktreeID maps the empty id to the implicit main worktree.
func resolveWorktreeID(worktreeID string) string {
	if worktreeID == "" {
		return "main"
	}
	return worktreeID
}
