package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/common/logger"
)

const defaultStopTimeout = 10 * time.Second

// Factory spawns a fresh Client for the supervisor's worktree. It is called
// at Start and again on every lazy respawn.
type Factory func(ctx context.Context) (Client, error)

// SupervisorOptions configures a Supervisor.
type SupervisorOptions struct {
	Logger *logger.Logger
	// IdleGC stops a child idle longer than this; zero disables.
	IdleGC time.Duration
}

// Supervisor wraps one Client with lifecycle state: the active turn set,
// busy/idle status, restart-if-idle, idle GC and exit-reason attribution.
// All events from the underlying client are forwarded on Events.
type Supervisor struct {
	factory Factory
	log     *logger.Logger
	idleGC  time.Duration

	mu             sync.Mutex
	client         Client
	status         Status
	active         map[string]struct{}
	restartPending bool
	stopReason     string
	idleSince      time.Time
	pumpCtx        context.Context
	pumpCancel     context.CancelFunc

	events chan Event
	wg     sync.WaitGroup
}

// NewSupervisor builds a supervisor; Start spawns the first child.
func NewSupervisor(factory Factory, opts SupervisorOptions) *Supervisor {
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Supervisor{
		factory: factory,
		log:     log.WithFields(zap.String("component", "provider-supervisor")),
		idleGC:  opts.IdleGC,
		status:  StatusStopped,
		active:  make(map[string]struct{}),
		events:  make(chan Event, 256),
	}
}

// Events returns the forwarded event stream.
func (s *Supervisor) Events() <-chan Event { return s.events }

// Status returns the current lifecycle status.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// ThreadID returns the running client's thread id, when known.
func (s *Supervisor) ThreadID() string {
	s.mu.Lock()
	c := s.client
	s.mu.Unlock()
	if c == nil {
		return ""
	}
	return c.ThreadID()
}

// Start spawns the child and begins pumping its events.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.client != nil {
		s.mu.Unlock()
		return nil
	}
	s.status = StatusStarting
	s.mu.Unlock()

	return s.spawn(ctx)
}

func (s *Supervisor) spawn(ctx context.Context) error {
	client, err := s.factory(ctx)
	if err != nil {
		s.setStatus(StatusStopped)
		return err
	}
	if err := client.Start(ctx); err != nil {
		s.setStatus(StatusStopped)
		return err
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.client = client
	s.stopReason = ""
	s.idleSince = time.Now()
	s.pumpCtx = pumpCtx
	s.pumpCancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.pump(pumpCtx, client)
	return nil
}

// pump forwards client events and drives the lifecycle state machine.
func (s *Supervisor) pump(ctx context.Context, client Client) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-client.Events():
			if !ok {
				return
			}
			s.handle(&ev)
			select {
			case s.events <- ev:
			default:
				s.log.Warn("event channel full, dropping event",
					zap.String("event_type", string(ev.Type)))
			}
			if ev.Type == EventExit {
				return
			}
		}
	}
}

func (s *Supervisor) handle(ev *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Type {
	case EventReady:
		if len(s.active) == 0 {
			s.status = StatusIdle
			s.idleSince = time.Now()
		}
	case EventTurnStarted:
		if ev.TurnID != "" {
			s.active[ev.TurnID] = struct{}{}
		}
		s.status = StatusBusy
	case EventTurnCompleted:
		delete(s.active, ev.TurnID)
		s.finishTurnLocked()
	case EventTurnError:
		if !ev.WillRetry {
			delete(s.active, ev.TurnID)
			s.finishTurnLocked()
		}
	case EventExit:
		reason := s.stopReason
		if reason == "" {
			reason = ExitReasonUnexpected
		}
		if ev.Exit == nil {
			ev.Exit = &ExitInfo{}
		}
		ev.Exit.Reason = reason
		s.client = nil
		s.active = make(map[string]struct{})
		s.status = StatusStopped
	}
}

// finishTurnLocked transitions to idle when the turn set drains and acts on a
// pending restart request.
func (s *Supervisor) finishTurnLocked() {
	if len(s.active) > 0 {
		return
	}
	s.status = StatusIdle
	s.idleSince = time.Now()
	if s.restartPending {
		s.restartPending = false
		go s.restart()
	}
}

func (s *Supervisor) restart() {
	s.setStatus(StatusRestarting)
	ctx, cancel := context.WithTimeout(context.Background(), defaultStopTimeout*2)
	defer cancel()

	s.stopChild(ctx, StopOptions{Timeout: defaultStopTimeout}, ExitReasonRequested)
	if err := s.spawn(ctx); err != nil {
		s.log.Error("restart failed", zap.Error(err))
	}
}

// SendTurn forwards the turn to the child, respawning lazily when no child is
// alive.
func (s *Supervisor) SendTurn(ctx context.Context, text string) (*Turn, error) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()

	if client == nil {
		s.setStatus(StatusStarting)
		if err := s.spawn(ctx); err != nil {
			return nil, fmt.Errorf("provider: respawn: %w", err)
		}
		s.mu.Lock()
		client = s.client
		s.mu.Unlock()
	}

	turn, err := client.SendTurn(ctx, text)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.active[turn.ID] = struct{}{}
	s.status = StatusBusy
	s.mu.Unlock()
	return turn, nil
}

// InterruptTurn cancels one in-flight turn.
func (s *Supervisor) InterruptTurn(ctx context.Context, turnID string) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return ErrNotRunning
	}
	return client.InterruptTurn(ctx, turnID)
}

// ListModels pages through the agent's model catalogue.
func (s *Supervisor) ListModels(ctx context.Context, cursor string, limit int) (*ModelList, error) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return nil, ErrNotRunning
	}
	return client.ListModels(ctx, cursor, limit)
}

// SetDefaultModel updates the agent's default model.
func (s *Supervisor) SetDefaultModel(ctx context.Context, model, reasoningEffort string) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return ErrNotRunning
	}
	return client.SetDefaultModel(ctx, model, reasoningEffort)
}

// StartAccountLogin initiates a provider account login flow.
func (s *Supervisor) StartAccountLogin(ctx context.Context, params map[string]any) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return ErrNotRunning
	}
	return client.StartAccountLogin(ctx, params)
}

// RequestRestart schedules a restart for the next moment the turn set is
// empty; when already idle the restart happens immediately.
func (s *Supervisor) RequestRestart() {
	s.mu.Lock()
	idle := len(s.active) == 0 && s.client != nil
	if !idle {
		s.restartPending = true
	}
	s.mu.Unlock()
	if idle {
		go s.restart()
	}
}

// Stop terminates the child. Idempotent.
func (s *Supervisor) Stop(ctx context.Context, opts StopOptions) error {
	return s.stopChild(ctx, opts, ExitReasonRequested)
}

func (s *Supervisor) stopChild(ctx context.Context, opts StopOptions, reason string) error {
	s.mu.Lock()
	client := s.client
	if client == nil {
		s.mu.Unlock()
		return nil
	}
	s.status = StatusStopping
	s.stopReason = reason
	cancel := s.pumpCancel
	s.mu.Unlock()

	if opts.Timeout <= 0 {
		opts.Timeout = defaultStopTimeout
	}
	err := client.Stop(ctx, opts)

	s.mu.Lock()
	s.client = nil
	s.active = make(map[string]struct{})
	s.status = StatusStopped
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return err
}

// RunIdleGC stops the child with reason gc_idle once it has been idle past
// the threshold; the next turn respawns lazily. No-op when disabled.
func (s *Supervisor) RunIdleGC(ctx context.Context) {
	if s.idleGC <= 0 {
		return
	}
	ticker := time.NewTicker(s.idleGC / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			expired := s.client != nil && s.status == StatusIdle &&
				time.Since(s.idleSince) >= s.idleGC
			s.mu.Unlock()
			if expired {
				stopCtx, cancel := context.WithTimeout(ctx, defaultStopTimeout*2)
				_ = s.stopChild(stopCtx, StopOptions{Timeout: defaultStopTimeout}, ExitReasonGCIdle)
				cancel()
			}
		}
	}
}

func (s *Supervisor) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}
