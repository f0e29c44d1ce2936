// Package gc evicts sessions that outlive their idle or absolute TTL. The
// other two sweepers of the system live with the state they clean: auth owns
// the handoff/mono token sweep and each provider supervisor owns its idle
// child GC.
package gc

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/common/config"
	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/models"
	"github.com/vibe80/vibe80/internal/session"
	"github.com/vibe80/vibe80/internal/storage"
)

// Sweeper periodically scans every session and evicts the expired ones.
type Sweeper struct {
	cfg      config.SessionConfig
	store    storage.Store
	sessions *session.Manager
	log      *logger.Logger

	now func() time.Time
}

// NewSweeper builds a session sweeper.
func NewSweeper(cfg config.SessionConfig, store storage.Store, sessions *session.Manager, log *logger.Logger) *Sweeper {
	if log == nil {
		log = logger.Default()
	}
	return &Sweeper{
		cfg:      cfg,
		store:    store,
		sessions: sessions,
		log:      log.WithFields(zap.String("component", "session-gc")),
		now:      time.Now,
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.cfg.GCIntervalDuration()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce evicts every expired session and returns how many were evicted.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	workspaces, err := s.store.ListWorkspaces(ctx)
	if err != nil {
		s.log.Error("workspace scan failed", zap.Error(err))
		return 0
	}

	evicted := 0
	for _, ws := range workspaces {
		sessions, err := s.store.ListSessions(ctx, ws.ID)
		if err != nil {
			s.log.Error("session scan failed", zap.String("workspace_id", ws.ID), zap.Error(err))
			continue
		}
		for _, sess := range sessions {
			reason, expired := s.expired(sess)
			if !expired {
				continue
			}
			if err := s.sessions.Evict(ctx, sess.ID, reason); err != nil {
				s.log.Error("eviction failed",
					zap.String("session_id", sess.ID), zap.Error(err))
				continue
			}
			evicted++
		}
	}
	if evicted > 0 {
		s.log.Info("session sweep done", zap.Int("evicted", evicted))
	}
	return evicted
}

func (s *Sweeper) expired(sess *models.Session) (string, bool) {
	now := s.now()
	if maxTTL := s.cfg.MaxTTLDuration(); maxTTL > 0 && now.Sub(sess.CreatedAt) > maxTTL {
		return "max_ttl", true
	}
	if idleTTL := s.cfg.IdleTTLDuration(); idleTTL > 0 && now.Sub(sess.LastActivityAt) > idleTTL {
		return "idle_ttl", true
	}
	return "", false
}
