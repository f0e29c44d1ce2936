package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/common/config"
	"github.com/vibe80/vibe80/internal/common/ids"
	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/storage"
	"github.com/vibe80/vibe80/pkg/wire"
)

// TokenPair is one (access, refresh) issuance.
type TokenPair struct {
	AccessToken      string    `json:"accessToken"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshToken     string    `json:"refreshToken"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
}

// gracePair caches the winning rotation's pair so that a concurrent retry
// presenting the rotated-out hash receives the same tokens.
type gracePair struct {
	pair      TokenPair
	validUntil time.Time
}

// Manager implements the workspace authentication lifecycle.
type Manager struct {
	cfg   config.AuthConfig
	mono  bool
	store storage.Store
	key   []byte
	log   *logger.Logger

	graceMu    sync.Mutex
	gracePairs map[string]gracePair // presented (previous) hash -> winning pair

	handoffMu sync.Mutex
	handoff   map[string]*handoffToken

	monoMu sync.Mutex
	monoTokens map[string]*monoToken
}

type handoffToken struct {
	workspaceID string
	sessionID   string
	createdAt   time.Time
	expiresAt   time.Time
	usedAt      *time.Time
}

type monoToken struct {
	workspaceID string
	expiresAt   time.Time
	usedAt      *time.Time
}

// NewManager creates the auth manager. monoUser enables mono-auth tokens.
func NewManager(cfg config.AuthConfig, store storage.Store, key []byte, monoUser bool, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		cfg:        cfg,
		mono:       monoUser,
		store:      store,
		key:        key,
		log:        log.WithFields(zap.String("component", "auth-manager")),
		gracePairs: make(map[string]gracePair),
		handoff:    make(map[string]*handoffToken),
		monoTokens: make(map[string]*monoToken),
	}
}

// HashToken returns the SHA-256 hex digest stored in place of raw tokens.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Login verifies the workspace secret and issues a fresh token pair,
// replacing any existing refresh state for the workspace.
func (m *Manager) Login(ctx context.Context, workspaceID, secret string) (*TokenPair, error) {
	if !ids.IsWorkspaceID(workspaceID) {
		return nil, wire.NewCodedError(wire.ErrCodeWorkspaceIDInvalid, "malformed workspace id")
	}
	ws, err := m.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, wire.NewCodedError(wire.ErrCodeWorkspaceCredentialsInvalid, "unknown workspace or bad secret")
	}
	if subtle.ConstantTimeCompare([]byte(ws.Secret), []byte(secret)) != 1 {
		return nil, wire.NewCodedError(wire.ErrCodeWorkspaceCredentialsInvalid, "unknown workspace or bad secret")
	}

	pair, err := m.mintPair(workspaceID)
	if err != nil {
		return nil, err
	}
	if err := m.store.SaveWorkspaceRefreshToken(ctx, workspaceID,
		HashToken(pair.RefreshToken), pair.RefreshExpiresAt, nil); err != nil {
		return nil, err
	}
	return pair, nil
}

func (m *Manager) mintPair(workspaceID string) (*TokenPair, error) {
	access, accessExp, err := m.MintAccessToken(workspaceID)
	if err != nil {
		return nil, err
	}
	refresh := ids.NewToken()
	return &TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refresh,
		RefreshExpiresAt: time.Now().UTC().Add(m.cfg.RefreshTokenDuration()),
	}, nil
}

// Refresh rotates the presented refresh token. The rotated-out hash stays
// valid for the grace window and replays the winning pair exactly once per
// concurrent retry; presenting it past grace revokes all refresh state.
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	presentedHash := HashToken(refreshToken)

	next := ids.NewToken()
	nextExpiresAt := time.Now().UTC().Add(m.cfg.RefreshTokenDuration())

	res, err := m.store.RotateWorkspaceRefreshToken(ctx, presentedHash,
		HashToken(next), nextExpiresAt, m.cfg.RotationGraceDuration())
	if err != nil {
		return nil, err
	}

	switch res.Outcome {
	case storage.RotateOutcomeRotated:
		access, accessExp, err := m.MintAccessToken(res.WorkspaceID)
		if err != nil {
			return nil, err
		}
		pair := TokenPair{
			AccessToken:      access,
			AccessExpiresAt:  accessExp,
			RefreshToken:     next,
			RefreshExpiresAt: nextExpiresAt,
		}
		m.graceMu.Lock()
		m.gracePairs[presentedHash] = gracePair{
			pair:      pair,
			validUntil: time.Now().UTC().Add(m.cfg.RotationGraceDuration()),
		}
		m.graceMu.Unlock()
		return &pair, nil

	case storage.RotateOutcomeGrace:
		m.graceMu.Lock()
		cached, ok := m.gracePairs[presentedHash]
		m.graceMu.Unlock()
		if ok {
			p := cached.pair
			return &p, nil
		}
		// The winning pair was minted by a previous process (restart during
		// grace). Mint once, preserving the presented hash as previous.
		return m.remintDuringGrace(ctx, res.WorkspaceID, presentedHash)

	case storage.RotateOutcomeReuse:
		m.log.Warn("refresh token reuse detected, revoking workspace refresh state",
			zap.String("workspace_id", res.WorkspaceID))
		return nil, wire.NewCodedError(wire.ErrCodeRefreshTokenReused, "refresh token reuse detected")

	case storage.RotateOutcomeExpired:
		return nil, wire.NewCodedError(wire.ErrCodeRefreshTokenExpired, "refresh token expired")

	default:
		return nil, wire.NewCodedError(wire.ErrCodeInvalidRefreshToken, "unknown refresh token")
	}
}

func (m *Manager) remintDuringGrace(ctx context.Context, workspaceID, presentedHash string) (*TokenPair, error) {
	pair, err := m.mintPair(workspaceID)
	if err != nil {
		return nil, err
	}
	state, err := m.store.GetWorkspaceRefreshState(ctx, workspaceID)
	if err != nil {
		return nil, wire.NewCodedError(wire.ErrCodeInvalidRefreshToken, "unknown refresh token")
	}
	prev := &storage.PreviousToken{Hash: presentedHash}
	if state.PreviousValidUntil != nil {
		prev.ValidUntil = *state.PreviousValidUntil
	}
	if err := m.store.SaveWorkspaceRefreshToken(ctx, workspaceID,
		HashToken(pair.RefreshToken), pair.RefreshExpiresAt, prev); err != nil {
		return nil, err
	}
	m.graceMu.Lock()
	m.gracePairs[presentedHash] = gracePair{pair: *pair, validUntil: prev.ValidUntil}
	m.graceMu.Unlock()
	return pair, nil
}

// IssuePair mints a pair directly for a workspace (handoff consume path).
func (m *Manager) IssuePair(ctx context.Context, workspaceID string) (*TokenPair, error) {
	pair, err := m.mintPair(workspaceID)
	if err != nil {
		return nil, err
	}
	if err := m.store.SaveWorkspaceRefreshToken(ctx, workspaceID,
		HashToken(pair.RefreshToken), pair.RefreshExpiresAt, nil); err != nil {
		return nil, err
	}
	return pair, nil
}

// CreateHandoffToken mints a single-use short-TTL bearer bound to a session.
func (m *Manager) CreateHandoffToken(workspaceID, sessionID string) (string, time.Time) {
	token := ids.NewToken()
	now := time.Now().UTC()
	expiresAt := now.Add(m.cfg.HandoffTokenDuration())
	m.handoffMu.Lock()
	m.handoff[token] = &handoffToken{
		workspaceID: workspaceID,
		sessionID:   sessionID,
		createdAt:   now,
		expiresAt:   expiresAt,
	}
	m.handoffMu.Unlock()
	return token, expiresAt
}

// ConsumeHandoffToken exchanges a handoff token for its workspace/session
// binding. Single use.
func (m *Manager) ConsumeHandoffToken(token string) (workspaceID, sessionID string, err error) {
	m.handoffMu.Lock()
	defer m.handoffMu.Unlock()

	t, ok := m.handoff[token]
	if !ok {
		return "", "", wire.NewCodedError(wire.ErrCodeWorkspaceTokenInvalid, "unknown handoff token")
	}
	now := time.Now().UTC()
	if t.usedAt != nil {
		return "", "", wire.NewCodedError(wire.ErrCodeWorkspaceTokenInvalid, "handoff token already used")
	}
	if now.After(t.expiresAt) {
		return "", "", wire.NewCodedError(wire.ErrCodeWorkspaceTokenInvalid, "handoff token expired")
	}
	t.usedAt = &now
	return t.workspaceID, t.sessionID, nil
}

// CreateMonoAuthToken mints a one-shot login token. Mono-user mode only.
func (m *Manager) CreateMonoAuthToken(workspaceID string) (string, time.Time, error) {
	if !m.mono {
		return "", time.Time{}, wire.NewCodedError(wire.ErrCodeMonoAuthTokenInvalid, "mono-auth disabled")
	}
	token := ids.NewToken()
	expiresAt := time.Now().UTC().Add(m.cfg.MonoTokenDuration())
	m.monoMu.Lock()
	m.monoTokens[token] = &monoToken{workspaceID: workspaceID, expiresAt: expiresAt}
	m.monoMu.Unlock()
	return token, expiresAt, nil
}

// ConsumeMonoAuthToken exchanges a mono-auth token for a workspace id.
func (m *Manager) ConsumeMonoAuthToken(token string) (string, error) {
	m.monoMu.Lock()
	defer m.monoMu.Unlock()

	t, ok := m.monoTokens[token]
	if !ok {
		return "", wire.NewCodedError(wire.ErrCodeMonoAuthTokenInvalid, "unknown mono-auth token")
	}
	now := time.Now().UTC()
	if t.usedAt != nil {
		return "", wire.NewCodedError(wire.ErrCodeMonoAuthTokenUsed, "mono-auth token already used")
	}
	if now.After(t.expiresAt) {
		return "", wire.NewCodedError(wire.ErrCodeMonoAuthTokenExpired, "mono-auth token expired")
	}
	t.usedAt = &now
	return t.workspaceID, nil
}

// RevokeWorkspace drops all refresh state for a workspace.
func (m *Manager) RevokeWorkspace(ctx context.Context, workspaceID string) error {
	return m.store.DeleteWorkspaceRefreshState(ctx, workspaceID)
}

// Sweep drops used and expired in-memory tokens plus stale grace pairs.
// Run periodically (every ~30s).
func (m *Manager) Sweep() {
	now := time.Now().UTC()

	m.handoffMu.Lock()
	for token, t := range m.handoff {
		if t.usedAt != nil || now.After(t.expiresAt) {
			delete(m.handoff, token)
		}
	}
	m.handoffMu.Unlock()

	m.monoMu.Lock()
	for token, t := range m.monoTokens {
		if t.usedAt != nil || now.After(t.expiresAt) {
			delete(m.monoTokens, token)
		}
	}
	m.monoMu.Unlock()

	m.graceMu.Lock()
	for hash, gp := range m.gracePairs {
		if now.After(gp.validUntil) {
			delete(m.gracePairs, hash)
		}
	}
	m.graceMu.Unlock()
}

// RunSweeper runs Sweep on the given interval until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}
