// Package auth implements workspace authentication: HS256 access tokens,
// rotating refresh tokens with reuse detection, and single-use handoff and
// mono-auth tokens.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/vibe80/vibe80/internal/common/config"
	"github.com/vibe80/vibe80/pkg/wire"
)

const (
	tokenIssuer   = "vibe80"
	tokenAudience = "vibe80-clients"
)

// LoadSigningKey resolves the HS256 signing key: JWT_KEY wins; otherwise the
// key file at JWT_KEY_PATH is read, or generated once with mode 0600.
func LoadSigningKey(cfg config.AuthConfig) ([]byte, error) {
	if cfg.JWTKey != "" {
		return []byte(cfg.JWTKey), nil
	}
	if cfg.JWTKeyPath == "" {
		return nil, fmt.Errorf("auth: neither jwt key nor key path configured")
	}

	if data, err := os.ReadFile(cfg.JWTKeyPath); err == nil && len(data) > 0 {
		return data, nil
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("auth: generate signing key: %w", err)
	}
	encoded := []byte(hex.EncodeToString(key))

	if err := os.MkdirAll(filepath.Dir(cfg.JWTKeyPath), 0o700); err != nil {
		return nil, fmt.Errorf("auth: create key directory: %w", err)
	}
	if err := os.WriteFile(cfg.JWTKeyPath, encoded, 0o600); err != nil {
		return nil, fmt.Errorf("auth: write signing key: %w", err)
	}
	return encoded, nil
}

// MintAccessToken issues an HS256 access token for the workspace.
func (m *Manager) MintAccessToken(workspaceID string) (string, time.Time, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(m.cfg.AccessTokenDuration())

	claims := jwt.RegisteredClaims{
		Subject:   workspaceID,
		Issuer:    tokenIssuer,
		Audience:  jwt.ClaimStrings{tokenAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		ID:        uuid.New().String(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign access token: %w", err)
	}
	return signed, expiresAt, nil
}

// VerifyAccessToken validates signature, issuer, audience and expiry, and
// returns the workspace id from the subject claim.
func (m *Manager) VerifyAccessToken(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (any, error) { return m.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithAudience(tokenAudience),
	)
	if err != nil {
		return "", wire.NewCodedError(wire.ErrCodeWorkspaceTokenInvalid, "invalid workspace token")
	}
	if claims.Subject == "" {
		return "", wire.NewCodedError(wire.ErrCodeWorkspaceTokenInvalid, "token missing subject")
	}
	return claims.Subject, nil
}
