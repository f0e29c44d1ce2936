// Package ids generates and validates the opaque identifiers used across vibe80.
package ids

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
)

var (
	workspaceIDRe = regexp.MustCompile(`^w[0-9a-f]{24}$`)
	sessionIDRe   = regexp.MustCompile(`^s[0-9a-f]{24}$`)
	worktreeIDRe  = regexp.MustCompile(`^(main|[0-9a-f]{16})$`)
)

// MainWorktreeID is the implicit worktree backed by the session clone.
const MainWorktreeID = "main"

func randomHex(n int) string {
	b := make([]byte, n)
	// crypto/rand.Read never fails on supported platforms
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// NewWorkspaceID returns a fresh workspace identifier (w + 24 hex).
func NewWorkspaceID() string {
	return "w" + randomHex(12)
}

// NewSessionID returns a fresh session identifier (s + 24 hex).
func NewSessionID() string {
	return "s" + randomHex(12)
}

// NewWorktreeID returns a fresh worktree identifier (16 hex).
func NewWorktreeID() string {
	return randomHex(8)
}

// NewSecret returns a 32-byte random secret encoded as 64 hex characters.
func NewSecret() string {
	return randomHex(32)
}

// NewToken returns a 32-byte random bearer token encoded as 64 hex characters.
func NewToken() string {
	return randomHex(32)
}

// IsWorkspaceID reports whether s is a well-formed workspace identifier.
func IsWorkspaceID(s string) bool {
	return workspaceIDRe.MatchString(s)
}

// IsSessionID reports whether s is a well-formed session identifier.
func IsSessionID(s string) bool {
	return sessionIDRe.MatchString(s)
}

// IsWorktreeID reports whether s is "main" or a well-formed worktree identifier.
func IsWorktreeID(s string) bool {
	return worktreeIDRe.MatchString(s)
}
