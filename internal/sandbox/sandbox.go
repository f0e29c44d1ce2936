// Package sandbox invokes external commands under a workspace OS identity
// inside a filesystem/network sandbox enforced by a privileged helper binary.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
)

// Network modes understood by the helper.
const (
	NetModeNone = "none"
	// NetModeGit allows ssh, dns and https egress only.
	NetModeGit  = "tcp:22,53,443"
	NetModeFull = "full"
)

// envWhitelist is the set of environment keys the executor forwards to
// sandboxed children. Everything else is dropped.
var envWhitelist = map[string]bool{
	"GIT_SSH_COMMAND":    true,
	"GIT_CONFIG_GLOBAL":  true,
	"GIT_TERMINAL_PROMPT": true,
	"TERM":               true,
	"TMPDIR":             true,
	"CLAUDE_CODE_TMPDIR": true,
}

// Policy is the sandbox intent supplied by the caller. The helper enforces
// it; the core never bypasses the helper in multi-user deployments.
type Policy struct {
	RepoDir        string
	TmpDir         string
	AttachmentsDir string

	InternetAccess bool
	// NetMode is one of NetModeNone, NetModeGit, NetModeFull. Empty resolves
	// from InternetAccess (full when true, none when false).
	NetMode string

	ExtraAllowRw      []string
	ExtraAllowRwFiles []string
}

// ResolvedNetMode returns the effective network mode.
func (p Policy) ResolvedNetMode() string {
	if p.NetMode != "" {
		return p.NetMode
	}
	if p.InternetAccess {
		return NetModeFull
	}
	return NetModeNone
}

// Options controls one invocation.
type Options struct {
	Cwd string

	// Env holds extra environment variables; only whitelisted keys are
	// forwarded.
	Env map[string]string

	// Input, when non-nil, is written to the child's stdin and stdin is then
	// closed. InputStream takes precedence when both are set.
	Input       []byte
	InputStream io.Reader

	// BinaryOutput disables the UTF-8 validity trim applied to stdout.
	BinaryOutput bool

	Sandbox Policy
}

// Result is the outcome of a completed Run.
type Result struct {
	Stdout []byte
	Stderr []byte
	Exit   int
}

// Process is a streaming child handle returned by Stream.
type Process struct {
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Stderr io.ReadCloser

	// Wait blocks until the child exits and returns its exit code.
	Wait func() (int, error)
	// Kill delivers the signal to the child process group.
	Kill func(sig os.Signal) error
	// PID of the spawned child (the helper in multi-user mode).
	PID int
}

// Executor runs commands for a workspace.
type Executor interface {
	// Run executes argv to completion and captures output.
	Run(ctx context.Context, workspaceID string, argv []string, opts Options) (*Result, error)
	// Stream spawns argv and returns live pipes.
	Stream(ctx context.Context, workspaceID string, argv []string, opts Options) (*Process, error)
}

// ExecError is raised when the helper (or child) cannot be spawned or exits
// through a spawn-level failure. It never carries secret material.
type ExecError struct {
	WorkspaceID string
	Cwd         string
	Command     string
	Args        []string
	Stderr      string
	Err         error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("sandbox exec failed (workspace=%s cwd=%s command=%s): %v: %s",
		e.WorkspaceID, e.Cwd, e.Command, e.Err, e.Stderr)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// filterEnv returns only whitelisted KEY=VALUE pairs, sorted by insertion
// order of opts.Env iteration being irrelevant to the helper.
func filterEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		if envWhitelist[k] {
			out = append(out, k+"="+v)
		}
	}
	return out
}
