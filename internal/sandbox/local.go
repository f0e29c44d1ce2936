package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/common/logger"
)

// LocalExecutor spawns commands directly with the parent process identity.
// Used in mono-user deployments; the sandbox policy argument is accepted and
// ignored where not applicable so call sites stay identical.
type LocalExecutor struct {
	logger *logger.Logger
}

// NewLocalExecutor creates a direct executor.
func NewLocalExecutor(log *logger.Logger) *LocalExecutor {
	if log == nil {
		log = logger.Default()
	}
	return &LocalExecutor{logger: log.WithFields(zap.String("component", "local-executor"))}
}

func (e *LocalExecutor) command(ctx context.Context, argv []string, opts Options) *exec.Cmd {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = opts.Cwd
	cmd.Env = append(os.Environ(), filterEnv(opts.Env)...)
	return cmd
}

// Run executes argv to completion.
func (e *LocalExecutor) Run(ctx context.Context, workspaceID string, argv []string, opts Options) (*Result, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("sandbox: empty argv")
	}

	cmd := e.command(ctx, argv, opts)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	switch {
	case opts.InputStream != nil:
		cmd.Stdin = opts.InputStream
	case opts.Input != nil:
		cmd.Stdin = bytes.NewReader(opts.Input)
	}

	err := cmd.Run()
	exit := exitCode(cmd, err)
	if err != nil && exit < 0 {
		return nil, &ExecError{
			WorkspaceID: workspaceID,
			Cwd:         opts.Cwd,
			Command:     argv[0],
			Args:        argv[1:],
			Stderr:      stderr.String(),
			Err:         err,
		}
	}
	return &Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), Exit: exit}, nil
}

// Stream spawns argv and returns live pipes.
func (e *LocalExecutor) Stream(ctx context.Context, workspaceID string, argv []string, opts Options) (*Process, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("sandbox: empty argv")
	}
	cmd := e.command(ctx, argv, opts)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return startProcess(cmd, workspaceID, opts, argv)
}
