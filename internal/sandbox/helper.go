package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/common/logger"
)

// HelperExecutor routes every invocation through the privileged helper
// binary, which drops to the workspace identity, applies the landlock
// filesystem policy, and restricts egress before exec'ing the command.
type HelperExecutor struct {
	helperPath string
	auditPath  string
	logger     *logger.Logger
}

// NewHelperExecutor creates an executor backed by the helper at helperPath.
// auditPath, when non-empty, receives one line per invocation.
func NewHelperExecutor(helperPath, auditPath string, log *logger.Logger) *HelperExecutor {
	if log == nil {
		log = logger.Default()
	}
	return &HelperExecutor{
		helperPath: helperPath,
		auditPath:  auditPath,
		logger:     log.WithFields(zap.String("component", "sandbox-executor")),
	}
}

// HelperArgv builds the helper command line for one invocation. Exposed for
// tests; the shape is part of the helper contract.
func HelperArgv(workspaceID string, argv []string, opts Options) []string {
	args := []string{
		"--workspace-id", workspaceID,
		"--cwd", opts.Cwd,
	}

	env := filterEnv(opts.Env)
	sort.Strings(env)
	for _, kv := range env {
		args = append(args, "--env", kv)
	}

	p := opts.Sandbox
	for _, dir := range []string{opts.Cwd, p.RepoDir, p.AttachmentsDir, p.TmpDir} {
		if dir != "" {
			args = append(args, "--rw", dir)
		}
	}
	for _, dir := range p.ExtraAllowRw {
		args = append(args, "--rw", dir)
	}
	for _, file := range p.ExtraAllowRwFiles {
		args = append(args, "--rw-file", file)
	}
	args = append(args, "--net", p.ResolvedNetMode())

	args = append(args, "--")
	args = append(args, argv...)
	return args
}

// Run executes argv through the helper and captures its output.
func (e *HelperExecutor) Run(ctx context.Context, workspaceID string, argv []string, opts Options) (*Result, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("sandbox: empty argv")
	}

	cmd := exec.CommandContext(ctx, e.helperPath, HelperArgv(workspaceID, argv, opts)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	switch {
	case opts.InputStream != nil:
		cmd.Stdin = opts.InputStream
	case opts.Input != nil:
		cmd.Stdin = bytes.NewReader(opts.Input)
	}

	e.audit(workspaceID, opts.Cwd, argv)

	err := cmd.Run()
	exit := exitCode(cmd, err)
	if err != nil && exit < 0 {
		// Spawn-level failure: the helper never ran. This is a fatal,
		// user-surfaced error.
		e.logger.Error("helper spawn failed",
			zap.String("workspace_id", workspaceID),
			zap.String("cwd", opts.Cwd),
			zap.Strings("command", argv),
			zap.Error(err))
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

// Stream spawns argv through the helper and returns live pipes.
func (e *HelperExecutor) Stream(ctx context.Context, workspaceID string, argv []string, opts Options) (*Process, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("sandbox: empty argv")
	}

	cmd := exec.CommandContext(ctx, e.helperPath, HelperArgv(workspaceID, argv, opts)...)
	// New process group so Kill reaches the whole child tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	e.audit(workspaceID, opts.Cwd, argv)

	return startProcess(cmd, workspaceID, opts, argv)
}

// audit appends one line per helper invocation. Arguments are recorded
// verbatim; credential material never travels through argv.
func (e *HelperExecutor) audit(workspaceID, cwd string, argv []string) {
	if e.auditPath == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(e.auditPath), 0o700); err != nil {
		e.logger.Warn("audit dir create failed", zap.Error(err))
		return
	}
	f, err := os.OpenFile(e.auditPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		e.logger.Warn("audit open failed", zap.Error(err))
		return
	}
	defer f.Close()
	line := fmt.Sprintf("%s workspace=%s cwd=%s argv=%q\n",
		time.Now().UTC().Format(time.RFC3339), workspaceID, cwd, argv)
	if _, err := f.WriteString(line); err != nil {
		e.logger.Warn("audit write failed", zap.Error(err))
	}
}

// exitCode extracts the child exit code; -1 when the process never ran.
func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

// startProcess wires pipes and starts cmd, shared by both executors.
func startProcess(cmd *exec.Cmd, workspaceID string, opts Options, argv []string) (*Process, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, &ExecError{
			WorkspaceID: workspaceID,
			Cwd:         opts.Cwd,
			Command:     argv[0],
			Args:        argv[1:],
			Err:         err,
		}
	}

	if opts.Input != nil {
		go func() {
			_, _ = stdin.Write(opts.Input)
			_ = stdin.Close()
		}()
	}

	pid := cmd.Process.Pid
	return &Process{
		Stdin:  stdin,
		Stdout: stdout,
		Stderr: stderr,
		PID:    pid,
		Wait: func() (int, error) {
			err := cmd.Wait()
			return exitCode(cmd, err), err
		},
		Kill: func(sig os.Signal) error {
			s, ok := sig.(syscall.Signal)
			if !ok {
				s = syscall.SIGKILL
			}
			// Negative pid targets the process group.
			if err := syscall.Kill(-pid, s); err != nil {
				return syscall.Kill(pid, s)
			}
			return nil
		},
	}, nil
}
