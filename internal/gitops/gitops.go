// Package gitops drives git for session clones and worktrees. Every git
// invocation goes through the sandboxed executor as the owning workspace
// identity; network-touching commands run with git-only egress.
package gitops

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/models"
	"github.com/vibe80/vibe80/internal/sandbox"
)

const (
	defaultAuthorName  = "vibe80"
	defaultAuthorEmail = "vibe80@localhost"
)

// Credentials is optional repository access material supplied at session
// creation. Password-style credentials are materialized through
// `git credential approve`; an SSH key lands under the workspace ~/.ssh with
// a host-scoped config entry.
type Credentials struct {
	Username string
	Password string
	SSHKey   string
}

// GitError carries the failing subcommand and its stderr.
type GitError struct {
	Args   []string
	Exit   int
	Stderr string
}

func (e *GitError) Error() string {
	return fmt.Sprintf("git %s: exit %d: %s", strings.Join(e.Args, " "), e.Exit, e.Stderr)
}

// Orchestrator shells out to git via the executor. Mutations on one clone are
// serialized by a per-repo lock.
type Orchestrator struct {
	exec sandbox.Executor
	log  *logger.Logger

	mu        sync.Mutex
	repoLocks map[string]*sync.Mutex
}

// NewOrchestrator builds a git orchestrator on top of the executor.
func NewOrchestrator(exec sandbox.Executor, log *logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.Default()
	}
	return &Orchestrator{
		exec:      exec,
		log:       log.WithFields(zap.String("component", "gitops")),
		repoLocks: make(map[string]*sync.Mutex),
	}
}

func (o *Orchestrator) lockFor(repoDir string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.repoLocks[repoDir]
	if !ok {
		l = &sync.Mutex{}
		o.repoLocks[repoDir] = l
	}
	return l
}

// Repo binds the orchestrator to one session clone.
type Repo struct {
	o           *Orchestrator
	workspaceID string
	layout      models.SessionLayout
}

// Repo returns a handle for the session clone owned by workspaceID.
func (o *Orchestrator) Repo(workspaceID string, layout models.SessionLayout) *Repo {
	return &Repo{o: o, workspaceID: workspaceID, layout: layout}
}

// Lock serializes mutations on this clone and returns the unlock func.
func (r *Repo) Lock() func() {
	l := r.o.lockFor(r.layout.RepoDir)
	l.Lock()
	return l.Unlock
}

func (r *Repo) gitConfigPath() string {
	return filepath.Join(r.layout.GitDir, "gitconfig")
}

func (r *Repo) credentialsPath() string {
	return filepath.Join(r.layout.GitDir, "git-credentials")
}

// env is the whitelisted environment for every git call in this session.
func (r *Repo) env(allowCreds bool) map[string]string {
	env := map[string]string{
		"GIT_TERMINAL_PROMPT": "0",
		"TMPDIR":              r.layout.TmpDir,
	}
	if allowCreds {
		env["GIT_CONFIG_GLOBAL"] = r.gitConfigPath()
	}
	return env
}

type gitCall struct {
	dir        string
	netMode    string
	allowCreds bool
	input      []byte
}

// git runs one git subcommand and returns trimmed stdout. A non-zero exit is
// returned as *GitError.
func (r *Repo) git(ctx context.Context, call gitCall, args ...string) (string, error) {
	dir := call.dir
	if dir == "" {
		dir = r.layout.RepoDir
	}
	netMode := call.netMode
	if netMode == "" {
		netMode = sandbox.NetModeNone
	}

	res, err := r.o.exec.Run(ctx, r.workspaceID, append([]string{"git"}, args...), sandbox.Options{
		Cwd:   dir,
		Env:   r.env(call.allowCreds),
		Input: call.input,
		Sandbox: sandbox.Policy{
			RepoDir:        r.layout.RepoDir,
			TmpDir:         r.layout.TmpDir,
			AttachmentsDir: r.layout.AttachmentsDir,
			NetMode:        netMode,
			ExtraAllowRw:   []string{r.layout.SessionDir},
		},
	})
	if err != nil {
		return "", err
	}
	if res.Exit != 0 {
		return "", &GitError{Args: args, Exit: res.Exit, Stderr: strings.TrimSpace(string(res.Stderr))}
	}
	return strings.TrimSpace(string(res.Stdout)), nil
}

// netGit runs a network-touching git subcommand with ssh/dns/https egress and
// the session credential configuration active.
func (r *Repo) netGit(ctx context.Context, args ...string) (string, error) {
	return r.git(ctx, gitCall{netMode: sandbox.NetModeGit, allowCreds: true}, args...)
}

// Setup clones the repository and wires author identity and credentials. The
// session layout directories must already exist.
func (r *Repo) Setup(ctx context.Context, repoURL string, creds *Credentials) error {
	unlock := r.Lock()
	defer unlock()

	if err := r.writeGitConfig(ctx); err != nil {
		return err
	}
	if creds != nil {
		if creds.SSHKey != "" {
			if err := r.setupSSH(ctx, repoURL, creds); err != nil {
				return err
			}
		} else if creds.Password != "" {
			if err := r.approveHTTPCredentials(ctx, repoURL, creds); err != nil {
				return err
			}
		}
	}

	if _, err := r.git(ctx, gitCall{
		dir:        r.layout.SessionDir,
		netMode:    sandbox.NetModeGit,
		allowCreds: true,
	}, "clone", repoURL, r.layout.RepoDir); err != nil {
		return fmt.Errorf("gitops: clone %s: %w", repoURL, err)
	}
	return nil
}

// writeGitConfig materializes the session-scoped global git config carrying
// author identity and the credential store location.
func (r *Repo) writeGitConfig(ctx context.Context) error {
	content := fmt.Sprintf(
		"[user]\n\tname = %s\n\temail = %s\n[credential]\n\thelper = store --file=%s\n[init]\n\tdefaultBranch = main\n",
		defaultAuthorName, defaultAuthorEmail, r.credentialsPath())
	return r.writeSessionFile(ctx, r.gitConfigPath(), []byte(content))
}

// approveHTTPCredentials feeds the repo credentials to `git credential
// approve`, which persists them into the session git-credentials file via the
// configured store helper.
func (r *Repo) approveHTTPCredentials(ctx context.Context, repoURL string, creds *Credentials) error {
	u, err := url.Parse(repoURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("gitops: cannot derive host from repo url %q", repoURL)
	}
	username := creds.Username
	if username == "" {
		username = "git"
	}
	input := fmt.Sprintf("protocol=%s\nhost=%s\nusername=%s\npassword=%s\n\n",
		u.Scheme, u.Host, username, creds.Password)

	if _, err := r.git(ctx, gitCall{
		dir:        r.layout.SessionDir,
		allowCreds: true,
		input:      []byte(input),
	}, "credential", "approve"); err != nil {
		return fmt.Errorf("gitops: credential approve: %w", err)
	}
	return nil
}

// setupSSH installs the deploy key under the workspace ~/.ssh with a
// host-scoped config entry and a keyscan-seeded known_hosts.
func (r *Repo) setupSSH(ctx context.Context, repoURL string, creds *Credentials) error {
	host := sshHost(repoURL)
	if host == "" {
		return fmt.Errorf("gitops: cannot derive ssh host from repo url %q", repoURL)
	}

	keyPath := "$HOME/.ssh/" + host + "_vibe80"
	script := fmt.Sprintf(`umask 077 && mkdir -p "$HOME/.ssh" && cat > %[1]s &&
printf 'Host %[2]s\n  IdentityFile %[1]s\n  IdentitiesOnly yes\n' >> "$HOME/.ssh/config" &&
ssh-keyscan -H %[2]s >> "$HOME/.ssh/known_hosts" 2>/dev/null`, keyPath, host)

	res, err := r.o.exec.Run(ctx, r.workspaceID, []string{"sh", "-c", script}, sandbox.Options{
		Cwd:   r.layout.SessionDir,
		Input: []byte(creds.SSHKey),
		Env:   r.env(false),
		Sandbox: sandbox.Policy{
			NetMode:      sandbox.NetModeGit,
			ExtraAllowRw: []string{r.layout.SessionDir},
		},
	})
	if err != nil {
		return err
	}
	if res.Exit != 0 {
		return fmt.Errorf("gitops: install ssh key: exit %d: %s", res.Exit, res.Stderr)
	}
	return nil
}

// sshHost extracts the host from scp-like (git@host:path) or ssh:// urls.
func sshHost(repoURL string) string {
	if strings.HasPrefix(repoURL, "ssh://") {
		u, err := url.Parse(repoURL)
		if err != nil {
			return ""
		}
		return u.Hostname()
	}
	if at := strings.Index(repoURL, "@"); at >= 0 {
		rest := repoURL[at+1:]
		if colon := strings.Index(rest, ":"); colon > 0 {
			return rest[:colon]
		}
	}
	u, err := url.Parse(repoURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func (r *Repo) writeSessionFile(ctx context.Context, path string, content []byte) error {
	script := `umask 077 && mkdir -p -- "$(dirname -- "$0")" && cat > "$0"`
	res, err := r.o.exec.Run(ctx, r.workspaceID, []string{"sh", "-c", script, path}, sandbox.Options{
		Cwd:   r.layout.SessionDir,
		Input: content,
		Sandbox: sandbox.Policy{
			NetMode:      sandbox.NetModeNone,
			ExtraAllowRw: []string{r.layout.SessionDir},
		},
	})
	if err != nil {
		return err
	}
	if res.Exit != 0 {
		return fmt.Errorf("gitops: write %s: exit %d: %s", filepath.Base(path), res.Exit, res.Stderr)
	}
	return nil
}
