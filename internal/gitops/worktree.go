package gitops

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/vibe80/vibe80/internal/models"
	"github.com/vibe80/vibe80/internal/sandbox"
)

// CreateWorktreeOptions controls worktree creation.
type CreateWorktreeOptions struct {
	// StartingBranch, when set, is resolved against origin/<branch>; when that
	// branch also exists remotely it becomes the worktree branch itself.
	StartingBranch string
	// Title feeds the generated branch name slug.
	Title string
	// ParentPath is the parent worktree's checkout, consulted for the starting
	// ref when no explicit branch is given.
	ParentPath string
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// branchSlug turns a free-form title into a short branch-safe slug.
func branchSlug(title string) string {
	s := slugPattern.ReplaceAllString(strings.ToLower(title), "-")
	s = strings.Trim(s, "-")
	if len(s) > 24 {
		s = strings.Trim(s[:24], "-")
	}
	if s == "" {
		s = "work"
	}
	return s
}

// BranchName generates the local branch for a worktree.
func BranchName(worktreeID, title string) string {
	id := worktreeID
	if len(id) > 6 {
		id = id[:6]
	}
	return fmt.Sprintf("wt-%s-%s", id, branchSlug(title))
}

// CreateWorktree adds a linked worktree at wt.Path with its own branch and
// upstream wiring, and fills wt.BranchName.
func (r *Repo) CreateWorktree(ctx context.Context, wt *models.Worktree, opts CreateWorktreeOptions) error {
	unlock := r.Lock()
	defer unlock()

	startRef, err := r.resolveStartRef(ctx, opts)
	if err != nil {
		return err
	}

	branch := BranchName(wt.ID, opts.Title)
	if opts.StartingBranch != "" {
		if exists, err := r.remoteBranchExists(ctx, opts.StartingBranch); err == nil && exists {
			branch = opts.StartingBranch
		}
	}
	wt.BranchName = branch

	if _, err := r.git(ctx, gitCall{}, "branch", "--force", branch, startRef); err != nil {
		return fmt.Errorf("gitops: create branch %s: %w", branch, err)
	}
	// Wire the upstream so `git push` works without -u.
	if _, err := r.git(ctx, gitCall{}, "config", "branch."+branch+".remote", "origin"); err != nil {
		return err
	}
	if _, err := r.git(ctx, gitCall{}, "config", "branch."+branch+".merge", "refs/heads/"+branch); err != nil {
		return err
	}

	if _, err := r.git(ctx, gitCall{}, "worktree", "add", wt.Path, branch); err != nil {
		return fmt.Errorf("gitops: worktree add %s: %w", wt.ID, err)
	}
	return nil
}

// resolveStartRef picks the ref a new worktree branches from: explicit
// origin/<branch> when given, else the parent worktree's HEAD, else the
// session clone's HEAD.
func (r *Repo) resolveStartRef(ctx context.Context, opts CreateWorktreeOptions) (string, error) {
	if opts.StartingBranch != "" {
		if _, err := r.netGit(ctx, "fetch", "origin", opts.StartingBranch); err != nil {
			r.o.log.Warn("fetch of starting branch failed, falling back to local refs")
		}
		ref := "origin/" + opts.StartingBranch
		if _, err := r.git(ctx, gitCall{}, "rev-parse", "--verify", "--quiet", ref); err == nil {
			return ref, nil
		}
		if _, err := r.git(ctx, gitCall{}, "rev-parse", "--verify", "--quiet", opts.StartingBranch); err == nil {
			return opts.StartingBranch, nil
		}
	}
	if opts.ParentPath != "" {
		if head, err := r.git(ctx, gitCall{dir: opts.ParentPath}, "rev-parse", "HEAD"); err == nil && head != "" {
			return head, nil
		}
	}
	head, err := r.git(ctx, gitCall{}, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("gitops: resolve session HEAD: %w", err)
	}
	return head, nil
}

func (r *Repo) remoteBranchExists(ctx context.Context, branch string) (bool, error) {
	out, err := r.netGit(ctx, "ls-remote", "--heads", "origin", branch)
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// RemoveWorktree detaches the worktree checkout and deletes its branch. The
// branch delete is best-effort: a branch with unmerged work is left behind.
func (r *Repo) RemoveWorktree(ctx context.Context, wt *models.Worktree) error {
	unlock := r.Lock()
	defer unlock()

	if _, err := r.git(ctx, gitCall{}, "worktree", "remove", "--force", wt.Path); err != nil {
		return fmt.Errorf("gitops: worktree remove %s: %w", wt.ID, err)
	}
	if _, err := r.git(ctx, gitCall{}, "worktree", "prune"); err != nil {
		return err
	}
	if wt.BranchName != "" {
		if _, err := r.git(ctx, gitCall{}, "branch", "-d", wt.BranchName); err != nil {
			r.o.log.Debug("branch left behind after worktree removal")
		}
	}
	return nil
}

// Push publishes the worktree branch; the upstream is already wired.
func (r *Repo) Push(ctx context.Context, wt *models.Worktree) error {
	if _, err := r.git(ctx, gitCall{dir: wt.Path, netMode: sandbox.NetModeGit, allowCreds: true}, "push"); err != nil {
		return fmt.Errorf("gitops: push %s: %w", wt.BranchName, err)
	}
	return nil
}
