package gitops

import (
	"context"
	"fmt"
	"strings"

	"github.com/vibe80/vibe80/internal/models"
)

// MergeResult reports the outcome of a merge or cherry-pick.
type MergeResult struct {
	Merged    bool
	Conflicts []string
}

// MergeWorktree merges the worktree branch into the checkout at targetPath
// (usually the session main clone). On conflict the merge is left in place
// for inspection and the conflicted paths are returned.
func (r *Repo) MergeWorktree(ctx context.Context, targetPath string, wt *models.Worktree) (*MergeResult, error) {
	unlock := r.Lock()
	defer unlock()

	_, err := r.git(ctx, gitCall{dir: targetPath}, "merge", "--no-ff", "--no-edit", wt.BranchName)
	if err == nil {
		return &MergeResult{Merged: true}, nil
	}
	var gitErr *GitError
	if !asGitError(err, &gitErr) {
		return nil, err
	}

	conflicts, scanErr := r.conflictedPaths(ctx, targetPath)
	if scanErr != nil {
		return nil, scanErr
	}
	if len(conflicts) == 0 {
		return nil, fmt.Errorf("gitops: merge %s: %w", wt.BranchName, err)
	}
	return &MergeResult{Conflicts: conflicts}, nil
}

// CherryPick applies a single commit onto the checkout at targetPath.
func (r *Repo) CherryPick(ctx context.Context, targetPath, commit string) (*MergeResult, error) {
	unlock := r.Lock()
	defer unlock()

	_, err := r.git(ctx, gitCall{dir: targetPath}, "cherry-pick", commit)
	if err == nil {
		return &MergeResult{Merged: true}, nil
	}
	var gitErr *GitError
	if !asGitError(err, &gitErr) {
		return nil, err
	}

	conflicts, scanErr := r.conflictedPaths(ctx, targetPath)
	if scanErr != nil {
		return nil, scanErr
	}
	if len(conflicts) == 0 {
		return nil, fmt.Errorf("gitops: cherry-pick %s: %w", commit, err)
	}
	return &MergeResult{Conflicts: conflicts}, nil
}

// AbortMerge backs out of an in-progress merge or cherry-pick.
func (r *Repo) AbortMerge(ctx context.Context, targetPath string) error {
	if _, err := r.git(ctx, gitCall{dir: targetPath}, "merge", "--abort"); err == nil {
		return nil
	}
	if _, err := r.git(ctx, gitCall{dir: targetPath}, "cherry-pick", "--abort"); err != nil {
		return fmt.Errorf("gitops: abort merge: %w", err)
	}
	return nil
}

// conflictedPaths scans `git status --porcelain` for unmerged entries.
func (r *Repo) conflictedPaths(ctx context.Context, dir string) ([]string, error) {
	out, err := r.git(ctx, gitCall{dir: dir}, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parseConflicts(out), nil
}

// parseConflicts extracts paths whose porcelain XY code marks an unmerged
// state (UU both modified, AA both added, and the U* / *U combinations).
func parseConflicts(porcelain string) []string {
	var conflicts []string
	for _, line := range strings.Split(porcelain, "\n") {
		if len(line) < 4 {
			continue
		}
		x, y := line[0], line[1]
		unmerged := (x == 'U' || y == 'U') || (x == 'A' && y == 'A') || (x == 'D' && y == 'D')
		if unmerged {
			conflicts = append(conflicts, strings.TrimSpace(line[3:]))
		}
	}
	return conflicts
}

func asGitError(err error, target **GitError) bool {
	for err != nil {
		if ge, ok := err.(*GitError); ok {
			*target = ge
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
