package gitops

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Diff returns the unified diff of the working tree against HEAD, including
// content of untracked files via intent-to-add.
func (r *Repo) Diff(ctx context.Context, dir string) (string, error) {
	// Stage intent-to-add so untracked files appear in the diff, then reset.
	if _, err := r.git(ctx, gitCall{dir: dir}, "add", "--intent-to-add", "--all"); err != nil {
		return "", err
	}
	diff, err := r.git(ctx, gitCall{dir: dir}, "diff", "HEAD")
	if _, resetErr := r.git(ctx, gitCall{dir: dir}, "reset", "--quiet"); resetErr != nil && err == nil {
		err = resetErr
	}
	if err != nil {
		return "", fmt.Errorf("gitops: diff: %w", err)
	}
	return diff, nil
}

// WorktreeStatus summarizes one checkout.
type WorktreeStatus struct {
	Branch    string   `json:"branch"`
	Dirty     bool     `json:"dirty"`
	Ahead     int      `json:"ahead"`
	Behind    int      `json:"behind"`
	Conflicts []string `json:"conflicts,omitempty"`
}

// Status inspects the checkout at dir.
func (r *Repo) Status(ctx context.Context, dir string) (*WorktreeStatus, error) {
	out, err := r.git(ctx, gitCall{dir: dir}, "status", "--porcelain", "--branch")
	if err != nil {
		return nil, err
	}
	return parseStatus(out), nil
}

// parseStatus reads `git status --porcelain --branch` output. The first line
// is "## branch...upstream [ahead N, behind M]".
func parseStatus(out string) *WorktreeStatus {
	st := &WorktreeStatus{}
	lines := strings.Split(out, "\n")
	for i, line := range lines {
		if i == 0 && strings.HasPrefix(line, "## ") {
			head := strings.TrimPrefix(line, "## ")
			if idx := strings.Index(head, "..."); idx >= 0 {
				st.Branch = head[:idx]
			} else if idx := strings.Index(head, " "); idx >= 0 {
				st.Branch = head[:idx]
			} else {
				st.Branch = head
			}
			if idx := strings.Index(head, "["); idx >= 0 {
				for _, part := range strings.Split(strings.Trim(head[idx:], "[]"), ",") {
					part = strings.TrimSpace(part)
					if n, ok := strings.CutPrefix(part, "ahead "); ok {
						st.Ahead, _ = strconv.Atoi(n)
					}
					if n, ok := strings.CutPrefix(part, "behind "); ok {
						st.Behind, _ = strconv.Atoi(n)
					}
				}
			}
			continue
		}
		if strings.TrimSpace(line) != "" {
			st.Dirty = true
		}
	}
	st.Conflicts = parseConflicts(strings.Join(lines[1:], "\n"))
	return st
}

// Commit is one log entry.
type Commit struct {
	Hash    string    `json:"hash"`
	Author  string    `json:"author"`
	Date    time.Time `json:"date"`
	Subject string    `json:"subject"`
}

// Commits lists the most recent commits reachable from HEAD at dir.
func (r *Repo) Commits(ctx context.Context, dir string, limit int) ([]Commit, error) {
	if limit <= 0 {
		limit = 20
	}
	out, err := r.git(ctx, gitCall{dir: dir},
		"log", "--pretty=format:%H%x00%an%x00%aI%x00%s", "-n", strconv.Itoa(limit))
	if err != nil {
		return nil, err
	}
	return parseCommits(out), nil
}

func parseCommits(out string) []Commit {
	var commits []Commit
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Split(line, "\x00")
		if len(fields) != 4 {
			continue
		}
		date, _ := time.Parse(time.RFC3339, fields[2])
		commits = append(commits, Commit{
			Hash:    fields[0],
			Author:  fields[1],
			Date:    date,
			Subject: fields[3],
		})
	}
	return commits
}
