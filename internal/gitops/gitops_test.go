package gitops

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibe80/vibe80/internal/models"
	"github.com/vibe80/vibe80/internal/sandbox"
)

// scriptedExec answers commands by matching a space-joined argv prefix.
type scriptedExec struct {
	replies map[string]sandbox.Result
	calls   []string
}

func (s *scriptedExec) Run(_ context.Context, _ string, argv []string, _ sandbox.Options) (*sandbox.Result, error) {
	joined := strings.Join(argv, " ")
	s.calls = append(s.calls, joined)
	for prefix, res := range s.replies {
		if strings.HasPrefix(joined, prefix) {
			r := res
			return &r, nil
		}
	}
	return &sandbox.Result{}, nil
}

func (s *scriptedExec) Stream(context.Context, string, []string, sandbox.Options) (*sandbox.Process, error) {
	panic("not used")
}

func (s *scriptedExec) called(prefix string) bool {
	for _, c := range s.calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func testRepo(exec *scriptedExec) *Repo {
	o := NewOrchestrator(exec, nil)
	return o.Repo("w0123456789abcdef01234567", models.NewSessionLayout("/home/w/vibe80_workspace/sessions/s1"))
}

func TestBranchName(t *testing.T) {
	cases := []struct {
		id, title, want string
	}{
		{"deadbeef12345678", "Fix the login bug", "wt-deadbe-fix-the-login-bug"},
		{"abc123", "", "wt-abc123-work"},
		{"abc123def", "UPPER && symbols!!", "wt-abc123-upper-symbols"},
		{"abcdef00", strings.Repeat("long", 20), "wt-abcdef-longlonglonglonglonglon"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, BranchName(tc.id, tc.title))
	}
}

func TestCreateWorktreeFromRemoteBranch(t *testing.T) {
	exec := &scriptedExec{replies: map[string]sandbox.Result{
		"git ls-remote --heads origin feature": {Stdout: []byte("abc\trefs/heads/feature\n")},
		"git rev-parse --verify --quiet origin/feature": {Stdout: []byte("abc\n")},
	}}
	r := testRepo(exec)

	wt := &models.Worktree{ID: "deadbeef12345678", Path: "/tmp/wt"}
	err := r.CreateWorktree(context.Background(), wt, CreateWorktreeOptions{
		StartingBranch: "feature",
		Title:          "anything",
	})
	require.NoError(t, err)

	// Caller branch exists remotely, so it is used verbatim.
	assert.Equal(t, "feature", wt.BranchName)
	assert.True(t, exec.called("git branch --force feature origin/feature"))
	assert.True(t, exec.called("git config branch.feature.remote origin"))
	assert.True(t, exec.called("git config branch.feature.merge refs/heads/feature"))
	assert.True(t, exec.called("git worktree add /tmp/wt feature"))
}

func TestCreateWorktreeGeneratedBranchFromParentHead(t *testing.T) {
	exec := &scriptedExec{replies: map[string]sandbox.Result{
		"git rev-parse HEAD": {Stdout: []byte("f00dcafe\n")},
	}}
	r := testRepo(exec)

	wt := &models.Worktree{ID: "deadbeef12345678", Path: "/tmp/wt"}
	err := r.CreateWorktree(context.Background(), wt, CreateWorktreeOptions{
		Title:      "Refactor parser",
		ParentPath: "/parent",
	})
	require.NoError(t, err)

	assert.Equal(t, "wt-deadbe-refactor-parser", wt.BranchName)
	assert.True(t, exec.called("git branch --force wt-deadbe-refactor-parser f00dcafe"))
	// No network calls without an explicit starting branch.
	assert.False(t, exec.called("git fetch"))
	assert.False(t, exec.called("git ls-remote"))
}

func TestResolveStartRefFallsBackToSessionHead(t *testing.T) {
	exec := &scriptedExec{replies: map[string]sandbox.Result{
		"git rev-parse --verify --quiet": {Exit: 1},
		"git rev-parse HEAD":             {Stdout: []byte("beadfeed\n")},
	}}
	r := testRepo(exec)

	ref, err := r.resolveStartRef(context.Background(), CreateWorktreeOptions{StartingBranch: "gone"})
	require.NoError(t, err)
	assert.Equal(t, "beadfeed", ref)
}

func TestMergeWorktreeConflict(t *testing.T) {
	exec := &scriptedExec{replies: map[string]sandbox.Result{
		"git merge":  {Exit: 1, Stderr: []byte("CONFLICT (content)")},
		"git status": {Stdout: []byte("UU src/main.go\nAA docs/readme.md\n M other.go\n")},
	}}
	r := testRepo(exec)

	res, err := r.MergeWorktree(context.Background(), "/repo", &models.Worktree{BranchName: "wt-x"})
	require.NoError(t, err)
	assert.False(t, res.Merged)
	assert.Equal(t, []string{"src/main.go", "docs/readme.md"}, res.Conflicts)
}

func TestMergeWorktreeClean(t *testing.T) {
	exec := &scriptedExec{replies: map[string]sandbox.Result{}}
	r := testRepo(exec)

	res, err := r.MergeWorktree(context.Background(), "/repo", &models.Worktree{BranchName: "wt-x"})
	require.NoError(t, err)
	assert.True(t, res.Merged)
	assert.Empty(t, res.Conflicts)
}

func TestParseConflicts(t *testing.T) {
	out := "UU a.go\nAA b.go\nDU c.go\nUD d.go\nDD e.go\n M clean.go\n?? new.go\n"
	got := parseConflicts(out)
	assert.Equal(t, []string{"a.go", "b.go", "c.go", "d.go", "e.go"}, got)
	assert.Empty(t, parseConflicts(""))
}

func TestParseStatus(t *testing.T) {
	out := "## wt-abc-fix...origin/wt-abc-fix [ahead 2, behind 1]\n M main.go\nUU conflict.go\n"
	st := parseStatus(out)
	assert.Equal(t, "wt-abc-fix", st.Branch)
	assert.True(t, st.Dirty)
	assert.Equal(t, 2, st.Ahead)
	assert.Equal(t, 1, st.Behind)
	assert.Equal(t, []string{"conflict.go"}, st.Conflicts)

	clean := parseStatus("## main\n")
	assert.Equal(t, "main", clean.Branch)
	assert.False(t, clean.Dirty)
}

func TestParseCommits(t *testing.T) {
	out := "abc\x00Alice\x002026-01-02T03:04:05Z\x00fix parser\n" +
		"def\x00Bob\x002026-01-01T00:00:00Z\x00initial\n"
	commits := parseCommits(out)
	require.Len(t, commits, 2)
	assert.Equal(t, "abc", commits[0].Hash)
	assert.Equal(t, "Alice", commits[0].Author)
	assert.Equal(t, "fix parser", commits[0].Subject)
	assert.Equal(t, 2026, commits[0].Date.Year())
}

func TestSSHHost(t *testing.T) {
	assert.Equal(t, "github.com", sshHost("git@github.com:org/repo.git"))
	assert.Equal(t, "git.example.test", sshHost("ssh://git@git.example.test/org/repo.git"))
	assert.Equal(t, "example.test", sshHost("https://example.test/repo.git"))
}
