package guard

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hochfrequenz/daily-evolve/internal/domain"
	"github.com/hochfrequenz/daily-evolve/internal/vcs"
)

func gitCmd(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %s", args, out)
	}
	return strings.TrimSpace(string(out))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

// setupGitRepo creates a repository with a tracked src/ scope, an ignored
// file inside it and a tracked file outside it
func setupGitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	gitCmd(t, dir, "init", "--quiet")
	gitCmd(t, dir, "config", "user.email", "test@test.com")
	gitCmd(t, dir, "config", "user.name", "Test")
	gitCmd(t, dir, "config", "commit.gpgsign", "false")

	writeFile(t, filepath.Join(dir, ".gitignore"), "*.pyc\n")
	writeFile(t, filepath.Join(dir, "README.md"), "# Test\n")
	writeFile(t, filepath.Join(dir, "src", "main.py"), "def f():\n    return 1\n")
	writeFile(t, filepath.Join(dir, "src", "tests", "test_main.py"), "def test_f():\n    assert True\n")
	gitCmd(t, dir, "add", ".")
	gitCmd(t, dir, "commit", "--quiet", "-m", "Initial commit")

	writeFile(t, filepath.Join(dir, "src", "cache.pyc"), "ignored")
	return dir
}

func newGuard(t *testing.T, dir string, opts ...Option) *Guard {
	t.Helper()
	g, err := vcs.Open(dir)
	require.NoError(t, err)
	return New(g, "src", zaptest.NewLogger(t), opts...)
}

// treeState maps every file outside .git to its content
func treeState(t *testing.T, dir string) map[string]string {
	t.Helper()
	state := map[string]string{}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			rel, _ := filepath.Rel(dir, path)
			state[rel+"/"] = ""
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, path)
		state[rel] = string(data)
		return nil
	})
	require.NoError(t, err)
	return state
}

// simulateAgent makes every kind of change an agent can make in scope
func simulateAgent(t *testing.T, dir string) {
	t.Helper()
	writeFile(t, filepath.Join(dir, "src", "main.py"), "def f():\n    return 2\n")
	require.NoError(t, os.Remove(filepath.Join(dir, "src", "tests", "test_main.py")))
	writeFile(t, filepath.Join(dir, "src", "helpers", "util.py"), "x = 1\n")
	writeFile(t, filepath.Join(dir, "src", "new.py"), "y = 2\n")
	gitCmd(t, dir, "add", "src/new.py")
}

func TestRevertToSnapshot_RestoresTree(t *testing.T) {
	dir := setupGitRepo(t)
	ctx := context.Background()
	g := newGuard(t, dir)

	before := treeState(t, dir)
	snap, err := g.Snapshot(ctx)
	require.NoError(t, err)

	simulateAgent(t, dir)
	// pipeline output outside the scope must survive a revert
	writeFile(t, filepath.Join(dir, "evolution", "history.md"), "# History\n")

	require.NoError(t, g.RevertToSnapshot(ctx, snap))

	after := treeState(t, dir)
	assert.Equal(t, "# History\n", after[filepath.Join("evolution", "history.md")])
	delete(after, filepath.Join("evolution", "history.md"))
	delete(after, "evolution/")
	assert.Equal(t, before, after)
	assert.Equal(t, "ignored", after[filepath.Join("src", "cache.pyc")])

	dirty, err := g.HasPendingChanges(ctx)
	require.NoError(t, err)
	assert.False(t, dirty)
}

func TestRevertToSnapshot_Idempotent(t *testing.T) {
	dir := setupGitRepo(t)
	ctx := context.Background()
	g := newGuard(t, dir)

	snap, err := g.Snapshot(ctx)
	require.NoError(t, err)
	simulateAgent(t, dir)

	require.NoError(t, g.RevertToSnapshot(ctx, snap))
	first := treeState(t, dir)
	head := gitCmd(t, dir, "rev-parse", "HEAD")

	require.NoError(t, g.RevertToSnapshot(ctx, snap))
	assert.Equal(t, first, treeState(t, dir))
	assert.Equal(t, head, gitCmd(t, dir, "rev-parse", "HEAD"))
}

func TestRevertToSnapshot_HeadMoved(t *testing.T) {
	dir := setupGitRepo(t)
	ctx := context.Background()
	g := newGuard(t, dir)

	before := treeState(t, dir)
	snap, err := g.Snapshot(ctx)
	require.NoError(t, err)

	// an agent that commits on its own
	writeFile(t, filepath.Join(dir, "src", "main.py"), "broken\n")
	gitCmd(t, dir, "commit", "--quiet", "-am", "agent commit")
	require.NotEqual(t, snap.Commit, gitCmd(t, dir, "rev-parse", "HEAD"))

	require.NoError(t, g.RevertToSnapshot(ctx, snap))

	assert.Equal(t, snap.Commit, gitCmd(t, dir, "rev-parse", "HEAD"))
	assert.Equal(t, before, treeState(t, dir))
}

func TestCommitAll_NoOp(t *testing.T) {
	dir := setupGitRepo(t)
	g := newGuard(t, dir)
	head := gitCmd(t, dir, "rev-parse", "HEAD")

	res, err := g.CommitAll(context.Background(), "feat: nothing")
	require.NoError(t, err)
	assert.True(t, res.NoOp)
	assert.Empty(t, res.CommitID)
	assert.Equal(t, head, gitCmd(t, dir, "rev-parse", "HEAD"))
}

func TestCommitAll_CommitsScope(t *testing.T) {
	dir := setupGitRepo(t)
	g := newGuard(t, dir)

	writeFile(t, filepath.Join(dir, "src", "main.py"), "def f():\n    return 2\n\ndef g():\n    return 3\n")
	writeFile(t, filepath.Join(dir, "src", "extra.py"), "z = 0\n")
	writeFile(t, filepath.Join(dir, "outside.txt"), "not mine\n")

	res, err := g.CommitAll(context.Background(), "feat(daily): extra")
	require.NoError(t, err)
	require.False(t, res.NoOp)

	assert.Equal(t, gitCmd(t, dir, "rev-parse", "HEAD"), res.CommitID)
	assert.Equal(t, "feat(daily): extra", gitCmd(t, dir, "log", "-1", "--format=%s"))

	byPath := map[string][2]int{}
	for _, f := range res.Files {
		byPath[f.Path] = [2]int{f.Added, f.Removed}
	}
	assert.Equal(t, map[string][2]int{
		"src/main.py":  {4, 1},
		"src/extra.py": {1, 0},
	}, byPath)

	// the file outside the scope stays untracked
	assert.Equal(t, "?? outside.txt", gitCmd(t, dir, "status", "--porcelain"))
}

func TestEnsureClean(t *testing.T) {
	dir := setupGitRepo(t)
	g := newGuard(t, dir)
	require.NoError(t, g.EnsureClean(context.Background()))

	writeFile(t, filepath.Join(dir, "src", "main.py"), "dirty\n")
	err := g.EnsureClean(context.Background())
	assert.ErrorIs(t, err, ErrDirtyWorkingTree)
}

func TestSnapshot_NoCommits(t *testing.T) {
	dir := t.TempDir()
	gitCmd(t, dir, "init", "--quiet")
	g := newGuard(t, dir)

	_, err := g.Snapshot(context.Background())
	assert.ErrorIs(t, err, vcs.ErrNoCommits)
}

// flakyVC fails Commit a fixed number of times
type flakyVC struct {
	failures  int
	commitErr error
	commits   int
	stages    int
	unstages  int
	stagedNow bool
}

func (f *flakyVC) Root() string                                     { return "/repo" }
func (f *flakyVC) Head(context.Context) (string, error)             { return "abc", nil }
func (f *flakyVC) Status(context.Context, string) ([]string, error) { return []string{" M src/a"}, nil }
func (f *flakyVC) StageAll(context.Context, string) error {
	f.stages++
	f.stagedNow = true
	return nil
}
func (f *flakyVC) Unstage(context.Context, string) error {
	f.unstages++
	f.stagedNow = false
	return nil
}
func (f *flakyVC) StagedDiff(context.Context, string) (string, error) {
	return "diff --git a/src/a b/src/a\nindex 1..2 100644\n--- a/src/a\n+++ b/src/a\n@@ -1 +1 @@\n-x\n+y\n", nil
}
func (f *flakyVC) Commit(context.Context, string, string) (string, error) {
	f.commits++
	if f.commitErr != nil {
		f.stagedNow = false
		return "", f.commitErr
	}
	if f.commits <= f.failures {
		return "", errors.New("index.lock exists")
	}
	f.stagedNow = false
	return "def", nil
}
func (f *flakyVC) ResetSoft(context.Context, string) error              { return nil }
func (f *flakyVC) RestoreTracked(context.Context, string, string) error { return nil }
func (f *flakyVC) Clean(context.Context, string) error                  { return nil }

func zeroBackOff() backoff.BackOff { return &backoff.ZeroBackOff{} }

func TestCommitAll_RetriesAsUnit(t *testing.T) {
	vc := &flakyVC{failures: 2}
	g := New(vc, "src", zaptest.NewLogger(t), WithBackOff(zeroBackOff))

	res, err := g.CommitAll(context.Background(), "msg")
	require.NoError(t, err)

	assert.Equal(t, "def", res.CommitID)
	require.Len(t, res.Files, 1)
	assert.Equal(t, "src/a", res.Files[0].Path)
	assert.Equal(t, 3, vc.commits)
	assert.Equal(t, 3, vc.stages, "every attempt stages again")
	assert.Equal(t, 2, vc.unstages, "every failed attempt unstages")
}

func TestCommitAll_GivesUp(t *testing.T) {
	vc := &flakyVC{failures: 10}
	g := New(vc, "src", zaptest.NewLogger(t), WithBackOff(zeroBackOff))

	_, err := g.CommitAll(context.Background(), "msg")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "index.lock")
	assert.Equal(t, 3, vc.commits)
	assert.False(t, vc.stagedNow, "no half-staged index after giving up")
}

func TestCommitAll_StatsFailureStillCommits(t *testing.T) {
	vc := &flakyVC{}
	g := New(vc, "src", zaptest.NewLogger(t), WithBackOff(zeroBackOff))
	g.stats = func(string) ([]domain.FileChange, error) {
		return nil, errors.New("parsing diff: malformed hunk header")
	}

	res, err := g.CommitAll(context.Background(), "msg")
	require.NoError(t, err)

	assert.False(t, res.NoOp)
	assert.Equal(t, "def", res.CommitID)
	assert.Empty(t, res.Files)
	assert.Equal(t, 1, vc.commits)
	assert.Equal(t, 0, vc.unstages)
}

func TestCommitAll_UnresolvedCommitIsNotRetried(t *testing.T) {
	vc := &flakyVC{commitErr: fmt.Errorf("%w: git rev-parse: exit status 128", vcs.ErrCommittedUnresolved)}
	g := New(vc, "src", zaptest.NewLogger(t), WithBackOff(zeroBackOff))

	res, err := g.CommitAll(context.Background(), "msg")
	require.Error(t, err)
	assert.ErrorIs(t, err, vcs.ErrCommittedUnresolved)
	assert.False(t, res.NoOp, "a made commit is never reported as a no-op")
	assert.Equal(t, 1, vc.commits)
	assert.Equal(t, 1, vc.stages)
}
