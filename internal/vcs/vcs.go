// Package vcs is the version-control capability used by the change guard.
// Repository discovery and HEAD resolution go through go-git; mutations
// shell out to the git CLI with the working directory pinned to the root.
package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

var (
	// ErrNotRepository is returned when no repository contains the path
	ErrNotRepository = errors.New("not a git repository")
	// ErrNoCommits is returned when HEAD does not point at a commit yet
	ErrNoCommits = errors.New("repository has no commits")
	// ErrCommittedUnresolved is returned by Commit when the commit was made
	// but its hash could not be read back
	ErrCommittedUnresolved = errors.New("commit created but HEAD unresolved")
)

// VersionControl is the set of primitives the change guard is built on.
// Every scoped method takes a pathspec relative to Root.
type VersionControl interface {
	Root() string
	Head(ctx context.Context) (string, error)
	Status(ctx context.Context, scope string) ([]string, error)
	StageAll(ctx context.Context, scope string) error
	Unstage(ctx context.Context, scope string) error
	StagedDiff(ctx context.Context, scope string) (string, error)
	Commit(ctx context.Context, message, scope string) (string, error)
	ResetSoft(ctx context.Context, commit string) error
	RestoreTracked(ctx context.Context, commit, scope string) error
	Clean(ctx context.Context, scope string) error
}

// Git implements VersionControl for a working-tree repository
type Git struct {
	repo        *git.Repository
	root        string
	authorName  string
	authorEmail string
}

// Option configures Git
type Option func(*Git)

// WithIdentity sets the commit identity. Empty values leave git's own
// configuration in charge.
func WithIdentity(name, email string) Option {
	return func(g *Git) {
		g.authorName = name
		g.authorEmail = email
	}
}

// Open finds the repository that contains path, searching parent
// directories like git itself does
func Open(path string, opts ...Option) (*Git, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotRepository)
		}
		return nil, fmt.Errorf("opening repository at %s: %w", path, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	g := &Git{repo: repo, root: wt.Filesystem.Root()}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Root returns the top-level directory of the working tree
func (g *Git) Root() string {
	return g.root
}

// Scope converts an absolute path inside the working tree into a pathspec
func (g *Git) Scope(path string) (string, error) {
	root, err := filepath.EvalSymlinks(g.root)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside the repository at %s", path, g.root)
	}
	return filepath.ToSlash(rel), nil
}

// Head returns the commit hash HEAD points at
func (g *Git) Head(_ context.Context) (string, error) {
	ref, err := g.repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return "", ErrNoCommits
		}
		return "", fmt.Errorf("resolving HEAD: %w", err)
	}
	return ref.Hash().String(), nil
}

// Status returns porcelain status lines for scope, untracked files included
func (g *Git) Status(ctx context.Context, scope string) ([]string, error) {
	out, err := g.run(ctx, "status", "--porcelain=v1", "--untracked-files=all", "--", scope)
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

// StageAll stages additions, modifications and deletions in scope
func (g *Git) StageAll(ctx context.Context, scope string) error {
	_, err := g.run(ctx, "add", "--all", "--", scope)
	return err
}

// Unstage resets the index for scope to HEAD
func (g *Git) Unstage(ctx context.Context, scope string) error {
	_, err := g.run(ctx, "reset", "--quiet", "--", scope)
	return err
}

// StagedDiff returns the unified diff of the index against HEAD for scope
func (g *Git) StagedDiff(ctx context.Context, scope string) (string, error) {
	return g.run(ctx, "diff", "--cached", "--no-color", "--no-ext-diff", "--no-renames", "--", scope)
}

// Commit records the staged content of scope and returns the new commit hash.
// Staged paths outside scope are left alone.
func (g *Git) Commit(ctx context.Context, message, scope string) (string, error) {
	if _, err := g.run(ctx, "commit", "--quiet", "--no-verify", "-m", message, "--", scope); err != nil {
		return "", err
	}
	// the commit exists now; ask the same git that made it
	out, err := g.run(ctx, "rev-parse", "--verify", "HEAD")
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrCommittedUnresolved, err)
	}
	return strings.TrimSpace(out), nil
}

// ResetSoft moves HEAD back to commit, keeping index and working tree
func (g *Git) ResetSoft(ctx context.Context, commit string) error {
	_, err := g.run(ctx, "reset", "--soft", "--quiet", commit)
	return err
}

// RestoreTracked makes the index and working tree of scope match commit.
// Files in scope that commit does not track are left for Clean.
func (g *Git) RestoreTracked(ctx context.Context, commit, scope string) error {
	tracked, err := g.run(ctx, "ls-tree", "-r", "--name-only", commit, "--", scope)
	if err != nil {
		return err
	}
	if strings.TrimSpace(tracked) == "" {
		return nil
	}
	if _, err := g.run(ctx, "reset", "--quiet", commit, "--", scope); err != nil {
		return err
	}
	_, err = g.run(ctx, "checkout", "--force", commit, "--", scope)
	return err
}

// Clean removes untracked files and directories in scope. Ignored files stay.
func (g *Git) Clean(ctx context.Context, scope string) error {
	_, err := g.run(ctx, "clean", "--force", "-d", "--quiet", "--", scope)
	return err
}

func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	var full []string
	if g.authorName != "" {
		full = append(full, "-c", "user.name="+g.authorName)
	}
	if g.authorEmail != "" {
		full = append(full, "-c", "user.email="+g.authorEmail)
	}
	full = append(full, args...)

	cmd := exec.CommandContext(ctx, "git", full...)
	cmd.Dir = g.root
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %s: %w", args[0], strings.TrimSpace(stderr.String()), err)
	}
	return stdout.String(), nil
}
