// Package guard owns every mutation of version-control state during a run:
// it snapshots the target before the agent touches it, commits verified
// changes as one unit, and reverts everything else.
package guard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/hochfrequenz/daily-evolve/internal/domain"
	"github.com/hochfrequenz/daily-evolve/internal/vcs"
)

// ErrDirtyWorkingTree is returned when the scope has changes before a run
var ErrDirtyWorkingTree = errors.New("working tree has uncommitted changes")

const defaultCommitAttempts = 3

// Snapshot marks the repository state a run can be reverted to
type Snapshot struct {
	Commit  string
	Scope   string
	TakenAt time.Time
}

// CommitResult is the outcome of CommitAll. NoOp means nothing was staged
// and no commit was created.
type CommitResult struct {
	NoOp     bool
	CommitID string
	Files    []domain.FileChange
}

// Guard wraps a VersionControl restricted to one path scope
type Guard struct {
	vc       vcs.VersionControl
	scope    string
	logger   *zap.Logger
	attempts uint
	backoff  func() backoff.BackOff
	stats    func(unified string) ([]domain.FileChange, error)
}

// Option configures a Guard
type Option func(*Guard)

// WithCommitAttempts sets how often stage+commit is tried
func WithCommitAttempts(n uint) Option {
	return func(g *Guard) {
		if n > 0 {
			g.attempts = n
		}
	}
}

// WithBackOff replaces the retry schedule
func WithBackOff(f func() backoff.BackOff) Option {
	return func(g *Guard) { g.backoff = f }
}

// New creates a Guard for scope, a pathspec relative to the repository root
func New(vc vcs.VersionControl, scope string, logger *zap.Logger, opts ...Option) *Guard {
	if scope == "" {
		scope = "."
	}
	g := &Guard{
		vc:       vc,
		scope:    scope,
		logger:   logger.Named("guard").With(zap.String("scope", scope)),
		attempts: defaultCommitAttempts,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
		stats: vcs.DiffStats,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Scope returns the guarded pathspec
func (g *Guard) Scope() string {
	return g.scope
}

// Snapshot records the current HEAD
func (g *Guard) Snapshot(ctx context.Context) (Snapshot, error) {
	head, err := g.vc.Head(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: %w", err)
	}
	s := Snapshot{Commit: head, Scope: g.scope, TakenAt: time.Now()}
	g.logger.Debug("snapshot taken", zap.String("commit", head))
	return s, nil
}

// HasPendingChanges reports whether scope differs from HEAD, untracked
// files included
func (g *Guard) HasPendingChanges(ctx context.Context) (bool, error) {
	status, err := g.vc.Status(ctx, g.scope)
	if err != nil {
		return false, fmt.Errorf("status: %w", err)
	}
	return len(status) > 0, nil
}

// EnsureClean returns ErrDirtyWorkingTree if scope has pending changes
func (g *Guard) EnsureClean(ctx context.Context) error {
	status, err := g.vc.Status(ctx, g.scope)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	if len(status) > 0 {
		return fmt.Errorf("%w in %s: %s", ErrDirtyWorkingTree, g.scope, strings.Join(status, "; "))
	}
	return nil
}

// RevertToSnapshot puts HEAD, index and working tree of scope back to s.
// Calling it again is a no-op.
func (g *Guard) RevertToSnapshot(ctx context.Context, s Snapshot) error {
	head, err := g.vc.Head(ctx)
	if err != nil {
		return fmt.Errorf("revert: %w", err)
	}
	if head != s.Commit {
		g.logger.Warn("HEAD moved during run, resetting", zap.String("head", head), zap.String("snapshot", s.Commit))
		if err := g.vc.ResetSoft(ctx, s.Commit); err != nil {
			return fmt.Errorf("revert: %w", err)
		}
	}
	if err := g.vc.Unstage(ctx, g.scope); err != nil {
		return fmt.Errorf("revert: %w", err)
	}
	if err := g.vc.RestoreTracked(ctx, s.Commit, g.scope); err != nil {
		return fmt.Errorf("revert: %w", err)
	}
	if err := g.vc.Clean(ctx, g.scope); err != nil {
		return fmt.Errorf("revert: %w", err)
	}

	dirty, err := g.HasPendingChanges(ctx)
	if err != nil {
		return fmt.Errorf("revert: %w", err)
	}
	if dirty {
		return fmt.Errorf("revert: scope %s still has changes after restore", g.scope)
	}
	g.logger.Info("reverted to snapshot", zap.String("commit", s.Commit))
	return nil
}

// CommitAll stages everything in scope and commits it. Staging and
// committing are retried together; a failed attempt unstages before the
// next one so no half-staged index survives.
func (g *Guard) CommitAll(ctx context.Context, message string) (CommitResult, error) {
	attempt := 0
	op := func() (CommitResult, error) {
		attempt++
		res, err := g.commitOnce(ctx, message)
		if err == nil {
			return res, nil
		}
		if uerr := g.vc.Unstage(ctx, g.scope); uerr != nil {
			return CommitResult{}, backoff.Permanent(errors.Join(err, fmt.Errorf("unstage: %w", uerr)))
		}
		return CommitResult{}, err
	}

	res, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(g.backoff()),
		backoff.WithMaxTries(g.attempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			g.logger.Warn("commit attempt failed, retrying",
				zap.Int("attempt", attempt), zap.Duration("next", next), zap.Error(err))
		}),
	)
	if err != nil {
		return CommitResult{}, fmt.Errorf("commit after %d attempt(s): %w", attempt, err)
	}
	if res.NoOp {
		g.logger.Info("nothing to commit")
	} else {
		g.logger.Info("committed", zap.String("commit", res.CommitID), zap.Int("files", len(res.Files)))
	}
	return res, nil
}

func (g *Guard) commitOnce(ctx context.Context, message string) (CommitResult, error) {
	if err := g.vc.StageAll(ctx, g.scope); err != nil {
		return CommitResult{}, err
	}
	unified, err := g.vc.StagedDiff(ctx, g.scope)
	if err != nil {
		return CommitResult{}, err
	}
	if strings.TrimSpace(unified) == "" {
		return CommitResult{NoOp: true}, nil
	}
	files, err := g.stats(unified)
	if err != nil {
		g.logger.Warn("cannot compute changed files, committing without them", zap.Error(err))
		files = nil
	}
	id, err := g.vc.Commit(ctx, message, g.scope)
	if errors.Is(err, vcs.ErrCommittedUnresolved) {
		// staging again would find nothing and report a no-op
		return CommitResult{}, backoff.Permanent(err)
	}
	if err != nil {
		return CommitResult{}, err
	}
	return CommitResult{CommitID: id, Files: files}, nil
}
