// Package runner executes external commands under a wall-clock limit and
// reduces every outcome to a classified domain.PhaseResult.
package runner

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"slices"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/daily-evolve/internal/domain"
	"github.com/hochfrequenz/daily-evolve/internal/logging"
)

const (
	DefaultMaxOutput = 4 << 20
	DefaultKillGrace = time.Second
	DefaultHeartbeat = 30 * time.Second
)

// Command describes one external invocation
type Command struct {
	Phase   domain.Phase
	Name    string
	Args    []string
	Dir     string
	Env     []string // appended to the current environment
	Stdin   io.Reader
	Timeout time.Duration

	// BudgetExitCodes are exit codes the tool uses to signal that its own
	// cost ceiling was hit.
	BudgetExitCodes []int

	// Sink receives output lines as they are produced, prefixed with the phase
	Sink io.Writer
}

// Runner executes commands. The zero value is not usable; call New.
type Runner struct {
	logger    *zap.Logger
	maxOutput int
	killGrace time.Duration
	heartbeat time.Duration
}

// Option configures a Runner
type Option func(*Runner)

// WithMaxOutput caps the captured output kept in memory
func WithMaxOutput(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.maxOutput = n
		}
	}
}

// WithKillGrace bounds how long Wait may block on inherited pipes after the
// process group has been killed
func WithKillGrace(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.killGrace = d
		}
	}
}

// WithHeartbeat sets how often a still-running process is logged
func WithHeartbeat(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.heartbeat = d
		}
	}
}

// New creates a Runner
func New(logger *zap.Logger, opts ...Option) *Runner {
	r := &Runner{
		logger:    logger,
		maxOutput: DefaultMaxOutput,
		killGrace: DefaultKillGrace,
		heartbeat: DefaultHeartbeat,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes c and classifies the result. It never returns an error:
// spawn failures are reported as NonZeroExit with exit code -1 and Err set.
func (r *Runner) Run(ctx context.Context, c Command) domain.PhaseResult {
	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if c.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
	}
	defer cancel()

	var sink io.Writer
	var pw *logging.PhaseWriter
	if c.Sink != nil {
		pw = logging.NewPhaseWriter(c.Sink, string(c.Phase))
		sink = pw
	}
	out := newTailBuffer(r.maxOutput, sink)

	cmd := exec.CommandContext(runCtx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.Stdin = c.Stdin
	cmd.Stdout = out
	cmd.Stderr = out
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = r.killGrace

	log := r.logger.With(zap.String("phase", string(c.Phase)), zap.String("command", c.Name))
	log.Debug("starting process", zap.String("dir", c.Dir), zap.Duration("timeout", c.Timeout))

	start := time.Now()
	if err := cmd.Start(); err != nil {
		log.Warn("process failed to start", zap.Error(err))
		return domain.PhaseResult{
			Phase:    c.Phase,
			Class:    domain.ClassNonZeroExit,
			ExitCode: -1,
			Elapsed:  time.Since(start),
			Err:      err,
		}
	}

	done := make(chan struct{})
	var g errgroup.Group
	g.Go(func() error {
		defer close(done)
		return cmd.Wait()
	})
	g.Go(func() error {
		r.watch(done, log, start)
		return nil
	})
	waitErr := g.Wait()
	elapsed := time.Since(start)

	// Reap anything left in the group even on a clean exit of the leader
	_ = killProcessGroup(cmd)

	if pw != nil {
		_ = pw.Flush()
	}

	res := domain.PhaseResult{
		Phase:     c.Phase,
		ExitCode:  exitCode(cmd, waitErr),
		Output:    out.String(),
		Truncated: out.Truncated(),
		Elapsed:   elapsed,
	}

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		res.Class = domain.ClassTimeout
		res.Err = runCtx.Err()
	case ctx.Err() != nil:
		res.Class = domain.ClassCanceled
		res.Err = ctx.Err()
	case waitErr == nil:
		res.Class = domain.ClassSuccess
	case slices.Contains(c.BudgetExitCodes, res.ExitCode):
		res.Class = domain.ClassBudgetExceeded
		res.Err = waitErr
	default:
		res.Class = domain.ClassNonZeroExit
		res.Err = waitErr
	}

	log.Info("process finished",
		zap.String("class", string(res.Class)),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("elapsed", elapsed),
		zap.Bool("truncated", res.Truncated),
	)
	return res
}

// watch logs a heartbeat until done is closed
func (r *Runner) watch(done <-chan struct{}, log *zap.Logger, start time.Time) {
	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			log.Info("process still running", zap.Duration("elapsed", time.Since(start).Round(time.Second)))
		}
	}
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
