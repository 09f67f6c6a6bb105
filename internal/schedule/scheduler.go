// Package schedule drives daily runs from a cron expression.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// RunFunc performs one run and returns its process exit code
type RunFunc func(ctx context.Context) int

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a five-field cron expression or a descriptor such as @daily
func ParseCron(expr string) (cron.Schedule, error) {
	return parser.Parse(expr)
}

// Scheduler invokes a RunFunc on a cron schedule and never overlaps runs
type Scheduler struct {
	expr     string
	schedule cron.Schedule
	run      RunFunc
	logger   *zap.Logger

	mu       sync.Mutex
	running  bool
	lastRun  time.Time
	lastExit int
	skipped  int
}

// New creates a scheduler for expr
func New(expr string, run RunFunc, logger *zap.Logger) (*Scheduler, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return &Scheduler{
		expr:     expr,
		schedule: sched,
		run:      run,
		logger:   logger,
	}, nil
}

// NextRun returns the first activation after t
func (s *Scheduler) NextRun(t time.Time) time.Time {
	return s.schedule.Next(t)
}

// Tick performs a run unless one is still in progress. It reports whether
// a run happened.
func (s *Scheduler) Tick(ctx context.Context) bool {
	s.mu.Lock()
	if s.running {
		s.skipped++
		s.mu.Unlock()
		s.logger.Warn("previous run still in progress, skipping tick")
		return false
	}
	s.running = true
	s.mu.Unlock()

	start := time.Now()
	code := s.run(ctx)

	s.mu.Lock()
	s.running = false
	s.lastRun = start
	s.lastExit = code
	s.mu.Unlock()

	s.logger.Info("scheduled run finished",
		zap.Int("exit_code", code),
		zap.Duration("elapsed", time.Since(start).Round(time.Second)),
		zap.Time("next", s.NextRun(time.Now())),
	)
	return true
}

// Status returns when the last run started, its exit code, and how many
// ticks were skipped because a run was still active
func (s *Scheduler) Status() (lastRun time.Time, lastExit int, skipped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.lastExit, s.skipped
}

// Start runs the schedule until ctx is done, then waits for an active run
// to finish
func (s *Scheduler) Start(ctx context.Context) error {
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cronLogger{s.logger.Sugar()}),
	)
	if _, err := c.AddFunc(s.expr, func() { s.Tick(ctx) }); err != nil {
		return fmt.Errorf("scheduling %q: %w", s.expr, err)
	}

	s.logger.Info("scheduler started", zap.String("cron", s.expr), zap.Time("next", s.NextRun(time.Now())))
	c.Start()
	<-ctx.Done()

	s.logger.Info("scheduler stopping")
	<-c.Stop().Done()
	return nil
}

// cronLogger routes cron's own messages into zap
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
