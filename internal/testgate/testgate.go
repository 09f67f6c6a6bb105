// Package testgate runs the target's test command as the commit gate.
package testgate

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/hochfrequenz/daily-evolve/internal/domain"
	"github.com/hochfrequenz/daily-evolve/internal/runner"
)

// ProcessRunner is the part of runner.Runner the gate needs
type ProcessRunner interface {
	Run(ctx context.Context, c runner.Command) domain.PhaseResult
}

// Gate runs a fixed test command
type Gate struct {
	runner  ProcessRunner
	command []string
	logger  *zap.Logger
}

// New creates a Gate for an argv-style command
func New(r ProcessRunner, command []string, logger *zap.Logger) *Gate {
	return &Gate{runner: r, command: command, logger: logger.Named("testgate")}
}

// Run executes the tests in the run's test directory under the verify
// limits. Only exit code 0 passes; a crashing test runner is a failure
// like any other.
func (g *Gate) Run(ctx context.Context, rc domain.RunContext) domain.PhaseResult {
	if len(g.command) == 0 {
		return domain.PhaseResult{
			Phase:    domain.PhaseVerify,
			Class:    domain.ClassNonZeroExit,
			ExitCode: -1,
			Err:      errors.New("no test command configured"),
		}
	}

	g.logger.Info("running tests",
		zap.Strings("command", g.command),
		zap.String("dir", rc.TestDir),
		zap.Duration("timeout", rc.Limits.Verify.Timeout),
	)
	res := g.runner.Run(ctx, runner.Command{
		Phase:   domain.PhaseVerify,
		Name:    g.command[0],
		Args:    g.command[1:],
		Dir:     rc.TestDir,
		Timeout: rc.Limits.Verify.Timeout,
		Sink:    rc.Sink,
	})

	fields := []zap.Field{
		zap.String("class", string(res.Class)),
		zap.Int("exit_code", res.ExitCode),
		zap.String("summary", summary(res.Output)),
	}
	if res.OK() {
		g.logger.Info("tests passed", fields...)
	} else {
		g.logger.Warn("tests failed", fields...)
	}
	return res
}

// summary returns the last non-empty output line, where test runners
// print their totals
func summary(output string) string {
	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if s := strings.TrimSpace(lines[i]); s != "" {
			return s
		}
	}
	return ""
}
