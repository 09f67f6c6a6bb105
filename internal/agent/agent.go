// Package agent drives a coding agent CLI through one phase of a run.
package agent

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hochfrequenz/daily-evolve/internal/domain"
	"github.com/hochfrequenz/daily-evolve/internal/runner"
)

// sessionNamespace is a fixed UUID namespace for deterministic session IDs
var sessionNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// Backend identifies the coding agent CLI
type Backend string

const (
	BackendClaudeCode Backend = "claude-code"
	BackendOpenCode   Backend = "opencode"
)

// ProcessRunner is the part of runner.Runner the agent needs
type ProcessRunner interface {
	Run(ctx context.Context, c runner.Command) domain.PhaseResult
}

// Config selects and parameterizes the backend
type Config struct {
	Backend Backend
	Binary  string // defaults to "claude" or "opencode"
	Model   string

	// BudgetExitCodes are extra exit codes treated as a budget stop
	BudgetExitCodes []int
}

// Request is one agent invocation
type Request struct {
	RunID        string
	Phase        domain.Phase
	Prompt       string
	AllowedTools []string
	Dir          string
	Limits       domain.PhaseLimits
	Workspace    string // scratch dir for the prompt file
	Sink         io.Writer
}

// Agent runs prompts through a coding agent CLI
type Agent struct {
	cfg    Config
	runner ProcessRunner
	logger *zap.Logger
}

// New creates an Agent for the configured backend
func New(cfg Config, r ProcessRunner, logger *zap.Logger) (*Agent, error) {
	switch cfg.Backend {
	case BackendClaudeCode:
		if cfg.Binary == "" {
			cfg.Binary = "claude"
		}
	case BackendOpenCode:
		if cfg.Binary == "" {
			cfg.Binary = "opencode"
		}
	default:
		return nil, fmt.Errorf("unknown agent backend %q", cfg.Backend)
	}
	return &Agent{cfg: cfg, runner: r, logger: logger.Named("agent")}, nil
}

// Backend returns the configured backend
func (a *Agent) Backend() Backend {
	return a.cfg.Backend
}

// SessionID returns the deterministic session id for a phase of a run
func SessionID(runID string, phase domain.Phase) string {
	return uuid.NewSHA1(sessionNamespace, []byte(runID+"/"+string(phase))).String()
}

// Run executes the request and returns the classified result. On success
// the result's Output is the agent's final answer, not the raw stream.
func (a *Agent) Run(ctx context.Context, req Request) domain.PhaseResult {
	switch a.cfg.Backend {
	case BackendOpenCode:
		return a.runOpenCode(ctx, req)
	default:
		return a.runClaudeCode(ctx, req)
	}
}

func (a *Agent) runClaudeCode(ctx context.Context, req Request) domain.PhaseResult {
	sessionID := SessionID(req.RunID, req.Phase)

	promptPath := filepath.Join(req.Workspace, string(req.Phase)+"-prompt.md")
	if err := os.WriteFile(promptPath, []byte(req.Prompt), 0o600); err != nil {
		return spawnFailure(req.Phase, fmt.Errorf("writing prompt file: %w", err))
	}
	stdin, err := os.Open(promptPath)
	if err != nil {
		return spawnFailure(req.Phase, fmt.Errorf("opening prompt file: %w", err))
	}
	defer stdin.Close()

	args := claudeCodeArgs(a.cfg.Model, sessionID, req)
	a.logger.Info("invoking agent",
		zap.String("phase", string(req.Phase)),
		zap.String("backend", string(a.cfg.Backend)),
		zap.String("session_id", sessionID),
		zap.Strings("allowed_tools", req.AllowedTools),
		zap.Float64("max_budget_usd", req.Limits.MaxBudgetUSD),
		zap.Int("max_turns", req.Limits.MaxTurns),
	)

	res := a.runner.Run(ctx, runner.Command{
		Phase:           req.Phase,
		Name:            a.cfg.Binary,
		Args:            args,
		Dir:             req.Dir,
		Stdin:           stdin,
		Timeout:         req.Limits.Timeout,
		BudgetExitCodes: a.cfg.BudgetExitCodes,
		Sink:            req.Sink,
	})
	res = interpretStream(res)
	if res.Usage != nil && res.Usage.SessionID == "" {
		res.Usage.SessionID = sessionID
	}
	a.logOutcome(res)
	return res
}

// claudeCodeArgs builds the non-interactive command line. The prompt is
// read from stdin so it never shows up in the process table.
func claudeCodeArgs(model, sessionID string, req Request) []string {
	args := []string{
		"--print",
		"--verbose", // required for stream-json
		"--output-format", "stream-json",
		"--session-id", sessionID,
	}
	if len(req.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(req.AllowedTools, ","))
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if req.Limits.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(req.Limits.MaxTurns))
	}
	if req.Limits.MaxBudgetUSD > 0 {
		args = append(args, "--max-budget-usd", strconv.FormatFloat(req.Limits.MaxBudgetUSD, 'f', -1, 64))
	}
	return args
}

func (a *Agent) runOpenCode(ctx context.Context, req Request) domain.PhaseResult {
	// OpenCode manages its own sessions and has no stream-json mode
	args := []string{"run"}
	if a.cfg.Model != "" {
		args = append(args, "-m", a.cfg.Model)
	} else {
		a.logger.Warn("no model specified, opencode will use its default model")
	}
	if req.Limits.MaxBudgetUSD > 0 || req.Limits.MaxTurns > 0 {
		a.logger.Warn("opencode has no native budget or turn ceiling, only the timeout applies",
			zap.String("phase", string(req.Phase)))
	}
	args = append(args, req.Prompt)

	a.logger.Info("invoking agent",
		zap.String("phase", string(req.Phase)),
		zap.String("backend", string(a.cfg.Backend)),
		zap.String("model", a.cfg.Model),
	)

	res := a.runner.Run(ctx, runner.Command{
		Phase:           req.Phase,
		Name:            a.cfg.Binary,
		Args:            args,
		Dir:             req.Dir,
		Timeout:         req.Limits.Timeout,
		BudgetExitCodes: a.cfg.BudgetExitCodes,
		Sink:            req.Sink,
	})
	if res.Class == domain.ClassNonZeroExit {
		if msg := errorFromOutput(res.Output); msg != "" {
			res.Err = fmt.Errorf("%w: %s", res.Err, msg)
		}
	}
	a.logOutcome(res)
	return res
}

func (a *Agent) logOutcome(res domain.PhaseResult) {
	fields := []zap.Field{
		zap.String("phase", string(res.Phase)),
		zap.String("class", string(res.Class)),
		zap.Duration("elapsed", res.Elapsed),
	}
	if res.Usage != nil {
		fields = append(fields,
			zap.Float64("cost_usd", res.Usage.CostUSD),
			zap.Int("turns", res.Usage.Turns),
		)
	}
	if res.Err != nil {
		fields = append(fields, zap.Error(res.Err))
	}
	a.logger.Info("agent finished", fields...)
}

func spawnFailure(phase domain.Phase, err error) domain.PhaseResult {
	return domain.PhaseResult{
		Phase:    phase,
		Class:    domain.ClassNonZeroExit,
		ExitCode: -1,
		Err:      err,
	}
}
