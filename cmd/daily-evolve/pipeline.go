package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/daily-evolve/internal/agent"
	"github.com/hochfrequenz/daily-evolve/internal/config"
	"github.com/hochfrequenz/daily-evolve/internal/domain"
	"github.com/hochfrequenz/daily-evolve/internal/guard"
	"github.com/hochfrequenz/daily-evolve/internal/history"
	"github.com/hochfrequenz/daily-evolve/internal/lock"
	"github.com/hochfrequenz/daily-evolve/internal/logging"
	"github.com/hochfrequenz/daily-evolve/internal/notify"
	"github.com/hochfrequenz/daily-evolve/internal/orchestrator"
	"github.com/hochfrequenz/daily-evolve/internal/prompts"
	"github.com/hochfrequenz/daily-evolve/internal/runner"
	"github.com/hochfrequenz/daily-evolve/internal/runstore"
	"github.com/hochfrequenz/daily-evolve/internal/testgate"
	"github.com/hochfrequenz/daily-evolve/internal/vcs"
)

const lockName = "daily-evolve"

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

func ledgerPath(cfg *config.Config) string {
	return filepath.Join(cfg.General.StateDir, "runs.db")
}

func openLedger(cfg *config.Config) (*runstore.Store, error) {
	if err := os.MkdirAll(cfg.General.StateDir, 0755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	return runstore.New(ledgerPath(cfg))
}

// pipeline is everything one run needs, wired from the configuration
type pipeline struct {
	orch   *orchestrator.Orchestrator
	logger *zap.Logger
	log    *logging.DailyLog
	store  *runstore.Store
}

func (p *pipeline) Close() {
	logging.Sync(p.logger)
	if p.store != nil {
		p.store.Close()
	}
	if p.log != nil {
		p.log.Close()
	}
}

// buildPipeline opens today's diagnostic log and the ledger and wires the
// orchestrator. Every component logs to the console and the daily log.
func buildPipeline(cfg *config.Config, now time.Time) (*pipeline, error) {
	dailyLog, err := logging.OpenDailyLog(cfg.General.LogDir, now)
	if err != nil {
		return nil, err
	}
	p := &pipeline{
		log:    dailyLog,
		logger: logging.New(cfg.Logging.Level, dailyLog),
	}

	fail := func(err error) (*pipeline, error) {
		p.logger.Error("setup failed", zap.Error(err))
		p.Close()
		return nil, err
	}

	p.store, err = openLedger(cfg)
	if err != nil {
		return fail(fmt.Errorf("opening run ledger: %w", err))
	}

	repo, err := vcs.Open(cfg.General.TargetDir, vcs.WithIdentity(cfg.Git.AuthorName, cfg.Git.AuthorEmail))
	if err != nil {
		return fail(err)
	}
	scope, err := repo.Scope(cfg.General.TargetDir)
	if err != nil {
		return fail(err)
	}

	proc := runner.New(p.logger.Named("runner"),
		runner.WithMaxOutput(cfg.Runner.MaxOutputBytes),
		runner.WithKillGrace(cfg.Runner.KillGrace.Std()),
	)
	ag, err := agent.New(agent.Config{
		Backend:         agent.Backend(cfg.Agent.Executor),
		Binary:          cfg.Agent.Binary,
		Model:           cfg.Agent.Model,
		BudgetExitCodes: cfg.Agent.BudgetExitCodes,
	}, proc, p.logger)
	if err != nil {
		return fail(err)
	}

	p.orch = orchestrator.New(orchestrator.Deps{
		Agent:    ag,
		Guard:    guard.New(repo, scope, p.logger),
		Tests:    testgate.New(proc, cfg.Tests.Command, p.logger),
		History:  history.New(cfg.General.HistoryFile),
		Prompts:  prompts.DefaultLoader(cfg.General.ProjectRoot),
		Ledger:   p.store,
		Notifier: notify.FromConfig(cfg.Notifications.Desktop, cfg.Notifications.SlackWebhook),
		Logger:   p.logger,
	}, orchestrator.Settings{
		TargetDir:       cfg.General.TargetDir,
		TestDir:         cfg.General.TestDir,
		Limits:          cfg.RunLimits(),
		ReviewTools:     cfg.Agent.ReviewTools,
		ImplementTools:  cfg.Agent.ImplementTools,
		DesignatedFiles: cfg.Agent.DesignatedFiles,
		RecordAborted:   cfg.History.RecordAborted,
		LogPath:         dailyLog.Path(),
		Sink:            dailyLog,
	})
	return p, nil
}

// runOnce performs a single locked run and returns its exit code
func runOnce(ctx context.Context, cfg *config.Config, console *zap.Logger) int {
	l := lock.New(cfg.General.StateDir, lockName)
	if err := l.Acquire(); err != nil {
		if errors.Is(err, lock.ErrLockHeld) {
			console.Warn("run skipped", zap.Error(err))
			return domain.ExitPrecondition
		}
		console.Error("cannot take run lock", zap.Error(err))
		return domain.ExitSetup
	}
	defer l.Release()

	p, err := buildPipeline(cfg, time.Now())
	if err != nil {
		console.Error("cannot start run", zap.Error(err))
		return domain.ExitSetup
	}
	defer p.Close()

	return p.orch.Run(ctx).ExitCode
}
