package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hochfrequenz/daily-evolve/internal/domain"
	"github.com/hochfrequenz/daily-evolve/internal/logging"
	"github.com/hochfrequenz/daily-evolve/internal/observer"
	"github.com/hochfrequenz/daily-evolve/internal/runstore"
	"github.com/hochfrequenz/daily-evolve/internal/schedule"
)

var (
	daemonSchedule string
	runsLimit      int
	logsDate       string
	logsFollow     bool
)

func init() {
	// run command
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Perform one evolution run now",
		Long: `Perform one evolution run: propose, implement, test, commit.

Exit codes: 0 done (including no-op), 1 setup error, 2 proposal failure,
3 implementation failure, 4 verification failure, 5 commit failure,
6 rollback failure, 7 precondition (dirty tree or another run active).`,
		Args: cobra.NoArgs,
		RunE: runRun,
	}
	rootCmd.AddCommand(runCmd)

	// daemon command
	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run on a cron schedule until interrupted",
		Args:  cobra.NoArgs,
		RunE:  runDaemon,
	}
	daemonCmd.Flags().StringVar(&daemonSchedule, "schedule", "", "cron expression (default: schedule.cron)")
	rootCmd.AddCommand(daemonCmd)

	// runs command
	runsCmd := &cobra.Command{
		Use:   "runs [RUN_ID]",
		Short: "List recorded runs, or show one run in detail",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRuns,
	}
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "number of runs to list")
	rootCmd.AddCommand(runsCmd)

	// logs command
	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Print a day's diagnostic log",
		Args:  cobra.NoArgs,
		RunE:  runLogs,
	}
	logsCmd.Flags().StringVar(&logsDate, "date", "", "day to show as YYYY-MM-DD (default: today)")
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "keep printing as the log grows")
	rootCmd.AddCommand(logsCmd)

	// config command
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE:  runConfig,
	}
	rootCmd.AddCommand(configCmd)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return &exitError{code: domain.ExitSetup, err: err}
	}
	if err := cfg.Validate(); err != nil {
		return &exitError{code: domain.ExitSetup, err: fmt.Errorf("invalid config: %w", err)}
	}

	console := logging.New(cfg.Logging.Level, nil)
	defer logging.Sync(console)

	ctx, stop := signalContext()
	defer stop()

	if code := runOnce(ctx, cfg, console); code != domain.ExitOK {
		return &exitError{code: code}
	}
	return nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	expr := cfg.Schedule.Cron
	if daemonSchedule != "" {
		expr = daemonSchedule
	}

	console := logging.New(cfg.Logging.Level, nil)
	defer logging.Sync(console)

	sched, err := schedule.New(expr, func(ctx context.Context) int {
		return runOnce(ctx, cfg, console)
	}, console.Named("schedule"))
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	fmt.Printf("Daily Evolve daemon: schedule %q, next run %s\n", expr, sched.NextRun(time.Now()).Format(time.RFC1123))
	fmt.Println("Press Ctrl+C to stop")
	return sched.Start(ctx)
}

func runRuns(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := openLedger(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if len(args) == 1 {
		run, err := store.GetRun(args[0])
		if errors.Is(err, runstore.ErrNotFound) {
			return fmt.Errorf("no run with id %s", args[0])
		}
		if err != nil {
			return err
		}
		fmt.Print(renderRun(run))
		return nil
	}

	runs, err := store.ListRuns(runsLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded yet")
		return nil
	}
	fmt.Print(renderRuns(runs))
	return nil
}

func runLogs(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	day := time.Now()
	if logsDate != "" {
		day, err = time.ParseInLocation("2006-01-02", logsDate, time.Local)
		if err != nil {
			return fmt.Errorf("invalid --date %q: want YYYY-MM-DD", logsDate)
		}
	}
	path := logging.DailyLogPath(cfg.General.LogDir, day)

	if logsFollow {
		ctx, stop := signalContext()
		defer stop()
		console := logging.New(cfg.Logging.Level, nil)
		defer logging.Sync(console)
		return observer.NewFollower(path, os.Stdout, console).Run(ctx)
	}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("no log for %s (%s)", day.Format("2006-01-02"), path)
	}
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(os.Stdout, f)
	return err
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out, err := toml.Marshal(cfg)
	if err != nil {
		return err
	}
	if _, err := os.Stdout.Write(out); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		console := logging.New(cfg.Logging.Level, nil)
		console.Warn("configuration is not usable for a run", zap.Error(err))
		logging.Sync(console)
	}
	return nil
}
