// Package orchestrator runs one evolution: propose a change, implement it,
// verify it, and commit it only when the tests pass. Every failure after the
// agent was allowed to write is rolled back to the pre-run snapshot.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/daily-evolve/internal/agent"
	"github.com/hochfrequenz/daily-evolve/internal/domain"
	"github.com/hochfrequenz/daily-evolve/internal/guard"
	"github.com/hochfrequenz/daily-evolve/internal/notify"
	"github.com/hochfrequenz/daily-evolve/internal/prompts"
	"github.com/hochfrequenz/daily-evolve/internal/proposal"
	"github.com/hochfrequenz/daily-evolve/internal/runstore"
)

const (
	// RunIDFormat is the layout of run ids
	RunIDFormat = "20060102-150405"

	defaultRollbackTimeout = 2 * time.Minute
	notifyTimeout          = 15 * time.Second
	recentFeatures         = 10
)

// AgentRunner runs one agent invocation
type AgentRunner interface {
	Run(ctx context.Context, req agent.Request) domain.PhaseResult
}

// ChangeGuard is the version-control side of a run
type ChangeGuard interface {
	EnsureClean(ctx context.Context) error
	Snapshot(ctx context.Context) (guard.Snapshot, error)
	HasPendingChanges(ctx context.Context) (bool, error)
	RevertToSnapshot(ctx context.Context, s guard.Snapshot) error
	CommitAll(ctx context.Context, message string) (guard.CommitResult, error)
}

// TestGate runs the target's tests
type TestGate interface {
	Run(ctx context.Context, rc domain.RunContext) domain.PhaseResult
}

// HistoryRecorder appends to the cumulative history document
type HistoryRecorder interface {
	Append(rec domain.RunRecord) error
	RecentFeatures(n int) ([]string, error)
}

// PromptBuilder renders the phase prompts
type PromptBuilder interface {
	BuildReviewPrompt(data prompts.ReviewData) (prompts.Prompt, error)
	BuildImplementPrompt(data prompts.ImplementData) (prompts.Prompt, error)
}

// Ledger persists run progress. Failures are logged, never fatal.
type Ledger interface {
	StartRun(id string, startedAt time.Time, logPath string) error
	UpdateState(id string, state domain.State) error
	RecordPhase(runID string, r domain.PhaseResult) error
	FinishRun(id string, o runstore.Outcome) error
}

// Deps are the collaborators of an Orchestrator. Ledger and Notifier are
// optional.
type Deps struct {
	Agent    AgentRunner
	Guard    ChangeGuard
	Tests    TestGate
	History  HistoryRecorder
	Prompts  PromptBuilder
	Ledger   Ledger
	Notifier notify.Notifier
	Logger   *zap.Logger
}

// Settings are the per-installation parameters of a run
type Settings struct {
	TargetDir       string
	TestDir         string
	Limits          domain.Limits
	ReviewTools     []string // override the review template's allowed_tools
	ImplementTools  []string // override the implement template's allowed_tools
	DesignatedFiles []string
	RecordAborted   bool
	RollbackTimeout time.Duration

	// LogPath and Sink are the per-day diagnostic log; phase output is
	// streamed into Sink
	LogPath string
	Sink    io.Writer

	// Now is the clock; nil means time.Now
	Now func() time.Time
}

// Result is the terminal outcome of a run
type Result struct {
	RunID       string
	State       domain.State
	Failure     domain.FailureClass
	FailedPhase domain.Phase
	ExitCode    int
	Proposal    domain.Proposal
	CommitID    string
	NoOp        bool
	Files       []domain.FileChange
	Elapsed     time.Duration
	Err         error
}

// Orchestrator drives the run state machine
type Orchestrator struct {
	deps     Deps
	settings Settings
	logger   *zap.Logger
}

// New creates an Orchestrator
func New(deps Deps, settings Settings) *Orchestrator {
	if deps.Ledger == nil {
		deps.Ledger = noopLedger{}
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NoopNotifier{}
	}
	if settings.RollbackTimeout <= 0 {
		settings.RollbackTimeout = defaultRollbackTimeout
	}
	if settings.Now == nil {
		settings.Now = time.Now
	}
	if settings.Sink == nil {
		settings.Sink = io.Discard
	}
	if settings.TestDir == "" {
		settings.TestDir = settings.TargetDir
	}
	return &Orchestrator{
		deps:     deps,
		settings: settings,
		logger:   deps.Logger.Named("orchestrator"),
	}
}

// run is the state of a single Run call
type run struct {
	o        *Orchestrator
	rc       domain.RunContext
	m        *machine
	log      *zap.Logger
	snapshot guard.Snapshot
	result   Result
}

// Run executes one full evolution and returns its outcome. It never
// returns a successful exit code for a rolled-back run.
func (o *Orchestrator) Run(ctx context.Context) Result {
	start := o.settings.Now()
	runID := start.Format(RunIDFormat)
	log := o.logger.With(zap.String("run_id", runID))

	rc, err := o.newRunContext(runID, start)
	if err != nil {
		log.Error("cannot create run context", zap.Error(err))
		return Result{
			RunID:    runID,
			State:    domain.StateAborted,
			Failure:  domain.FailureSetup,
			ExitCode: domain.ExitSetup,
			Err:      err,
		}
	}
	defer func() {
		if err := rc.Close(); err != nil {
			log.Warn("removing workspace failed", zap.String("workspace", rc.Workspace), zap.Error(err))
		}
	}()

	if err := o.deps.Ledger.StartRun(runID, start, rc.LogPath); err != nil {
		log.Warn("ledger start failed", zap.Error(err))
	}

	r := &run{
		o:      o,
		rc:     rc,
		m:      newMachine(runID, log, o.deps.Ledger),
		log:    log,
		result: Result{RunID: runID},
	}
	log.Info("run started",
		zap.String("target_dir", rc.TargetDir),
		zap.String("workspace", rc.Workspace),
	)

	r.execute(ctx)
	r.result.State = r.m.state
	r.result.ExitCode = r.result.Failure.ExitCode()
	r.result.Elapsed = time.Since(start)
	r.finish(ctx)
	return r.result
}

func (o *Orchestrator) newRunContext(runID string, start time.Time) (domain.RunContext, error) {
	ws, err := os.MkdirTemp("", "daily-evolve-"+runID+"-")
	if err != nil {
		return domain.RunContext{}, fmt.Errorf("creating workspace: %w", err)
	}
	return domain.RunContext{
		RunID:     runID,
		StartedAt: start,
		TargetDir: o.settings.TargetDir,
		TestDir:   o.settings.TestDir,
		Workspace: ws,
		LogPath:   o.settings.LogPath,
		Sink:      o.settings.Sink,
		Limits:    o.settings.Limits,
	}, nil
}

func (r *run) execute(ctx context.Context) {
	deps := r.o.deps

	// Start
	if err := deps.Guard.EnsureClean(ctx); err != nil {
		class := domain.FailureSetup
		if errors.Is(err, guard.ErrDirtyWorkingTree) {
			class = domain.FailurePrecondition
		}
		r.abort(class, "", err)
		return
	}
	snap, err := deps.Guard.Snapshot(ctx)
	if err != nil {
		r.abort(domain.FailureSetup, "", err)
		return
	}
	r.snapshot = snap

	// Proposing
	if !r.advance(domain.StateProposing) {
		return
	}
	prop, ok := r.propose(ctx)
	if !ok {
		return
	}
	r.result.Proposal = prop

	// Implementing
	if !r.advance(domain.StateImplementing) {
		return
	}
	if !r.implement(ctx, prop) {
		return
	}

	// Verifying
	if !r.advance(domain.StateVerifying) {
		return
	}
	res := deps.Tests.Run(ctx, r.rc)
	r.recordPhase(res)
	if !res.OK() {
		r.rollback(ctx, domain.FailureVerification, domain.PhaseVerify, phaseError(res))
		return
	}

	// Committing
	if !r.advance(domain.StateCommitting) {
		return
	}
	if !r.commit(ctx, prop) {
		return
	}

	// Recording
	if !r.advance(domain.StateRecording) {
		return
	}
	if err := deps.History.Append(r.record(domain.RunCommitted)); err != nil {
		r.log.Error("recording history failed, commit is kept", zap.Error(err))
	}
	r.advance(domain.StateDone)
}

func (r *run) propose(ctx context.Context) (domain.Proposal, bool) {
	deps := r.o.deps
	s := r.o.settings

	var recent string
	if features, err := deps.History.RecentFeatures(recentFeatures); err != nil {
		r.log.Warn("reading history failed", zap.Error(err))
	} else if len(features) > 0 {
		recent = "- " + strings.Join(features, "\n- ")
	}

	p, err := deps.Prompts.BuildReviewPrompt(prompts.ReviewData{
		TargetDir:       r.rc.TargetDir,
		DesignatedFiles: s.DesignatedFiles,
		History:         recent,
	})
	if err != nil {
		r.abort(domain.FailureProposal, domain.PhaseReview, fmt.Errorf("review prompt: %w", err))
		return domain.Proposal{}, false
	}

	res := deps.Agent.Run(ctx, agent.Request{
		RunID:        r.rc.RunID,
		Phase:        domain.PhaseReview,
		Prompt:       p.Text,
		AllowedTools: toolsFor(s.ReviewTools, p.AllowedTools),
		Dir:          r.rc.TargetDir,
		Limits:       r.rc.Limits.Review,
		Workspace:    r.rc.Workspace,
		Sink:         r.rc.Sink,
	})
	r.recordPhase(res)

	switch res.Class {
	case domain.ClassSuccess, domain.ClassParseError:
	default:
		r.abort(domain.FailureProposal, domain.PhaseReview, phaseError(res))
		return domain.Proposal{}, false
	}

	prop := proposal.Parse(res.Output)
	fields := []zap.Field{zap.String("feature", prop.Feature)}
	if res.Class == domain.ClassParseError {
		fields = append(fields, zap.NamedError("parse_error", res.Err))
	}
	if prop.FeatureDefaulted {
		r.log.Warn("proposal has no feature name, using default label", fields...)
	} else {
		r.log.Info("proposal accepted", fields...)
	}
	return prop, true
}

func (r *run) implement(ctx context.Context, prop domain.Proposal) bool {
	deps := r.o.deps
	s := r.o.settings

	p, err := deps.Prompts.BuildImplementPrompt(prompts.ImplementData{
		TargetDir:       r.rc.TargetDir,
		Feature:         prop.Feature,
		Description:     prop.Description,
		Notes:           prop.Notes,
		DesignatedFiles: s.DesignatedFiles,
	})
	if err != nil {
		r.rollback(ctx, domain.FailureImplementation, domain.PhaseImplement, fmt.Errorf("implement prompt: %w", err))
		return false
	}

	res := deps.Agent.Run(ctx, agent.Request{
		RunID:        r.rc.RunID,
		Phase:        domain.PhaseImplement,
		Prompt:       p.Text,
		AllowedTools: toolsFor(s.ImplementTools, p.AllowedTools),
		Dir:          r.rc.TargetDir,
		Limits:       r.rc.Limits.Implement,
		Workspace:    r.rc.Workspace,
		Sink:         r.rc.Sink,
	})
	r.recordPhase(res)
	if !res.OK() {
		r.rollback(ctx, domain.FailureImplementation, domain.PhaseImplement, phaseError(res))
		return false
	}
	return true
}

func (r *run) commit(ctx context.Context, prop domain.Proposal) bool {
	g := r.o.deps.Guard

	pending, err := g.HasPendingChanges(ctx)
	if err != nil {
		r.rollback(ctx, domain.FailureCommit, domain.PhaseCommit, err)
		return false
	}
	if !pending {
		r.noOp()
		return false
	}

	cr, err := g.CommitAll(ctx, CommitMessage(prop, r.rc.RunID, r.rc.StartedAt))
	if err != nil {
		r.rollback(ctx, domain.FailureCommit, domain.PhaseCommit, err)
		return false
	}
	if cr.NoOp {
		r.noOp()
		return false
	}

	r.result.CommitID = cr.CommitID
	r.result.Files = cr.Files
	r.log.Info("changes committed",
		zap.String("commit", cr.CommitID),
		zap.Int("files", len(cr.Files)),
	)
	return true
}

func (r *run) noOp() {
	r.log.Info("agent made no changes, nothing to commit")
	r.result.NoOp = true
	r.advance(domain.StateDone)
}

// advance moves to next; an invalid edge aborts the run as a setup failure
func (r *run) advance(next domain.State) bool {
	if err := r.m.to(next); err != nil {
		r.log.Error("state machine violation", zap.Error(err))
		r.result.Failure = domain.FailureSetup
		r.result.Err = err
		if !r.m.state.Terminal() {
			r.m.state = domain.StateAborted
		}
		return false
	}
	return true
}

// abort ends the run without touching the working tree
func (r *run) abort(class domain.FailureClass, phase domain.Phase, err error) {
	r.result.Failure = class
	r.result.FailedPhase = phase
	r.result.Err = err
	r.log.Warn("run aborted",
		zap.String("failure", string(class)),
		zap.String("phase", string(phase)),
		zap.Error(err),
	)
	r.advance(domain.StateAborted)
}

// rollback restores the snapshot on a context that survives cancellation
// of the run, then aborts
func (r *run) rollback(ctx context.Context, class domain.FailureClass, phase domain.Phase, cause error) {
	r.result.Failure = class
	r.result.FailedPhase = phase
	r.result.Err = cause
	r.log.Warn("phase failed, rolling back",
		zap.String("failure", string(class)),
		zap.String("phase", string(phase)),
		zap.Error(cause),
	)
	if !r.advance(domain.StateRollingBack) {
		return
	}

	rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.o.settings.RollbackTimeout)
	defer cancel()

	if err := r.o.deps.Guard.RevertToSnapshot(rbCtx, r.snapshot); err != nil {
		r.result.Failure = domain.FailureRollback
		r.result.Err = fmt.Errorf("rollback after %s failure: %w", class, err)
		r.log.Error("ROLLBACK FAILED, working tree needs manual attention",
			zap.String("snapshot", r.snapshot.Commit),
			zap.Error(err),
		)
	} else {
		r.log.Info("working tree restored", zap.String("snapshot", r.snapshot.Commit))
	}
	r.advance(domain.StateAborted)
}

func (r *run) recordPhase(res domain.PhaseResult) {
	if err := r.o.deps.Ledger.RecordPhase(r.rc.RunID, res); err != nil {
		r.log.Warn("ledger phase record failed", zap.Error(err))
	}
}

func (r *run) record(status domain.RunStatus) domain.RunRecord {
	return domain.RunRecord{
		RunID:       r.rc.RunID,
		StartedAt:   r.rc.StartedAt,
		Feature:     r.result.Proposal.Feature,
		Description: r.result.Proposal.Description,
		Status:      status,
		CommitID:    r.result.CommitID,
		Failure:     r.result.Failure,
		FailedPhase: r.result.FailedPhase,
		Files:       r.result.Files,
	}
}

// finish writes the aborted history block, closes the ledger row and
// notifies. None of it can change the outcome.
func (r *run) finish(ctx context.Context) {
	res := r.result

	// runs that never got past Start are not part of the evolution history
	if res.State == domain.StateAborted && r.o.settings.RecordAborted && r.m.visited(domain.StateProposing) {
		if err := r.o.deps.History.Append(r.record(domain.RunAborted)); err != nil {
			r.log.Error("recording aborted run failed", zap.Error(err))
		}
	}

	err := r.o.deps.Ledger.FinishRun(res.RunID, runstore.Outcome{
		State:       res.State,
		Feature:     res.Proposal.Feature,
		Description: res.Proposal.Description,
		Failure:     res.Failure,
		FailedPhase: res.FailedPhase,
		ExitCode:    res.ExitCode,
		CommitID:    res.CommitID,
		NoOp:        res.NoOp,
		Files:       res.Files,
	})
	if err != nil {
		r.log.Warn("ledger finish failed", zap.Error(err))
	}

	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	err = r.o.deps.Notifier.Send(nctx, notify.ForRun(notify.RunSummary{
		RunID:       res.RunID,
		Feature:     res.Proposal.Feature,
		State:       res.State,
		Failure:     res.Failure,
		FailedPhase: res.FailedPhase,
		CommitID:    res.CommitID,
		NoOp:        res.NoOp,
		Elapsed:     res.Elapsed,
		Err:         res.Err,
	}))
	if err != nil {
		r.log.Warn("notification failed", zap.Error(err))
	}

	r.log.Info("run finished",
		zap.String("state", string(res.State)),
		zap.String("failure", string(res.Failure)),
		zap.Int("exit_code", res.ExitCode),
		zap.Bool("no_op", res.NoOp),
		zap.Duration("elapsed", res.Elapsed.Round(time.Millisecond)),
	)
}

// CommitMessage embeds the feature label, run timestamp and description
func CommitMessage(p domain.Proposal, runID string, at time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "evolve: %s\n", p.Feature)
	if desc := strings.TrimSpace(p.Description); desc != "" {
		b.WriteString("\n")
		b.WriteString(desc)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "\nRun-Id: %s\nRun-Date: %s\n", runID, at.Format("2006-01-02 15:04:05"))
	return b.String()
}

// toolsFor prefers the configured override over the template's list
func toolsFor(configured, template []string) []string {
	if len(configured) > 0 {
		return configured
	}
	return template
}

// phaseError describes a failed PhaseResult
func phaseError(res domain.PhaseResult) error {
	msg := fmt.Sprintf("%s: %s (exit %d)", res.Phase, res.Class, res.ExitCode)
	if res.Err != nil {
		return fmt.Errorf("%s: %w", msg, res.Err)
	}
	return errors.New(msg)
}

type noopLedger struct{}

func (noopLedger) StartRun(string, time.Time, string) error     { return nil }
func (noopLedger) UpdateState(string, domain.State) error       { return nil }
func (noopLedger) RecordPhase(string, domain.PhaseResult) error { return nil }
func (noopLedger) FinishRun(string, runstore.Outcome) error     { return nil }
