package domain

import (
	"io"
	"os"
	"time"
)

// PhaseLimits bounds a single external invocation.
// Zero MaxBudgetUSD or MaxTurns means the ceiling is not set.
type PhaseLimits struct {
	Timeout      time.Duration
	MaxBudgetUSD float64
	MaxTurns     int
}

// Limits holds the per-phase resource limits of a run
type Limits struct {
	Review    PhaseLimits
	Implement PhaseLimits
	Verify    PhaseLimits
}

// For returns the limits that apply to the given phase
func (l Limits) For(p Phase) PhaseLimits {
	switch p {
	case PhaseReview:
		return l.Review
	case PhaseImplement:
		return l.Implement
	case PhaseVerify:
		return l.Verify
	default:
		return PhaseLimits{}
	}
}

// Usage is what the agent reported about its own consumption
type Usage struct {
	SessionID    string
	CostUSD      float64
	Turns        int
	TokensInput  int
	TokensOutput int
}

// PhaseResult is the outcome of one external invocation
type PhaseResult struct {
	Phase     Phase
	Class     Classification
	ExitCode  int
	Output    string
	Truncated bool
	Elapsed   time.Duration
	Err       error
	Usage     *Usage
}

// OK reports whether the invocation succeeded
func (r PhaseResult) OK() bool {
	return r.Class == ClassSuccess
}

// Proposal is the parsed output of the proposal agent
type Proposal struct {
	Feature          string
	Description      string
	Notes            string
	Raw              string
	FeatureDefaulted bool
}

// FileChange is one path touched by a commit
type FileChange struct {
	Path    string
	Added   int
	Removed int
}

// RunStatus is the outcome stored in a RunRecord
type RunStatus string

const (
	RunCommitted RunStatus = "committed"
	RunAborted   RunStatus = "aborted"
)

// RunRecord is the persisted summary of a run
type RunRecord struct {
	RunID       string
	StartedAt   time.Time
	Feature     string
	Description string
	Status      RunStatus
	CommitID    string
	Failure     FailureClass
	FailedPhase Phase
	Files       []FileChange
}

// RunContext is the run-scoped state handed to every component.
// It is owned by a single orchestrator invocation.
type RunContext struct {
	RunID     string
	StartedAt time.Time
	TargetDir string
	TestDir   string
	Workspace string
	LogPath   string
	Sink      io.Writer
	Limits    Limits
}

// Close deletes the temporary workspace. It is safe to call more than once.
func (rc RunContext) Close() error {
	if rc.Workspace == "" {
		return nil
	}
	return os.RemoveAll(rc.Workspace)
}
