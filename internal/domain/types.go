package domain

// Phase identifies one discrete step of the pipeline
type Phase string

const (
	PhaseReview    Phase = "review"
	PhaseImplement Phase = "implement"
	PhaseVerify    Phase = "verify"
	PhaseCommit    Phase = "commit"
	PhaseRecord    Phase = "record"
)

// State is a node of the run state machine
type State string

const (
	StateStart        State = "start"
	StateProposing    State = "proposing"
	StateImplementing State = "implementing"
	StateVerifying    State = "verifying"
	StateCommitting   State = "committing"
	StateRecording    State = "recording"
	StateDone         State = "done"
	StateRollingBack  State = "rolling_back"
	StateAborted      State = "aborted"
)

// Terminal reports whether no further transition is possible
func (s State) Terminal() bool {
	return s == StateDone || s == StateAborted
}

// Classification is how an external process invocation ended
type Classification string

const (
	ClassSuccess        Classification = "success"
	ClassTimeout        Classification = "timeout"
	ClassBudgetExceeded Classification = "budget_exceeded"
	ClassNonZeroExit    Classification = "non_zero_exit"
	ClassParseError     Classification = "parse_error"
	ClassCanceled       Classification = "canceled"
)

// FailureClass categorizes why a run aborted
type FailureClass string

const (
	FailureNone           FailureClass = ""
	FailureSetup          FailureClass = "setup"
	FailurePrecondition   FailureClass = "precondition"
	FailureProposal       FailureClass = "proposal"
	FailureImplementation FailureClass = "implementation"
	FailureVerification   FailureClass = "verification"
	FailureCommit         FailureClass = "commit"
	FailureRollback       FailureClass = "rollback"
)

// Process exit codes reported to schedulers
const (
	ExitOK                   = 0
	ExitSetup                = 1
	ExitProposalFailed       = 2
	ExitImplementationFailed = 3
	ExitVerificationFailed   = 4
	ExitCommitFailed         = 5
	ExitRollbackFailed       = 6
	ExitPrecondition         = 7
)

// ExitCode maps a failure class to the process exit code
func (f FailureClass) ExitCode() int {
	switch f {
	case FailureNone:
		return ExitOK
	case FailureSetup:
		return ExitSetup
	case FailurePrecondition:
		return ExitPrecondition
	case FailureProposal:
		return ExitProposalFailed
	case FailureImplementation:
		return ExitImplementationFailed
	case FailureVerification:
		return ExitVerificationFailed
	case FailureCommit:
		return ExitCommitFailed
	case FailureRollback:
		return ExitRollbackFailed
	default:
		return ExitSetup
	}
}
