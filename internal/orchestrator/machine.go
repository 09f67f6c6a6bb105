package orchestrator

import (
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/hochfrequenz/daily-evolve/internal/domain"
)

// transitions lists the allowed successors of every state
var transitions = map[domain.State][]domain.State{
	domain.StateStart:        {domain.StateProposing, domain.StateAborted},
	domain.StateProposing:    {domain.StateImplementing, domain.StateAborted},
	domain.StateImplementing: {domain.StateVerifying, domain.StateRollingBack},
	domain.StateVerifying:    {domain.StateCommitting, domain.StateRollingBack},
	domain.StateCommitting:   {domain.StateRecording, domain.StateDone, domain.StateRollingBack},
	domain.StateRecording:    {domain.StateDone},
	domain.StateRollingBack:  {domain.StateAborted},
}

// CanTransition reports whether from -> to is an edge of the state machine
func CanTransition(from, to domain.State) bool {
	return slices.Contains(transitions[from], to)
}

// machine tracks the current state of one run
type machine struct {
	state  domain.State
	path   []domain.State
	logger *zap.Logger
	ledger Ledger
	runID  string
}

func newMachine(runID string, logger *zap.Logger, ledger Ledger) *machine {
	return &machine{
		state:  domain.StateStart,
		path:   []domain.State{domain.StateStart},
		logger: logger,
		ledger: ledger,
		runID:  runID,
	}
}

// to moves the machine to next. An edge missing from the table is a bug
// in the orchestrator and leaves the state unchanged.
func (m *machine) to(next domain.State) error {
	if !CanTransition(m.state, next) {
		return fmt.Errorf("invalid transition %s -> %s", m.state, next)
	}
	m.logger.Info("state transition", zap.String("from", string(m.state)), zap.String("to", string(next)))
	m.state = next
	m.path = append(m.path, next)

	if err := m.ledger.UpdateState(m.runID, next); err != nil {
		m.logger.Warn("ledger update failed", zap.Error(err))
	}
	return nil
}

// visited reports whether the run passed through s
func (m *machine) visited(s domain.State) bool {
	return slices.Contains(m.path, s)
}
