// Package runstore is the SQLite ledger of runs, their phases and the
// files each commit touched.
package runstore

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hochfrequenz/daily-evolve/internal/domain"
)

// ErrNotFound is returned when a run id is unknown
var ErrNotFound = errors.New("run not found")

// Store provides SQLite-backed run persistence
type Store struct {
	db *sql.DB
}

// Run is one row of the ledger
type Run struct {
	ID          string
	StartedAt   time.Time
	FinishedAt  *time.Time
	State       domain.State
	Feature     string
	Description string
	Failure     domain.FailureClass
	FailedPhase domain.Phase
	ExitCode    int
	CommitID    string
	NoOp        bool
	LogPath     string
	CostUSD     float64 // summed over phases

	Phases []PhaseRow
	Files  []domain.FileChange
}

// PhaseRow is one recorded PhaseResult
type PhaseRow struct {
	Phase     domain.Phase
	Class     domain.Classification
	ExitCode  int
	Elapsed   time.Duration
	Truncated bool
	SessionID string
	CostUSD   float64
	Turns     int
	Error     string
}

// Outcome is what FinishRun stores
type Outcome struct {
	State       domain.State
	Feature     string
	Description string
	Failure     domain.FailureClass
	FailedPhase domain.Phase
	ExitCode    int
	CommitID    string
	NoOp        bool
	Files       []domain.FileChange
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// one writer; also keeps ":memory:" on a single database
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, err
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// StartRun inserts a new run in the start state
func (s *Store) StartRun(id string, startedAt time.Time, logPath string) error {
	_, err := s.db.Exec(`
		INSERT INTO runs (id, started_at, state, log_path)
		VALUES (?, ?, ?, ?)
	`, id, startedAt, string(domain.StateStart), logPath)
	return err
}

// UpdateState records a state transition
func (s *Store) UpdateState(id string, state domain.State) error {
	res, err := s.db.Exec(`UPDATE runs SET state = ? WHERE id = ?`, string(state), id)
	if err != nil {
		return err
	}
	return expectRow(res, id)
}

// RecordPhase appends a phase result to a run
func (s *Store) RecordPhase(runID string, r domain.PhaseResult) error {
	var errText string
	if r.Err != nil {
		errText = r.Err.Error()
	}
	var usage domain.Usage
	if r.Usage != nil {
		usage = *r.Usage
	}
	_, err := s.db.Exec(`
		INSERT INTO phases (run_id, phase, class, exit_code, elapsed_ms, truncated, session_id, cost_usd, turns, tokens_input, tokens_output, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		runID,
		string(r.Phase),
		string(r.Class),
		r.ExitCode,
		r.Elapsed.Milliseconds(),
		r.Truncated,
		usage.SessionID,
		usage.CostUSD,
		usage.Turns,
		usage.TokensInput,
		usage.TokensOutput,
		errText,
	)
	return err
}

// FinishRun stores the terminal outcome of a run
func (s *Store) FinishRun(id string, o Outcome) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		UPDATE runs SET
			finished_at = ?,
			state = ?,
			feature = ?,
			description = ?,
			failure = ?,
			failed_phase = ?,
			exit_code = ?,
			commit_id = ?,
			no_op = ?
		WHERE id = ?
	`,
		time.Now(),
		string(o.State),
		o.Feature,
		o.Description,
		string(o.Failure),
		string(o.FailedPhase),
		o.ExitCode,
		o.CommitID,
		o.NoOp,
		id,
	)
	if err != nil {
		return err
	}
	if err := expectRow(res, id); err != nil {
		return err
	}

	for _, f := range o.Files {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO changes (run_id, path, added, removed) VALUES (?, ?, ?, ?)`,
			id, f.Path, f.Added, f.Removed); err != nil {
			return err
		}
	}
	return tx.Commit()
}

const runColumns = `
	r.id, r.started_at, r.finished_at, r.state, r.feature, r.description, r.failure,
	r.failed_phase, r.exit_code, r.commit_id, r.no_op, r.log_path,
	(SELECT COALESCE(SUM(p.cost_usd), 0) FROM phases p WHERE p.run_id = r.id)
`

// ListRuns returns the most recent runs, newest first, without phases
func (s *Store) ListRuns(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM runs r ORDER BY r.started_at DESC, r.id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// GetRun returns a run with its phases and changed files
func (s *Store) GetRun(id string) (*Run, error) {
	run, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM runs r WHERE r.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	phases, err := s.db.Query(`
		SELECT phase, class, exit_code, elapsed_ms, truncated, session_id, cost_usd, turns, error
		FROM phases WHERE run_id = ? ORDER BY id
	`, id)
	if err != nil {
		return nil, err
	}
	defer phases.Close()
	for phases.Next() {
		var p PhaseRow
		var phase, class string
		var elapsedMS int64
		var sessionID, errText sql.NullString
		if err := phases.Scan(&phase, &class, &p.ExitCode, &elapsedMS, &p.Truncated, &sessionID, &p.CostUSD, &p.Turns, &errText); err != nil {
			return nil, err
		}
		p.Phase = domain.Phase(phase)
		p.Class = domain.Classification(class)
		p.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		p.SessionID = sessionID.String
		p.Error = errText.String
		run.Phases = append(run.Phases, p)
	}
	if err := phases.Err(); err != nil {
		return nil, err
	}

	files, err := s.db.Query(`SELECT path, added, removed FROM changes WHERE run_id = ? ORDER BY path`, id)
	if err != nil {
		return nil, err
	}
	defer files.Close()
	for files.Next() {
		var f domain.FileChange
		if err := files.Scan(&f.Path, &f.Added, &f.Removed); err != nil {
			return nil, err
		}
		run.Files = append(run.Files, f)
	}
	return run, files.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var run Run
	var state string
	var finished sql.NullTime
	var feature, description, failure, failedPhase, commitID, logPath sql.NullString
	var exitCode sql.NullInt64

	err := row.Scan(&run.ID, &run.StartedAt, &finished, &state, &feature, &description, &failure,
		&failedPhase, &exitCode, &commitID, &run.NoOp, &logPath, &run.CostUSD)
	if err != nil {
		return nil, err
	}

	run.State = domain.State(state)
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	run.Feature = feature.String
	run.Description = description.String
	run.Failure = domain.FailureClass(failure.String)
	run.FailedPhase = domain.Phase(failedPhase.String)
	run.ExitCode = int(exitCode.Int64)
	run.CommitID = commitID.String
	run.LogPath = logPath.String
	return &run, nil
}

func expectRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return nil
}
