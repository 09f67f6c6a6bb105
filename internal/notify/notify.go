// Package notify tells the operator how a run ended.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hochfrequenz/daily-evolve/internal/domain"
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Notification represents a notification to be sent
type Notification struct {
	Title   string
	Message string
	Type    NotificationType
	RunID   string // Optional run reference
	Fields  []Field
}

// Field is one labelled fact about a run, shown by channels that support it
type Field struct {
	Name  string
	Value string
}

// Field names set by ForRun
const (
	FieldFeature = "Feature"
	FieldOutcome = "Outcome"
	FieldFailure = "Failure"
	FieldPhase   = "Phase"
	FieldCommit  = "Commit"
	FieldElapsed = "Elapsed"
)

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers and joins their errors
func (m *MultiNotifier) Send(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(context.Context, Notification) error { return nil }

// FromConfig builds the notifier for the configured channels
func FromConfig(desktop bool, slackWebhook string) Notifier {
	var notifiers []Notifier
	if desktop {
		notifiers = append(notifiers, NewDesktopNotifier(true))
	}
	if slackWebhook != "" {
		notifiers = append(notifiers, NewSlackNotifier(slackWebhook))
	}
	if len(notifiers) == 0 {
		return NoopNotifier{}
	}
	return NewMultiNotifier(notifiers...)
}

// RunSummary is the part of a finished run a notification reports
type RunSummary struct {
	RunID       string
	Feature     string
	State       domain.State
	Failure     domain.FailureClass
	FailedPhase domain.Phase
	CommitID    string
	NoOp        bool
	Elapsed     time.Duration
	Err         error
}

// ForRun builds the notification for a terminal run
func ForRun(s RunSummary) Notification {
	n := Notification{RunID: s.RunID}
	elapsed := s.Elapsed.Round(time.Second)

	switch {
	case s.State == domain.StateDone && s.NoOp:
		n.Type = NotifyInfo
		n.Title = "daily-evolve: no changes"
		n.Message = fmt.Sprintf("%s produced no file changes (%s)", s.Feature, elapsed)
	case s.State == domain.StateDone:
		n.Type = NotifySuccess
		n.Title = "daily-evolve: committed " + s.Feature
		n.Message = fmt.Sprintf("commit %s after %s", shortHash(s.CommitID), elapsed)
	case s.Failure == domain.FailureRollback:
		n.Type = NotifyError
		n.Title = "daily-evolve: ROLLBACK FAILED"
		n.Message = "the working tree may be inconsistent and needs manual attention"
	case s.Failure == domain.FailurePrecondition:
		n.Type = NotifyWarning
		n.Title = "daily-evolve: skipped"
		n.Message = "precondition not met"
	default:
		n.Type = NotifyError
		n.Title = fmt.Sprintf("daily-evolve: %s failure", s.Failure)
		n.Message = fmt.Sprintf("aborted in %s after %s; changes reverted", s.FailedPhase, elapsed)
	}
	if s.Err != nil {
		n.Message += ": " + s.Err.Error()
	}
	n.Fields = runFields(s, elapsed)
	return n
}

func runFields(s RunSummary, elapsed time.Duration) []Field {
	var fields []Field
	if s.Feature != "" {
		fields = append(fields, Field{FieldFeature, s.Feature})
	}
	outcome := string(s.State)
	if s.NoOp {
		outcome += " (no-op)"
	}
	fields = append(fields, Field{FieldOutcome, outcome})
	if s.Failure != domain.FailureNone {
		fields = append(fields, Field{FieldFailure, string(s.Failure)})
	}
	if s.FailedPhase != "" {
		fields = append(fields, Field{FieldPhase, string(s.FailedPhase)})
	}
	if s.CommitID != "" {
		fields = append(fields, Field{FieldCommit, shortHash(s.CommitID)})
	}
	return append(fields, Field{FieldElapsed, elapsed.String()})
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
