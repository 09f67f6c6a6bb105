// Package history appends run records to the cumulative markdown history.
package history

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hochfrequenz/daily-evolve/internal/domain"
)

const header = "# Evolution History\n\nOne entry per run, oldest first. Appended by daily-evolve; do not reorder.\n"

const headingSep = " · "

// noProposal labels aborted runs that never produced a proposal
const noProposal = "(no proposal)"

// Recorder appends to a single history document
type Recorder struct {
	path string
}

// New creates a Recorder for path
func New(path string) *Recorder {
	return &Recorder{path: path}
}

// Path returns the document location
func (r *Recorder) Path() string {
	return r.path
}

// Append writes one block for rec with a single append and fsyncs it.
// The file and its parent directories are created when missing.
func (r *Recorder) Append(rec domain.RunRecord) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0755); err != nil {
		return fmt.Errorf("creating history dir: %w", err)
	}
	f, err := os.OpenFile(r.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("opening history: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat history: %w", err)
	}

	var b strings.Builder
	if info.Size() == 0 {
		b.WriteString(header)
	}
	b.WriteString("\n")
	b.WriteString(Format(rec))

	if _, err := f.WriteString(b.String()); err != nil {
		f.Close()
		return fmt.Errorf("writing history: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing history: %w", err)
	}
	return f.Close()
}

// Format renders rec as a markdown block
func Format(rec domain.RunRecord) string {
	var b strings.Builder
	ts := rec.StartedAt.Format("2006-01-02 15:04:05")
	label := rec.Feature
	if label == "" {
		label = noProposal
	}
	fmt.Fprintf(&b, "## %s%s%s\n\n", ts, headingSep, label)
	fmt.Fprintf(&b, "- **Run:** %s\n", rec.RunID)

	switch rec.Status {
	case domain.RunCommitted:
		fmt.Fprintf(&b, "- **Status:** committed (%s)\n", shortHash(rec.CommitID))
	default:
		if rec.FailedPhase != "" {
			fmt.Fprintf(&b, "- **Status:** aborted (%s failure in %s)\n", rec.Failure, rec.FailedPhase)
		} else {
			fmt.Fprintf(&b, "- **Status:** aborted (%s failure)\n", rec.Failure)
		}
	}

	if rec.Description != "" {
		fmt.Fprintf(&b, "- **Description:** %s\n", oneLine(rec.Description))
	}
	if len(rec.Files) > 0 {
		b.WriteString("- **Files changed:**\n")
		for _, f := range rec.Files {
			fmt.Fprintf(&b, "  - `%s` (+%d/-%d)\n", f.Path, f.Added, f.Removed)
		}
	}
	return b.String()
}

// RecentFeatures returns the feature labels of the last n blocks, oldest
// first. A missing document yields no labels.
func (r *Recorder) RecentFeatures(n int) ([]string, error) {
	f, err := os.Open(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening history: %w", err)
	}
	defer f.Close()

	var labels []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "## ") {
			continue
		}
		if _, label, ok := strings.Cut(line, headingSep); ok {
			if label = strings.TrimSpace(label); label != noProposal {
				labels = append(labels, label)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}
	if n > 0 && len(labels) > n {
		labels = labels[len(labels)-n:]
	}
	return labels, nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
