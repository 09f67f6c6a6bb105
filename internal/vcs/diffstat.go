package vcs

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/hochfrequenz/daily-evolve/internal/domain"
)

// DiffStats returns the changed paths of a unified diff with their added
// and removed line counts
func DiffStats(unified string) ([]domain.FileChange, error) {
	if strings.TrimSpace(unified) == "" {
		return nil, nil
	}
	fileDiffs, err := diff.NewMultiFileDiffReader(strings.NewReader(unified)).ReadAllFiles()
	if err != nil {
		return nil, fmt.Errorf("parsing diff: %w", err)
	}

	changes := make([]domain.FileChange, 0, len(fileDiffs))
	for _, fd := range fileDiffs {
		fc := domain.FileChange{Path: diffPath(fd)}
		for _, hunk := range fd.Hunks {
			for _, line := range bytes.Split(hunk.Body, []byte("\n")) {
				switch {
				case bytes.HasPrefix(line, []byte("+")):
					fc.Added++
				case bytes.HasPrefix(line, []byte("-")):
					fc.Removed++
				}
			}
		}
		changes = append(changes, fc)
	}
	return changes, nil
}

// diffPath picks the surviving name of a file diff, falling back to the
// "diff --git" header for diffs without ---/+++ lines (empty or binary files)
func diffPath(fd *diff.FileDiff) string {
	name := fd.NewName
	if name == "" || name == "/dev/null" {
		name = fd.OrigName
	}
	if (name == "" || name == "/dev/null") && len(fd.Extended) > 0 {
		if fields := strings.Fields(fd.Extended[0]); len(fields) == 4 && fields[0] == "diff" {
			name = fields[3]
		}
	}
	return strings.TrimPrefix(strings.TrimPrefix(name, "b/"), "a/")
}
