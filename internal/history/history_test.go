package history

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/daily-evolve/internal/domain"
)

func committed(feature string, at time.Time) domain.RunRecord {
	return domain.RunRecord{
		RunID:       at.Format("20060102-150405"),
		StartedAt:   at,
		Feature:     feature,
		Description: "Adds a thing\nover two lines",
		Status:      domain.RunCommitted,
		CommitID:    "0123456789abcdef0123456789abcdef01234567",
		Files: []domain.FileChange{
			{Path: "src/main.py", Added: 10, Removed: 2},
			{Path: "src/tests/test_main.py", Added: 20},
		},
	}
}

func TestAppend_CreatesWithHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "evolution", "history.md")
	r := New(path)

	at := time.Date(2026, 10, 19, 6, 0, 0, 0, time.UTC)
	require.NoError(t, r.Append(committed("item-search", at)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)

	assert.True(t, strings.HasPrefix(content, "# Evolution History\n"))
	assert.Contains(t, content, "## 2026-10-19 06:00:00 · item-search\n")
	assert.Contains(t, content, "- **Run:** 20261019-060000\n")
	assert.Contains(t, content, "- **Status:** committed (0123456789ab)\n")
	assert.Contains(t, content, "- **Description:** Adds a thing over two lines\n")
	assert.Contains(t, content, "  - `src/main.py` (+10/-2)\n")
	assert.Contains(t, content, "  - `src/tests/test_main.py` (+20/-0)\n")
}

func TestAppend_NeverTruncates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.md")
	manual := "# My own title\n\nsome manual notes\n"
	require.NoError(t, os.WriteFile(path, []byte(manual), 0644))

	r := New(path)
	day := time.Date(2026, 10, 19, 6, 0, 0, 0, time.UTC)
	require.NoError(t, r.Append(committed("first", day)))
	require.NoError(t, r.Append(committed("second", day.Add(24*time.Hour))))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)

	assert.True(t, strings.HasPrefix(content, manual), "existing content must be kept")
	assert.Equal(t, 1, strings.Count(content, "# My own title"))
	assert.NotContains(t, content, "# Evolution History", "header only on a new file")
	assert.Less(t, strings.Index(content, "· first"), strings.Index(content, "· second"))
}

func TestFormat_Aborted(t *testing.T) {
	block := Format(domain.RunRecord{
		RunID:       "20261019-060000",
		StartedAt:   time.Date(2026, 10, 19, 6, 0, 0, 0, time.UTC),
		Feature:     "unnamed-feature",
		Status:      domain.RunAborted,
		Failure:     domain.FailureVerification,
		FailedPhase: domain.PhaseVerify,
	})

	assert.Contains(t, block, "## 2026-10-19 06:00:00 · unnamed-feature\n")
	assert.Contains(t, block, "- **Status:** aborted (verification failure in verify)\n")
	assert.NotContains(t, block, "Files changed")
	assert.NotContains(t, block, "Description")
}

func TestRecentFeatures(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.md")
	r := New(path)

	labels, err := r.RecentFeatures(5)
	require.NoError(t, err)
	assert.Empty(t, labels, "missing document has no features")

	day := time.Date(2026, 10, 1, 6, 0, 0, 0, time.UTC)
	for i, f := range []string{"a", "b", "c", "d"} {
		require.NoError(t, r.Append(committed(f, day.AddDate(0, 0, i))))
	}

	labels, err = r.RecentFeatures(2)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, labels)

	labels, err = r.RecentFeatures(0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, labels)
}

func TestAbortedWithoutProposal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.md")
	r := New(path)
	at := time.Date(2026, 10, 19, 6, 0, 0, 0, time.UTC)

	require.NoError(t, r.Append(committed("search", at.AddDate(0, 0, -1))))
	require.NoError(t, r.Append(domain.RunRecord{
		RunID:       "20261019-060000",
		StartedAt:   at,
		Status:      domain.RunAborted,
		Failure:     domain.FailureProposal,
		FailedPhase: domain.PhaseReview,
	}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "## 2026-10-19 06:00:00 · (no proposal)\n")

	labels, err := r.RecentFeatures(10)
	require.NoError(t, err)
	assert.Equal(t, []string{"search"}, labels)
}
