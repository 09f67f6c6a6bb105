package testgate

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hochfrequenz/daily-evolve/internal/domain"
	"github.com/hochfrequenz/daily-evolve/internal/runner"
)

func runContext(t *testing.T, timeout time.Duration) domain.RunContext {
	t.Helper()
	return domain.RunContext{
		RunID:   "20261019-060000",
		TestDir: t.TempDir(),
		Limits:  domain.Limits{Verify: domain.PhaseLimits{Timeout: timeout}},
	}
}

func newGate(t *testing.T, command ...string) *Gate {
	logger := zaptest.NewLogger(t)
	return New(runner.New(logger), command, logger)
}

func TestGate_Pass(t *testing.T) {
	rc := runContext(t, 10*time.Second)
	var sink bytes.Buffer
	rc.Sink = &sink

	res := newGate(t, "sh", "-c", "echo '3 passed in 0.01s'").Run(context.Background(), rc)

	assert.True(t, res.OK())
	assert.Equal(t, domain.PhaseVerify, res.Phase)
	assert.Contains(t, sink.String(), "[verify] 3 passed")
}

func TestGate_RunsInTestDir(t *testing.T) {
	rc := runContext(t, 10*time.Second)
	require.NoError(t, os.WriteFile(filepath.Join(rc.TestDir, "marker"), nil, 0644))

	res := newGate(t, "test", "-f", "marker").Run(context.Background(), rc)
	assert.True(t, res.OK())
}

func TestGate_Failures(t *testing.T) {
	tests := []struct {
		name    string
		command []string
		timeout time.Duration
		want    domain.Classification
	}{
		{"failing tests", []string{"sh", "-c", "echo '1 failed'; exit 1"}, 10 * time.Second, domain.ClassNonZeroExit},
		{"runner crash", []string{"sh", "-c", "exit 4"}, 10 * time.Second, domain.ClassNonZeroExit},
		{"missing binary", []string{"/nonexistent/pytest"}, 10 * time.Second, domain.ClassNonZeroExit},
		{"hang", []string{"sleep", "30"}, 200 * time.Millisecond, domain.ClassTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := newGate(t, tt.command...).Run(context.Background(), runContext(t, tt.timeout))
			assert.False(t, res.OK())
			assert.Equal(t, tt.want, res.Class)
		})
	}
}

func TestGate_NoCommand(t *testing.T) {
	res := newGate(t).Run(context.Background(), runContext(t, time.Second))
	assert.False(t, res.OK())
	assert.Error(t, res.Err)
}

func TestSummary(t *testing.T) {
	assert.Equal(t, "5 passed in 0.3s", summary("collected 5 items\n\n5 passed in 0.3s\n\n"))
	assert.Equal(t, "", summary(""))
}
