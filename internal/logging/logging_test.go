package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestDailyLogPath(t *testing.T) {
	day := time.Date(2026, 10, 19, 6, 0, 0, 0, time.UTC)
	assert.Equal(t, filepath.Join("/var/log/evolve", "2026-10-19.log"), DailyLogPath("/var/log/evolve", day))
}

func TestDailyLog_AppendsAcrossOpens(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	day := time.Date(2026, 10, 19, 6, 0, 0, 0, time.UTC)

	first, err := OpenDailyLog(dir, day)
	require.NoError(t, err)
	_, err = first.Write([]byte("first run\n"))
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := OpenDailyLog(dir, day)
	require.NoError(t, err)
	_, err = second.Write([]byte("second run\n"))
	require.NoError(t, err)
	require.NoError(t, second.Close())

	data, err := os.ReadFile(DailyLogPath(dir, day))
	require.NoError(t, err)
	assert.Equal(t, "first run\nsecond run\n", string(data))
}

func TestDailyLog_WriteAfterClose(t *testing.T) {
	log, err := OpenDailyLog(t.TempDir(), time.Now())
	require.NoError(t, err)
	require.NoError(t, log.Close())

	_, err = log.Write([]byte("late"))
	assert.ErrorIs(t, err, os.ErrClosed)
	assert.NoError(t, log.Close())
}

func TestNew_WritesToSink(t *testing.T) {
	log, err := OpenDailyLog(t.TempDir(), time.Now())
	require.NoError(t, err)
	defer log.Close()

	logger := New("error", log)
	logger.Debug("state transition")
	Sync(logger)

	data, err := os.ReadFile(log.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), "state transition")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"WARN", zapcore.WarnLevel},
		{"warning", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"", zapcore.InfoLevel},
		{"verbose", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestPhaseWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewPhaseWriter(&buf, "implement")

	_, _ = w.Write([]byte("hello\nwor"))
	assert.Equal(t, "[implement] hello\n", buf.String())

	_, _ = w.Write([]byte("ld\npartial"))
	require.NoError(t, w.Flush())

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	assert.Equal(t, []string{"[implement] hello", "[implement] world", "[implement] partial"}, lines)

	require.NoError(t, w.Flush())
	assert.Len(t, strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n"), 3)
}

// countingWriter records how many bytes and lines pass through it
type countingWriter struct {
	bytes int
	lines int
	max   int
}

func (c *countingWriter) Write(b []byte) (int, error) {
	c.bytes += len(b)
	c.lines++
	if len(b) > c.max {
		c.max = len(b)
	}
	return len(b), nil
}

func TestPhaseWriter_LongLineIsSplit(t *testing.T) {
	out := &countingWriter{}
	w := NewPhaseWriter(out, "implement")

	chunk := bytes.Repeat([]byte("x"), 1<<20)
	for i := 0; i < 64; i++ {
		n, err := w.Write(chunk)
		require.NoError(t, err)
		require.Equal(t, len(chunk), n)
		assert.Less(t, len(w.buf), MaxLineBytes)
		assert.LessOrEqual(t, cap(w.buf), 2*MaxLineBytes)
	}
	require.NoError(t, w.Flush())

	prefix := len("[implement] ")
	assert.Equal(t, 64<<20/MaxLineBytes, out.lines)
	assert.Equal(t, 64<<20+out.lines*(prefix+1), out.bytes)
	assert.Equal(t, MaxLineBytes+prefix+1, out.max)
}

func TestPhaseWriter_SplitKeepsLaterLines(t *testing.T) {
	var buf bytes.Buffer
	w := NewPhaseWriter(&buf, "verify")

	_, _ = w.Write(bytes.Repeat([]byte("y"), MaxLineBytes+3))
	_, _ = w.Write([]byte("\nok\n"))

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "[verify] "+strings.Repeat("y", MaxLineBytes), lines[0])
	assert.Equal(t, "[verify] yyy", lines[1])
	assert.Equal(t, "[verify] ok", lines[2])
}
