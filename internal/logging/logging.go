// Package logging builds the zap logger used by every run and owns the
// per-day diagnostic log file.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DailyLog is an append-only diagnostic log, one file per calendar date.
// It is safe for concurrent writers; zap records and raw process output
// share the same file.
type DailyLog struct {
	path string
	mu   sync.Mutex
	f    *os.File
}

// DailyLogPath returns the log file path for the given day
func DailyLogPath(dir string, day time.Time) string {
	return filepath.Join(dir, day.Format("2006-01-02")+".log")
}

// OpenDailyLog opens (creating if needed) the log file for day in dir
func OpenDailyLog(dir string, day time.Time) (*DailyLog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}
	path := DailyLogPath(dir, day)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return &DailyLog{path: path, f: f}, nil
}

// Path returns the file path
func (d *DailyLog) Path() string {
	return d.path
}

// Write appends p to the file
func (d *DailyLog) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return 0, os.ErrClosed
	}
	return d.f.Write(p)
}

// Sync flushes the file to disk
func (d *DailyLog) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return nil
	}
	return d.f.Sync()
}

// Close closes the file. Later writes fail with os.ErrClosed.
func (d *DailyLog) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return nil
	}
	err := d.f.Close()
	d.f = nil
	return err
}

// ParseLevel converts a level name to a zap level, defaulting to info
func ParseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return cfg
}

// New builds a console logger on stderr. When sink is non-nil every record
// is also written to it at debug level and above.
func New(level string, sink zapcore.WriteSyncer) *zap.Logger {
	enc := zapcore.NewConsoleEncoder(encoderConfig())
	cores := []zapcore.Core{
		zapcore.NewCore(enc, zapcore.Lock(os.Stderr), ParseLevel(level)),
	}
	if sink != nil {
		cores = append(cores, zapcore.NewCore(enc.Clone(), sink, zapcore.DebugLevel))
	}
	return zap.New(zapcore.NewTee(cores...))
}

// Sync flushes the logger, ignoring the harmless errors syncing a terminal returns
func Sync(l *zap.Logger) {
	_ = l.Sync()
}
