//go:build unix

// Package lock provides the exclusive run lock that keeps two pipelines
// from touching the same working tree at once.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrLockHeld is matched by errors.Is when another process holds the lock
var ErrLockHeld = errors.New("run lock is held by another process")

// HeldError reports who holds the lock
type HeldError struct {
	PID  int
	Path string
}

func (e *HeldError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("another daily-evolve run is active (PID %d, lock %s)", e.PID, e.Path)
	}
	return fmt.Sprintf("another daily-evolve run is active (check: lsof %s)", e.Path)
}

func (e *HeldError) Unwrap() error {
	return ErrLockHeld
}

// Lock is an advisory flock(2) lock with a PID file next to it.
// The kernel drops the flock when the process dies, so a crash never
// leaves a stale lock behind. Not safe for concurrent use.
type Lock struct {
	path    string
	pidPath string
	file    *os.File
}

// New creates a lock at <dir>/<name>.lock; it is not acquired yet
func New(dir, name string) *Lock {
	return &Lock{
		path:    filepath.Join(dir, name+".lock"),
		pidPath: filepath.Join(dir, name+".pid"),
	}
}

// Path returns the lock file location
func (l *Lock) Path() string {
	return l.path
}

// Acquire takes the lock without blocking. A held lock yields a *HeldError.
func (l *Lock) Acquire() error {
	if l.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("creating lock dir: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("opening lock file %s: %w", l.path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return &HeldError{PID: l.HolderPID(), Path: l.path}
		}
		return fmt.Errorf("acquiring lock: %w", err)
	}

	l.file = f
	// the PID file is informational only
	_ = os.WriteFile(l.pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644)
	return nil
}

// Release drops the lock. Safe to call when not held.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	os.Remove(l.pidPath)

	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("releasing lock: %w", err)
	}
	return nil
}

// Held reports whether this instance holds the lock
func (l *Lock) Held() bool {
	return l.file != nil
}

// HolderPID returns the PID recorded by the current holder, or 0
func (l *Lock) HolderPID() int {
	data, err := os.ReadFile(l.pidPath)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}
