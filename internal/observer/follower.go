// Package observer follows the per-day diagnostic log as it grows.
package observer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Follower copies a log file to a writer and keeps copying appended bytes,
// like tail -f. The file may not exist yet when following starts.
type Follower struct {
	path   string
	out    io.Writer
	logger *zap.Logger

	file *os.File
}

// NewFollower creates a follower for path
func NewFollower(path string, out io.Writer, logger *zap.Logger) *Follower {
	return &Follower{
		path:   filepath.Clean(path),
		out:    out,
		logger: logger,
	}
}

// Run copies the current contents and then follows until ctx is done
func (f *Follower) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()
	defer f.closeFile()

	// Watch the directory so creation and rotation are seen too
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(f.path), err)
	}

	if err := f.drain(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != f.path {
				continue
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				f.closeFile()
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				f.closeFile()
			}
			if err := f.drain(); err != nil {
				return err
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.logger.Warn("log watcher error", zap.Error(err))
		}
	}
}

// drain copies everything between the read position and the end of file
func (f *Follower) drain() error {
	if f.file == nil {
		file, err := os.Open(f.path)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		f.file = file
	}

	pos, err := f.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	info, err := f.file.Stat()
	if err != nil {
		return err
	}
	if info.Size() < pos {
		// truncated underneath us
		if _, err := f.file.Seek(0, io.SeekStart); err != nil {
			return err
		}
	}

	if _, err := io.Copy(f.out, f.file); err != nil {
		return fmt.Errorf("copying %s: %w", f.path, err)
	}
	return nil
}

func (f *Follower) closeFile() {
	if f.file != nil {
		f.file.Close()
		f.file = nil
	}
}
