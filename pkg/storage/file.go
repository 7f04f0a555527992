package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// File stores the blob in a single file on disk. Writes go through a
// temporary file and an atomic rename so readers never observe a partial
// blob. The file is created with 0600 permissions because it holds
// refresh tokens.
type File struct {
	path          string
	logger        *zap.Logger
	debounceDelay time.Duration

	mu        sync.Mutex
	lastWrite [sha256.Size]byte
}

// FileOption configures a File storage.
type FileOption func(*File)

// WithFileLogger sets the logger used by the file watcher.
func WithFileLogger(logger *zap.Logger) FileOption {
	return func(f *File) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithDebounceDelay sets how long the watcher waits for a burst of file
// events to settle before reporting a change.
func WithDebounceDelay(delay time.Duration) FileOption {
	return func(f *File) {
		if delay > 0 {
			f.debounceDelay = delay
		}
	}
}

// NewFile creates a file backed storage at path.
func NewFile(path string, opts ...FileOption) (*File, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve path: %w", err)
	}

	f := &File{
		path:          absPath,
		logger:        zap.NewNop(),
		debounceDelay: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Path returns the absolute path of the backing file.
func (f *File) Path() string {
	return f.path
}

// Read returns the contents of the backing file.
func (f *File) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: read %s: %w", f.path, err)
	}
	return data, nil
}

// Write atomically replaces the backing file with data.
func (f *File) Write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("storage: create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+".*")
	if err != nil {
		return fmt.Errorf("storage: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("storage: chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("storage: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("storage: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("storage: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("storage: rename: %w", err)
	}

	f.lastWrite = sha256.Sum256(data)
	return nil
}

// Watch reports changes to the backing file made by other writers. Changes
// that leave the file identical to the last blob written through this
// storage are ignored.
func (f *File) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("storage: create watcher: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		watcher.Close()
		return fmt.Errorf("storage: create directory: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("storage: watch %s: %w", dir, err)
	}

	f.logger.Debug("watching cache file", zap.String("path", f.path))

	go f.watch(ctx, watcher, onChange)
	return nil
}

func (f *File) watch(ctx context.Context, watcher *fsnotify.Watcher, onChange func()) {
	defer watcher.Close()

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != f.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(f.debounceDelay)
			debounceCh = debounceTimer.C

		case <-debounceCh:
			debounceCh = nil
			if f.changedExternally() {
				f.logger.Debug("cache file changed", zap.String("path", f.path))
				onChange()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			f.logger.Warn("cache file watcher error", zap.Error(err))
		}
	}
}

func (f *File) changedExternally() bool {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return !errors.Is(err, fs.ErrNotExist)
	}
	sum := sha256.Sum256(data)

	f.mu.Lock()
	defer f.mu.Unlock()
	return !bytes.Equal(sum[:], f.lastWrite[:])
}
