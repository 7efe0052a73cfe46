package storage

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/natefinch/atomic"
	"golang.org/x/xerrors"
)

const lockRetryDelay = 10 * time.Millisecond

// File keeps one file per key inside a directory. Writers in different
// processes are serialized by an advisory lock and every write replaces
// the file atomically, so readers never see a partial snapshot. Two
// writers still race: the later Set wins.
type File struct {
	dir string

	// mu serializes writers within this process; lock does so across
	// processes.
	mu   sync.Mutex
	lock *flock.Flock
}

func NewFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, xerrors.Errorf("create storage directory: %w", err)
	}
	return &File{
		dir:  dir,
		lock: flock.New(filepath.Join(dir, ".lock")),
	}, nil
}

func (f *File) path(key string) string {
	return filepath.Join(f.dir, url.PathEscape(key)+".json")
}

func (f *File) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, xerrors.Errorf("read %q: %w", key, err)
	}
	return data, nil
}

func (f *File) Set(ctx context.Context, key string, value []byte) error {
	return f.withLock(ctx, func() error {
		if err := atomic.WriteFile(f.path(key), bytes.NewReader(value)); err != nil {
			return xerrors.Errorf("write %q: %w", key, err)
		}
		return nil
	})
}

func (f *File) Delete(ctx context.Context, key string) error {
	return f.withLock(ctx, func() error {
		err := os.Remove(f.path(key))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return xerrors.Errorf("remove %q: %w", key, err)
		}
		return nil
	})
}

func (f *File) withLock(ctx context.Context, fn func() error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	locked, err := f.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return xerrors.Errorf("acquire storage lock: %w", err)
	}
	if !locked {
		return xerrors.New("acquire storage lock: not acquired")
	}
	defer func() {
		_ = f.lock.Unlock()
	}()
	return fn()
}
