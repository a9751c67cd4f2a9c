package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/hugo-lorenzo-mato/crashkit/internal/core"
)

var errWouldBlock = errors.New("storage: lock held by another handle")

// lockedFile is an entry opened with an exclusive lock. Close releases the
// lock before closing the handle.
type lockedFile struct {
	*os.File
}

func (f *lockedFile) Close() error {
	uerr := unlock(f.File)
	if err := f.File.Close(); err != nil {
		return err
	}
	return uerr
}

// openExclusive opens an entry for reading and locks it. An entry that is
// locked elsewhere, or empty, yields a contention error.
func openExclusive(name string, open func() (*os.File, error)) (*lockedFile, error) {
	f, err := open()
	if err != nil {
		return nil, err
	}
	if err := tryLock(f); err != nil {
		f.Close()
		if errors.Is(err, errWouldBlock) {
			return nil, core.ErrLocked(name).WithCause(err)
		}
		return nil, fmt.Errorf("locking %s: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil || info.Size() == 0 {
		unlock(f)
		f.Close()
		return nil, core.ErrLocked(name)
	}
	return &lockedFile{File: f}, nil
}

// acquire turns contention into an empty result so a drain treats it as
// "try later".
func acquire(logger *slog.Logger, name string, open func() (*os.File, error)) (*lockedFile, string, error) {
	f, err := openExclusive(name, open)
	if err == nil {
		return f, name, nil
	}
	if errors.Is(err, core.ErrLockedTarget) {
		logger.Info("report entry is held by another instance", slog.String("name", name))
		return nil, "", nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return nil, "", nil
	}
	return nil, "", core.ErrStorage(fmt.Sprintf("opening %s", name)).WithCause(err)
}

// watchDir reports entries committed to dir until ctx is done. Backends
// commit by renaming a finished file into place, which the watcher sees as a
// create of the final name.
func watchDir(ctx context.Context, dir string, logger *slog.Logger, notify func(string)) error {
	w, err := startWatch(dir)
	if err != nil {
		return err
	}
	return runWatch(ctx, w, logger, notify)
}

func startWatch(dir string) (*fsnotify.Watcher, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating %s: %w", dir, err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching %s: %w", dir, err)
	}
	return w, nil
}

func runWatch(ctx context.Context, w *fsnotify.Watcher, logger *slog.Logger, notify func(string)) error {
	defer w.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			name := filepath.Base(ev.Name)
			if ev.Has(fsnotify.Create) && IsEntry(name) {
				notify(name)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("storage watcher error", slog.String("error", err.Error()))
		}
	}
}
