package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/hugo-lorenzo-mato/crashkit/internal/core"
)

// DirectoryBackend queues reports as files in an explicit directory. New
// entries are written under a temporary name and renamed into place when
// committed.
type DirectoryBackend struct {
	dir   string
	opts  options
	slots slots
}

// NewDirectory returns a backend rooted at dir. The directory is created on
// the first write.
func NewDirectory(dir string, opts ...Option) *DirectoryBackend {
	return &DirectoryBackend{dir: dir, opts: buildOptions("directory", opts)}
}

// Dir returns the backend root.
func (b *DirectoryBackend) Dir() string { return b.dir }

func (b *DirectoryBackend) names() ([]string, error) {
	ents, err := os.ReadDir(b.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, core.ErrStorage("listing reports").WithCause(err)
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	return entriesOf(names), nil
}

// Count implements Backend.
func (b *DirectoryBackend) Count() (int, error) {
	names, err := b.names()
	return len(names), err
}

// Truncate implements Backend.
func (b *DirectoryBackend) Truncate(maxQueued int) error {
	if maxQueued < 0 {
		return nil
	}
	names, err := b.names()
	if err != nil {
		return err
	}
	doomed := excess(names, maxQueued)
	if len(doomed) == 0 {
		return nil
	}
	b.opts.logger.Debug("truncating report files",
		slog.Int("count", len(doomed)),
		slog.Int("max_queued", maxQueued),
		slog.String("dir", b.dir))

	var errs []error
	for _, name := range doomed {
		if err := os.Remove(filepath.Join(b.dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return core.ErrStorage("truncating reports").WithCause(errors.Join(errs...))
	}
	return nil
}

// Create implements Backend.
func (b *DirectoryBackend) Create(maxQueued int) (WriteStream, string, error) {
	if err := b.slots.reserve(maxQueued, b.Count); err != nil {
		return nil, "", err
	}
	ws, name, err := b.create()
	if err != nil {
		b.slots.release()
		return nil, "", err
	}
	return b.slots.hold(ws), name, nil
}

func (b *DirectoryBackend) create() (WriteStream, string, error) {
	if err := os.MkdirAll(b.dir, 0o700); err != nil {
		return nil, "", core.ErrStorage("creating report directory").WithCause(err)
	}

	name := EntryName(nextStamp(b.opts.now()))
	path := filepath.Join(b.dir, name)
	for {
		if _, err := os.Lstat(path); errors.Is(err, fs.ErrNotExist) {
			break
		}
		name = EntryName(nextStamp(b.opts.now()))
		path = filepath.Join(b.dir, name)
	}

	b.opts.logger.Debug("creating report file", slog.String("path", path))
	ws, err := newPending(path)
	if err != nil {
		return nil, "", core.ErrStorage(fmt.Sprintf("creating %s", name)).WithCause(err)
	}
	return ws, name, nil
}

// Oldest implements Backend.
func (b *DirectoryBackend) Oldest() (io.ReadSeekCloser, string, error) {
	names, err := b.names()
	if err != nil || len(names) == 0 {
		return nil, "", err
	}
	name := names[0]
	f, got, err := acquire(b.opts.logger, name, func() (*os.File, error) {
		return os.Open(filepath.Join(b.dir, name))
	})
	if f == nil {
		return nil, got, err
	}
	return f, got, nil
}

// List implements Browser.
func (b *DirectoryBackend) List() ([]string, error) { return b.names() }

// Open implements Browser.
func (b *DirectoryBackend) Open(name string) (io.ReadSeekCloser, error) {
	if !IsEntry(name) {
		return nil, core.ErrValidation(core.CodeReportMissing, fmt.Sprintf("%q is not a report entry", name))
	}
	f, err := openExclusive(name, func() (*os.File, error) {
		return os.Open(filepath.Join(b.dir, name))
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, core.ErrNotFound("report", name)
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Remove implements Backend.
func (b *DirectoryBackend) Remove(name string) error {
	if !IsEntry(name) {
		return core.ErrValidation(core.CodeReportMissing, fmt.Sprintf("%q is not a report entry", name))
	}
	b.opts.logger.Debug("deleting report file", slog.String("name", name))
	if err := os.Remove(filepath.Join(b.dir, name)); err != nil {
		return core.ErrStorage(fmt.Sprintf("removing %s", name)).WithCause(err)
	}
	return nil
}

// Watch implements Watcher.
func (b *DirectoryBackend) Watch(ctx context.Context, notify func(string)) error {
	return watchDir(ctx, b.dir, b.opts.logger, notify)
}

// Close implements Backend. The directory backend holds no handles.
func (b *DirectoryBackend) Close() error { return nil }

var (
	_ Backend = (*DirectoryBackend)(nil)
	_ Browser = (*DirectoryBackend)(nil)
	_ Watcher = (*DirectoryBackend)(nil)
)
