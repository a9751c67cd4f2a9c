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
	"strings"
	"sync"

	"github.com/hugo-lorenzo-mato/crashkit/internal/core"
)

// ProfileBackend queues reports in a per-user, per-application directory
// under the user cache dir. All access goes through an os.Root session handle
// so entries cannot escape the profile directory. New entries are written
// under a hidden name and renamed into place when committed; readers lock the
// entry they hold.
type ProfileBackend struct {
	dir  string
	opts options

	mu   sync.RWMutex
	root *os.Root

	slots slots
}

// ProfileDir returns the profile directory used for app.
func ProfileDir(app string) (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("locating user cache dir: %w", err)
	}
	return filepath.Join(base, "crashkit", sanitizeApp(app), "reports"), nil
}

// NewProfile opens the profile backend for app.
func NewProfile(app string, opts ...Option) (*ProfileBackend, error) {
	dir, err := ProfileDir(app)
	if err != nil {
		return nil, err
	}
	return openProfile(dir, opts...)
}

func openProfile(dir string, opts ...Option) (*ProfileBackend, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, core.ErrStorage("creating profile directory").WithCause(err)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, core.ErrStorage("opening profile directory").WithCause(err)
	}
	return &ProfileBackend{dir: dir, opts: buildOptions("profile", opts), root: root}, nil
}

func sanitizeApp(app string) string {
	app = strings.TrimSpace(app)
	if app == "" {
		return "default"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, app)
}

// Dir returns the profile directory.
func (b *ProfileBackend) Dir() string { return b.dir }

func (b *ProfileBackend) session() (*os.Root, func(), error) {
	b.mu.RLock()
	if b.root == nil {
		b.mu.RUnlock()
		return nil, nil, core.ErrStorage("profile backend is closed").WithCause(os.ErrClosed)
	}
	return b.root, b.mu.RUnlock, nil
}

func (b *ProfileBackend) names() ([]string, error) {
	root, release, err := b.session()
	if err != nil {
		return nil, err
	}
	defer release()

	d, err := root.Open(".")
	if err != nil {
		return nil, core.ErrStorage("listing reports").WithCause(err)
	}
	defer d.Close()
	ents, err := d.ReadDir(-1)
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
func (b *ProfileBackend) Count() (int, error) {
	names, err := b.names()
	return len(names), err
}

// Truncate implements Backend.
func (b *ProfileBackend) Truncate(maxQueued int) error {
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
	b.opts.logger.Debug("truncating profile report files",
		slog.Int("count", len(doomed)),
		slog.Int("max_queued", maxQueued))

	root, release, err := b.session()
	if err != nil {
		return err
	}
	defer release()

	var errs []error
	for _, name := range doomed {
		if err := root.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return core.ErrStorage("truncating reports").WithCause(errors.Join(errs...))
	}
	return nil
}

// Create implements Backend. Streams still open count toward maxQueued.
func (b *ProfileBackend) Create(maxQueued int) (WriteStream, string, error) {
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

func (b *ProfileBackend) create() (WriteStream, string, error) {
	root, release, err := b.session()
	if err != nil {
		return nil, "", err
	}
	defer release()

	for {
		name := EntryName(nextStamp(b.opts.now()))
		if _, err := root.Lstat(name); err == nil {
			continue
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", core.ErrStorage(fmt.Sprintf("checking %s", name)).WithCause(err)
		}
		tmp := "." + name + ".tmp"
		f, err := root.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return nil, "", core.ErrStorage(fmt.Sprintf("creating %s", name)).WithCause(err)
		}
		b.opts.logger.Debug("creating profile report file", slog.String("name", name))
		return &profileStream{File: f, dir: b.dir, tmp: tmp, name: name}, name, nil
	}
}

// Oldest implements Backend.
func (b *ProfileBackend) Oldest() (io.ReadSeekCloser, string, error) {
	names, err := b.names()
	if err != nil || len(names) == 0 {
		return nil, "", err
	}
	root, release, err := b.session()
	if err != nil {
		return nil, "", err
	}
	defer release()

	name := names[0]
	f, got, err := acquire(b.opts.logger, name, func() (*os.File, error) {
		return root.Open(name)
	})
	if f == nil {
		return nil, got, err
	}
	return f, got, nil
}

// List implements Browser.
func (b *ProfileBackend) List() ([]string, error) { return b.names() }

// Open implements Browser.
func (b *ProfileBackend) Open(name string) (io.ReadSeekCloser, error) {
	if !IsEntry(name) {
		return nil, core.ErrValidation(core.CodeReportMissing, fmt.Sprintf("%q is not a report entry", name))
	}
	root, release, err := b.session()
	if err != nil {
		return nil, err
	}
	defer release()
	f, err := openExclusive(name, func() (*os.File, error) { return root.Open(name) })
	if errors.Is(err, fs.ErrNotExist) {
		return nil, core.ErrNotFound("report", name)
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Remove implements Backend.
func (b *ProfileBackend) Remove(name string) error {
	if !IsEntry(name) {
		return core.ErrValidation(core.CodeReportMissing, fmt.Sprintf("%q is not a report entry", name))
	}
	root, release, err := b.session()
	if err != nil {
		return err
	}
	defer release()

	b.opts.logger.Debug("deleting profile report file", slog.String("name", name))
	if err := root.Remove(name); err != nil {
		return core.ErrStorage(fmt.Sprintf("removing %s", name)).WithCause(err)
	}
	return nil
}

// Watch implements Watcher.
func (b *ProfileBackend) Watch(ctx context.Context, notify func(string)) error {
	return watchDir(ctx, b.dir, b.opts.logger, notify)
}

// Close releases the session handle. It is safe to call more than once.
func (b *ProfileBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.root == nil {
		return nil
	}
	err := b.root.Close()
	b.root = nil
	if err != nil {
		b.opts.logger.Warn("closing profile storage", slog.String("error", err.Error()))
	}
	return nil
}

// profileStream is an entry being written under its hidden name. Close
// renames it into place.
type profileStream struct {
	*os.File
	dir  string
	tmp  string
	name string
	done bool
}

func (s *profileStream) Close() error {
	if s.done {
		return nil
	}
	s.done = true
	tmp := filepath.Join(s.dir, s.tmp)
	if err := s.File.Close(); err != nil {
		os.Remove(tmp)
		return core.ErrStorage(fmt.Sprintf("writing %s", s.name)).WithCause(err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, s.name)); err != nil {
		os.Remove(tmp)
		return core.ErrStorage(fmt.Sprintf("committing %s", s.name)).WithCause(err)
	}
	return nil
}

func (s *profileStream) Abort() error {
	if s.done {
		return nil
	}
	s.done = true
	err := s.File.Close()
	if rerr := os.Remove(filepath.Join(s.dir, s.tmp)); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
		err = errors.Join(err, rerr)
	}
	return err
}

var (
	_ Backend = (*ProfileBackend)(nil)
	_ Browser = (*ProfileBackend)(nil)
	_ Watcher = (*ProfileBackend)(nil)
)
