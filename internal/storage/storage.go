// Package storage keeps queued report archives on a durable medium.
//
// Every backend names entries Exception_<filetime>.zip, where filetime is the
// UTC creation time in 100ns ticks since 1601-01-01. Names therefore sort in
// creation order, and all backends enumerate in name order, so "oldest" means
// the first name.
//
// Backends are safe for concurrent use. Cross-process exclusion is handled
// per backend: an entry held by another process is reported as absent, which
// callers treat as "try again later".
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hugo-lorenzo-mato/crashkit/internal/core"
)

// Pattern matches report entry names.
const Pattern = "Exception_*.zip"

// WriteStream receives a new report archive. Close commits the entry so it
// becomes visible to Count and Oldest; Abort discards it.
type WriteStream interface {
	io.WriteSeeker
	io.Closer
	Abort() error
}

// Backend is a report queue medium.
type Backend interface {
	// Count returns the number of queued entries.
	Count() (int, error)

	// Truncate deletes oldest entries until at most maxQueued remain. A
	// negative maxQueued leaves the queue alone; zero empties it.
	Truncate(maxQueued int) error

	// Create opens a stream for a new entry. It fails with a capacity error
	// when maxQueued > 0 and committed entries plus streams still open reach
	// maxQueued.
	Create(maxQueued int) (WriteStream, string, error)

	// Oldest opens the first entry. It returns a nil stream when the queue is
	// empty or the entry is held by someone else.
	Oldest() (io.ReadSeekCloser, string, error)

	// Remove deletes the named entry.
	Remove(name string) error

	// Close releases backend handles.
	Close() error
}

// Watcher is implemented by backends that can report entries added by other
// processes. Watch blocks until ctx is done, calling notify for each new
// entry.
type Watcher interface {
	Watch(ctx context.Context, notify func(name string)) error
}

// Browser is implemented by backends that can enumerate and open arbitrary
// entries, used by inspection tooling. Open fails with a contention error when
// the entry is held elsewhere.
type Browser interface {
	List() ([]string, error)
	Open(name string) (io.ReadSeekCloser, error)
}

// Option configures a backend.
type Option func(*options)

type options struct {
	logger *slog.Logger
	now    func() time.Time
}

// WithLogger sets the backend logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides the clock used for entry names.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(kind string, opts []Option) options {
	o := options{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.With(slog.String("backend", kind))
	return o
}

// fileTimeEpoch is the offset between 1601-01-01 and the Unix epoch in 100ns
// ticks.
const fileTimeEpoch = 116444736000000000

// FileTime converts t to a Windows-style filetime.
func FileTime(t time.Time) int64 {
	return t.UTC().UnixNano()/100 + fileTimeEpoch
}

// lastStamp guarantees strictly increasing names within the process.
var lastStamp atomic.Int64

func nextStamp(now time.Time) int64 {
	ft := FileTime(now)
	for {
		last := lastStamp.Load()
		next := max(ft, last+1)
		if lastStamp.CompareAndSwap(last, next) {
			return next
		}
	}
}

// EntryName formats the entry name for a filetime.
func EntryName(stamp int64) string {
	return fmt.Sprintf("Exception_%d.zip", stamp)
}

// IsEntry reports whether name matches Pattern.
func IsEntry(name string) bool {
	ok, err := filepath.Match(Pattern, name)
	return err == nil && ok
}

// entriesOf filters and sorts names into enumeration order.
func entriesOf(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if IsEntry(n) {
			out = append(out, n)
		}
	}
	slices.Sort(out)
	return out
}

// excess returns the oldest names to delete so that at most maxQueued remain.
func excess(names []string, maxQueued int) []string {
	if maxQueued < 0 || len(names) <= maxQueued {
		return nil
	}
	return names[:len(names)-maxQueued]
}

// slots counts streams handed out by Create that are not yet committed or
// discarded, so the capacity check sees entries still being written.
type slots struct {
	mu   sync.Mutex
	open int
}

// reserve takes a slot unless maxQueued > 0 and committed plus open entries
// already reach it.
func (s *slots) reserve(maxQueued int, committed func() (int, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if maxQueued > 0 {
		n, err := committed()
		if err != nil {
			return err
		}
		if n+s.open >= maxQueued {
			return core.ErrTooManyReports(maxQueued)
		}
	}
	s.open++
	return nil
}

func (s *slots) release() {
	s.mu.Lock()
	s.open--
	s.mu.Unlock()
}

// hold ties ws to a reserved slot. The slot is given back after the entry is
// committed or discarded.
func (s *slots) hold(ws WriteStream) WriteStream {
	return &heldStream{WriteStream: ws, release: s.release}
}

type heldStream struct {
	WriteStream
	once    sync.Once
	release func()
}

func (h *heldStream) Close() error {
	defer h.once.Do(h.release)
	return h.WriteStream.Close()
}

// Truncate passes through to the underlying stream.
func (h *heldStream) Truncate(size int64) error {
	if t, ok := h.WriteStream.(interface{ Truncate(int64) error }); ok {
		return t.Truncate(size)
	}
	return errors.ErrUnsupported
}

func (h *heldStream) Abort() error {
	defer h.once.Do(h.release)
	return h.WriteStream.Abort()
}
