// Package queue persists reports as archives in a storage backend and reads
// them back for sending.
//
// Every archive holds an "exception" entry (the serialized fault snapshot)
// and a "report" entry (the report without its snapshot). An optional
// "minidump" entry carries the dump producer's output, and additional files
// live under "files/", keeping their path relative to the root of the mask
// that matched them.
package queue

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hugo-lorenzo-mato/crashkit/internal/archive"
	"github.com/hugo-lorenzo-mato/crashkit/internal/core"
	"github.com/hugo-lorenzo-mato/crashkit/internal/dump"
	"github.com/hugo-lorenzo-mato/crashkit/internal/fault"
	"github.com/hugo-lorenzo-mato/crashkit/internal/logging"
	"github.com/hugo-lorenzo-mato/crashkit/internal/report"
	"github.com/hugo-lorenzo-mato/crashkit/internal/storage"
)

// Archive entry names.
const (
	EntryException = "exception"
	EntryReport    = "report"
	EntryDump      = "minidump"
	FilesPrefix    = "files/"
)

// Plugin takes part in writing every report. PreProcess runs before the
// report is serialized and may modify it; the files it returns are added
// under FilesPrefix. PostProcess runs once the archive is written or has
// failed.
type Plugin interface {
	PreProcess(r *report.Report) ([]string, error)
	PostProcess(r *report.Report)
}

// Options configures a Store.
type Options struct {
	// MaxQueued caps the number of queued archives; zero or less is
	// unbounded.
	MaxQueued int

	// AdditionalFiles are paths or glob masks of files added to every
	// archive.
	AdditionalFiles []string

	DumpSeverity dump.Severity
	DumpProducer dump.Producer

	Plugins []Plugin

	// ForceDeflate keeps deflate output even where it grows the data.
	ForceDeflate bool

	Logger *slog.Logger
}

// Store persists reports in a backend.
type Store struct {
	backend storage.Backend
	opts    Options
	logger  *slog.Logger
	now     func() time.Time
}

// New returns a Store over backend.
func New(backend storage.Backend, opts Options) *Store {
	return &Store{
		backend: backend,
		opts:    opts,
		logger:  logging.Or(opts.Logger),
		now:     time.Now,
	}
}

// Backend returns the underlying backend.
func (s *Store) Backend() storage.Backend { return s.backend }

// Count returns the number of queued reports.
func (s *Store) Count() (int, error) { return s.backend.Count() }

// HasReports reports whether anything is queued. Errors count as "no".
func (s *Store) HasReports() bool {
	n, err := s.backend.Count()
	return err == nil && n > 0
}

// Truncate deletes the oldest reports until at most maxQueued remain.
func (s *Store) Truncate(maxQueued int) error { return s.backend.Truncate(maxQueued) }

// Clear deletes every queued report.
func (s *Store) Clear() error { return s.backend.Truncate(0) }

// Element is a queued report opened for sending. Close releases the entry;
// Remove releases and deletes it.
type Element struct {
	Name   string
	Report *report.Report

	stream  io.ReadSeekCloser
	backend storage.Backend
	closed  bool
}

// Stream returns the raw archive, rewound to the start.
func (e *Element) Stream() (io.ReadSeeker, error) {
	if _, err := e.stream.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewinding %s: %w", e.Name, err)
	}
	return e.stream, nil
}

// Close releases the entry handle.
func (e *Element) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	return e.stream.Close()
}

// Remove closes the element and deletes its entry.
func (e *Element) Remove() error {
	cerr := e.Close()
	if err := e.backend.Remove(e.Name); err != nil {
		return err
	}
	return cerr
}

// First opens the oldest queued report. It returns nil when the queue is
// empty or the oldest entry is held elsewhere. A corrupt archive is deleted
// and reported as an archive error, so a caller can move on to the next one.
func (s *Store) First() (*Element, error) {
	rs, name, err := s.backend.Oldest()
	if err != nil || rs == nil {
		return nil, err
	}
	r, err := Decode(rs)
	if err != nil {
		rs.Close()
		s.logger.Warn("discarding unreadable report", slog.String("report", name), slog.String("error", err.Error()))
		if rerr := s.backend.Remove(name); rerr != nil {
			return nil, fmt.Errorf("%w (after archive error: %v)", rerr, err)
		}
		return nil, err
	}
	return &Element{Name: name, Report: r, stream: rs, backend: s.backend}, nil
}

// Decode reads the report and exception entries of an archive.
func Decode(rs io.ReadSeeker) (*report.Report, error) {
	ar, err := archive.NewReader(rs)
	if err != nil {
		return nil, core.ErrArchiveCorrupt("reading report archive").WithCause(err)
	}
	raw, err := ar.ReadAll(EntryReport)
	if err != nil {
		return nil, core.ErrArchiveCorrupt("reading report entry").WithCause(err)
	}
	var r report.Report
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, core.ErrArchiveCorrupt("decoding report entry").WithCause(err)
	}
	raw, err = ar.ReadAll(EntryException)
	if err != nil {
		return nil, core.ErrArchiveCorrupt("reading exception entry").WithCause(err)
	}
	var snap *fault.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, core.ErrArchiveCorrupt("decoding exception entry").WithCause(err)
	}
	r.Exception = snap
	return &r, nil
}
