// Package reporter runs the capture pipeline: a fault is normalized into a
// report, offered to the operator prompt, persisted and handed to the
// dispatcher. The entry points in this package funnel every fault source into
// that pipeline.
package reporter

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hugo-lorenzo-mato/crashkit/internal/config"
	"github.com/hugo-lorenzo-mato/crashkit/internal/core"
	"github.com/hugo-lorenzo-mato/crashkit/internal/dispatch"
	"github.com/hugo-lorenzo-mato/crashkit/internal/dump"
	"github.com/hugo-lorenzo-mato/crashkit/internal/fault"
	"github.com/hugo-lorenzo-mato/crashkit/internal/logging"
	"github.com/hugo-lorenzo-mato/crashkit/internal/prompt"
	"github.com/hugo-lorenzo-mato/crashkit/internal/queue"
	"github.com/hugo-lorenzo-mato/crashkit/internal/report"
	"github.com/hugo-lorenzo-mato/crashkit/internal/sender"
	"github.com/hugo-lorenzo-mato/crashkit/internal/storage"
)

// Flow is what the host should do after a fault was handled.
type Flow int

const (
	// Continue lets the host carry on.
	Continue Flow = iota
	// Terminate ends the process.
	Terminate
)

func (f Flow) String() string {
	if f == Terminate {
		return "terminate"
	}
	return "continue"
}

// Enricher is called with every captured fault before the prompt fires. It
// may set CustomInfo and register attachments.
type Enricher func(err error, r *report.Report)

// Option customizes a Reporter.
type Option func(*Reporter)

// WithExit replaces os.Exit for terminate decisions.
func WithExit(fn func(code int)) Option {
	return func(r *Reporter) { r.exit = fn }
}

// WithClock replaces the clock used for capture times and the retention
// policy.
func WithClock(now func() time.Time) Option {
	return func(r *Reporter) { r.now = now }
}

// Reporter is one reporting session. It is safe for concurrent use by any
// number of fault sources.
type Reporter struct {
	settings    config.Settings
	logger      *slog.Logger
	store       *queue.Store
	coord       *dispatch.Coordinator
	sanitizer   *logging.Sanitizer
	installDate time.Time
	ownsBackend bool

	handleFaults atomic.Bool

	mu        sync.Mutex
	enrichers []Enricher

	exit      func(int)
	now       func() time.Time
	closeOnce sync.Once
	closeErr  error
}

// New starts a reporting session. A nil Backend opens the profile backend of
// the running executable, which the reporter then owns.
func New(s config.Settings, opts ...Option) (*Reporter, error) {
	r := &Reporter{exit: os.Exit, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}

	s.Logger = logging.Or(s.Logger)
	if s.Sender == nil {
		s.Sender = sender.NoOp{}
	}
	if s.Prompt == nil {
		s.Prompt = prompt.Default()
	}
	if s.DumpProducer == nil {
		s.DumpProducer = dump.Runtime{}
	}
	if s.Backend == nil {
		b, err := storage.NewProfile(executableName(), storage.WithLogger(s.Logger))
		if err != nil {
			return nil, fmt.Errorf("opening profile storage: %w", err)
		}
		s.Backend = b
		r.ownsBackend = true
	}
	if err := config.ValidateSettings(&s); err != nil {
		r.closeBackend(s.Backend)
		return nil, err
	}

	r.settings = s
	r.logger = s.Logger
	r.sanitizer = logging.NewSanitizer()
	r.installDate = installationDate(s.InstallationDate, r.now)
	r.handleFaults.Store(true)

	r.store = queue.New(s.Backend, s.StoreOptions())
	if s.MaxQueuedReports > 0 {
		if err := r.store.Truncate(s.MaxQueuedReports); err != nil {
			r.logger.Error("truncating report queue", slog.String("error", err.Error()))
		}
	}
	r.coord = dispatch.New(r.store, dispatch.Options{
		Sender:     s.Sender,
		Background: s.BackgroundSender,
		SendDelay:  s.SendDelay,
		Watch:      s.WatchStorage,
		Logger:     s.Logger,
	})
	return r, nil
}

func (r *Reporter) closeBackend(b storage.Backend) {
	if r.ownsBackend && b != nil {
		b.Close()
	}
}

func executableName() string {
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	return strings.TrimSuffix(filepath.Base(exe), filepath.Ext(exe))
}

// installationDate falls back to the modification time of the executable,
// then to now.
func installationDate(set time.Time, now func() time.Time) time.Time {
	if !set.IsZero() {
		return set
	}
	if exe, err := os.Executable(); err == nil {
		if info, err := os.Stat(exe); err == nil {
			return info.ModTime()
		}
	}
	return now()
}

// Settings returns the settings the session runs with.
func (r *Reporter) Settings() config.Settings { return r.settings }

// Store returns the report queue.
func (r *Reporter) Store() *queue.Store { return r.store }

// InstallationDate returns the anchor of the retention policy.
func (r *Reporter) InstallationDate() time.Time { return r.installDate }

// HandleFaults reports whether the entry points are active.
func (r *Reporter) HandleFaults() bool { return r.handleFaults.Load() }

// SetHandleFaults turns every entry point on or off. When off, panics are
// re-raised and events are left unhandled.
func (r *Reporter) SetHandleFaults(on bool) { r.handleFaults.Store(on) }

// OnReport registers an enricher. Enrichers run in registration order.
func (r *Reporter) OnReport(fn Enricher) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.enrichers = append(r.enrichers, fn)
	r.mu.Unlock()
}

// Report runs the pipeline for err as if it had reached an entry point.
func (r *Reporter) Report(err error) Flow {
	return r.capture("manual", err)
}

// SendReports drains the queue on the calling goroutine.
func (r *Reporter) SendReports(ctx context.Context) (dispatch.Pass, error) {
	return r.coord.SendReports(ctx)
}

// Close stops the background worker and releases an owned backend. It is safe
// to call more than once.
func (r *Reporter) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.coord.Close()
		if r.ownsBackend {
			if err := r.settings.Backend.Close(); err != nil && r.closeErr == nil {
				r.closeErr = err
			}
		}
	})
	return r.closeErr
}

// accepts reports whether err may be handled with the current settings.
// Memory faults are left alone unless corrupted-state handling is on.
func (r *Reporter) accepts(err error) bool {
	return r.settings.HandleCorruptedState || !fault.IsMemoryFault(err)
}

func (r *Reporter) expired(now time.Time) bool {
	days := r.settings.StopReportingAfterDays
	return days >= 0 && !r.installDate.AddDate(0, 0, days).After(now)
}

// capture is the pipeline shared by all entry points. Any panic inside it
// aborts the attempt and asks the host to terminate.
func (r *Reporter) capture(source string, err error) (flow Flow) {
	log := r.logger.With(slog.String("source", source))
	defer func() {
		if v := recover(); v != nil {
			cerr := core.ErrCapture(fmt.Sprint(v))
			log.Error("report generation failed",
				slog.String("error", cerr.Error()),
				slog.String("category", string(cerr.Category)))
			flow = Terminate
		}
	}()

	now := r.now()
	snap := fault.Normalize(err)
	if r.settings.Redact {
		r.redact(snap)
	}
	rep := report.AssembleAt(snap, now)
	log.Debug("report assembled",
		slog.String("report_id", rep.GeneralInfo.ReportID),
		slog.String("kind", rep.GeneralInfo.ExceptionType))

	r.enrich(log, err, rep)

	res := r.settings.Prompt.Ask(rep)
	log.Debug("prompt answered", slog.Bool("send", res.Send), slog.Bool("terminate", res.Terminate))

	if res.Send {
		r.persist(log, rep, now)
	}
	if res.Terminate {
		return Terminate
	}
	return Continue
}

func (r *Reporter) enrich(log *slog.Logger, err error, rep *report.Report) {
	r.mu.Lock()
	fns := append([]Enricher(nil), r.enrichers...)
	r.mu.Unlock()

	for i, fn := range fns {
		func() {
			defer func() {
				if v := recover(); v != nil {
					log.Warn("report enricher panicked",
						slog.Int("enricher", i),
						slog.String("error", fmt.Sprint(v)))
				}
			}()
			fn(err, rep)
		}()
	}
}

func (r *Reporter) persist(log *slog.Logger, rep *report.Report, now time.Time) {
	if r.expired(now) {
		log.Info("reporting period is over, clearing queued reports",
			slog.Time("installed", r.installDate),
			slog.Int("stop_after_days", r.settings.StopReportingAfterDays))
		if err := r.store.Clear(); err != nil {
			log.Error("clearing report queue", slog.String("error", err.Error()))
		}
		return
	}

	name, err := r.store.Write(rep)
	if err == nil {
		log.Info("report queued", slog.String("report", name), slog.String("summary", rep.String()))
	}
	r.wake(log)
}

// wake drains in the background when a worker runs, inline otherwise.
func (r *Reporter) wake(log *slog.Logger) {
	if r.coord.Background() {
		r.coord.Signal()
		return
	}
	pass, err := r.coord.SendReports(context.Background())
	if err != nil {
		log.Error("sending reports", slog.String("error", err.Error()))
		return
	}
	log.Debug("reports drained inline",
		slog.Int("sent", pass.Sent),
		slog.Int("failed", pass.Failed),
		slog.Int("discarded", pass.Discarded))
}

// redact scrubs secrets from every message and string field of the chain.
func (r *Reporter) redact(s *fault.Snapshot) {
	if s == nil {
		return
	}
	s.Message = r.sanitizer.Sanitize(s.Message)
	if s.ExtendedFields != nil {
		s.ExtendedFields = r.sanitizer.SanitizeMap(s.ExtendedFields)
	}
	if s.Data != nil {
		s.Data = r.sanitizer.SanitizeMap(s.Data)
	}
	r.redact(s.Inner)
	for _, in := range s.Inners {
		r.redact(in)
	}
}
