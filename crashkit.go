// Package crashkit reports unhandled faults of a Go program. It captures a
// structured report of every fault that reaches one of its entry points,
// asks an operator prompt what to do, queues the report durably and sends it
// in the background through a pluggable sender.
//
// A typical host wires it in main:
//
//	s := crashkit.DefaultSettings()
//	s.Sender = crashkit.NewHTTPSender("https://crash.example.com/upload", nil)
//	r, err := crashkit.New(s)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer r.Close()
//	defer r.RecoverMain()
package crashkit

import (
	"log/slog"

	"github.com/hugo-lorenzo-mato/crashkit/internal/config"
	"github.com/hugo-lorenzo-mato/crashkit/internal/dispatch"
	"github.com/hugo-lorenzo-mato/crashkit/internal/dump"
	"github.com/hugo-lorenzo-mato/crashkit/internal/fault"
	"github.com/hugo-lorenzo-mato/crashkit/internal/prompt"
	"github.com/hugo-lorenzo-mato/crashkit/internal/queue"
	"github.com/hugo-lorenzo-mato/crashkit/internal/report"
	"github.com/hugo-lorenzo-mato/crashkit/internal/reporter"
	"github.com/hugo-lorenzo-mato/crashkit/internal/sender"
	"github.com/hugo-lorenzo-mato/crashkit/internal/storage"
)

type (
	// Reporter is a reporting session.
	Reporter = reporter.Reporter
	// Settings configures a Reporter.
	Settings = config.Settings
	// Option customizes a Reporter.
	Option = reporter.Option
	// Flow is the decision returned by Report.
	Flow = reporter.Flow
	// Enricher adds custom info to reports before the prompt fires.
	Enricher = reporter.Enricher
	// Event is an event-loop fault passed to HandleEvent.
	Event = reporter.Event
	// TaskEvent is an unobserved background fault passed to HandleTask.
	TaskEvent = reporter.TaskEvent
	// Pass summarizes a drain of the queue.
	Pass = dispatch.Pass

	Report      = report.Report
	GeneralInfo = report.GeneralInfo
	Snapshot    = fault.Snapshot

	Sender     = sender.Sender
	SenderFunc = sender.Func
	Prompt     = prompt.Prompt
	PromptFunc = prompt.Func
	Decision   = prompt.Result
	Backend    = storage.Backend
	Plugin     = queue.Plugin

	Severity     = dump.Severity
	DumpProducer = dump.Producer
)

const (
	Continue  = reporter.Continue
	Terminate = reporter.Terminate

	DumpNone   = dump.None
	DumpTiny   = dump.Tiny
	DumpNormal = dump.Normal
	DumpFull   = dump.Full
)

// ErrNotSent is returned by senders that did not deliver a report.
var ErrNotSent = sender.ErrNotSent

// New starts a reporting session.
func New(s Settings, opts ...Option) (*Reporter, error) { return reporter.New(s, opts...) }

// DefaultSettings returns the built-in settings: continue and send on every
// fault, up to ten queued reports in the profile directory, nothing sent.
func DefaultSettings() Settings { return config.Default() }

// WithExit replaces os.Exit for terminate decisions.
var WithExit = reporter.WithExit

// WithClock replaces the reporter clock.
var WithClock = reporter.WithClock

// RegisterFields adds a field extractor for faults of the given kind.
var RegisterFields = fault.RegisterFields

// SetHostVersion overrides the host application version put in reports.
var SetHostVersion = report.SetHostVersion

// NewHTTPSender returns a sender that uploads archives as multipart forms.
func NewHTTPSender(url string, logger *slog.Logger) *sender.HTTP { return sender.NewHTTP(url, logger) }

// NewDirectorySender returns a sender that copies archives into dir.
func NewDirectorySender(dir string) *sender.Directory { return &sender.Directory{Dir: dir} }

// NewDirectoryBackend returns a backend that queues reports in dir.
func NewDirectoryBackend(dir string, logger *slog.Logger) *storage.DirectoryBackend {
	return storage.NewDirectory(dir, storage.WithLogger(logger))
}

// NewProfileBackend opens the per-user backend of app.
func NewProfileBackend(app string, logger *slog.Logger) (*storage.ProfileBackend, error) {
	return storage.NewProfile(app, storage.WithLogger(logger))
}

// NewSQLiteBackend opens a backend that queues reports in a SQLite database.
func NewSQLiteBackend(path string, logger *slog.Logger) (*storage.SQLiteBackend, error) {
	return storage.NewSQLite(path, storage.WithLogger(logger))
}

// StaticPrompt answers every fault with d.
func StaticPrompt(d Decision) Prompt { return prompt.Static{Result: d} }

// NewTerminalPrompt returns the interactive terminal dialog. It falls back to
// continue-and-send when stdin is not a terminal.
func NewTerminalPrompt(logger *slog.Logger) *prompt.Terminal { return prompt.NewTerminal(logger) }
