package config

import (
	"log/slog"
	"time"

	"github.com/hugo-lorenzo-mato/crashkit/internal/dump"
	"github.com/hugo-lorenzo-mato/crashkit/internal/prompt"
	"github.com/hugo-lorenzo-mato/crashkit/internal/queue"
	"github.com/hugo-lorenzo-mato/crashkit/internal/sender"
	"github.com/hugo-lorenzo-mato/crashkit/internal/storage"
)

// Settings is what a reporter runs with.
type Settings struct {
	// HandleCorruptedState accepts memory faults instead of re-panicking
	// them.
	HandleCorruptedState bool
	// StopReportingAfterDays stops persisting reports this many days after
	// installation. Negative disables the policy.
	StopReportingAfterDays int
	// InstallationDate anchors StopReportingAfterDays. Zero means the
	// modification time of the running executable.
	InstallationDate time.Time
	// MaxQueuedReports caps the queue. Zero or less is unbounded.
	MaxQueuedReports int
	// AdditionalFiles are paths or glob masks added under files/.
	AdditionalFiles []string

	DumpSeverity dump.Severity
	DumpProducer dump.Producer

	// BackgroundSender drains from a worker; otherwise the capturing
	// goroutine drains inline.
	BackgroundSender bool
	SendDelay        time.Duration
	// WatchStorage wakes the worker for reports queued by other processes.
	WatchStorage bool
	// Redact scrubs secrets from fault messages before they are persisted.
	Redact bool

	// Backend nil means the profile backend of the host application.
	Backend storage.Backend
	Sender  sender.Sender
	Prompt  prompt.Prompt
	Plugins []queue.Plugin

	Logger *slog.Logger
}

// Default returns the built-in settings.
func Default() Settings {
	return Settings{
		HandleCorruptedState:   true,
		StopReportingAfterDays: -1,
		MaxQueuedReports:       10,
		DumpSeverity:           dump.Normal,
		DumpProducer:           dump.Runtime{},
		BackgroundSender:       true,
		Redact:                 true,
		Sender:                 sender.NoOp{},
		Prompt:                 prompt.Default(),
	}
}
