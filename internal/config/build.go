package config

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/hugo-lorenzo-mato/crashkit/internal/core"
	"github.com/hugo-lorenzo-mato/crashkit/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/crashkit/internal/dump"
	"github.com/hugo-lorenzo-mato/crashkit/internal/logging"
	"github.com/hugo-lorenzo-mato/crashkit/internal/prompt"
	"github.com/hugo-lorenzo-mato/crashkit/internal/queue"
	"github.com/hugo-lorenzo-mato/crashkit/internal/sender"
	"github.com/hugo-lorenzo-mato/crashkit/internal/storage"
)

// Logging returns the logger configuration described by the file.
func (cfg *FileConfig) Logging() logging.Config {
	lc := logging.DefaultConfig()
	if cfg.Log.Level != "" {
		lc.Level = cfg.Log.Level
	}
	if cfg.Log.Format != "" {
		lc.Format = cfg.Log.Format
	}
	return lc
}

// AppName returns the configured application name or the executable name.
func (cfg *FileConfig) AppName() string {
	if cfg.App != "" {
		return cfg.App
	}
	if exe, err := os.Executable(); err == nil {
		return strings.TrimSuffix(filepath.Base(exe), filepath.Ext(exe))
	}
	return "default"
}

// Build validates cfg and instantiates the backend, sender, prompt and
// plugins it names. The caller owns the returned Backend and must close it.
func (cfg *FileConfig) Build(logger *slog.Logger) (*Settings, error) {
	if err := NewValidator().Validate(cfg); err != nil {
		return nil, err
	}
	logger = logging.Or(logger)

	s := Default()
	s.Logger = logger
	s.HandleCorruptedState = cfg.Reporting.HandleCorruptedState
	s.StopReportingAfterDays = cfg.Reporting.StopReportingAfterDays
	s.MaxQueuedReports = cfg.Reporting.MaxQueued
	s.AdditionalFiles = append([]string(nil), cfg.Reporting.AdditionalFiles...)
	s.Redact = cfg.Reporting.Redact
	s.BackgroundSender = cfg.Sender.Background
	s.SendDelay = cfg.Sender.Delay
	s.WatchStorage = cfg.Sender.Watch

	if cfg.Reporting.DumpSeverity != "" {
		sev, err := dump.ParseSeverity(cfg.Reporting.DumpSeverity)
		if err != nil {
			return nil, err
		}
		s.DumpSeverity = sev
	}

	snd, err := cfg.BuildSender(logger)
	if err != nil {
		return nil, err
	}
	s.Sender = snd
	s.Prompt = cfg.buildPrompt(logger)

	if cfg.Reporting.Diagnostics {
		s.Plugins = append(s.Plugins, diagnostics.NewPlugin(diagnostics.NewCollector(), diagnostics.Options{
			IncludeEnv:  cfg.Reporting.IncludeEnv,
			IncludeArgs: true,
		}, logger))
	}

	backend, err := cfg.OpenBackend(logger)
	if err != nil {
		return nil, err
	}
	s.Backend = backend
	return &s, nil
}

// OpenBackend opens the configured storage backend.
func (cfg *FileConfig) OpenBackend(logger *slog.Logger) (storage.Backend, error) {
	opt := storage.WithLogger(logger)
	switch cfg.Storage.Backend {
	case BackendDirectory:
		return storage.NewDirectory(cfg.Storage.Dir, opt), nil
	case BackendSQLite:
		path := cfg.Storage.Path
		if path == "" {
			dir, err := storage.ProfileDir(cfg.AppName())
			if err != nil {
				return nil, err
			}
			path = filepath.Join(filepath.Dir(dir), "reports.db")
		}
		return storage.NewSQLite(path, opt)
	case BackendProfile, "":
		return storage.NewProfile(cfg.AppName(), opt)
	default:
		return nil, core.ErrValidation(core.CodeUnknownBackend, fmt.Sprintf("unknown storage backend %q", cfg.Storage.Backend))
	}
}

// BuildSender instantiates the configured sender.
func (cfg *FileConfig) BuildSender(logger *slog.Logger) (sender.Sender, error) {
	sc := cfg.Sender
	switch sc.Kind {
	case SenderNoOp, "":
		return sender.NoOp{}, nil
	case SenderHTTP:
		h := sender.NewHTTP(sc.HTTP.URL, logger)
		if sc.HTTP.Timeout > 0 {
			h.Client.Timeout = sc.HTTP.Timeout
		}
		if len(sc.HTTP.Headers) > 0 {
			h.Header = make(http.Header, len(sc.HTTP.Headers))
			for k, v := range sc.HTTP.Headers {
				h.Header.Set(k, v)
			}
		}
		return h, nil
	case SenderMail:
		mc := sc.Mail
		return &sender.Mail{
			From:          mc.From,
			FromName:      mc.FromName,
			To:            mc.To,
			Cc:            mc.Cc,
			Bcc:           mc.Bcc,
			ReplyTo:       mc.ReplyTo,
			UseAttachment: mc.Attach,
			CustomSubject: mc.Subject,
			CustomBody:    mc.Body,
			SMTPServer:    mc.Server,
			Port:          mc.Port,
			UseSSL:        mc.SSL,
			Priority:      mailPriority(mc.Priority),
			Username:      mc.Username,
			Password:      mc.Password,
		}, nil
	case SenderDirectory:
		return sender.Directory{Dir: sc.Directory.Dir}, nil
	default:
		return nil, core.ErrValidation(core.CodeUnknownSender, fmt.Sprintf("unknown sender %q", sc.Kind))
	}
}

func mailPriority(p string) sender.Priority {
	switch strings.ToLower(p) {
	case "high":
		return sender.PriorityHigh
	case "low":
		return sender.PriorityLow
	default:
		return sender.PriorityNormal
	}
}

func (cfg *FileConfig) buildPrompt(logger *slog.Logger) prompt.Prompt {
	static := prompt.Static{Result: prompt.Result{Send: cfg.Prompt.Send, Terminate: cfg.Prompt.Terminate}}
	if cfg.Prompt.Kind == PromptTerminal {
		t := prompt.NewTerminal(logger)
		t.Fallback = static
		return t
	}
	return static
}

// StoreOptions returns the queue options for s.
func (s *Settings) StoreOptions() queue.Options {
	return queue.Options{
		MaxQueued:       s.MaxQueuedReports,
		AdditionalFiles: s.AdditionalFiles,
		DumpSeverity:    s.DumpSeverity,
		DumpProducer:    s.DumpProducer,
		Plugins:         s.Plugins,
		Logger:          s.Logger,
	}
}
