package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/crashkit/internal/core"
	"github.com/hugo-lorenzo-mato/crashkit/internal/dump"
)

// Backend, sender and prompt kinds accepted in configuration files.
const (
	BackendDirectory = "directory"
	BackendProfile   = "profile"
	BackendSQLite    = "sqlite"

	SenderNoOp      = "noop"
	SenderHTTP      = "http"
	SenderMail      = "mail"
	SenderDirectory = "directory"

	PromptStatic   = "static"
	PromptTerminal = "terminal"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation: %s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// Errors returns the collected validation errors.
func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

func (v *Validator) addError(field string, value interface{}, msg string) {
	v.errors = append(v.errors, ValidationError{
		Field:   field,
		Value:   value,
		Message: msg,
	})
}

func (v *Validator) result() error {
	if len(v.errors) == 0 {
		return nil
	}
	return core.ErrValidation(core.CodeInvalidConfig, "invalid configuration").WithCause(v.errors)
}

// Validate checks a loaded configuration file.
func (v *Validator) Validate(cfg *FileConfig) error {
	v.validateLog(&cfg.Log)
	v.validateReporting(&cfg.Reporting)
	v.validateStorage(&cfg.Storage)
	v.validateSender(&cfg.Sender)
	v.validatePrompt(&cfg.Prompt)
	return v.result()
}

func (v *Validator) validateLog(cfg *LogConfig) {
	switch strings.ToLower(cfg.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		v.addError("log.level", cfg.Level, "must be debug, info, warn or error")
	}
	switch strings.ToLower(cfg.Format) {
	case "", "auto", "text", "json":
	default:
		v.addError("log.format", cfg.Format, "must be auto, text or json")
	}
}

func (v *Validator) validateReporting(cfg *ReportingConfig) {
	if cfg.DumpSeverity != "" {
		if _, err := dump.ParseSeverity(cfg.DumpSeverity); err != nil {
			v.addError("reporting.dump_severity", cfg.DumpSeverity, "must be none, tiny, normal or full")
		}
	}
	for i, mask := range cfg.AdditionalFiles {
		if strings.TrimSpace(mask) == "" {
			v.addError(fmt.Sprintf("reporting.additional_files[%d]", i), mask, "must not be empty")
		}
	}
}

func (v *Validator) validateStorage(cfg *StorageConfig) {
	switch cfg.Backend {
	case BackendProfile:
	case BackendDirectory:
		if cfg.Dir == "" {
			v.addError("storage.dir", cfg.Dir, "required for the directory backend")
		}
	case BackendSQLite:
	default:
		v.addError("storage.backend", cfg.Backend, "must be directory, profile or sqlite")
	}
}

func (v *Validator) validateSender(cfg *SenderConfig) {
	if cfg.Delay < 0 {
		v.addError("sender.delay", cfg.Delay, "must not be negative")
	}
	switch cfg.Kind {
	case SenderNoOp:
	case SenderHTTP:
		u, err := url.Parse(cfg.HTTP.URL)
		if cfg.HTTP.URL == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			v.addError("sender.http.url", cfg.HTTP.URL, "must be an absolute http(s) URL")
		}
		if cfg.HTTP.Timeout < 0 {
			v.addError("sender.http.timeout", cfg.HTTP.Timeout, "must not be negative")
		}
	case SenderMail:
		if cfg.Mail.Server == "" {
			v.addError("sender.mail.server", cfg.Mail.Server, "required for the mail sender")
		}
		if cfg.Mail.From == "" {
			v.addError("sender.mail.from", cfg.Mail.From, "required for the mail sender")
		}
		if len(cfg.Mail.To) == 0 {
			v.addError("sender.mail.to", cfg.Mail.To, "needs at least one recipient")
		}
		if cfg.Mail.Port < 0 || cfg.Mail.Port > 65535 {
			v.addError("sender.mail.port", cfg.Mail.Port, "must be a TCP port")
		}
		switch strings.ToLower(cfg.Mail.Priority) {
		case "", "normal", "high", "low":
		default:
			v.addError("sender.mail.priority", cfg.Mail.Priority, "must be normal, high or low")
		}
	case SenderDirectory:
		if cfg.Directory.Dir == "" {
			v.addError("sender.directory.dir", cfg.Directory.Dir, "required for the directory sender")
		}
	default:
		v.addError("sender.kind", cfg.Kind, "must be noop, http, mail or directory")
	}
}

func (v *Validator) validatePrompt(cfg *PromptConfig) {
	switch cfg.Kind {
	case PromptStatic, PromptTerminal:
	default:
		v.addError("prompt.kind", cfg.Kind, "must be static or terminal")
	}
}

// ValidateSettings checks settings assembled in code or by Build.
func ValidateSettings(s *Settings) error {
	v := NewValidator()
	if s.SendDelay < 0 {
		v.addError("SendDelay", s.SendDelay, "must not be negative")
	}
	if s.DumpSeverity < dump.None || s.DumpSeverity > dump.Full {
		v.addError("DumpSeverity", s.DumpSeverity, "unknown severity")
	}
	if s.Backend == nil {
		v.addError("Backend", nil, "required")
	}
	if s.Sender == nil {
		v.addError("Sender", nil, "required")
	}
	if s.Prompt == nil {
		v.addError("Prompt", nil, "required")
	}
	if !s.InstallationDate.IsZero() && s.InstallationDate.After(time.Now().Add(24*time.Hour)) {
		v.addError("InstallationDate", s.InstallationDate, "is in the future")
	}
	return v.result()
}
