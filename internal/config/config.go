// Package config loads crashkit settings from YAML files and CRASHKIT_*
// environment variables and turns them into the Settings the reporter runs
// with.
package config

import "time"

// FileConfig is the on-disk configuration.
type FileConfig struct {
	// App scopes the profile backend. Empty means the executable name.
	App       string          `mapstructure:"app" yaml:"app"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Reporting ReportingConfig `mapstructure:"reporting" yaml:"reporting"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Sender    SenderConfig    `mapstructure:"sender" yaml:"sender"`
	Prompt    PromptConfig    `mapstructure:"prompt" yaml:"prompt"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// ReportingConfig configures capture and persistence.
type ReportingConfig struct {
	HandleCorruptedState   bool     `mapstructure:"handle_corrupted_state" yaml:"handle_corrupted_state"`
	StopReportingAfterDays int      `mapstructure:"stop_reporting_after_days" yaml:"stop_reporting_after_days"`
	MaxQueued              int      `mapstructure:"max_queued" yaml:"max_queued"`
	AdditionalFiles        []string `mapstructure:"additional_files" yaml:"additional_files"`
	DumpSeverity           string   `mapstructure:"dump_severity" yaml:"dump_severity"`
	Redact                 bool     `mapstructure:"redact" yaml:"redact"`
	Diagnostics            bool     `mapstructure:"diagnostics" yaml:"diagnostics"`
	IncludeEnv             bool     `mapstructure:"include_env" yaml:"include_env"`
}

// StorageConfig selects the report queue backend.
type StorageConfig struct {
	// Backend is one of directory, profile or sqlite.
	Backend string `mapstructure:"backend" yaml:"backend"`
	Dir     string `mapstructure:"dir" yaml:"dir"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// SenderConfig selects and configures the transport.
type SenderConfig struct {
	// Kind is one of noop, http, mail or directory.
	Kind       string          `mapstructure:"kind" yaml:"kind"`
	Background bool            `mapstructure:"background" yaml:"background"`
	Delay      time.Duration   `mapstructure:"delay" yaml:"delay"`
	Watch      bool            `mapstructure:"watch" yaml:"watch"`
	HTTP       HTTPConfig      `mapstructure:"http" yaml:"http"`
	Mail       MailConfig      `mapstructure:"mail" yaml:"mail"`
	Directory  DirectoryConfig `mapstructure:"directory" yaml:"directory"`
}

// HTTPConfig configures the HTTP sender.
type HTTPConfig struct {
	URL     string            `mapstructure:"url" yaml:"url"`
	Timeout time.Duration     `mapstructure:"timeout" yaml:"timeout"`
	Headers map[string]string `mapstructure:"headers" yaml:"headers"`
}

// MailConfig configures the SMTP sender.
type MailConfig struct {
	From     string   `mapstructure:"from" yaml:"from"`
	FromName string   `mapstructure:"from_name" yaml:"from_name"`
	To       []string `mapstructure:"to" yaml:"to"`
	Cc       []string `mapstructure:"cc" yaml:"cc"`
	Bcc      []string `mapstructure:"bcc" yaml:"bcc"`
	ReplyTo  string   `mapstructure:"reply_to" yaml:"reply_to"`
	Attach   bool     `mapstructure:"attach" yaml:"attach"`
	Subject  string   `mapstructure:"subject" yaml:"subject"`
	Body     string   `mapstructure:"body" yaml:"body"`
	Server   string   `mapstructure:"server" yaml:"server"`
	Port     int      `mapstructure:"port" yaml:"port"`
	SSL      bool     `mapstructure:"ssl" yaml:"ssl"`
	Priority string   `mapstructure:"priority" yaml:"priority"`
	Username string   `mapstructure:"username" yaml:"username"`
	Password string   `mapstructure:"password" yaml:"password"`
}

// DirectoryConfig configures the local directory sender.
type DirectoryConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// PromptConfig selects the operator prompt.
type PromptConfig struct {
	// Kind is static or terminal.
	Kind      string `mapstructure:"kind" yaml:"kind"`
	Send      bool   `mapstructure:"send" yaml:"send"`
	Terminate bool   `mapstructure:"terminate" yaml:"terminate"`
}
