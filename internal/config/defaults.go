package config

import "github.com/spf13/viper"

// DefaultConfigYAML is written by `crashkit config init`.
const DefaultConfigYAML = `# crashkit configuration
#
# Values not specified here use the built-in defaults. Every key can also be
# set through the environment, e.g. CRASHKIT_SENDER_KIND=http.

log:
  level: info
  format: auto

reporting:
  handle_corrupted_state: true
  # Stop producing reports this many days after installation; -1 never stops.
  stop_reporting_after_days: -1
  max_queued: 10
  # Paths or glob masks added to every report under files/.
  additional_files: []
  # none, tiny, normal or full
  dump_severity: normal
  redact: true
  diagnostics: true
  include_env: false

storage:
  # directory, profile or sqlite
  backend: profile
  dir: ""
  path: ""

sender:
  # noop, http, mail or directory
  kind: noop
  background: true
  delay: 0s
  watch: false
  http:
    url: ""
    timeout: 60s
  mail:
    server: ""
    port: 0
    ssl: false
    from: ""
    to: []
    attach: true
  directory:
    dir: ""

prompt:
  # static or terminal
  kind: static
  send: true
  terminate: false
`

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "auto")

	v.SetDefault("reporting.handle_corrupted_state", true)
	v.SetDefault("reporting.stop_reporting_after_days", -1)
	v.SetDefault("reporting.max_queued", 10)
	v.SetDefault("reporting.additional_files", []string{})
	v.SetDefault("reporting.dump_severity", "normal")
	v.SetDefault("reporting.redact", true)
	v.SetDefault("reporting.diagnostics", true)
	v.SetDefault("reporting.include_env", false)

	v.SetDefault("storage.backend", BackendProfile)

	v.SetDefault("sender.kind", SenderNoOp)
	v.SetDefault("sender.background", true)
	v.SetDefault("sender.delay", "0s")
	v.SetDefault("sender.watch", false)
	v.SetDefault("sender.http.timeout", "60s")
	v.SetDefault("sender.mail.attach", true)
	v.SetDefault("sender.mail.priority", "normal")

	v.SetDefault("prompt.kind", PromptStatic)
	v.SetDefault("prompt.send", true)
	v.SetDefault("prompt.terminate", false)
}
