package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/crashkit/internal/fault"
	"github.com/hugo-lorenzo-mato/crashkit/internal/queue"
	"github.com/hugo-lorenzo-mato/crashkit/internal/report"
	"github.com/hugo-lorenzo-mato/crashkit/internal/storage"
)

func resetFlags() {
	cfgFile = ""
	logLevel = ""
	logFormat = ""
	inspectFormat = "yaml"
	inspectExtract = ""
	configForce = false
	demoKind = "panic"
	demoMessage = "Test exception in main thread"
}

// run executes the root command with args and returns what it printed.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)
	err := rootCmd.Execute()
	return out.String(), err
}

type workspace struct {
	config string
	queue  string
	outbox string
}

func newWorkspace(t *testing.T) workspace {
	t.Helper()
	dir := t.TempDir()
	ws := workspace{
		config: filepath.Join(dir, "crashkit.yaml"),
		queue:  filepath.Join(dir, "queue"),
		outbox: filepath.Join(dir, "outbox"),
	}
	cfg := fmt.Sprintf(`
log:
  level: error
  format: text
reporting:
  dump_severity: none
  diagnostics: false
storage:
  backend: directory
  dir: %q
sender:
  kind: directory
  background: false
  directory:
    dir: %q
prompt:
  kind: static
  send: true
`, ws.queue, ws.outbox)
	require.NoError(t, os.WriteFile(ws.config, []byte(cfg), 0o600))
	return ws
}

func (ws workspace) enqueue(t *testing.T, msg string) string {
	t.Helper()
	b := storage.NewDirectory(ws.queue)
	name, err := queue.New(b, queue.Options{}).Write(report.Assemble(fault.Normalize(errors.New(msg))))
	require.NoError(t, err)
	return name
}

func TestVersionCommand(t *testing.T) {
	SetVersion("v1.2.3", "abc123def", "2024-01-15")
	defer SetVersion("", "", "")

	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "crashkit v1.2.3")
	assert.Contains(t, out, "commit: abc123def")
	assert.Contains(t, out, "built:  2024-01-15")
	assert.Equal(t, "v1.2.3", GetVersion())
}

func TestCommandsRegistered(t *testing.T) {
	want := map[string]bool{"version": false, "queue": false, "inspect": false, "receive": false, "demo": false, "config": false}
	for _, c := range rootCmd.Commands() {
		name := strings.Fields(c.Use)[0]
		if _, ok := want[name]; ok {
			want[name] = true
		}
	}
	for name, found := range want {
		assert.True(t, found, "%s should be registered", name)
	}
}

func TestQueueCommands(t *testing.T) {
	ws := newWorkspace(t)
	first := ws.enqueue(t, "first failure")
	ws.enqueue(t, "second failure")

	out, err := run(t, "--config", ws.config, "queue", "count")
	require.NoError(t, err)
	assert.Equal(t, "2\n", out)

	out, err = run(t, "--config", ws.config, "queue", "list")
	require.NoError(t, err)
	assert.Contains(t, out, first)
	assert.Contains(t, out, "first failure")
	assert.Contains(t, out, "second failure")
	assert.True(t, strings.Index(out, "first failure") < strings.Index(out, "second failure"), "oldest first")

	out, err = run(t, "--config", ws.config, "queue", "send")
	require.NoError(t, err)
	assert.Contains(t, out, "Sent 2, failed 0, discarded 0")
	sent, err := filepath.Glob(filepath.Join(ws.outbox, "Exception_*.zip"))
	require.NoError(t, err)
	assert.Len(t, sent, 2)

	out, err = run(t, "--config", ws.config, "queue", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No queued reports.")

	ws.enqueue(t, "third failure")
	out, err = run(t, "--config", ws.config, "queue", "clear")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed 1 report(s)")
	out, err = run(t, "--config", ws.config, "queue", "count")
	require.NoError(t, err)
	assert.Equal(t, "0\n", out)
}

func TestInspectCommand(t *testing.T) {
	ws := newWorkspace(t)
	name := ws.enqueue(t, "disk on fire")

	t.Run("oldest entry as yaml", func(t *testing.T) {
		out, err := run(t, "--config", ws.config, "inspect")
		require.NoError(t, err)
		assert.Contains(t, out, "exception_message: disk on fire")
		assert.Contains(t, out, "report_id:")
	})

	t.Run("fuzzy entry name as json", func(t *testing.T) {
		partial := strings.TrimSuffix(strings.TrimPrefix(name, "Exception_"), ".zip")
		out, err := run(t, "--config", ws.config, "inspect", "--format", "json", partial[len(partial)-6:])
		require.NoError(t, err)
		assert.Contains(t, out, `"exception_message": "disk on fire"`)
	})

	t.Run("archive file as markdown with extraction", func(t *testing.T) {
		extract := t.TempDir()
		out, err := run(t, "--config", ws.config, "inspect", filepath.Join(ws.queue, name),
			"--format", "markdown", "--extract", extract)
		require.NoError(t, err)
		assert.Contains(t, out, "disk on fire")
		assert.Contains(t, out, "exception")
		assert.FileExists(t, filepath.Join(extract, queue.EntryException))
		assert.FileExists(t, filepath.Join(extract, queue.EntryReport))
	})

	t.Run("unknown format", func(t *testing.T) {
		_, err := run(t, "--config", ws.config, "inspect", "--format", "xml")
		assert.Error(t, err)
	})
}

func TestResolveEntry(t *testing.T) {
	names := []string{"Exception_133500000000000001.zip", "Exception_133500000000000002.zip"}

	got, err := resolveEntry("", names)
	require.NoError(t, err)
	assert.Equal(t, names[0], got)

	got, err = resolveEntry(names[1], names)
	require.NoError(t, err)
	assert.Equal(t, names[1], got)

	got, err = resolveEntry("0002", names)
	require.NoError(t, err)
	assert.Equal(t, names[1], got)

	_, err = resolveEntry("zzz", names)
	assert.Error(t, err)
	_, err = resolveEntry("x", nil)
	assert.Error(t, err)
}

func TestDemoCommand(t *testing.T) {
	ws := newWorkspace(t)
	for _, kind := range []string{"error", "panic", "task", "http"} {
		t.Run(kind, func(t *testing.T) {
			out, err := run(t, "--config", ws.config, "demo", "--kind", kind, "--message", "demo "+kind)
			require.NoError(t, err)
			assert.Contains(t, out, "0 still queued")
		})
	}
	sent, err := filepath.Glob(filepath.Join(ws.outbox, "Exception_*.zip"))
	require.NoError(t, err)
	assert.Len(t, sent, 4)

	_, err = run(t, "--config", ws.config, "demo", "--kind", "nope")
	assert.Error(t, err)
}

func TestConfigCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")

	out, err := run(t, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote "+path)

	_, err = run(t, "config", "init", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--force")

	_, err = run(t, "config", "init", "--force", path)
	require.NoError(t, err)

	out, err = run(t, "--config", path, "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration is valid.")

	out, err = run(t, "--config", path, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "max_queued: 10")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("sender:\n  kind: http\n"), 0o600))
	out, err = run(t, "--config", bad, "config", "validate")
	require.Error(t, err)
	assert.Contains(t, out, "sender.http.url")
}
