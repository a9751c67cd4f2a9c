package diagnostics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/crashkit/internal/report"
)

func stubCollector() *Collector {
	c := NewCollector()
	c.queryGPUs = func() []GPUInfo { return []GPUInfo{{Name: "Test Adapter", Vendor: "Acme"}} }
	return c
}

func TestCollector_System(t *testing.T) {
	t.Parallel()
	c := stubCollector()
	s := c.System()
	assert.Equal(t, runtime.GOOS, s.OS)
	require.Len(t, s.GPUs, 1)
	assert.Equal(t, "Test Adapter", s.GPUs[0].Name)

	// Hardware facts are cached; callers cannot mutate the cache.
	s.GPUs[0].Name = "changed"
	assert.Equal(t, "Test Adapter", c.System().GPUs[0].Name)
}

func TestProcess(t *testing.T) {
	t.Parallel()
	p := Process()
	assert.Equal(t, os.Getpid(), p.PID)
	assert.Equal(t, runtime.Version(), p.GoVersion)
	assert.Positive(t, p.Goroutines)
	assert.Positive(t, p.GOMAXPROCS)
}

func TestCollect_RedactsEnvironment(t *testing.T) {
	t.Setenv("CRASHKIT_TEST_TOKEN", "do-not-leak")
	t.Setenv("CRASHKIT_TEST_PLAIN", "visible")

	s := stubCollector().Collect(Options{IncludeEnv: true})
	assert.Equal(t, "[REDACTED]", s.Env["CRASHKIT_TEST_TOKEN"])
	assert.Equal(t, "visible", s.Env["CRASHKIT_TEST_PLAIN"])

	s = stubCollector().Collect(Options{})
	assert.Nil(t, s.Env)
}

func TestPlugin_WritesAndRemovesSnapshot(t *testing.T) {
	t.Parallel()
	p := NewPlugin(stubCollector(), Options{}, nil)
	assert.Equal(t, "diagnostics", p.Name())

	r := report.Assemble(nil)
	files, err := p.PreProcess(r)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, SnapshotFile, filepath.Base(files[0]))

	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, r.GeneralInfo.ReportID, snap.ReportID)
	assert.Equal(t, os.Getpid(), snap.Process.PID)

	p.PostProcess(r)
	_, err = os.Stat(filepath.Dir(files[0]))
	assert.True(t, os.IsNotExist(err))

	// A second PostProcess is a no-op.
	p.PostProcess(r)
}
