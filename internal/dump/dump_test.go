package dump

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/crashkit/internal/archive"
	"github.com/hugo-lorenzo-mato/crashkit/internal/core"
)

func TestParseSeverity(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want Severity
	}{
		{"none", None},
		{"Tiny", Tiny},
		{" normal ", Normal},
		{"FULL", Full},
	}
	for _, tt := range tests {
		got, err := ParseSeverity(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}

	_, err := ParseSeverity("verbose")
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatValidation))
}

func TestSeverity_Text(t *testing.T) {
	t.Parallel()
	var s Severity
	require.NoError(t, s.UnmarshalText([]byte("full")))
	assert.Equal(t, Full, s)
	b, err := s.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "full", string(b))
	assert.Equal(t, "severity(9)", Severity(9).String())
	assert.Error(t, s.UnmarshalText([]byte("x")))
}

func entryNames(t *testing.T, path string) []string {
	t.Helper()
	r, err := archive.Open(path)
	require.NoError(t, err)
	defer r.Close()
	entries, err := r.Entries()
	require.NoError(t, err)
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return names
}

func TestRuntime_Levels(t *testing.T) {
	t.Parallel()
	tests := []struct {
		level Severity
		want  []string
	}{
		{Tiny, []string{"stack.txt"}},
		{Normal, []string{"goroutines.txt", "memstats.json"}},
		{Full, []string{"goroutines.txt", "memstats.json", "heap.pprof"}},
	}
	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "minidump")
			require.NoError(t, Runtime{}.Produce(path, tt.level))
			assert.Equal(t, tt.want, entryNames(t, path))
		})
	}
}

func TestRuntime_TinyCapturesCaller(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "minidump")
	require.NoError(t, Runtime{}.Produce(path, Tiny))

	r, err := archive.Open(path)
	require.NoError(t, err)
	defer r.Close()
	data, err := r.ReadAll("stack.txt")
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "TestRuntime_TinyCapturesCaller"))

	assert.Contains(t, r.Comment(), "tiny")
}

func TestRuntime_MemstatsIsJSON(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "minidump")
	require.NoError(t, Runtime{}.Produce(path, Normal))
	r, err := archive.Open(path)
	require.NoError(t, err)
	defer r.Close()
	data, err := r.ReadAll("memstats.json")
	require.NoError(t, err)
	var ms map[string]any
	require.NoError(t, json.Unmarshal(data, &ms))
	assert.Contains(t, ms, "HeapAlloc")
}

func TestRuntime_None(t *testing.T) {
	t.Parallel()
	err := Runtime{}.Produce(filepath.Join(t.TempDir(), "minidump"), None)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestProducerFunc(t *testing.T) {
	t.Parallel()
	var got Severity
	p := ProducerFunc(func(_ string, level Severity) error { got = level; return nil })
	require.NoError(t, p.Produce("x", Normal))
	assert.Equal(t, Normal, got)
}
