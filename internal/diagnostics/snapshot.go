package diagnostics

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/crashkit/internal/logging"
	"github.com/hugo-lorenzo-mato/crashkit/internal/report"
)

// SnapshotFile is the archive file name Plugin produces.
const SnapshotFile = "system.json"

// Snapshot is the machine and process state attached to a report.
type Snapshot struct {
	Timestamp time.Time         `json:"timestamp"`
	ReportID  string            `json:"report_id,omitempty"`
	System    SystemMetrics     `json:"system"`
	Process   ProcessMetrics    `json:"process"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Options selects what a Snapshot includes.
type Options struct {
	IncludeEnv  bool
	IncludeArgs bool
	// Sanitizer redacts environment values and arguments. Nil uses the
	// default patterns.
	Sanitizer *logging.Sanitizer
}

// Collect takes a snapshot.
func (c *Collector) Collect(opts Options) Snapshot {
	s := Snapshot{
		Timestamp: time.Now().UTC(),
		System:    c.System(),
		Process:   Process(),
	}
	san := opts.Sanitizer
	if san == nil {
		san = logging.NewSanitizer()
	}
	if opts.IncludeArgs && len(os.Args) > 1 {
		s.Args = make([]string, len(os.Args)-1)
		for i, a := range os.Args[1:] {
			s.Args[i] = san.Sanitize(a)
		}
	}
	if opts.IncludeEnv {
		s.Env = san.SanitizeEnv(os.Environ())
	}
	return s
}

// Plugin attaches a system.json snapshot to every report. Each report gets
// its own temp directory, removed again by PostProcess.
type Plugin struct {
	collector *Collector
	opts      Options
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[*report.Report]string
}

// NewPlugin returns a diagnostics plugin.
func NewPlugin(c *Collector, opts Options, logger *slog.Logger) *Plugin {
	if c == nil {
		c = NewCollector()
	}
	return &Plugin{
		collector: c,
		opts:      opts,
		logger:    logging.Or(logger),
		pending:   make(map[*report.Report]string),
	}
}

// Name identifies the plugin in logs.
func (p *Plugin) Name() string { return "diagnostics" }

// PreProcess writes the snapshot and returns its path.
func (p *Plugin) PreProcess(r *report.Report) ([]string, error) {
	snap := p.collector.Collect(p.opts)
	snap.ReportID = r.GeneralInfo.ReportID

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling system snapshot: %w", err)
	}
	dir, err := os.MkdirTemp("", "crashkit-diag-*")
	if err != nil {
		return nil, fmt.Errorf("creating snapshot dir: %w", err)
	}
	path := filepath.Join(dir, SnapshotFile)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("writing system snapshot: %w", err)
	}

	p.mu.Lock()
	p.pending[r] = dir
	p.mu.Unlock()
	p.logger.Debug("system snapshot written", slog.String("path", path))
	return []string{path}, nil
}

// PostProcess removes the snapshot written for r.
func (p *Plugin) PostProcess(r *report.Report) {
	p.mu.Lock()
	dir, ok := p.pending[r]
	delete(p.pending, r)
	p.mu.Unlock()
	if !ok {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		p.logger.Warn("removing system snapshot", slog.String("dir", dir), slog.String("error", err.Error()))
	}
}
