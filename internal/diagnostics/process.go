package diagnostics

import (
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessMetrics describes the faulting process.
type ProcessMetrics struct {
	PID           int     `json:"pid"`
	GoVersion     string  `json:"go_version"`
	GOMAXPROCS    int     `json:"gomaxprocs"`
	Goroutines    int     `json:"goroutines"`
	HeapAllocMB   float64 `json:"heap_alloc_mb"`
	HeapInUseMB   float64 `json:"heap_in_use_mb"`
	StackInUseMB  float64 `json:"stack_in_use_mb"`
	NumGC         uint32  `json:"num_gc"`
	LastGCPauseNS uint64  `json:"last_gc_pause_ns"`

	RSSMB         float64 `json:"rss_mb,omitempty"`
	OpenFDs       int32   `json:"open_fds,omitempty"`
	Threads       int32   `json:"threads,omitempty"`
	UptimeSeconds float64 `json:"uptime_seconds,omitempty"`
}

// Process samples the current process.
func Process() ProcessMetrics {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	pm := ProcessMetrics{
		PID:           os.Getpid(),
		GoVersion:     runtime.Version(),
		GOMAXPROCS:    runtime.GOMAXPROCS(0),
		Goroutines:    runtime.NumGoroutine(),
		HeapAllocMB:   float64(ms.HeapAlloc) / 1024 / 1024,
		HeapInUseMB:   float64(ms.HeapInuse) / 1024 / 1024,
		StackInUseMB:  float64(ms.StackInuse) / 1024 / 1024,
		NumGC:         ms.NumGC,
		LastGCPauseNS: ms.PauseNs[(ms.NumGC+255)%256],
	}

	p, err := process.NewProcess(int32(pm.PID)) //nolint:gosec // pids fit in int32
	if err != nil {
		return pm
	}
	if mi, err := p.MemoryInfo(); err == nil && mi != nil {
		pm.RSSMB = float64(mi.RSS) / 1024 / 1024
	}
	if n, err := p.NumFDs(); err == nil {
		pm.OpenFDs = n
	}
	if n, err := p.NumThreads(); err == nil {
		pm.Threads = n
	}
	if ms, err := p.CreateTime(); err == nil && ms > 0 {
		pm.UptimeSeconds = time.Since(time.UnixMilli(ms)).Seconds()
	}
	return pm
}
