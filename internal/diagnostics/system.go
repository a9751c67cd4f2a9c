package diagnostics

import (
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/jaypipes/ghw"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// GPUInfo names a graphics adapter.
type GPUInfo struct {
	Name   string `json:"name"`
	Vendor string `json:"vendor,omitempty"`
}

// SystemMetrics holds machine-wide figures. Fields a platform cannot report
// stay zero.
type SystemMetrics struct {
	OS              string `json:"os"`
	Platform        string `json:"platform,omitempty"`
	PlatformVersion string `json:"platform_version,omitempty"`
	KernelVersion   string `json:"kernel_version,omitempty"`
	UptimeSeconds   uint64 `json:"uptime_seconds,omitempty"`

	CPUModel   string `json:"cpu_model,omitempty"`
	CPUCores   int    `json:"cpu_cores,omitempty"`
	CPUThreads int    `json:"cpu_threads,omitempty"`

	MemTotalMB float64 `json:"mem_total_mb,omitempty"`
	MemUsedMB  float64 `json:"mem_used_mb,omitempty"`
	MemPercent float64 `json:"mem_percent,omitempty"`

	DiskTotalGB float64 `json:"disk_total_gb,omitempty"`
	DiskUsedGB  float64 `json:"disk_used_gb,omitempty"`
	DiskPercent float64 `json:"disk_percent,omitempty"`

	LoadAvg1  float64 `json:"load_avg_1,omitempty"`
	LoadAvg5  float64 `json:"load_avg_5,omitempty"`
	LoadAvg15 float64 `json:"load_avg_15,omitempty"`

	GPUs []GPUInfo `json:"gpus,omitempty"`
}

// Collector gathers SystemMetrics. Static hardware facts are read once and
// cached; usage figures are read on every call. Safe for concurrent use.
type Collector struct {
	hwOnce sync.Once
	hw     SystemMetrics

	// Stubbed in tests.
	queryGPUs func() []GPUInfo
}

// NewCollector returns a collector.
func NewCollector() *Collector {
	return &Collector{queryGPUs: queryGhwGPUs}
}

// System returns current machine metrics.
func (c *Collector) System() SystemMetrics {
	c.hwOnce.Do(c.collectHardware)
	stats := c.hw
	stats.GPUs = append([]GPUInfo(nil), c.hw.GPUs...)

	if vm, err := mem.VirtualMemory(); err == nil {
		stats.MemTotalMB = float64(vm.Total) / 1024 / 1024
		stats.MemUsedMB = float64(vm.Used) / 1024 / 1024
		stats.MemPercent = vm.UsedPercent
	}
	if usage, err := disk.Usage(rootDiskPath()); err == nil {
		stats.DiskTotalGB = float64(usage.Total) / 1024 / 1024 / 1024
		stats.DiskUsedGB = float64(usage.Used) / 1024 / 1024 / 1024
		stats.DiskPercent = usage.UsedPercent
	}
	if avg, err := load.Avg(); err == nil {
		stats.LoadAvg1 = avg.Load1
		stats.LoadAvg5 = avg.Load5
		stats.LoadAvg15 = avg.Load15
	}
	if up, err := host.Uptime(); err == nil {
		stats.UptimeSeconds = up
	}
	return stats
}

func (c *Collector) collectHardware() {
	c.hw.OS = runtime.GOOS
	if info, err := host.Info(); err == nil {
		c.hw.Platform = info.Platform
		c.hw.PlatformVersion = info.PlatformVersion
		c.hw.KernelVersion = info.KernelVersion
	}
	if infos, err := cpu.Info(); err == nil && len(infos) > 0 {
		c.hw.CPUModel = strings.TrimSpace(infos[0].ModelName)
	}
	if cores, err := cpu.Counts(false); err == nil && cores > 0 {
		c.hw.CPUCores = cores
	}
	if threads, err := cpu.Counts(true); err == nil && threads > 0 {
		c.hw.CPUThreads = threads
	}
	if c.queryGPUs != nil {
		c.hw.GPUs = c.queryGPUs()
	}
}

func queryGhwGPUs() []GPUInfo {
	info, err := ghw.GPU()
	if err != nil || info == nil || len(info.GraphicsCards) == 0 {
		return nil
	}
	gpus := make([]GPUInfo, 0, len(info.GraphicsCards))
	for _, card := range info.GraphicsCards {
		var g GPUInfo
		if d := card.DeviceInfo; d != nil {
			if d.Product != nil {
				g.Name = strings.TrimSpace(d.Product.Name)
			}
			if d.Vendor != nil {
				g.Vendor = strings.TrimSpace(d.Vendor.Name)
			}
		}
		if g.Name == "" {
			g.Name = card.Address
		}
		if g.Name != "" {
			gpus = append(gpus, g)
		}
	}
	return gpus
}

func rootDiskPath() string {
	if runtime.GOOS == "windows" {
		drive := os.Getenv("SystemDrive")
		if drive == "" {
			drive = "C:"
		}
		return drive + "\\"
	}
	return "/"
}
