// Package hostinfo takes best-effort snapshots of host resource usage.
//
// Snapshots are attached to diagnostic checkpoints and feed the memory layer
// probe of the resource auditor. Collection never fails: anything the host
// cannot report is left at its zero value and noted in Snapshot.Errors.
package hostinfo

import (
	"context"
	"os"
	"runtime"
	"time"

	gocpu "github.com/shirou/gopsutil/v4/cpu"
	goload "github.com/shirou/gopsutil/v4/load"
	gomem "github.com/shirou/gopsutil/v4/mem"
)

// System call wrappers for testing.
var (
	cpuCounts     = gocpu.CountsWithContext
	cpuPercent    = gocpu.PercentWithContext
	loadAvg       = goload.AvgWithContext
	virtualMemory = gomem.VirtualMemoryWithContext
	hostname      = os.Hostname
)

const collectTimeout = 2 * time.Second

// Elevated usage thresholds, in percent.
const (
	ElevatedMemoryPercent = 85.0
	ElevatedCPUPercent    = 85.0
)

// Snapshot is a point-in-time sample of host and process resources.
type Snapshot struct {
	TakenAt         time.Time `json:"taken_at"`
	Hostname        string    `json:"hostname,omitempty"`
	OS              string    `json:"os"`
	CPUCount        int       `json:"cpu_count"`
	CPUPercent      float64   `json:"cpu_percent"`
	LoadAverage     []float64 `json:"load_average,omitempty"`
	MemoryTotal     uint64    `json:"memory_total"`
	MemoryUsed      uint64    `json:"memory_used"`
	MemoryAvailable uint64    `json:"memory_available"`
	MemoryPercent   float64   `json:"memory_percent"`
	Goroutines      int       `json:"goroutines"`
	HeapAlloc       uint64    `json:"heap_alloc"`
	Errors          []string  `json:"errors,omitempty"`
}

// Elevated reports whether memory or CPU usage is above the elevated
// thresholds.
func (s Snapshot) Elevated() bool {
	return s.MemoryPercent >= ElevatedMemoryPercent || s.CPUPercent >= ElevatedCPUPercent
}

// MemoryKnown reports whether host memory statistics were collected.
func (s Snapshot) MemoryKnown() bool {
	return s.MemoryTotal > 0
}

// Collector produces snapshots.
type Collector interface {
	Collect(ctx context.Context) Snapshot
}

// CollectorFunc adapts a function to Collector.
type CollectorFunc func(ctx context.Context) Snapshot

// Collect calls f.
func (f CollectorFunc) Collect(ctx context.Context) Snapshot { return f(ctx) }

// Static returns a collector that always reports s.
func Static(s Snapshot) Collector {
	return CollectorFunc(func(context.Context) Snapshot { return s })
}

// NewCollector returns a collector backed by gopsutil.
func NewCollector() Collector {
	return CollectorFunc(Collect)
}

// Collect gathers a snapshot using gopsutil. CPU usage is measured since
// the previous call, so the first sample in a process may read zero.
func Collect(ctx context.Context) Snapshot {
	ctx, cancel := context.WithTimeout(ctx, collectTimeout)
	defer cancel()

	snap := Snapshot{
		TakenAt:    time.Now().UTC(),
		OS:         runtime.GOOS,
		Goroutines: runtime.NumGoroutine(),
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	snap.HeapAlloc = ms.HeapAlloc

	note := func(what string, err error) {
		snap.Errors = append(snap.Errors, what+": "+err.Error())
	}

	if name, err := hostname(); err == nil {
		snap.Hostname = name
	} else {
		note("hostname", err)
	}
	if n, err := cpuCounts(ctx, true); err == nil {
		snap.CPUCount = n
	} else {
		note("cpu count", err)
	}
	if pct, err := cpuPercent(ctx, 0, false); err == nil && len(pct) > 0 {
		snap.CPUPercent = clampPercent(pct[0])
	} else if err != nil {
		note("cpu percent", err)
	}
	if avg, err := loadAvg(ctx); err == nil && avg != nil {
		snap.LoadAverage = []float64{avg.Load1, avg.Load5, avg.Load15}
	} else if err != nil {
		note("load average", err)
	}
	if vm, err := virtualMemory(ctx); err == nil && vm != nil {
		snap.MemoryTotal = vm.Total
		snap.MemoryUsed = vm.Used
		snap.MemoryAvailable = vm.Available
		snap.MemoryPercent = clampPercent(vm.UsedPercent)
	} else if err != nil {
		note("memory", err)
	}
	return snap
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
