// Package hoststats reports this node's own resource usage for the admin
// dashboard (GET /api/stats). Same gopsutil calls as a typical
// MetricsCollector, pared down to the two figures an operator actually
// glances at.
package hoststats

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot is a single point-in-time resource reading.
type Snapshot struct {
	CPUPercent        float64 `json:"cpu_percent"`
	MemoryUsedPercent float64 `json:"memory_used_percent"`
	MemoryTotalBytes  uint64  `json:"memory_total_bytes"`
}

// Collector samples host resource usage on demand.
type Collector struct{}

// New returns a Collector.
func New() *Collector { return &Collector{} }

// Snapshot implements httpapi.HostStats. CPU sampling blocks for one second
// (cpu.Percent's interval).
func (c *Collector) Snapshot(ctx context.Context) (Snapshot, error) {
	cpuPct, err := cpu.Percent(time.Second, false)
	if err != nil {
		return Snapshot{}, err
	}
	vmem, err := mem.VirtualMemory()
	if err != nil {
		return Snapshot{}, err
	}

	var pct float64
	if len(cpuPct) > 0 {
		pct = cpuPct[0]
	}
	return Snapshot{
		CPUPercent:        pct,
		MemoryUsedPercent: vmem.UsedPercent,
		MemoryTotalBytes:  vmem.Total,
	}, nil
}
