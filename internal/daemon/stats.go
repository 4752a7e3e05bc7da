package daemon

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/jmylchreest/imgarr/pkg/convertd"
)

// StatsCollector gathers host statistics for heartbeat reporting.
// Collection is best effort: probes that fail leave their fields zero
// rather than failing the heartbeat.
type StatsCollector struct {
	hostname string
	cpuModel string
}

// NewStatsCollector creates a new stats collector.
func NewStatsCollector() *StatsCollector {
	hostname, _ := os.Hostname()
	return &StatsCollector{hostname: hostname}
}

// Collect gathers current system statistics.
func (c *StatsCollector) Collect(ctx context.Context) (*convertd.SystemStats, error) {
	stats := &convertd.SystemStats{
		Hostname:    c.hostname,
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		CollectedAt: time.Now(),
	}

	if uptime, err := host.UptimeWithContext(ctx); err == nil {
		stats.UptimeSeconds = uptime
	}

	// The CPU model never changes; probe it once.
	if c.cpuModel == "" {
		if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
			c.cpuModel = infos[0].ModelName
		}
	}
	stats.CPUModel = c.cpuModel

	if cpuCounts, err := cpu.CountsWithContext(ctx, true); err == nil {
		stats.CPUCores = cpuCounts
	}

	if cpuPercents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(cpuPercents) > 0 {
		stats.CPUPercent = cpuPercents[0]
	}

	if loadAvg, err := load.AvgWithContext(ctx); err == nil {
		stats.LoadAvg1 = loadAvg.Load1
		stats.LoadAvg5 = loadAvg.Load5
		stats.LoadAvg15 = loadAvg.Load15
	}

	if memInfo, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		stats.MemoryTotalBytes = memInfo.Total
		stats.MemoryUsedBytes = memInfo.Used
		stats.MemoryPercent = memInfo.UsedPercent
	}

	return stats, nil
}
