// Package metrics turns raw Docker stats snapshots into the resource report
// exposed on the admin API.
package metrics

import (
	"math"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
)

// Report is a point-in-time resource usage summary for one session container.
type Report struct {
	CPUPercent       float64 `json:"cpu_percent"`
	MemoryUsedBytes  uint64  `json:"memory_used_bytes"`
	MemoryLimitBytes uint64  `json:"memory_limit_bytes"`
	MemoryPercent    float64 `json:"memory_percent"`
	NetworkRxBytes   uint64  `json:"network_rx_bytes"`
	NetworkTxBytes   uint64  `json:"network_tx_bytes"`
	BlockReadBytes   uint64  `json:"block_read_bytes"`
	BlockWriteBytes  uint64  `json:"block_write_bytes"`
	PIDs             uint64  `json:"pids"`
	UptimeSeconds    int64   `json:"uptime_seconds"`
}

// Build computes a Report from a one-shot stats snapshot. startedAt is the
// container's start time; createdAt is the session's creation time, used as a
// fallback when the runtime did not report a start time.
func Build(stats *container.StatsResponse, startedAt, createdAt time.Time) Report {
	r := Report{
		CPUPercent:       cpuPercent(stats),
		MemoryUsedBytes:  memoryUsed(stats),
		MemoryLimitBytes: stats.MemoryStats.Limit,
		PIDs:             stats.PidsStats.Current,
	}

	if r.MemoryLimitBytes > 0 {
		r.MemoryPercent = round2(float64(r.MemoryUsedBytes) / float64(r.MemoryLimitBytes) * 100)
	}

	for _, nw := range stats.Networks {
		r.NetworkRxBytes += nw.RxBytes
		r.NetworkTxBytes += nw.TxBytes
	}

	for _, entry := range stats.BlkioStats.IoServiceBytesRecursive {
		switch strings.ToLower(entry.Op) {
		case "read":
			r.BlockReadBytes += entry.Value
		case "write":
			r.BlockWriteBytes += entry.Value
		}
	}

	since := startedAt
	if since.IsZero() {
		since = createdAt
	}
	if !since.IsZero() {
		r.UptimeSeconds = int64(time.Since(since).Seconds())
		if r.UptimeSeconds < 0 {
			r.UptimeSeconds = 0
		}
	}

	return r
}

// cpuPercent follows the delta formula docker stats itself uses. A snapshot
// without a usable pre-sample (deltas of zero or less) reports 0 rather than
// a garbage spike.
func cpuPercent(stats *container.StatsResponse) float64 {
	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage) - float64(stats.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(stats.CPUStats.SystemUsage) - float64(stats.PreCPUStats.SystemUsage)
	if cpuDelta <= 0 || systemDelta <= 0 {
		return 0
	}

	cores := float64(stats.CPUStats.OnlineCPUs)
	if cores == 0 {
		cores = float64(len(stats.CPUStats.CPUUsage.PercpuUsage))
	}
	if cores == 0 {
		cores = 1
	}

	return round2(cpuDelta / systemDelta * cores * 100)
}

// memoryUsed subtracts page cache from the cgroup usage figure, matching what
// docker stats displays as actual consumption.
func memoryUsed(stats *container.StatsResponse) uint64 {
	usage := stats.MemoryStats.Usage
	cache, ok := stats.MemoryStats.Stats["cache"]
	if !ok {
		// cgroup v2 exposes the reclaimable page cache as inactive_file.
		cache = stats.MemoryStats.Stats["inactive_file"]
	}
	if cache > usage {
		return 0
	}
	return usage - cache
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
