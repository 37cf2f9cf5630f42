package metrics

import (
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/assert"
)

func statsFixture() *container.StatsResponse {
	return &container.StatsResponse{
		CPUStats: container.CPUStats{
			CPUUsage: container.CPUUsage{
				TotalUsage:  1_200_000,
				PercpuUsage: []uint64{600_000, 600_000},
			},
			SystemUsage: 11_000_000,
			OnlineCPUs:  2,
		},
		PreCPUStats: container.CPUStats{
			CPUUsage:    container.CPUUsage{TotalUsage: 1_000_000},
			SystemUsage: 10_000_000,
		},
		MemoryStats: container.MemoryStats{
			Usage: 600 * 1024 * 1024,
			Limit: 1000 * 1024 * 1024,
			Stats: map[string]uint64{"cache": 100 * 1024 * 1024},
		},
		Networks: map[string]container.NetworkStats{
			"eth0": {RxBytes: 1000, TxBytes: 2000},
			"eth1": {RxBytes: 10, TxBytes: 20},
		},
		BlkioStats: container.BlkioStats{
			IoServiceBytesRecursive: []container.BlkioStatEntry{
				{Op: "Read", Value: 4096},
				{Op: "Write", Value: 8192},
				{Op: "read", Value: 1024},
				{Op: "Sync", Value: 999},
			},
		},
		PidsStats: container.PidsStats{Current: 42},
	}
}

func TestBuildFullSnapshot(t *testing.T) {
	started := time.Now().Add(-90 * time.Second)

	r := Build(statsFixture(), started, time.Time{})

	// cpuDelta 200000 over systemDelta 1000000 across 2 cores.
	assert.Equal(t, 40.0, r.CPUPercent)

	// 600MB usage minus 100MB cache against a 1000MB limit.
	assert.Equal(t, uint64(500*1024*1024), r.MemoryUsedBytes)
	assert.Equal(t, uint64(1000*1024*1024), r.MemoryLimitBytes)
	assert.Equal(t, 50.0, r.MemoryPercent)

	assert.Equal(t, uint64(1010), r.NetworkRxBytes)
	assert.Equal(t, uint64(2020), r.NetworkTxBytes)
	assert.Equal(t, uint64(5120), r.BlockReadBytes)
	assert.Equal(t, uint64(8192), r.BlockWriteBytes)
	assert.Equal(t, uint64(42), r.PIDs)
	assert.InDelta(t, 90, r.UptimeSeconds, 2)
}

func TestBuildNoPreSampleReportsZeroCPU(t *testing.T) {
	stats := statsFixture()
	stats.PreCPUStats = container.CPUStats{}
	stats.CPUStats.SystemUsage = 0

	r := Build(stats, time.Now(), time.Time{})
	assert.Equal(t, 0.0, r.CPUPercent)
}

func TestBuildOnlineCPUsFallsBackToPercpuLen(t *testing.T) {
	stats := statsFixture()
	stats.CPUStats.OnlineCPUs = 0

	r := Build(stats, time.Now(), time.Time{})
	assert.Equal(t, 40.0, r.CPUPercent)
}

func TestBuildZeroMemoryLimit(t *testing.T) {
	stats := statsFixture()
	stats.MemoryStats.Limit = 0

	r := Build(stats, time.Now(), time.Time{})
	assert.Equal(t, 0.0, r.MemoryPercent)
}

func TestBuildCgroupV2InactiveFile(t *testing.T) {
	stats := statsFixture()
	stats.MemoryStats.Stats = map[string]uint64{"inactive_file": 200 * 1024 * 1024}

	r := Build(stats, time.Now(), time.Time{})
	assert.Equal(t, uint64(400*1024*1024), r.MemoryUsedBytes)
}

func TestBuildUptimeFallsBackToCreatedAt(t *testing.T) {
	created := time.Now().Add(-30 * time.Second)

	r := Build(statsFixture(), time.Time{}, created)
	assert.InDelta(t, 30, r.UptimeSeconds, 2)
}

func TestBuildCacheLargerThanUsage(t *testing.T) {
	stats := statsFixture()
	stats.MemoryStats.Usage = 10
	stats.MemoryStats.Stats = map[string]uint64{"cache": 100}

	r := Build(stats, time.Now(), time.Time{})
	assert.Equal(t, uint64(0), r.MemoryUsedBytes)
}
