package docker

import (
	"context"
	"encoding/json"
	"fmt"

	containertypes "github.com/docker/docker/api/types/container"
)

// Metrics is a one-shot resource usage snapshot of a container.
type Metrics struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryUsage   uint64  `json:"memory_usage_bytes"`
	MemoryLimit   uint64  `json:"memory_limit_bytes"`
	MemoryPercent float64 `json:"memory_percent"`
}

// HostMetrics aggregates usage over every project container on the host.
type HostMetrics struct {
	Containers    int     `json:"containers"`
	Running       int     `json:"running"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryUsage   uint64  `json:"memory_usage_bytes"`
	MemoryPercent float64 `json:"memory_percent"`
}

// ContainerMetrics reads a single stats sample of a container.
func (r *Runtime) ContainerMetrics(ctx context.Context, containerID string) (*Metrics, error) {
	resp, err := r.client.ContainerStats(ctx, containerID, false)
	if err != nil {
		return nil, fmt.Errorf("failed to read stats of %s: %w", containerID, err)
	}
	defer resp.Body.Close()

	var stats containertypes.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("failed to decode stats of %s: %w", containerID, err)
	}

	return metricsFromStats(&stats), nil
}

// metricsFromStats derives the usage numbers the API surfaces from a raw
// daemon stats sample.
func metricsFromStats(stats *containertypes.StatsResponse) *Metrics {
	m := &Metrics{
		CPUPercent:  cpuPercent(stats),
		MemoryUsage: memoryUsage(stats),
		MemoryLimit: stats.MemoryStats.Limit,
	}
	if m.MemoryLimit > 0 {
		m.MemoryPercent = float64(m.MemoryUsage) / float64(m.MemoryLimit) * 100.0
	}
	return m
}

// cpuPercent computes usage from the deltas between the sample and its
// pre-sample, scaled by the number of online CPUs.
func cpuPercent(stats *containertypes.StatsResponse) float64 {
	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage) -
		float64(stats.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(stats.CPUStats.SystemUsage) -
		float64(stats.PreCPUStats.SystemUsage)
	if cpuDelta <= 0 || systemDelta <= 0 {
		return 0
	}

	onlineCPUs := float64(stats.CPUStats.OnlineCPUs)
	if onlineCPUs == 0 {
		onlineCPUs = float64(len(stats.CPUStats.CPUUsage.PercpuUsage))
	}
	if onlineCPUs == 0 {
		onlineCPUs = 1
	}
	return cpuDelta / systemDelta * onlineCPUs * 100.0
}

// memoryUsage subtracts the page cache from the raw usage counter, matching
// what `docker stats` reports.
func memoryUsage(stats *containertypes.StatsResponse) uint64 {
	usage := stats.MemoryStats.Usage
	if cache, ok := stats.MemoryStats.Stats["cache"]; ok && cache < usage {
		return usage - cache
	}
	return usage
}

// HostSummary aggregates metrics over all project containers. Used by the
// admin surface.
func (r *Runtime) HostSummary(ctx context.Context) (*HostMetrics, error) {
	containers, err := r.ListProjectContainers(ctx)
	if err != nil {
		return nil, err
	}

	summary := &HostMetrics{Containers: len(containers)}
	var limitSum uint64
	for _, c := range containers {
		if c.State != "running" {
			continue
		}
		summary.Running++
		m, err := r.ContainerMetrics(ctx, c.ID)
		if err != nil {
			r.log.WithField("container_id", c.ID).WithError(err).
				Warn("skipping container in host summary")
			continue
		}
		summary.CPUPercent += m.CPUPercent
		summary.MemoryUsage += m.MemoryUsage
		limitSum += m.MemoryLimit
	}
	if limitSum > 0 {
		summary.MemoryPercent = float64(summary.MemoryUsage) / float64(limitSum) * 100.0
	}
	return summary, nil
}
