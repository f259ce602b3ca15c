// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package docker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/docker/docker/api/types/container"

	"github.com/bureau-foundation/bundleworker/execution"
)

// Stats takes one engine stats sample.
func (r *Runtime) Stats(ctx context.Context, handle execution.Handle) (execution.Stats, error) {
	response, err := r.engine.ContainerStatsOneShot(ctx, handle.ID)
	if err != nil {
		return execution.Stats{}, execution.Unreachable("reading stats of "+handle.String(), err)
	}
	defer response.Body.Close()

	var sample container.StatsResponse
	if err := json.NewDecoder(response.Body).Decode(&sample); err != nil {
		return execution.Stats{}, fmt.Errorf("decoding stats of %s: %w", handle, err)
	}
	return toStats(sample), nil
}

// toStats applies the docker CLI's accounting: CPU percentage is the
// container's share of the system CPU time between the two samples
// scaled by the online CPU count, and memory excludes reclaimable page
// cache.
func toStats(s container.StatsResponse) execution.Stats {
	var cpuPercent float64
	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)
	if cpuDelta > 0 && systemDelta > 0 {
		onlineCPUs := float64(s.CPUStats.OnlineCPUs)
		if onlineCPUs == 0 {
			onlineCPUs = float64(len(s.CPUStats.CPUUsage.PercpuUsage))
		}
		cpuPercent = cpuDelta / systemDelta * onlineCPUs * 100
	}

	used := s.MemoryStats.Usage
	// cgroup v2 reports inactive_file, cgroup v1 reports
	// total_inactive_file.
	cache, ok := s.MemoryStats.Stats["inactive_file"]
	if !ok {
		cache = s.MemoryStats.Stats["total_inactive_file"]
	}
	if cache < used {
		used -= cache
	}

	return execution.Stats{
		CPUPercent:       cpuPercent,
		MemoryBytes:      int64(used),
		MemoryLimitBytes: int64(s.MemoryStats.Limit),
	}
}
