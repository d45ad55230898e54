package sandbox

import (
	"context"
	"encoding/json"

	"github.com/docker/docker/api/types/container"
	"go.uber.org/zap"
)

// Stats is a point-in-time aggregate over the manager's sandboxes.
type Stats struct {
	ActiveContainers int    `json:"active_containers"`
	CreatedTotal     int64  `json:"containers_created_total"`
	CleanedTotal     int64  `json:"containers_cleaned_total"`
	MemoryUsageBytes int64  `json:"memory_usage_bytes"`
	CPUTotalUsage    uint64 `json:"cpu_total_usage"`
}

// Usage holds one sandbox's resource reading.
type Usage struct {
	MemoryBytes    int64
	MemoryMaxBytes int64
	CPUTotal       uint64
}

// SandboxUsage reads a one-shot stats sample for a single sandbox.
func (m *Manager) SandboxUsage(ctx context.Context, sb *Sandbox) (Usage, error) {
	rd, err := m.api.ContainerStatsOneShot(ctx, sb.ContainerID)
	if err != nil {
		return Usage{}, err
	}
	defer rd.Body.Close()

	var st container.StatsResponse
	if err := json.NewDecoder(rd.Body).Decode(&st); err != nil {
		return Usage{}, err
	}
	return Usage{
		MemoryBytes:    int64(st.MemoryStats.Usage),
		MemoryMaxBytes: int64(st.MemoryStats.MaxUsage),
		CPUTotal:       st.CPUStats.CPUUsage.TotalUsage,
	}, nil
}

// Snapshot aggregates resource usage across all tracked sandboxes and
// refreshes the resource gauges. Sandboxes that vanish mid-read are
// skipped rather than failing the whole snapshot.
func (m *Manager) Snapshot(ctx context.Context) Stats {
	m.mu.Lock()
	boxes := make([]*Sandbox, 0, len(m.tracked))
	for _, sb := range m.tracked {
		boxes = append(boxes, sb)
	}
	m.mu.Unlock()

	st := Stats{
		ActiveContainers: len(boxes),
		CreatedTotal:     m.createdTotal.Load(),
		CleanedTotal:     m.cleanedTotal.Load(),
	}
	for _, sb := range boxes {
		u, err := m.SandboxUsage(ctx, sb)
		if err != nil {
			m.log.Debug("stats read failed",
				zap.String("execution_id", sb.ExecutionID), zap.Error(err))
			continue
		}
		st.MemoryUsageBytes += u.MemoryBytes
		st.CPUTotalUsage += u.CPUTotal
	}

	m.met.ActiveContainers.Set(float64(st.ActiveContainers))
	m.met.SandboxMemoryBytes.Set(float64(st.MemoryUsageBytes))
	m.met.SandboxCPUUsage.Set(float64(st.CPUTotalUsage))
	return st
}
