package sandbox

import (
	"context"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"go.uber.org/zap"
)

// RunReaper sweeps for leaked sandboxes until ctx is cancelled. Two
// sweeps run each tick: tracked sandboxes that outlived their timeout
// plus a grace period, and containers carrying the service label that
// this process no longer knows about (left over from a crash or
// restart).
func (m *Manager) RunReaper(ctx context.Context) {
	t := time.NewTicker(m.cfg.ReapInterval)
	defer t.Stop()
	m.log.Info("reaper started",
		zap.Duration("interval", m.cfg.ReapInterval),
		zap.Duration("grace", m.cfg.GracePeriod))
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.reapTracked(ctx)
			m.reapOrphans(ctx)
		}
	}
}

func (m *Manager) reapTracked(ctx context.Context) {
	now := time.Now()
	m.mu.Lock()
	var expired []string
	for id, sb := range m.tracked {
		if now.Sub(sb.CreatedAt) > sb.Timeout+m.cfg.GracePeriod {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.log.Warn("reaping expired sandbox", zap.String("execution_id", id))
		m.Cleanup(ctx, id)
		m.met.ReapedTotal.WithLabelValues("internal").Inc()
	}
}

// reapOrphans removes service-labelled containers older than the orphan
// age that are not in the tracking table. Age comes from the created_at
// label so restarts of this process cannot reset the clock.
func (m *Manager) reapOrphans(ctx context.Context) {
	list, err := m.api.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", labelService+"="+m.cfg.ServiceLabel),
		),
	})
	if err != nil {
		m.log.Warn("orphan sweep list failed", zap.Error(err))
		return
	}

	m.mu.Lock()
	known := make(map[string]bool, len(m.tracked))
	for _, sb := range m.tracked {
		known[sb.ContainerID] = true
	}
	m.mu.Unlock()

	cutoff := time.Now().Add(-m.cfg.OrphanAge).Unix()
	for _, c := range list {
		if known[c.ID] {
			continue
		}
		createdAt, err := strconv.ParseInt(c.Labels[labelCreatedAt], 10, 64)
		if err != nil || createdAt > cutoff {
			continue
		}
		m.log.Warn("removing orphaned container",
			zap.String("container_id", shortID(c.ID)),
			zap.String("execution_id", c.Labels[labelExecutionID]))
		m.removeContainer(ctx, c.ID)
		m.met.ReapedTotal.WithLabelValues("external").Inc()
	}
}
