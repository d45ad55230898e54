// Package metrics provides Prometheus metrics for the execution service.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds all Prometheus collectors for the execution core.
type Metrics struct {
	ExecutionsTotal    *prometheus.CounterVec
	ExecutionDuration  *prometheus.HistogramVec
	ActiveContainers   prometheus.Gauge
	SandboxMemoryBytes prometheus.Gauge
	SandboxCPUUsage    prometheus.Gauge
	ImagePullsTotal    *prometheus.CounterVec
	ValidationsTotal   *prometheus.CounterVec
	ReapedTotal        *prometheus.CounterVec
}

// Get returns the singleton metrics instance.
func Get() *Metrics {
	once.Do(func() {
		instance = &Metrics{
			ExecutionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "coderun",
				Name:      "executions_total",
				Help:      "Completed executions by language and terminal status",
			}, []string{"language", "status"}),
			ExecutionDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "coderun",
				Name:      "execution_duration_seconds",
				Help:      "Wall-clock execution duration by language",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			}, []string{"language"}),
			ActiveContainers: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: "coderun",
				Name:      "active_containers",
				Help:      "Sandboxes currently tracked by the container manager",
			}),
			SandboxMemoryBytes: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: "coderun",
				Name:      "sandbox_memory_bytes",
				Help:      "Aggregate memory usage of live sandboxes at last stats read",
			}),
			SandboxCPUUsage: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: "coderun",
				Name:      "sandbox_cpu_total_usage",
				Help:      "Aggregate cumulative CPU usage of live sandboxes at last stats read",
			}),
			ImagePullsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "coderun",
				Name:      "image_pulls_total",
				Help:      "Image pulls by outcome",
			}, []string{"status"}),
			ValidationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "coderun",
				Name:      "validations_total",
				Help:      "Syntax validations by language and verdict",
			}, []string{"language", "valid"}),
			ReapedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "coderun",
				Name:      "reaped_containers_total",
				Help:      "Sandboxes removed by the reaper, by sweep kind",
			}, []string{"sweep"}),
		}
	})
	return instance
}
