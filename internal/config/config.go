// Package config holds the environment-driven service configuration.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	units "github.com/docker/go-units"
)

// Config is the service configuration. All limits here are hard ceilings
// enforced by the execution core; per-language defaults live in the
// language registry.
type Config struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string

	// DockerHost is the container runtime endpoint.
	DockerHost string

	// ServiceLabel tags every sandbox container; the reaper trusts this
	// label when sweeping orphans.
	ServiceLabel string

	// MaxTimeout is the ceiling for per-request timeout overrides.
	MaxTimeout time.Duration

	// MaxMemoryBytes is the ceiling for per-request memory overrides.
	MaxMemoryBytes int64

	// MaxStdinBytes bounds the stdin payload accepted per execution.
	MaxStdinBytes int64

	// CaptureLimitBytes caps the stdout/stderr captured per fd in the
	// unary path. Streaming output is unbounded.
	CaptureLimitBytes int64

	// StopGrace is how long a container gets to stop before force removal.
	StopGrace time.Duration

	// GracePeriod is the extra time past a sandbox's timeout before the
	// reaper forcibly removes it.
	GracePeriod time.Duration

	// ReapInterval is the reaper sweep cadence.
	ReapInterval time.Duration

	// OrphanAge is the label age past which an externally discovered
	// container is considered orphaned.
	OrphanAge time.Duration

	// CPUQuota and CPUPeriod cap each sandbox's CPU share (defaults:
	// half of one core).
	CPUQuota  int64
	CPUPeriod int64

	// PidsLimit caps processes per sandbox.
	PidsLimit int64

	// WorkdirTmpfsSize is the tmpfs size of the /app workspace.
	WorkdirTmpfsSize string
}

// Load builds a Config from the environment with production defaults.
func Load() *Config {
	return &Config{
		ListenAddr:        envOr("LISTEN_ADDR", ":8002"),
		DockerHost:        envOr("DOCKER_HOST", "unix:///var/run/docker.sock"),
		ServiceLabel:      envOr("EXEC_SERVICE_LABEL", "code-execution"),
		MaxTimeout:        envDuration("EXEC_MAX_TIMEOUT", 120*time.Second),
		MaxMemoryBytes:    envBytes("EXEC_MAX_MEMORY", 512*units.MiB),
		MaxStdinBytes:     envBytes("EXEC_MAX_STDIN", 1*units.MiB),
		CaptureLimitBytes: envBytes("EXEC_CAPTURE_LIMIT", 1*units.MiB),
		StopGrace:         envDuration("EXEC_STOP_GRACE", 5*time.Second),
		GracePeriod:       envDuration("EXEC_REAP_GRACE", 30*time.Second),
		ReapInterval:      envDuration("EXEC_REAP_INTERVAL", 60*time.Second),
		OrphanAge:         envDuration("EXEC_ORPHAN_AGE", 5*time.Minute),
		CPUQuota:          envInt64("EXEC_CPU_QUOTA", 50000),
		CPUPeriod:         envInt64("EXEC_CPU_PERIOD", 100000),
		PidsLimit:         envInt64("EXEC_PIDS_LIMIT", 128),
		WorkdirTmpfsSize:  envOr("EXEC_WORKDIR_TMPFS_SIZE", "100m"),
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	// Bare numbers are treated as seconds.
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func envBytes(key string, fallback int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	if n, err := units.RAMInBytes(v); err == nil && n > 0 {
		return n
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
		return n
	}
	return fallback
}
