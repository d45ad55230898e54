package config

import (
	"testing"
	"time"

	units "github.com/docker/go-units"
	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, ":8002", cfg.ListenAddr)
	assert.Equal(t, "code-execution", cfg.ServiceLabel)
	assert.Equal(t, 120*time.Second, cfg.MaxTimeout)
	assert.Equal(t, int64(512*units.MiB), cfg.MaxMemoryBytes)
	assert.Equal(t, int64(1*units.MiB), cfg.MaxStdinBytes)
	assert.Equal(t, int64(128), cfg.PidsLimit)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LISTEN_ADDR", ":9000")
	t.Setenv("EXEC_MAX_TIMEOUT", "90s")
	t.Setenv("EXEC_MAX_MEMORY", "256m")
	t.Setenv("EXEC_PIDS_LIMIT", "64")

	cfg := Load()
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, 90*time.Second, cfg.MaxTimeout)
	assert.Equal(t, int64(256*units.MiB), cfg.MaxMemoryBytes)
	assert.Equal(t, int64(64), cfg.PidsLimit)
}

func TestBareSecondsDuration(t *testing.T) {
	t.Setenv("EXEC_MAX_TIMEOUT", "45")
	assert.Equal(t, 45*time.Second, Load().MaxTimeout)
}

func TestBadValuesFallBack(t *testing.T) {
	t.Setenv("EXEC_MAX_TIMEOUT", "soon")
	t.Setenv("EXEC_MAX_MEMORY", "plenty")
	t.Setenv("EXEC_PIDS_LIMIT", "-5")

	cfg := Load()
	assert.Equal(t, 120*time.Second, cfg.MaxTimeout)
	assert.Equal(t, int64(512*units.MiB), cfg.MaxMemoryBytes)
	assert.Equal(t, int64(128), cfg.PidsLimit)
}
