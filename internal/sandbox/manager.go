// Package sandbox owns the lifecycle of hardened execution containers:
// image resolution, creation with the locked-down host config, file
// injection, exec plumbing, cleanup, and the background reaper.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"go.uber.org/zap"

	"coderun/internal/config"
	"coderun/internal/language"
	"coderun/internal/logging"
	"coderun/internal/metrics"
)

const (
	sandboxUID = 1000
	sandboxGID = 1000

	// Workdir is the tmpfs workspace inside every sandbox.
	Workdir = "/app"

	labelExecutionID = "execution_id"
	labelSessionID   = "session_id"
	labelCreatedAt   = "created_at"
	labelService     = "service"
)

// ErrNotTracked is returned for operations on an unknown execution id.
var ErrNotTracked = errors.New("sandbox not tracked")

// State is a sandbox lifecycle phase. Transitions are monotonic.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateTerminating
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateTerminating:
		return "terminating"
	case StateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Sandbox is one tracked execution container.
type Sandbox struct {
	ExecutionID string
	SessionID   string
	ContainerID string
	Language    string
	Image       string
	Timeout     time.Duration
	CreatedAt   time.Time

	state atomic.Int32
}

// State reports the sandbox's current lifecycle phase.
func (s *Sandbox) State() State { return State(s.state.Load()) }

// advance moves the state forward, never backward.
func (s *Sandbox) advance(to State) {
	for {
		cur := s.state.Load()
		if cur >= int32(to) {
			return
		}
		if s.state.CompareAndSwap(cur, int32(to)) {
			return
		}
	}
}

// Manager creates and tracks sandboxes against a Docker-compatible
// runtime. All mutation of the tracking table happens under mu; Docker
// calls are made outside it.
type Manager struct {
	api dockerAPI
	cfg *config.Config
	log *zap.Logger
	met *metrics.Metrics

	mu      sync.Mutex
	tracked map[string]*Sandbox

	pullMu sync.Mutex
	pulls  map[string]chan struct{}

	createdTotal atomic.Int64
	cleanedTotal atomic.Int64
}

// NewManager returns a Manager over the given Docker API.
func NewManager(api dockerAPI, cfg *config.Config) *Manager {
	return &Manager{
		api:     api,
		cfg:     cfg,
		log:     logging.L().Named("sandbox"),
		met:     metrics.Get(),
		tracked: make(map[string]*Sandbox),
		pulls:   make(map[string]chan struct{}),
	}
}

// Create builds and starts a hardened sandbox for one execution. The
// container idles on a keep-alive command; the user process is started
// later as an exec so stdin and exit codes stay under our control.
func (m *Manager) Create(ctx context.Context, execID, sessionID string, spec language.Spec, memory int64, timeout time.Duration) (*Sandbox, error) {
	if err := m.ensureImage(ctx, spec.Image); err != nil {
		return nil, fmt.Errorf("ensure image %s: %w", spec.Image, err)
	}

	now := time.Now()
	cfg := &container.Config{
		Image:           spec.Image,
		Cmd:             []string{"sleep", "infinity"},
		WorkingDir:      Workdir,
		User:            fmt.Sprintf("%d:%d", sandboxUID, sandboxGID),
		NetworkDisabled: true,
		Labels: map[string]string{
			labelExecutionID: execID,
			labelSessionID:   sessionID,
			labelCreatedAt:   strconv.FormatInt(now.Unix(), 10),
			labelService:     m.cfg.ServiceLabel,
		},
	}
	hostCfg := &container.HostConfig{
		NetworkMode: "none",
		Resources: container.Resources{
			Memory:     memory,
			MemorySwap: memory,
			CPUPeriod:  m.cfg.CPUPeriod,
			CPUQuota:   m.cfg.CPUQuota,
			PidsLimit:  &m.cfg.PidsLimit,
		},
		CapDrop:     []string{"ALL"},
		CapAdd:      []string{"CHOWN", "SETUID", "SETGID"},
		SecurityOpt: []string{"no-new-privileges:true"},
		Tmpfs: map[string]string{
			Workdir: fmt.Sprintf("rw,size=%s,uid=%d", m.cfg.WorkdirTmpfsSize, sandboxUID),
		},
	}

	name := "exec-" + shortID(execID)
	created, err := m.api.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	if err := m.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		m.removeContainer(context.Background(), created.ID)
		return nil, fmt.Errorf("start container: %w", err)
	}

	sb := &Sandbox{
		ExecutionID: execID,
		SessionID:   sessionID,
		ContainerID: created.ID,
		Language:    spec.ID,
		Image:       spec.Image,
		Timeout:     timeout,
		CreatedAt:   now,
	}
	sb.advance(StateRunning)

	m.mu.Lock()
	m.tracked[execID] = sb
	active := len(m.tracked)
	m.mu.Unlock()

	m.createdTotal.Add(1)
	m.met.ActiveContainers.Set(float64(active))
	m.log.Info("sandbox created",
		zap.String("execution_id", execID),
		zap.String("container_id", shortID(created.ID)),
		zap.String("language", spec.ID))
	return sb, nil
}

// ensureImage makes the runtime image locally available. Concurrent
// requests for the same image share a single pull; a transient pull
// failure is retried once with backoff.
func (m *Manager) ensureImage(ctx context.Context, ref string) error {
	if _, _, err := m.api.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	}

	m.pullMu.Lock()
	if done, ok := m.pulls[ref]; ok {
		m.pullMu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		// The pulling goroutine may have failed; re-check.
		if _, _, err := m.api.ImageInspectWithRaw(ctx, ref); err != nil {
			return fmt.Errorf("image %s unavailable after shared pull: %w", ref, err)
		}
		return nil
	}
	done := make(chan struct{})
	m.pulls[ref] = done
	m.pullMu.Unlock()

	defer func() {
		m.pullMu.Lock()
		delete(m.pulls, ref)
		m.pullMu.Unlock()
		close(done)
	}()

	pull := func() error {
		rc, err := m.api.ImagePull(ctx, ref, image.PullOptions{})
		if err != nil {
			return err
		}
		defer rc.Close()
		// Drain the progress stream; the pull is not done until EOF.
		_, err = io.Copy(io.Discard, rc)
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 1), ctx)
	if err := backoff.Retry(pull, policy); err != nil {
		m.met.ImagePullsTotal.WithLabelValues("error").Inc()
		return err
	}
	m.met.ImagePullsTotal.WithLabelValues("success").Inc()
	m.log.Info("image pulled", zap.String("image", ref))
	return nil
}

// InjectFiles copies files into the sandbox workspace via a tar stream.
func (m *Manager) InjectFiles(ctx context.Context, sb *Sandbox, files map[string][]byte) error {
	buf, err := tarArchive(files)
	if err != nil {
		return err
	}
	if err := m.api.CopyToContainer(ctx, sb.ContainerID, Workdir, buf, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copy to container: %w", err)
	}
	return nil
}

// Get returns the tracked sandbox for an execution id.
func (m *Manager) Get(execID string) (*Sandbox, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, ok := m.tracked[execID]
	return sb, ok
}

// Cleanup stops and removes an execution's sandbox. It is idempotent:
// a second call for the same id is a no-op, and runtime errors are
// logged, never returned, because the tracking entry must go away
// regardless.
func (m *Manager) Cleanup(ctx context.Context, execID string) {
	m.mu.Lock()
	sb, ok := m.tracked[execID]
	if ok {
		delete(m.tracked, execID)
	}
	active := len(m.tracked)
	m.mu.Unlock()
	if !ok {
		return
	}

	sb.advance(StateTerminating)
	m.stopAndRemove(ctx, sb.ContainerID)
	sb.advance(StateRemoved)

	m.cleanedTotal.Add(1)
	m.met.ActiveContainers.Set(float64(active))
	m.log.Info("sandbox cleaned",
		zap.String("execution_id", execID),
		zap.String("container_id", shortID(sb.ContainerID)))
}

// CleanupSession removes every sandbox belonging to a session and
// returns how many were found.
func (m *Manager) CleanupSession(ctx context.Context, sessionID string) int {
	m.mu.Lock()
	var ids []string
	for id, sb := range m.tracked {
		if sb.SessionID == sessionID {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Cleanup(ctx, id)
	}
	return len(ids)
}

// CleanupAll removes every tracked sandbox. Used at shutdown.
func (m *Manager) CleanupAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.tracked))
	for id := range m.tracked {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Cleanup(ctx, id)
	}
}

func (m *Manager) stopAndRemove(ctx context.Context, containerID string) {
	grace := int(m.cfg.StopGrace / time.Second)
	if err := m.api.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &grace}); err != nil {
		m.log.Debug("container stop failed, forcing removal",
			zap.String("container_id", shortID(containerID)), zap.Error(err))
	}
	m.removeContainer(ctx, containerID)
}

func (m *Manager) removeContainer(ctx context.Context, containerID string) {
	if err := m.api.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		m.log.Warn("container remove failed",
			zap.String("container_id", shortID(containerID)), zap.Error(err))
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
