package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coderun/internal/config"
	"coderun/internal/language"
	"coderun/internal/logging"
	"coderun/internal/sandbox"
)

func init() { logging.Init() }

// script describes one exec'd process for the fake runtime.
type script struct {
	stdout []byte
	stderr []byte
	exit   int
	// hold keeps the stream open until the client hangs up, for
	// timeout and cancellation tests.
	hold bool
}

// fakeDocker scripts the container runtime: every exec created consumes
// the next script in order.
type fakeDocker struct {
	mu      sync.Mutex
	scripts []script
	byExec  map[string]script
	seq     int
	stdin   bytes.Buffer
	removed int
}

func newFakeDocker(scripts ...script) *fakeDocker {
	return &fakeDocker{scripts: scripts, byExec: map[string]script{}}
}

func (f *fakeDocker) ImageInspectWithRaw(context.Context, string) (types.ImageInspect, []byte, error) {
	return types.ImageInspect{}, nil, nil
}

func (f *fakeDocker) ImagePull(context.Context, string, image.PullOptions) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(nil)), nil
}

func (f *fakeDocker) ContainerCreate(context.Context, *container.Config, *container.HostConfig, *network.NetworkingConfig, *ocispec.Platform, string) (container.CreateResponse, error) {
	return container.CreateResponse{ID: "ctr-1"}, nil
}

func (f *fakeDocker) ContainerStart(context.Context, string, container.StartOptions) error {
	return nil
}

func (f *fakeDocker) ContainerStop(context.Context, string, container.StopOptions) error {
	return nil
}

func (f *fakeDocker) ContainerRemove(context.Context, string, container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed++
	return nil
}

func (f *fakeDocker) ContainerList(context.Context, container.ListOptions) ([]types.Container, error) {
	return nil, nil
}

func (f *fakeDocker) ContainerLogs(context.Context, string, container.LogsOptions) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(nil)), nil
}

func (f *fakeDocker) CopyToContainer(_ context.Context, _, _ string, content io.Reader, _ container.CopyToContainerOptions) error {
	_, err := io.Copy(io.Discard, content)
	return err
}

func (f *fakeDocker) ContainerExecCreate(context.Context, string, container.ExecOptions) (types.IDResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var s script
	if len(f.scripts) > 0 {
		s, f.scripts = f.scripts[0], f.scripts[1:]
	}
	f.seq++
	id := fmt.Sprintf("exec-%d", f.seq)
	f.byExec[id] = s
	return types.IDResponse{ID: id}, nil
}

func (f *fakeDocker) ContainerExecAttach(_ context.Context, execID string, _ container.ExecAttachOptions) (types.HijackedResponse, error) {
	f.mu.Lock()
	s := f.byExec[execID]
	f.mu.Unlock()

	server, client := net.Pipe()
	go func() {
		// Capture anything written to the process's stdin.
		buf := make([]byte, 4096)
		for {
			n, err := server.Read(buf)
			if n > 0 {
				f.mu.Lock()
				f.stdin.Write(buf[:n])
				f.mu.Unlock()
			}
			if err != nil {
				return
			}
		}
	}()
	go func() {
		if len(s.stdout) > 0 {
			stdcopy.NewStdWriter(server, stdcopy.Stdout).Write(s.stdout)
		}
		if len(s.stderr) > 0 {
			stdcopy.NewStdWriter(server, stdcopy.Stderr).Write(s.stderr)
		}
		if !s.hold {
			server.Close()
		}
	}()
	return types.HijackedResponse{Conn: client, Reader: bufio.NewReader(client)}, nil
}

func (f *fakeDocker) ContainerExecInspect(_ context.Context, execID string) (container.ExecInspect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return container.ExecInspect{Running: false, ExitCode: f.byExec[execID].exit}, nil
}

func (f *fakeDocker) ContainerStatsOneShot(context.Context, string) (container.StatsResponseReader, error) {
	body := `{"memory_stats":{"usage":1048576,"max_usage":2097152},"cpu_stats":{"cpu_usage":{"total_usage":5000}}}`
	return container.StatsResponseReader{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func testExecutor(fd *fakeDocker) (*Executor, *sandbox.Manager) {
	cfg := config.Load()
	mgr := sandbox.NewManager(fd, cfg)
	return New(mgr, language.NewRegistry(), cfg), mgr
}

func drain(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("event stream did not close; got %d events", len(out))
		}
	}
}

func TestExecuteStreamHappyPath(t *testing.T) {
	fd := newFakeDocker(script{stdout: []byte("hello\n"), exit: 0})
	e, mgr := testExecutor(fd)

	events, err := e.ExecuteStream(context.Background(), Request{
		Language: "python",
		Code:     "print('hello')",
	}, "sess-1")
	require.NoError(t, err)
	got := drain(t, events)

	require.NotEmpty(t, got)
	assert.Equal(t, EventStart, got[0].Type)
	execID := got[0].ExecutionID

	var kinds []EventType
	terminals := 0
	for _, ev := range got {
		kinds = append(kinds, ev.Type)
		assert.Equal(t, execID, ev.ExecutionID)
		assert.NotZero(t, ev.Timestamp)
		if ev.Terminal() {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals)
	assert.Equal(t, EventComplete, got[len(got)-1].Type)
	assert.Contains(t, kinds, EventOutput)
	assert.Contains(t, kinds, EventExit)

	for _, ev := range got {
		if ev.Type == EventOutput {
			assert.Equal(t, "hello\n", ev.Data)
			assert.Equal(t, "stdout", ev.FD)
		}
		if ev.Type == EventExit {
			require.NotNil(t, ev.ExitCode)
			assert.Equal(t, 0, *ev.ExitCode)
		}
	}

	// Sandbox must be gone once the stream closes.
	_, tracked := mgr.Get(execID)
	assert.False(t, tracked)
	assert.Equal(t, 1, fd.removed)
}

func TestExecuteCollectsResult(t *testing.T) {
	fd := newFakeDocker(script{stdout: []byte("out"), stderr: []byte("err"), exit: 3})
	e, _ := testExecutor(fd)

	res, err := e.Execute(context.Background(), Request{
		Language: "python",
		Code:     "boom()",
	}, "")
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "out", res.Stdout)
	assert.Equal(t, "err", res.Stderr)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, int64(2097152), res.PeakMemoryBytes)
	assert.Greater(t, res.ExecutionTime, 0.0)
	assert.NotEmpty(t, res.ExecutionID)
}

func TestExecuteWritesStdin(t *testing.T) {
	fd := newFakeDocker(script{stdout: []byte("ok")})
	e, _ := testExecutor(fd)

	_, err := e.Execute(context.Background(), Request{
		Language: "python",
		Code:     "input()",
		Stdin:    "from the caller\n",
	}, "")
	require.NoError(t, err)

	// The fake records stdin on its own goroutine; on a single-CPU
	// scheduler it may not have stored the bytes yet when Execute
	// returns, so wait for the capture before asserting.
	require.Eventually(t, func() bool {
		fd.mu.Lock()
		defer fd.mu.Unlock()
		return fd.stdin.Len() > 0
	}, time.Second, time.Millisecond)

	fd.mu.Lock()
	defer fd.mu.Unlock()
	assert.Equal(t, "from the caller\n", fd.stdin.String())
}

func TestExecuteTimesOut(t *testing.T) {
	fd := newFakeDocker(script{hold: true})
	e, mgr := testExecutor(fd)

	events, err := e.ExecuteStream(context.Background(), Request{
		Language: "python",
		Code:     "while True: pass",
		Timeout:  1,
	}, "")
	require.NoError(t, err)
	got := drain(t, events)

	require.NotEmpty(t, got)
	last := got[len(got)-1]
	assert.Equal(t, EventTimeout, last.Type)
	assert.GreaterOrEqual(t, last.ExecutionTime, 1.0)

	_, tracked := mgr.Get(got[0].ExecutionID)
	assert.False(t, tracked)
}

func TestExecuteStreamAbandonedOnCancel(t *testing.T) {
	fd := newFakeDocker(script{hold: true})
	e, mgr := testExecutor(fd)

	ctx, cancel := context.WithCancel(context.Background())
	events, err := e.ExecuteStream(ctx, Request{
		Language: "python",
		Code:     "while True: pass",
	}, "")
	require.NoError(t, err)

	first := <-events
	require.Equal(t, EventStart, first.Type)
	cancel()
	got := drain(t, events)

	// No terminal event for an abandoned run, and no leaked sandbox.
	for _, ev := range got {
		assert.False(t, ev.Terminal(), "unexpected terminal %s", ev.Type)
	}
	_, tracked := mgr.Get(first.ExecutionID)
	assert.False(t, tracked)
}

func TestSetupOutputSurfacesOnFailure(t *testing.T) {
	// typescript has a setup command; script it to fail, then fail the
	// run, and expect the setup log on stderr before the exit event.
	fd := newFakeDocker(
		script{stderr: []byte("npm blew up"), exit: 1},
		script{exit: 2},
	)
	e, _ := testExecutor(fd)

	res, err := e.Execute(context.Background(), Request{
		Language: "typescript",
		Code:     "console.log(1)",
	}, "")
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 2, res.ExitCode)
	assert.Contains(t, res.Stderr, "npm blew up")
}

func TestResolveRejectsOverLimitRequests(t *testing.T) {
	e, _ := testExecutor(newFakeDocker())

	cases := []struct {
		name string
		req  Request
		want error
	}{
		{"unknown language", Request{Language: "cobol", Code: "x"}, language.ErrNotSupported},
		{"timeout too large", Request{Language: "python", Code: "x", Timeout: 500}, ErrTimeoutTooLarge},
		{"timeout negative", Request{Language: "python", Code: "x", Timeout: -5}, ErrBadTimeout},
		{"memory too large", Request{Language: "python", Code: "x", MemoryLimit: "4g"}, ErrMemoryTooLarge},
		{"memory unparsable", Request{Language: "python", Code: "x", MemoryLimit: "lots"}, ErrBadMemoryLimit},
		{"stdin too large", Request{Language: "python", Code: "x", Stdin: strings.Repeat("a", 2<<20)}, ErrStdinTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.Execute(context.Background(), tc.req, "")
			assert.True(t, errors.Is(err, tc.want), "got %v", err)

			_, err = e.ExecuteStream(context.Background(), tc.req, "")
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
}

func TestResolveAcceptsInRangeOverrides(t *testing.T) {
	e, _ := testExecutor(newFakeDocker())

	res, err := e.resolve(Request{Language: "python", Code: "x", Timeout: 60, MemoryLimit: "256m"})
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, res.timeout)
	assert.Equal(t, int64(256<<20), res.memory)

	// The ceilings themselves are legal values.
	res, err = e.resolve(Request{
		Language:    "python",
		Code:        "x",
		Timeout:     120,
		MemoryLimit: "512m",
		Stdin:       strings.Repeat("a", 1<<20),
	})
	require.NoError(t, err)
	assert.Equal(t, 120*time.Second, res.timeout)
	assert.Equal(t, int64(512<<20), res.memory)
}

func TestEmptySourceRuns(t *testing.T) {
	// Zero-length source is a legal program; the runtime decides what
	// it exits with.
	fd := newFakeDocker(script{exit: 0})
	e, mgr := testExecutor(fd)

	res, err := e.Execute(context.Background(), Request{Language: "python", Code: ""}, "")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 0, res.ExitCode)

	_, tracked := mgr.Get(res.ExecutionID)
	assert.False(t, tracked)
}

func TestRequestWireShape(t *testing.T) {
	var req Request
	body := `{"language":"python","code":"input()","input_data":"42\n","timeout":10,"memory_limit":"64m"}`
	require.NoError(t, json.Unmarshal([]byte(body), &req))
	assert.Equal(t, "42\n", req.Stdin)
	assert.Equal(t, 10, req.Timeout)
	assert.Equal(t, "64m", req.MemoryLimit)
}

func TestStatsTally(t *testing.T) {
	fd := newFakeDocker(script{stdout: []byte("x")})
	e, _ := testExecutor(fd)
	require.Zero(t, e.Stats().TotalExecutions)

	_, err := e.Execute(context.Background(), Request{Language: "python", Code: "x"}, "")
	require.NoError(t, err)

	st := e.Stats()
	assert.Equal(t, int64(1), st.TotalExecutions)
	assert.Greater(t, st.TotalExecutionTime, 0.0)
}

func TestUnaryTruncatesRunawayOutput(t *testing.T) {
	big := bytes.Repeat([]byte("a"), 2<<20)
	fd := newFakeDocker(script{stdout: big})
	e, _ := testExecutor(fd)

	res, err := e.Execute(context.Background(), Request{Language: "python", Code: "spam()"}, "")
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Equal(t, 1<<20, len(res.Stdout))
}
