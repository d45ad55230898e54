package validator

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"

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

// fakeDocker answers every exec with a fixed verdict.
type fakeDocker struct {
	mu       sync.Mutex
	execCmds [][]string
	stderr   []byte
	exit     int
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

func (f *fakeDocker) ContainerExecCreate(_ context.Context, _ string, opts container.ExecOptions) (types.IDResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execCmds = append(f.execCmds, opts.Cmd)
	return types.IDResponse{ID: "exec-1"}, nil
}

func (f *fakeDocker) ContainerExecAttach(context.Context, string, container.ExecAttachOptions) (types.HijackedResponse, error) {
	server, client := net.Pipe()
	go func() {
		if len(f.stderr) > 0 {
			stdcopy.NewStdWriter(server, stdcopy.Stderr).Write(f.stderr)
		}
		server.Close()
	}()
	return types.HijackedResponse{Conn: client, Reader: bufio.NewReader(client)}, nil
}

func (f *fakeDocker) ContainerExecInspect(context.Context, string) (container.ExecInspect, error) {
	return container.ExecInspect{Running: false, ExitCode: f.exit}, nil
}

func (f *fakeDocker) ContainerStatsOneShot(context.Context, string) (container.StatsResponseReader, error) {
	return container.StatsResponseReader{Body: io.NopCloser(bytes.NewReader([]byte("{}")))}, nil
}

func testValidator(fd *fakeDocker) *Validator {
	mgr := sandbox.NewManager(fd, config.Load())
	return New(mgr, language.NewRegistry())
}

func TestValidateGoInProcess(t *testing.T) {
	v := testValidator(&fakeDocker{})

	res, err := v.Validate(context.Background(), "go", `package main

func main() { println("ok") }`)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.True(t, res.Checked)
}

func TestValidateGoSnippetGetsScaffolding(t *testing.T) {
	// Bare statements parse only because preparation adds the package
	// clause first.
	v := testValidator(&fakeDocker{})

	res, err := v.Validate(context.Background(), "go", "func main() {}")
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestValidateGoReportsErrors(t *testing.T) {
	v := testValidator(&fakeDocker{})

	res, err := v.Validate(context.Background(), "go", "package main\nfunc main() {")
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.NotEmpty(t, res.Message)
	assert.True(t, res.Checked)
}

func TestValidateSandboxedRendersFilePlaceholder(t *testing.T) {
	fd := &fakeDocker{}
	v := testValidator(fd)

	res, err := v.Validate(context.Background(), "python", "print(1)")
	require.NoError(t, err)
	assert.True(t, res.Valid)

	fd.mu.Lock()
	defer fd.mu.Unlock()
	require.Len(t, fd.execCmds, 1)
	assert.Equal(t, []string{"python", "-m", "py_compile", "/app/code.py"}, fd.execCmds[0])
}

func TestValidateSandboxedFailure(t *testing.T) {
	fd := &fakeDocker{stderr: []byte("SyntaxError: invalid syntax"), exit: 1}
	v := testValidator(fd)

	res, err := v.Validate(context.Background(), "python", "def broken(")
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Message, "SyntaxError")
}

func TestValidateDefaultsToValidWithoutChecker(t *testing.T) {
	v := testValidator(&fakeDocker{})

	// Swift has no parse-only mode; the verdict is an unchecked pass.
	res, err := v.Validate(context.Background(), "swift", "print(1)")
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.False(t, res.Checked)
}

func TestValidateUnknownLanguage(t *testing.T) {
	v := testValidator(&fakeDocker{})

	_, err := v.Validate(context.Background(), "cobol", "x")
	assert.True(t, errors.Is(err, language.ErrNotSupported))
}
