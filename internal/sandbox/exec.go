package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"

	"coderun/internal/stream"
)

// ExecResult is the collected outcome of a synchronous exec.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Exec runs a command inside the sandbox and waits for it, capturing
// stdout and stderr up to the configured limit. Used for setup commands
// and syntax checks, where output is expected to be small.
func (m *Manager) Exec(ctx context.Context, sb *Sandbox, cmd []string) (ExecResult, error) {
	created, err := m.api.ContainerExecCreate(ctx, sb.ContainerID, container.ExecOptions{
		Cmd:          cmd,
		WorkingDir:   Workdir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec create: %w", err)
	}
	resp, err := m.api.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec attach: %w", err)
	}
	defer resp.Close()

	var stdout, stderr limitedBuffer
	stdout.limit = m.cfg.CaptureLimitBytes
	stderr.limit = m.cfg.CaptureLimitBytes

	copied := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader)
		copied <- err
	}()
	select {
	case err = <-copied:
		if err != nil {
			return ExecResult{}, fmt.Errorf("exec read: %w", err)
		}
	case <-ctx.Done():
		return ExecResult{}, ctx.Err()
	}

	code, err := m.ExecExitCode(ctx, created.ID)
	if err != nil {
		return ExecResult{}, err
	}
	return ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: code,
	}, nil
}

// StartExec starts a command inside the sandbox with stdin attached and
// returns the hijacked connection plus the exec id. The caller streams
// output from resp.Reader and must Close the response.
func (m *Manager) StartExec(ctx context.Context, sb *Sandbox, cmd []string) (string, types.HijackedResponse, error) {
	created, err := m.api.ContainerExecCreate(ctx, sb.ContainerID, container.ExecOptions{
		Cmd:          cmd,
		WorkingDir:   Workdir,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", types.HijackedResponse{}, fmt.Errorf("exec create: %w", err)
	}
	resp, err := m.api.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", types.HijackedResponse{}, fmt.Errorf("exec attach: %w", err)
	}
	return created.ID, resp, nil
}

// ExecExitCode waits for the exec'd process to finish and returns its
// exit code. The attached stream reaching EOF usually means the process
// is gone, but the runtime can lag, so poll briefly.
func (m *Manager) ExecExitCode(ctx context.Context, execID string) (int, error) {
	for {
		insp, err := m.api.ContainerExecInspect(ctx, execID)
		if err != nil {
			return -1, fmt.Errorf("exec inspect: %w", err)
		}
		if !insp.Running {
			return insp.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Logs fetches the sandbox container's own log stream, demultiplexed.
// Note this covers the keep-alive process, not execs; it exists for
// post-mortem inspection of containers that misbehave.
func (m *Manager) Logs(ctx context.Context, execID string) (stdout, stderr string, err error) {
	sb, ok := m.Get(execID)
	if !ok {
		return "", "", ErrNotTracked
	}
	rc, err := m.api.ContainerLogs(ctx, sb.ContainerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", "", fmt.Errorf("container logs: %w", err)
	}
	defer rc.Close()

	var out, errOut bytes.Buffer
	if err := stream.Demux(rc, func(c stream.Chunk) {
		if c.FD == stream.Stdout {
			out.WriteString(c.Data)
		} else {
			errOut.WriteString(c.Data)
		}
	}); err != nil {
		return "", "", err
	}
	return out.String(), errOut.String(), nil
}

// limitedBuffer accepts writes up to limit bytes and silently discards
// the rest, so a chatty process cannot balloon memory.
type limitedBuffer struct {
	buf   bytes.Buffer
	limit int64
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	remain := b.limit - int64(b.buf.Len())
	if remain <= 0 {
		return n, nil
	}
	if int64(n) > remain {
		p = p[:remain]
	}
	b.buf.Write(p)
	return n, nil
}

func (b *limitedBuffer) String() string { return b.buf.String() }
