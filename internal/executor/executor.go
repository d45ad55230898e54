// Package executor drives one code execution from request to terminal
// event: resolve the language, enforce the service ceilings, run the
// sandbox lifecycle, and emit the streaming protocol's events. The
// unary and streaming entry points share the same state machine; the
// unary path just folds the event stream into a Result.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	units "github.com/docker/go-units"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"coderun/internal/config"
	"coderun/internal/language"
	"coderun/internal/logging"
	"coderun/internal/metrics"
	"coderun/internal/sandbox"
	"coderun/internal/stream"
)

// Request validation errors. Overrides above a ceiling are rejected,
// not clamped, so callers learn their request was out of range.
var (
	ErrBadTimeout      = errors.New("timeout is not a positive duration")
	ErrTimeoutTooLarge = errors.New("timeout exceeds service maximum")
	ErrMemoryTooLarge  = errors.New("memory limit exceeds service maximum")
	ErrBadMemoryLimit  = errors.New("memory limit is not a valid size")
	ErrStdinTooLarge   = errors.New("stdin exceeds service maximum")
)

// Status is the terminal status of an execution.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusTimeout   Status = "timeout"
	StatusError     Status = "error"
	StatusCanceled  Status = "canceled"
)

// Request is one execution request.
type Request struct {
	Language string `json:"language"`
	Code     string `json:"code"`

	// Stdin is the program's standard input; the wire name is
	// input_data for compatibility with existing clients.
	Stdin string `json:"input_data,omitempty"`

	// Timeout overrides the language default, in seconds.
	Timeout int `json:"timeout,omitempty"`

	// MemoryLimit overrides the language default, e.g. "256m".
	MemoryLimit string `json:"memory_limit,omitempty"`
}

// Result is the unary response: the event stream folded into one value.
type Result struct {
	ExecutionID     string  `json:"execution_id"`
	Status          Status  `json:"status"`
	Stdout          string  `json:"stdout"`
	Stderr          string  `json:"stderr"`
	ExitCode        int     `json:"exit_code"`
	ExecutionTime   float64 `json:"execution_time"`
	PeakMemoryBytes int64   `json:"peak_memory_bytes,omitempty"`
	Truncated       bool    `json:"truncated,omitempty"`
	Error           string  `json:"error,omitempty"`
}

// Executor runs code in sandboxes.
type Executor struct {
	mgr *sandbox.Manager
	reg *language.Registry
	cfg *config.Config
	log *zap.Logger
	met *metrics.Metrics

	statsMu      sync.Mutex
	totalRuns    int64
	totalSeconds float64
}

// Stats is the executor's lifetime tally.
type Stats struct {
	TotalExecutions    int64   `json:"total_executions"`
	TotalExecutionTime float64 `json:"total_execution_time"`
}

// Stats returns totals across all finished runs.
func (e *Executor) Stats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return Stats{TotalExecutions: e.totalRuns, TotalExecutionTime: e.totalSeconds}
}

// New returns an Executor over the given sandbox manager and registry.
func New(mgr *sandbox.Manager, reg *language.Registry, cfg *config.Config) *Executor {
	return &Executor{
		mgr: mgr,
		reg: reg,
		cfg: cfg,
		log: logging.L().Named("executor"),
		met: metrics.Get(),
	}
}

// resolved is a request after validation and default application.
type resolved struct {
	spec    language.Spec
	timeout time.Duration
	memory  int64
}

// resolve validates a request against the service ceilings. Empty
// source is legal: it runs and yields whatever exit code the language
// runtime gives it.
func (e *Executor) resolve(req Request) (resolved, error) {
	spec, err := e.reg.Lookup(req.Language)
	if err != nil {
		return resolved{}, err
	}
	if int64(len(req.Stdin)) > e.cfg.MaxStdinBytes {
		return resolved{}, fmt.Errorf("%w: %d bytes", ErrStdinTooLarge, len(req.Stdin))
	}

	if req.Timeout < 0 {
		return resolved{}, fmt.Errorf("%w: %d", ErrBadTimeout, req.Timeout)
	}
	timeout := spec.Timeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Second
		if timeout > e.cfg.MaxTimeout {
			return resolved{}, fmt.Errorf("%w: %s > %s", ErrTimeoutTooLarge, timeout, e.cfg.MaxTimeout)
		}
	}

	memory := spec.MemoryBytes
	if req.MemoryLimit != "" {
		n, err := units.RAMInBytes(req.MemoryLimit)
		if err != nil || n <= 0 {
			return resolved{}, fmt.Errorf("%w: %q", ErrBadMemoryLimit, req.MemoryLimit)
		}
		if n > e.cfg.MaxMemoryBytes {
			return resolved{}, fmt.Errorf("%w: %s > %s", ErrMemoryTooLarge,
				units.BytesSize(float64(n)), units.BytesSize(float64(e.cfg.MaxMemoryBytes)))
		}
		memory = n
	}

	return resolved{spec: spec, timeout: timeout, memory: memory}, nil
}

// ExecuteStream starts an execution and returns its event channel.
// Validation failures are returned synchronously; after a nil error the
// channel delivers events ending in exactly one terminal, then closes.
// Cancelling ctx abandons the execution; the sandbox is still cleaned.
func (e *Executor) ExecuteStream(ctx context.Context, req Request, sessionID string) (<-chan Event, error) {
	res, err := e.resolve(req)
	if err != nil {
		return nil, err
	}
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		emit := func(ev Event) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		e.run(ctx, req, res, sessionID, emit)
	}()
	return out, nil
}

// Execute runs to completion and folds the events into a Result.
func (e *Executor) Execute(ctx context.Context, req Request, sessionID string) (Result, error) {
	res, err := e.resolve(req)
	if err != nil {
		return Result{}, err
	}

	var (
		stdout, stderr limitedBuilder
		result         Result
	)
	stdout.limit = e.cfg.CaptureLimitBytes
	stderr.limit = e.cfg.CaptureLimitBytes

	emit := func(ev Event) bool {
		switch ev.Type {
		case EventStart:
			result.ExecutionID = ev.ExecutionID
		case EventOutput:
			// Hex chunks stay hex in the unary response too; the fd
			// tells the caller which side they came from.
			data := ev.Data
			if ev.Encoding == "hex" {
				data = "\\x" + ev.Data
			}
			if ev.FD == string(stream.Stderr) {
				stderr.WriteString(data)
			} else {
				stdout.WriteString(data)
			}
		case EventExit:
			if ev.ExitCode != nil {
				result.ExitCode = *ev.ExitCode
			}
		case EventComplete:
			result.Status = StatusCompleted
			result.ExecutionTime = ev.ExecutionTime
		case EventTimeout:
			result.Status = StatusTimeout
			result.ExecutionTime = ev.ExecutionTime
			result.Error = "execution timed out"
			result.ExitCode = -1
		case EventError:
			result.Status = StatusError
			result.ExecutionTime = ev.ExecutionTime
			result.Error = ev.Error
			result.ExitCode = -1
		}
		return ctx.Err() == nil
	}

	oc := e.run(ctx, req, res, sessionID, emit)
	if oc.status == StatusCanceled {
		return Result{}, ctx.Err()
	}
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	result.Truncated = stdout.truncated || stderr.truncated
	result.PeakMemoryBytes = oc.peakMemory
	return result, nil
}

// outcome carries run results that are not part of the event stream.
type outcome struct {
	status     Status
	peakMemory int64
}

// run is the execution state machine shared by both entry points. It
// emits events through emit; emit returning false means the consumer
// is gone and the run should stop quietly. The sandbox is cleaned on
// every exit path.
func (e *Executor) run(ctx context.Context, req Request, res resolved, sessionID string, emit func(Event) bool) outcome {
	execID := uuid.NewString()
	started := time.Now()
	log := e.log.With(
		zap.String("execution_id", execID),
		zap.String("language", res.spec.ID))

	terminalStatus := StatusError
	defer func() {
		e.mgr.Cleanup(context.Background(), execID)
		elapsed := time.Since(started).Seconds()
		e.met.ExecutionsTotal.WithLabelValues(res.spec.ID, string(terminalStatus)).Inc()
		e.met.ExecutionDuration.WithLabelValues(res.spec.ID).Observe(elapsed)
		e.statsMu.Lock()
		e.totalRuns++
		e.totalSeconds += elapsed
		e.statsMu.Unlock()
	}()

	fail := func(msg string, err error) outcome {
		log.Error(msg, zap.Error(err))
		ev := newEvent(EventError, execID)
		ev.Error = msg
		ev.ExecutionTime = time.Since(started).Seconds()
		emit(ev)
		terminalStatus = StatusError
		return outcome{status: StatusError}
	}

	if !emit(newEvent(EventStart, execID)) {
		terminalStatus = StatusCanceled
		return outcome{status: StatusCanceled}
	}
	if !e.status(execID, "preparing", emit) {
		terminalStatus = StatusCanceled
		return outcome{status: StatusCanceled}
	}

	// PREPARED: scaffold the source and any aux files.
	files := map[string][]byte{
		res.spec.FileName: language.Prepare(req.Code, res.spec),
	}
	for name, content := range res.spec.AuxFiles {
		files[name] = []byte(content)
	}

	sb, err := e.mgr.Create(ctx, execID, sessionID, res.spec, res.memory, res.timeout)
	if err != nil {
		return fail("sandbox creation failed", err)
	}
	if !e.status(execID, "created", emit) {
		terminalStatus = StatusCanceled
		return outcome{status: StatusCanceled}
	}

	if err := e.mgr.InjectFiles(ctx, sb, files); err != nil {
		return fail("code injection failed", err)
	}

	// SETUP: run the language's setup commands inside the sandbox.
	// Failures do not abort the run; their output is kept and surfaced
	// on stderr if the program then fails.
	var setupLog strings.Builder
	for _, cmd := range res.spec.SetupCommands {
		ev := newEvent(EventSetup, execID)
		ev.Message = cmd
		if !emit(ev) {
			terminalStatus = StatusCanceled
			return outcome{status: StatusCanceled}
		}
		r, err := e.mgr.Exec(ctx, sb, []string{"sh", "-c", cmd})
		if err != nil {
			return fail("setup command failed", err)
		}
		if r.ExitCode != 0 {
			log.Warn("setup command exited nonzero",
				zap.String("command", cmd), zap.Int("exit_code", r.ExitCode))
			setupLog.WriteString(r.Stdout)
			setupLog.WriteString(r.Stderr)
		}
	}

	if !e.status(execID, "running", emit) {
		terminalStatus = StatusCanceled
		return outcome{status: StatusCanceled}
	}

	// RUNNING: the user process is a single exec with stdin attached;
	// half-closing the connection delivers EOF to the process.
	runCtx, cancel := context.WithTimeout(ctx, res.timeout)
	defer cancel()

	procID, resp, err := e.mgr.StartExec(runCtx, sb, res.spec.RunCommand)
	if err != nil {
		return fail("process start failed", err)
	}
	defer resp.Close()

	if req.Stdin != "" {
		if _, err := resp.Conn.Write([]byte(req.Stdin)); err != nil {
			log.Warn("stdin write failed", zap.Error(err))
		}
	}
	if err := resp.CloseWrite(); err != nil {
		log.Debug("stdin close failed", zap.Error(err))
	}

	chunks := make(chan stream.Chunk, 64)
	copied := make(chan error, 1)
	go func() {
		copied <- stream.Demux(resp.Reader, func(c stream.Chunk) { chunks <- c })
		close(chunks)
	}()

	canceled := false
	timedOut := false
loop:
	for {
		select {
		case c, ok := <-chunks:
			if !ok {
				break loop
			}
			ev := newEvent(EventOutput, execID)
			ev.Data = c.Data
			ev.FD = string(c.FD)
			if c.Hex {
				ev.Encoding = "hex"
			}
			if !emit(ev) {
				canceled = true
				break loop
			}
		case <-runCtx.Done():
			timedOut = errors.Is(runCtx.Err(), context.DeadlineExceeded)
			canceled = !timedOut
			break loop
		}
	}

	if timedOut || canceled {
		// Tear the stream down and let the copier finish before the
		// container goes away.
		resp.Close()
		for range chunks {
		}
		<-copied
	} else {
		if err := <-copied; err != nil {
			return fail("output stream failed", err)
		}
	}

	elapsed := time.Since(started)
	oc := outcome{peakMemory: e.peakMemory(sb)}

	if canceled {
		log.Info("execution abandoned by caller", zap.Duration("elapsed", elapsed))
		terminalStatus = StatusCanceled
		oc.status = StatusCanceled
		return oc
	}
	if timedOut {
		log.Warn("execution timed out", zap.Duration("limit", res.timeout))
		ev := newEvent(EventTimeout, execID)
		ev.ExecutionTime = elapsed.Seconds()
		emit(ev)
		terminalStatus = StatusTimeout
		oc.status = StatusTimeout
		return oc
	}

	// COLLECTED: exit code, then the terminal pair.
	inspectCtx, cancelInspect := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelInspect()
	code, err := e.mgr.ExecExitCode(inspectCtx, procID)
	if err != nil {
		return fail("exit code unavailable", err)
	}

	if code != 0 && setupLog.Len() > 0 {
		ev := newEvent(EventOutput, execID)
		ev.Data = setupLog.String()
		ev.FD = string(stream.Stderr)
		if !emit(ev) {
			terminalStatus = StatusCanceled
			oc.status = StatusCanceled
			return oc
		}
	}

	exitEv := newEvent(EventExit, execID)
	exitEv.ExitCode = &code
	if !emit(exitEv) {
		terminalStatus = StatusCanceled
		oc.status = StatusCanceled
		return oc
	}

	doneEv := newEvent(EventComplete, execID)
	doneEv.ExecutionTime = elapsed.Seconds()
	emit(doneEv)
	log.Info("execution completed",
		zap.Int("exit_code", code),
		zap.Duration("elapsed", elapsed))
	terminalStatus = StatusCompleted
	oc.status = StatusCompleted
	return oc
}

func (e *Executor) status(execID, status string, emit func(Event) bool) bool {
	ev := newEvent(EventStatus, execID)
	ev.Status = status
	return emit(ev)
}

// peakMemory samples the sandbox before teardown. Best effort: a dead
// or unreadable container just yields zero.
func (e *Executor) peakMemory(sb *sandbox.Sandbox) int64 {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	u, err := e.mgr.SandboxUsage(ctx, sb)
	if err != nil {
		return 0
	}
	if u.MemoryMaxBytes > 0 {
		return u.MemoryMaxBytes
	}
	return u.MemoryBytes
}

// limitedBuilder collects strings up to a byte limit.
type limitedBuilder struct {
	b         strings.Builder
	limit     int64
	truncated bool
}

func (l *limitedBuilder) WriteString(s string) {
	remain := l.limit - int64(l.b.Len())
	if remain <= 0 {
		l.truncated = true
		return
	}
	if int64(len(s)) > remain {
		s = s[:remain]
		l.truncated = true
	}
	l.b.WriteString(s)
}

func (l *limitedBuilder) String() string { return l.b.String() }
