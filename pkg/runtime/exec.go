package runtime

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/rs/zerolog"

	"github.com/cuemby/maelstrom/pkg/jobtypes"
	"github.com/cuemby/maelstrom/pkg/log"
	"github.com/cuemby/maelstrom/pkg/metrics"
)

const (
	// DefaultNamespace is the containerd namespace jobs execute under.
	DefaultNamespace = "maelstrom"
	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// Executor runs jobs to completion, each inside its own assembled
// Sandbox, via a containerd task. Run may be called concurrently.
type Executor struct {
	client      *containerd.Client
	namespace   string
	inlineLimit int64
	logger      zerolog.Logger
}

// NewExecutor connects to containerd. inlineLimit bounds how many bytes
// of stdout/stderr each are captured before being counted as truncated.
func NewExecutor(socketPath string, inlineLimit int64) (*Executor, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("runtime: connect containerd: %w", err)
	}
	return &Executor{
		client:      client,
		namespace:   DefaultNamespace,
		inlineLimit: inlineLimit,
		logger:      log.WithComponent("executor"),
	}, nil
}

// Close releases the containerd client connection.
func (e *Executor) Close() error {
	if e.client == nil {
		return nil
	}
	return e.client.Close()
}

// Run assembles the OCI spec for job against sandbox.Root, launches it as
// a containerd task, and blocks until it completes, is killed on timeout,
// or fails to start. id must be unique among concurrently running tasks
// on this executor (the worker uses the JobId).
func (e *Executor) Run(ctx context.Context, id string, sandbox *Sandbox, job jobtypes.JobSpec) (jobtypes.Outcome, error) {
	ctx = namespaces.WithNamespace(ctx, e.namespace)
	start := time.Now()
	defer func() { metrics.JobExecutionDuration.Observe(time.Since(start).Seconds()) }()

	ociSpec := buildOCISpec(sandbox.Root, job)

	container, err := e.client.NewContainer(ctx, id, containerd.WithSpec(ociSpec))
	if err != nil {
		return jobtypes.Outcome{}, fmt.Errorf("runtime: new container: %w", err)
	}
	defer container.Delete(ctx)

	stdout := newTruncatingWriter(e.inlineLimit)
	stderr := newTruncatingWriter(e.inlineLimit)

	// When a TTY is requested, stdout and stderr are merged by the
	// pseudo-terminal before containerd ever hands us bytes, so both
	// streams are wired to the same writer; otherwise they're captured
	// independently.
	var creator cio.Creator
	if job.AllocateTTY {
		creator = cio.NewCreator(cio.WithStreams(nil, stdout, stdout), cio.WithTerminal)
	} else {
		creator = cio.NewCreator(cio.WithStreams(nil, stdout, stderr))
	}

	task, err := container.NewTask(ctx, creator)
	if err != nil {
		return jobtypes.Outcome{}, fmt.Errorf("runtime: new task: %w", err)
	}
	defer task.Delete(ctx)

	statusC, err := task.Wait(ctx)
	if err != nil {
		return jobtypes.Outcome{}, fmt.Errorf("runtime: wait: %w", err)
	}

	if err := task.Start(ctx); err != nil {
		return jobtypes.Outcome{}, fmt.Errorf("runtime: start: %w", err)
	}

	var timeoutC <-chan time.Time
	if job.Timeout > 0 {
		timer := time.NewTimer(job.Timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case status := <-statusC:
		code, _, _ := status.Result()
		exitCode := int32(code)
		return jobtypes.Outcome{
			Kind:     jobtypes.OutcomeCompleted,
			ExitCode: &exitCode,
			Stdout:   stdout.Result(),
			Stderr:   stderr.Result(),
			Duration: time.Since(start),
		}, nil

	case <-timeoutC:
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			e.logger.Warn().Err(err).Str("job_id", id).Msg("runtime: kill on timeout failed")
		}
		<-statusC // drain so task.Delete below doesn't race the shim
		return jobtypes.Outcome{
			Kind:     jobtypes.OutcomeTimedOut,
			Stdout:   stdout.Result(),
			Stderr:   stderr.Result(),
			Duration: time.Since(start),
		}, nil

	case <-ctx.Done():
		_ = task.Kill(ctx, syscall.SIGKILL)
		return jobtypes.Outcome{}, ctx.Err()
	}
}

// truncatingWriter caps the bytes it retains at limit, counting the rest
// as truncated rather than discarding the write. It is safe for
// concurrent use since containerd's cio plumbing may deliver stdout and a
// merged pty stream from separate goroutines.
type truncatingWriter struct {
	mu        sync.Mutex
	limit     int64
	buf       []byte
	truncated int64
}

func newTruncatingWriter(limit int64) *truncatingWriter {
	return &truncatingWriter{limit: limit}
}

func (w *truncatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	remaining := w.limit - int64(len(w.buf))
	if remaining > 0 {
		n := int64(len(p))
		if n > remaining {
			n = remaining
		}
		w.buf = append(w.buf, p[:n]...)
		w.truncated += int64(len(p)) - n
	} else {
		w.truncated += int64(len(p))
	}
	return len(p), nil
}

func (w *truncatingWriter) Result() jobtypes.OutputStream {
	w.mu.Lock()
	defer w.mu.Unlock()
	return jobtypes.OutputStream{
		First:     append([]byte(nil), w.buf...),
		Truncated: w.truncated,
	}
}
