// Package workerengine holds the worker's slot table and job lifecycle
// reducer: it accepts assignments from the broker, fetches artifacts
// through the cache, hands ready jobs to the sandbox runtime, and reports
// status transitions and outcomes back out over an event channel.
//
// Like the cache, the engine's control-plane state (the slot table and
// the pending queue) is owned by a single actor goroutine; actual job
// execution — artifact fetches, sandbox assembly, the containerd task —
// runs on its own goroutine per job, off the control plane.
package workerengine

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/cuemby/maelstrom/pkg/cache"
	"github.com/cuemby/maelstrom/pkg/jobtypes"
	"github.com/cuemby/maelstrom/pkg/log"
	"github.com/cuemby/maelstrom/pkg/metrics"
	"github.com/cuemby/maelstrom/pkg/runtime"
)

// Fetcher pulls artifact bytes the local cache doesn't have, from the
// broker's artifact-pull connection.
type Fetcher interface {
	FetchArtifact(ctx context.Context, d jobtypes.Digest) (io.ReadCloser, int64, error)
}

// Event is the tagged union of things the engine reports to its caller
// (normally the connection that forwards them to the broker as
// WorkerJobStatusUpdate / JobOutcome wire messages).
type Event interface{ isEvent() }

// StatusUpdate reports a job's WorkerJobStatus transition.
type StatusUpdate struct {
	JobId  jobtypes.JobId
	Status jobtypes.WorkerJobStatus
}

func (StatusUpdate) isEvent() {}

// Outcome reports a job's terminal result. Cancelled jobs never produce
// one — see spec.md §4.3's "discards the outcome without reporting".
type Outcome struct {
	JobId   jobtypes.JobId
	Outcome jobtypes.Outcome
}

func (Outcome) isEvent() {}

// Engine is the worker's job execution actor.
type Engine struct {
	cache      *cache.Cache
	fetcher    Fetcher
	executor   *runtime.Executor
	scratchDir string

	cmds   chan command
	events chan Event
	done   chan struct{}

	// runJob performs one job end to end (artifact fetch through
	// sandbox assembly through execution) and is the one seam tests
	// substitute to exercise slot/queue behavior without a real
	// containerd socket.
	runJob func(ctx context.Context, jobID jobtypes.JobId, spec jobtypes.JobSpec) (jobtypes.Outcome, error)
}

// New creates an Engine with the given slot count. scratchDir is the
// parent directory sandbox roots are assembled under.
func New(slots int, c *cache.Cache, fetcher Fetcher, executor *runtime.Executor, scratchDir string) *Engine {
	e := &Engine{
		cache:      c,
		fetcher:    fetcher,
		executor:   executor,
		scratchDir: scratchDir,
		cmds:       make(chan command, 64),
		events:     make(chan Event, 64),
		done:       make(chan struct{}),
	}
	e.runJob = e.runReal
	e.start(slots)
	return e
}

func newWithRunner(slots int, runJob func(ctx context.Context, jobID jobtypes.JobId, spec jobtypes.JobSpec) (jobtypes.Outcome, error)) *Engine {
	e := &Engine{
		cmds:   make(chan command, 64),
		events: make(chan Event, 64),
		done:   make(chan struct{}),
		runJob: runJob,
	}
	e.start(slots)
	return e
}

func (e *Engine) start(slots int) {
	st := &state{slotsTotal: slots, running: make(map[jobtypes.JobId]context.CancelFunc)}
	metrics.SlotsTotal.Set(float64(slots))
	go e.run(st)
}

// Events returns the channel of StatusUpdate/Outcome events. The caller
// must drain it.
func (e *Engine) Events() <-chan Event { return e.events }

// Assign offers a job to the engine. It is accepted immediately if a
// slot is free; otherwise it waits in priority/arrival order for one.
func (e *Engine) Assign(jobID jobtypes.JobId, spec jobtypes.JobSpec) {
	e.cmds <- assignCmd{jobID: jobID, spec: spec, seq: nextSeq()}
}

// Cancel kills a running or queued job. Its outcome, if any, is
// discarded without being reported.
func (e *Engine) Cancel(jobID jobtypes.JobId) {
	e.cmds <- cancelCmd{jobID: jobID}
}

// Close stops the actor loop. In-flight jobs are cancelled.
func (e *Engine) Close() {
	close(e.cmds)
	<-e.done
}

var seqCounter int64

func nextSeq() int64 {
	seqCounter++
	return seqCounter
}

type command interface{ apply(e *Engine, st *state) }

type assignCmd struct {
	jobID jobtypes.JobId
	spec  jobtypes.JobSpec
	seq   int64
}

type cancelCmd struct{ jobID jobtypes.JobId }

type jobDoneCmd struct{ jobID jobtypes.JobId }

type queuedJob struct {
	jobID jobtypes.JobId
	spec  jobtypes.JobSpec
	seq   int64
}

type state struct {
	slotsTotal int
	slotsInUse int
	queue      []queuedJob
	running    map[jobtypes.JobId]context.CancelFunc
	cancelled  map[jobtypes.JobId]bool
}

func (e *Engine) run(st *state) {
	defer close(e.done)
	for cmd := range e.cmds {
		cmd.apply(e, st)
	}
}

func (cmd assignCmd) apply(e *Engine, st *state) {
	st.queue = append(st.queue, queuedJob{jobID: cmd.jobID, spec: cmd.spec, seq: cmd.seq})
	sortQueue(st.queue)
	e.drainQueue(st)
}

func sortQueue(q []queuedJob) {
	sort.SliceStable(q, func(i, j int) bool {
		if q[i].spec.Priority != q[j].spec.Priority {
			return q[i].spec.Priority > q[j].spec.Priority
		}
		return q[i].seq < q[j].seq
	})
}

func (e *Engine) drainQueue(st *state) {
	for st.slotsInUse < st.slotsTotal && len(st.queue) > 0 {
		next := st.queue[0]
		st.queue = st.queue[1:]
		st.slotsInUse++
		metrics.SlotsInUse.Set(float64(st.slotsInUse))

		ctx, cancel := context.WithCancel(context.Background())
		st.running[next.jobID] = cancel
		go e.execute(ctx, next.jobID, next.spec)
	}
}

func (cmd cancelCmd) apply(e *Engine, st *state) {
	if cancel, ok := st.running[cmd.jobID]; ok {
		if st.cancelled == nil {
			st.cancelled = make(map[jobtypes.JobId]bool)
		}
		st.cancelled[cmd.jobID] = true
		cancel()
		return
	}
	for i, q := range st.queue {
		if q.jobID == cmd.jobID {
			st.queue = append(st.queue[:i], st.queue[i+1:]...)
			return
		}
	}
}

func (cmd jobDoneCmd) apply(e *Engine, st *state) {
	delete(st.running, cmd.jobID)
	if st.cancelled != nil {
		delete(st.cancelled, cmd.jobID)
	}
	st.slotsInUse--
	metrics.SlotsInUse.Set(float64(st.slotsInUse))
	e.drainQueue(st)
}

func (e *Engine) wasCancelled(jobID jobtypes.JobId) bool {
	reply := make(chan bool, 1)
	e.cmds <- queryCancelledCmd{jobID: jobID, reply: reply}
	return <-reply
}

type queryCancelledCmd struct {
	jobID jobtypes.JobId
	reply chan<- bool
}

func (cmd queryCancelledCmd) apply(e *Engine, st *state) {
	cmd.reply <- st.cancelled != nil && st.cancelled[cmd.jobID]
}

// execute runs one job end to end on its own goroutine, reporting status
// transitions as it goes, and always returns the slot via jobDoneCmd.
func (e *Engine) execute(ctx context.Context, jobID jobtypes.JobId, spec jobtypes.JobSpec) {
	defer func() { e.cmds <- jobDoneCmd{jobID: jobID} }()

	e.events <- StatusUpdate{JobId: jobID, Status: jobtypes.WorkerStatusWaitingForLayers}

	outcome, err := e.runJob(ctx, jobID, spec)
	if err != nil {
		if ctx.Err() != nil {
			return // cancelled: discard without reporting
		}
		e.report(jobID, ctx, systemError(fmt.Sprintf("execution: %v", err)))
		return
	}
	e.report(jobID, ctx, outcome)
}

// runReal is the production runJob: fetch layers through the cache,
// assemble a sandbox, and hand it to the containerd-backed executor.
func (e *Engine) runReal(ctx context.Context, jobID jobtypes.JobId, spec jobtypes.JobSpec) (jobtypes.Outcome, error) {
	resolver := &cacheResolver{cache: e.cache, fetcher: e.fetcher}
	sandbox, err := runtime.Assemble(ctx, e.scratchDir, spec.Container, resolver)
	if err != nil {
		return jobtypes.Outcome{}, fmt.Errorf("sandbox assembly: %w", err)
	}
	defer func() {
		if err := sandbox.Destroy(); err != nil {
			log.WithJobID(string(jobID)).Warn().Err(err).Msg("workerengine: sandbox cleanup failed")
		}
	}()

	e.events <- StatusUpdate{JobId: jobID, Status: jobtypes.WorkerStatusWaitingToExecute}
	if ctx.Err() != nil {
		return jobtypes.Outcome{}, ctx.Err()
	}
	e.events <- StatusUpdate{JobId: jobID, Status: jobtypes.WorkerStatusExecuting}

	return e.executor.Run(ctx, string(jobID), sandbox, spec)
}

// report delivers an outcome unless the job was cancelled concurrently
// with its own completion.
func (e *Engine) report(jobID jobtypes.JobId, ctx context.Context, outcome jobtypes.Outcome) {
	if ctx.Err() != nil || e.wasCancelled(jobID) {
		return
	}
	metrics.JobsCompletedTotal.WithLabelValues(string(outcome.Kind)).Inc()
	e.events <- Outcome{JobId: jobID, Outcome: outcome}
}

func systemError(msg string) jobtypes.Outcome {
	return jobtypes.Outcome{
		Kind:         jobtypes.OutcomeError,
		ErrorKind:    jobtypes.ErrorSystem,
		ErrorMessage: msg,
	}
}

// cacheResolver adapts the cache and a broker Fetcher into a
// runtime.Resolver: resident digests are pinned immediately, others are
// fetched (by whichever caller is Lead) and staged into the cache.
type cacheResolver struct {
	cache   *cache.Cache
	fetcher Fetcher
}

func (r *cacheResolver) Resolve(ctx context.Context, d jobtypes.Digest) (string, func(), error) {
	res, err := r.cache.GetOrRequest(d)
	if err != nil {
		return "", nil, err
	}
	if res.Handle != nil {
		h := res.Handle
		return h.Path(), func() { r.cache.Drop(h) }, nil
	}

	if res.Lead {
		r.leadFetch(ctx, d)
	}

	out := <-res.Wait
	if out.Err != nil {
		return "", nil, fmt.Errorf("workerengine: fetch %s: %w", d, out.Err)
	}
	h := out.Handle
	return h.Path(), func() { r.cache.Drop(h) }, nil
}

func (r *cacheResolver) leadFetch(ctx context.Context, d jobtypes.Digest) {
	body, size, err := r.fetcher.FetchArtifact(ctx, d)
	if err != nil {
		_ = r.cache.CompleteFetch(d, "", d, 0, err)
		return
	}
	defer body.Close()

	stagingPath, actual, err := r.cache.Stage(body, size)
	_ = r.cache.CompleteFetch(d, stagingPath, actual, size, err)
}
