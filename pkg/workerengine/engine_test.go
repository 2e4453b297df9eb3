package workerengine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/maelstrom/pkg/jobtypes"
)

func drainEvents(t *testing.T, e *Engine, n int, timeout time.Duration) []Event {
	t.Helper()
	var got []Event
	deadline := time.After(timeout)
	for len(got) < n {
		select {
		case ev := <-e.Events():
			got = append(got, ev)
		case <-deadline:
			t.Fatalf("timed out waiting for %d events, got %d: %+v", n, len(got), got)
		}
	}
	return got
}

func TestSingleSlotRunsOneJobAtATime(t *testing.T) {
	var mu sync.Mutex
	inFlight := 0
	maxInFlight := 0
	release := make(chan struct{})

	e := newWithRunner(1, func(ctx context.Context, jobID jobtypes.JobId, spec jobtypes.JobSpec) (jobtypes.Outcome, error) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		<-release
		mu.Lock()
		inFlight--
		mu.Unlock()
		return jobtypes.Outcome{Kind: jobtypes.OutcomeCompleted}, nil
	})
	defer e.Close()

	e.Assign("a", jobtypes.JobSpec{})
	e.Assign("b", jobtypes.JobSpec{})

	drainEvents(t, e, 1, time.Second) // WaitingForLayers for job "a"

	close(release)
	drainEvents(t, e, 1, time.Second) // Outcome for job "a"
	drainEvents(t, e, 1, time.Second) // WaitingForLayers for job "b" once a slot frees

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, maxInFlight)
}

func TestHigherPriorityJobRunsFirst(t *testing.T) {
	release := make(chan struct{})
	order := make(chan jobtypes.JobId, 2)

	e := newWithRunner(1, func(ctx context.Context, jobID jobtypes.JobId, spec jobtypes.JobSpec) (jobtypes.Outcome, error) {
		order <- jobID
		<-release
		return jobtypes.Outcome{Kind: jobtypes.OutcomeCompleted}, nil
	})
	defer e.Close()

	// Occupies the only slot before the priority jobs below ever queue.
	e.Assign("blocker", jobtypes.JobSpec{})
	drainEvents(t, e, 1, time.Second) // WaitingForLayers for "blocker"

	e.Assign("low", jobtypes.JobSpec{Priority: 0})
	e.Assign("high", jobtypes.JobSpec{Priority: 10})

	require.Equal(t, jobtypes.JobId("blocker"), <-order)
	close(release)
	drainEvents(t, e, 1, time.Second) // Outcome for "blocker"
	drainEvents(t, e, 1, time.Second) // WaitingForLayers for whichever queued job runs next

	require.Equal(t, jobtypes.JobId("high"), <-order, "higher priority job runs before the lower priority one queued alongside it")
}

func TestQueuedJobsRespectPriorityThenArrival(t *testing.T) {
	blockerRelease := make(chan struct{})
	var mu sync.Mutex
	var ranOrder []jobtypes.JobId

	e := newWithRunner(1, func(ctx context.Context, jobID jobtypes.JobId, spec jobtypes.JobSpec) (jobtypes.Outcome, error) {
		if jobID == "blocker" {
			<-blockerRelease
		}
		mu.Lock()
		ranOrder = append(ranOrder, jobID)
		mu.Unlock()
		return jobtypes.Outcome{Kind: jobtypes.OutcomeCompleted}, nil
	})
	defer e.Close()

	e.Assign("blocker", jobtypes.JobSpec{})
	drainEvents(t, e, 1, time.Second) // WaitingForLayers for "blocker"

	// All three queue up behind "blocker" while it's still held open.
	e.Assign("first-high", jobtypes.JobSpec{Priority: 5})
	e.Assign("second-high", jobtypes.JobSpec{Priority: 5})
	e.Assign("low", jobtypes.JobSpec{Priority: 0})

	close(blockerRelease)
	drainEvents(t, e, 7, 2*time.Second) // blocker outcome + 3x(WaitingForLayers+Outcome)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []jobtypes.JobId{"blocker", "first-high", "second-high", "low"}, ranOrder,
		"equal-priority ties broken by arrival order, higher priority before lower")
}

func TestCancelDiscardsOutcomeWithoutReporting(t *testing.T) {
	started := make(chan struct{})
	e := newWithRunner(1, func(ctx context.Context, jobID jobtypes.JobId, spec jobtypes.JobSpec) (jobtypes.Outcome, error) {
		close(started)
		<-ctx.Done()
		return jobtypes.Outcome{}, ctx.Err()
	})
	defer e.Close()

	e.Assign("job", jobtypes.JobSpec{})
	drainEvents(t, e, 1, time.Second) // WaitingForLayers
	<-started
	e.Cancel("job")

	select {
	case ev := <-e.Events():
		t.Fatalf("expected no further events after cancel, got %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}
