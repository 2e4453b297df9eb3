package workerclient

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/maelstrom/pkg/digest"
	"github.com/cuemby/maelstrom/pkg/jobtypes"
	"github.com/cuemby/maelstrom/pkg/wire"
	"github.com/cuemby/maelstrom/pkg/workerengine"
)

type fakeEngine struct {
	mu        sync.Mutex
	assigned  []jobtypes.JobId
	cancelled []jobtypes.JobId
	events    chan workerengine.Event
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{events: make(chan workerengine.Event, 8)}
}

func (f *fakeEngine) Assign(jobID jobtypes.JobId, _ jobtypes.JobSpec) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assigned = append(f.assigned, jobID)
}

func (f *fakeEngine) Cancel(jobID jobtypes.JobId) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, jobID)
}

func (f *fakeEngine) Events() <-chan workerengine.Event { return f.events }

func (f *fakeEngine) assignedIDs() []jobtypes.JobId {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]jobtypes.JobId(nil), f.assigned...)
}

func (f *fakeEngine) cancelledIDs() []jobtypes.JobId {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]jobtypes.JobId(nil), f.cancelled...)
}

func TestRunOnceSendsHelloThenDispatchesAssignAndCancel(t *testing.T) {
	engine := newFakeEngine()
	serverSide, clientSide := net.Pipe()

	c := New("fake-broker", 4, engine)
	c.dial = func(_ context.Context, _ string) (net.Conn, error) { return clientSide, nil }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	msg, err := wire.ReadFrame(serverSide)
	require.NoError(t, err)
	hello, ok := msg.(wire.WorkerHello)
	require.True(t, ok, "expected WorkerHello, got %T", msg)
	require.Equal(t, 4, hello.Capacity)

	require.NoError(t, wire.WriteFrame(serverSide, wire.AssignJob{
		JobId: "job-1",
		Spec:  jobtypes.JobSpec{Program: "/bin/true"},
	}))
	require.Eventually(t, func() bool {
		return len(engine.assignedIDs()) == 1
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, []jobtypes.JobId{"job-1"}, engine.assignedIDs())

	require.NoError(t, wire.WriteFrame(serverSide, wire.CancelJob{JobId: "job-1"}))
	require.Eventually(t, func() bool {
		return len(engine.cancelledIDs()) == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestRunOnceForwardsEngineEventsAsWireMessages(t *testing.T) {
	engine := newFakeEngine()
	serverSide, clientSide := net.Pipe()

	c := New("fake-broker", 1, engine)
	c.dial = func(_ context.Context, _ string) (net.Conn, error) { return clientSide, nil }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	_, err := wire.ReadFrame(serverSide) // WorkerHello
	require.NoError(t, err)

	engine.events <- workerengine.StatusUpdate{JobId: "job-1", Status: jobtypes.WorkerStatusExecuting}

	msg, err := wire.ReadFrame(serverSide)
	require.NoError(t, err)
	update, ok := msg.(wire.WorkerJobStatusUpdate)
	require.True(t, ok, "expected WorkerJobStatusUpdate, got %T", msg)
	require.Equal(t, jobtypes.JobId("job-1"), update.JobId)
	require.Equal(t, jobtypes.WorkerStatusExecuting, update.Status)

	exitCode := int32(0)
	engine.events <- workerengine.Outcome{
		JobId:   "job-1",
		Outcome: jobtypes.Outcome{Kind: jobtypes.OutcomeCompleted, ExitCode: &exitCode},
	}

	msg, err = wire.ReadFrame(serverSide)
	require.NoError(t, err)
	outcome, ok := msg.(wire.JobOutcome)
	require.True(t, ok, "expected JobOutcome, got %T", msg)
	require.Equal(t, jobtypes.OutcomeCompleted, outcome.Outcome.Kind)
}

func TestArtifactFetcherRequestsDigestAndReturnsBody(t *testing.T) {
	serverSide, clientSide := net.Pipe()

	f := NewArtifactFetcher("fake-broker")
	f.dial = func(_ context.Context, _ string) (net.Conn, error) { return clientSide, nil }

	payload := []byte("artifact-bytes")
	wantDigest := digest.FromBytes(payload)

	serverErr := make(chan error, 1)
	go func() {
		msg, err := wire.ReadFrame(serverSide)
		if err != nil {
			serverErr <- err
			return
		}
		req, ok := msg.(wire.ArtifactPullRequest)
		if !ok {
			serverErr <- nil
			return
		}
		if req.Digest != wantDigest {
			serverErr <- nil
			return
		}
		serverErr <- wire.WriteBody(serverSide, int64(len(payload)), bytes.NewReader(payload))
	}()

	body, size, err := f.FetchArtifact(context.Background(), wantDigest)
	require.NoError(t, err)
	defer body.Close()

	require.Equal(t, int64(len(payload)), size)
	got, err := io.ReadAll(body)
	require.NoError(t, err)
	require.Equal(t, payload, got)
	require.NoError(t, <-serverErr)
}

func TestBackoffDoublesWithJitterAndCaps(t *testing.T) {
	b := newBackoff(100*time.Millisecond, 400*time.Millisecond)

	d1 := b.Next()
	require.GreaterOrEqual(t, d1, 50*time.Millisecond)
	require.LessOrEqual(t, d1, 100*time.Millisecond)

	d2 := b.Next()
	require.GreaterOrEqual(t, d2, 100*time.Millisecond)
	require.LessOrEqual(t, d2, 200*time.Millisecond)

	for i := 0; i < 10; i++ {
		b.Next()
	}
	capped := b.Next()
	require.LessOrEqual(t, capped, 400*time.Millisecond)

	b.Reset()
	reset := b.Next()
	require.LessOrEqual(t, reset, 100*time.Millisecond)
}
