package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/maelstrom/pkg/digest"
	"github.com/cuemby/maelstrom/pkg/jobtypes"
)

func TestWriteReadFrameRoundTripsEveryMessageVariant(t *testing.T) {
	d := digest.FromBytes([]byte("layer"))
	exitCode := int32(0)

	cases := []any{
		Hello{ClientId: "c1"},
		RunJob{ClientJobId: "job1", Spec: jobtypes.JobSpec{Program: "/bin/true"}},
		CancelJob{JobId: "c1/job1"},
		ArtifactPushReady{Digest: d, Size: 42},
		ArtifactRequest{Digest: d},
		JobStatusUpdate{JobId: "c1/job1", Status: jobtypes.StatusAssigned, WorkerId: "w1", AtWorker: AtWorkerExecuting},
		JobOutcome{JobId: "c1/job1", Outcome: jobtypes.Outcome{Kind: jobtypes.OutcomeCompleted, ExitCode: &exitCode}},
		WorkerHello{Capacity: 4},
		WorkerJobStatusUpdate{JobId: "c1/job1", Status: jobtypes.WorkerStatusExecuting},
		ArtifactPullRequest{Digest: d},
		AssignJob{JobId: "c1/job1", Spec: jobtypes.JobSpec{Program: "/bin/sleep", Arguments: []string{"1"}}},
	}

	for _, want := range cases {
		var buf bytes.Buffer
		require.NoError(t, WriteFrame(&buf, want))

		got, err := ReadFrame(&buf)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestReadFrameRejectsOversizedLengthHeader(t *testing.T) {
	var buf bytes.Buffer
	header := make([]byte, 8)
	// maxFrameBytes is 64 MiB; claim a size far beyond it.
	for i := range header {
		header[i] = 0xFF
	}
	buf.Write(header)

	_, err := ReadFrame(&buf)
	require.Error(t, err)
}

func TestMultipleFramesOnOneStreamDoNotInterfere(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, Hello{ClientId: "c1"}))
	require.NoError(t, WriteFrame(&buf, WorkerHello{Capacity: 2}))

	first, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, Hello{ClientId: "c1"}, first)

	second, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, WorkerHello{Capacity: 2}, second)
}

func TestWriteReadBodyRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("artifact bytes go here")
	require.NoError(t, WriteBody(&buf, int64(len(payload)), bytes.NewReader(payload)))

	size, body, err := ReadBody(&buf)
	require.NoError(t, err)
	require.Equal(t, int64(len(payload)), size)

	got := make([]byte, size)
	n, err := body.Read(got)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, got)
}

func TestBodyFollowsFrameOnSameStream(t *testing.T) {
	var buf bytes.Buffer
	d := digest.FromBytes([]byte("push me"))
	payload := []byte("push me")

	require.NoError(t, WriteFrame(&buf, ArtifactPushReady{Digest: d, Size: int64(len(payload))}))
	require.NoError(t, WriteBody(&buf, int64(len(payload)), bytes.NewReader(payload)))

	frame, err := ReadFrame(&buf)
	require.NoError(t, err)
	ready, ok := frame.(ArtifactPushReady)
	require.True(t, ok)
	require.Equal(t, d, ready.Digest)

	size, body, err := ReadBody(&buf)
	require.NoError(t, err)
	require.Equal(t, ready.Size, size)

	got := make([]byte, size)
	_, err = body.Read(got)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}
