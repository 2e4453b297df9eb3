package broker

import "github.com/cuemby/maelstrom/pkg/jobtypes"

// Message is the tagged union of events the broker's control plane
// reacts to: connection lifecycle, client submissions/cancellations,
// worker reports, and artifact-cache confirmations.
type Message interface{ isMessage() }

// ClientConnected registers a newly connected client.
type ClientConnected struct{ ClientId jobtypes.ClientId }

func (ClientConnected) isMessage() {}

// ClientDisconnected cancels all of a lost client's outstanding jobs
// (spec.md §7, PeerLost at the broker).
type ClientDisconnected struct{ ClientId jobtypes.ClientId }

func (ClientDisconnected) isMessage() {}

// WorkerConnected registers a newly connected worker's capacity.
type WorkerConnected struct {
	WorkerId jobtypes.WorkerId
	Capacity int
}

func (WorkerConnected) isMessage() {}

// WorkerDisconnected re-queues all of a lost worker's assigned jobs as
// Ready (spec.md §7, PeerLost at the broker).
type WorkerDisconnected struct{ WorkerId jobtypes.WorkerId }

func (WorkerDisconnected) isMessage() {}

// SubmitJob records a new job submission from a client.
type SubmitJob struct {
	ClientId    jobtypes.ClientId
	ClientJobId jobtypes.ClientJobId
	Spec        jobtypes.JobSpec
}

func (SubmitJob) isMessage() {}

// CancelJob requests cancellation of a previously submitted job on
// behalf of a client. Worker timeouts are handled locally at the worker
// and never produce this message.
type CancelJob struct{ JobId jobtypes.JobId }

func (CancelJob) isMessage() {}

// ArtifactCached reports that the broker's own cache now holds digest,
// unblocking any job waiting on it.
type ArtifactCached struct{ Digest jobtypes.Digest }

func (ArtifactCached) isMessage() {}

// WorkerReportedStatus forwards a worker's WorkerJobStatusUpdate.
type WorkerReportedStatus struct {
	WorkerId jobtypes.WorkerId
	JobId    jobtypes.JobId
	Status   jobtypes.WorkerJobStatus
}

func (WorkerReportedStatus) isMessage() {}

// WorkerReportedOutcome forwards a worker's terminal JobOutcome.
type WorkerReportedOutcome struct {
	WorkerId jobtypes.WorkerId
	JobId    jobtypes.JobId
	Outcome  jobtypes.Outcome
}

func (WorkerReportedOutcome) isMessage() {}
