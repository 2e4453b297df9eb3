package wire

import "github.com/cuemby/maelstrom/pkg/jobtypes"

// Client -> Broker messages (spec.md §4.5).

// Hello identifies a newly connected client.
type Hello struct {
	ClientId jobtypes.ClientId
}

// RunJob submits a job for scheduling.
type RunJob struct {
	ClientJobId jobtypes.ClientJobId
	Spec        jobtypes.JobSpec
}

// CancelJob requests cancellation of a previously submitted job.
type CancelJob struct {
	JobId jobtypes.JobId
}

// ArtifactPushReady announces that a push-triggered artifact upload is
// about to begin; the body follows via WriteBody/ReadBody on the same
// connection.
type ArtifactPushReady struct {
	Digest jobtypes.Digest
	Size   int64
}

// Broker -> Client messages.

// ArtifactRequest asks a client to push the named artifact (the broker
// knows this client as a source of it).
type ArtifactRequest struct {
	Digest jobtypes.Digest
}

// AtWorkerPhase refines JobStatusUpdate once a job has been assigned.
type AtWorkerPhase string

const (
	AtWorkerWaitingForLayers AtWorkerPhase = "waiting_for_layers"
	AtWorkerWaitingToExecute AtWorkerPhase = "waiting_to_execute"
	AtWorkerExecuting        AtWorkerPhase = "executing"
)

// JobStatusUpdate informs a client of coarse job progress.
type JobStatusUpdate struct {
	JobId    jobtypes.JobId
	Status   jobtypes.Status
	WorkerId jobtypes.WorkerId     // set only when Status == StatusAssigned/StatusExecuting
	AtWorker AtWorkerPhase         // set only when WorkerId is set
}

// JobOutcome delivers the terminal result of a job to its originating
// client. A cancelled job never receives a JobOutcome (spec.md §8,
// property 7).
type JobOutcome struct {
	JobId   jobtypes.JobId
	Outcome jobtypes.Outcome
}

// Worker -> Broker messages (spec.md §4.6).

// WorkerHello announces a worker's execution capacity when it connects.
type WorkerHello struct {
	Capacity int
}

// WorkerJobStatusUpdate reports a job's progress at the worker.
type WorkerJobStatusUpdate struct {
	JobId  jobtypes.JobId
	Status jobtypes.WorkerJobStatus
}

// ArtifactPullRequest opens an artifact-pull connection asking the
// broker to supply the named digest's bytes.
type ArtifactPullRequest struct {
	Digest jobtypes.Digest
}

// Broker -> Worker messages.

// AssignJob dispatches a job to a worker.
type AssignJob struct {
	JobId jobtypes.JobId
	Spec  jobtypes.JobSpec
}
