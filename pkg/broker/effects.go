package broker

import (
	"time"

	"github.com/cuemby/maelstrom/pkg/jobtypes"
)

// Effect is the tagged union of side effects Apply asks its caller to
// perform: every one of these is an I/O action (a wire send, an
// artifact request) that does not belong inside the pure reducer.
type Effect interface{ isEffect() }

// SendToClient asks the caller to forward Message to ClientId's
// connection. Message is one of wire.JobStatusUpdate/wire.JobOutcome.
type SendToClient struct {
	ClientId jobtypes.ClientId
	Message  any
}

func (SendToClient) isEffect() {}

// SendToWorker asks the caller to forward Message to WorkerId's
// connection. Message is one of wire.AssignJob/wire.CancelJob.
type SendToWorker struct {
	WorkerId jobtypes.WorkerId
	Message  any
}

func (SendToWorker) isEffect() {}

// RequestArtifactFromClient asks the caller to open an artifact-push
// request to ClientId for Digest and splice the result into the
// broker's cache, reporting back with an ArtifactCached message.
type RequestArtifactFromClient struct {
	ClientId jobtypes.ClientId
	Digest   jobtypes.Digest
}

func (RequestArtifactFromClient) isEffect() {}

// DispatchLatencyObserved reports how long a job sat Ready before being
// Assigned, for the caller to record against a histogram. Kept as an
// effect rather than a direct metrics call so Apply stays free of
// package-level side effects.
type DispatchLatencyObserved struct {
	Latency time.Duration
}

func (DispatchLatencyObserved) isEffect() {}
