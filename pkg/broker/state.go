// Package broker implements the broker's control-plane state machine:
// one State value, a Message tagged union, and an Apply function that
// mutates State and returns the Effects the caller (pkg/brokerserver)
// must carry out. No I/O happens inside Apply — it is driven entirely
// by an inbox of Messages fed in from connection goroutines, per
// spec.md §9's "inbox-driven reducer" design note, making the dispatch
// policy and admission rules testable without any network plumbing
// (see pkg/simclient).
//
// State tables are keyed by stable ids (ClientId, WorkerId, JobId,
// Digest) rather than holding pointers to each other — spec.md §9's
// "arena+index" answer to the job<->worker<->artifact cyclic
// references.
package broker

import (
	"time"

	"github.com/cuemby/maelstrom/pkg/jobtypes"
)

// clientRecord tracks one connected client's outstanding jobs.
type clientRecord struct {
	pendingJobs map[jobtypes.JobId]struct{}
}

// workerRecord tracks one connected worker's capacity and what it has
// learned about the worker's cache warmth.
type workerRecord struct {
	capacity     int
	inFlight     int
	knownDigests map[jobtypes.Digest]struct{}
}

// jobRecord is the broker's view of one submitted job.
type jobRecord struct {
	clientID       jobtypes.ClientId
	clientJobID    jobtypes.ClientJobId
	spec           jobtypes.JobSpec
	status         jobtypes.Status
	assignedWorker jobtypes.WorkerId // "" until Assigned
	seq            int64             // submission order, for FIFO tie-breaks
	readyAt        time.Time         // when status most recently became Ready, for dispatch latency
}

// State is the broker's entire control-plane state.
type State struct {
	clients map[jobtypes.ClientId]*clientRecord
	workers map[jobtypes.WorkerId]*workerRecord
	jobs    map[jobtypes.JobId]*jobRecord

	// readyByClient holds each client's Ready, unassigned jobs in
	// submission order; together these form spec.md §4.4's
	// pending: Queue<JobId>.
	readyByClient map[jobtypes.ClientId][]jobtypes.JobId

	// artifactIndex records which clients are known sources for a
	// digest (a client is added the moment it submits a job
	// referencing that digest).
	artifactIndex map[jobtypes.Digest]map[jobtypes.ClientId]struct{}

	// cachedDigests mirrors what the broker's own artifact cache
	// currently holds resident, as reported back via ArtifactCached.
	cachedDigests map[jobtypes.Digest]struct{}
	// fetchingDigests avoids issuing a duplicate RequestArtifactFromClient
	// effect while a fetch for that digest is already outstanding.
	fetchingDigests map[jobtypes.Digest]struct{}

	clientOrder  []jobtypes.ClientId // stable insertion order, for round-robin fairness
	clientCursor int

	workerOrder  []jobtypes.WorkerId // stable insertion order, for dispatch tie-breaks
	workerCursor int

	nextSeq int64
}

// NewState returns an empty broker state.
func NewState() *State {
	return &State{
		clients:         make(map[jobtypes.ClientId]*clientRecord),
		workers:         make(map[jobtypes.WorkerId]*workerRecord),
		jobs:            make(map[jobtypes.JobId]*jobRecord),
		readyByClient:   make(map[jobtypes.ClientId][]jobtypes.JobId),
		artifactIndex:   make(map[jobtypes.Digest]map[jobtypes.ClientId]struct{}),
		cachedDigests:   make(map[jobtypes.Digest]struct{}),
		fetchingDigests: make(map[jobtypes.Digest]struct{}),
	}
}

// JobStatus returns the current status of a job, for introspection
// (debug HTTP surface, tests). The second return is false if the job
// is unknown to the broker.
func (s *State) JobStatus(id jobtypes.JobId) (jobtypes.Status, bool) {
	rec, ok := s.jobs[id]
	if !ok {
		return "", false
	}
	return rec.status, true
}

// WorkerInFlight returns a worker's current in-flight job count, for
// introspection. The second return is false if the worker is unknown.
func (s *State) WorkerInFlight(id jobtypes.WorkerId) (int, bool) {
	w, ok := s.workers[id]
	if !ok {
		return 0, false
	}
	return w.inFlight, true
}

// PendingCount returns the total number of Ready, unassigned jobs
// across all clients.
func (s *State) PendingCount() int {
	n := 0
	for _, ids := range s.readyByClient {
		n += len(ids)
	}
	return n
}

// WorkerCount returns the number of currently connected workers, and
// how many of them have at least one idle slot.
func (s *State) WorkerCount() (total, idle int) {
	for _, w := range s.workers {
		total++
		if w.inFlight < w.capacity {
			idle++
		}
	}
	return total, idle
}

// ClientCount returns the number of currently connected clients.
func (s *State) ClientCount() int {
	return len(s.clients)
}

func makeJobID(clientID jobtypes.ClientId, clientJobID jobtypes.ClientJobId) jobtypes.JobId {
	return jobtypes.JobId(string(clientID) + "/" + string(clientJobID))
}

func (s *State) nextSequence() int64 {
	s.nextSeq++
	return s.nextSeq
}
