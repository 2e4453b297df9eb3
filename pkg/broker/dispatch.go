package broker

import (
	"time"

	"github.com/cuemby/maelstrom/pkg/jobtypes"
	"github.com/cuemby/maelstrom/pkg/wire"
)

// dispatch greedily assigns Ready jobs to workers with spare capacity
// until either runs dry, per spec.md §4.4's dispatch policy: pick the
// next job via per-client round-robin fairness (priority, then FIFO,
// within each client's turn), then pick the best worker for it by
// locality overlap, lowest in-flight count, then round-robin.
func dispatch(s *State) []Effect {
	var effects []Effect
	for {
		if !s.anyWorkerHasCapacity() {
			return effects
		}

		jobID, ok := s.popNextFairReadyJob()
		if !ok {
			return effects
		}

		workerID, ok := s.bestWorkerFor(jobID)
		if !ok {
			// Shouldn't happen given the capacity check above, but keep
			// the job's place in line rather than drop it.
			rec := s.jobs[jobID]
			s.readyByClient[rec.clientID] = append(s.readyByClient[rec.clientID], jobID)
			return effects
		}

		effects = append(effects, s.assign(jobID, workerID)...)
	}
}

// anyWorkerHasCapacity reports whether some worker could accept another
// job right now. dispatch checks this before popping a job off the
// fairness queue so that a client whose turn comes up during a
// capacity crunch doesn't "spend" its turn on a failed attempt.
func (s *State) anyWorkerHasCapacity() bool {
	for _, id := range s.workerOrder {
		w := s.workers[id]
		if w.inFlight < w.capacity {
			return true
		}
	}
	return false
}

// popNextFairReadyJob removes and returns the next job to dispatch,
// round-robining across clients that currently have Ready jobs so one
// client can't starve another.
func (s *State) popNextFairReadyJob() (jobtypes.JobId, bool) {
	if len(s.clientOrder) == 0 {
		return "", false
	}
	for i := 0; i < len(s.clientOrder); i++ {
		idx := (s.clientCursor + i) % len(s.clientOrder)
		clientID := s.clientOrder[idx]
		queue := s.readyByClient[clientID]
		if len(queue) == 0 {
			continue
		}
		jobID := s.highestPriority(queue)
		s.readyByClient[clientID] = removeJobID(queue, jobID)
		s.clientCursor = (idx + 1) % len(s.clientOrder)
		return jobID, true
	}
	return "", false
}

// highestPriority returns the highest-priority, earliest-submitted job
// in queue: higher Priority wins, ties broken by lower seq (spec.md
// §4.4, "higher priority first; within a priority, FIFO").
func (s *State) highestPriority(queue []jobtypes.JobId) jobtypes.JobId {
	best := queue[0]
	for _, id := range queue[1:] {
		if s.isHigherPriority(id, best) {
			best = id
		}
	}
	return best
}

func (s *State) isHigherPriority(a, b jobtypes.JobId) bool {
	ra, rb := s.jobs[a], s.jobs[b]
	if ra.spec.Priority != rb.spec.Priority {
		return ra.spec.Priority > rb.spec.Priority
	}
	return ra.seq < rb.seq
}

// bestWorkerFor picks a worker with spare capacity for jobID: largest
// digest overlap with the worker's known_digests first (locality/cache
// warmth), then lowest in_flight_count, then round-robin among
// remaining ties.
func (s *State) bestWorkerFor(jobID jobtypes.JobId) (jobtypes.WorkerId, bool) {
	if len(s.workerOrder) == 0 {
		return "", false
	}
	rec := s.jobs[jobID]

	var candidates []jobtypes.WorkerId
	bestOverlap := -1
	for _, id := range s.workerOrder {
		w := s.workers[id]
		if w.inFlight >= w.capacity {
			continue
		}
		overlap := s.overlapWithWorker(rec, w)
		switch {
		case overlap > bestOverlap:
			bestOverlap = overlap
			candidates = []jobtypes.WorkerId{id}
		case overlap == bestOverlap:
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}

	bestInFlight := -1
	var tied []jobtypes.WorkerId
	for _, id := range candidates {
		inFlight := s.workers[id].inFlight
		switch {
		case bestInFlight == -1 || inFlight < bestInFlight:
			bestInFlight = inFlight
			tied = []jobtypes.WorkerId{id}
		case inFlight == bestInFlight:
			tied = append(tied, id)
		}
	}
	if len(tied) == 1 {
		return tied[0], true
	}

	for i := 0; i < len(s.workerOrder); i++ {
		idx := (s.workerCursor + i) % len(s.workerOrder)
		candidate := s.workerOrder[idx]
		if containsWorkerID(tied, candidate) {
			s.workerCursor = (idx + 1) % len(s.workerOrder)
			return candidate, true
		}
	}
	return tied[0], true
}

func (s *State) overlapWithWorker(rec *jobRecord, w *workerRecord) int {
	overlap := 0
	for _, layer := range rec.spec.Container.Layers {
		if _, ok := w.knownDigests[layer.Digest]; ok {
			overlap++
		}
	}
	return overlap
}

func containsWorkerID(ids []jobtypes.WorkerId, target jobtypes.WorkerId) bool {
	for _, id := range ids {
		if id == target {
			return true
		}
	}
	return false
}

// assign binds jobID to workerID: marks the job Assigned, accounts for
// the worker's new in-flight job, learns its layer digests for future
// locality scoring, and emits the wire effects.
func (s *State) assign(jobID jobtypes.JobId, workerID jobtypes.WorkerId) []Effect {
	rec := s.jobs[jobID]
	w := s.workers[workerID]

	rec.status = jobtypes.StatusAssigned
	rec.assignedWorker = workerID
	w.inFlight++
	for _, layer := range rec.spec.Container.Layers {
		w.knownDigests[layer.Digest] = struct{}{}
	}

	effects := []Effect{
		SendToWorker{WorkerId: workerID, Message: wire.AssignJob{JobId: jobID, Spec: rec.spec}},
		statusUpdate(rec, jobID),
	}
	if !rec.readyAt.IsZero() {
		effects = append(effects, DispatchLatencyObserved{Latency: time.Since(rec.readyAt)})
	}
	return effects
}
