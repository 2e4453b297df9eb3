package broker

import (
	"time"

	"github.com/cuemby/maelstrom/pkg/jobtypes"
	"github.com/cuemby/maelstrom/pkg/wire"
)

// Apply mutates s according to msg and returns the effects the caller
// must carry out. It performs no I/O itself.
func Apply(s *State, msg Message) []Effect {
	switch m := msg.(type) {
	case ClientConnected:
		return applyClientConnected(s, m)
	case ClientDisconnected:
		return applyClientDisconnected(s, m)
	case WorkerConnected:
		return applyWorkerConnected(s, m)
	case WorkerDisconnected:
		return applyWorkerDisconnected(s, m)
	case SubmitJob:
		return applySubmitJob(s, m)
	case CancelJob:
		return applyCancelJob(s, m)
	case ArtifactCached:
		return applyArtifactCached(s, m)
	case WorkerReportedStatus:
		return applyWorkerReportedStatus(s, m)
	case WorkerReportedOutcome:
		return applyWorkerReportedOutcome(s, m)
	default:
		return nil
	}
}

func applyClientConnected(s *State, m ClientConnected) []Effect {
	if _, exists := s.clients[m.ClientId]; exists {
		return nil
	}
	s.clients[m.ClientId] = &clientRecord{pendingJobs: make(map[jobtypes.JobId]struct{})}
	s.clientOrder = append(s.clientOrder, m.ClientId)
	return nil
}

func applyClientDisconnected(s *State, m ClientDisconnected) []Effect {
	rec, ok := s.clients[m.ClientId]
	if !ok {
		return nil
	}
	var effects []Effect
	for jobID := range rec.pendingJobs {
		effects = append(effects, cancelJobInternal(s, jobID)...)
	}
	delete(s.clients, m.ClientId)
	s.clientOrder = removeClientID(s.clientOrder, m.ClientId)
	delete(s.readyByClient, m.ClientId)
	return effects
}

func applyWorkerConnected(s *State, m WorkerConnected) []Effect {
	if _, exists := s.workers[m.WorkerId]; exists {
		return nil
	}
	s.workers[m.WorkerId] = &workerRecord{
		capacity:     m.Capacity,
		knownDigests: make(map[jobtypes.Digest]struct{}),
	}
	s.workerOrder = append(s.workerOrder, m.WorkerId)
	return dispatch(s)
}

func applyWorkerDisconnected(s *State, m WorkerDisconnected) []Effect {
	if _, ok := s.workers[m.WorkerId]; !ok {
		return nil
	}
	for jobID, rec := range s.jobs {
		if rec.assignedWorker != m.WorkerId {
			continue
		}
		if rec.status != jobtypes.StatusAssigned && rec.status != jobtypes.StatusExecuting {
			continue
		}
		rec.status = jobtypes.StatusReady
		rec.readyAt = time.Now()
		rec.assignedWorker = ""
		s.readyByClient[rec.clientID] = append(s.readyByClient[rec.clientID], jobID)
	}
	delete(s.workers, m.WorkerId)
	s.workerOrder = removeWorkerID(s.workerOrder, m.WorkerId)
	return dispatch(s)
}

func applySubmitJob(s *State, m SubmitJob) []Effect {
	jobID := makeJobID(m.ClientId, m.ClientJobId)
	rec := &jobRecord{
		clientID:    m.ClientId,
		clientJobID: m.ClientJobId,
		spec:        m.Spec,
		status:      jobtypes.StatusSubmitted,
		seq:         s.nextSequence(),
	}
	s.jobs[jobID] = rec
	if client, ok := s.clients[m.ClientId]; ok {
		client.pendingJobs[jobID] = struct{}{}
	}

	for _, layer := range m.Spec.Container.Layers {
		s.indexArtifactSource(layer.Digest, m.ClientId)
	}

	var effects []Effect
	missing := s.missingDigests(m.Spec)
	if len(missing) == 0 {
		rec.status = jobtypes.StatusReady
		rec.readyAt = time.Now()
		s.readyByClient[m.ClientId] = append(s.readyByClient[m.ClientId], jobID)
		effects = append(effects, statusUpdate(rec, jobID))
		effects = append(effects, dispatch(s)...)
		return effects
	}

	rec.status = jobtypes.StatusWaitingForArtifacts
	effects = append(effects, statusUpdate(rec, jobID))
	for _, d := range missing {
		if _, fetching := s.fetchingDigests[d]; fetching {
			continue
		}
		owner, ok := s.artifactOwner(d)
		if !ok {
			continue
		}
		s.fetchingDigests[d] = struct{}{}
		effects = append(effects, RequestArtifactFromClient{ClientId: owner, Digest: d})
	}
	return effects
}

func applyCancelJob(s *State, m CancelJob) []Effect {
	return cancelJobInternal(s, m.JobId)
}

// cancelJobInternal cancels a job regardless of who asked, used both by
// the CancelJob message and by ClientDisconnected's bulk cancellation.
func cancelJobInternal(s *State, jobID jobtypes.JobId) []Effect {
	rec, ok := s.jobs[jobID]
	if !ok || rec.status == jobtypes.StatusComplete || rec.status == jobtypes.StatusCancelled {
		return nil
	}

	var effects []Effect
	switch rec.status {
	case jobtypes.StatusAssigned, jobtypes.StatusExecuting:
		if w, ok := s.workers[rec.assignedWorker]; ok {
			w.inFlight--
		}
		effects = append(effects, SendToWorker{WorkerId: rec.assignedWorker, Message: wire.CancelJob{JobId: jobID}})
	default:
		s.readyByClient[rec.clientID] = removeJobID(s.readyByClient[rec.clientID], jobID)
	}

	rec.status = jobtypes.StatusCancelled
	effects = append(effects, statusUpdate(rec, jobID))
	if client, ok := s.clients[rec.clientID]; ok {
		delete(client.pendingJobs, jobID)
	}
	effects = append(effects, dispatch(s)...)
	return effects
}

func applyArtifactCached(s *State, m ArtifactCached) []Effect {
	s.cachedDigests[m.Digest] = struct{}{}
	delete(s.fetchingDigests, m.Digest)

	var effects []Effect
	for jobID, rec := range s.jobs {
		if rec.status != jobtypes.StatusWaitingForArtifacts {
			continue
		}
		if len(s.missingDigests(rec.spec)) > 0 {
			continue
		}
		rec.status = jobtypes.StatusReady
		rec.readyAt = time.Now()
		s.readyByClient[rec.clientID] = append(s.readyByClient[rec.clientID], jobID)
		effects = append(effects, statusUpdate(rec, jobID))
	}
	effects = append(effects, dispatch(s)...)
	return effects
}

func applyWorkerReportedStatus(s *State, m WorkerReportedStatus) []Effect {
	rec, ok := s.jobs[m.JobId]
	if !ok || rec.status == jobtypes.StatusCancelled {
		return nil
	}
	if m.Status == jobtypes.WorkerStatusExecuting {
		rec.status = jobtypes.StatusExecuting
	}
	return []Effect{
		SendToClient{ClientId: rec.clientID, Message: wire.JobStatusUpdate{
			JobId:    m.JobId,
			Status:   rec.status,
			WorkerId: m.WorkerId,
			AtWorker: toAtWorkerPhase(m.Status),
		}},
	}
}

func applyWorkerReportedOutcome(s *State, m WorkerReportedOutcome) []Effect {
	rec, ok := s.jobs[m.JobId]
	if !ok || rec.status == jobtypes.StatusCancelled {
		// Cancellation already freed the slot; a late outcome for a
		// cancelled job is dropped (spec.md §5, §8 property 7).
		return nil
	}

	if w, ok := s.workers[m.WorkerId]; ok {
		w.inFlight--
	}
	rec.status = jobtypes.StatusComplete
	if client, ok := s.clients[rec.clientID]; ok {
		delete(client.pendingJobs, m.JobId)
	}

	effects := []Effect{
		SendToClient{ClientId: rec.clientID, Message: wire.JobOutcome{JobId: m.JobId, Outcome: m.Outcome}},
	}
	effects = append(effects, dispatch(s)...)
	return effects
}

func statusUpdate(rec *jobRecord, jobID jobtypes.JobId) Effect {
	return SendToClient{ClientId: rec.clientID, Message: wire.JobStatusUpdate{
		JobId:    jobID,
		Status:   rec.status,
		WorkerId: rec.assignedWorker,
	}}
}

func toAtWorkerPhase(s jobtypes.WorkerJobStatus) wire.AtWorkerPhase {
	switch s {
	case jobtypes.WorkerStatusWaitingForLayers:
		return wire.AtWorkerWaitingForLayers
	case jobtypes.WorkerStatusWaitingToExecute:
		return wire.AtWorkerWaitingToExecute
	case jobtypes.WorkerStatusExecuting:
		return wire.AtWorkerExecuting
	default:
		return ""
	}
}

func (s *State) indexArtifactSource(d jobtypes.Digest, clientID jobtypes.ClientId) {
	set, ok := s.artifactIndex[d]
	if !ok {
		set = make(map[jobtypes.ClientId]struct{})
		s.artifactIndex[d] = set
	}
	set[clientID] = struct{}{}
}

func (s *State) artifactOwner(d jobtypes.Digest) (jobtypes.ClientId, bool) {
	for clientID := range s.artifactIndex[d] {
		return clientID, true
	}
	return "", false
}

// missingDigests returns the layer digests of spec that the broker's
// cache does not yet hold.
func (s *State) missingDigests(spec jobtypes.JobSpec) []jobtypes.Digest {
	var missing []jobtypes.Digest
	for _, layer := range spec.Container.Layers {
		if _, ok := s.cachedDigests[layer.Digest]; !ok {
			missing = append(missing, layer.Digest)
		}
	}
	return missing
}

func removeClientID(ids []jobtypes.ClientId, target jobtypes.ClientId) []jobtypes.ClientId {
	for i, id := range ids {
		if id == target {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

func removeWorkerID(ids []jobtypes.WorkerId, target jobtypes.WorkerId) []jobtypes.WorkerId {
	for i, id := range ids {
		if id == target {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

func removeJobID(ids []jobtypes.JobId, target jobtypes.JobId) []jobtypes.JobId {
	for i, id := range ids {
		if id == target {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
