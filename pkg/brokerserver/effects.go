package brokerserver

import (
	"github.com/cuemby/maelstrom/pkg/broker"
	"github.com/cuemby/maelstrom/pkg/jobtypes"
	"github.com/cuemby/maelstrom/pkg/log"
	"github.com/cuemby/maelstrom/pkg/metrics"
	"github.com/cuemby/maelstrom/pkg/wire"
)

// runEffect carries out one broker.Effect. It runs on the reactor
// goroutine, so every path here must be non-blocking: wire sends go
// through a per-connection outbox, and artifact fetch waits happen on
// their own goroutine that reports back via s.inbox.
func (s *Server) runEffect(e broker.Effect) {
	switch eff := e.(type) {
	case broker.SendToClient:
		s.sendToClient(eff.ClientId, eff.Message)
	case broker.SendToWorker:
		s.sendToWorker(eff.WorkerId, eff.Message)
	case broker.RequestArtifactFromClient:
		s.requestArtifact(eff.ClientId, eff.Digest)
	case broker.DispatchLatencyObserved:
		metrics.DispatchLatency.Observe(eff.Latency.Seconds())
	}
}

func (s *Server) sendToClient(id jobtypes.ClientId, msg any) {
	cc, ok := s.clients.get(id)
	if !ok {
		log.WithClientID(string(id)).Warn().Msg("brokerserver: send to disconnected client dropped")
		return
	}
	send(s.logger, cc.outbox, msg)
}

func (s *Server) sendToWorker(id jobtypes.WorkerId, msg any) {
	wc, ok := s.workers.get(id)
	if !ok {
		log.WithWorkerID(string(id)).Warn().Msg("brokerserver: send to disconnected worker dropped")
		return
	}
	send(s.logger, wc.outbox, msg)
}

// requestArtifact asks clientID to push digest, reusing the cache's
// lead/wait fetch protocol the same way workerengine's cacheResolver
// does on the worker side: whoever becomes Lead is the one that actually
// asks the source for bytes, and everyone (lead or not) waits on the
// same channel for the result.
func (s *Server) requestArtifact(clientID jobtypes.ClientId, d jobtypes.Digest) {
	res, err := s.cache.GetOrRequest(d)
	if err != nil {
		s.logger.Warn().Err(err).Str("digest", d.String()).Msg("brokerserver: artifact get_or_request failed")
		return
	}
	if res.Handle != nil {
		s.cache.Drop(res.Handle)
		s.inbox <- broker.ArtifactCached{Digest: d}
		return
	}
	if res.Lead {
		s.sendToClient(clientID, wire.ArtifactRequest{Digest: d})
	}

	go func() {
		result := <-res.Wait
		if result.Err != nil {
			s.logger.Warn().Err(result.Err).Str("digest", d.String()).Msg("brokerserver: artifact fetch failed")
			return
		}
		s.cache.Drop(result.Handle)
		s.inbox <- broker.ArtifactCached{Digest: d}
	}()
}
