package brokerserver

import (
	"io"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/maelstrom/pkg/broker"
	"github.com/cuemby/maelstrom/pkg/jobtypes"
	"github.com/cuemby/maelstrom/pkg/log"
	"github.com/cuemby/maelstrom/pkg/wire"
)

// outboxDepth bounds how far a single slow peer's writer can lag before
// the reactor loop would start blocking on it.
const outboxDepth = 64

// clientConn is one client's long-lived control connection: RunJob,
// CancelJob, and ArtifactPushReady+body arrive on it; JobStatusUpdate,
// JobOutcome, and ArtifactRequest are written back to it.
type clientConn struct {
	id     jobtypes.ClientId
	conn   net.Conn
	outbox chan any
}

// workerConn is one worker's long-lived control connection: symmetric to
// clientConn but for the worker side of the protocol.
type workerConn struct {
	id     jobtypes.WorkerId
	conn   net.Conn
	outbox chan any
}

type clientRegistry struct {
	mu sync.Mutex
	m  map[jobtypes.ClientId]*clientConn
}

func newClientRegistry() *clientRegistry {
	return &clientRegistry{m: make(map[jobtypes.ClientId]*clientConn)}
}

func (r *clientRegistry) put(c *clientConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[c.id] = c
}

func (r *clientRegistry) remove(id jobtypes.ClientId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, id)
}

func (r *clientRegistry) get(id jobtypes.ClientId) (*clientConn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.m[id]
	return c, ok
}

type workerRegistry struct {
	mu sync.Mutex
	m  map[jobtypes.WorkerId]*workerConn
}

func newWorkerRegistry() *workerRegistry {
	return &workerRegistry{m: make(map[jobtypes.WorkerId]*workerConn)}
}

func (r *workerRegistry) put(w *workerConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[w.id] = w
}

func (r *workerRegistry) remove(id jobtypes.WorkerId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, id)
}

func (r *workerRegistry) get(id jobtypes.WorkerId) (*workerConn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.m[id]
	return w, ok
}

// handleConn reads the first frame off a freshly accepted connection and
// routes it to the client, worker, or artifact-pull handler according to
// its type, per spec.md §6's single listener port for workers/clients.
func (s *Server) handleConn(conn net.Conn) {
	first, err := wire.ReadFrame(conn)
	if err != nil {
		_ = conn.Close()
		return
	}

	switch m := first.(type) {
	case wire.Hello:
		s.handleClientConn(conn, m)
	case wire.WorkerHello:
		s.handleWorkerConn(conn, m)
	case wire.ArtifactPullRequest:
		s.handleArtifactPull(conn, m)
	default:
		s.logger.Warn().Str("remote", conn.RemoteAddr().String()).Msg("brokerserver: unexpected first frame, closing")
		_ = conn.Close()
	}
}

func (s *Server) handleClientConn(conn net.Conn, hello wire.Hello) {
	cc := &clientConn{id: hello.ClientId, conn: conn, outbox: make(chan any, outboxDepth)}
	clientLogger := log.WithClientID(string(cc.id))
	s.clients.put(cc)
	s.inbox <- broker.ClientConnected{ClientId: cc.id}

	stop := make(chan struct{})
	go writeLoop(conn, cc.outbox, stop)

	for {
		frame, err := wire.ReadFrame(conn)
		if err != nil {
			break
		}
		switch m := frame.(type) {
		case wire.RunJob:
			s.inbox <- broker.SubmitJob{ClientId: cc.id, ClientJobId: m.ClientJobId, Spec: m.Spec}
		case wire.CancelJob:
			s.inbox <- broker.CancelJob{JobId: m.JobId}
		case wire.ArtifactPushReady:
			s.receivePush(conn, m)
		default:
			clientLogger.Warn().Msg("brokerserver: unexpected client frame")
		}
	}

	close(stop)
	s.clients.remove(cc.id)
	_ = conn.Close()
	s.inbox <- broker.ClientDisconnected{ClientId: cc.id}
}

// receivePush reads an artifact body a client is pushing in response to
// an ArtifactRequest and stages it into the broker's cache. The waiter
// goroutine started by requestArtifact (see effects.go) is what turns a
// successful stage into an ArtifactCached message.
func (s *Server) receivePush(conn net.Conn, ready wire.ArtifactPushReady) {
	size, body, err := wire.ReadBody(conn)
	if err != nil {
		s.logger.Warn().Err(err).Str("digest", ready.Digest.String()).Msg("brokerserver: artifact body read failed")
		return
	}
	if size != ready.Size {
		io.Copy(io.Discard, body) //nolint:errcheck // drain to keep the connection framing aligned
		s.logger.Warn().Str("digest", ready.Digest.String()).Msg("brokerserver: artifact push size mismatch")
		return
	}

	stagingPath, actual, stageErr := s.cache.Stage(body, size)
	if err := s.cache.CompleteFetch(ready.Digest, stagingPath, actual, size, stageErr); err != nil {
		s.logger.Warn().Err(err).Str("digest", ready.Digest.String()).Msg("brokerserver: complete_fetch failed")
	}
}

func (s *Server) handleWorkerConn(conn net.Conn, hello wire.WorkerHello) {
	id := jobtypes.WorkerId(uuid.New().String())
	wc := &workerConn{id: id, conn: conn, outbox: make(chan any, outboxDepth)}
	workerLogger := log.WithWorkerID(string(id))
	s.workers.put(wc)
	s.inbox <- broker.WorkerConnected{WorkerId: id, Capacity: hello.Capacity}

	stop := make(chan struct{})
	go writeLoop(conn, wc.outbox, stop)

	for {
		frame, err := wire.ReadFrame(conn)
		if err != nil {
			break
		}
		switch m := frame.(type) {
		case wire.WorkerJobStatusUpdate:
			s.inbox <- broker.WorkerReportedStatus{WorkerId: id, JobId: m.JobId, Status: m.Status}
		case wire.JobOutcome:
			s.inbox <- broker.WorkerReportedOutcome{WorkerId: id, JobId: m.JobId, Outcome: m.Outcome}
		default:
			workerLogger.Warn().Msg("brokerserver: unexpected worker frame")
		}
	}

	close(stop)
	s.workers.remove(id)
	_ = conn.Close()
	s.inbox <- broker.WorkerDisconnected{WorkerId: id}
}

// handleArtifactPull serves a worker's one-shot pull connection: pin the
// digest in the broker's cache, stream it, and close. The broker only
// ever assigns a job once every one of its digests is cached (see
// pkg/broker's missingDigests gate), so the pin is expected to succeed.
func (s *Server) handleArtifactPull(conn net.Conn, req wire.ArtifactPullRequest) {
	defer conn.Close()

	handle, err := s.cache.Pin(req.Digest)
	if err != nil {
		s.logger.Warn().Err(err).Str("digest", req.Digest.String()).Msg("brokerserver: artifact pull for non-resident digest")
		return
	}
	defer s.cache.Drop(handle)

	f, err := os.Open(handle.Path())
	if err != nil {
		s.logger.Warn().Err(err).Str("digest", req.Digest.String()).Msg("brokerserver: open cached artifact")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		s.logger.Warn().Err(err).Str("digest", req.Digest.String()).Msg("brokerserver: stat cached artifact")
		return
	}
	size := info.Size()

	if err := wire.WriteBody(conn, size, f); err != nil {
		s.logger.Warn().Err(err).Str("digest", req.Digest.String()).Msg("brokerserver: artifact pull write failed")
	}
}

// writeLoop drains outbox onto conn until stop closes or a write fails.
func writeLoop(conn net.Conn, outbox <-chan any, stop <-chan struct{}) {
	for {
		select {
		case msg := <-outbox:
			if err := wire.WriteFrame(conn, msg); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

func send(logger zerolog.Logger, outbox chan any, msg any) {
	select {
	case outbox <- msg:
	default:
		logger.Warn().Msg("brokerserver: outbox full, dropping message to a slow peer")
	}
}
