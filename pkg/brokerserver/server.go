// Package brokerserver is the broker's network listener: it accepts the
// client, worker, and artifact-pull connections described in spec.md
// §4.5/§4.6, feeds the events it reads off them into the single
// pkg/broker.State reactor, and carries out the Effects Apply returns
// (wire sends, artifact pulls/pushes against the broker's own cache).
//
// Grounded on pkg/api/server.go's listener/connection-handling shape,
// generalized from one gRPC service to a single TCP port multiplexing
// three connection kinds by first-frame type, with TLS/mTLS dropped (not
// called for by spec.md's client<->broker/worker<->broker protocol).
package brokerserver

import (
	"fmt"
	"net"

	"github.com/rs/zerolog"

	"github.com/cuemby/maelstrom/pkg/broker"
	"github.com/cuemby/maelstrom/pkg/cache"
	"github.com/cuemby/maelstrom/pkg/jobtypes"
	"github.com/cuemby/maelstrom/pkg/log"
	"github.com/cuemby/maelstrom/pkg/metrics"
)

// Server is the broker's connection-handling and reactor-driving front
// end. Construct with New and run with Serve.
type Server struct {
	state  *broker.State
	cache  *cache.Cache
	inbox  chan broker.Message
	logger zerolog.Logger

	clients *clientRegistry
	workers *workerRegistry

	listener net.Listener
}

// New creates a Server backed by an empty broker.State and the given
// artifact cache.
func New(c *cache.Cache) *Server {
	return &Server{
		state:   broker.NewState(),
		cache:   c,
		inbox:   make(chan broker.Message, 256),
		logger:  log.WithComponent("brokerserver"),
		clients: newClientRegistry(),
		workers: newWorkerRegistry(),
	}
}

// ListenAndServe listens on addr and blocks; see Serve.
func (s *Server) ListenAndServe(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("brokerserver: listen: %w", err)
	}
	return s.Serve(lis)
}

// Serve accepts connections on lis and runs the reactor loop until lis
// is closed via Stop. Taking an already-bound listener (rather than an
// address) is what lets tests bind to an ephemeral port and exchange
// frames over it deterministically.
func (s *Server) Serve(lis net.Listener) error {
	s.listener = lis

	go s.reactorLoop()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("brokerserver: listening")
	for {
		conn, err := lis.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

// Stop closes the listener, ending Serve's accept loop.
func (s *Server) Stop() {
	if s.listener != nil {
		_ = s.listener.Close()
	}
}

// reactorLoop is the single goroutine that ever touches s.state: it
// drains messages fed in from connection goroutines, applies them, and
// carries out the resulting effects. Keeping this serialized is what
// lets broker.Apply mutate its State without locks.
func (s *Server) reactorLoop() {
	for msg := range s.inbox {
		effects := broker.Apply(s.state, msg)
		for _, e := range effects {
			s.runEffect(e)
		}
		s.reportStats()
	}
}

func (s *Server) reportStats() {
	metrics.JobsTotal.WithLabelValues(string(jobtypes.StatusReady)).Set(float64(s.state.PendingCount()))

	total, idle := s.state.WorkerCount()
	metrics.WorkersTotal.WithLabelValues("idle").Set(float64(idle))
	metrics.WorkersTotal.WithLabelValues("busy").Set(float64(total - idle))

	metrics.ClientsConnected.Set(float64(s.state.ClientCount()))
}
