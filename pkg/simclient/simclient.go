// Package simclient is an in-process fake client/worker transport for
// tests. It drives pkg/brokerserver (and, through it, pkg/broker) the
// same way a real job-submitting client or a real pkg/workerclient.Conn
// would, but over net.Pipe instead of a TCP socket, so reducer-level
// integration tests can run deterministically without binding a port.
// This realizes spec.md §9's "simulated executor harness" note: the
// control-plane reducers are pure enough to drive with a fake transport,
// and this package is that fake transport.
package simclient

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/cuemby/maelstrom/pkg/jobtypes"
	"github.com/cuemby/maelstrom/pkg/wire"
)

// defaultWait bounds how long Client/Worker helpers block waiting for a
// frame before giving up, so a broken test fails fast instead of hanging
// the suite.
const defaultWait = 2 * time.Second

// Listener is a net.Listener backed entirely by net.Pipe: Dial creates a
// fresh in-memory connection pair, hands one end to whatever is
// Accept()ing (typically a brokerserver.Server run in a goroutine), and
// returns the other end to the caller. This is what lets simclient drive
// the broker's real connection-handling code with no TCP socket at all.
type Listener struct {
	conns  chan net.Conn
	closed chan struct{}
}

// NewListener creates a ready-to-Accept in-memory Listener.
func NewListener() *Listener {
	return &Listener{conns: make(chan net.Conn), closed: make(chan struct{})}
}

// Dial creates a new in-memory connection pair and queues the server
// side for Accept, returning the client side.
func (l *Listener) Dial() (net.Conn, error) {
	server, client := net.Pipe()
	select {
	case l.conns <- server:
		return client, nil
	case <-l.closed:
		server.Close()
		client.Close()
		return nil, fmt.Errorf("simclient: listener closed")
	}
}

// Accept implements net.Listener.
func (l *Listener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, fmt.Errorf("simclient: listener closed")
	}
}

// Close implements net.Listener.
func (l *Listener) Close() error {
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
	return nil
}

// Addr implements net.Listener.
func (l *Listener) Addr() net.Addr { return pipeAddr{} }

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "simclient-pipe" }

// Client is a programmatic stand-in for a job-submitting client: it
// speaks the same wire.Hello/RunJob/CancelJob/ArtifactPushReady protocol
// a real submitter would, over whatever net.Conn it's given.
type Client struct {
	id   jobtypes.ClientId
	conn net.Conn
}

// NewClient wraps conn as client id, sending the initial Hello.
// Callers typically supply one end of a net.Pipe() whose other end is
// handed to a brokerserver.Server via Serve's accept path, or the dialed
// end of a real listener.
func NewClient(id jobtypes.ClientId, conn net.Conn) (*Client, error) {
	if err := wire.WriteFrame(conn, wire.Hello{ClientId: id}); err != nil {
		return nil, fmt.Errorf("simclient: client hello: %w", err)
	}
	return &Client{id: id, conn: conn}, nil
}

// SubmitJob sends a RunJob for clientJobID.
func (c *Client) SubmitJob(clientJobID jobtypes.ClientJobId, spec jobtypes.JobSpec) error {
	return wire.WriteFrame(c.conn, wire.RunJob{ClientJobId: clientJobID, Spec: spec})
}

// CancelJob sends a CancelJob for the given broker-assigned job id.
func (c *Client) CancelJob(jobID jobtypes.JobId) error {
	return wire.WriteFrame(c.conn, wire.CancelJob{JobId: jobID})
}

// PushArtifact answers an ArtifactRequest from the broker: it announces
// the digest and size, then streams payload immediately after.
func (c *Client) PushArtifact(d jobtypes.Digest, payload []byte) error {
	if err := wire.WriteFrame(c.conn, wire.ArtifactPushReady{Digest: d, Size: int64(len(payload))}); err != nil {
		return fmt.Errorf("simclient: push ready: %w", err)
	}
	if err := wire.WriteBody(c.conn, int64(len(payload)), bytes.NewReader(payload)); err != nil {
		return fmt.Errorf("simclient: push body: %w", err)
	}
	return nil
}

// Next reads and returns the next message the broker sends this client
// (JobStatusUpdate, JobOutcome, or ArtifactRequest), waiting up to
// defaultWait before giving up.
func (c *Client) Next() (any, error) {
	return readFrame(c.conn, defaultWait)
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// Worker is a programmatic stand-in for a worker's control connection:
// it speaks WorkerHello/WorkerJobStatusUpdate/JobOutcome, the
// pkg/workerclient.Conn side of the protocol, over whatever net.Conn
// it's given.
type Worker struct {
	conn net.Conn
}

// NewWorker wraps conn as a worker announcing capacity slots.
func NewWorker(capacity int, conn net.Conn) (*Worker, error) {
	if err := wire.WriteFrame(conn, wire.WorkerHello{Capacity: capacity}); err != nil {
		return nil, fmt.Errorf("simclient: worker hello: %w", err)
	}
	return &Worker{conn: conn}, nil
}

// ReportStatus sends a WorkerJobStatusUpdate.
func (w *Worker) ReportStatus(jobID jobtypes.JobId, status jobtypes.WorkerJobStatus) error {
	return wire.WriteFrame(w.conn, wire.WorkerJobStatusUpdate{JobId: jobID, Status: status})
}

// ReportOutcome sends a terminal JobOutcome.
func (w *Worker) ReportOutcome(jobID jobtypes.JobId, outcome jobtypes.Outcome) error {
	return wire.WriteFrame(w.conn, wire.JobOutcome{JobId: jobID, Outcome: outcome})
}

// Next reads and returns the next message the broker sends this worker
// (AssignJob or CancelJob), waiting up to defaultWait before giving up.
func (w *Worker) Next() (any, error) {
	return readFrame(w.conn, defaultWait)
}

// Close closes the underlying connection.
func (w *Worker) Close() error { return w.conn.Close() }

// PullArtifact dials a fresh one-shot artifact-pull connection via
// dial, requests digest d, and returns the full body. It mirrors
// pkg/workerclient.ArtifactFetcher but reads the body eagerly, which is
// convenient for test assertions that just want the bytes.
func PullArtifact(dial func() (net.Conn, error), d jobtypes.Digest) ([]byte, error) {
	conn, err := dial()
	if err != nil {
		return nil, fmt.Errorf("simclient: dial pull: %w", err)
	}
	defer conn.Close()

	if err := wire.WriteFrame(conn, wire.ArtifactPullRequest{Digest: d}); err != nil {
		return nil, fmt.Errorf("simclient: send pull request: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(defaultWait))
	size, body, err := wire.ReadBody(conn)
	if err != nil {
		return nil, fmt.Errorf("simclient: read pull body: %w", err)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(body, buf); err != nil {
		return nil, fmt.Errorf("simclient: drain pull body: %w", err)
	}
	return buf, nil
}

func readFrame(conn net.Conn, wait time.Duration) (any, error) {
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	msg, err := wire.ReadFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("simclient: read frame: %w", err)
	}
	return msg, nil
}
