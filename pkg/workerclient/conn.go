// Package workerclient owns the worker side of the broker connection:
// the long-lived control connection (WorkerHello once, then
// AssignJob/CancelJob in and WorkerJobStatusUpdate/JobOutcome out) and
// the on-demand artifact-pull connections a cache miss opens, per
// spec.md §4.4's "worker opens an artifact-pull connection to the
// broker." The control connection reconnects with capped exponential
// backoff on loss (spec.md §7, PeerLost at the worker), mirroring the
// teacher's heartbeat/executor loop split in pkg/worker/worker.go,
// generalized from gRPC polling to the raw wire-framed connection this
// protocol uses instead.
package workerclient

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/maelstrom/pkg/jobtypes"
	"github.com/cuemby/maelstrom/pkg/log"
	"github.com/cuemby/maelstrom/pkg/wire"
	"github.com/cuemby/maelstrom/pkg/workerengine"
)

// Engine is the subset of *workerengine.Engine the control connection
// drives: incoming assignments/cancellations feed in, outgoing status
// updates/outcomes drain out. Declared as an interface so reconnect and
// dispatch logic can be tested against a fake engine.
type Engine interface {
	Assign(jobID jobtypes.JobId, spec jobtypes.JobSpec)
	Cancel(jobID jobtypes.JobId)
	Events() <-chan workerengine.Event
}

// Conn is the worker's control connection to the broker.
type Conn struct {
	addr        string
	capacity    int
	engine      Engine
	dialTimeout time.Duration
	logger      zerolog.Logger

	// dial is overridden in tests to avoid a real TCP round trip.
	dial func(ctx context.Context, addr string) (net.Conn, error)
}

// New creates a Conn that will dial addr and announce capacity slots
// once connected.
func New(addr string, capacity int, engine Engine) *Conn {
	c := &Conn{
		addr:        addr,
		capacity:    capacity,
		engine:      engine,
		dialTimeout: 10 * time.Second,
		logger:      log.WithComponent("workerclient"),
	}
	c.dial = c.dialTCP
	return c
}

func (c *Conn) dialTCP(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: c.dialTimeout}
	return d.DialContext(ctx, "tcp", addr)
}

// Run drives the control connection until ctx is cancelled, reconnecting
// with backoff every time the connection is lost.
func (c *Conn) Run(ctx context.Context) error {
	b := newBackoff(500*time.Millisecond, 30*time.Second)
	for {
		err := c.runOnce(ctx, b)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn().Err(err).Str("broker", c.addr).Msg("workerclient: lost connection to broker, reconnecting")

		select {
		case <-time.After(b.Next()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Conn) runOnce(ctx context.Context, b *backoff) error {
	conn, err := c.dial(ctx, c.addr)
	if err != nil {
		return fmt.Errorf("workerclient: dial %s: %w", c.addr, err)
	}
	defer conn.Close()

	if err := wire.WriteFrame(conn, wire.WorkerHello{Capacity: c.capacity}); err != nil {
		return fmt.Errorf("workerclient: send hello: %w", err)
	}
	b.Reset()

	stop := make(chan struct{})
	defer close(stop)

	errCh := make(chan error, 2)
	go func() { errCh <- c.readLoop(conn) }()
	go func() { errCh <- c.writeLoop(ctx, conn, stop) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) readLoop(conn net.Conn) error {
	for {
		msg, err := wire.ReadFrame(conn)
		if err != nil {
			return fmt.Errorf("workerclient: read frame: %w", err)
		}
		switch m := msg.(type) {
		case wire.AssignJob:
			c.engine.Assign(m.JobId, m.Spec)
		case wire.CancelJob:
			c.engine.Cancel(m.JobId)
		default:
			c.logger.Warn().Str("type", fmt.Sprintf("%T", msg)).Msg("workerclient: unexpected message from broker")
		}
	}
}

func (c *Conn) writeLoop(ctx context.Context, conn net.Conn, stop <-chan struct{}) error {
	for {
		select {
		case ev := <-c.engine.Events():
			msg, ok := toWireMessage(ev)
			if !ok {
				continue
			}
			if err := wire.WriteFrame(conn, msg); err != nil {
				return fmt.Errorf("workerclient: write frame: %w", err)
			}
		case <-stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func toWireMessage(ev workerengine.Event) (any, bool) {
	switch e := ev.(type) {
	case workerengine.StatusUpdate:
		return wire.WorkerJobStatusUpdate{JobId: e.JobId, Status: e.Status}, true
	case workerengine.Outcome:
		return wire.JobOutcome{JobId: e.JobId, Outcome: e.Outcome}, true
	default:
		return nil, false
	}
}

// ArtifactFetcher implements workerengine.Fetcher by opening a dedicated
// pull connection per digest, the way spec.md §4.4 describes: "it opens
// an artifact-pull connection to the broker."
type ArtifactFetcher struct {
	addr        string
	dialTimeout time.Duration
	dial        func(ctx context.Context, addr string) (net.Conn, error)
}

// NewArtifactFetcher creates a fetcher that dials addr fresh for every
// FetchArtifact call.
func NewArtifactFetcher(addr string) *ArtifactFetcher {
	f := &ArtifactFetcher{addr: addr, dialTimeout: 10 * time.Second}
	f.dial = f.dialTCP
	return f
}

func (f *ArtifactFetcher) dialTCP(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: f.dialTimeout}
	return d.DialContext(ctx, "tcp", addr)
}

// FetchArtifact opens a pull connection, requests digest d, and returns
// the response body still attached to that connection; closing the
// returned ReadCloser closes the connection.
func (f *ArtifactFetcher) FetchArtifact(ctx context.Context, d jobtypes.Digest) (io.ReadCloser, int64, error) {
	conn, err := f.dial(ctx, f.addr)
	if err != nil {
		return nil, 0, fmt.Errorf("workerclient: dial artifact pull: %w", err)
	}

	if err := wire.WriteFrame(conn, wire.ArtifactPullRequest{Digest: d}); err != nil {
		conn.Close()
		return nil, 0, fmt.Errorf("workerclient: send pull request: %w", err)
	}

	size, body, err := wire.ReadBody(conn)
	if err != nil {
		conn.Close()
		return nil, 0, fmt.Errorf("workerclient: read artifact body: %w", err)
	}
	return &fetchBody{Reader: body, conn: conn}, size, nil
}

type fetchBody struct {
	io.Reader
	conn net.Conn
}

func (b *fetchBody) Close() error { return b.conn.Close() }
