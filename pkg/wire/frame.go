// Package wire implements the length-prefixed binary framing that carries
// discrete messages between every process pair in the cluster (client,
// broker, worker), plus the tagged-union message schemas for the
// client<->broker and worker<->broker protocols described in spec.md
// §4.1, §4.5, and §4.6.
//
// Framing: an 8-byte little-endian length, followed by that many bytes of
// gob-encoded payload. Artifact bodies are carried as a separate
// follow-on byte sequence of known length (see WriteBody/ReadBody) so
// receivers can splice them directly to disk without buffering the whole
// artifact in memory.
package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
)

// maxFrameBytes bounds a single control frame to guard against a
// corrupt or hostile peer claiming an unbounded length. Artifact bodies
// use WriteBody/ReadBody instead and are not subject to this bound.
const maxFrameBytes = 64 << 20 // 64 MiB

// WriteFrame writes one length-prefixed, gob-encoded message to w.
func WriteFrame(w io.Writer, msg any) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&msg); err != nil {
		return fmt.Errorf("wire: encode frame: %w", err)
	}

	var header [8]byte
	binary.LittleEndian.PutUint64(header[:], uint64(buf.Len()))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("wire: write frame header: %w", err)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("wire: write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed, gob-encoded message from r into a
// fresh any-typed value and returns it. Callers type-switch on the
// result to dispatch among the tagged-union message variants below.
func ReadFrame(r io.Reader) (any, error) {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("wire: read frame header: %w", err)
	}
	size := binary.LittleEndian.Uint64(header[:])
	if size > maxFrameBytes {
		return nil, fmt.Errorf("wire: frame too large: %d bytes (max %d)", size, maxFrameBytes)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("wire: read frame body: %w", err)
	}

	var msg any
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&msg); err != nil {
		return nil, fmt.Errorf("wire: decode frame: %w", err)
	}
	return msg, nil
}

// WriteBody streams an artifact body of exactly size bytes from r to w,
// preceded by an 8-byte little-endian length, without buffering the
// whole artifact.
func WriteBody(w io.Writer, size int64, r io.Reader) error {
	var header [8]byte
	binary.LittleEndian.PutUint64(header[:], uint64(size))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("wire: write body header: %w", err)
	}
	n, err := io.CopyN(w, r, size)
	if err != nil {
		return fmt.Errorf("wire: write body (%d/%d bytes): %w", n, size, err)
	}
	return nil
}

// ReadBody reads the 8-byte length header of an artifact body and returns
// a reader limited to exactly that many bytes. The caller must fully
// drain the returned reader before issuing any further frame reads on r.
func ReadBody(r io.Reader) (size int64, body io.Reader, err error) {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, fmt.Errorf("wire: read body header: %w", err)
	}
	size = int64(binary.LittleEndian.Uint64(header[:]))
	return size, io.LimitReader(r, size), nil
}

func init() {
	// All message variants exchanged over WriteFrame/ReadFrame must be
	// registered with gob so the interface decode above can resolve the
	// concrete type on the wire.
	gob.Register(Hello{})
	gob.Register(RunJob{})
	gob.Register(CancelJob{})
	gob.Register(ArtifactPushReady{})
	gob.Register(ArtifactRequest{})
	gob.Register(JobStatusUpdate{})
	gob.Register(JobOutcome{})
	gob.Register(WorkerHello{})
	gob.Register(WorkerJobStatusUpdate{})
	gob.Register(AssignJob{})
	gob.Register(ArtifactPullRequest{})
}
