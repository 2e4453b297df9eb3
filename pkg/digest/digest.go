// Package digest provides the sha256 content-addressing primitive used to
// identify artifacts throughout the cluster.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// Size is the byte width of a Digest (sha256).
const Size = sha256.Size

// Digest is a fixed-width sha256 hash that content-addresses an artifact.
// The zero value is not a valid digest.
type Digest [Size]byte

// String renders the digest as lowercase hex, matching the on-disk
// "sha256/<first-two-hex>/<digest-hex>" layout convention.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// ShardPath returns the two path segments used to lay the artifact out on
// disk: the first two hex characters, and the full hex digest.
func (d Digest) ShardPath() (shard, name string) {
	s := d.String()
	return s[:2], s
}

// IsZero reports whether d is the unset zero value.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// Parse decodes a hex-encoded digest string.
func Parse(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("digest: invalid hex %q: %w", s, err)
	}
	if len(b) != Size {
		return d, fmt.Errorf("digest: wrong length %d (want %d): %q", len(b), Size, s)
	}
	copy(d[:], b)
	return d, nil
}

// FromBytes computes the digest of b.
func FromBytes(b []byte) Digest {
	return Digest(sha256.Sum256(b))
}

// FromReader computes the digest of everything read from r.
func FromReader(r io.Reader) (Digest, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Digest{}, n, fmt.Errorf("digest: read: %w", err)
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d, n, nil
}

// Verify reports whether b hashes to d.
func Verify(d Digest, b []byte) bool {
	return FromBytes(b) == d
}

// VerifyingReader wraps r, hashing every byte read so the accumulated
// digest can be checked against an expected value once the stream is
// exhausted. Used by the cache to verify artifact bytes while they are
// streamed to disk, rather than buffering the whole artifact in memory.
type VerifyingReader struct {
	r io.Reader
	h interface {
		io.Writer
		Sum([]byte) []byte
	}
}

// NewVerifyingReader wraps r with a running sha256 hash.
func NewVerifyingReader(r io.Reader) *VerifyingReader {
	return &VerifyingReader{r: r, h: sha256.New()}
}

func (v *VerifyingReader) Read(p []byte) (int, error) {
	n, err := v.r.Read(p)
	if n > 0 {
		v.h.Write(p[:n])
	}
	return n, err
}

// Sum returns the digest accumulated so far. Call only after the
// underlying reader has been fully drained.
func (v *VerifyingReader) Sum() Digest {
	var d Digest
	copy(d[:], v.h.Sum(nil))
	return d
}
