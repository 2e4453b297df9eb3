package cache

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/maelstrom/pkg/digest"
)

func mustOpen(t *testing.T, maxBytes int64) *Cache {
	t.Helper()
	c, err := Open(t.TempDir(), maxBytes)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func ingest(t *testing.T, c *Cache, payload []byte) digest.Digest {
	t.Helper()
	d := digest.FromBytes(payload)
	res, err := c.GetOrRequest(d)
	require.NoError(t, err)
	require.Nil(t, res.Handle)
	require.True(t, res.Lead)

	stagingPath, actual, err := c.Stage(bytes.NewReader(payload), int64(len(payload)))
	require.NoError(t, err)
	require.NoError(t, c.CompleteFetch(d, stagingPath, actual, int64(len(payload)), nil))

	outcome := <-res.Wait
	require.NoError(t, outcome.Err)
	require.NotNil(t, outcome.Handle)
	c.Drop(outcome.Handle)
	return d
}

func TestGetOrRequestResidentIsImmediate(t *testing.T) {
	c := mustOpen(t, 1<<20)
	d := ingest(t, c, []byte("hello"))

	res, err := c.GetOrRequest(d)
	require.NoError(t, err)
	require.NotNil(t, res.Handle)
	c.Drop(res.Handle)
}

func TestSecondRequesterWhileInFlightIsNotLead(t *testing.T) {
	c := mustOpen(t, 1<<20)
	payload := []byte("concurrent fetch")
	d := digest.FromBytes(payload)

	first, err := c.GetOrRequest(d)
	require.NoError(t, err)
	require.True(t, first.Lead)

	second, err := c.GetOrRequest(d)
	require.NoError(t, err)
	require.False(t, second.Lead)
	require.Nil(t, second.Handle)

	stagingPath, actual, err := c.Stage(bytes.NewReader(payload), int64(len(payload)))
	require.NoError(t, err)
	require.NoError(t, c.CompleteFetch(d, stagingPath, actual, int64(len(payload)), nil))

	r1 := <-first.Wait
	r2 := <-second.Wait
	require.NoError(t, r1.Err)
	require.NoError(t, r2.Err)
	c.Drop(r1.Handle)
	c.Drop(r2.Handle)
}

func TestDigestMismatchFailsWaitersWithoutPoisoning(t *testing.T) {
	c := mustOpen(t, 1<<20)
	payload := []byte("expected bytes")
	d := digest.FromBytes(payload)

	res, err := c.GetOrRequest(d)
	require.NoError(t, err)
	require.True(t, res.Lead)

	wrong := digest.FromBytes([]byte("wrong bytes"))
	stagingPath, _, err := c.Stage(bytes.NewReader([]byte("wrong bytes")), int64(len("wrong bytes")))
	require.NoError(t, err)
	require.NoError(t, c.CompleteFetch(d, stagingPath, wrong, int64(len("wrong bytes")), nil))

	out := <-res.Wait
	require.ErrorIs(t, out.Err, ErrDigestMismatch)

	// A retry for the same digest must be allowed to proceed as Lead again.
	retry, err := c.GetOrRequest(d)
	require.NoError(t, err)
	require.True(t, retry.Lead)
}

func TestEvictionUnderPin(t *testing.T) {
	c := mustOpen(t, 10<<20) // 10 MiB bound

	a := bytes.Repeat([]byte{0xA}, 6<<20)
	b := bytes.Repeat([]byte{0xB}, 6<<20)

	dA := digest.FromBytes(a)
	resA, err := c.GetOrRequest(dA)
	require.NoError(t, err)
	stagingA, actualA, err := c.Stage(bytes.NewReader(a), int64(len(a)))
	require.NoError(t, err)
	require.NoError(t, c.CompleteFetch(dA, stagingA, actualA, int64(len(a)), nil))
	outA := <-resA.Wait
	handleA := outA.Handle

	dB := digest.FromBytes(b)
	resB, err := c.GetOrRequest(dB)
	require.NoError(t, err)
	stagingB, actualB, err := c.Stage(bytes.NewReader(b), int64(len(b)))
	require.NoError(t, err)
	require.NoError(t, c.CompleteFetch(dB, stagingB, actualB, int64(len(b)), nil))
	outB := <-resB.Wait
	handleB := outB.Handle // B stays pinned: only A becomes evictable below

	stats := c.Stats()
	require.LessOrEqual(t, stats.TotalBytes, int64(12<<20))

	c.Drop(handleA) // unpin A
	require.NoError(t, c.ForceEvictIfPossible())

	stats = c.Stats()
	require.LessOrEqual(t, stats.TotalBytes, int64(10<<20))

	// A was the only evictable entry (B remained pinned), so A is the one
	// evicted regardless of unpin order.
	_, err = c.Pin(dA)
	require.ErrorIs(t, err, ErrNotResident)
	c.Drop(handleB)
}

func TestPinUnknownDigestErrors(t *testing.T) {
	c := mustOpen(t, 1<<20)
	_, err := c.Pin(digest.FromBytes([]byte("never ingested")))
	require.ErrorIs(t, err, ErrNotResident)
}

func TestRestoreAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, 1<<20)
	require.NoError(t, err)
	payload := []byte("persisted artifact")
	d := ingest(t, c, payload)
	require.NoError(t, c.Close())

	c2, err := Open(dir, 1<<20)
	require.NoError(t, err)
	defer c2.Close()

	res, err := c2.GetOrRequest(d)
	require.NoError(t, err)
	require.NotNil(t, res.Handle, "resident entry should survive a restart via the sidecar index")
	c2.Drop(res.Handle)
}
