package digest

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromBytesMatchesFromReader(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog")

	want := FromBytes(payload)
	got, n, err := FromReader(bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, int64(len(payload)), n)
	require.Equal(t, want, got)
}

func TestStringParseRoundTrips(t *testing.T) {
	d := FromBytes([]byte("round trip me"))

	parsed, err := Parse(d.String())
	require.NoError(t, err)
	require.Equal(t, d, parsed)
}

func TestParseRejectsWrongLengthAndBadHex(t *testing.T) {
	_, err := Parse("not-hex!!")
	require.Error(t, err)

	_, err = Parse("deadbeef")
	require.Error(t, err)
}

func TestShardPathSplitsFirstTwoHexChars(t *testing.T) {
	d := FromBytes([]byte("shard me"))
	shard, name := d.ShardPath()
	require.Len(t, shard, 2)
	require.Equal(t, d.String(), name)
	require.Equal(t, d.String()[:2], shard)
}

func TestIsZero(t *testing.T) {
	var zero Digest
	require.True(t, zero.IsZero())
	require.False(t, FromBytes([]byte("nonzero")).IsZero())
}

func TestVerify(t *testing.T) {
	payload := []byte("verify me")
	d := FromBytes(payload)
	require.True(t, Verify(d, payload))
	require.False(t, Verify(d, []byte("not the same bytes")))
}

func TestVerifyingReaderAccumulatesWhileRead(t *testing.T) {
	payload := []byte("streamed through a verifying reader")
	vr := NewVerifyingReader(bytes.NewReader(payload))

	buf := make([]byte, len(payload))
	n, err := vr.Read(buf)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	require.Equal(t, FromBytes(payload), vr.Sum())
}
