package runtime

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/maelstrom/pkg/digest"
	"github.com/cuemby/maelstrom/pkg/jobtypes"
)

// fakeResolver serves byte contents from an in-memory map, writing each
// to a fresh temp file per Resolve call the way a real cache-backed
// resolver would hand back a path into its content store.
type fakeResolver struct {
	dir     string
	content map[digest.Digest][]byte
}

func newFakeResolver(t *testing.T) *fakeResolver {
	return &fakeResolver{dir: t.TempDir(), content: make(map[digest.Digest][]byte)}
}

func (r *fakeResolver) put(b []byte) digest.Digest {
	d := digest.FromBytes(b)
	r.content[d] = b
	return d
}

func (r *fakeResolver) Resolve(_ context.Context, d digest.Digest) (string, func(), error) {
	path := filepath.Join(r.dir, d.String())
	if err := os.WriteFile(path, r.content[d], 0o644); err != nil {
		return "", nil, err
	}
	return path, func() {}, nil
}

func buildTar(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func TestMaterializeTarExtractsRegularFiles(t *testing.T) {
	resolver := newFakeResolver(t)
	d := resolver.put(buildTar(t, map[string]string{"bin/true": "#!/bin/true\n"}))

	dir := t.TempDir()
	require.NoError(t, materializeTar(context.Background(), dir, d, resolver))

	data, err := os.ReadFile(filepath.Join(dir, "bin/true"))
	require.NoError(t, err)
	require.Equal(t, "#!/bin/true\n", string(data))
}

func TestMaterializeManifestExpandsEntries(t *testing.T) {
	resolver := newFakeResolver(t)
	fileDigest := resolver.put([]byte("payload"))

	manifest := jobtypes.Manifest{
		Entries: []jobtypes.ManifestEntry{
			{Path: "etc", IsDir: true},
			{Path: "etc/hosts", Digest: fileDigest, Mode: 0o644},
		},
	}
	data, err := json.Marshal(manifest)
	require.NoError(t, err)
	manifestDigest := resolver.put(data)

	dir := t.TempDir()
	require.NoError(t, materializeManifest(context.Background(), dir, manifestDigest, resolver))

	got, err := os.ReadFile(filepath.Join(dir, "etc/hosts"))
	require.NoError(t, err)
	require.Equal(t, "payload", string(got))
}

func TestComposeOverlayNoneRequiresSingleLayer(t *testing.T) {
	scratch := t.TempDir()
	_, err := composeOverlay(scratch, []string{"a", "b"}, jobtypes.OverlayNone, "")
	require.Error(t, err)

	root, err := composeOverlay(scratch, []string{"a"}, jobtypes.OverlayNone, "")
	require.NoError(t, err)
	require.Equal(t, "a", root)
}

func TestComposeOverlayLocalRequiresPath(t *testing.T) {
	scratch := t.TempDir()
	_, err := composeOverlay(scratch, []string{t.TempDir()}, jobtypes.OverlayLocal, "")
	require.Error(t, err)
}
