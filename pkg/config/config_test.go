package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/maelstrom/pkg/config"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "maelstrom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadBrokerEmptyPathReturnsZeroValue(t *testing.T) {
	cfg, err := config.LoadBroker("")
	require.NoError(t, err)
	require.Equal(t, config.Broker{}, cfg)
}

func TestLoadBrokerDecodesFields(t *testing.T) {
	path := writeYAML(t, `
port: "7800"
httpPort: "9099"
cacheDir: /var/lib/maelstrom/broker
cacheBytes: 1073741824
logLevel: debug
logJSON: true
`)

	cfg, err := config.LoadBroker(path)
	require.NoError(t, err)
	require.Equal(t, config.Broker{
		Port:       "7800",
		HTTPPort:   "9099",
		CacheDir:   "/var/lib/maelstrom/broker",
		CacheBytes: 1 << 30,
		LogLevel:   "debug",
		LogJSON:    true,
	}, cfg)
}

func TestLoadBrokerMissingFileErrors(t *testing.T) {
	_, err := config.LoadBroker(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadBrokerRejectsMalformedYAML(t *testing.T) {
	path := writeYAML(t, "port: [unterminated")
	_, err := config.LoadBroker(path)
	require.Error(t, err)
}

func TestLoadWorkerEmptyPathReturnsZeroValue(t *testing.T) {
	cfg, err := config.LoadWorker("")
	require.NoError(t, err)
	require.Equal(t, config.Worker{}, cfg)
}

func TestLoadWorkerDecodesFields(t *testing.T) {
	path := writeYAML(t, `
broker: 10.0.0.5:7700
slots: 8
cacheDir: /var/lib/maelstrom/worker
cacheBytes: 2147483648
inlineOutputLimit: 65536
containerdSocket: /run/containerd/containerd.sock
scratchDir: /var/lib/maelstrom/scratch
httpPort: "9191"
`)

	cfg, err := config.LoadWorker(path)
	require.NoError(t, err)
	require.Equal(t, config.Worker{
		Broker:            "10.0.0.5:7700",
		Slots:             8,
		CacheDir:          "/var/lib/maelstrom/worker",
		CacheBytes:        2 << 30,
		InlineOutputLimit: 64 << 10,
		ContainerdSocket:  "/run/containerd/containerd.sock",
		ScratchDir:        "/var/lib/maelstrom/scratch",
		HTTPPort:          "9191",
	}, cfg)
}

func TestLoadWorkerMissingFileErrors(t *testing.T) {
	_, err := config.LoadWorker(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
