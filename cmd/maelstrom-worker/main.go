package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/maelstrom/pkg/cache"
	"github.com/cuemby/maelstrom/pkg/config"
	"github.com/cuemby/maelstrom/pkg/health"
	"github.com/cuemby/maelstrom/pkg/log"
	"github.com/cuemby/maelstrom/pkg/metrics"
	"github.com/cuemby/maelstrom/pkg/runtime"
	"github.com/cuemby/maelstrom/pkg/workerclient"
	"github.com/cuemby/maelstrom/pkg/workerengine"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "maelstrom-worker",
	Short:   "Maelstrom worker: executes jobs assigned by the broker",
	Version: Version,
	RunE:    runWorker,
}

// loadedConfig holds the YAML defaults read via --config, applied in
// runWorker to any flag the user didn't explicitly set.
var loadedConfig config.Worker

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("maelstrom-worker version %s (%s)\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML file supplying flag defaults")

	rootCmd.Flags().String("broker", "127.0.0.1:7700", "Broker address")
	rootCmd.Flags().Int("slots", 4, "Number of jobs this worker can run concurrently")
	rootCmd.Flags().String("cache-dir", defaultCacheDir(), "Artifact cache directory")
	rootCmd.Flags().Int64("cache-bytes", 10<<30, "Artifact cache size limit in bytes")
	rootCmd.Flags().Int64("inline-output-limit", 1<<20, "Bytes of stdout/stderr captured inline before truncation")
	rootCmd.Flags().String("containerd-socket", runtime.DefaultSocketPath, "containerd socket path")
	rootCmd.Flags().String("scratch-dir", defaultScratchDir(), "Directory sandbox roots are assembled under")
	rootCmd.Flags().String("http-port", "9091", "Port serving /healthz, /readyz, and /metrics")

	cobra.OnInitialize(initLogging)
}

// initLogging loads --config (if given) before the first log line is
// written, then starts the logger. Explicit flags always win over the
// file's log-level/log-json, per SPEC_FULL.md's Configuration section.
func initLogging() {
	configPath, _ := rootCmd.PersistentFlags().GetString("config")
	cfg, err := config.LoadWorker(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	loadedConfig = cfg

	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	if cfg.LogLevel != "" && !rootCmd.PersistentFlags().Changed("log-level") {
		logLevel = cfg.LogLevel
	}
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	if cfg.LogJSON && !rootCmd.PersistentFlags().Changed("log-json") {
		logJSON = cfg.LogJSON
	}
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

// withConfigDefault returns the flag's value unless the user left it at
// its built-in default and the config file supplies an override.
func withConfigDefault(cmd *cobra.Command, flag, fromConfig string) string {
	if fromConfig != "" && !cmd.Flags().Changed(flag) {
		return fromConfig
	}
	v, _ := cmd.Flags().GetString(flag)
	return v
}

// withConfigDefaultInt64 is withConfigDefault for int64-valued flags.
func withConfigDefaultInt64(cmd *cobra.Command, flag string, fromConfig int64) int64 {
	if fromConfig != 0 && !cmd.Flags().Changed(flag) {
		return fromConfig
	}
	v, _ := cmd.Flags().GetInt64(flag)
	return v
}

// withConfigDefaultInt is withConfigDefault for int-valued flags.
func withConfigDefaultInt(cmd *cobra.Command, flag string, fromConfig int) int {
	if fromConfig != 0 && !cmd.Flags().Changed(flag) {
		return fromConfig
	}
	v, _ := cmd.Flags().GetInt(flag)
	return v
}

func defaultCacheDir() string {
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return filepath.Join(xdg, "maelstrom", "worker")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "./maelstrom-worker-cache"
	}
	return filepath.Join(home, ".cache", "maelstrom", "worker")
}

func defaultScratchDir() string {
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return filepath.Join(xdg, "maelstrom", "worker-scratch")
	}
	return filepath.Join(os.TempDir(), "maelstrom-worker-scratch")
}

func runWorker(cmd *cobra.Command, args []string) error {
	broker := withConfigDefault(cmd, "broker", loadedConfig.Broker)
	slots := withConfigDefaultInt(cmd, "slots", loadedConfig.Slots)
	cacheDir := withConfigDefault(cmd, "cache-dir", loadedConfig.CacheDir)
	cacheBytes := withConfigDefaultInt64(cmd, "cache-bytes", loadedConfig.CacheBytes)
	inlineLimit := withConfigDefaultInt64(cmd, "inline-output-limit", loadedConfig.InlineOutputLimit)
	containerdSocket := withConfigDefault(cmd, "containerd-socket", loadedConfig.ContainerdSocket)
	scratchDir := withConfigDefault(cmd, "scratch-dir", loadedConfig.ScratchDir)
	httpPort := withConfigDefault(cmd, "http-port", loadedConfig.HTTPPort)

	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}

	c, err := cache.Open(cacheDir, cacheBytes)
	if err != nil {
		return fmt.Errorf("open artifact cache: %w", err)
	}
	defer c.Close()

	executor, err := runtime.NewExecutor(containerdSocket, inlineLimit)
	if err != nil {
		return fmt.Errorf("connect containerd: %w", err)
	}
	defer executor.Close()

	fetcher := workerclient.NewArtifactFetcher(broker)
	engine := workerengine.New(slots, c, fetcher, executor, scratchDir)
	defer engine.Close()

	checker := health.NewChecker("cache", "runtime")
	checker.Set("cache", true, "ready")
	checker.Set("runtime", true, "ready")

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/healthz", checker.HealthHandler())
	mux.Handle("/readyz", checker.ReadyHandler())

	httpAddr := "0.0.0.0:" + httpPort
	go func() {
		if err := http.ListenAndServe(httpAddr, mux); err != nil {
			log.Logger.Error().Err(err).Msg("worker: http server exited")
		}
	}()
	log.Logger.Info().Str("addr", httpAddr).Msg("worker: health/metrics endpoint listening")

	conn := workerclient.New(broker, slots, engine)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- conn.Run(ctx) }()
	log.Logger.Info().Str("broker", broker).Int("slots", slots).Msg("worker: connecting to broker")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Logger.Info().Msg("worker: shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Logger.Error().Err(err).Msg("worker: connection loop exited")
		}
	}

	cancel()
	return nil
}
