package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/maelstrom/pkg/brokerserver"
	"github.com/cuemby/maelstrom/pkg/cache"
	"github.com/cuemby/maelstrom/pkg/config"
	"github.com/cuemby/maelstrom/pkg/health"
	"github.com/cuemby/maelstrom/pkg/log"
	"github.com/cuemby/maelstrom/pkg/metrics"
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
	Use:     "maelstrom-broker",
	Short:   "Maelstrom broker: central coordinator for the clustered job runner",
	Version: Version,
	RunE:    runBroker,
}

// loadedConfig holds the YAML defaults read via --config, applied in
// runBroker to any flag the user didn't explicitly set.
var loadedConfig config.Broker

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("maelstrom-broker version %s (%s)\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML file supplying flag defaults")

	rootCmd.Flags().String("port", "7700", "Port both clients and workers connect to")
	rootCmd.Flags().String("http-port", "9090", "Port serving /healthz, /readyz, and /metrics")
	rootCmd.Flags().String("cache-dir", defaultCacheDir(), "Artifact cache directory")
	rootCmd.Flags().Int64("cache-bytes", 10<<30, "Artifact cache size limit in bytes")

	cobra.OnInitialize(initLogging)
}

// initLogging loads --config (if given) before the first log line is
// written, then starts the logger. Explicit flags always win over the
// file's log-level/log-json, per SPEC_FULL.md's Configuration section.
func initLogging() {
	configPath, _ := rootCmd.PersistentFlags().GetString("config")
	cfg, err := config.LoadBroker(configPath)
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

// defaultCacheDir follows XDG_CACHE_HOME the way the teacher resolves
// $WORKDIR, falling back to a dotdir under the user's home.
func defaultCacheDir() string {
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return filepath.Join(xdg, "maelstrom", "broker")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "./maelstrom-broker-cache"
	}
	return filepath.Join(home, ".cache", "maelstrom", "broker")
}

func runBroker(cmd *cobra.Command, args []string) error {
	port := withConfigDefault(cmd, "port", loadedConfig.Port)
	httpPort := withConfigDefault(cmd, "http-port", loadedConfig.HTTPPort)
	cacheDir := withConfigDefault(cmd, "cache-dir", loadedConfig.CacheDir)
	cacheBytes := withConfigDefaultInt64(cmd, "cache-bytes", loadedConfig.CacheBytes)

	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	c, err := cache.Open(cacheDir, cacheBytes)
	if err != nil {
		return fmt.Errorf("open artifact cache: %w", err)
	}
	defer c.Close()

	checker := health.NewChecker("cache")
	checker.Set("cache", true, "ready")

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/healthz", checker.HealthHandler())
	mux.Handle("/readyz", checker.ReadyHandler())

	httpAddr := "0.0.0.0:" + httpPort
	go func() {
		if err := http.ListenAndServe(httpAddr, mux); err != nil {
			log.Logger.Error().Err(err).Msg("broker: http server exited")
		}
	}()
	log.Logger.Info().Str("addr", httpAddr).Msg("broker: health/metrics endpoint listening")

	srv := brokerserver.New(c)
	addr := "0.0.0.0:" + port
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(addr); err != nil {
			errCh <- fmt.Errorf("broker listener: %w", err)
		}
	}()
	log.Logger.Info().Str("addr", addr).Msg("broker: listening for clients and workers")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Logger.Info().Msg("broker: shutting down")
	case err := <-errCh:
		log.Logger.Error().Err(err).Msg("broker: listener failed")
		srv.Stop()
		return err
	}

	srv.Stop()
	return nil
}
