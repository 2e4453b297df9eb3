// Package config loads the optional YAML defaults file accepted by
// --config on both binaries. It mirrors cmd/warren/apply.go's
// os.ReadFile-then-yaml.Unmarshal shape, generalized from a resource
// manifest to a flat flag-defaults document.
//
// Values read here are defaults only: a flag the user actually passed on
// the command line always wins, per spec.md §6's flag list and the
// "flags win" precedence SPEC_FULL.md's Configuration section calls for.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Broker holds the subset of maelstrom-broker's flags a YAML file may
// supply defaults for.
type Broker struct {
	Port       string `yaml:"port"`
	HTTPPort   string `yaml:"httpPort"`
	CacheDir   string `yaml:"cacheDir"`
	CacheBytes int64  `yaml:"cacheBytes"`
	LogLevel   string `yaml:"logLevel"`
	LogJSON    bool   `yaml:"logJSON"`
}

// Worker holds the subset of maelstrom-worker's flags a YAML file may
// supply defaults for.
type Worker struct {
	Broker            string `yaml:"broker"`
	Slots             int    `yaml:"slots"`
	CacheDir          string `yaml:"cacheDir"`
	CacheBytes        int64  `yaml:"cacheBytes"`
	InlineOutputLimit int64  `yaml:"inlineOutputLimit"`
	ContainerdSocket  string `yaml:"containerdSocket"`
	ScratchDir        string `yaml:"scratchDir"`
	HTTPPort          string `yaml:"httpPort"`
	LogLevel          string `yaml:"logLevel"`
	LogJSON           bool   `yaml:"logJSON"`
}

// LoadBroker reads and decodes a broker config file. A missing path
// (empty string) is not an error; it simply yields a zero-value Broker.
func LoadBroker(path string) (Broker, error) {
	var cfg Broker
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadWorker reads and decodes a worker config file. A missing path
// (empty string) is not an error; it simply yields a zero-value Worker.
func LoadWorker(path string) (Worker, error) {
	var cfg Worker
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
