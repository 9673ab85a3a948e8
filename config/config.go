// Package config loads the manager's worker-spawn defaults from a single
// YAML file. There is no fallback discovery: the caller names the file
// explicitly, via MALT_CONFIG or an equivalent --config flag, so behavior
// never depends on hidden state.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the defaults worker.Spawn calls fall back to when a caller
// doesn't override them with an explicit worker.Option.
type Config struct {
	// Worker configures the default worker executable and how it's run.
	Worker WorkerConfig `yaml:"worker"`
}

// WorkerConfig configures how workers are launched and supervised.
type WorkerConfig struct {
	// Exe is the worker executable to launch, resolved via PATH if it has
	// no directory component.
	Exe string `yaml:"exe"`

	// ExeFlags are extra flags appended to the worker command line.
	ExeFlags []string `yaml:"exe_flags"`

	// Env is additional "KEY=VALUE" environment entries passed to every
	// worker, on top of the manager's own environment.
	Env []string `yaml:"env"`

	// StopGracePeriod is how long Handle.Stop waits for a worker to exit
	// on its own after asking it to shut down, before killing it.
	StopGracePeriod time.Duration `yaml:"stop_grace_period"`
}

// Default returns the configuration used when no file is loaded.
func Default() *Config {
	return &Config{
		Worker: WorkerConfig{
			Exe:             "maltworker",
			StopGracePeriod: 2 * time.Second,
		},
	}
}

// EnvVar is the environment variable LoadEnv reads its file path from.
const EnvVar = "MALT_CONFIG"

// LoadEnv loads configuration from the file named by the MALT_CONFIG
// environment variable. There is no fallback: an unset variable is an
// error, not a request to use defaults silently.
func LoadEnv() (*Config, error) {
	path := os.Getenv(EnvVar)
	if path == "" {
		return nil, fmt.Errorf("config: %s is not set; point it at a malt config YAML file", EnvVar)
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path, starting from
// Default and overwriting whichever fields the file sets.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}
