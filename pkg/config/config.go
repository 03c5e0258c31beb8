// Package config loads the YAML configuration shared by the coordinator and
// runner daemons. Every field has a working default so a config file is
// optional for local use.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"forgeq/pkg/store"
)

type Config struct {
	Store       store.Config      `yaml:"store"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Runner      RunnerConfig      `yaml:"runner"`
}

type CoordinatorConfig struct {
	// ListenAddr is the HTTP API bind address.
	ListenAddr string `yaml:"listen_addr"`

	// RunnerTimeoutSeconds: heartbeats older than this mark a runner
	// offline and eligible for eviction.
	RunnerTimeoutSeconds int `yaml:"runner_timeout_seconds"`

	// HeartbeatIntervalSeconds is the eviction/watchdog sweep period.
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`

	// PollTimeoutMillis bounds every blocking pop so loops wake up even
	// when idle.
	PollTimeoutMillis int `yaml:"poll_timeout_millis"`

	// Backoff applied when a popped job has no eligible runner; doubles up
	// to the max and resets after a successful assignment.
	DispatchBackoffMillis    int `yaml:"dispatch_backoff_millis"`
	DispatchBackoffMaxMillis int `yaml:"dispatch_backoff_max_millis"`
}

type RunnerConfig struct {
	// ID defaults to hostname plus a random suffix when empty.
	ID string `yaml:"id"`

	// Capacity is the number of jobs executed concurrently.
	Capacity int `yaml:"capacity"`

	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`
	PollTimeoutMillis        int `yaml:"poll_timeout_millis"`

	// Capabilities overrides the host probe when non-empty.
	Capabilities []string `yaml:"capabilities"`
}

func Default() Config {
	return Config{
		Store: store.DefaultConfig(),
		Coordinator: CoordinatorConfig{
			ListenAddr:               ":8080",
			RunnerTimeoutSeconds:     30,
			HeartbeatIntervalSeconds: 10,
			PollTimeoutMillis:        1000,
			DispatchBackoffMillis:    500,
			DispatchBackoffMaxMillis: 10000,
		},
		Runner: RunnerConfig{
			Capacity:                 4,
			HeartbeatIntervalSeconds: 10,
			PollTimeoutMillis:        1000,
		},
	}
}

// Load reads path on top of the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

func (c CoordinatorConfig) RunnerTimeout() time.Duration {
	return time.Duration(c.RunnerTimeoutSeconds) * time.Second
}

func (c CoordinatorConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

func (c CoordinatorConfig) PollTimeout() time.Duration {
	return time.Duration(c.PollTimeoutMillis) * time.Millisecond
}

func (c CoordinatorConfig) DispatchBackoff() time.Duration {
	return time.Duration(c.DispatchBackoffMillis) * time.Millisecond
}

func (c CoordinatorConfig) DispatchBackoffMax() time.Duration {
	return time.Duration(c.DispatchBackoffMaxMillis) * time.Millisecond
}

func (r RunnerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(r.HeartbeatIntervalSeconds) * time.Second
}

func (r RunnerConfig) PollTimeout() time.Duration {
	return time.Duration(r.PollTimeoutMillis) * time.Millisecond
}
