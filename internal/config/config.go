// Package config handles Loom runtime configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/loom/config.yaml, /config/config.yaml,
// /etc/loom/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "loom", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/loom/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Loom runtime configuration. None of these values are
// mandated by the core packages (spec §6): bus, broker, router, and
// runtime all accept their policy structs directly from callers. Config
// is the ambient convenience layer cmd/loomd uses to build those structs
// from a YAML file instead of hardcoding them.
type Config struct {
	Bus      BusConfig    `yaml:"bus"`
	Broker   BrokerConfig `yaml:"broker"`
	Router   RouterConfig `yaml:"router"`
	Runtime  RuntimeConfig `yaml:"runtime"`
	MQTT     MQTTConfig   `yaml:"mqtt"`
	KVStore  KVStoreConfig `yaml:"kvstore"`
	DataDir  string       `yaml:"data_dir"`
	LogLevel string       `yaml:"log_level"`
}

// BusConfig controls Event Bus queue capacities and backpressure.
type BusConfig struct {
	// RealtimeCapacity is the per-subscription queue size for Realtime QoS.
	RealtimeCapacity int `yaml:"realtime_capacity"`
	// BatchedCapacity is the per-subscription queue size for Batched QoS.
	BatchedCapacity int `yaml:"batched_capacity"`
	// BackgroundCapacity is the per-subscription queue size for Background QoS.
	BackgroundCapacity int `yaml:"background_capacity"`
	// BatchedBlockMs is how long publish blocks against a full Batched
	// queue before dropping (spec §4.1).
	BatchedBlockMs int `yaml:"batched_block_ms"`
	// RealtimeDropOldest selects drop-oldest instead of the default
	// drop-newest policy for full Realtime queues.
	RealtimeDropOldest bool `yaml:"realtime_drop_oldest"`
}

// BrokerConfig controls Capability Broker defaults.
type BrokerConfig struct {
	// DefaultTimeoutMs is used when a descriptor has no default and the
	// call supplies none.
	DefaultTimeoutMs int `yaml:"default_timeout_ms"`
	// IdempotencyTTLSec is the sliding TTL for cached idempotent results.
	IdempotencyTTLSec int `yaml:"idempotency_ttl_sec"`
	// IdempotencyMaxTTLSec is the hard ceiling the sliding TTL cannot pass.
	IdempotencyMaxTTLSec int `yaml:"idempotency_max_ttl_sec"`
}

// RouterConfig controls Model Router policy defaults.
type RouterConfig struct {
	LocalConfidenceThreshold float64 `yaml:"local_confidence_threshold"`
	LatencyBudgetMs          int     `yaml:"latency_budget_ms"`
	CostCap                  float64 `yaml:"cost_cap"`
	QualityThreshold         float64 `yaml:"quality_threshold"`
	PrivacyLevel             string  `yaml:"privacy_level"`
	NetworkAvailable         bool    `yaml:"network_available"`
}

// RuntimeConfig controls Agent Runtime defaults.
type RuntimeConfig struct {
	// DefaultMailboxCapacity bounds an agent's mailbox when config does
	// not specify one explicitly.
	DefaultMailboxCapacity int `yaml:"default_mailbox_capacity"`
	// DeferMaxAttempts bounds enqueue_with_backoff retries before a
	// deferred event is dropped.
	DeferMaxAttempts int `yaml:"defer_max_attempts"`
	// DeferBaseBackoffMs is the first backoff delay; it doubles per retry.
	DeferBaseBackoffMs int `yaml:"defer_base_backoff_ms"`
	// SlowAgentBacklogThreshold is the mailbox_backlog level that triggers
	// a one-shot slow_agent warning event.
	SlowAgentBacklogThreshold int `yaml:"slow_agent_backlog_threshold"`
}

// MQTTConfig configures the example External capability provider.
type MQTTConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BrokerURL  string `yaml:"broker_url"`
	ClientID   string `yaml:"client_id"`
	RequestTop string `yaml:"request_topic"`
	ReplyTop   string `yaml:"reply_topic"`
}

// KVStoreConfig configures the example persistence capability provider.
type KVStoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${HOME}). This is a
	// convenience for container deployments; the recommended approach
	// is to put values directly in the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with the defaults spec §4
// documents. Called automatically by Load. After this, callers can
// read any field without checking for zero values.
func (c *Config) applyDefaults() {
	if c.Bus.RealtimeCapacity == 0 {
		c.Bus.RealtimeCapacity = 64
	}
	if c.Bus.BatchedCapacity == 0 {
		c.Bus.BatchedCapacity = 1024
	}
	if c.Bus.BackgroundCapacity == 0 {
		c.Bus.BackgroundCapacity = 4096
	}
	if c.Bus.BatchedBlockMs == 0 {
		c.Bus.BatchedBlockMs = 500
	}
	if c.Broker.DefaultTimeoutMs == 0 {
		c.Broker.DefaultTimeoutMs = 5000
	}
	if c.Broker.IdempotencyTTLSec == 0 {
		c.Broker.IdempotencyTTLSec = 60
	}
	if c.Broker.IdempotencyMaxTTLSec == 0 {
		c.Broker.IdempotencyMaxTTLSec = 600
	}
	if c.Router.LocalConfidenceThreshold == 0 {
		c.Router.LocalConfidenceThreshold = 0.9
	}
	if c.Router.PrivacyLevel == "" {
		c.Router.PrivacyLevel = "standard"
	}
	if c.Runtime.DefaultMailboxCapacity == 0 {
		c.Runtime.DefaultMailboxCapacity = 256
	}
	if c.Runtime.DeferMaxAttempts == 0 {
		c.Runtime.DeferMaxAttempts = 5
	}
	if c.Runtime.DeferBaseBackoffMs == 0 {
		c.Runtime.DeferBaseBackoffMs = 100
	}
	if c.Runtime.SlowAgentBacklogThreshold == 0 {
		c.Runtime.SlowAgentBacklogThreshold = 128
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.KVStore.Path == "" {
		c.KVStore.Path = filepath.Join(c.DataDir, "kvstore.db")
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Bus.RealtimeCapacity < 1 {
		return fmt.Errorf("bus.realtime_capacity must be positive")
	}
	if c.Router.LocalConfidenceThreshold < 0 || c.Router.LocalConfidenceThreshold > 1 {
		return fmt.Errorf("router.local_confidence_threshold must be in [0,1]")
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a default configuration with every field populated
// from applyDefaults, suitable for local development.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
