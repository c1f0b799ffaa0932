// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/docsync/lib/asyncqueue"
	"github.com/bureau-foundation/docsync/lib/checkpoint"
	"github.com/bureau-foundation/docsync/lib/localstore"
	"github.com/bureau-foundation/docsync/lib/persistence"
	"github.com/bureau-foundation/docsync/lib/remote"
	"github.com/bureau-foundation/docsync/lib/syncengine"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Test is for automated test runs and the simulator.
	Test Environment = "test"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the master configuration for a docsync client.
type Config struct {
	// Environment identifies the deployment type (development, test, production).
	Environment Environment `yaml:"environment"`

	// Database names the backend database the client syncs with.
	Database remote.DatabaseID `yaml:"database"`

	// Backend is the websocket URL of the backend. Empty means the
	// caller supplies its own connection.
	Backend string `yaml:"backend"`

	// Backoff configures stream reconnect delays.
	Backoff asyncqueue.BackoffConfig `yaml:"backoff"`

	// Streams configures the watch and write streams.
	Streams StreamsConfig `yaml:"streams"`

	// OnlineState configures when the client reports itself offline.
	OnlineState remote.OnlineStateConfig `yaml:"online_state"`

	// LRU configures garbage collection of the local cache.
	LRU LRUConfig `yaml:"lru"`

	// Sync configures the sync engine and local store.
	Sync SyncConfig `yaml:"sync"`

	// QueryEngine configures automatic index creation.
	QueryEngine localstore.IndexAutoCreationConfig `yaml:"query_engine"`

	// Checkpoint configures SQLite checkpoints of the local cache.
	Checkpoint CheckpointConfig `yaml:"checkpoint"`

	// EnvironmentOverrides contains per-environment overrides.
	// These are applied after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Test        *ConfigOverrides `yaml:"test,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Backend    string            `yaml:"backend,omitempty"`
	Streams    *StreamsConfig    `yaml:"streams,omitempty"`
	LRU        *LRUConfig        `yaml:"lru,omitempty"`
	Sync       *SyncConfig       `yaml:"sync,omitempty"`
	Checkpoint *CheckpointConfig `yaml:"checkpoint,omitempty"`
}

// StreamsConfig configures the watch and write streams.
type StreamsConfig struct {
	// IdleTimeout closes a stream with no listen targets or pending
	// writes. Default: 60s
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// HealthyAfter is how long a stream stays open before it counts
	// as healthy. Default: 10s
	HealthyAfter time.Duration `yaml:"healthy_after"`

	// MaxPendingWrites caps the batches in flight on the write
	// stream. Default: 10
	MaxPendingWrites int `yaml:"max_pending_writes"`
}

// LRUConfig configures cache garbage collection.
type LRUConfig struct {
	// Enabled selects LRU collection. When false, documents are
	// removed as soon as nothing references them.
	// Default: true
	Enabled bool `yaml:"enabled"`

	// CacheSizeBytes is the cache size above which a collection
	// runs. -1 never collects. Default: 40 MiB
	CacheSizeBytes int64 `yaml:"cache_size_bytes"`

	// PercentileToCollect is the share of sequence numbers removed
	// by one collection. Default: 10
	PercentileToCollect int `yaml:"percentile_to_collect"`

	// MaximumSequenceNumbersToCollect caps one collection.
	// Default: 1000
	MaximumSequenceNumbersToCollect int `yaml:"maximum_sequence_numbers_to_collect"`

	// InitialDelay and RegularDelay schedule collections.
	// Default: 1m and 5m
	InitialDelay time.Duration `yaml:"initial_delay"`
	RegularDelay time.Duration `yaml:"regular_delay"`
}

// SyncConfig configures the sync engine and local store.
type SyncConfig struct {
	// MaxConcurrentLimboResolutions bounds the single-document
	// targets open at once. Default: 100
	MaxConcurrentLimboResolutions int `yaml:"max_concurrent_limbo_resolutions"`

	// ResumeTokenMaxAge is how stale a persisted resume token may get
	// before a new one is written even without changes. Default: 5m
	ResumeTokenMaxAge time.Duration `yaml:"resume_token_max_age"`
}

// CheckpointConfig configures SQLite checkpoints.
type CheckpointConfig struct {
	// Path is the checkpoint database. Empty disables checkpoints.
	// Default: ${HOME}/.cache/docsync/checkpoints.db
	Path string `yaml:"path"`

	// Compression is none, lz4 or zstd. Default: zstd
	Compression checkpoint.Compression `yaml:"compression"`

	// Retain is how many checkpoints to keep. Default: 3
	Retain int `yaml:"retain"`

	// Durable syncs every checkpoint to disk.
	// Default: false (development), true (production)
	Durable bool `yaml:"durable"`

	// Interval is the time between automatic checkpoints. Zero
	// checkpoints only on request and at shutdown. Default: 5m
	Interval time.Duration `yaml:"interval"`
}

// Default returns the default configuration. Every heuristic the
// client runs with is set here.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	streams := remote.DefaultStreamConfig()
	lru := persistence.DefaultLRUParams()
	gc := localstore.DefaultGCSchedule()
	sync := syncengine.DefaultConfig()

	return &Config{
		Environment: Development,
		Database:    remote.DatabaseID{Database: remote.DefaultDatabase},
		Backoff:     streams.Backoff,
		Streams: StreamsConfig{
			IdleTimeout:      streams.IdleTimeout,
			HealthyAfter:     streams.HealthyAfter,
			MaxPendingWrites: remote.DefaultMaxPendingWrites,
		},
		OnlineState: remote.DefaultOnlineStateConfig(),
		LRU: LRUConfig{
			Enabled:                         true,
			CacheSizeBytes:                  lru.CacheSizeCollectionThreshold,
			PercentileToCollect:             lru.PercentileToCollect,
			MaximumSequenceNumbersToCollect: lru.MaximumSequenceNumbersToCollect,
			InitialDelay:                    gc.InitialDelay,
			RegularDelay:                    gc.RegularDelay,
		},
		Sync: SyncConfig{
			MaxConcurrentLimboResolutions: sync.MaxConcurrentLimboResolutions,
			ResumeTokenMaxAge:             localstore.DefaultResumeTokenMaxAge,
		},
		QueryEngine: localstore.DefaultIndexAutoCreation(),
		Checkpoint: CheckpointConfig{
			Path:        filepath.Join(homeDir, ".cache", "docsync", "checkpoints.db"),
			Compression: checkpoint.CompressionZstd,
			Retain:      3,
			Interval:    5 * time.Minute,
		},
	}
}

// Load loads configuration from the DOCSYNC_CONFIG environment variable.
//
// There are no fallbacks: if DOCSYNC_CONFIG is not set, this fails.
func Load() (*Config, error) {
	configPath := os.Getenv("DOCSYNC_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("DOCSYNC_CONFIG environment variable not set; " +
			"set it to the path of your docsync.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, on top of
// [Default].
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// applyEnvironmentOverrides applies the environment-specific overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Test:
		overrides = c.Test
	case Production:
		overrides = c.Production
		// Production defaults: checkpoints survive power loss.
		if overrides == nil {
			overrides = &ConfigOverrides{
				Checkpoint: &CheckpointConfig{Durable: true},
			}
		}
	}

	if overrides == nil {
		return
	}

	if overrides.Backend != "" {
		c.Backend = overrides.Backend
	}

	if overrides.Streams != nil {
		if overrides.Streams.IdleTimeout != 0 {
			c.Streams.IdleTimeout = overrides.Streams.IdleTimeout
		}
		if overrides.Streams.HealthyAfter != 0 {
			c.Streams.HealthyAfter = overrides.Streams.HealthyAfter
		}
		if overrides.Streams.MaxPendingWrites != 0 {
			c.Streams.MaxPendingWrites = overrides.Streams.MaxPendingWrites
		}
	}

	if overrides.LRU != nil {
		// Enabled is a bool, so we always apply it from overrides.
		c.LRU.Enabled = overrides.LRU.Enabled
		if overrides.LRU.CacheSizeBytes != 0 {
			c.LRU.CacheSizeBytes = overrides.LRU.CacheSizeBytes
		}
		if overrides.LRU.PercentileToCollect != 0 {
			c.LRU.PercentileToCollect = overrides.LRU.PercentileToCollect
		}
		if overrides.LRU.MaximumSequenceNumbersToCollect != 0 {
			c.LRU.MaximumSequenceNumbersToCollect = overrides.LRU.MaximumSequenceNumbersToCollect
		}
		if overrides.LRU.InitialDelay != 0 {
			c.LRU.InitialDelay = overrides.LRU.InitialDelay
		}
		if overrides.LRU.RegularDelay != 0 {
			c.LRU.RegularDelay = overrides.LRU.RegularDelay
		}
	}

	if overrides.Sync != nil {
		if overrides.Sync.MaxConcurrentLimboResolutions != 0 {
			c.Sync.MaxConcurrentLimboResolutions = overrides.Sync.MaxConcurrentLimboResolutions
		}
		if overrides.Sync.ResumeTokenMaxAge != 0 {
			c.Sync.ResumeTokenMaxAge = overrides.Sync.ResumeTokenMaxAge
		}
	}

	if overrides.Checkpoint != nil {
		if overrides.Checkpoint.Path != "" {
			c.Checkpoint.Path = overrides.Checkpoint.Path
		}
		if overrides.Checkpoint.Compression != checkpoint.CompressionNone {
			c.Checkpoint.Compression = overrides.Checkpoint.Compression
		}
		if overrides.Checkpoint.Retain != 0 {
			c.Checkpoint.Retain = overrides.Checkpoint.Retain
		}
		// Durable is a bool, so we always apply it from overrides.
		c.Checkpoint.Durable = overrides.Checkpoint.Durable
		if overrides.Checkpoint.Interval != 0 {
			c.Checkpoint.Interval = overrides.Checkpoint.Interval
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	c.Checkpoint.Path = expandVars(c.Checkpoint.Path, vars)
	c.Backend = expandVars(c.Backend, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Test && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Database.ProjectID == "" {
		errs = append(errs, fmt.Errorf("database.project_id is required"))
	}

	if c.Backoff.Initial <= 0 || c.Backoff.Max < c.Backoff.Initial {
		errs = append(errs, fmt.Errorf("backoff: need 0 < initial (%v) <= max (%v)", c.Backoff.Initial, c.Backoff.Max))
	}
	if c.Backoff.Factor < 1 {
		errs = append(errs, fmt.Errorf("backoff.factor must be at least 1, got %v", c.Backoff.Factor))
	}
	if c.Backoff.Jitter < 0 || c.Backoff.Jitter > 1 {
		errs = append(errs, fmt.Errorf("backoff.jitter must be in [0, 1], got %v", c.Backoff.Jitter))
	}

	if c.Streams.MaxPendingWrites < 1 {
		errs = append(errs, fmt.Errorf("streams.max_pending_writes must be positive"))
	}
	if c.OnlineState.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("online_state.timeout must be positive"))
	}

	if c.LRU.Enabled {
		if c.LRU.CacheSizeBytes != persistence.CacheSizeUnlimited && c.LRU.CacheSizeBytes < persistence.MinimumCacheSize {
			errs = append(errs, fmt.Errorf("lru.cache_size_bytes must be at least %d or -1", persistence.MinimumCacheSize))
		}
		if c.LRU.PercentileToCollect < 1 || c.LRU.PercentileToCollect > 100 {
			errs = append(errs, fmt.Errorf("lru.percentile_to_collect must be in [1, 100]"))
		}
	}

	if c.Sync.MaxConcurrentLimboResolutions < 1 {
		errs = append(errs, fmt.Errorf("sync.max_concurrent_limbo_resolutions must be positive"))
	}

	if c.Checkpoint.Path != "" && c.Checkpoint.Retain < 1 {
		errs = append(errs, fmt.Errorf("checkpoint.retain must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// RemoteConfig returns the remote store configuration.
func (c *Config) RemoteConfig() remote.Config {
	return remote.Config{
		Database:         c.Database,
		MaxPendingWrites: c.Streams.MaxPendingWrites,
		Streams: remote.StreamConfig{
			IdleTimeout:  c.Streams.IdleTimeout,
			HealthyAfter: c.Streams.HealthyAfter,
			Backoff:      c.Backoff,
		},
		OnlineState: c.OnlineState,
	}
}

// LRUParams returns the collector parameters, or nil when LRU
// collection is disabled.
func (c *Config) LRUParams() *persistence.LRUParams {
	if !c.LRU.Enabled {
		return nil
	}
	return &persistence.LRUParams{
		CacheSizeCollectionThreshold:    c.LRU.CacheSizeBytes,
		PercentileToCollect:             c.LRU.PercentileToCollect,
		MaximumSequenceNumbersToCollect: c.LRU.MaximumSequenceNumbersToCollect,
	}
}

// GCSchedule returns when collections run.
func (c *Config) GCSchedule() localstore.GCSchedule {
	return localstore.GCSchedule{InitialDelay: c.LRU.InitialDelay, RegularDelay: c.LRU.RegularDelay}
}

// SyncEngineConfig returns the sync engine configuration.
func (c *Config) SyncEngineConfig() syncengine.Config {
	return syncengine.Config{MaxConcurrentLimboResolutions: c.Sync.MaxConcurrentLimboResolutions}
}

// EnsurePaths creates the directory holding the checkpoint database.
func (c *Config) EnsurePaths() error {
	if c.Checkpoint.Path == "" {
		return nil
	}
	dir := filepath.Dir(c.Checkpoint.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	return nil
}
