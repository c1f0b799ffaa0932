// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/docsync/lib/checkpoint"
	"github.com/bureau-foundation/docsync/lib/persistence"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "docsync.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return configPath
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Environment != Development {
		t.Errorf("expected environment=development, got %s", cfg.Environment)
	}

	if cfg.Backoff.Initial != time.Second || cfg.Backoff.Max != 60*time.Second {
		t.Errorf("expected backoff 1s..60s, got %v..%v", cfg.Backoff.Initial, cfg.Backoff.Max)
	}

	if cfg.Streams.MaxPendingWrites != 10 {
		t.Errorf("expected max_pending_writes=10, got %d", cfg.Streams.MaxPendingWrites)
	}

	if cfg.OnlineState.Timeout != 10*time.Second || cfg.OnlineState.MaxWatchStreamFailures != 1 {
		t.Errorf("unexpected online state defaults: %+v", cfg.OnlineState)
	}

	if cfg.LRU.CacheSizeBytes != 40<<20 || cfg.LRU.PercentileToCollect != 10 {
		t.Errorf("unexpected lru defaults: %+v", cfg.LRU)
	}

	if cfg.Sync.MaxConcurrentLimboResolutions != 100 {
		t.Errorf("expected max_concurrent_limbo_resolutions=100, got %d", cfg.Sync.MaxConcurrentLimboResolutions)
	}

	if cfg.Sync.ResumeTokenMaxAge != 5*time.Minute {
		t.Errorf("expected resume_token_max_age=5m, got %v", cfg.Sync.ResumeTokenMaxAge)
	}

	if cfg.Checkpoint.Durable {
		t.Error("expected durable=false for development")
	}
}

func TestLoad_RequiresDocsyncConfig(t *testing.T) {
	t.Setenv("DOCSYNC_CONFIG", "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when DOCSYNC_CONFIG not set, got nil")
	}

	expectedMsg := "DOCSYNC_CONFIG environment variable not set"
	if !strings.HasPrefix(err.Error(), expectedMsg) {
		t.Errorf("expected error message to start with %q, got %q", expectedMsg, err.Error())
	}
}

func TestLoad_WithDocsyncConfig(t *testing.T) {
	configPath := writeConfig(t, `
environment: test
database:
  project_id: chat
`)
	t.Setenv("DOCSYNC_CONFIG", configPath)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Environment != Test {
		t.Errorf("expected environment=test, got %s", cfg.Environment)
	}

	if cfg.Database.ProjectID != "chat" {
		t.Errorf("expected project_id=chat, got %s", cfg.Database.ProjectID)
	}
}

func TestLoadFile(t *testing.T) {
	configPath := writeConfig(t, `
environment: development

database:
  project_id: chat
  database: staging

backend: ws://localhost:8080

backoff:
  initial: 250ms
  factor: 2
  max: 5s
  jitter: 0

streams:
  idle_timeout: 30s
  max_pending_writes: 4

lru:
  enabled: false

sync:
  max_concurrent_limbo_resolutions: 7

query_engine:
  enabled: true
  min_collection_size: 50

checkpoint:
  path: /tmp/docsync/checkpoints.db
  compression: lz4
  retain: 1
`)

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Database.Database != "staging" {
		t.Errorf("expected database=staging, got %s", cfg.Database.Database)
	}

	if cfg.Backend != "ws://localhost:8080" {
		t.Errorf("expected backend=ws://localhost:8080, got %s", cfg.Backend)
	}

	if cfg.Backoff.Initial != 250*time.Millisecond || cfg.Backoff.Factor != 2 || cfg.Backoff.Max != 5*time.Second {
		t.Errorf("unexpected backoff: %+v", cfg.Backoff)
	}

	if cfg.Streams.IdleTimeout != 30*time.Second || cfg.Streams.MaxPendingWrites != 4 {
		t.Errorf("unexpected streams: %+v", cfg.Streams)
	}

	// Unset fields keep their defaults.
	if cfg.Streams.HealthyAfter != 10*time.Second {
		t.Errorf("expected healthy_after=10s, got %v", cfg.Streams.HealthyAfter)
	}

	if cfg.LRUParams() != nil {
		t.Error("expected eager collection with lru disabled")
	}

	if cfg.SyncEngineConfig().MaxConcurrentLimboResolutions != 7 {
		t.Errorf("expected max_concurrent_limbo_resolutions=7, got %d", cfg.Sync.MaxConcurrentLimboResolutions)
	}

	if !cfg.QueryEngine.Enabled || cfg.QueryEngine.MinCollectionSize != 50 {
		t.Errorf("unexpected query engine: %+v", cfg.QueryEngine)
	}

	if cfg.Checkpoint.Compression != checkpoint.CompressionLZ4 || cfg.Checkpoint.Retain != 1 {
		t.Errorf("unexpected checkpoint: %+v", cfg.Checkpoint)
	}

	remoteConfig := cfg.RemoteConfig()
	if remoteConfig.Streams.Backoff != cfg.Backoff || remoteConfig.MaxPendingWrites != 4 {
		t.Errorf("remote config does not carry file values: %+v", remoteConfig)
	}
}

func TestLoadFile_RejectsUnknownCompression(t *testing.T) {
	configPath := writeConfig(t, `
checkpoint:
  compression: brotli
`)
	if _, err := LoadFile(configPath); err == nil {
		t.Fatal("expected an error for an unknown compression")
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	configPath := writeConfig(t, `
environment: production

database:
  project_id: chat

lru:
  enabled: true
  cache_size_bytes: 104857600

checkpoint:
  retain: 5

production:
  backend: wss://sync.example.com
  lru:
    enabled: true
    cache_size_bytes: -1
  checkpoint:
    retain: 10
    durable: true
`)

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Backend != "wss://sync.example.com" {
		t.Errorf("expected backend from production override, got %s", cfg.Backend)
	}

	if cfg.LRU.CacheSizeBytes != persistence.CacheSizeUnlimited {
		t.Errorf("expected cache_size_bytes=-1, got %d", cfg.LRU.CacheSizeBytes)
	}

	if cfg.Checkpoint.Retain != 10 || !cfg.Checkpoint.Durable {
		t.Errorf("unexpected checkpoint: %+v", cfg.Checkpoint)
	}
}

func TestProductionDefaultsToDurableCheckpoints(t *testing.T) {
	configPath := writeConfig(t, `
environment: production
database:
  project_id: chat
`)

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if !cfg.Checkpoint.Durable {
		t.Error("expected durable checkpoints in production")
	}
}

func TestCheckpointPathExpansion(t *testing.T) {
	t.Setenv("HOME", "/home/alice")
	configPath := writeConfig(t, `
checkpoint:
  path: ${HOME}/state/${DOCSYNC_CLIENT:-default}.db
`)

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Checkpoint.Path != "/home/alice/state/default.db" {
		t.Errorf("expected expanded path, got %s", cfg.Checkpoint.Path)
	}
}

func TestExpandVars(t *testing.T) {
	tests := []struct {
		input    string
		vars     map[string]string
		expected string
	}{
		{
			input:    "${HOME}/docsync",
			vars:     map[string]string{"HOME": "/home/user"},
			expected: "/home/user/docsync",
		},
		{
			input:    "${MISSING:-default}",
			vars:     map[string]string{},
			expected: "default",
		},
		{
			input:    "${PRESENT:-default}",
			vars:     map[string]string{"PRESENT": "value"},
			expected: "value",
		},
		{
			input:    "${A}/${B}",
			vars:     map[string]string{"A": "first", "B": "second"},
			expected: "first/second",
		},
		{
			input:    "no variables here",
			vars:     map[string]string{},
			expected: "no variables here",
		},
	}

	for _, tt := range tests {
		result := expandVars(tt.input, tt.vars)
		if result != tt.expected {
			t.Errorf("expandVars(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "invalid environment",
			modify: func(c *Config) {
				c.Environment = "staging"
			},
			wantErr: true,
		},
		{
			name: "missing project",
			modify: func(c *Config) {
				c.Database.ProjectID = ""
			},
			wantErr: true,
		},
		{
			name: "backoff max below initial",
			modify: func(c *Config) {
				c.Backoff.Max = c.Backoff.Initial / 2
			},
			wantErr: true,
		},
		{
			name: "jitter out of range",
			modify: func(c *Config) {
				c.Backoff.Jitter = 1.5
			},
			wantErr: true,
		},
		{
			name: "cache below minimum",
			modify: func(c *Config) {
				c.LRU.CacheSizeBytes = 1024
			},
			wantErr: true,
		},
		{
			name: "unlimited cache",
			modify: func(c *Config) {
				c.LRU.CacheSizeBytes = persistence.CacheSizeUnlimited
			},
			wantErr: false,
		},
		{
			name: "zero limbo resolutions",
			modify: func(c *Config) {
				c.Sync.MaxConcurrentLimboResolutions = 0
			},
			wantErr: true,
		},
		{
			name: "checkpoints disabled",
			modify: func(c *Config) {
				c.Checkpoint.Path = ""
				c.Checkpoint.Retain = 0
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Database.ProjectID = "chat"
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnsurePaths(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := Default()
	cfg.Checkpoint.Path = filepath.Join(tmpDir, "state", "docsync", "checkpoints.db")

	if err := cfg.EnsurePaths(); err != nil {
		t.Fatalf("EnsurePaths failed: %v", err)
	}

	info, err := os.Stat(filepath.Dir(cfg.Checkpoint.Path))
	if err != nil {
		t.Fatalf("checkpoint directory not created: %v", err)
	}
	if !info.IsDir() {
		t.Errorf("%s is not a directory", filepath.Dir(cfg.Checkpoint.Path))
	}
}
