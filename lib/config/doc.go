// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for docsync
// clients and binaries.
//
// Configuration is loaded from a single file specified by either the
// DOCSYNC_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There are no fallbacks and no automatic file
// search. Values the file omits keep the defaults from [Default],
// which is where every tunable heuristic of the client lives: stream
// backoff, idle and health timeouts, the online-state timeout, the
// write pipeline depth, LRU thresholds, the resume-token age, the
// limbo resolution limit and index auto-creation.
//
// The configuration file supports environment-specific sections
// (development, test, production) that override base values when
// [Config].Environment matches. Production defaults to durable
// checkpoints.
//
// ${HOME} and ${VAR:-default} patterns are expanded in the checkpoint
// path and backend URL after loading. No other environment variables
// override config values.
//
// The section accessors ([Config.RemoteConfig],
// [Config.SyncEngineConfig], [Config.LRUParams], [Config.GCSchedule])
// translate the file layout into the component configurations.
package config
