// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the CBOR configuration for everything docsync
// writes to disk: persistence snapshots, checkpoint payloads, and the
// size estimates the LRU collector compares against its threshold.
//
// Wire frames exchanged with the backend stay JSON. Both formats share
// the exported record types in lib/model, lib/mutation, and lib/query,
// whose json tags CBOR honors.
//
// Encoding is Core Deterministic (RFC 8949 §4.2), so a snapshot of the
// same cache state always produces identical bytes and an identical
// checkpoint digest.
//
//	data, err := codec.Marshal(snapshot)
//	err = codec.Unmarshal(data, &snapshot)
package codec
