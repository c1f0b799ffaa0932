// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package checkpoint stores snapshots of the in-memory persistence in
// a SQLite database so a client can restart with its cache, its target
// resume tokens and its unacknowledged writes.
//
// Checkpointing does not make persistence durable per transaction: the
// memory store remains the source of truth while the client runs, and
// a checkpoint captures it at a point in time. A client that crashes
// between checkpoints loses the writes made since the last one.
//
// Each checkpoint row holds the CBOR encoding of a
// [persistence.Snapshot], compressed with zstd or lz4 (falling back to
// no compression for incompressible payloads), together with the BLAKE3
// digest of the uncompressed bytes. [Store.Latest] verifies the digest
// before decoding, so a torn or corrupted row surfaces as
// [ErrCorrupt] instead of a half-restored cache.
package checkpoint
