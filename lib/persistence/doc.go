// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package persistence stores everything the client knows: pending
// mutation batches and their overlays per user, the remote document
// cache, listen targets with their resume tokens, bundles, and a few
// globals.
//
// All access goes through Persistence.Run, which hands a *Transaction
// to every cache method. The in-memory implementation (NewMemory)
// saves the root of each persistent sorted map before running a
// transaction and restores those roots when the transaction returns an
// error, so a failed transaction leaves no partial state behind.
//
// A ReferenceDelegate decides when cached documents become eligible
// for removal. EagerDelegate removes a document as soon as nothing
// references it. LRUDelegate records the sequence number at which each
// document became orphaned and leaves removal to LRUGarbageCollector,
// which removes the least recently used targets and orphaned documents
// once the cache grows past a size threshold.
//
// Snapshot and Restore export and import the full in-memory state as
// plain records, which lib/checkpoint encodes with lib/codec.
package persistence
