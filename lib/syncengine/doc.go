// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package syncengine turns cache contents and watch snapshots into the
// query results listeners see.
//
// Each listened query gets a [View], which diffs new document states
// against its current result set and respects limits at the
// boundary. Queries that normalize to the same target share a single
// watch target. The first snapshot of a new query comes from the
// cache, before the backend says anything.
//
// A view that is current with the backend but holds a document the
// backend does not report has found a limbo document: the cache
// believes it matches, the backend disagrees or has not said.
// [SyncEngine] resolves each limbo document with a single-document
// listen target, a bounded number at a time, until the backend
// confirms or denies it.
//
// [EventManager] fans snapshots out to [QueryListener]s and decides,
// per listener, when the first snapshot is worth raising and which
// metadata-only changes to deliver.
//
// Everything here runs on the client's async queue.
package syncengine
