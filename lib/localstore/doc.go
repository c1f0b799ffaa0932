// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package localstore is the client's view of its own data. LocalStore
// owns every persistence transaction: it records local writes as
// mutation batches, applies watch snapshots and write
// acknowledgements to the remote document cache, and answers queries
// against the cache with pending writes applied.
//
// Pending writes are folded into one overlay mutation per document.
// LocalDocumentsView reads remote documents through those overlays
// instead of replaying every batch. The overlays are recomputed from
// the batches whenever a batch is acknowledged, rejected, or the
// remote document under it changes existence.
//
// QueryEngine picks the cheapest of three strategies for a query: the
// field indexes, the previous result set of the query's target
// replayed against documents changed since it was last limbo-free, or
// a full scan of the collection. All three return the same documents.
//
// LocalStore is not safe for concurrent use. Every call must come from
// the client's async queue.
package localstore
