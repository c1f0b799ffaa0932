// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package remote keeps the client connected to the backend.
//
// Two long-lived streams carry all traffic. The watch stream adds and
// removes listen targets and receives document changes, target state
// changes, and existence filters for them. The write stream sends
// mutation batches in order and receives their acknowledgments. Both
// are [PersistentStream]s: they authenticate, open, close when idle,
// and reconnect with exponential backoff after failures.
//
// [RemoteStore] sits on top. It remembers every active target and
// re-sends them whenever the watch stream reconnects, resuming each
// from its last resume token. Watch changes accumulate in a
// [WatchChangeAggregator] until the backend reports a global
// consistency point, at which point they become one [RemoteEvent] for
// the sync engine. Existence filters let the client notice documents
// that left a target while it was disconnected: when the backend's
// count disagrees with the client's, the [BloomFilter] of matching
// names identifies the stale keys, and if that cannot reconcile the
// counts the target is reset and re-listened from scratch.
//
// [OnlineStateTracker] turns stream activity into the Online, Offline,
// or Unknown state reported to listeners.
//
// Everything in this package runs on the client's asyncqueue.Queue.
// Network reads and dials happen on separate goroutines that hand
// their results back to the queue, so no state here is ever touched
// concurrently.
package remote
