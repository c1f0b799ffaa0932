// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package docsync is the client library: an offline-capable, realtime
// view of one document database.
//
// A [Client] keeps a local cache of the documents its listeners have
// asked for. [Client.Listen] delivers a snapshot from the cache at
// once, then a snapshot every time local writes or the backend's watch
// stream change the result. Writes ([Client.Write], [Client.Set],
// [Client.Update], [Client.Delete]) apply to the cache immediately,
// with the affected documents flagged as having pending writes, and
// are sent to the backend in order on the write stream. While the
// client is offline, listeners keep working against the cache and
// writes queue up until the streams reconnect.
//
// All state lives on a single async queue (lib/asyncqueue). Public
// methods enqueue their work and wait for it; listener callbacks are
// delivered on per-listener goroutines so they may call back into the
// client.
//
// With a checkpoint path configured, the cache, the listened targets
// and the pending writes are saved periodically and on
// [Client.Shutdown] to a SQLite database (lib/checkpoint). A client
// created later with the same [Options].ClientID starts from the
// latest checkpoint, so unacknowledged writes survive restarts.
package docsync
