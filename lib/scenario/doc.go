// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package scenario runs scripted sessions of docsync clients against
// an in-process fake backend.
//
// A scenario is a JSONC file (JSON with comments and trailing commas)
// naming the documents the backend starts with, the clients, and a
// list of steps. Steps write through a client, change the backend as
// another client would, listen to queries, take the network up and
// down, restart clients from their checkpoints, and wait for
// expectations on listener snapshots, the cache, or the backend:
//
//	{
//	  "name": "offline-writes",
//	  "steps": [
//	    {"op": "listen", "listener": "rooms", "query": {"collection": "rooms"}},
//	    {"op": "disable_network"},
//	    {"op": "set", "path": "rooms/attic", "fields": {"name": "Attic"}},
//	    {"op": "expect", "listener": "rooms",
//	     "expect": {"docs": ["rooms/attic"], "pending_writes": true}},
//	    {"op": "enable_network"},
//	    {"op": "wait_for_pending_writes"},
//	    {"op": "expect_backend", "path": "rooms/attic", "expect": {"exists": true}},
//	  ],
//	}
//
// [Run] stops at the first failing step and returns a [*StepError].
// cmd/docsync-sim runs scenario files from the command line.
package scenario
