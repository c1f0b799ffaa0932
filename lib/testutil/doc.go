// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for docsync packages.
//
// [RequireReceive], [RequireNoReceive], and [RequireClosed] wrap the
// select-with-timeout pattern used to wait on listener and stream
// channels. They are the only place tests read the real wall clock;
// everything else runs on a clock.FakeClock.
//
// [Logger] returns a slog.Logger that writes through t.Log, so log
// output from the component under test appears next to the failure
// that produced it.
//
// All helpers call t.Fatalf on failure. This package has no
// docsync-internal dependencies.
package testutil
