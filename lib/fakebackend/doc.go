// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package fakebackend is an in-process document database that speaks
// the watch and write stream protocol of package remote. It backs the
// docsync client tests, the scenario simulator and the docsync-backend
// development server.
//
// Documents live in memory. Each commit gets a version strictly later
// than the one before; watch streams see every commit as a batch of
// document changes followed by a global snapshot at the commit version.
// A target added with a resume token or read time is answered with the
// full current result set plus an existence filter, so a client that
// missed removals while offline can detect them (with a bloom filter
// over the matching names when [Config].BloomBitsPerDocument is set).
//
// [Backend.Connection] serves streams over an in-memory pipe.
// [Backend] also implements wsconn.Backend for serving over websockets.
package fakebackend
