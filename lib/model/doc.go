// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package model defines the document data model: resource and field
// paths, document keys, typed field values, snapshot versions, and the
// MutableDocument that records what the client knows about one document.
//
// Ordering matters throughout the engine. Document keys order segment by
// segment with numeric ids (segments of the form __id123__) sorting
// before named segments; values order first by type and then within a
// type. Both orders must agree with the backend so that limits and
// cursors select the same documents locally and remotely.
package model
