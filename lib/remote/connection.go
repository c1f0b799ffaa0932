// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import "context"

// StreamAuth is the credential material presented when a stream
// opens. Either token may be empty.
type StreamAuth struct {
	// Token is the user's auth token.
	Token string

	// AppCheckToken attests the calling application.
	AppCheckToken string
}

// Connection opens streams to the backend. Implementations must be
// safe for concurrent use; each stream is used by one sender and one
// receiver goroutine.
type Connection interface {
	// OpenWatch opens a watch (listen) stream. It blocks until the
	// stream is established or ctx is done.
	OpenWatch(ctx context.Context, auth StreamAuth) (Stream, error)

	// OpenWrite opens a write stream.
	OpenWrite(ctx context.Context, auth StreamAuth) (Stream, error)
}

// Stream is one open bidirectional stream. Send and Recv may be
// called concurrently with each other but not with themselves.
type Stream interface {
	// Send writes one frame.
	Send(frame Frame) error

	// Recv blocks for the next inbound frame. When the backend closes
	// the stream with a status, Recv returns it as a *status.Error;
	// transport failures are reported with code Unavailable.
	Recv() (Frame, error)

	// Close releases the stream. A blocked Recv returns an error.
	Close() error
}
