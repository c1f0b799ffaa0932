// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"log/slog"

	"github.com/bureau-foundation/docsync/lib/asyncqueue"
	"github.com/bureau-foundation/docsync/lib/credentials"
	"github.com/bureau-foundation/docsync/lib/model"
	"github.com/bureau-foundation/docsync/lib/mutation"
	"github.com/bureau-foundation/docsync/lib/status"
)

// WriteStreamListener receives write stream events on the queue.
type WriteStreamListener interface {
	OnWriteStreamOpen()
	OnWriteHandshakeComplete()

	// OnMutationResult acknowledges the oldest outstanding write.
	OnMutationResult(commitVersion model.SnapshotVersion, results []mutation.Result)

	OnWriteStreamClose(err error)
}

// WriteStream is the persistent stream that sends mutation batches.
// After opening, the client sends a handshake; the backend answers
// with a stream token, and only then may writes be sent. Each write
// carries the latest token and is acknowledged in order.
type WriteStream struct {
	*PersistentStream
	connection Connection
	serializer *Serializer
	listener   WriteStreamListener

	handshakeComplete bool
	lastStreamToken   []byte
}

// NewWriteStream returns a stopped write stream.
func NewWriteStream(
	queue *asyncqueue.Queue,
	connection Connection,
	serializer *Serializer,
	provider credentials.Provider,
	appCheck credentials.AppCheck,
	config StreamConfig,
	listener WriteStreamListener,
	logger *slog.Logger,
) *WriteStream {
	w := &WriteStream{connection: connection, serializer: serializer, listener: listener}
	w.PersistentStream = newPersistentStream("write", queue,
		asyncqueue.TimerWriteStreamConnectionBackoff, asyncqueue.TimerWriteStreamIdle,
		provider, appCheck, config, w, logger)
	return w
}

// HandshakeComplete reports whether writes may be sent.
func (w *WriteStream) HandshakeComplete() bool { return w.handshakeComplete }

// LastStreamToken returns the token from the latest response.
func (w *WriteStream) LastStreamToken() []byte { return w.lastStreamToken }

// SetLastStreamToken replaces the token sent with the next write.
func (w *WriteStream) SetLastStreamToken(token []byte) { w.lastStreamToken = token }

// WriteHandshake sends the initial request on a freshly opened stream.
func (w *WriteStream) WriteHandshake() {
	status.Assert(w.IsOpen(), "write stream: handshake while not open")
	status.Assert(!w.handshakeComplete, "write stream: handshake already completed")
	w.send(Frame{Type: FrameHandshake, Handshake: &HandshakeFrame{Database: w.serializer.DatabaseName()}})
}

// WriteMutations sends one batch.
func (w *WriteStream) WriteMutations(mutations []mutation.Mutation) {
	status.Assert(w.IsOpen(), "write stream: write while not open")
	status.Assert(w.handshakeComplete, "write stream: write before handshake")
	w.send(w.serializer.Write(w.lastStreamToken, mutations))
}

func (w *WriteStream) openStream(ctx context.Context, auth StreamAuth) (Stream, error) {
	return w.connection.OpenWrite(ctx, auth)
}

func (w *WriteStream) onOpen() {
	w.handshakeComplete = false
	w.listener.OnWriteStreamOpen()
}

func (w *WriteStream) onMessage(frame Frame) error {
	switch frame.Type {
	case FrameClose:
		return frame.Close.Err()
	case FrameWriteResponse:
	default:
		return status.Errorf(status.Internal, "unexpected %s frame on write stream", frame.Type)
	}

	response := frame.WriteResponse
	w.lastStreamToken = response.StreamToken

	if !w.handshakeComplete {
		if len(response.WriteResults) > 0 {
			return status.New(status.Internal, "write results in handshake response")
		}
		w.handshakeComplete = true
		w.listener.OnWriteHandshakeComplete()
		return nil
	}

	// Only a write acknowledgment proves the stream is healthy enough
	// to reset the backoff; the handshake alone does not.
	w.backoff.Reset()
	commitVersion, results, err := w.serializer.WriteResults(response)
	if err != nil {
		return err
	}
	w.listener.OnMutationResult(commitVersion, results)
	return nil
}

func (w *WriteStream) onClose(err error) { w.listener.OnWriteStreamClose(err) }

// tearDown sends an empty write so the backend can release the
// stream's resources before the transport closes.
func (w *WriteStream) tearDown() {
	if w.handshakeComplete {
		w.WriteMutations(nil)
	}
}
