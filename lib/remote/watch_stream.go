// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"log/slog"

	"github.com/bureau-foundation/docsync/lib/asyncqueue"
	"github.com/bureau-foundation/docsync/lib/credentials"
	"github.com/bureau-foundation/docsync/lib/model"
	"github.com/bureau-foundation/docsync/lib/persistence"
)

// WatchStreamListener receives watch stream events on the queue.
type WatchStreamListener interface {
	OnWatchStreamOpen()

	// OnWatchStreamChange delivers one decoded frame. snapshotVersion
	// is the global consistency point the frame carries, or the
	// minimum version.
	OnWatchStreamChange(change WatchChange, snapshotVersion model.SnapshotVersion)

	// OnWatchStreamClose reports the end of the stream. err is nil
	// after Stop or an idle close.
	OnWatchStreamClose(err error)
}

// WatchStream is the persistent stream that adds and removes listen
// targets and receives their changes.
type WatchStream struct {
	*PersistentStream
	connection Connection
	serializer *Serializer
	listener   WatchStreamListener
}

// NewWatchStream returns a stopped watch stream.
func NewWatchStream(
	queue *asyncqueue.Queue,
	connection Connection,
	serializer *Serializer,
	provider credentials.Provider,
	appCheck credentials.AppCheck,
	config StreamConfig,
	listener WatchStreamListener,
	logger *slog.Logger,
) *WatchStream {
	w := &WatchStream{connection: connection, serializer: serializer, listener: listener}
	w.PersistentStream = newPersistentStream("watch", queue,
		asyncqueue.TimerListenStreamConnectionBackoff, asyncqueue.TimerListenStreamIdle,
		provider, appCheck, config, w, logger)
	return w
}

// Watch asks the backend to start sending changes for targetData.
func (w *WatchStream) Watch(targetData persistence.TargetData) {
	w.send(w.serializer.AddTarget(targetData))
}

// Unwatch asks the backend to stop sending changes for targetID.
func (w *WatchStream) Unwatch(targetID int) {
	w.send(w.serializer.RemoveTarget(targetID))
}

func (w *WatchStream) openStream(ctx context.Context, auth StreamAuth) (Stream, error) {
	return w.connection.OpenWatch(ctx, auth)
}

func (w *WatchStream) onOpen() { w.listener.OnWatchStreamOpen() }

func (w *WatchStream) onMessage(frame Frame) error {
	w.backoff.Reset()
	if frame.Type == FrameClose {
		return frame.Close.Err()
	}
	change, err := w.serializer.WatchChange(frame)
	if err != nil {
		return err
	}
	w.listener.OnWatchStreamChange(change, w.serializer.SnapshotVersion(frame))
	return nil
}

func (w *WatchStream) onClose(err error) { w.listener.OnWatchStreamClose(err) }

func (w *WatchStream) tearDown() {}
