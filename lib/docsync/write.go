// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package docsync

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/bureau-foundation/docsync/lib/model"
	"github.com/bureau-foundation/docsync/lib/mutation"
)

// PendingWrite is a write that has been applied locally and queued for
// the backend.
type PendingWrite struct {
	batchID int
	done    chan struct{}
	err     error
}

// BatchID returns the id the local store gave the write.
func (w *PendingWrite) BatchID() int { return w.batchID }

// Done is closed once the backend acknowledged or rejected the write.
func (w *PendingWrite) Done() <-chan struct{} { return w.done }

// Err returns the rejection, or nil once the write is acknowledged.
// It is only meaningful after Done is closed.
func (w *PendingWrite) Err() error {
	select {
	case <-w.done:
		return w.err
	default:
		return nil
	}
}

// Wait blocks until the backend answers or ctx is done.
func (w *PendingWrite) Wait(ctx context.Context) error {
	select {
	case <-w.done:
		return w.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *PendingWrite) complete(err error) {
	w.err = err
	close(w.done)
}

// Write applies mutations atomically as one batch. Listeners see the
// result at once, with pending writes marked. An error means nothing
// was written and the returned write is nil; otherwise the backend's
// answer arrives through the PendingWrite. Writes made offline are
// sent when the client reconnects.
func (c *Client) Write(ctx context.Context, mutations ...mutation.Mutation) (*PendingWrite, error) {
	if len(mutations) == 0 {
		return nil, fmt.Errorf("docsync: write with no mutations")
	}
	pending := &PendingWrite{done: make(chan struct{})}
	err := c.run(ctx, func(ctx context.Context) error {
		batchID, err := c.syncEngine.Write(ctx, mutations, pending.complete)
		pending.batchID = batchID
		return err
	})
	if err != nil {
		return nil, err
	}
	return pending, nil
}

// Set replaces the document at path with fields, creating it if
// needed.
func (c *Client) Set(ctx context.Context, path string, fields map[string]any, transforms ...mutation.FieldTransform) (*PendingWrite, error) {
	key, data, err := documentArgs(path, fields)
	if err != nil {
		return nil, err
	}
	return c.Write(ctx, mutation.NewSet(key, data, mutation.NoPrecondition(), transforms...))
}

// Update merges fields into the existing document at path. Keys of
// fields are dotted field paths. The write fails with
// FailedPrecondition if the document does not exist.
func (c *Client) Update(ctx context.Context, path string, fields map[string]any, transforms ...mutation.FieldTransform) (*PendingWrite, error) {
	key, err := model.ParseDocumentKey(path)
	if err != nil {
		return nil, fmt.Errorf("docsync: %w", err)
	}
	data := model.EmptyObject()
	var mask []model.FieldPath
	for _, name := range slices.Sorted(maps.Keys(fields)) {
		field, err := model.ParseFieldPath(name)
		if err != nil {
			return nil, fmt.Errorf("docsync: update %s: %w", path, err)
		}
		value, err := model.FromGo(fields[name])
		if err != nil {
			return nil, fmt.Errorf("docsync: update %s: field %s: %w", path, name, err)
		}
		data = data.Set(field, value)
		mask = append(mask, field)
	}
	return c.Write(ctx, mutation.NewPatch(key, data, model.NewFieldMask(mask...), mutation.Exists(true), transforms...))
}

// Delete deletes the document at path. Deleting a missing document
// succeeds.
func (c *Client) Delete(ctx context.Context, path string) (*PendingWrite, error) {
	key, err := model.ParseDocumentKey(path)
	if err != nil {
		return nil, fmt.Errorf("docsync: %w", err)
	}
	return c.Write(ctx, mutation.NewDelete(key, mutation.NoPrecondition()))
}

// ServerTimestamp returns a transform setting field to the commit time
// of the write.
func ServerTimestamp(field string) (mutation.FieldTransform, error) {
	path, err := model.ParseFieldPath(field)
	if err != nil {
		return mutation.FieldTransform{}, fmt.Errorf("docsync: %w", err)
	}
	return mutation.FieldTransform{Field: path, Operation: mutation.ServerTimestampTransform{}}, nil
}

func documentArgs(path string, fields map[string]any) (model.DocumentKey, model.ObjectValue, error) {
	key, err := model.ParseDocumentKey(path)
	if err != nil {
		return model.DocumentKey{}, model.ObjectValue{}, fmt.Errorf("docsync: %w", err)
	}
	data, err := model.ObjectFromGo(fields)
	if err != nil {
		return model.DocumentKey{}, model.ObjectValue{}, fmt.Errorf("docsync: %s: %w", path, err)
	}
	return key, data, nil
}
