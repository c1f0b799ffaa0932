// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fakebackend

import (
	"context"

	"github.com/bureau-foundation/docsync/lib/model"
	"github.com/bureau-foundation/docsync/lib/mutation"
	"github.com/bureau-foundation/docsync/lib/remote"
	"github.com/bureau-foundation/docsync/lib/status"
)

// ServeWrite runs one write stream. The stream opens with a handshake;
// each later write frame is committed atomically and acknowledged in
// order. A rejected write ends the stream with the rejection status.
func (b *Backend) ServeWrite(ctx context.Context, auth remote.StreamAuth, stream remote.Stream) error {
	uid, err := b.user(auth)
	if err != nil {
		return err
	}
	logger := b.logger.With("stream", "write", "uid", uid)

	// Recv does not watch ctx; closing the stream unblocks it.
	stop := context.AfterFunc(ctx, func() { stream.Close() })
	defer stop()
	stopBackend := context.AfterFunc(b.ctx, func() { stream.Close() })
	defer stopBackend()

	recv := func() (remote.Frame, error) {
		frame, err := stream.Recv()
		if err == nil {
			return frame, nil
		}
		if cause := context.Cause(b.ctx); cause != nil {
			return remote.Frame{}, cause
		}
		if cause := context.Cause(ctx); cause != nil {
			return remote.Frame{}, cause
		}
		return remote.Frame{}, err
	}

	frame, err := recv()
	if err != nil {
		return err
	}
	if frame.Type != remote.FrameHandshake {
		return status.Errorf(status.InvalidArgument, "write stream opened with a %s frame", frame.Type)
	}
	if frame.Handshake.Database != b.serializer.DatabaseName() {
		return status.Errorf(status.NotFound, "database %q does not exist", frame.Handshake.Database)
	}
	if err := stream.Send(remote.Frame{Type: remote.FrameWriteResponse, WriteResponse: &remote.WriteResponseFrame{
		StreamToken: newToken(),
	}}); err != nil {
		return err
	}

	for {
		frame, err := recv()
		if err != nil {
			if status.CodeOf(err) == status.Cancelled {
				return nil
			}
			return err
		}
		if frame.Type != remote.FrameWrite {
			return status.Errorf(status.InvalidArgument, "unexpected %s frame on a write stream", frame.Type)
		}
		if len(frame.Write.Writes) == 0 {
			logger.Debug("write stream closed by client")
			return nil
		}
		response, err := b.write(uid, frame.Write)
		if err != nil {
			logger.Debug("write rejected", "error", err)
			return err
		}
		if err := stream.Send(remote.Frame{Type: remote.FrameWriteResponse, WriteResponse: response}); err != nil {
			return err
		}
	}
}

// write commits one write frame for uid.
func (b *Backend) write(uid string, request *remote.WriteFrame) (*remote.WriteResponseFrame, error) {
	mutations := make([]mutation.Mutation, len(request.Writes))
	for i, record := range request.Writes {
		m, err := mutation.FromRecord(record)
		if err != nil {
			return nil, status.Errorf(status.InvalidArgument, "write %d: %v", i, err)
		}
		if err := b.authorize(uid, m.Key().Path(), true); err != nil {
			return nil, err
		}
		mutations[i] = m
	}

	results, version, err := b.commitResults(mutations)
	if err != nil {
		return nil, err
	}

	commitTime := version.Timestamp()
	response := &remote.WriteResponseFrame{
		StreamToken:  newToken(),
		CommitTime:   &commitTime,
		WriteResults: make([]remote.WriteResultFrame, len(results)),
	}
	for i, result := range results {
		updateTime := result.Version.Timestamp()
		wire := remote.WriteResultFrame{UpdateTime: &updateTime}
		for _, value := range result.TransformResults {
			wire.TransformResults = append(wire.TransformResults, transformRecord(value))
		}
		response.WriteResults[i] = wire
	}
	return response, nil
}

func transformRecord(value *model.Value) model.ValueRecord {
	if value == nil {
		return model.Null().Record()
	}
	return value.Record()
}
