// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fakebackend

import (
	"context"
	"sync"

	"github.com/bureau-foundation/docsync/lib/remote"
	"github.com/bureau-foundation/docsync/lib/status"
)

// pipeBuffer bounds the frames in flight in one direction of a pipe.
const pipeBuffer = 256

// Connection returns a remote.Connection whose streams are served by
// b in process, without a network.
func (b *Backend) Connection() remote.Connection {
	return pipeConnection{backend: b}
}

type pipeConnection struct {
	backend *Backend
}

func (c pipeConnection) OpenWatch(ctx context.Context, auth remote.StreamAuth) (remote.Stream, error) {
	return c.open(ctx, auth, c.backend.ServeWatch)
}

func (c pipeConnection) OpenWrite(ctx context.Context, auth remote.StreamAuth) (remote.Stream, error) {
	return c.open(ctx, auth, c.backend.ServeWrite)
}

func (c pipeConnection) open(ctx context.Context, auth remote.StreamAuth,
	serve func(context.Context, remote.StreamAuth, remote.Stream) error) (remote.Stream, error) {

	if err := ctx.Err(); err != nil {
		return nil, status.Errorf(status.Cancelled, "opening stream: %v", err)
	}
	if cause := context.Cause(c.backend.ctx); cause != nil {
		return nil, status.Errorf(status.Unavailable, "opening stream: %v", cause)
	}

	p := newPipe()
	go func() {
		err := serve(c.backend.ctx, auth, p.server)
		if err == nil {
			err = status.New(status.Unavailable, "stream closed by peer")
		}
		p.close(err)
	}()
	return p.client, nil
}

// pipe is a pair of connected stream ends. The first close decides the
// error both ends report.
type pipe struct {
	client *pipeEnd
	server *pipeEnd

	once sync.Once
	done chan struct{}
	err  error
}

func newPipe() *pipe {
	p := &pipe{done: make(chan struct{})}
	toClient := make(chan remote.Frame, pipeBuffer)
	toServer := make(chan remote.Frame, pipeBuffer)
	p.client = &pipeEnd{pipe: p, inbox: toClient, outbox: toServer, closeErr: status.New(status.Cancelled, "stream closed")}
	p.server = &pipeEnd{pipe: p, inbox: toServer, outbox: toClient, closeErr: status.New(status.Unavailable, "stream closed by peer")}
	return p
}

func (p *pipe) close(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

type pipeEnd struct {
	pipe     *pipe
	inbox    chan remote.Frame
	outbox   chan remote.Frame
	closeErr error

	mu     sync.Mutex
	closed bool
}

func (e *pipeEnd) Send(frame remote.Frame) error {
	select {
	case <-e.pipe.done:
		return status.Errorf(status.Unavailable, "sending %s frame: stream closed", frame.Type)
	default:
	}
	select {
	case e.outbox <- frame:
		return nil
	case <-e.pipe.done:
		return status.Errorf(status.Unavailable, "sending %s frame: stream closed", frame.Type)
	}
}

// Recv delivers frames sent before the pipe closed ahead of the close
// error, unless this end closed it.
func (e *pipeEnd) Recv() (remote.Frame, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return remote.Frame{}, e.pipe.err
	}

	select {
	case frame := <-e.inbox:
		return frame, nil
	default:
	}
	select {
	case frame := <-e.inbox:
		return frame, nil
	case <-e.pipe.done:
		select {
		case frame := <-e.inbox:
			return frame, nil
		default:
			return remote.Frame{}, e.pipe.err
		}
	}
}

func (e *pipeEnd) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.pipe.close(e.closeErr)
	return nil
}
