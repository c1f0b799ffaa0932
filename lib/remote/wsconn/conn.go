// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wsconn

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/docsync/lib/remote"
	"github.com/bureau-foundation/docsync/lib/status"
)

// conn adapts a websocket connection to remote.Stream. Frames travel
// as JSON text messages.
type conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	readTimeout  time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newConn(ws *websocket.Conn, writeTimeout, pingInterval time.Duration) *conn {
	c := &conn{
		ws:           ws,
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
	if pingInterval > 0 {
		// Allow two missed pings before declaring the peer gone.
		c.readTimeout = 2*pingInterval + writeTimeout
		ws.SetReadDeadline(time.Now().Add(c.readTimeout))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(c.readTimeout))
		})
		go c.keepalive(pingInterval)
	}
	return c
}

func (c *conn) keepalive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.writeTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.Close()
				return
			}
		}
	}
}

// Send implements remote.Stream. A failed write closes the
// connection so that Recv observes the failure.
func (c *conn) Send(frame remote.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.ws.WriteJSON(frame); err != nil {
		c.Close()
		return status.Errorf(status.Unavailable, "sending %s frame: %v", frame.Type, err)
	}
	return nil
}

// Recv implements remote.Stream.
func (c *conn) Recv() (remote.Frame, error) {
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return remote.Frame{}, transportError(err)
		}
		if c.readTimeout > 0 {
			c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))
		}
		if messageType != websocket.TextMessage {
			continue
		}
		frame, err := remote.DecodeFrame(data)
		if err != nil {
			return remote.Frame{}, status.Errorf(status.Internal, "%v", err)
		}
		return frame, nil
	}
}

// Close implements remote.Stream. It sends a close message when the
// transport still allows it.
func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.ws.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

// closeWithStatus sends the status as a close frame and then closes.
func (c *conn) closeWithStatus(err error) {
	frame := &remote.StatusFrame{Code: status.CodeOf(err), Message: err.Error()}
	var statusErr *status.Error
	if errors.As(err, &statusErr) {
		frame.Message = statusErr.Message
	}
	c.Send(remote.Frame{Type: remote.FrameClose, Close: frame})
	c.Close()
}

// transportError maps a websocket read failure to a status error.
func transportError(err error) error {
	var closeErr *websocket.CloseError
	switch {
	case errors.As(err, &closeErr):
		return status.Errorf(status.Unavailable, "stream closed by peer: %d %s", closeErr.Code, closeErr.Text)
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return status.Errorf(status.Unavailable, "stream closed: %v", err)
	default:
		return status.Errorf(status.Unavailable, "reading frame: %v", err)
	}
}
