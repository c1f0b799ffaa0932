// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package wsconn carries the remote package's JSON stream frames over
// WebSockets. [Client] implements remote.Connection for the sync
// client; [NewHandler] serves the same protocol for a backend.
//
// Each stream is its own WebSocket connection: watch streams on
// [WatchPath] and write streams on [WritePath]. Credentials travel in
// request headers when the connection opens. A backend that ends a
// stream with an error sends a close frame carrying the status before
// closing the connection, which the client reports from Recv.
package wsconn

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/docsync/lib/remote"
	"github.com/bureau-foundation/docsync/lib/status"
	"github.com/bureau-foundation/docsync/lib/version"
)

const (
	// WatchPath is the endpoint for watch streams.
	WatchPath = "/v1/listen"

	// WritePath is the endpoint for write streams.
	WritePath = "/v1/write"

	// AppCheckHeader carries the app check token.
	AppCheckHeader = "X-Docsync-App-Check"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// URL is the backend's base URL, ws:// or wss://.
	URL string `yaml:"url"`

	// HandshakeTimeout bounds the WebSocket upgrade.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// PingInterval is the keepalive interval. Zero disables pings.
	PingInterval time.Duration `yaml:"ping_interval"`
}

// DefaultClientConfig returns timeouts suited to interactive use.
func DefaultClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:              url,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     30 * time.Second,
	}
}

// Client opens streams to a backend over WebSockets.
type Client struct {
	config ClientConfig
	dialer *websocket.Dialer
	logger *slog.Logger
}

// NewClient returns a Client for config.URL.
func NewClient(config ClientConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		config: config,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.HandshakeTimeout,
		},
		logger: logger,
	}
}

// OpenWatch implements remote.Connection.
func (c *Client) OpenWatch(ctx context.Context, auth remote.StreamAuth) (remote.Stream, error) {
	return c.open(ctx, WatchPath, auth)
}

// OpenWrite implements remote.Connection.
func (c *Client) OpenWrite(ctx context.Context, auth remote.StreamAuth) (remote.Stream, error) {
	return c.open(ctx, WritePath, auth)
}

func (c *Client) open(ctx context.Context, path string, auth remote.StreamAuth) (remote.Stream, error) {
	header := http.Header{}
	header.Set("User-Agent", version.UserAgent())
	if auth.Token != "" {
		header.Set("Authorization", "Bearer "+auth.Token)
	}
	if auth.AppCheckToken != "" {
		header.Set(AppCheckHeader, auth.AppCheckToken)
	}

	url := strings.TrimSuffix(c.config.URL, "/") + path
	ws, response, err := c.dialer.DialContext(ctx, url, header)
	if err != nil {
		if response != nil {
			return nil, status.Errorf(codeForHTTPStatus(response.StatusCode), "dialing %s: %v", url, err)
		}
		return nil, status.Errorf(status.Unavailable, "dialing %s: %v", url, err)
	}
	c.logger.Debug("stream connected", "url", url)
	return newConn(ws, c.config.WriteTimeout, c.config.PingInterval), nil
}

// codeForHTTPStatus maps a rejected upgrade to a status code.
func codeForHTTPStatus(code int) status.Code {
	switch code {
	case http.StatusUnauthorized:
		return status.Unauthenticated
	case http.StatusForbidden:
		return status.PermissionDenied
	case http.StatusNotFound:
		return status.NotFound
	case http.StatusTooManyRequests:
		return status.ResourceExhausted
	case http.StatusBadRequest:
		return status.InvalidArgument
	default:
		return status.Unavailable
	}
}
