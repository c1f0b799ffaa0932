// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wsconn

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/docsync/lib/remote"
	"github.com/bureau-foundation/docsync/lib/status"
)

// Backend serves streams accepted by the handler. Each method owns the
// stream until it returns; a non-nil error is sent to the client as a
// close frame.
type Backend interface {
	ServeWatch(ctx context.Context, auth remote.StreamAuth, stream remote.Stream) error
	ServeWrite(ctx context.Context, auth remote.StreamAuth, stream remote.Stream) error
}

// ServerConfig configures the handler.
type ServerConfig struct {
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PingInterval time.Duration `yaml:"ping_interval"`
}

// DefaultServerConfig mirrors DefaultClientConfig.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{WriteTimeout: 10 * time.Second, PingInterval: 30 * time.Second}
}

type handler struct {
	backend  Backend
	config   ServerConfig
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandler returns an http.Handler serving watch and write streams
// for backend, plus a /healthz probe.
func NewHandler(backend Backend, config ServerConfig, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	h := &handler{
		backend: backend,
		config:  config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: logger,
	}

	router := mux.NewRouter()
	router.HandleFunc(WatchPath, h.serveWatch).Methods(http.MethodGet)
	router.HandleFunc(WritePath, h.serveWrite).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	return router
}

func (h *handler) serveWatch(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "watch", h.backend.ServeWatch)
}

func (h *handler) serveWrite(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "write", h.backend.ServeWrite)
}

func (h *handler) serve(w http.ResponseWriter, r *http.Request, kind string,
	serve func(context.Context, remote.StreamAuth, remote.Stream) error) {

	auth := remote.StreamAuth{
		Token:         strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "),
		AppCheckToken: r.Header.Get(AppCheckHeader),
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Debug("websocket upgrade failed", "stream", kind, "error", err)
		return
	}
	stream := newConn(ws, h.config.WriteTimeout, h.config.PingInterval)
	logger := h.logger.With("stream", kind, "remote_addr", r.RemoteAddr)
	logger.Debug("stream accepted")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	if err := serve(ctx, auth, stream); err != nil {
		code := status.CodeOf(err)
		if code == status.Unavailable || code == status.Cancelled {
			logger.Debug("stream ended", "error", err)
		} else {
			logger.Info("stream closed with error", "code", code.String(), "error", err)
		}
		stream.closeWithStatus(err)
		return
	}
	stream.Close()
}
