// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"log/slog"
	"time"

	"github.com/bureau-foundation/docsync/lib/asyncqueue"
	"github.com/bureau-foundation/docsync/lib/status"
)

// OnlineState is the client's belief about its connection to the
// backend, as reported to listeners.
type OnlineState int

const (
	// OnlineUnknown means the client is trying to connect. Listeners
	// keep waiting for a server snapshot.
	OnlineUnknown OnlineState = iota

	// Online means the watch stream is receiving data.
	Online

	// Offline means connecting failed or the network was disabled.
	// Listeners should serve from cache.
	Offline
)

func (s OnlineState) String() string {
	switch s {
	case Online:
		return "online"
	case Offline:
		return "offline"
	default:
		return "unknown"
	}
}

// OnlineStateConfig tunes when the tracker gives up on a connection.
type OnlineStateConfig struct {
	// Timeout is how long a connection attempt may stay unanswered
	// before the client reports Offline.
	Timeout time.Duration `yaml:"timeout"`

	// MaxWatchStreamFailures is how many consecutive failed watch
	// streams are tolerated before reporting Offline.
	MaxWatchStreamFailures int `yaml:"max_watch_stream_failures"`
}

// DefaultOnlineStateConfig returns a 10s timeout and one tolerated
// failure.
func DefaultOnlineStateConfig() OnlineStateConfig {
	return OnlineStateConfig{Timeout: 10 * time.Second, MaxWatchStreamFailures: 1}
}

// OnlineStateTracker derives the OnlineState from watch stream
// activity. The state starts Unknown, turns Online when the stream
// delivers data, and turns Offline when a connection attempt times
// out or fails too many times in a row. All methods run on the queue.
type OnlineStateTracker struct {
	queue   *asyncqueue.Queue
	config  OnlineStateConfig
	handler func(OnlineState)
	logger  *slog.Logger

	state               OnlineState
	watchStreamFailures int
	timer               *asyncqueue.DelayedOperation
	warnWhenOffline     bool
}

// NewOnlineStateTracker returns a tracker in state Unknown. handler
// is called on every state change.
func NewOnlineStateTracker(queue *asyncqueue.Queue, config OnlineStateConfig, handler func(OnlineState), logger *slog.Logger) *OnlineStateTracker {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &OnlineStateTracker{
		queue:           queue,
		config:          config,
		handler:         handler,
		logger:          logger,
		warnWhenOffline: true,
	}
}

// State returns the current state.
func (t *OnlineStateTracker) State() OnlineState { return t.state }

// HandleWatchStreamStart records a connection attempt. The first
// attempt after a success arms the timeout.
func (t *OnlineStateTracker) HandleWatchStreamStart() {
	if t.watchStreamFailures != 0 {
		return
	}
	t.setAndBroadcast(OnlineUnknown)
	status.Assert(t.timer == nil, "online state timer already armed")
	t.timer = t.queue.EnqueueAfterDelay(asyncqueue.TimerOnlineStateTimeout, t.config.Timeout, func() {
		t.timer = nil
		status.Assert(t.state == OnlineUnknown, "online state timeout fired in state %s", t.state)
		t.logOffline("backend did not respond within the connection timeout", "timeout", t.config.Timeout)
		t.setAndBroadcast(Offline)
	})
}

// HandleWatchStreamFailure records a failed watch stream. A failure
// after being Online drops back to Unknown for one more attempt.
func (t *OnlineStateTracker) HandleWatchStreamFailure(err error) {
	if t.state == Online {
		t.setAndBroadcast(OnlineUnknown)
		status.Assert(t.watchStreamFailures == 0, "watch stream failures recorded while online")
		status.Assert(t.timer == nil, "online state timer armed while online")
		return
	}
	t.watchStreamFailures++
	if t.watchStreamFailures >= t.config.MaxWatchStreamFailures {
		t.clearTimer()
		t.logOffline("connection failed", "failures", t.watchStreamFailures, "error", err)
		t.setAndBroadcast(Offline)
	}
}

// Set forces the state, clearing any failure count and timer.
func (t *OnlineStateTracker) Set(state OnlineState) {
	t.clearTimer()
	t.watchStreamFailures = 0
	if state == Online {
		// Once connected, later disconnects are routine.
		t.warnWhenOffline = false
	}
	t.setAndBroadcast(state)
}

func (t *OnlineStateTracker) setAndBroadcast(state OnlineState) {
	if state != t.state {
		t.state = state
		t.handler(state)
	}
}

func (t *OnlineStateTracker) clearTimer() {
	if t.timer != nil {
		t.timer.Cancel()
		t.timer = nil
	}
}

func (t *OnlineStateTracker) logOffline(msg string, args ...any) {
	if t.warnWhenOffline {
		t.logger.Warn("client offline: "+msg, args...)
		t.warnWhenOffline = false
		return
	}
	t.logger.Debug("client offline: "+msg, args...)
}
