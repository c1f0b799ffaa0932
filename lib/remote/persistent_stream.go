// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"log/slog"
	"time"

	"github.com/bureau-foundation/docsync/lib/asyncqueue"
	"github.com/bureau-foundation/docsync/lib/credentials"
	"github.com/bureau-foundation/docsync/lib/status"
)

// StreamState is the lifecycle state of a PersistentStream.
//
//	Initial ──Start──▶ Starting ──opened──▶ Open ──10s──▶ Healthy
//	   ▲                  │                   │              │
//	   │                  └─────error─────────┴──────────────┴──▶ Error
//	   │                                                            │
//	   └──────────── backoff elapsed ◀──── Backoff ◀────Start───────┘
//
// Stop and idle close return to Initial from any started state.
type StreamState int

const (
	StateInitial StreamState = iota
	StateStarting
	StateOpen
	StateHealthy
	StateError
	StateBackoff
)

var streamStateNames = [...]string{
	StateInitial:  "initial",
	StateStarting: "starting",
	StateOpen:     "open",
	StateHealthy:  "healthy",
	StateError:    "error",
	StateBackoff:  "backoff",
}

func (s StreamState) String() string { return streamStateNames[s] }

// StreamConfig holds the timing of a persistent stream.
type StreamConfig struct {
	// IdleTimeout closes an open stream that has had nothing to do
	// for this long.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// HealthyAfter is how long a stream must stay open before an
	// unauthenticated close stops invalidating the credential token.
	HealthyAfter time.Duration `yaml:"healthy_after"`

	Backoff asyncqueue.BackoffConfig `yaml:"backoff"`
}

// DefaultStreamConfig returns 60s idle close, 10s to healthy, and the
// default reconnect backoff.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		IdleTimeout:  60 * time.Second,
		HealthyAfter: 10 * time.Second,
		Backoff:      asyncqueue.DefaultBackoff(),
	}
}

// streamHandler is the stream-specific half of a PersistentStream.
// Every method runs on the queue.
type streamHandler interface {
	openStream(ctx context.Context, auth StreamAuth) (Stream, error)
	onOpen()
	onMessage(frame Frame) error
	onClose(err error)
	tearDown()
}

// PersistentStream drives one backend stream through authentication,
// open, idle close, and reconnect with backoff. All methods must be
// called from operations on the queue; network I/O runs on separate
// goroutines that hand their results back through the queue.
//
// Every close increments a generation counter. Results from a
// goroutine started under an older generation are discarded, so a
// stream that was stopped never delivers a late frame.
type PersistentStream struct {
	name        string
	queue       *asyncqueue.Queue
	idleTimerID asyncqueue.TimerID
	credentials credentials.Provider
	appCheck    credentials.AppCheck
	config      StreamConfig
	backoff     *asyncqueue.Backoff
	handler     streamHandler
	logger      *slog.Logger

	state       StreamState
	closeCount  int
	stream      Stream
	cancelOpen  context.CancelFunc
	idleTimer   *asyncqueue.DelayedOperation
	healthTimer *asyncqueue.DelayedOperation
}

func newPersistentStream(
	name string,
	queue *asyncqueue.Queue,
	connectionTimerID, idleTimerID asyncqueue.TimerID,
	provider credentials.Provider,
	appCheck credentials.AppCheck,
	config StreamConfig,
	handler streamHandler,
	logger *slog.Logger,
) *PersistentStream {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if provider == nil {
		provider = credentials.Empty()
	}
	return &PersistentStream{
		name:        name,
		queue:       queue,
		idleTimerID: idleTimerID,
		credentials: provider,
		appCheck:    appCheck,
		config:      config,
		backoff:     asyncqueue.NewBackoff(queue, connectionTimerID, config.Backoff),
		handler:     handler,
		logger:      logger.With("stream", name),
	}
}

// State returns the current lifecycle state.
func (s *PersistentStream) State() StreamState { return s.state }

// IsStarted reports whether Start has been called and the stream has
// not since been stopped or failed.
func (s *PersistentStream) IsStarted() bool {
	return s.state == StateStarting || s.state == StateBackoff || s.IsOpen()
}

// IsOpen reports whether the stream is established.
func (s *PersistentStream) IsOpen() bool {
	return s.state == StateOpen || s.state == StateHealthy
}

// Start opens the stream. After a failure the open is delayed by the
// backoff.
func (s *PersistentStream) Start() {
	if s.state == StateError {
		s.performBackoff()
		return
	}
	status.Assert(s.state == StateInitial, "%s stream: Start in state %s", s.name, s.state)
	s.auth()
}

// Stop closes the stream without error. The next Start connects
// immediately.
func (s *PersistentStream) Stop() {
	if s.IsStarted() {
		s.close(StateInitial, nil)
	}
}

// InhibitBackoff makes the next Start connect immediately even after
// a failure. Only valid while stopped.
func (s *PersistentStream) InhibitBackoff() {
	status.Assert(!s.IsStarted(), "%s stream: InhibitBackoff while started", s.name)
	s.state = StateInitial
	s.backoff.Reset()
}

// MarkIdle schedules the stream to close once the idle timeout passes
// without any traffic being sent.
func (s *PersistentStream) MarkIdle() {
	if s.IsOpen() && s.idleTimer == nil {
		s.idleTimer = s.queue.EnqueueAfterDelay(s.idleTimerID, s.config.IdleTimeout, s.handleIdleCloseTimer)
	}
}

func (s *PersistentStream) handleIdleCloseTimer() {
	s.idleTimer = nil
	if s.IsOpen() {
		s.logger.Debug("closing idle stream")
		s.close(StateInitial, nil)
	}
}

func (s *PersistentStream) cancelIdleCheck() {
	if s.idleTimer != nil {
		s.idleTimer.Cancel()
		s.idleTimer = nil
	}
}

func (s *PersistentStream) cancelHealthCheck() {
	if s.healthTimer != nil {
		s.healthTimer.Cancel()
		s.healthTimer = nil
	}
}

// send writes a frame on the open stream and cancels any pending idle
// close. A failed send is logged; the receive loop observes the broken
// transport and closes the stream.
func (s *PersistentStream) send(frame Frame) {
	status.Assert(s.IsOpen(), "%s stream: send in state %s", s.name, s.state)
	s.cancelIdleCheck()
	if err := s.stream.Send(frame); err != nil {
		s.logger.Debug("send failed", "frame_type", frame.Type, "error", err)
	}
}

func (s *PersistentStream) auth() {
	status.Assert(s.state == StateInitial, "%s stream: auth in state %s", s.name, s.state)
	s.state = StateStarting

	generation := s.closeCount
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelOpen = cancel

	go func() {
		stream, err := s.open(ctx)
		s.queue.Enqueue(func() {
			if generation != s.closeCount {
				// Stopped while opening.
				if stream != nil {
					stream.Close()
				}
				return
			}
			if err != nil {
				s.logger.Debug("open failed", "error", err)
				s.handleStreamClose(err)
				return
			}
			s.onStreamOpened(stream, generation)
		})
	}()
}

// open fetches both tokens and dials. It runs off the queue.
func (s *PersistentStream) open(ctx context.Context) (Stream, error) {
	var auth StreamAuth
	token, err := s.credentials.Token(ctx)
	if err != nil {
		return nil, status.Errorf(status.Unauthenticated, "fetching auth token: %v", err)
	}
	if token != nil {
		auth.Token = token.Value
	}
	if s.appCheck != nil {
		appCheckToken, err := s.appCheck.Token(ctx)
		if err != nil {
			return nil, status.Errorf(status.Unauthenticated, "fetching app check token: %v", err)
		}
		auth.AppCheckToken = appCheckToken
	}
	return s.handler.openStream(ctx, auth)
}

func (s *PersistentStream) onStreamOpened(stream Stream, generation int) {
	s.stream = stream
	s.state = StateOpen
	s.healthTimer = s.queue.EnqueueAfterDelay(asyncqueue.TimerHealthCheckTimeout, s.config.HealthyAfter, func() {
		s.healthTimer = nil
		if s.IsOpen() {
			s.state = StateHealthy
		}
	})

	go s.receive(stream, generation)
	s.handler.onOpen()
}

// receive forwards inbound frames to the queue until the stream
// fails. It runs off the queue.
func (s *PersistentStream) receive(stream Stream, generation int) {
	for {
		frame, err := stream.Recv()
		if err != nil {
			s.queue.Enqueue(func() {
				if generation == s.closeCount {
					s.handleStreamClose(err)
				}
			})
			return
		}
		s.queue.Enqueue(func() {
			if generation != s.closeCount {
				return
			}
			if err := s.handler.onMessage(frame); err != nil && generation == s.closeCount {
				s.logger.Warn("closing stream after bad frame", "frame_type", frame.Type, "error", err)
				s.close(StateError, err)
			}
		})
	}
}

func (s *PersistentStream) handleStreamClose(err error) {
	status.Assert(s.IsStarted(), "%s stream: close in state %s", s.name, s.state)
	s.logger.Debug("stream closed", "state", s.state.String(), "error", err)
	s.close(StateError, err)
}

func (s *PersistentStream) performBackoff() {
	status.Assert(s.state == StateError, "%s stream: backoff in state %s", s.name, s.state)
	s.state = StateBackoff
	s.backoff.BackoffAndRun(func() {
		status.Assert(s.state == StateBackoff, "%s stream: backoff elapsed in state %s", s.name, s.state)
		s.state = StateInitial
		s.Start()
		status.Assert(s.IsStarted(), "%s stream: not started after backoff", s.name)
	})
}

// close moves the stream to finalState, releasing the transport and
// notifying the handler. err is non-nil exactly when finalState is
// StateError.
func (s *PersistentStream) close(finalState StreamState, err error) {
	status.Assert(s.IsStarted(), "%s stream: close in state %s", s.name, s.state)
	status.Assert((finalState == StateError) == (err != nil), "%s stream: close to %s with error %v", s.name, finalState, err)

	s.cancelIdleCheck()
	s.cancelHealthCheck()
	s.backoff.Cancel()
	s.closeCount++

	code := status.CodeOf(err)
	switch {
	case finalState != StateError:
		s.backoff.Reset()
	case code == status.ResourceExhausted:
		s.logger.Warn("backend reported resource exhaustion, using maximum backoff", "error", err)
		s.backoff.ResetToMax()
	case code == status.Unauthenticated && s.state != StateHealthy:
		s.credentials.InvalidateToken()
		if s.appCheck != nil {
			s.appCheck.InvalidateToken()
		}
	}

	if s.cancelOpen != nil {
		s.cancelOpen()
		s.cancelOpen = nil
	}
	if s.stream != nil {
		s.handler.tearDown()
		s.stream.Close()
		s.stream = nil
	}

	s.state = finalState
	s.handler.onClose(err)
}
