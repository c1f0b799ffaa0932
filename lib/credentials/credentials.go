// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package credentials identifies the user on whose behalf the client
// reads and writes, and supplies the tokens attached to each stream.
//
// Each user gets a separate mutation queue in the local store, so a
// user change swaps the pending-write set seen by every query. A
// Provider reports user changes through the onChange callback passed
// to Start; callbacks always run on the client's async queue.
package credentials

import (
	"context"
	"sync"

	"github.com/bureau-foundation/docsync/lib/asyncqueue"
)

// User identifies an account. The zero value is the unauthenticated
// user.
type User struct {
	UID string `json:"uid,omitempty"`
}

// Unauthenticated is the user before sign-in.
var Unauthenticated = User{}

// IsAuthenticated reports whether the user has a UID.
func (u User) IsAuthenticated() bool { return u.UID != "" }

// Key returns a stable, non-empty name for the user, used to key
// per-user storage.
func (u User) Key() string {
	if u.UID == "" {
		return "anonymous"
	}
	return u.UID
}

func (u User) String() string { return u.Key() }

// Token is an access token for the backend.
type Token struct {
	Value string
	User  User
}

// Provider supplies tokens and reports user changes.
type Provider interface {
	// Token returns the current token, or nil when the user is not
	// signed in.
	Token(ctx context.Context) (*Token, error)

	// InvalidateToken forces the next Token call to fetch a fresh
	// token. Called after the backend rejects one as expired.
	InvalidateToken()

	// Start begins reporting users. onChange runs on queue once with
	// the initial user and again on every change.
	Start(queue *asyncqueue.Queue, onChange func(User))

	// Shutdown stops reporting changes.
	Shutdown()
}

// Empty returns a provider for a client that never signs in.
func Empty() Provider { return emptyProvider{} }

type emptyProvider struct{}

func (emptyProvider) Token(context.Context) (*Token, error) { return nil, nil }
func (emptyProvider) InvalidateToken()                      {}
func (emptyProvider) Shutdown()                             {}

func (emptyProvider) Start(queue *asyncqueue.Queue, onChange func(User)) {
	queue.Enqueue(func() { onChange(Unauthenticated) })
}

// Static is a provider whose user can be switched at runtime, for
// tests and the simulator. Each SetUser call reports a change.
type Static struct {
	mu          sync.Mutex
	user        User
	token       string
	invalidated int
	queue       *asyncqueue.Queue
	onChange    func(User)
}

// NewStatic returns a provider signed in as user with token.
func NewStatic(user User, token string) *Static {
	return &Static{user: user, token: token}
}

func (s *Static) Token(context.Context) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.user.IsAuthenticated() {
		return nil, nil
	}
	return &Token{Value: s.token, User: s.user}, nil
}

func (s *Static) InvalidateToken() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated++
}

// Invalidations returns how many times InvalidateToken was called.
func (s *Static) Invalidations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invalidated
}

func (s *Static) Start(queue *asyncqueue.Queue, onChange func(User)) {
	s.mu.Lock()
	s.queue = queue
	s.onChange = onChange
	user := s.user
	s.mu.Unlock()
	queue.Enqueue(func() { onChange(user) })
}

// SetUser switches the signed-in user and token.
func (s *Static) SetUser(user User, token string) {
	s.mu.Lock()
	s.user = user
	s.token = token
	queue, onChange := s.queue, s.onChange
	s.mu.Unlock()
	if queue != nil {
		queue.Enqueue(func() { onChange(user) })
	}
}

func (s *Static) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = nil
	s.onChange = nil
}
