// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package credentials

import (
	"context"
	"sync"
)

// AppCheck supplies an attestation token sent alongside the user
// token. It never reports user changes.
type AppCheck interface {
	Token(ctx context.Context) (string, error)
	InvalidateToken()
}

// StaticAppCheck returns a fixed attestation token.
type StaticAppCheck struct {
	mu    sync.Mutex
	token string
}

// NewStaticAppCheck returns an AppCheck that always yields token.
func NewStaticAppCheck(token string) *StaticAppCheck {
	return &StaticAppCheck{token: token}
}

func (s *StaticAppCheck) Token(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, nil
}

func (s *StaticAppCheck) InvalidateToken() {}
