// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package credentials

import (
	"context"
	"testing"
	"time"

	"github.com/bureau-foundation/docsync/lib/asyncqueue"
	"github.com/bureau-foundation/docsync/lib/clock"
	"github.com/bureau-foundation/docsync/lib/testutil"
)

func TestStaticReportsChanges(t *testing.T) {
	queue := asyncqueue.New(clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)), testutil.Logger(t))
	defer queue.Shutdown(context.Background(), nil)

	provider := NewStatic(User{UID: "alice"}, "token-a")
	users := make(chan User, 4)
	provider.Start(queue, func(user User) { users <- user })

	if got := testutil.RequireReceive(t, users, 5*time.Second, "initial user"); got.UID != "alice" {
		t.Fatalf("initial user = %v", got)
	}
	provider.SetUser(User{UID: "bob"}, "token-b")
	if got := testutil.RequireReceive(t, users, 5*time.Second, "changed user"); got.UID != "bob" {
		t.Fatalf("changed user = %v", got)
	}

	token, err := provider.Token(context.Background())
	if err != nil || token == nil || token.Value != "token-b" {
		t.Fatalf("Token = %v, %v", token, err)
	}
	provider.SetUser(Unauthenticated, "")
	token, _ = provider.Token(context.Background())
	if token != nil {
		t.Fatalf("Token for unauthenticated user = %v, want nil", token)
	}
}

func TestUserKey(t *testing.T) {
	if Unauthenticated.Key() != "anonymous" {
		t.Errorf("Unauthenticated.Key() = %q", Unauthenticated.Key())
	}
	if (User{UID: "alice"}).Key() != "alice" {
		t.Error("authenticated key should be the UID")
	}
	if Unauthenticated.IsAuthenticated() {
		t.Error("Unauthenticated.IsAuthenticated() = true")
	}
}
