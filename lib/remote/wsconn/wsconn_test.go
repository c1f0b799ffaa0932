// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wsconn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/docsync/lib/remote"
	"github.com/bureau-foundation/docsync/lib/status"
	"github.com/bureau-foundation/docsync/lib/testutil"
)

// echoBackend answers each watch frame with the same frame, then ends
// the stream with a status once it sees a RemoveTarget.
type echoBackend struct {
	auths chan remote.StreamAuth
}

func (b *echoBackend) ServeWatch(ctx context.Context, auth remote.StreamAuth, stream remote.Stream) error {
	b.auths <- auth
	for {
		frame, err := stream.Recv()
		if err != nil {
			return nil
		}
		if frame.Type == remote.FrameRemoveTarget {
			return status.New(status.PermissionDenied, "target revoked")
		}
		if err := stream.Send(frame); err != nil {
			return err
		}
	}
}

func (b *echoBackend) ServeWrite(ctx context.Context, auth remote.StreamAuth, stream remote.Stream) error {
	return status.New(status.Unimplemented, "writes are not served")
}

func startServer(t *testing.T) (*Client, *echoBackend) {
	t.Helper()
	backend := &echoBackend{auths: make(chan remote.StreamAuth, 4)}
	server := httptest.NewServer(NewHandler(backend, DefaultServerConfig(), testutil.Logger(t)))
	t.Cleanup(server.Close)

	config := DefaultClientConfig("ws" + strings.TrimPrefix(server.URL, "http"))
	config.PingInterval = 0
	return NewClient(config, testutil.Logger(t)), backend
}

func TestStreamCarriesFramesAndCredentials(t *testing.T) {
	client, backend := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.OpenWatch(ctx, remote.StreamAuth{Token: "secret", AppCheckToken: "attested"})
	if err != nil {
		t.Fatalf("OpenWatch: %v", err)
	}
	defer stream.Close()

	auth := testutil.RequireReceive(t, backend.auths, 5*time.Second, "backend never saw the stream")
	if auth.Token != "secret" || auth.AppCheckToken != "attested" {
		t.Errorf("backend saw auth %+v", auth)
	}

	sent := remote.Frame{Type: remote.FrameAddTarget, AddTarget: &remote.AddTargetFrame{TargetID: 2}}
	if err := stream.Send(sent); err != nil {
		t.Fatalf("Send: %v", err)
	}
	echoed, err := stream.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if echoed.Type != remote.FrameAddTarget || echoed.AddTarget == nil || echoed.AddTarget.TargetID != 2 {
		t.Errorf("echoed frame = %+v", echoed)
	}
}

func TestServerErrorArrivesAsCloseFrame(t *testing.T) {
	client, _ := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.OpenWatch(ctx, remote.StreamAuth{})
	if err != nil {
		t.Fatalf("OpenWatch: %v", err)
	}
	defer stream.Close()

	if err := stream.Send(remote.Frame{Type: remote.FrameRemoveTarget, RemoveTarget: &remote.RemoveTargetFrame{TargetID: 2}}); err != nil {
		t.Fatal(err)
	}
	frame, err := stream.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if frame.Type != remote.FrameClose || frame.Close == nil {
		t.Fatalf("got %+v, want a close frame", frame)
	}
	if frame.Close.Code != status.PermissionDenied || frame.Close.Message != "target revoked" {
		t.Errorf("close frame = %+v", frame.Close)
	}

	if _, err := stream.Recv(); status.CodeOf(err) != status.Unavailable {
		t.Errorf("Recv after close = %v, want Unavailable", err)
	}
}

func TestHealthz(t *testing.T) {
	backend := &echoBackend{auths: make(chan remote.StreamAuth, 1)}
	server := httptest.NewServer(NewHandler(backend, DefaultServerConfig(), nil))
	defer server.Close()

	response, err := http.Get(server.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", response.StatusCode)
	}
}

func TestDialFailureIsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	server.Close()

	client := NewClient(DefaultClientConfig(url), nil)
	_, err := client.OpenWrite(context.Background(), remote.StreamAuth{})
	if status.CodeOf(err) != status.Unavailable {
		t.Errorf("dialing a closed server = %v, want Unavailable", err)
	}
}

func TestCodeForHTTPStatus(t *testing.T) {
	for httpStatus, want := range map[int]status.Code{
		http.StatusUnauthorized:        status.Unauthenticated,
		http.StatusForbidden:           status.PermissionDenied,
		http.StatusNotFound:            status.NotFound,
		http.StatusTooManyRequests:     status.ResourceExhausted,
		http.StatusBadRequest:          status.InvalidArgument,
		http.StatusInternalServerError: status.Unavailable,
	} {
		if got := codeForHTTPStatus(httpStatus); got != want {
			t.Errorf("codeForHTTPStatus(%d) = %v, want %v", httpStatus, got, want)
		}
	}
}
