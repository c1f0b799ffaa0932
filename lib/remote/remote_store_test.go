// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/docsync/lib/asyncqueue"
	"github.com/bureau-foundation/docsync/lib/credentials"
	"github.com/bureau-foundation/docsync/lib/model"
	"github.com/bureau-foundation/docsync/lib/mutation"
	"github.com/bureau-foundation/docsync/lib/persistence"
	"github.com/bureau-foundation/docsync/lib/query"
	"github.com/bureau-foundation/docsync/lib/status"
	"github.com/bureau-foundation/docsync/lib/testutil"
)

const waitTimeout = 5 * time.Second

// fakeStream is an in-memory Stream. Frames the client sends appear
// on sent; the test feeds inbound frames and errors.
type fakeStream struct {
	auth      StreamAuth
	sent      chan Frame
	inbound   chan Frame
	errs      chan error
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeStream(auth StreamAuth) *fakeStream {
	return &fakeStream{
		auth:    auth,
		sent:    make(chan Frame, 64),
		inbound: make(chan Frame, 64),
		errs:    make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (s *fakeStream) Send(frame Frame) error {
	select {
	case <-s.closed:
		return status.New(status.Unavailable, "stream closed")
	default:
	}
	s.sent <- frame
	return nil
}

func (s *fakeStream) Recv() (Frame, error) {
	select {
	case frame := <-s.inbound:
		return frame, nil
	case err := <-s.errs:
		return Frame{}, err
	case <-s.closed:
		return Frame{}, status.New(status.Cancelled, "stream closed")
	}
}

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) Sent() <-chan Frame { return s.sent }

func (s *fakeStream) Closed() <-chan struct{} { return s.closed }

// fakeConnection hands out a new fakeStream for every open.
type fakeConnection struct {
	watch chan *fakeStream
	write chan *fakeStream
}

func newFakeConnection() *fakeConnection {
	return &fakeConnection{
		watch: make(chan *fakeStream, 16),
		write: make(chan *fakeStream, 16),
	}
}

func (c *fakeConnection) OpenWatch(_ context.Context, auth StreamAuth) (Stream, error) {
	stream := newFakeStream(auth)
	c.watch <- stream
	return stream, nil
}

func (c *fakeConnection) OpenWrite(_ context.Context, auth StreamAuth) (Stream, error) {
	stream := newFakeStream(auth)
	c.write <- stream
	return stream, nil
}

func (c *fakeConnection) WatchStreams() <-chan *fakeStream { return c.watch }

func (c *fakeConnection) WriteStreams() <-chan *fakeStream { return c.write }

// fakeLocalStore serves queued batches. Accessed only on the queue.
type fakeLocalStore struct {
	batches     []*mutation.Batch
	lastRemote  model.SnapshotVersion
	streamToken []byte
}

func (l *fakeLocalStore) NextMutationBatch(_ context.Context, afterBatchID int) (*mutation.Batch, error) {
	for _, batch := range l.batches {
		if batch.BatchID > afterBatchID {
			return batch, nil
		}
	}
	return nil, nil
}

func (l *fakeLocalStore) LastRemoteSnapshotVersion(context.Context) (model.SnapshotVersion, error) {
	return l.lastRemote, nil
}

func (l *fakeLocalStore) SetLastStreamToken(_ context.Context, token []byte) error {
	l.streamToken = token
	return nil
}

func (l *fakeLocalStore) remove(batchID int) {
	for i, batch := range l.batches {
		if batch.BatchID == batchID {
			l.batches = append(l.batches[:i], l.batches[i+1:]...)
			return
		}
	}
}

// fakeSyncer records what the remote store reports.
type fakeSyncer struct {
	local        *fakeLocalStore
	remoteKeys   map[int]model.DocumentKeySet
	events       chan RemoteEvent
	rejected     chan int
	acks         chan *mutation.BatchResult
	failed       chan int
	onlineStates chan OnlineState
}

func newFakeSyncer(local *fakeLocalStore) *fakeSyncer {
	return &fakeSyncer{
		local:        local,
		remoteKeys:   make(map[int]model.DocumentKeySet),
		events:       make(chan RemoteEvent, 16),
		rejected:     make(chan int, 16),
		acks:         make(chan *mutation.BatchResult, 16),
		failed:       make(chan int, 16),
		onlineStates: make(chan OnlineState, 64),
	}
}

func (s *fakeSyncer) ApplyRemoteEvent(_ context.Context, event RemoteEvent) error {
	if s.local.lastRemote.Before(event.SnapshotVersion) {
		s.local.lastRemote = event.SnapshotVersion
	}
	s.events <- event
	return nil
}

func (s *fakeSyncer) RejectListen(_ context.Context, targetID int, _ error) error {
	s.rejected <- targetID
	return nil
}

func (s *fakeSyncer) ApplySuccessfulWrite(_ context.Context, result *mutation.BatchResult) error {
	s.local.remove(result.Batch.BatchID)
	s.acks <- result
	return nil
}

func (s *fakeSyncer) RejectFailedWrite(_ context.Context, batchID int, _ error) error {
	s.local.remove(batchID)
	s.failed <- batchID
	return nil
}

func (s *fakeSyncer) RemoteKeysForTarget(targetID int) model.DocumentKeySet {
	if keys, ok := s.remoteKeys[targetID]; ok {
		return keys
	}
	return model.NewDocumentKeySet()
}

func (s *fakeSyncer) HandleCredentialChange(context.Context, credentials.User) error { return nil }

func (s *fakeSyncer) ApplyOnlineStateChange(state OnlineState) {
	select {
	case s.onlineStates <- state:
	default:
	}
}

type remoteHarness struct {
	queue      *asyncqueue.Queue
	connection *fakeConnection
	local      *fakeLocalStore
	syncer     *fakeSyncer
	provider   *credentials.Static
	store      *RemoteStore
}

func newRemoteHarness(t *testing.T) *remoteHarness {
	t.Helper()
	queue, _ := newTestQueue(t)
	h := &remoteHarness{
		queue:      queue,
		connection: newFakeConnection(),
		local:      &fakeLocalStore{},
		provider:   credentials.NewStatic(credentials.User{UID: "alice"}, "token-1"),
	}
	h.syncer = newFakeSyncer(h.local)
	config := DefaultConfig()
	config.Database = DatabaseID{ProjectID: "test"}
	config.Logger = testutil.Logger(t)
	h.store = NewRemoteStore(queue, h.connection, h.local, h.syncer, h.provider, nil, config)
	// Registered after the queue's cleanup, so it runs first.
	t.Cleanup(func() {
		queue.EnqueueAndWait(context.Background(), func() error {
			h.store.Shutdown()
			return nil
		})
	})
	return h
}

func (h *remoteHarness) do(t *testing.T, fn func(ctx context.Context)) {
	t.Helper()
	onQueue(t, h.queue, func() { fn(context.Background()) })
}

func (h *remoteHarness) waitForOnlineState(t *testing.T, want OnlineState) {
	t.Helper()
	deadline := time.After(waitTimeout) //nolint:realclock test hang prevention
	for {
		select {
		case state := <-h.syncer.onlineStates:
			if state == want {
				return
			}
		case <-deadline:
			t.Fatalf("online state never became %s", want)
		}
	}
}

func queryTargetData(targetID int, collection string) persistence.TargetData {
	target := query.NewQuery(model.NewResourcePath(collection)).Target()
	return persistence.NewTargetData(target, targetID, persistence.PurposeListen, 1)
}

func testBatch(batchID int, path string) *mutation.Batch {
	return &mutation.Batch{
		BatchID:        batchID,
		LocalWriteTime: model.Timestamp{Seconds: int64(batchID)},
		Mutations: []mutation.Mutation{
			mutation.NewSet(model.MustKey(path), model.MustObject(map[string]any{"batch": batchID}), mutation.NoPrecondition()),
		},
	}
}

func targetChangeFrame(state TargetChangeState, token string, targetIDs ...int) Frame {
	return Frame{Type: FrameTargetChange, TargetChange: &TargetChangeFrame{
		State:       state,
		TargetIDs:   targetIDs,
		ResumeToken: []byte(token),
	}}
}

func globalSnapshotFrame(seconds int64) Frame {
	return Frame{Type: FrameTargetChange, TargetChange: &TargetChangeFrame{
		State:    TargetNoChange,
		ReadTime: &model.Timestamp{Seconds: seconds},
	}}
}

func documentFrame(path string, seconds int64, targetIDs ...int) Frame {
	return Frame{Type: FrameDocumentChange, DocumentChange: &DocumentChangeFrame{
		Document: WireDocument{
			Name:       testSerializer.DocumentName(model.MustKey(path)),
			UpdateTime: model.Timestamp{Seconds: seconds},
		},
		TargetIDs: targetIDs,
	}}
}

func requireFrame(t *testing.T, stream *fakeStream, want FrameType) Frame {
	t.Helper()
	frame := testutil.RequireReceive(t, stream.Sent(), waitTimeout, "waiting for %s frame", want)
	if frame.Type != want {
		t.Fatalf("sent %s frame, want %s", frame.Type, want)
	}
	return frame
}

func TestListenSendsTargetAndRaisesSnapshot(t *testing.T) {
	h := newRemoteHarness(t)
	h.do(t, func(ctx context.Context) {
		h.store.Start(ctx)
		h.store.Listen(queryTargetData(2, "rooms"))
	})

	stream := testutil.RequireReceive(t, h.connection.WatchStreams(), waitTimeout, "watch stream")
	if stream.auth.Token != "token-1" {
		t.Errorf("stream opened with token %q", stream.auth.Token)
	}
	add := requireFrame(t, stream, FrameAddTarget)
	if add.AddTarget.TargetID != 2 || add.AddTarget.ResumeToken != nil || add.AddTarget.ExpectedCount != nil {
		t.Fatalf("add target = %+v", add.AddTarget)
	}

	stream.inbound <- targetChangeFrame(TargetAdded, "", 2)
	stream.inbound <- documentFrame("rooms/a", 5, 2)
	stream.inbound <- targetChangeFrame(TargetCurrent, "resume-1", 2)
	stream.inbound <- globalSnapshotFrame(10)

	event := testutil.RequireReceive(t, h.syncer.events, waitTimeout, "remote event")
	if event.SnapshotVersion != model.NewVersion(model.Timestamp{Seconds: 10}) {
		t.Fatalf("snapshot version = %v", event.SnapshotVersion)
	}
	change := event.TargetChanges[2]
	if !change.Current || !bytes.Equal(change.ResumeToken, []byte("resume-1")) {
		t.Fatalf("target change = %+v", change)
	}
	if !change.AddedDocuments.Has(model.MustKey("rooms/a")) {
		t.Fatal("rooms/a not added")
	}
	h.waitForOnlineState(t, Online)

	// The stored target now resumes from the new token.
	var resume []byte
	h.do(t, func(context.Context) {
		targetData, _ := h.store.TargetDataForTarget(2)
		resume = targetData.ResumeToken
	})
	if !bytes.Equal(resume, []byte("resume-1")) {
		t.Fatalf("stored resume token = %q", resume)
	}
}

func TestListenIsDeduplicated(t *testing.T) {
	h := newRemoteHarness(t)
	h.do(t, func(ctx context.Context) {
		h.store.Start(ctx)
		h.store.Listen(queryTargetData(2, "rooms"))
	})
	stream := testutil.RequireReceive(t, h.connection.WatchStreams(), waitTimeout, "watch stream")
	requireFrame(t, stream, FrameAddTarget)

	h.do(t, func(context.Context) { h.store.Listen(queryTargetData(2, "rooms")) })
	testutil.RequireNoReceive(t, stream.Sent(), 50*time.Millisecond, "second listen of the same target")
}

func TestTargetRemovedWithCauseRejectsListen(t *testing.T) {
	h := newRemoteHarness(t)
	h.do(t, func(ctx context.Context) {
		h.store.Start(ctx)
		h.store.Listen(queryTargetData(2, "secrets"))
	})
	stream := testutil.RequireReceive(t, h.connection.WatchStreams(), waitTimeout, "watch stream")
	requireFrame(t, stream, FrameAddTarget)

	stream.inbound <- Frame{Type: FrameTargetChange, TargetChange: &TargetChangeFrame{
		State:     TargetRemoved,
		TargetIDs: []int{2},
		Cause:     &StatusFrame{Code: status.PermissionDenied, Message: "denied"},
	}}
	if id := testutil.RequireReceive(t, h.syncer.rejected, waitTimeout, "rejected listen"); id != 2 {
		t.Fatalf("rejected target %d, want 2", id)
	}
	var listening bool
	h.do(t, func(context.Context) { _, listening = h.store.TargetDataForTarget(2) })
	if listening {
		t.Fatal("rejected target still listened to")
	}
}

func TestExistenceFilterMismatchRelistensWithoutToken(t *testing.T) {
	h := newRemoteHarness(t)
	h.syncer.remoteKeys[2] = model.NewDocumentKeySet(
		model.MustKey("rooms/a"), model.MustKey("rooms/b"),
		model.MustKey("rooms/c"), model.MustKey("rooms/d"))
	targetData := queryTargetData(2, "rooms").WithResumeToken([]byte("cached"), model.NewVersion(model.Timestamp{Seconds: 3}))

	h.do(t, func(ctx context.Context) {
		h.store.Start(ctx)
		h.store.Listen(targetData)
	})
	stream := testutil.RequireReceive(t, h.connection.WatchStreams(), waitTimeout, "watch stream")
	add := requireFrame(t, stream, FrameAddTarget)
	if !bytes.Equal(add.AddTarget.ResumeToken, []byte("cached")) {
		t.Fatalf("resume token = %q", add.AddTarget.ResumeToken)
	}
	if add.AddTarget.ExpectedCount == nil || *add.AddTarget.ExpectedCount != 4 {
		t.Fatalf("expected count = %v, want 4", add.AddTarget.ExpectedCount)
	}

	stream.inbound <- targetChangeFrame(TargetAdded, "", 2)
	stream.inbound <- Frame{Type: FrameExistenceFilter, Filter: &ExistenceFilterFrame{TargetID: 2, Count: 3}}
	stream.inbound <- globalSnapshotFrame(20)

	event := testutil.RequireReceive(t, h.syncer.events, waitTimeout, "remote event")
	if purpose := event.TargetMismatches[2]; purpose != persistence.PurposeExistenceFilterMismatch {
		t.Fatalf("mismatch purpose = %v", purpose)
	}

	remove := requireFrame(t, stream, FrameRemoveTarget)
	if remove.RemoveTarget.TargetID != 2 {
		t.Fatalf("removed target %d", remove.RemoveTarget.TargetID)
	}
	relisten := requireFrame(t, stream, FrameAddTarget)
	if relisten.AddTarget.ResumeToken != nil || relisten.AddTarget.ReadTime != nil {
		t.Fatalf("re-listen resumed: %+v", relisten.AddTarget)
	}

	var stored persistence.TargetData
	h.do(t, func(context.Context) { stored, _ = h.store.TargetDataForTarget(2) })
	if len(stored.ResumeToken) != 0 {
		t.Fatalf("stored resume token = %q, want cleared", stored.ResumeToken)
	}
}

func TestWriteHandshakeThenAcknowledge(t *testing.T) {
	h := newRemoteHarness(t)
	h.local.batches = []*mutation.Batch{testBatch(1, "rooms/a")}
	h.do(t, func(ctx context.Context) { h.store.Start(ctx) })

	stream := testutil.RequireReceive(t, h.connection.WriteStreams(), waitTimeout, "write stream")
	handshake := requireFrame(t, stream, FrameHandshake)
	if handshake.Handshake.Database != "projects/test/databases/(default)" {
		t.Fatalf("handshake database = %q", handshake.Handshake.Database)
	}

	stream.inbound <- Frame{Type: FrameWriteResponse, WriteResponse: &WriteResponseFrame{StreamToken: []byte("s0")}}
	write := requireFrame(t, stream, FrameWrite)
	if !bytes.Equal(write.Write.StreamToken, []byte("s0")) || len(write.Write.Writes) != 1 {
		t.Fatalf("write = %+v", write.Write)
	}

	stream.inbound <- Frame{Type: FrameWriteResponse, WriteResponse: &WriteResponseFrame{
		StreamToken:  []byte("s1"),
		CommitTime:   &model.Timestamp{Seconds: 30},
		WriteResults: []WriteResultFrame{{}},
	}}
	ack := testutil.RequireReceive(t, h.syncer.acks, waitTimeout, "acknowledgment")
	if ack.Batch.BatchID != 1 || !bytes.Equal(ack.StreamToken, []byte("s1")) {
		t.Fatalf("ack = batch %d token %q", ack.Batch.BatchID, ack.StreamToken)
	}
	if ack.MutationResults[0].Version != model.NewVersion(model.Timestamp{Seconds: 30}) {
		t.Fatalf("result version = %v, want the commit version", ack.MutationResults[0].Version)
	}

	var pending int
	var token []byte
	h.do(t, func(context.Context) {
		pending = h.store.PendingWrites()
		token = h.local.streamToken
	})
	if pending != 0 {
		t.Fatalf("pending writes = %d", pending)
	}
	if !bytes.Equal(token, []byte("s0")) {
		t.Fatalf("persisted stream token = %q, want the handshake token", token)
	}
}

func TestWritePipelineIsBounded(t *testing.T) {
	h := newRemoteHarness(t)
	for id := 1; id <= 12; id++ {
		h.local.batches = append(h.local.batches, testBatch(id, "rooms/a"))
	}
	h.do(t, func(ctx context.Context) { h.store.Start(ctx) })

	stream := testutil.RequireReceive(t, h.connection.WriteStreams(), waitTimeout, "write stream")
	requireFrame(t, stream, FrameHandshake)
	stream.inbound <- Frame{Type: FrameWriteResponse, WriteResponse: &WriteResponseFrame{StreamToken: []byte("s0")}}
	for range DefaultMaxPendingWrites {
		requireFrame(t, stream, FrameWrite)
	}
	testutil.RequireNoReceive(t, stream.Sent(), 50*time.Millisecond, "write beyond the pipeline limit")

	// One acknowledgment frees one slot.
	stream.inbound <- Frame{Type: FrameWriteResponse, WriteResponse: &WriteResponseFrame{
		StreamToken:  []byte("s1"),
		CommitTime:   &model.Timestamp{Seconds: 1},
		WriteResults: []WriteResultFrame{{}},
	}}
	testutil.RequireReceive(t, h.syncer.acks, waitTimeout, "acknowledgment")
	requireFrame(t, stream, FrameWrite)

	var pending int
	h.do(t, func(context.Context) { pending = h.store.PendingWrites() })
	if pending != DefaultMaxPendingWrites {
		t.Fatalf("pending writes = %d, want %d", pending, DefaultMaxPendingWrites)
	}
}

func TestPermanentWriteErrorRejectsBatch(t *testing.T) {
	h := newRemoteHarness(t)
	h.local.batches = []*mutation.Batch{testBatch(1, "rooms/a"), testBatch(2, "rooms/b")}
	h.do(t, func(ctx context.Context) { h.store.Start(ctx) })

	stream := testutil.RequireReceive(t, h.connection.WriteStreams(), waitTimeout, "write stream")
	requireFrame(t, stream, FrameHandshake)
	stream.inbound <- Frame{Type: FrameWriteResponse, WriteResponse: &WriteResponseFrame{StreamToken: []byte("s0")}}
	requireFrame(t, stream, FrameWrite)
	requireFrame(t, stream, FrameWrite)

	stream.inbound <- Frame{Type: FrameClose, Close: &StatusFrame{Code: status.FailedPrecondition, Message: "no"}}
	if id := testutil.RequireReceive(t, h.syncer.failed, waitTimeout, "rejected write"); id != 1 {
		t.Fatalf("rejected batch %d, want 1", id)
	}

	// The stream restarts at once and resends the surviving batch.
	next := testutil.RequireReceive(t, h.connection.WriteStreams(), waitTimeout, "restarted write stream")
	requireFrame(t, next, FrameHandshake)
	next.inbound <- Frame{Type: FrameWriteResponse, WriteResponse: &WriteResponseFrame{StreamToken: []byte("s2")}}
	write := requireFrame(t, next, FrameWrite)
	if len(write.Write.Writes) != 1 || write.Write.Writes[0].Key != "rooms/b" {
		t.Fatalf("resent writes = %+v", write.Write.Writes)
	}
}

func TestResourceExhaustedUsesMaximumBackoff(t *testing.T) {
	h := newRemoteHarness(t)
	h.do(t, func(ctx context.Context) {
		h.store.Start(ctx)
		h.store.Listen(queryTargetData(2, "rooms"))
	})
	stream := testutil.RequireReceive(t, h.connection.WatchStreams(), waitTimeout, "watch stream")
	requireFrame(t, stream, FrameAddTarget)

	stream.errs <- status.New(status.ResourceExhausted, "quota exceeded")
	h.waitForOnlineState(t, Offline)

	var current time.Duration
	var scheduled bool
	var state StreamState
	h.do(t, func(context.Context) {
		current = h.store.watchStream.backoff.Current()
		scheduled = h.queue.ContainsDelayedOperation(asyncqueue.TimerListenStreamConnectionBackoff)
		state = h.store.watchStream.State()
	})
	if current != asyncqueue.DefaultBackoff().Max {
		t.Fatalf("backoff = %v, want the maximum", current)
	}
	if !scheduled || state != StateBackoff {
		t.Fatalf("reconnect scheduled=%v state=%s, want a pending backoff", scheduled, state)
	}
}

func TestUnauthenticatedCloseInvalidatesToken(t *testing.T) {
	h := newRemoteHarness(t)
	h.do(t, func(ctx context.Context) {
		h.store.Start(ctx)
		h.store.Listen(queryTargetData(2, "rooms"))
	})
	stream := testutil.RequireReceive(t, h.connection.WatchStreams(), waitTimeout, "watch stream")
	requireFrame(t, stream, FrameAddTarget)

	stream.inbound <- Frame{Type: FrameClose, Close: &StatusFrame{Code: status.Unauthenticated, Message: "expired"}}
	testutil.RequireClosed(t, stream.Closed(), waitTimeout, "stream closed")

	// The first reconnect after a delivered message is immediate.
	next := testutil.RequireReceive(t, h.connection.WatchStreams(), waitTimeout, "reconnected watch stream")
	requireFrame(t, next, FrameAddTarget)
	if got := h.provider.Invalidations(); got != 1 {
		t.Fatalf("token invalidations = %d, want 1", got)
	}
}

func TestIdleWatchStreamCloses(t *testing.T) {
	h := newRemoteHarness(t)
	h.do(t, func(ctx context.Context) {
		h.store.Start(ctx)
		h.store.Listen(queryTargetData(2, "rooms"))
	})
	stream := testutil.RequireReceive(t, h.connection.WatchStreams(), waitTimeout, "watch stream")
	requireFrame(t, stream, FrameAddTarget)

	h.do(t, func(context.Context) { h.store.Unlisten(2) })
	requireFrame(t, stream, FrameRemoveTarget)
	if !h.queue.ContainsDelayedOperation(asyncqueue.TimerListenStreamIdle) {
		t.Fatal("idle close not scheduled")
	}

	if err := h.queue.RunAllDelayedOperationsUntil(context.Background(), asyncqueue.TimerListenStreamIdle); err != nil {
		t.Fatalf("RunAllDelayedOperationsUntil: %v", err)
	}
	testutil.RequireClosed(t, stream.Closed(), waitTimeout, "idle stream closed")

	var state StreamState
	h.do(t, func(context.Context) { state = h.store.watchStream.State() })
	if state != StateInitial {
		t.Fatalf("state after idle close = %s, want initial", state)
	}
}

func TestDisableNetworkGoesOfflineAndStopsStreams(t *testing.T) {
	h := newRemoteHarness(t)
	h.do(t, func(ctx context.Context) {
		h.store.Start(ctx)
		h.store.Listen(queryTargetData(2, "rooms"))
	})
	stream := testutil.RequireReceive(t, h.connection.WatchStreams(), waitTimeout, "watch stream")
	requireFrame(t, stream, FrameAddTarget)

	h.do(t, func(context.Context) { h.store.DisableNetwork() })
	testutil.RequireClosed(t, stream.Closed(), waitTimeout, "stream closed by disable")
	h.waitForOnlineState(t, Offline)

	h.do(t, func(ctx context.Context) { h.store.EnableNetwork(ctx) })
	next := testutil.RequireReceive(t, h.connection.WatchStreams(), waitTimeout, "watch stream after enable")
	requireFrame(t, next, FrameAddTarget)
}
