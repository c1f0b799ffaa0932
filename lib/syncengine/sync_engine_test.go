// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/docsync/lib/asyncqueue"
	"github.com/bureau-foundation/docsync/lib/clock"
	"github.com/bureau-foundation/docsync/lib/credentials"
	"github.com/bureau-foundation/docsync/lib/localstore"
	"github.com/bureau-foundation/docsync/lib/model"
	"github.com/bureau-foundation/docsync/lib/mutation"
	"github.com/bureau-foundation/docsync/lib/persistence"
	"github.com/bureau-foundation/docsync/lib/query"
	"github.com/bureau-foundation/docsync/lib/remote"
	"github.com/bureau-foundation/docsync/lib/status"
	"github.com/bureau-foundation/docsync/lib/testutil"
)

const waitTimeout = 5 * time.Second

var (
	alice   = credentials.User{UID: "alice"}
	bob     = credentials.User{UID: "bob"}
	epoch   = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	errTest = errors.New("test failure")

	testSerializer = remote.NewSerializer(remote.DatabaseID{ProjectID: "test"})
)

// fakeStream is an in-memory remote.Stream. Frames the client sends
// appear on sent; the test feeds inbound frames.
type fakeStream struct {
	sent      chan remote.Frame
	inbound   chan remote.Frame
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		sent:    make(chan remote.Frame, 64),
		inbound: make(chan remote.Frame, 64),
		closed:  make(chan struct{}),
	}
}

func (s *fakeStream) Send(frame remote.Frame) error {
	select {
	case <-s.closed:
		return status.New(status.Unavailable, "stream closed")
	default:
	}
	s.sent <- frame
	return nil
}

func (s *fakeStream) Recv() (remote.Frame, error) {
	select {
	case frame := <-s.inbound:
		return frame, nil
	case <-s.closed:
		return remote.Frame{}, status.New(status.Cancelled, "stream closed")
	}
}

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) Sent() <-chan remote.Frame { return s.sent }

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

func (c *fakeConnection) OpenWatch(context.Context, remote.StreamAuth) (remote.Stream, error) {
	stream := newFakeStream()
	c.watch <- stream
	return stream, nil
}

func (c *fakeConnection) OpenWrite(context.Context, remote.StreamAuth) (remote.Stream, error) {
	stream := newFakeStream()
	c.write <- stream
	return stream, nil
}

func (c *fakeConnection) WatchStreams() <-chan *fakeStream { return c.watch }

func (c *fakeConnection) WriteStreams() <-chan *fakeStream { return c.write }

// channelListener records what a QueryListener raises from the queue
// goroutine.
type channelListener struct {
	snapshots chan *ViewSnapshot
	errs      chan error
}

func (l *channelListener) Snapshots() <-chan *ViewSnapshot { return l.snapshots }

func (l *channelListener) Errors() <-chan error { return l.errs }

// waitFor returns the first snapshot satisfying match, skipping
// earlier ones.
func (l *channelListener) waitFor(t *testing.T, what string, match func(*ViewSnapshot) bool) *ViewSnapshot {
	t.Helper()
	for {
		snap := testutil.RequireReceive(t, l.Snapshots(), waitTimeout, "waiting for snapshot: %s", what)
		if match(snap) {
			return snap
		}
	}
}

type harness struct {
	queue       *asyncqueue.Queue
	connection  *fakeConnection
	persistence *persistence.Memory
	local       *localstore.LocalStore
	remote      *remote.RemoteStore
	engine      *SyncEngine
	events      *EventManager
}

func newHarness(t *testing.T, config Config) *harness {
	t.Helper()
	logger := testutil.Logger(t)
	fake := clock.Fake(epoch)
	queue := asyncqueue.New(fake, logger)
	t.Cleanup(func() {
		queue.Shutdown(context.Background(), nil)
	})

	h := &harness{queue: queue, connection: newFakeConnection()}
	config.Logger = logger
	h.run(t, func(ctx context.Context) error {
		h.persistence = persistence.NewMemory(persistence.MemoryConfig{Logger: logger})
		if err := h.persistence.Start(); err != nil {
			return err
		}
		h.local = localstore.New(h.persistence, localstore.NewQueryEngine(localstore.DefaultIndexAutoCreation(), logger),
			alice, localstore.Config{Clock: fake, Logger: logger})
		if err := h.local.Start(ctx); err != nil {
			return err
		}
		h.engine = New(h.local, config)
		h.events = NewEventManager(h.engine, logger)

		remoteConfig := remote.DefaultConfig()
		remoteConfig.Database = remote.DatabaseID{ProjectID: "test"}
		remoteConfig.Logger = logger
		h.remote = remote.NewRemoteStore(queue, h.connection, h.local, h.engine,
			credentials.NewStatic(alice, "token"), nil, remoteConfig)
		h.engine.SetRemoteStore(h.remote)
		h.remote.Start(ctx)
		return nil
	})
	// Registered after the queue's cleanup, so it runs first.
	t.Cleanup(func() {
		queue.EnqueueAndWait(context.Background(), func() error {
			h.remote.Shutdown()
			return nil
		})
	})
	return h
}

// run executes fn on the queue and fails the test on error.
func (h *harness) run(t *testing.T, fn func(ctx context.Context) error) {
	t.Helper()
	err := h.queue.EnqueueAndWait(context.Background(), func() error {
		return fn(context.Background())
	})
	if err != nil {
		t.Fatalf("queue operation: %v", err)
	}
}

func (h *harness) listen(t *testing.T, q *query.Query, options ListenOptions) (*QueryListener, *channelListener) {
	t.Helper()
	recorder := &channelListener{
		snapshots: make(chan *ViewSnapshot, 64),
		errs:      make(chan error, 4),
	}
	listener := NewQueryListener(q, options,
		func(snap *ViewSnapshot) { recorder.snapshots <- snap },
		func(err error) { recorder.errs <- err })
	h.run(t, func(ctx context.Context) error { return h.events.Listen(ctx, listener) })
	return listener, recorder
}

func (h *harness) seed(t *testing.T, docs ...*model.MutableDocument) {
	t.Helper()
	h.run(t, func(ctx context.Context) error {
		return h.persistence.Run(ctx, "seed", persistence.ReadWrite, func(txn *persistence.Transaction) error {
			for _, d := range docs {
				if err := h.persistence.RemoteDocumentCache().Add(txn, d, d.Version()); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

func (h *harness) watchStream(t *testing.T) *fakeStream {
	t.Helper()
	return testutil.RequireReceive(t, h.connection.WatchStreams(), waitTimeout, "watch stream")
}

func requireFrame(t *testing.T, stream *fakeStream, want remote.FrameType) remote.Frame {
	t.Helper()
	frame := testutil.RequireReceive(t, stream.Sent(), waitTimeout, "waiting for %s frame", want)
	if frame.Type != want {
		t.Fatalf("sent %s frame, want %s", frame.Type, want)
	}
	return frame
}

func targetChangeFrame(state remote.TargetChangeState, token string, targetIDs ...int) remote.Frame {
	return remote.Frame{Type: remote.FrameTargetChange, TargetChange: &remote.TargetChangeFrame{
		State:       state,
		TargetIDs:   targetIDs,
		ResumeToken: []byte(token),
	}}
}

func globalSnapshotFrame(seconds int64) remote.Frame {
	return remote.Frame{Type: remote.FrameTargetChange, TargetChange: &remote.TargetChangeFrame{
		State:    remote.TargetNoChange,
		ReadTime: &model.Timestamp{Seconds: seconds},
	}}
}

func documentFrame(path string, seconds int64, fields map[string]int64, targetIDs ...int) remote.Frame {
	wire := remote.WireDocument{
		Name:       testSerializer.DocumentName(model.MustKey(path)),
		UpdateTime: model.Timestamp{Seconds: seconds},
	}
	if len(fields) > 0 {
		wire.Fields = make(map[string]model.ValueRecord, len(fields))
		for name, value := range fields {
			wire.Fields[name] = model.ValueRecord{Integer: &value}
		}
	}
	return remote.Frame{Type: remote.FrameDocumentChange, DocumentChange: &remote.DocumentChangeFrame{
		Document:  wire,
		TargetIDs: targetIDs,
	}}
}

// serveQuery answers the first listen of target 2 with docs.
func serveQuery(stream *fakeStream, readSeconds int64, paths ...string) {
	stream.inbound <- targetChangeFrame(remote.TargetAdded, "", 2)
	for _, path := range paths {
		stream.inbound <- documentFrame(path, 5, nil, 2)
	}
	stream.inbound <- targetChangeFrame(remote.TargetCurrent, "resume-1", 2)
	stream.inbound <- globalSnapshotFrame(readSeconds)
}

func secondsVersion(seconds int64) model.SnapshotVersion {
	return model.NewVersion(model.Timestamp{Seconds: seconds})
}

func TestListenRaisesCacheThenBackendSnapshot(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.seed(t, doc("rooms/a", 1_000_000, nil))

	_, recorder := h.listen(t, query.NewQuery(rooms), ListenOptions{IncludeMetadataChanges: true})
	first := testutil.RequireReceive(t, recorder.Snapshots(), waitTimeout, "cached snapshot")
	if !first.FromCache || !equalStrings(docKeys(first.Docs), []string{"rooms/a"}) {
		t.Fatalf("first snapshot fromCache=%v docs=%v", first.FromCache, docKeys(first.Docs))
	}

	stream := h.watchStream(t)
	add := requireFrame(t, stream, remote.FrameAddTarget)
	if add.AddTarget.TargetID != 2 || add.AddTarget.ResumeToken != nil {
		t.Fatalf("add target = %+v", add.AddTarget)
	}
	serveQuery(stream, 10, "rooms/a")

	synced := recorder.waitFor(t, "synced", func(s *ViewSnapshot) bool { return !s.FromCache })
	if !synced.SyncStateChanged || len(synced.Changes) != 0 {
		t.Fatalf("synced snapshot changes=%v syncStateChanged=%v", changeStrings(synced.Changes), synced.SyncStateChanged)
	}

	var targetData persistence.TargetData
	h.run(t, func(context.Context) error {
		targetData, _ = h.local.TargetDataForID(2)
		return nil
	})
	if string(targetData.ResumeToken) != "resume-1" || targetData.SnapshotVersion != secondsVersion(10) {
		t.Fatalf("target data token=%q version=%v", targetData.ResumeToken, targetData.SnapshotVersion)
	}
}

func TestEquivalentQueriesShareOneWatchTarget(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	newestFirst := query.NewQuery(rooms).OrderBy(model.KeyField(), query.Descending).WithLimitToFirst(2)
	newestLast := query.NewQuery(rooms).OrderBy(model.KeyField(), query.Ascending).WithLimitToLast(2)
	if newestFirst.CanonicalID() == newestLast.CanonicalID() {
		t.Fatal("test queries are textually identical")
	}
	if newestFirst.Target().CanonicalID() != newestLast.Target().CanonicalID() {
		t.Fatal("test queries do not share a target")
	}

	firstListener, first := h.listen(t, newestFirst, ListenOptions{})
	lastListener, last := h.listen(t, newestLast, ListenOptions{})

	stream := h.watchStream(t)
	add := requireFrame(t, stream, remote.FrameAddTarget)
	if add.AddTarget.TargetID != 2 {
		t.Fatalf("added target %d", add.AddTarget.TargetID)
	}
	testutil.RequireNoReceive(t, stream.Sent(), 50*time.Millisecond, "second AddTarget for an equivalent query")

	serveQuery(stream, 10, "rooms/c", "rooms/b")

	firstSnap := first.waitFor(t, "limit-to-first results", func(s *ViewSnapshot) bool { return !s.FromCache })
	if got := docKeys(firstSnap.Docs); !equalStrings(got, []string{"rooms/c", "rooms/b"}) {
		t.Fatalf("limit-to-first docs = %v", got)
	}
	lastSnap := last.waitFor(t, "limit-to-last results", func(s *ViewSnapshot) bool { return !s.FromCache })
	if got := docKeys(lastSnap.Docs); !equalStrings(got, []string{"rooms/b", "rooms/c"}) {
		t.Fatalf("limit-to-last docs = %v", got)
	}

	h.run(t, func(ctx context.Context) error { return h.events.Unlisten(ctx, firstListener) })
	testutil.RequireNoReceive(t, stream.Sent(), 50*time.Millisecond, "target removed while still listened")

	h.run(t, func(ctx context.Context) error { return h.events.Unlisten(ctx, lastListener) })
	remove := requireFrame(t, stream, remote.FrameRemoveTarget)
	if remove.RemoveTarget.TargetID != 2 {
		t.Fatalf("removed target %d", remove.RemoveTarget.TargetID)
	}
	var active bool
	h.run(t, func(context.Context) error {
		_, active = h.local.TargetDataForID(2)
		return nil
	})
	if active {
		t.Fatal("target still allocated after the last unlisten")
	}
}

func TestOfflineWriteThenAcknowledge(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.run(t, func(context.Context) error {
		h.remote.DisableNetwork()
		return nil
	})

	_, recorder := h.listen(t, query.NewQuery(rooms), ListenOptions{IncludeMetadataChanges: true})
	empty := testutil.RequireReceive(t, recorder.Snapshots(), waitTimeout, "offline snapshot")
	if !empty.Docs.IsEmpty() || !empty.FromCache {
		t.Fatalf("offline snapshot docs=%v fromCache=%v", docKeys(empty.Docs), empty.FromCache)
	}

	key := model.MustKey("rooms/a")
	acks := make(chan error, 1)
	waited := make(chan error, 1)
	h.run(t, func(ctx context.Context) error {
		set := mutation.NewSet(key, model.MustObject(map[string]any{"x": 1}), mutation.NoPrecondition())
		if _, err := h.engine.Write(ctx, []mutation.Mutation{set}, func(err error) { acks <- err }); err != nil {
			return err
		}
		return h.engine.WaitForPendingWrites(ctx, func(err error) { waited <- err })
	})

	local := recorder.waitFor(t, "local write", func(s *ViewSnapshot) bool { return s.Docs.Has(key) })
	written, _ := local.Docs.Get(key)
	if !written.HasLocalMutations() || !local.HasPendingWrites() {
		t.Fatalf("written document = %v", written)
	}
	if x, ok := written.Field(model.NewFieldPath("x")); !ok || x.AsInteger() != 1 {
		t.Fatalf("x = %v", x)
	}
	testutil.RequireNoReceive(t, (<-chan error)(acks), 50*time.Millisecond, "acknowledged while offline")

	h.run(t, func(ctx context.Context) error {
		h.remote.EnableNetwork(ctx)
		return nil
	})

	writeStream := testutil.RequireReceive(t, h.connection.WriteStreams(), waitTimeout, "write stream")
	requireFrame(t, writeStream, remote.FrameHandshake)
	writeStream.inbound <- remote.Frame{Type: remote.FrameWriteResponse, WriteResponse: &remote.WriteResponseFrame{StreamToken: []byte("s0")}}
	requireFrame(t, writeStream, remote.FrameWrite)
	writeStream.inbound <- remote.Frame{Type: remote.FrameWriteResponse, WriteResponse: &remote.WriteResponseFrame{
		StreamToken:  []byte("s1"),
		CommitTime:   &model.Timestamp{Seconds: 30},
		WriteResults: []remote.WriteResultFrame{{}},
	}}
	if err := testutil.RequireReceive(t, (<-chan error)(acks), waitTimeout, "write acknowledgement"); err != nil {
		t.Fatalf("write callback error: %v", err)
	}
	if err := testutil.RequireReceive(t, (<-chan error)(waited), waitTimeout, "pending writes wait"); err != nil {
		t.Fatalf("pending writes wait error: %v", err)
	}

	var acknowledged *model.MutableDocument
	h.run(t, func(ctx context.Context) error {
		var err error
		acknowledged, err = h.local.ReadDocument(ctx, key)
		return err
	})
	if !acknowledged.HasCommittedMutations() || acknowledged.Version() != secondsVersion(30) {
		t.Fatalf("acknowledged document = %v", acknowledged)
	}

	// The watch stream confirms the committed document.
	watch := h.watchStream(t)
	requireFrame(t, watch, remote.FrameAddTarget)
	watch.inbound <- targetChangeFrame(remote.TargetAdded, "", 2)
	watch.inbound <- documentFrame("rooms/a", 30, map[string]int64{"x": 1}, 2)
	watch.inbound <- targetChangeFrame(remote.TargetCurrent, "resume-1", 2)
	watch.inbound <- globalSnapshotFrame(30)

	confirmed := recorder.waitFor(t, "confirmed write", func(s *ViewSnapshot) bool { return !s.FromCache })
	if confirmed.HasPendingWrites() {
		t.Fatal("confirmed snapshot still has pending writes")
	}

	var synced *model.MutableDocument
	h.run(t, func(ctx context.Context) error {
		var err error
		synced, err = h.local.ReadDocument(ctx, key)
		return err
	})
	if synced.HasCommittedMutations() || synced.HasLocalMutations() || synced.Version() != secondsVersion(30) {
		t.Fatalf("synced document = %v", synced)
	}
}

func TestExistenceFilterMismatchResetsTarget(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	_, recorder := h.listen(t, query.NewQuery(rooms), ListenOptions{IncludeMetadataChanges: true})
	stream := h.watchStream(t)
	requireFrame(t, stream, remote.FrameAddTarget)
	serveQuery(stream, 10, "rooms/a", "rooms/b", "rooms/c", "rooms/d")
	recorder.waitFor(t, "four synced documents", func(s *ViewSnapshot) bool {
		return !s.FromCache && s.Docs.Len() == 4
	})

	stream.inbound <- remote.Frame{Type: remote.FrameExistenceFilter, Filter: &remote.ExistenceFilterFrame{TargetID: 2, Count: 3}}
	stream.inbound <- globalSnapshotFrame(20)

	remove := requireFrame(t, stream, remote.FrameRemoveTarget)
	if remove.RemoveTarget.TargetID != 2 {
		t.Fatalf("removed target %d", remove.RemoveTarget.TargetID)
	}
	relisten := requireFrame(t, stream, remote.FrameAddTarget)
	if relisten.AddTarget.TargetID != 2 || relisten.AddTarget.ResumeToken != nil || relisten.AddTarget.ReadTime != nil {
		t.Fatalf("re-listen = %+v", relisten.AddTarget)
	}

	reset := recorder.waitFor(t, "reset", func(s *ViewSnapshot) bool { return s.FromCache })
	if reset.Docs.Len() != 4 {
		t.Fatalf("reset view holds %d documents, want the 4 cached ones", reset.Docs.Len())
	}

	var targetData persistence.TargetData
	h.run(t, func(context.Context) error {
		targetData, _ = h.local.TargetDataForID(2)
		return nil
	})
	if len(targetData.ResumeToken) != 0 || !targetData.SnapshotVersion.IsMin() {
		t.Fatalf("target data after reset: token=%q version=%v", targetData.ResumeToken, targetData.SnapshotVersion)
	}
}

// startLimboListen listens to rooms with rooms/a and rooms/b cached
// and lets the backend report only rooms/a, putting rooms/b in limbo.
func startLimboListen(t *testing.T, h *harness, cached ...string) (*fakeStream, *channelListener) {
	t.Helper()
	var docs []*model.MutableDocument
	for _, path := range cached {
		docs = append(docs, doc(path, 1_000_000, nil))
	}
	h.seed(t, docs...)
	_, recorder := h.listen(t, query.NewQuery(rooms), ListenOptions{})
	stream := h.watchStream(t)
	requireFrame(t, stream, remote.FrameAddTarget)
	serveQuery(stream, 10, "rooms/a")
	return stream, recorder
}

func TestLimboResolutionTerminates(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	stream, recorder := startLimboListen(t, h, "rooms/a", "rooms/b")

	limboAdd := requireFrame(t, stream, remote.FrameAddTarget)
	if limboAdd.AddTarget.TargetID != 1 {
		t.Fatalf("limbo target id = %d, want 1", limboAdd.AddTarget.TargetID)
	}
	var active map[string]int
	h.run(t, func(context.Context) error {
		active = h.engine.ActiveLimboDocumentResolutions()
		return nil
	})
	if len(active) != 1 || active["rooms/b"] != 1 {
		t.Fatalf("active limbo resolutions = %v", active)
	}

	// The backend answers the single-document target with nothing:
	// the document is gone.
	stream.inbound <- targetChangeFrame(remote.TargetAdded, "", 1)
	stream.inbound <- targetChangeFrame(remote.TargetCurrent, "resume-2", 1)
	stream.inbound <- globalSnapshotFrame(20)

	resolved := recorder.waitFor(t, "limbo resolved", func(s *ViewSnapshot) bool { return !s.FromCache })
	if got := docKeys(resolved.Docs); !equalStrings(got, []string{"rooms/a"}) {
		t.Fatalf("docs = %v", got)
	}
	remove := requireFrame(t, stream, remote.FrameRemoveTarget)
	if remove.RemoveTarget.TargetID != 1 {
		t.Fatalf("removed target %d, want the limbo target", remove.RemoveTarget.TargetID)
	}
	h.run(t, func(context.Context) error {
		active = h.engine.ActiveLimboDocumentResolutions()
		return nil
	})
	if len(active) != 0 {
		t.Fatalf("active limbo resolutions = %v", active)
	}
}

func TestLimboResolutionsAreBounded(t *testing.T) {
	config := DefaultConfig()
	config.MaxConcurrentLimboResolutions = 1
	h := newHarness(t, config)
	stream, _ := startLimboListen(t, h, "rooms/a", "rooms/b", "rooms/c")

	if add := requireFrame(t, stream, remote.FrameAddTarget); add.AddTarget.TargetID != 1 {
		t.Fatalf("limbo target id = %d, want 1", add.AddTarget.TargetID)
	}
	testutil.RequireNoReceive(t, stream.Sent(), 50*time.Millisecond, "limbo target beyond the limit")

	var enqueued []model.DocumentKey
	h.run(t, func(context.Context) error {
		enqueued = h.engine.EnqueuedLimboDocumentResolutions()
		return nil
	})
	if len(enqueued) != 1 || enqueued[0].String() != "rooms/c" {
		t.Fatalf("enqueued = %v", enqueued)
	}

	stream.inbound <- targetChangeFrame(remote.TargetAdded, "", 1)
	stream.inbound <- targetChangeFrame(remote.TargetCurrent, "resume-2", 1)
	stream.inbound <- globalSnapshotFrame(20)

	if remove := requireFrame(t, stream, remote.FrameRemoveTarget); remove.RemoveTarget.TargetID != 1 {
		t.Fatalf("removed target %d", remove.RemoveTarget.TargetID)
	}
	if add := requireFrame(t, stream, remote.FrameAddTarget); add.AddTarget.TargetID != 3 {
		t.Fatalf("next limbo target id = %d, want 3", add.AddTarget.TargetID)
	}
	var active map[string]int
	h.run(t, func(context.Context) error {
		active = h.engine.ActiveLimboDocumentResolutions()
		enqueued = h.engine.EnqueuedLimboDocumentResolutions()
		return nil
	})
	if len(active) != 1 || active["rooms/c"] != 3 || len(enqueued) != 0 {
		t.Fatalf("active = %v, enqueued = %v", active, enqueued)
	}
}

func TestRejectedLimboTargetTreatsDocumentAsDeleted(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	stream, recorder := startLimboListen(t, h, "rooms/a", "rooms/b")
	requireFrame(t, stream, remote.FrameAddTarget)

	stream.inbound <- remote.Frame{Type: remote.FrameTargetChange, TargetChange: &remote.TargetChangeFrame{
		State:     remote.TargetRemoved,
		TargetIDs: []int{1},
		Cause:     &remote.StatusFrame{Code: status.PermissionDenied, Message: "denied"},
	}}

	resolved := recorder.waitFor(t, "rejected limbo document removed", func(s *ViewSnapshot) bool {
		return !s.Docs.Has(model.MustKey("rooms/b"))
	})
	if resolved.FromCache {
		t.Fatal("view still from cache after its limbo document was resolved")
	}
	var active map[string]int
	h.run(t, func(context.Context) error {
		active = h.engine.ActiveLimboDocumentResolutions()
		return nil
	})
	if len(active) != 0 {
		t.Fatalf("active limbo resolutions = %v", active)
	}
}

func TestRejectedListenFailsListeners(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	_, recorder := h.listen(t, query.NewQuery(model.NewResourcePath("secrets")), ListenOptions{})
	stream := h.watchStream(t)
	requireFrame(t, stream, remote.FrameAddTarget)

	stream.inbound <- remote.Frame{Type: remote.FrameTargetChange, TargetChange: &remote.TargetChangeFrame{
		State:     remote.TargetRemoved,
		TargetIDs: []int{2},
		Cause:     &remote.StatusFrame{Code: status.PermissionDenied, Message: "denied"},
	}}
	err := testutil.RequireReceive(t, recorder.Errors(), waitTimeout, "listen error")
	if status.CodeOf(err) != status.PermissionDenied {
		t.Fatalf("listen error = %v, want permission-denied", err)
	}

	var allocated bool
	h.run(t, func(context.Context) error {
		_, allocated = h.local.TargetDataForID(2)
		return nil
	})
	if allocated {
		t.Fatal("rejected target still allocated")
	}
}

func TestUserChangeCancelsPendingWritesWait(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.run(t, func(context.Context) error {
		h.remote.DisableNetwork()
		return nil
	})
	_, recorder := h.listen(t, query.NewQuery(rooms), ListenOptions{})

	key := model.MustKey("rooms/a")
	waited := make(chan error, 1)
	h.run(t, func(ctx context.Context) error {
		set := mutation.NewSet(key, model.MustObject(map[string]any{"x": 1}), mutation.NoPrecondition())
		if _, err := h.engine.Write(ctx, []mutation.Mutation{set}, nil); err != nil {
			return err
		}
		return h.engine.WaitForPendingWrites(ctx, func(err error) { waited <- err })
	})
	recorder.waitFor(t, "alice's write", func(s *ViewSnapshot) bool { return s.Docs.Has(key) })

	h.run(t, func(ctx context.Context) error { return h.remote.HandleCredentialChange(ctx, bob) })
	err := testutil.RequireReceive(t, (<-chan error)(waited), waitTimeout, "pending writes wait")
	if status.CodeOf(err) != status.Cancelled {
		t.Fatalf("pending writes wait error = %v, want cancelled", err)
	}
	recorder.waitFor(t, "bob's view without alice's write", func(s *ViewSnapshot) bool { return !s.Docs.Has(key) })

	var user credentials.User
	h.run(t, func(context.Context) error {
		user = h.engine.CurrentUser()
		return nil
	})
	if user != bob {
		t.Fatalf("current user = %v", user)
	}
}
