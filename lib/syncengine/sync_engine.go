// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/bureau-foundation/docsync/lib/credentials"
	"github.com/bureau-foundation/docsync/lib/localstore"
	"github.com/bureau-foundation/docsync/lib/model"
	"github.com/bureau-foundation/docsync/lib/mutation"
	"github.com/bureau-foundation/docsync/lib/persistence"
	"github.com/bureau-foundation/docsync/lib/query"
	"github.com/bureau-foundation/docsync/lib/remote"
	"github.com/bureau-foundation/docsync/lib/sortedmap"
	"github.com/bureau-foundation/docsync/lib/status"
)

// Config tunes the sync engine.
type Config struct {
	// MaxConcurrentLimboResolutions bounds the number of limbo
	// documents resolved at once. Further documents wait in FIFO
	// order.
	MaxConcurrentLimboResolutions int

	Logger *slog.Logger
}

// DefaultConfig returns the default tuning.
func DefaultConfig() Config {
	return Config{MaxConcurrentLimboResolutions: 100}
}

// WriteCallback learns the outcome of a write: nil once the backend
// acknowledged it, or the error it was rejected with.
type WriteCallback func(error)

type queryView struct {
	query    *query.Query
	targetID int
	view     *View
}

type limboResolution struct {
	key model.DocumentKey

	// receivedDocument is set once the limbo target reported the
	// document, so its key counts as a remote key of the target.
	receivedDocument bool
}

// SyncEngine connects the local store, the remote store, and the
// views listeners see. It binds each listened target to one View,
// resolves limbo documents with single-document targets, and routes
// write acknowledgements back to their callers.
//
// A SyncEngine is not safe for concurrent use. Every method must run
// on the async queue.
type SyncEngine struct {
	localStore  *localstore.LocalStore
	remoteStore *remote.RemoteStore
	listener    engineListener
	logger      *slog.Logger
	config      Config

	currentUser credentials.User
	onlineState remote.OnlineState

	// queryViews is keyed by Query.CanonicalID.
	queryViews      map[string]*queryView
	queriesByTarget map[int][]*query.Query

	limboTargetIDs           *persistence.TargetIDGenerator
	activeLimboTargetsByKey  sortedmap.Map[model.DocumentKey, int]
	activeLimboResolutions   map[int]*limboResolution
	enqueuedLimboResolutions []model.DocumentKey

	// limboDocumentRefs maps limbo keys to the query targets whose
	// views put them in limbo.
	limboDocumentRefs *persistence.ReferenceSet

	// mutationCallbacks is keyed by user, then batch id.
	mutationCallbacks      map[string]map[int]WriteCallback
	pendingWritesCallbacks map[int][]func(error)
}

// New returns a sync engine over localStore. SetRemoteStore must be
// called before the engine is used.
func New(localStore *localstore.LocalStore, config Config) *SyncEngine {
	if config.MaxConcurrentLimboResolutions <= 0 {
		config.MaxConcurrentLimboResolutions = DefaultConfig().MaxConcurrentLimboResolutions
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SyncEngine{
		localStore:              localStore,
		logger:                  logger,
		config:                  config,
		currentUser:             localStore.User(),
		onlineState:             remote.OnlineUnknown,
		queryViews:              make(map[string]*queryView),
		queriesByTarget:         make(map[int][]*query.Query),
		limboTargetIDs:          persistence.ForSyncEngine(),
		activeLimboTargetsByKey: sortedmap.New[model.DocumentKey, int](model.CompareKeys),
		activeLimboResolutions:  make(map[int]*limboResolution),
		limboDocumentRefs:       persistence.NewReferenceSet(),
		mutationCallbacks:       make(map[string]map[int]WriteCallback),
		pendingWritesCallbacks:  make(map[int][]func(error)),
	}
}

// SetRemoteStore completes construction. The remote store is built
// with the engine as its RemoteSyncer, so the two are wired in two
// steps.
func (e *SyncEngine) SetRemoteStore(remoteStore *remote.RemoteStore) {
	e.remoteStore = remoteStore
}

func (e *SyncEngine) setListener(listener engineListener) { e.listener = listener }

// Listen starts q and returns its first snapshot, computed from the
// cache. Queries that normalize to an already listened target share
// its watch target.
func (e *SyncEngine) Listen(ctx context.Context, q *query.Query) (*ViewSnapshot, error) {
	e.assertListener()
	if existing, ok := e.queryViews[q.CanonicalID()]; ok {
		return existing.view.InitialSnapshot(), nil
	}

	targetData, err := e.localStore.AllocateTarget(ctx, q.Target())
	if err != nil {
		return nil, fmt.Errorf("syncengine: allocate target for %s: %w", q, err)
	}
	snapshot, err := e.initializeView(ctx, q, targetData.TargetID, targetData.ResumeToken)
	if err != nil {
		if releaseErr := e.localStore.ReleaseTarget(ctx, targetData.TargetID, false); releaseErr != nil {
			e.logger.Error("releasing target after failed listen", "target_id", targetData.TargetID, "error", releaseErr)
		}
		return nil, err
	}
	e.remoteStore.Listen(targetData)
	return snapshot, nil
}

func (e *SyncEngine) initializeView(ctx context.Context, q *query.Query, targetID int, resumeToken []byte) (*ViewSnapshot, error) {
	result, err := e.localStore.ExecuteQuery(ctx, q, true)
	if err != nil {
		return nil, fmt.Errorf("syncengine: execute %s: %w", q, err)
	}
	view := NewView(q, result.RemoteKeys)
	docChanges := view.ComputeDocChanges(result.Documents, nil)

	// The cache never knows the target to be current on its own: that
	// takes a CURRENT from the watch stream.
	synthesized := remote.NewTargetChange(resumeToken, false)
	viewChange := view.ApplyChanges(docChanges, true, &synthesized, false)
	if err := e.updateTrackedLimbos(targetID, viewChange.LimboChanges); err != nil {
		return nil, err
	}

	e.queryViews[q.CanonicalID()] = &queryView{query: q, targetID: targetID, view: view}
	e.queriesByTarget[targetID] = append(e.queriesByTarget[targetID], q)
	status.Assert(viewChange.Snapshot != nil, "first view change for %s raised no snapshot", q)
	return viewChange.Snapshot, nil
}

// Unlisten stops q. The watch target is removed once no query uses it.
func (e *SyncEngine) Unlisten(ctx context.Context, q *query.Query) error {
	canonicalID := q.CanonicalID()
	qv, ok := e.queryViews[canonicalID]
	status.Assert(ok, "unlisten of unknown query %s", q)
	delete(e.queryViews, canonicalID)

	targetID := qv.targetID
	queries := e.queriesByTarget[targetID]
	if len(queries) > 1 {
		e.queriesByTarget[targetID] = slices.DeleteFunc(slices.Clone(queries), func(other *query.Query) bool {
			return other.CanonicalID() == canonicalID
		})
		return e.localStore.ReleaseTarget(ctx, targetID, false)
	}

	if err := e.localStore.ReleaseTarget(ctx, targetID, false); err != nil {
		return err
	}
	e.remoteStore.Unlisten(targetID)
	return e.removeAndCleanupTarget(targetID, nil)
}

// Write applies mutations locally, raises the resulting snapshots, and
// queues the batch for the backend. callback runs when the backend
// acknowledges or rejects the batch. An error means the write was not
// persisted and callback will never run.
func (e *SyncEngine) Write(ctx context.Context, mutations []mutation.Mutation, callback WriteCallback) (int, error) {
	e.assertListener()
	result, err := e.localStore.LocalWrite(ctx, mutations)
	if err != nil {
		return mutation.UnknownBatchID, fmt.Errorf("syncengine: persist write: %w", err)
	}
	e.addMutationCallback(result.BatchID, callback)
	if err := e.emitNewSnapshots(ctx, result.Changes, nil); err != nil {
		return result.BatchID, err
	}
	e.remoteStore.FillWritePipeline(ctx)
	return result.BatchID, nil
}

func (e *SyncEngine) addMutationCallback(batchID int, callback WriteCallback) {
	if callback == nil {
		return
	}
	userKey := e.currentUser.Key()
	callbacks, ok := e.mutationCallbacks[userKey]
	if !ok {
		callbacks = make(map[int]WriteCallback)
		e.mutationCallbacks[userKey] = callbacks
	}
	callbacks[batchID] = callback
}

// WaitForPendingWrites runs callback once every write queued so far
// has been acknowledged or rejected. A user change fails it with a
// cancelled error.
func (e *SyncEngine) WaitForPendingWrites(ctx context.Context, callback func(error)) error {
	if e.onlineState == remote.Offline {
		e.logger.Debug("waiting for pending writes while offline; completes once the network is back")
	}
	highest, err := e.localStore.HighestUnacknowledgedBatchID(ctx)
	if err != nil {
		return err
	}
	if highest == mutation.UnknownBatchID {
		callback(nil)
		return nil
	}
	e.pendingWritesCallbacks[highest] = append(e.pendingWritesCallbacks[highest], callback)
	return nil
}

// ApplyRemoteEvent applies a consistent watch snapshot to the cache
// and raises the resulting view snapshots.
func (e *SyncEngine) ApplyRemoteEvent(ctx context.Context, event remote.RemoteEvent) error {
	e.assertListener()
	changes, err := e.localStore.ApplyRemoteEvent(ctx, event)
	if err != nil {
		return err
	}

	for targetID, change := range event.TargetChanges {
		resolution, ok := e.activeLimboResolutions[targetID]
		if !ok {
			continue
		}
		status.Assert(change.ChangeCount() <= 1, "limbo target %d reported %d changes", targetID, change.ChangeCount())
		switch {
		case change.AddedDocuments.Len() > 0:
			resolution.receivedDocument = true
		case change.ModifiedDocuments.Len() > 0:
			status.Assert(resolution.receivedDocument, "limbo target %d modified a document it never received", targetID)
		case change.RemovedDocuments.Len() > 0:
			status.Assert(resolution.receivedDocument, "limbo target %d removed a document it never received", targetID)
			resolution.receivedDocument = false
		}
	}
	return e.emitNewSnapshots(ctx, changes, &event)
}

// ApplyOnlineStateChange updates views and listeners for a new online
// state.
func (e *SyncEngine) ApplyOnlineStateChange(state remote.OnlineState) {
	e.assertListener()
	var snapshots []*ViewSnapshot
	for _, qv := range e.sortedQueryViews() {
		viewChange := qv.view.ApplyOnlineStateChange(state)
		status.Assert(len(viewChange.LimboChanges) == 0, "online state change produced limbo changes for %s", qv.query)
		if viewChange.Snapshot != nil {
			snapshots = append(snapshots, viewChange.Snapshot)
		}
	}
	e.listener.onOnlineStateChange(state)
	e.listener.onWatchChange(snapshots)
	e.onlineState = state
}

// RejectListen handles the backend removing a target with an error. A
// rejected limbo target proves nothing about the document, so it is
// treated as deleted and leaves limbo. A rejected query fails its
// listeners.
func (e *SyncEngine) RejectListen(ctx context.Context, targetID int, err error) error {
	e.assertListener()
	if resolution, ok := e.activeLimboResolutions[targetID]; ok {
		key := resolution.key
		e.logger.Warn("limbo resolution rejected; treating document as deleted",
			"target_id", targetID, "key", key.String(), "error", err)
		event := remote.RemoteEvent{
			SnapshotVersion:        model.MinVersion,
			TargetChanges:          map[int]remote.TargetChange{},
			TargetMismatches:       map[int]persistence.Purpose{},
			DocumentUpdates:        model.NewDocumentMap().Insert(key, model.NewNoDocument(key, model.MinVersion)),
			ResolvedLimboDocuments: model.NewDocumentKeySet(key),
		}
		if applyErr := e.ApplyRemoteEvent(ctx, event); applyErr != nil {
			return applyErr
		}
		// Bookkeeping is only dropped once the deletion is applied, so
		// a failed apply re-listens the limbo target.
		e.activeLimboTargetsByKey = e.activeLimboTargetsByKey.Remove(key)
		delete(e.activeLimboResolutions, targetID)
		e.pumpEnqueuedLimboResolutions()
		return nil
	}

	for range e.queriesByTarget[targetID] {
		if releaseErr := e.localStore.ReleaseTarget(ctx, targetID, false); releaseErr != nil {
			return releaseErr
		}
	}
	return e.removeAndCleanupTarget(targetID, err)
}

// ApplySuccessfulWrite applies the backend's acknowledgement of a
// batch and completes its callbacks.
func (e *SyncEngine) ApplySuccessfulWrite(ctx context.Context, result *mutation.BatchResult) error {
	e.assertListener()
	batchID := result.Batch.BatchID
	changes, err := e.localStore.AcknowledgeBatch(ctx, result)
	if err != nil {
		return err
	}
	e.processUserCallback(batchID, nil)
	e.triggerPendingWritesCallbacks(batchID)
	return e.emitNewSnapshots(ctx, changes, nil)
}

// RejectFailedWrite drops a batch the backend rejected, reverting its
// local effects, and fails its callback with err.
func (e *SyncEngine) RejectFailedWrite(ctx context.Context, batchID int, err error) error {
	e.assertListener()
	changes, rejectErr := e.localStore.RejectBatch(ctx, batchID)
	if rejectErr != nil {
		return rejectErr
	}
	e.logger.Warn("write rejected", "batch_id", batchID, "error", err)
	e.processUserCallback(batchID, err)
	e.triggerPendingWritesCallbacks(batchID)
	return e.emitNewSnapshots(ctx, changes, nil)
}

func (e *SyncEngine) processUserCallback(batchID int, err error) {
	callbacks := e.mutationCallbacks[e.currentUser.Key()]
	callback, ok := callbacks[batchID]
	if !ok {
		return
	}
	delete(callbacks, batchID)
	callback(err)
}

func (e *SyncEngine) triggerPendingWritesCallbacks(batchID int) {
	for _, callback := range e.pendingWritesCallbacks[batchID] {
		callback(nil)
	}
	delete(e.pendingWritesCallbacks, batchID)
}

func (e *SyncEngine) rejectOutstandingPendingWritesCallbacks(message string) {
	for batchID, callbacks := range e.pendingWritesCallbacks {
		for _, callback := range callbacks {
			callback(status.New(status.Cancelled, message))
		}
		delete(e.pendingWritesCallbacks, batchID)
	}
}

// RemoteKeysForTarget returns the keys the backend last reported for
// targetID: the resolved document of a limbo target, or the union of
// the synced documents of every view on a query target.
func (e *SyncEngine) RemoteKeysForTarget(targetID int) model.DocumentKeySet {
	if resolution, ok := e.activeLimboResolutions[targetID]; ok && resolution.receivedDocument {
		return model.NewDocumentKeySet(resolution.key)
	}
	keys := model.NewDocumentKeySet()
	for _, q := range e.queriesByTarget[targetID] {
		if qv, ok := e.queryViews[q.CanonicalID()]; ok {
			keys = keys.Union(qv.view.SyncedDocuments())
		}
	}
	return keys
}

// HandleCredentialChange switches to user: the local store swaps in
// the user's mutation queue and overlays, and every view is refreshed
// against them.
func (e *SyncEngine) HandleCredentialChange(ctx context.Context, user credentials.User) error {
	e.assertListener()
	if user == e.currentUser {
		return nil
	}
	e.logger.Info("user changed", "user", user.Key())
	result, err := e.localStore.HandleUserChange(ctx, user)
	if err != nil {
		return err
	}
	e.currentUser = user
	e.rejectOutstandingPendingWritesCallbacks("pending writes wait cancelled by a user change")
	return e.emitNewSnapshots(ctx, result.AffectedDocuments, nil)
}

// LoadBundle applies a bundle's documents and named queries to the
// cache and raises snapshots for listened queries they change. It
// reports false without changing anything when a bundle with the same
// id and the same or a later create time was already loaded.
func (e *SyncEngine) LoadBundle(ctx context.Context, metadata persistence.BundleMetadata, docs []*model.MutableDocument, namedQueries []persistence.NamedQuery) (bool, error) {
	e.assertListener()
	loaded, err := e.localStore.HasNewerBundle(ctx, metadata)
	if err != nil {
		return false, err
	}
	if loaded {
		e.logger.Debug("bundle already loaded", "bundle_id", metadata.ID)
		return false, nil
	}

	changes, err := e.localStore.ApplyBundledDocuments(ctx, metadata, docs)
	if err != nil {
		return false, fmt.Errorf("syncengine: apply bundle %s: %w", metadata.ID, err)
	}
	if err := e.emitNewSnapshots(ctx, changes, nil); err != nil {
		return false, err
	}
	for _, namedQuery := range namedQueries {
		target, err := query.TargetFromRecord(namedQuery.Query)
		if err != nil {
			return false, fmt.Errorf("syncengine: bundle %s: named query %s: %w", metadata.ID, namedQuery.Name, err)
		}
		q := target.Query()
		keys := model.NewDocumentKeySet()
		for _, doc := range docs {
			if doc.IsFoundDocument() && q.Matches(doc) {
				keys = keys.Insert(doc.Key())
			}
		}
		if err := e.localStore.SaveNamedQuery(ctx, namedQuery, keys); err != nil {
			return false, err
		}
	}
	return true, e.localStore.SaveBundle(ctx, metadata)
}

// CurrentUser returns the user whose writes the engine is tracking.
func (e *SyncEngine) CurrentUser() credentials.User { return e.currentUser }

// ActiveLimboDocumentResolutions returns the limbo target id of each
// document being resolved, keyed by document path.
func (e *SyncEngine) ActiveLimboDocumentResolutions() map[string]int {
	active := make(map[string]int, e.activeLimboTargetsByKey.Len())
	for key, targetID := range e.activeLimboTargetsByKey.All() {
		active[key.String()] = targetID
	}
	return active
}

// EnqueuedLimboDocumentResolutions returns the keys waiting for a
// limbo resolution slot, oldest first.
func (e *SyncEngine) EnqueuedLimboDocumentResolutions() []model.DocumentKey {
	return slices.Clone(e.enqueuedLimboResolutions)
}

// emitNewSnapshots pushes changes through every view, hands the
// resulting snapshots to the listener, and records the views' added
// and removed documents with the local store.
func (e *SyncEngine) emitNewSnapshots(ctx context.Context, changes model.DocumentMap, event *remote.RemoteEvent) error {
	if len(e.queryViews) == 0 {
		return nil
	}
	var snapshots []*ViewSnapshot
	var viewChanges []localstore.LocalViewChanges
	for _, qv := range e.sortedQueryViews() {
		snapshot, err := e.applyDocChanges(ctx, qv, changes, event)
		if err != nil {
			return err
		}
		if snapshot == nil {
			continue
		}
		snapshots = append(snapshots, snapshot)
		viewChanges = append(viewChanges, localViewChanges(qv.targetID, snapshot))
	}
	e.listener.onWatchChange(snapshots)
	return e.localStore.NotifyLocalViewChanges(ctx, viewChanges)
}

func (e *SyncEngine) applyDocChanges(ctx context.Context, qv *queryView, changes model.DocumentMap, event *remote.RemoteEvent) (*ViewSnapshot, error) {
	docChanges := qv.view.ComputeDocChanges(changes, nil)
	if docChanges.NeedsRefill {
		// A limited view lost a document at its boundary; re-run the
		// query without the previous results to find its replacement.
		result, err := e.localStore.ExecuteQuery(ctx, qv.query, false)
		if err != nil {
			return nil, err
		}
		docChanges = qv.view.ComputeDocChanges(result.Documents, &docChanges)
	}

	var targetChange *remote.TargetChange
	targetIsPendingReset := false
	if event != nil {
		if change, ok := event.TargetChanges[qv.targetID]; ok {
			targetChange = &change
		}
		_, targetIsPendingReset = event.TargetMismatches[qv.targetID]
	}
	viewChange := qv.view.ApplyChanges(docChanges, true, targetChange, targetIsPendingReset)
	if err := e.updateTrackedLimbos(qv.targetID, viewChange.LimboChanges); err != nil {
		return nil, err
	}
	return viewChange.Snapshot, nil
}

func localViewChanges(targetID int, snapshot *ViewSnapshot) localstore.LocalViewChanges {
	changes := localstore.LocalViewChanges{
		TargetID:    targetID,
		FromCache:   snapshot.FromCache,
		AddedKeys:   model.NewDocumentKeySet(),
		RemovedKeys: model.NewDocumentKeySet(),
	}
	for _, change := range snapshot.Changes {
		switch change.Type {
		case ChangeAdded:
			changes.AddedKeys = changes.AddedKeys.Insert(change.Doc.Key())
		case ChangeRemoved:
			changes.RemovedKeys = changes.RemovedKeys.Insert(change.Doc.Key())
		}
	}
	return changes
}

// removeAndCleanupTarget forgets every query on targetID, failing
// their listeners with err when it is non-nil, and releases the limbo
// documents only that target referenced.
func (e *SyncEngine) removeAndCleanupTarget(targetID int, err error) error {
	for _, q := range e.queriesByTarget[targetID] {
		delete(e.queryViews, q.CanonicalID())
		if err != nil {
			e.listener.onWatchError(q, err)
		}
	}
	delete(e.queriesByTarget, targetID)

	for _, key := range e.limboDocumentRefs.RemoveReferencesForID(targetID) {
		if !e.limboDocumentRefs.ContainsKey(key) {
			e.removeLimboTarget(key)
		}
	}
	return nil
}

func (e *SyncEngine) removeLimboTarget(key model.DocumentKey) {
	e.enqueuedLimboResolutions = slices.DeleteFunc(e.enqueuedLimboResolutions, key.Equal)
	targetID, ok := e.activeLimboTargetsByKey.Get(key)
	if !ok {
		return
	}
	// A target the backend rejected is already gone from the remote
	// store.
	if _, listening := e.remoteStore.TargetDataForTarget(targetID); listening {
		e.remoteStore.Unlisten(targetID)
	}
	e.activeLimboTargetsByKey = e.activeLimboTargetsByKey.Remove(key)
	delete(e.activeLimboResolutions, targetID)
	e.logger.Debug("limbo document resolved", "key", key.String(), "target_id", targetID)
	e.pumpEnqueuedLimboResolutions()
}

func (e *SyncEngine) updateTrackedLimbos(targetID int, changes []LimboDocumentChange) error {
	for _, change := range changes {
		switch change.Type {
		case LimboAdded:
			e.limboDocumentRefs.AddReference(change.Key, targetID)
			e.trackLimboChange(change.Key)
		case LimboRemoved:
			e.limboDocumentRefs.RemoveReference(change.Key, targetID)
			if !e.limboDocumentRefs.ContainsKey(change.Key) {
				e.removeLimboTarget(change.Key)
			}
		default:
			return fmt.Errorf("syncengine: unknown limbo change type %d", change.Type)
		}
	}
	return nil
}

func (e *SyncEngine) trackLimboChange(key model.DocumentKey) {
	if e.activeLimboTargetsByKey.Contains(key) || slices.ContainsFunc(e.enqueuedLimboResolutions, key.Equal) {
		return
	}
	e.logger.Debug("document entered limbo", "key", key.String())
	e.enqueuedLimboResolutions = append(e.enqueuedLimboResolutions, key)
	e.pumpEnqueuedLimboResolutions()
}

// pumpEnqueuedLimboResolutions starts limbo targets for enqueued keys
// while there is room under the concurrency limit.
func (e *SyncEngine) pumpEnqueuedLimboResolutions() {
	for len(e.enqueuedLimboResolutions) > 0 &&
		e.activeLimboTargetsByKey.Len() < e.config.MaxConcurrentLimboResolutions {
		key := e.enqueuedLimboResolutions[0]
		e.enqueuedLimboResolutions = e.enqueuedLimboResolutions[1:]

		targetID := e.limboTargetIDs.Next()
		e.activeLimboResolutions[targetID] = &limboResolution{key: key}
		e.activeLimboTargetsByKey = e.activeLimboTargetsByKey.Insert(key, targetID)
		e.remoteStore.Listen(persistence.NewTargetData(
			query.DocumentTarget(key), targetID, persistence.PurposeLimboResolution, persistence.InvalidSequenceNumber,
		))
	}
}

// sortedQueryViews returns the views in canonical id order, so
// snapshots are raised in a stable order.
func (e *SyncEngine) sortedQueryViews() []*queryView {
	ids := slices.Sorted(maps.Keys(e.queryViews))
	views := make([]*queryView, len(ids))
	for i, id := range ids {
		views[i] = e.queryViews[id]
	}
	return views
}

func (e *SyncEngine) assertListener() {
	status.Assert(e.listener != nil, "sync engine used without an event manager")
	status.Assert(e.remoteStore != nil, "sync engine used without a remote store")
}
