// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/bureau-foundation/docsync/lib/clock"
	"github.com/bureau-foundation/docsync/lib/credentials"
	"github.com/bureau-foundation/docsync/lib/model"
	"github.com/bureau-foundation/docsync/lib/mutation"
	"github.com/bureau-foundation/docsync/lib/persistence"
	"github.com/bureau-foundation/docsync/lib/query"
	"github.com/bureau-foundation/docsync/lib/remote"
	"github.com/bureau-foundation/docsync/lib/status"
)

// DefaultResumeTokenMaxAge is how stale a persisted resume token may
// get before a snapshot with no document changes is persisted anyway.
const DefaultResumeTokenMaxAge = 5 * time.Minute

// Config configures New.
type Config struct {
	// ResumeTokenMaxAge defaults to DefaultResumeTokenMaxAge.
	ResumeTokenMaxAge time.Duration

	// Clock stamps local writes. Defaults to the real clock.
	Clock clock.Clock

	Logger *slog.Logger
}

// QueryResult is the local answer to a query.
type QueryResult struct {
	Documents model.DocumentMap

	// RemoteKeys are the documents the backend last said match the
	// query's target.
	RemoteKeys model.DocumentKeySet
}

// LocalWriteResult is the outcome of LocalWrite.
type LocalWriteResult struct {
	BatchID int

	// Changes is the new local view of every written document.
	Changes model.DocumentMap
}

// UserChangeResult is the outcome of HandleUserChange.
type UserChangeResult struct {
	// AffectedDocuments is the local view, for the new user, of every
	// document either user had pending writes to.
	AffectedDocuments model.DocumentMap

	RemovedBatchIDs []int
	AddedBatchIDs   []int
}

// LocalViewChanges reports which documents a view started or stopped
// showing, so the store can pin them while the view is held.
type LocalViewChanges struct {
	TargetID    int
	FromCache   bool
	AddedKeys   model.DocumentKeySet
	RemovedKeys model.DocumentKeySet
}

// LocalStore is the local half of the sync engine. See the package
// documentation.
type LocalStore struct {
	persistence       persistence.Persistence
	queryEngine       *QueryEngine
	clock             clock.Clock
	logger            *slog.Logger
	resumeTokenMaxAge time.Duration

	user            credentials.User
	mutationQueue   persistence.MutationQueue
	overlays        persistence.DocumentOverlayCache
	indexManager    persistence.IndexManager
	remoteDocuments persistence.RemoteDocumentCache
	targetCache     persistence.TargetCache
	bundleCache     persistence.BundleCache
	localDocuments  *LocalDocumentsView

	// localViewReferences pins the documents of held views.
	localViewReferences *persistence.ReferenceSet

	// targetDataByTarget holds the active targets by id, including
	// changes not yet worth persisting.
	targetDataByTarget map[int]persistence.TargetData

	// targetIDByFingerprint finds the active target for a Target.
	targetIDByFingerprint map[string]int

	// targetUsage counts allocations of each active target.
	targetUsage map[int]int
}

// New returns a local store for user. Start must be called before any
// other method.
func New(p persistence.Persistence, engine *QueryEngine, user credentials.User, config Config) *LocalStore {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	maxAge := config.ResumeTokenMaxAge
	if maxAge <= 0 {
		maxAge = DefaultResumeTokenMaxAge
	}
	s := &LocalStore{
		persistence:           p,
		queryEngine:           engine,
		clock:                 clk,
		logger:                logger,
		resumeTokenMaxAge:     maxAge,
		remoteDocuments:       p.RemoteDocumentCache(),
		targetCache:           p.TargetCache(),
		bundleCache:           p.BundleCache(),
		localViewReferences:   persistence.NewReferenceSet(),
		targetDataByTarget:    make(map[int]persistence.TargetData),
		targetIDByFingerprint: make(map[string]int),
		targetUsage:           make(map[int]int),
	}
	p.ReferenceDelegate().SetInMemoryPins(s.localViewReferences)
	s.initializeUserComponents(user)
	return s
}

func (s *LocalStore) initializeUserComponents(user credentials.User) {
	s.user = user
	s.indexManager = s.persistence.IndexManager(user)
	s.mutationQueue = s.persistence.MutationQueue(user, s.indexManager)
	s.overlays = s.persistence.DocumentOverlayCache(user)
	s.remoteDocuments.SetIndexManager(s.indexManager)
	s.localDocuments = NewLocalDocumentsView(s.remoteDocuments, s.mutationQueue, s.overlays, s.indexManager)
	s.queryEngine.Initialize(s.localDocuments, s.indexManager)
}

// Start checks the mutation queue of the current user.
func (s *LocalStore) Start(ctx context.Context) error {
	return s.persistence.Run(ctx, "start local store", persistence.ReadWrite, func(txn *persistence.Transaction) error {
		return s.mutationQueue.PerformConsistencyCheck(txn)
	})
}

// User returns the user whose mutation queue is current.
func (s *LocalStore) User() credentials.User { return s.user }

// LocalDocuments returns the current user's documents view.
func (s *LocalStore) LocalDocuments() *LocalDocumentsView { return s.localDocuments }

// HandleUserChange switches to user's mutation queue and overlays. The
// result lists the documents whose local view may differ between the
// users.
func (s *LocalStore) HandleUserChange(ctx context.Context, user credentials.User) (UserChangeResult, error) {
	var result UserChangeResult
	previous := s.user
	err := s.persistence.Run(ctx, "handle user change", persistence.ReadOnly, func(txn *persistence.Transaction) error {
		oldBatches, err := s.mutationQueue.AllMutationBatches(txn)
		if err != nil {
			return err
		}
		s.initializeUserComponents(user)
		newBatches, err := s.mutationQueue.AllMutationBatches(txn)
		if err != nil {
			return err
		}

		changed := model.NewDocumentKeySet()
		for _, batch := range oldBatches {
			result.RemovedBatchIDs = append(result.RemovedBatchIDs, batch.BatchID)
			changed = changed.Union(batch.Keys())
		}
		for _, batch := range newBatches {
			result.AddedBatchIDs = append(result.AddedBatchIDs, batch.BatchID)
			changed = changed.Union(batch.Keys())
		}
		result.AffectedDocuments, err = s.localDocuments.Documents(txn, changed)
		return err
	})
	if err != nil {
		s.initializeUserComponents(previous)
		return UserChangeResult{}, err
	}
	s.logger.Info("user changed",
		"previous", previous.String(),
		"user", user.String(),
		"removed_batches", len(result.RemovedBatchIDs),
		"added_batches", len(result.AddedBatchIDs),
	)
	return result, nil
}

// LocalWrite records mutations as a new batch and returns its id with
// the new local view of the written documents.
func (s *LocalStore) LocalWrite(ctx context.Context, mutations []mutation.Mutation) (LocalWriteResult, error) {
	localWriteTime := model.TimestampFromTime(s.clock.Now())
	keys := model.NewDocumentKeySet()
	for _, m := range mutations {
		keys = keys.Insert(m.Key())
	}

	var result LocalWriteResult
	err := s.persistence.Run(ctx, "locally write mutations", persistence.ReadWrite, func(txn *persistence.Transaction) error {
		remoteDocs, err := s.remoteDocuments.Entries(txn, keys)
		if err != nil {
			return err
		}
		overlayed, err := s.localDocuments.OverlayedDocuments(txn, remoteDocs)
		if err != nil {
			return err
		}

		// Non-idempotent transforms build on the value seen now, not
		// on whatever the document holds when the batch is replayed.
		var baseMutations []mutation.Mutation
		for _, m := range mutations {
			entry, ok := overlayed.Get(m.Key())
			if !ok {
				continue
			}
			base, found := mutation.ExtractTransformBaseValue(m, entry.Document)
			if found {
				baseMutations = append(baseMutations,
					mutation.NewPatch(m.Key(), base, base.FieldMask(), mutation.Exists(true)))
			}
		}

		batch, err := s.mutationQueue.AddMutationBatch(txn, localWriteTime, baseMutations, mutations)
		if err != nil {
			return err
		}
		overlays := batch.ApplyToLocalDocumentSet(overlayed)
		if err := s.overlays.SaveOverlays(txn, batch.BatchID, overlays); err != nil {
			return err
		}

		result.BatchID = batch.BatchID
		result.Changes = model.NewDocumentMap()
		for key, entry := range overlayed.All() {
			result.Changes = result.Changes.Insert(key, entry.Document)
		}
		return nil
	})
	if err != nil {
		return LocalWriteResult{}, err
	}
	s.logger.Debug("local write", "batch_id", result.BatchID, "mutations", len(mutations))
	return result, nil
}

// AcknowledgeBatch applies an accepted batch to the remote document
// cache, removes it from the queue, and returns the new local view of
// the documents it wrote.
func (s *LocalStore) AcknowledgeBatch(ctx context.Context, result *mutation.BatchResult) (model.DocumentMap, error) {
	var changes model.DocumentMap
	batch := result.Batch
	err := s.persistence.Run(ctx, "acknowledge batch", persistence.ReadWritePrimary, func(txn *persistence.Transaction) error {
		affected := batch.Keys()
		if err := s.mutationQueue.AcknowledgeBatch(txn, batch, result.StreamToken); err != nil {
			return err
		}
		if err := s.applyWriteToRemoteDocuments(txn, result); err != nil {
			return err
		}
		if err := s.mutationQueue.PerformConsistencyCheck(txn); err != nil {
			return err
		}
		if err := s.overlays.RemoveOverlaysForBatchID(txn, affected, batch.BatchID); err != nil {
			return err
		}
		if err := s.localDocuments.RecalculateAndSaveOverlaysForKeys(txn, keysWithTransformResults(result)); err != nil {
			return err
		}
		var err error
		changes, err = s.localDocuments.Documents(txn, affected)
		return err
	})
	if err != nil {
		return model.DocumentMap{}, err
	}
	s.logger.Debug("batch acknowledged",
		"batch_id", batch.BatchID,
		"commit_version", result.CommitVersion.String(),
	)
	return changes, nil
}

// keysWithTransformResults returns the keys whose server-computed
// transform results replace the locally estimated ones.
func keysWithTransformResults(result *mutation.BatchResult) model.DocumentKeySet {
	keys := model.NewDocumentKeySet()
	for i, m := range result.Batch.Mutations {
		if len(result.MutationResults[i].TransformResults) > 0 {
			keys = keys.Insert(m.Key())
		}
	}
	return keys
}

func (s *LocalStore) applyWriteToRemoteDocuments(txn *persistence.Transaction, result *mutation.BatchResult) error {
	batch := result.Batch
	for key := range batch.Keys().All() {
		doc, err := s.remoteDocuments.Entry(txn, key)
		if err != nil {
			return err
		}
		ackVersion, ok := result.DocVersions.Get(key)
		status.Assert(ok, "batch %d: no version for %s", batch.BatchID, key)
		// A watch snapshot may already hold a newer version.
		if doc.Version().Compare(ackVersion) < 0 {
			batch.ApplyToRemoteDocument(doc, result)
			if doc.IsValidDocument() {
				if err := s.remoteDocuments.Add(txn, doc, result.CommitVersion); err != nil {
					return err
				}
			}
		}
	}
	return s.mutationQueue.RemoveMutationBatch(txn, batch)
}

// RejectBatch removes a batch the backend refused and returns the new
// local view of the documents it would have written.
func (s *LocalStore) RejectBatch(ctx context.Context, batchID int) (model.DocumentMap, error) {
	var changes model.DocumentMap
	err := s.persistence.Run(ctx, "reject batch", persistence.ReadWritePrimary, func(txn *persistence.Transaction) error {
		batch, err := s.mutationQueue.LookupMutationBatch(txn, batchID)
		if err != nil {
			return err
		}
		status.Assert(batch != nil, "rejected batch %d not found", batchID)
		affected := batch.Keys()
		if err := s.mutationQueue.RemoveMutationBatch(txn, batch); err != nil {
			return err
		}
		if err := s.mutationQueue.PerformConsistencyCheck(txn); err != nil {
			return err
		}
		if err := s.overlays.RemoveOverlaysForBatchID(txn, affected, batchID); err != nil {
			return err
		}
		if err := s.localDocuments.RecalculateAndSaveOverlaysForKeys(txn, affected); err != nil {
			return err
		}
		changes, err = s.localDocuments.Documents(txn, affected)
		return err
	})
	if err != nil {
		return model.DocumentMap{}, err
	}
	s.logger.Debug("batch rejected", "batch_id", batchID)
	return changes, nil
}

// HighestUnacknowledgedBatchID returns the newest pending batch id, or
// mutation.UnknownBatchID.
func (s *LocalStore) HighestUnacknowledgedBatchID(ctx context.Context) (int, error) {
	var batchID int
	err := s.persistence.Run(ctx, "get highest unacknowledged batch id", persistence.ReadOnly, func(txn *persistence.Transaction) error {
		var err error
		batchID, err = s.mutationQueue.HighestUnacknowledgedBatchID(txn)
		return err
	})
	return batchID, err
}

// NextMutationBatch returns the first pending batch after
// afterBatchID, or nil.
func (s *LocalStore) NextMutationBatch(ctx context.Context, afterBatchID int) (*mutation.Batch, error) {
	var batch *mutation.Batch
	err := s.persistence.Run(ctx, "get next mutation batch", persistence.ReadOnly, func(txn *persistence.Transaction) error {
		var err error
		batch, err = s.mutationQueue.NextMutationBatchAfter(txn, afterBatchID)
		return err
	})
	return batch, err
}

// LastStreamToken returns the write stream token of the current user.
func (s *LocalStore) LastStreamToken(ctx context.Context) ([]byte, error) {
	var token []byte
	err := s.persistence.Run(ctx, "get last stream token", persistence.ReadOnly, func(txn *persistence.Transaction) error {
		var err error
		token, err = s.mutationQueue.LastStreamToken(txn)
		return err
	})
	return token, err
}

// SetLastStreamToken stores the write stream token of the current
// user.
func (s *LocalStore) SetLastStreamToken(ctx context.Context, token []byte) error {
	return s.persistence.Run(ctx, "set last stream token", persistence.ReadWritePrimary, func(txn *persistence.Transaction) error {
		return s.mutationQueue.SetLastStreamToken(txn, token)
	})
}

// LastRemoteSnapshotVersion returns the version of the newest watch
// snapshot applied.
func (s *LocalStore) LastRemoteSnapshotVersion(ctx context.Context) (model.SnapshotVersion, error) {
	var version model.SnapshotVersion
	err := s.persistence.Run(ctx, "get last remote snapshot version", persistence.ReadOnly, func(txn *persistence.Transaction) error {
		var err error
		version, err = s.targetCache.LastRemoteSnapshotVersion(txn)
		return err
	})
	return version, err
}

// ApplyRemoteEvent applies a watch snapshot to the remote document
// cache and the target cache. It returns the new local view of every
// document that changed. Applying the same event twice changes
// nothing the second time.
func (s *LocalStore) ApplyRemoteEvent(ctx context.Context, event remote.RemoteEvent) (model.DocumentMap, error) {
	remoteVersion := event.SnapshotVersion
	updated := maps.Clone(s.targetDataByTarget)
	var changes model.DocumentMap

	err := s.persistence.Run(ctx, "apply remote event", persistence.ReadWritePrimary, func(txn *persistence.Transaction) error {
		for targetID, change := range event.TargetChanges {
			old, ok := s.targetDataByTarget[targetID]
			if !ok {
				// Released while the event was in flight.
				continue
			}
			if err := s.targetCache.RemoveMatchingKeys(txn, change.RemovedDocuments, targetID); err != nil {
				return err
			}
			if err := s.targetCache.AddMatchingKeys(txn, change.AddedDocuments, targetID); err != nil {
				return err
			}

			next := old.WithSequenceNumber(txn.SequenceNumber())
			if _, mismatch := event.TargetMismatches[targetID]; mismatch {
				next = next.WithResumeToken(nil, model.MinVersion).
					WithLastLimboFreeSnapshotVersion(model.MinVersion)
			} else if len(change.ResumeToken) > 0 {
				next = next.WithResumeToken(change.ResumeToken, remoteVersion)
			}
			updated[targetID] = next
			if s.shouldPersistTargetData(old, next, change) {
				if err := s.targetCache.UpdateTargetData(txn, next); err != nil {
					return err
				}
			}
		}

		delegate := s.persistence.ReferenceDelegate()
		for key := range event.DocumentUpdates.Keys() {
			if event.ResolvedLimboDocuments.Has(key) {
				if err := delegate.UpdateLimboDocument(txn, key); err != nil {
					return err
				}
			}
		}

		changed, existenceChanged, err := s.populateDocumentChanges(txn, event.DocumentUpdates, remoteVersion)
		if err != nil {
			return err
		}

		if !remoteVersion.IsMin() {
			last, err := s.targetCache.LastRemoteSnapshotVersion(txn)
			if err != nil {
				return err
			}
			status.Assert(remoteVersion.Compare(last) >= 0,
				"watch stream reverted to snapshot %s after %s", remoteVersion, last)
			if err := s.targetCache.SetTargetsMetadata(txn, txn.SequenceNumber(), remoteVersion); err != nil {
				return err
			}
		}

		changes, err = s.localDocuments.LocalViewOfDocuments(txn, changed, existenceChanged)
		return err
	})
	if err != nil {
		return model.DocumentMap{}, err
	}
	s.targetDataByTarget = updated
	return changes, nil
}

// populateDocumentChanges writes the updated documents that are newer
// than the cache. It returns the documents written and the keys whose
// existence flipped.
func (s *LocalStore) populateDocumentChanges(txn *persistence.Transaction, updates model.DocumentMap, remoteVersion model.SnapshotVersion) (model.DocumentMap, model.DocumentKeySet, error) {
	changed := model.NewDocumentMap()
	existenceChanged := model.NewDocumentKeySet()
	keys := model.NewDocumentKeySet()
	for key := range updates.Keys() {
		keys = keys.Insert(key)
	}
	existing, err := s.remoteDocuments.Entries(txn, keys)
	if err != nil {
		return changed, existenceChanged, err
	}

	for key, doc := range updates.All() {
		cached, _ := existing.Get(key)
		if doc.IsFoundDocument() != cached.IsFoundDocument() {
			existenceChanged = existenceChanged.Insert(key)
		}

		readTime := doc.ReadTime()
		if readTime.IsMin() {
			readTime = remoteVersion
		}
		switch {
		case doc.IsNoDocument() && doc.Version().IsMin():
			// A limbo resolution proved the document missing without
			// a version; drop the entry so it cannot shadow a later
			// write.
			if err := s.remoteDocuments.Remove(txn, key); err != nil {
				return changed, existenceChanged, err
			}
			changed = changed.Insert(key, doc.Clone())
		case !cached.IsValidDocument() ||
			doc.Version().After(cached.Version()) ||
			(doc.Version().Compare(cached.Version()) == 0 && cached.HasPendingWrites()):
			status.Assert(!readTime.IsMin(), "document %s updated without a read time", key)
			if err := s.remoteDocuments.Add(txn, doc, readTime); err != nil {
				return changed, existenceChanged, err
			}
			changed = changed.Insert(key, doc.Clone().SetReadTime(readTime))
		default:
			s.logger.Debug("ignoring outdated watch update",
				"key", key.String(),
				"cached_version", cached.Version().String(),
				"update_version", doc.Version().String(),
			)
		}
	}
	return changed, existenceChanged, nil
}

// shouldPersistTargetData reports whether an updated target is worth
// writing: it gained its first resume token or lost its token, its
// token is older than the maximum age, or documents changed.
func (s *LocalStore) shouldPersistTargetData(old, next persistence.TargetData, change remote.TargetChange) bool {
	if len(old.ResumeToken) == 0 {
		return true
	}
	if len(next.ResumeToken) == 0 {
		return !bytes.Equal(old.ResumeToken, next.ResumeToken)
	}
	age := next.SnapshotVersion.Timestamp().Micros() - old.SnapshotVersion.Timestamp().Micros()
	if age >= s.resumeTokenMaxAge.Microseconds() {
		return true
	}
	return change.ChangeCount() > 0
}

// NotifyLocalViewChanges pins the documents each view shows and
// records limbo-free snapshots for views that are synced.
func (s *LocalStore) NotifyLocalViewChanges(ctx context.Context, changes []LocalViewChanges) error {
	delegate := s.persistence.ReferenceDelegate()
	err := s.persistence.Run(ctx, "notify local view changes", persistence.ReadWrite, func(txn *persistence.Transaction) error {
		for _, change := range changes {
			s.localViewReferences.AddReferences(change.AddedKeys, change.TargetID)
			s.localViewReferences.RemoveReferences(change.RemovedKeys, change.TargetID)
			for key := range change.AddedKeys.All() {
				if err := delegate.AddReference(txn, change.TargetID, key); err != nil {
					return err
				}
			}
			for key := range change.RemovedKeys.All() {
				if err := delegate.RemoveReference(txn, change.TargetID, key); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, change := range changes {
		if change.FromCache {
			continue
		}
		data, ok := s.targetDataByTarget[change.TargetID]
		status.Assert(ok, "view changes for unknown target %d", change.TargetID)
		// The view is synced as of the target's snapshot version, so
		// previous-result replay may start there.
		s.targetDataByTarget[change.TargetID] = data.WithLastLimboFreeSnapshotVersion(data.SnapshotVersion)
	}
	return nil
}

// AllocateTarget returns the target data for target, reusing cached
// data (and its resume token) when the target was listened to before,
// or assigning a fresh id.
func (s *LocalStore) AllocateTarget(ctx context.Context, target *query.Target) (persistence.TargetData, error) {
	if id, ok := s.targetIDByFingerprint[target.Fingerprint()]; ok {
		s.targetUsage[id]++
		return s.targetDataByTarget[id], nil
	}

	var data persistence.TargetData
	err := s.persistence.Run(ctx, "allocate target", persistence.ReadWrite, func(txn *persistence.Transaction) error {
		cached, err := s.targetCache.TargetData(txn, target)
		if err != nil {
			return err
		}
		if cached != nil {
			data = *cached
			return nil
		}
		id, err := s.targetCache.AllocateTargetID(txn)
		if err != nil {
			return err
		}
		data = persistence.NewTargetData(target, id, persistence.PurposeListen, txn.SequenceNumber())
		return s.targetCache.AddTargetData(txn, data)
	})
	if err != nil {
		return persistence.TargetData{}, err
	}

	s.targetDataByTarget[data.TargetID] = data
	s.targetIDByFingerprint[target.Fingerprint()] = data.TargetID
	s.targetUsage[data.TargetID] = 1
	s.logger.Debug("target allocated", "target_id", data.TargetID, "target", target.CanonicalID())
	return data, nil
}

// ReleaseTarget drops one allocation of targetID. Once the last is
// released the target becomes inactive and, unless keepPersistedData
// is set, its documents become eligible for garbage collection.
func (s *LocalStore) ReleaseTarget(ctx context.Context, targetID int, keepPersistedData bool) error {
	data, ok := s.targetDataByTarget[targetID]
	status.Assert(ok, "release of inactive target %d", targetID)
	if s.targetUsage[targetID] > 1 {
		s.targetUsage[targetID]--
		return nil
	}

	mode := persistence.ReadWritePrimary
	if keepPersistedData {
		mode = persistence.ReadWrite
	}
	delegate := s.persistence.ReferenceDelegate()
	err := s.persistence.Run(ctx, "release target", mode, func(txn *persistence.Transaction) error {
		for _, key := range s.localViewReferences.RemoveReferencesForID(targetID) {
			if err := delegate.RemoveReference(txn, targetID, key); err != nil {
				return err
			}
		}
		if keepPersistedData {
			return nil
		}
		return delegate.RemoveTarget(txn, data)
	})
	if err != nil {
		return fmt.Errorf("localstore: release target %d: %w", targetID, err)
	}

	delete(s.targetDataByTarget, targetID)
	delete(s.targetIDByFingerprint, data.Target.Fingerprint())
	delete(s.targetUsage, targetID)
	s.logger.Debug("target released", "target_id", targetID, "keep_persisted_data", keepPersistedData)
	return nil
}

// TargetDataForID returns the active target data for targetID.
func (s *LocalStore) TargetDataForID(targetID int) (persistence.TargetData, bool) {
	data, ok := s.targetDataByTarget[targetID]
	return data, ok
}

// GetTargetData returns the data for target, active or cached, or nil.
func (s *LocalStore) GetTargetData(ctx context.Context, target *query.Target) (*persistence.TargetData, error) {
	if id, ok := s.targetIDByFingerprint[target.Fingerprint()]; ok {
		data := s.targetDataByTarget[id]
		return &data, nil
	}
	var data *persistence.TargetData
	err := s.persistence.Run(ctx, "get target data", persistence.ReadOnly, func(txn *persistence.Transaction) error {
		var err error
		data, err = s.targetCache.TargetData(txn, target)
		return err
	})
	return data, err
}

// ExecuteQuery answers q from the cache. With usePreviousResults the
// query engine may replay the target's last limbo-free result instead
// of scanning.
func (s *LocalStore) ExecuteQuery(ctx context.Context, q *query.Query, usePreviousResults bool) (QueryResult, error) {
	var result QueryResult
	target := q.Target()
	err := s.persistence.Run(ctx, "execute query", persistence.ReadWrite, func(txn *persistence.Transaction) error {
		data, err := s.targetDataIn(txn, target)
		if err != nil {
			return err
		}
		lastLimboFree := model.MinVersion
		result.RemoteKeys = model.NewDocumentKeySet()
		if data != nil {
			lastLimboFree = data.LastLimboFreeSnapshotVersion
			result.RemoteKeys, err = s.targetCache.MatchingKeysForTargetID(txn, data.TargetID)
			if err != nil {
				return err
			}
		}
		replayKeys := result.RemoteKeys
		if !usePreviousResults {
			lastLimboFree = model.MinVersion
			replayKeys = model.NewDocumentKeySet()
		}
		result.Documents, err = s.queryEngine.DocumentsMatchingQuery(txn, q, lastLimboFree, replayKeys)
		return err
	})
	if err != nil {
		return QueryResult{}, err
	}
	return result, nil
}

func (s *LocalStore) targetDataIn(txn *persistence.Transaction, target *query.Target) (*persistence.TargetData, error) {
	if id, ok := s.targetIDByFingerprint[target.Fingerprint()]; ok {
		data := s.targetDataByTarget[id]
		return &data, nil
	}
	return s.targetCache.TargetData(txn, target)
}

// RemoteDocumentKeys returns the documents the backend last said match
// targetID.
func (s *LocalStore) RemoteDocumentKeys(ctx context.Context, targetID int) (model.DocumentKeySet, error) {
	var keys model.DocumentKeySet
	err := s.persistence.Run(ctx, "remote document keys", persistence.ReadOnly, func(txn *persistence.Transaction) error {
		var err error
		keys, err = s.targetCache.MatchingKeysForTargetID(txn, targetID)
		return err
	})
	return keys, err
}

// ReadDocument returns the local view of key.
func (s *LocalStore) ReadDocument(ctx context.Context, key model.DocumentKey) (*model.MutableDocument, error) {
	var doc *model.MutableDocument
	err := s.persistence.Run(ctx, "read document", persistence.ReadOnly, func(txn *persistence.Transaction) error {
		var err error
		doc, err = s.localDocuments.Document(txn, key)
		return err
	})
	return doc, err
}

// CollectGarbage runs one LRU collection, sparing the active targets.
func (s *LocalStore) CollectGarbage(ctx context.Context, collector *persistence.LRUGarbageCollector) (persistence.LRUResults, error) {
	active := make(map[int]bool, len(s.targetDataByTarget))
	for id := range s.targetDataByTarget {
		active[id] = true
	}
	var results persistence.LRUResults
	err := s.persistence.Run(ctx, "collect garbage", persistence.ReadWritePrimary, func(txn *persistence.Transaction) error {
		var err error
		results, err = collector.Collect(txn, active)
		return err
	})
	return results, err
}

// ConfigureFieldIndexes replaces the configured field indexes.
func (s *LocalStore) ConfigureFieldIndexes(ctx context.Context, indexes []persistence.FieldIndex) error {
	return s.persistence.Run(ctx, "configure field indexes", persistence.ReadWrite, func(txn *persistence.Transaction) error {
		if err := s.indexManager.DeleteAllFieldIndexes(txn); err != nil {
			return err
		}
		for _, index := range indexes {
			if _, err := s.indexManager.AddFieldIndex(txn, index); err != nil {
				return err
			}
		}
		return nil
	})
}

// SetIndexAutoCreationEnabled turns query-driven index creation on or
// off.
func (s *LocalStore) SetIndexAutoCreationEnabled(enabled bool) {
	s.queryEngine.SetIndexAutoCreationEnabled(enabled)
}
