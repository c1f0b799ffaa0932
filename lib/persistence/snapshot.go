// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package persistence

import (
	"bytes"
	"cmp"
	"fmt"
	"maps"
	"slices"

	"github.com/bureau-foundation/docsync/lib/model"
	"github.com/bureau-foundation/docsync/lib/mutation"
	"github.com/bureau-foundation/docsync/lib/status"
)

// SnapshotFormatVersion is the Snapshot layout written by this
// package. Restore rejects other versions.
const SnapshotFormatVersion = 1

// Snapshot is the complete state of a Memory store in exported form.
// lib/checkpoint writes snapshots to disk so a client restarted with
// the same checkpoint resumes with its cache and pending writes.
type Snapshot struct {
	FormatVersion int `json:"formatVersion"`

	Documents []model.DocumentRecord `json:"documents,omitempty"`

	Targets                   []TargetDataRecord    `json:"targets,omitempty"`
	MatchingKeys              []MatchingKeysRecord  `json:"matchingKeys,omitempty"`
	HighestTargetID           int                   `json:"highestTargetId"`
	HighestSequenceNumber     SequenceNumber        `json:"highestSequenceNumber"`
	LastRemoteSnapshotVersion model.Timestamp       `json:"lastRemoteSnapshotVersion"`
	MutationQueues            []MutationQueueRecord `json:"mutationQueues,omitempty"`
	Overlays                  []OverlayRecord       `json:"overlays,omitempty"`

	Bundles      []BundleMetadata `json:"bundles,omitempty"`
	NamedQueries []NamedQuery     `json:"namedQueries,omitempty"`
	SessionToken []byte           `json:"sessionToken,omitempty"`

	OrphanedDocuments []OrphanRecord `json:"orphanedDocuments,omitempty"`
	ListenSequence    SequenceNumber `json:"listenSequence"`

	FieldIndexes []FieldIndex `json:"fieldIndexes,omitempty"`
	Collections  []string     `json:"collections,omitempty"`
}

// MatchingKeysRecord lists the documents a target matched.
type MatchingKeysRecord struct {
	TargetID int      `json:"targetId"`
	Keys     []string `json:"keys"`
}

// MutationQueueRecord is one user's mutation queue.
type MutationQueueRecord struct {
	User            string                 `json:"user"`
	NextBatchID     int                    `json:"nextBatchId"`
	LastStreamToken []byte                 `json:"lastStreamToken,omitempty"`
	Batches         []mutation.BatchRecord `json:"batches,omitempty"`
}

// OverlayRecord is one overlay of one user.
type OverlayRecord struct {
	User           string          `json:"user"`
	LargestBatchID int             `json:"largestBatchId"`
	Mutation       mutation.Record `json:"mutation"`
}

// OrphanRecord is the sequence number at which a document last lost a
// reference.
type OrphanRecord struct {
	Key            string         `json:"key"`
	SequenceNumber SequenceNumber `json:"sequenceNumber"`
}

// Snapshot exports the committed state of m. It must not be called
// from inside a transaction.
func (m *Memory) Snapshot() (*Snapshot, error) {
	status.Assert(!m.inTransaction, "snapshot taken inside a transaction")
	snapshot := &Snapshot{
		FormatVersion:             SnapshotFormatVersion,
		HighestTargetID:           m.targets.highestTargetID,
		HighestSequenceNumber:     m.targets.highestSequenceNumber,
		LastRemoteSnapshotVersion: m.targets.lastRemoteSnapshotVersion.Timestamp(),
		SessionToken:              bytes.Clone(m.globals.sessionToken),
		OrphanedDocuments:         m.delegate.snapshotOrphans(),
		FieldIndexes:              slices.Clone(m.indexManager.indexes),
	}
	if lru, ok := m.delegate.(*LRUDelegate); ok {
		snapshot.ListenSequence = lru.sequence.Current()
	}

	for doc := range m.remoteDocuments.all() {
		snapshot.Documents = append(snapshot.Documents, doc.Record())
	}

	for _, data := range m.targets.byFingerprint.All() {
		snapshot.Targets = append(snapshot.Targets, data.Record())
		keys := m.targets.references.ReferencesForID(data.TargetID)
		if keys.IsEmpty() {
			continue
		}
		record := MatchingKeysRecord{TargetID: data.TargetID}
		for key := range keys.All() {
			record.Keys = append(record.Keys, key.String())
		}
		snapshot.MatchingKeys = append(snapshot.MatchingKeys, record)
	}

	for _, user := range slices.Sorted(maps.Keys(m.mutationQueues)) {
		queue := m.mutationQueues[user]
		record := MutationQueueRecord{
			User:            user,
			NextBatchID:     queue.nextBatchID,
			LastStreamToken: bytes.Clone(queue.lastStreamToken),
		}
		for _, batch := range queue.batches {
			record.Batches = append(record.Batches, batch.Record())
		}
		snapshot.MutationQueues = append(snapshot.MutationQueues, record)
	}

	for _, user := range slices.Sorted(maps.Keys(m.overlayCaches)) {
		for _, overlay := range m.overlayCaches[user].all().All() {
			snapshot.Overlays = append(snapshot.Overlays, OverlayRecord{
				User:           user,
				LargestBatchID: overlay.LargestBatchID,
				Mutation:       mutation.ToRecord(overlay.Mutation),
			})
		}
	}

	for _, id := range slices.Sorted(maps.Keys(m.bundles.bundles)) {
		snapshot.Bundles = append(snapshot.Bundles, m.bundles.bundles[id])
	}
	for _, name := range slices.Sorted(maps.Keys(m.bundles.namedQueries)) {
		snapshot.NamedQueries = append(snapshot.NamedQueries, m.bundles.namedQueries[name])
	}

	snapshot.Collections = m.indexManager.collections()
	return snapshot, nil
}

// Restore replaces the contents of m with snapshot. Every record is
// decoded before m is touched, so on error m is left unchanged.
func (m *Memory) Restore(snapshot *Snapshot) error {
	status.Assert(!m.inTransaction, "snapshot restored inside a transaction")
	if snapshot.FormatVersion != SnapshotFormatVersion {
		return fmt.Errorf("persistence: snapshot format %d, want %d", snapshot.FormatVersion, SnapshotFormatVersion)
	}
	return m.restore(snapshot)
}

func (m *Memory) restore(snapshot *Snapshot) error {
	txn := &Transaction{label: "restore snapshot", mode: ReadWritePrimary, sequenceNumber: InvalidSequenceNumber}

	documents := newMemoryRemoteDocumentCache()
	for _, record := range snapshot.Documents {
		doc, err := model.DocumentFromRecord(record)
		if err != nil {
			return fmt.Errorf("persistence: restoring documents: %w", err)
		}
		size := documentSize(doc)
		documents.documents = documents.documents.Insert(doc.Key(), cachedDocument{document: doc, size: size})
		documents.size += size
	}

	targets := newMemoryTargetCache(m)
	for _, record := range snapshot.Targets {
		data, err := TargetDataFromRecord(record)
		if err != nil {
			return fmt.Errorf("persistence: restoring targets: %w", err)
		}
		targets.saveTargetData(data)
	}
	for _, record := range snapshot.MatchingKeys {
		keys, err := parseKeys(record.Keys)
		if err != nil {
			return fmt.Errorf("persistence: restoring target %d: %w", record.TargetID, err)
		}
		targets.references.AddReferences(keys, record.TargetID)
	}
	targets.highestTargetID = max(targets.highestTargetID, snapshot.HighestTargetID)
	targets.highestSequenceNumber = max(targets.highestSequenceNumber, snapshot.HighestSequenceNumber)
	targets.lastRemoteSnapshotVersion = model.NewVersion(snapshot.LastRemoteSnapshotVersion)

	collections := slices.Clone(snapshot.Collections)
	queues := make(map[string]*memoryMutationQueue)
	for _, record := range snapshot.MutationQueues {
		queue := newMemoryMutationQueue(m, m.indexManager)
		queue.nextBatchID = record.NextBatchID
		queue.lastStreamToken = bytes.Clone(record.LastStreamToken)
		for _, encoded := range record.Batches {
			batch, err := mutation.BatchFromRecord(encoded)
			if err != nil {
				return fmt.Errorf("persistence: restoring queue of %q: %w", record.User, err)
			}
			queue.batches = append(queue.batches, batch)
			for _, mut := range batch.Mutations {
				queue.byKey = queue.byKey.Insert(docReference{key: mut.Key(), id: batch.BatchID})
				collections = append(collections, mut.Key().CollectionPath().String())
			}
			queue.nextBatchID = max(queue.nextBatchID, batch.BatchID+1)
		}
		queues[record.User] = queue
	}

	overlays := make(map[string]*memoryOverlayCache)
	for _, record := range snapshot.Overlays {
		mut, err := mutation.FromRecord(record.Mutation)
		if err != nil {
			return fmt.Errorf("persistence: restoring overlays of %q: %w", record.User, err)
		}
		cache, ok := overlays[record.User]
		if !ok {
			cache = newMemoryOverlayCache()
			overlays[record.User] = cache
		}
		cache.saveOverlay(mut.Key(), record.LargestBatchID, mut)
	}

	bundles := newMemoryBundleCache()
	for _, metadata := range snapshot.Bundles {
		bundles.bundles[metadata.ID] = metadata
	}
	for _, namedQuery := range snapshot.NamedQueries {
		bundles.namedQueries[namedQuery.Name] = namedQuery
	}

	collectionPaths := make([]model.ResourcePath, 0, len(collections))
	for _, collection := range collections {
		path, err := model.ParseResourcePath(collection)
		if err != nil {
			return fmt.Errorf("persistence: restoring collection %q: %w", collection, err)
		}
		collectionPaths = append(collectionPaths, path)
	}

	documents.SetIndexManager(m.indexManager)
	m.remoteDocuments.documents, m.remoteDocuments.size = documents.documents, documents.size
	m.targets.byFingerprint, m.targets.byID, m.targets.references = targets.byFingerprint, targets.byID, targets.references
	m.targets.highestTargetID = targets.highestTargetID
	m.targets.highestSequenceNumber = targets.highestSequenceNumber
	m.targets.lastRemoteSnapshotVersion = targets.lastRemoteSnapshotVersion
	m.mutationQueues = queues
	m.overlayCaches = overlays
	m.bundles.bundles, m.bundles.namedQueries = bundles.bundles, bundles.namedQueries
	m.globals.sessionToken = bytes.Clone(snapshot.SessionToken)
	m.indexManager.indexes = slices.SortedFunc(slices.Values(snapshot.FieldIndexes), func(a, b FieldIndex) int {
		return cmp.Compare(a.IndexID, b.IndexID)
	})
	m.indexManager.rebuild(txn, collectionPaths)
	m.delegate.restore(snapshot)
	return nil
}

func parseKeys(encoded []string) (model.DocumentKeySet, error) {
	keys := model.NewDocumentKeySet()
	for _, path := range encoded {
		key, err := model.ParseDocumentKey(path)
		if err != nil {
			return keys, err
		}
		keys = keys.Insert(key)
	}
	return keys, nil
}

// collections lists every collection path in the parent index.
func (m *memoryIndexManager) collections() []string {
	var paths []string
	for id, parents := range m.parents {
		for parent := range parents.All() {
			paths = append(paths, parent.Child(id).String())
		}
	}
	slices.Sort(paths)
	return paths
}
