// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package persistence

import (
	"github.com/bureau-foundation/docsync/lib/model"
	"github.com/bureau-foundation/docsync/lib/sortedmap"
)

// ReferenceDelegate is told whenever a reference to a cached document
// is added or dropped, and decides when the document may be removed.
type ReferenceDelegate interface {
	// SetInMemoryPins registers references held outside persistence,
	// such as the documents of views the application is listening to.
	// Pinned documents are never removed.
	SetInMemoryPins(pins *ReferenceSet)

	AddReference(txn *Transaction, targetID int, key model.DocumentKey) error
	RemoveReference(txn *Transaction, targetID int, key model.DocumentKey) error

	// RemoveMutationReference is called when a batch touching key is
	// removed from a mutation queue.
	RemoveMutationReference(txn *Transaction, key model.DocumentKey) error

	// RemoveTarget is called when the local store releases a target.
	RemoveTarget(txn *Transaction, data TargetData) error

	// MarkPotentiallyOrphaned flags key for a reference check.
	MarkPotentiallyOrphaned(txn *Transaction, key model.DocumentKey) error

	// UpdateLimboDocument is called when a limbo resolution touches
	// key.
	UpdateLimboDocument(txn *Transaction, key model.DocumentKey) error
}

// EagerDelegate removes documents at commit once nothing references
// them.
type EagerDelegate struct {
	persistence *Memory
	pins        *ReferenceSet
	orphaned    model.DocumentKeySet
}

func newEagerDelegate(persistence *Memory) *EagerDelegate {
	return &EagerDelegate{
		persistence: persistence,
		pins:        NewReferenceSet(),
		orphaned:    model.NewDocumentKeySet(),
	}
}

func (d *EagerDelegate) SetInMemoryPins(pins *ReferenceSet) { d.pins = pins }

func (d *EagerDelegate) AddReference(_ *Transaction, _ int, key model.DocumentKey) error {
	d.orphaned = d.orphaned.Remove(key)
	return nil
}

func (d *EagerDelegate) RemoveReference(_ *Transaction, _ int, key model.DocumentKey) error {
	d.orphaned = d.orphaned.Insert(key)
	return nil
}

func (d *EagerDelegate) RemoveMutationReference(_ *Transaction, key model.DocumentKey) error {
	d.orphaned = d.orphaned.Insert(key)
	return nil
}

func (d *EagerDelegate) MarkPotentiallyOrphaned(_ *Transaction, key model.DocumentKey) error {
	d.orphaned = d.orphaned.Insert(key)
	return nil
}

func (d *EagerDelegate) RemoveTarget(txn *Transaction, data TargetData) error {
	keys, err := d.persistence.targets.MatchingKeysForTargetID(txn, data.TargetID)
	if err != nil {
		return err
	}
	d.orphaned = d.orphaned.Union(keys)
	return d.persistence.targets.RemoveTargetData(txn, data)
}

func (d *EagerDelegate) UpdateLimboDocument(txn *Transaction, key model.DocumentKey) error {
	referenced, err := d.isReferenced(txn, key)
	if err != nil {
		return err
	}
	if referenced {
		d.orphaned = d.orphaned.Remove(key)
	} else {
		d.orphaned = d.orphaned.Insert(key)
	}
	return nil
}

func (d *EagerDelegate) isReferenced(txn *Transaction, key model.DocumentKey) (bool, error) {
	if d.pins.ContainsKey(key) {
		return true, nil
	}
	if found, err := d.persistence.targets.ContainsKey(txn, key); err != nil || found {
		return found, err
	}
	return d.persistence.mutationQueuesContainKey(txn, key)
}

func (d *EagerDelegate) startTransaction() SequenceNumber {
	d.orphaned = model.NewDocumentKeySet()
	return InvalidSequenceNumber
}

func (d *EagerDelegate) commitTransaction(txn *Transaction) error {
	for key := range d.orphaned.All() {
		referenced, err := d.isReferenced(txn, key)
		if err != nil {
			return err
		}
		if !referenced {
			if err := d.persistence.remoteDocuments.Remove(txn, key); err != nil {
				return err
			}
		}
	}
	d.orphaned = model.NewDocumentKeySet()
	return nil
}

func (d *EagerDelegate) save() func()                    { return func() {} }
func (d *EagerDelegate) snapshotOrphans() []OrphanRecord { return nil }
func (d *EagerDelegate) restore(*Snapshot)                {}

// LRUDelegate stamps each document with the sequence number of the
// transaction that last dropped a reference to it, and leaves removal
// to an LRUGarbageCollector.
type LRUDelegate struct {
	persistence *Memory
	pins        *ReferenceSet
	orphaned    sortedmap.Map[model.DocumentKey, SequenceNumber]
	sequence    *ListenSequence
	current     SequenceNumber
}

func newLRUDelegate(persistence *Memory) *LRUDelegate {
	return &LRUDelegate{
		persistence: persistence,
		pins:        NewReferenceSet(),
		orphaned:    sortedmap.New[model.DocumentKey, SequenceNumber](model.CompareKeys),
		sequence:    NewListenSequence(0),
		current:     InvalidSequenceNumber,
	}
}

func (d *LRUDelegate) SetInMemoryPins(pins *ReferenceSet) { d.pins = pins }

func (d *LRUDelegate) stamp(key model.DocumentKey) {
	d.orphaned = d.orphaned.Insert(key, d.current)
}

func (d *LRUDelegate) AddReference(_ *Transaction, _ int, key model.DocumentKey) error {
	d.stamp(key)
	return nil
}

func (d *LRUDelegate) RemoveReference(_ *Transaction, _ int, key model.DocumentKey) error {
	d.stamp(key)
	return nil
}

func (d *LRUDelegate) RemoveMutationReference(_ *Transaction, key model.DocumentKey) error {
	d.stamp(key)
	return nil
}

func (d *LRUDelegate) MarkPotentiallyOrphaned(_ *Transaction, key model.DocumentKey) error {
	d.stamp(key)
	return nil
}

func (d *LRUDelegate) UpdateLimboDocument(_ *Transaction, key model.DocumentKey) error {
	d.stamp(key)
	return nil
}

// RemoveTarget keeps the target and its resume token cached and only
// records when it was last used. The collector removes it later.
func (d *LRUDelegate) RemoveTarget(txn *Transaction, data TargetData) error {
	return d.persistence.targets.UpdateTargetData(txn, data.WithSequenceNumber(d.current))
}

func (d *LRUDelegate) startTransaction() SequenceNumber {
	d.current = d.sequence.Next()
	return d.current
}

func (d *LRUDelegate) commitTransaction(*Transaction) error { return nil }

func (d *LRUDelegate) save() func() {
	orphaned := d.orphaned
	return func() { d.orphaned = orphaned }
}

// isPinned reports whether key must survive a collection at
// upperBound.
func (d *LRUDelegate) isPinned(txn *Transaction, key model.DocumentKey, upperBound SequenceNumber) (bool, error) {
	if d.pins.ContainsKey(key) {
		return true, nil
	}
	if found, err := d.persistence.mutationQueuesContainKey(txn, key); err != nil || found {
		return found, err
	}
	if found, err := d.persistence.targets.ContainsKey(txn, key); err != nil || found {
		return found, err
	}
	orphanedAt, ok := d.orphaned.Get(key)
	return ok && orphanedAt > upperBound, nil
}

func (d *LRUDelegate) ForEachTarget(txn *Transaction, fn func(TargetData) error) error {
	return d.persistence.targets.ForEachTarget(txn, fn)
}

// ForEachOrphanedDocumentSequenceNumber calls fn with the orphan
// sequence number of every document not pinned by a reference.
func (d *LRUDelegate) ForEachOrphanedDocumentSequenceNumber(txn *Transaction, fn func(SequenceNumber) error) error {
	for key, sequenceNumber := range d.orphaned.All() {
		pinned, err := d.isPinned(txn, key, sequenceNumber)
		if err != nil {
			return err
		}
		if pinned {
			continue
		}
		if err := fn(sequenceNumber); err != nil {
			return err
		}
	}
	return nil
}

func (d *LRUDelegate) SequenceNumberCount(txn *Transaction) (int, error) {
	count, err := d.persistence.targets.TargetCount(txn)
	if err != nil {
		return 0, err
	}
	err = d.ForEachOrphanedDocumentSequenceNumber(txn, func(SequenceNumber) error {
		count++
		return nil
	})
	return count, err
}

func (d *LRUDelegate) RemoveTargets(txn *Transaction, upperBound SequenceNumber, active map[int]bool) (int, error) {
	return d.persistence.targets.RemoveTargets(txn, upperBound, active)
}

// RemoveOrphanedDocuments removes every cached document that is not
// pinned at upperBound.
func (d *LRUDelegate) RemoveOrphanedDocuments(txn *Transaction, upperBound SequenceNumber) (int, error) {
	var doomed []model.DocumentKey
	err := d.persistence.remoteDocuments.ForEachDocumentKey(txn, func(key model.DocumentKey) error {
		pinned, err := d.isPinned(txn, key, upperBound)
		if err == nil && !pinned {
			doomed = append(doomed, key)
		}
		return err
	})
	if err != nil {
		return 0, err
	}
	for _, key := range doomed {
		if err := d.persistence.remoteDocuments.Remove(txn, key); err != nil {
			return 0, err
		}
		if d.orphaned.Contains(key) {
			d.orphaned = d.orphaned.Remove(key)
		}
	}
	return len(doomed), nil
}

func (d *LRUDelegate) ByteSize(txn *Transaction) (int64, error) {
	return d.persistence.remoteDocuments.Size(txn)
}

func (d *LRUDelegate) snapshotOrphans() []OrphanRecord {
	var records []OrphanRecord
	for key, sequenceNumber := range d.orphaned.All() {
		records = append(records, OrphanRecord{Key: key.String(), SequenceNumber: sequenceNumber})
	}
	return records
}

func (d *LRUDelegate) restore(snapshot *Snapshot) {
	d.orphaned = sortedmap.New[model.DocumentKey, SequenceNumber](model.CompareKeys)
	for _, record := range snapshot.OrphanedDocuments {
		if key, err := model.ParseDocumentKey(record.Key); err == nil {
			d.orphaned = d.orphaned.Insert(key, record.SequenceNumber)
		}
	}
	d.sequence = NewListenSequence(max(snapshot.ListenSequence, d.sequence.Current()))
}
