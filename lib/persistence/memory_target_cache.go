// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package persistence

import (
	"cmp"
	"strings"

	"github.com/bureau-foundation/docsync/lib/model"
	"github.com/bureau-foundation/docsync/lib/query"
	"github.com/bureau-foundation/docsync/lib/sortedmap"
	"github.com/bureau-foundation/docsync/lib/status"
)

// memoryTargetCache indexes targets by fingerprint and by id.
type memoryTargetCache struct {
	persistence *Memory

	byFingerprint sortedmap.Map[string, TargetData]
	byID          sortedmap.Map[int, string]
	references    *ReferenceSet

	highestTargetID           int
	highestSequenceNumber     SequenceNumber
	lastRemoteSnapshotVersion model.SnapshotVersion
}

func newMemoryTargetCache(persistence *Memory) *memoryTargetCache {
	return &memoryTargetCache{
		persistence:               persistence,
		byFingerprint:             sortedmap.New[string, TargetData](strings.Compare),
		byID:                      sortedmap.New[int, string](cmp.Compare[int]),
		references:                NewReferenceSet(),
		lastRemoteSnapshotVersion: model.MinVersion,
	}
}

func (c *memoryTargetCache) save() func() {
	byFingerprint, byID := c.byFingerprint, c.byID
	restoreReferences := c.references.save()
	highestTargetID, highestSequenceNumber, lastVersion := c.highestTargetID, c.highestSequenceNumber, c.lastRemoteSnapshotVersion
	return func() {
		c.byFingerprint, c.byID = byFingerprint, byID
		restoreReferences()
		c.highestTargetID, c.highestSequenceNumber, c.lastRemoteSnapshotVersion = highestTargetID, highestSequenceNumber, lastVersion
	}
}

func (c *memoryTargetCache) TargetData(_ *Transaction, target *query.Target) (*TargetData, error) {
	data, ok := c.byFingerprint.Get(target.Fingerprint())
	if !ok || !data.Target.Equal(target) {
		return nil, nil
	}
	return &data, nil
}

func (c *memoryTargetCache) TargetDataForID(_ *Transaction, targetID int) (*TargetData, error) {
	fingerprint, ok := c.byID.Get(targetID)
	if !ok {
		return nil, nil
	}
	data, _ := c.byFingerprint.Get(fingerprint)
	return &data, nil
}

func (c *memoryTargetCache) saveTargetData(data TargetData) {
	fingerprint := data.Target.Fingerprint()
	c.byFingerprint = c.byFingerprint.Insert(fingerprint, data)
	c.byID = c.byID.Insert(data.TargetID, fingerprint)
	if data.TargetID > c.highestTargetID {
		c.highestTargetID = data.TargetID
	}
	if data.SequenceNumber > c.highestSequenceNumber {
		c.highestSequenceNumber = data.SequenceNumber
	}
}

func (c *memoryTargetCache) AddTargetData(_ *Transaction, data TargetData) error {
	status.Assert(!c.byFingerprint.Contains(data.Target.Fingerprint()), "adding a target that already exists: %s", data.Target)
	c.saveTargetData(data)
	return nil
}

func (c *memoryTargetCache) UpdateTargetData(_ *Transaction, data TargetData) error {
	status.Assert(c.byFingerprint.Contains(data.Target.Fingerprint()), "updating a target that does not exist: %s", data.Target)
	c.saveTargetData(data)
	return nil
}

func (c *memoryTargetCache) RemoveTargetData(_ *Transaction, data TargetData) error {
	fingerprint := data.Target.Fingerprint()
	status.Assert(c.byFingerprint.Contains(fingerprint), "removing a target that does not exist: %s", data.Target)
	c.byFingerprint = c.byFingerprint.Remove(fingerprint)
	c.byID = c.byID.Remove(data.TargetID)
	c.references.RemoveReferencesForID(data.TargetID)
	return nil
}

func (c *memoryTargetCache) RemoveTargets(txn *Transaction, upperBound SequenceNumber, active map[int]bool) (int, error) {
	removed := 0
	for _, data := range c.byFingerprint.All() {
		if data.SequenceNumber > upperBound || active[data.TargetID] {
			continue
		}
		if err := c.RemoveTargetData(txn, data); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (c *memoryTargetCache) ForEachTarget(_ *Transaction, fn func(TargetData) error) error {
	for _, data := range c.byFingerprint.All() {
		if err := fn(data); err != nil {
			return err
		}
	}
	return nil
}

func (c *memoryTargetCache) TargetCount(*Transaction) (int, error) {
	return c.byFingerprint.Len(), nil
}

func (c *memoryTargetCache) AllocateTargetID(*Transaction) (int, error) {
	c.highestTargetID = ForTargetCache(c.highestTargetID).Next()
	return c.highestTargetID, nil
}

func (c *memoryTargetCache) HighestTargetID(*Transaction) (int, error) {
	return c.highestTargetID, nil
}

func (c *memoryTargetCache) HighestSequenceNumber(*Transaction) (SequenceNumber, error) {
	return c.highestSequenceNumber, nil
}

func (c *memoryTargetCache) LastRemoteSnapshotVersion(*Transaction) (model.SnapshotVersion, error) {
	return c.lastRemoteSnapshotVersion, nil
}

func (c *memoryTargetCache) SetTargetsMetadata(_ *Transaction, highestSequenceNumber SequenceNumber, lastRemoteSnapshotVersion model.SnapshotVersion) error {
	if highestSequenceNumber > c.highestSequenceNumber {
		c.highestSequenceNumber = highestSequenceNumber
	}
	c.lastRemoteSnapshotVersion = lastRemoteSnapshotVersion
	return nil
}

func (c *memoryTargetCache) AddMatchingKeys(txn *Transaction, keys model.DocumentKeySet, targetID int) error {
	c.references.AddReferences(keys, targetID)
	for key := range keys.All() {
		if err := c.persistence.delegate.AddReference(txn, targetID, key); err != nil {
			return err
		}
	}
	return nil
}

func (c *memoryTargetCache) RemoveMatchingKeys(txn *Transaction, keys model.DocumentKeySet, targetID int) error {
	c.references.RemoveReferences(keys, targetID)
	for key := range keys.All() {
		if err := c.persistence.delegate.RemoveReference(txn, targetID, key); err != nil {
			return err
		}
	}
	return nil
}

func (c *memoryTargetCache) RemoveMatchingKeysForTargetID(_ *Transaction, targetID int) error {
	c.references.RemoveReferencesForID(targetID)
	return nil
}

func (c *memoryTargetCache) MatchingKeysForTargetID(_ *Transaction, targetID int) (model.DocumentKeySet, error) {
	return c.references.ReferencesForID(targetID), nil
}

func (c *memoryTargetCache) ContainsKey(_ *Transaction, key model.DocumentKey) (bool, error) {
	return c.references.ContainsKey(key), nil
}
