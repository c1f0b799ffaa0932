// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package persistence

import (
	"cmp"

	"github.com/bureau-foundation/docsync/lib/model"
	"github.com/bureau-foundation/docsync/lib/mutation"
	"github.com/bureau-foundation/docsync/lib/sortedmap"
)

type memoryOverlayCache struct {
	overlays  mutation.OverlayMap
	byBatchID sortedmap.Map[int, model.DocumentKeySet]
}

func newMemoryOverlayCache() *memoryOverlayCache {
	return &memoryOverlayCache{
		overlays:  mutation.NewOverlayMap(),
		byBatchID: sortedmap.New[int, model.DocumentKeySet](cmp.Compare[int]),
	}
}

func (c *memoryOverlayCache) save() func() {
	overlays, byBatchID := c.overlays, c.byBatchID
	return func() { c.overlays, c.byBatchID = overlays, byBatchID }
}

func (c *memoryOverlayCache) Overlay(_ *Transaction, key model.DocumentKey) (*mutation.Overlay, error) {
	overlay, ok := c.overlays.Get(key)
	if !ok {
		return nil, nil
	}
	return &overlay, nil
}

func (c *memoryOverlayCache) Overlays(_ *Transaction, keys []model.DocumentKey) (mutation.OverlayMap, error) {
	result := mutation.NewOverlayMap()
	for _, key := range keys {
		if overlay, ok := c.overlays.Get(key); ok {
			result = result.Insert(key, overlay)
		}
	}
	return result, nil
}

func (c *memoryOverlayCache) SaveOverlays(_ *Transaction, largestBatchID int, overlays mutation.MutationMap) error {
	for key, m := range overlays.All() {
		c.saveOverlay(key, largestBatchID, m)
	}
	return nil
}

func (c *memoryOverlayCache) saveOverlay(key model.DocumentKey, largestBatchID int, m mutation.Mutation) {
	if existing, ok := c.overlays.Get(key); ok {
		if keys, ok := c.byBatchID.Get(existing.LargestBatchID); ok {
			c.byBatchID = c.byBatchID.Insert(existing.LargestBatchID, keys.Remove(key))
		}
	}
	c.overlays = c.overlays.Insert(key, mutation.Overlay{LargestBatchID: largestBatchID, Mutation: m})
	keys, ok := c.byBatchID.Get(largestBatchID)
	if !ok {
		keys = model.NewDocumentKeySet()
	}
	c.byBatchID = c.byBatchID.Insert(largestBatchID, keys.Insert(key))
}

func (c *memoryOverlayCache) RemoveOverlaysForBatchID(_ *Transaction, keys model.DocumentKeySet, batchID int) error {
	filed, ok := c.byBatchID.Get(batchID)
	if !ok {
		return nil
	}
	for key := range keys.All() {
		if !filed.Has(key) {
			continue
		}
		c.overlays = c.overlays.Remove(key)
		filed = filed.Remove(key)
	}
	if filed.Len() == 0 {
		c.byBatchID = c.byBatchID.Remove(batchID)
	} else {
		c.byBatchID = c.byBatchID.Insert(batchID, filed)
	}
	return nil
}

func (c *memoryOverlayCache) OverlaysForCollection(_ *Transaction, collection model.ResourcePath, sinceBatchID int) (mutation.OverlayMap, error) {
	result := mutation.NewOverlayMap()
	childLength := collection.Len() + 1
	for key, overlay := range c.overlays.From(model.RangeStart(collection)) {
		path := key.Path()
		if !collection.IsPrefixOf(path) {
			break
		}
		if path.Len() != childLength {
			continue
		}
		if overlay.LargestBatchID > sinceBatchID {
			result = result.Insert(key, overlay)
		}
	}
	return result, nil
}

func (c *memoryOverlayCache) OverlaysForCollectionGroup(_ *Transaction, collectionGroup string, sinceBatchID, count int) (mutation.OverlayMap, error) {
	byBatch := sortedmap.New[int, mutation.OverlayMap](cmp.Compare[int])
	for key, overlay := range c.overlays.All() {
		if !key.HasCollectionID(collectionGroup) || overlay.LargestBatchID <= sinceBatchID {
			continue
		}
		group, ok := byBatch.Get(overlay.LargestBatchID)
		if !ok {
			group = mutation.NewOverlayMap()
		}
		byBatch = byBatch.Insert(overlay.LargestBatchID, group.Insert(key, overlay))
	}

	result := mutation.NewOverlayMap()
	for _, group := range byBatch.All() {
		for key, overlay := range group.All() {
			result = result.Insert(key, overlay)
		}
		if result.Len() >= count {
			break
		}
	}
	return result, nil
}

// all returns every overlay, for snapshots.
func (c *memoryOverlayCache) all() mutation.OverlayMap { return c.overlays }
