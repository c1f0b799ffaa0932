// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"

	"github.com/bureau-foundation/docsync/lib/model"
	"github.com/bureau-foundation/docsync/lib/persistence"
	"github.com/bureau-foundation/docsync/lib/query"
)

// HasNewerBundle reports whether a bundle with metadata's id and the
// same or a later create time was already loaded.
func (s *LocalStore) HasNewerBundle(ctx context.Context, metadata persistence.BundleMetadata) (bool, error) {
	var newer bool
	err := s.persistence.Run(ctx, "has newer bundle", persistence.ReadOnly, func(txn *persistence.Transaction) error {
		cached, err := s.bundleCache.BundleMetadata(txn, metadata.ID)
		if err != nil {
			return err
		}
		newer = cached != nil && cached.CreateTime.Compare(metadata.CreateTime) >= 0
		return nil
	})
	return newer, err
}

// SaveBundle records that the bundle was loaded.
func (s *LocalStore) SaveBundle(ctx context.Context, metadata persistence.BundleMetadata) error {
	return s.persistence.Run(ctx, "save bundle", persistence.ReadWrite, func(txn *persistence.Transaction) error {
		return s.bundleCache.SaveBundleMetadata(txn, metadata)
	})
}

// ApplyBundledDocuments writes bundled documents into the remote
// document cache, read at the bundle's create time. The documents are held by an umbrella target named
// after the bundle so that garbage collection does not remove them
// before a query claims them. It returns the new local view of every
// document that changed.
func (s *LocalStore) ApplyBundledDocuments(ctx context.Context, metadata persistence.BundleMetadata, docs []*model.MutableDocument) (model.DocumentMap, error) {
	umbrella := query.NewQuery(model.NewResourcePath("__bundle__", "docs", metadata.ID)).Target()
	data, err := s.AllocateTarget(ctx, umbrella)
	if err != nil {
		return model.DocumentMap{}, err
	}

	updates := model.NewDocumentMap()
	keys := model.NewDocumentKeySet()
	for _, doc := range docs {
		updates = updates.Insert(doc.Key(), doc)
		keys = keys.Insert(doc.Key())
	}

	var changes model.DocumentMap
	err = s.persistence.Run(ctx, "apply bundle documents", persistence.ReadWrite, func(txn *persistence.Transaction) error {
		changed, existenceChanged, err := s.populateDocumentChanges(txn, updates, model.NewVersion(metadata.CreateTime))
		if err != nil {
			return err
		}
		if err := s.targetCache.RemoveMatchingKeysForTargetID(txn, data.TargetID); err != nil {
			return err
		}
		if err := s.targetCache.AddMatchingKeys(txn, keys, data.TargetID); err != nil {
			return err
		}
		changes, err = s.localDocuments.LocalViewOfDocuments(txn, changed, existenceChanged)
		return err
	})
	if err != nil {
		return model.DocumentMap{}, err
	}
	s.logger.Info("bundle documents applied", "bundle_id", metadata.ID, "documents", len(docs))
	return changes, nil
}

// SaveNamedQuery stores a bundled query with the keys it matched at
// its read time. When the bundle is newer than anything the target
// has seen, the keys become the target's remote keys so that the
// query can be served offline.
func (s *LocalStore) SaveNamedQuery(ctx context.Context, namedQuery persistence.NamedQuery, keys model.DocumentKeySet) error {
	target, err := query.TargetFromRecord(namedQuery.Query)
	if err != nil {
		return err
	}
	data, err := s.AllocateTarget(ctx, target)
	if err != nil {
		return err
	}
	defer func() {
		// The allocation above only exists to reach the target cache.
		_ = s.ReleaseTarget(context.WithoutCancel(ctx), data.TargetID, true)
	}()

	readTime := model.NewVersion(namedQuery.ReadTime)
	updated := false
	newer := data.WithResumeToken(nil, readTime)
	err = s.persistence.Run(ctx, "save named query", persistence.ReadWrite, func(txn *persistence.Transaction) error {
		if readTime.After(data.SnapshotVersion) {
			updated = true
			if err := s.targetCache.UpdateTargetData(txn, newer); err != nil {
				return err
			}
			if err := s.targetCache.RemoveMatchingKeysForTargetID(txn, data.TargetID); err != nil {
				return err
			}
			if err := s.targetCache.AddMatchingKeys(txn, keys, data.TargetID); err != nil {
				return err
			}
		}
		return s.bundleCache.SaveNamedQuery(txn, namedQuery)
	})
	if err == nil && updated {
		s.targetDataByTarget[data.TargetID] = newer
	}
	return err
}

// NamedQuery returns the bundled query saved under name, or nil.
func (s *LocalStore) NamedQuery(ctx context.Context, name string) (*persistence.NamedQuery, error) {
	var namedQuery *persistence.NamedQuery
	err := s.persistence.Run(ctx, "get named query", persistence.ReadOnly, func(txn *persistence.Transaction) error {
		var err error
		namedQuery, err = s.bundleCache.NamedQuery(txn, name)
		return err
	})
	return namedQuery, err
}
