// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package docsync

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/docsync/lib/model"
	"github.com/bureau-foundation/docsync/lib/persistence"
	"github.com/bureau-foundation/docsync/lib/query"
	"github.com/bureau-foundation/docsync/lib/status"
	"github.com/bureau-foundation/docsync/lib/syncengine"
)

// GetDocumentFromCache returns the local view of the document at path,
// pending writes included. A document known to be missing fails with
// NotFound; one the cache knows nothing about fails with Unavailable.
func (c *Client) GetDocumentFromCache(ctx context.Context, path string) (*model.MutableDocument, error) {
	key, err := model.ParseDocumentKey(path)
	if err != nil {
		return nil, fmt.Errorf("docsync: %w", err)
	}
	var doc *model.MutableDocument
	err = c.run(ctx, func(ctx context.Context) error {
		doc, err = c.localStore.ReadDocument(ctx, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	switch {
	case doc.IsFoundDocument():
		return doc, nil
	case doc.IsNoDocument():
		return nil, status.Errorf(status.NotFound, "document %s does not exist", path)
	default:
		return nil, status.Errorf(status.Unavailable,
			"document %s is not in the cache; listen to it while online first", path)
	}
}

// GetQueryFromCache evaluates q against the cache alone. The snapshot
// is marked as from cache and never waits for the backend.
func (c *Client) GetQueryFromCache(ctx context.Context, q *query.Query) (*syncengine.ViewSnapshot, error) {
	var snapshot *syncengine.ViewSnapshot
	err := c.run(ctx, func(ctx context.Context) error {
		result, err := c.localStore.ExecuteQuery(ctx, q, true)
		if err != nil {
			return err
		}
		view := syncengine.NewView(q, result.RemoteKeys)
		changes := view.ComputeDocChanges(result.Documents, nil)
		snapshot = view.ApplyChanges(changes, false, nil, false).Snapshot
		if snapshot == nil {
			snapshot = view.InitialSnapshot()
		}
		return nil
	})
	return snapshot, err
}

// NamedQuery returns the query a loaded bundle saved under name.
func (c *Client) NamedQuery(ctx context.Context, name string) (*query.Query, error) {
	var namedQuery *persistence.NamedQuery
	err := c.run(ctx, func(ctx context.Context) error {
		var err error
		namedQuery, err = c.localStore.NamedQuery(ctx, name)
		return err
	})
	if err != nil {
		return nil, err
	}
	if namedQuery == nil {
		return nil, status.Errorf(status.NotFound, "no named query %q", name)
	}
	target, err := query.TargetFromRecord(namedQuery.Query)
	if err != nil {
		return nil, fmt.Errorf("docsync: named query %q: %w", name, err)
	}
	return target.QueryWithLimitType(namedQuery.LimitType), nil
}

// Bundle is a set of documents read together at one time, with the
// queries that selected them, for seeding the cache without the
// backend.
type Bundle struct {
	Metadata     persistence.BundleMetadata
	Documents    []*model.MutableDocument
	NamedQueries []persistence.NamedQuery
}

// LoadBundle writes bundle into the cache. Listeners of affected
// queries see the documents, and the named queries become available
// through NamedQuery. It reports false if the bundle, or a newer copy
// of it, was already loaded.
func (c *Client) LoadBundle(ctx context.Context, bundle Bundle) (bool, error) {
	var loaded bool
	err := c.run(ctx, func(ctx context.Context) error {
		var err error
		loaded, err = c.syncEngine.LoadBundle(ctx, bundle.Metadata, bundle.Documents, bundle.NamedQueries)
		return err
	})
	return loaded, err
}
