// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package persistence

import (
	"bytes"
	"maps"
)

type memoryBundleCache struct {
	bundles      map[string]BundleMetadata
	namedQueries map[string]NamedQuery
}

func newMemoryBundleCache() *memoryBundleCache {
	return &memoryBundleCache{
		bundles:      make(map[string]BundleMetadata),
		namedQueries: make(map[string]NamedQuery),
	}
}

func (c *memoryBundleCache) save() func() {
	bundles, namedQueries := maps.Clone(c.bundles), maps.Clone(c.namedQueries)
	return func() { c.bundles, c.namedQueries = bundles, namedQueries }
}

func (c *memoryBundleCache) BundleMetadata(_ *Transaction, id string) (*BundleMetadata, error) {
	metadata, ok := c.bundles[id]
	if !ok {
		return nil, nil
	}
	return &metadata, nil
}

func (c *memoryBundleCache) SaveBundleMetadata(_ *Transaction, metadata BundleMetadata) error {
	c.bundles[metadata.ID] = metadata
	return nil
}

func (c *memoryBundleCache) NamedQuery(_ *Transaction, name string) (*NamedQuery, error) {
	namedQuery, ok := c.namedQueries[name]
	if !ok {
		return nil, nil
	}
	return &namedQuery, nil
}

func (c *memoryBundleCache) SaveNamedQuery(_ *Transaction, namedQuery NamedQuery) error {
	c.namedQueries[namedQuery.Name] = namedQuery
	return nil
}

type memoryGlobals struct {
	sessionToken []byte
}

func (g *memoryGlobals) save() func() {
	token := g.sessionToken
	return func() { g.sessionToken = token }
}

func (g *memoryGlobals) SessionToken(*Transaction) ([]byte, error) {
	return bytes.Clone(g.sessionToken), nil
}

func (g *memoryGlobals) SetSessionToken(_ *Transaction, token []byte) error {
	g.sessionToken = bytes.Clone(token)
	return nil
}
