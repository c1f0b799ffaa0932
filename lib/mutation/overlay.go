// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mutation

import (
	"github.com/bureau-foundation/docsync/lib/model"
	"github.com/bureau-foundation/docsync/lib/sortedmap"
)

// Overlay is the net effect of every pending batch on one document,
// expressed as a single mutation. LargestBatchID is the highest batch
// folded into it.
type Overlay struct {
	LargestBatchID int
	Mutation       Mutation
}

// Key returns the overlaid document's key.
func (o Overlay) Key() model.DocumentKey { return o.Mutation.Key() }

// OverlayMap is an ordered map from key to overlay.
type OverlayMap = sortedmap.Map[model.DocumentKey, Overlay]

// NewOverlayMap returns an empty OverlayMap.
func NewOverlayMap() OverlayMap {
	return sortedmap.New[model.DocumentKey, Overlay](model.CompareKeys)
}
