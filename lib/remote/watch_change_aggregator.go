// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"cmp"
	"log/slog"

	"github.com/bureau-foundation/docsync/lib/model"
	"github.com/bureau-foundation/docsync/lib/persistence"
	"github.com/bureau-foundation/docsync/lib/sortedmap"
	"github.com/bureau-foundation/docsync/lib/status"
)

// TargetMetadataProvider supplies what the aggregator needs to know
// about targets from outside the watch stream.
type TargetMetadataProvider interface {
	// RemoteKeysForTarget returns the keys the backend last reported
	// as matching targetID.
	RemoteKeysForTarget(targetID int) model.DocumentKeySet

	// TargetDataForTarget returns the target data of an active
	// target, or false if the target is not being listened to.
	TargetDataForTarget(targetID int) (persistence.TargetData, bool)
}

type changeType int

const (
	changeAdded changeType = iota
	changeModified
	changeRemoved
)

// TargetState is the aggregator's bookkeeping for one target between
// snapshots.
type TargetState struct {
	// pendingResponses counts add and remove requests sent for the
	// target that the backend has not acknowledged. Changes for a
	// target with pending responses are ignored.
	pendingResponses int

	current           bool
	resumeToken       []byte
	documentChanges   sortedmap.Map[model.DocumentKey, changeType]
	hasPendingChanges bool
}

func newTargetState() *TargetState {
	return &TargetState{
		documentChanges: sortedmap.New[model.DocumentKey, changeType](model.CompareKeys),
		// A new target must be reported in the next event even when
		// nothing has been sent for it yet.
		hasPendingChanges: true,
	}
}

// IsPending reports whether the backend has not yet acknowledged every
// request for the target.
func (s *TargetState) IsPending() bool { return s.pendingResponses != 0 }

// Current reports whether the target has been marked current.
func (s *TargetState) Current() bool { return s.current }

// ResumeToken returns the last non-empty resume token received.
func (s *TargetState) ResumeToken() []byte { return s.resumeToken }

// HasPendingChanges reports whether the target has changes not yet
// included in a RemoteEvent.
func (s *TargetState) HasPendingChanges() bool { return s.hasPendingChanges }

func (s *TargetState) updateResumeToken(token []byte) {
	if len(token) > 0 {
		s.hasPendingChanges = true
		s.resumeToken = token
	}
}

func (s *TargetState) toTargetChange() TargetChange {
	change := NewTargetChange(s.resumeToken, s.current)
	for key, kind := range s.documentChanges.All() {
		switch kind {
		case changeAdded:
			change.AddedDocuments = change.AddedDocuments.Insert(key)
		case changeModified:
			change.ModifiedDocuments = change.ModifiedDocuments.Insert(key)
		case changeRemoved:
			change.RemovedDocuments = change.RemovedDocuments.Insert(key)
		}
	}
	return change
}

func (s *TargetState) clearPendingChanges() {
	s.hasPendingChanges = false
	s.documentChanges = sortedmap.New[model.DocumentKey, changeType](model.CompareKeys)
}

func (s *TargetState) addDocumentChange(key model.DocumentKey, kind changeType) {
	s.hasPendingChanges = true
	s.documentChanges = s.documentChanges.Insert(key, kind)
}

func (s *TargetState) removeDocumentChange(key model.DocumentKey) {
	s.hasPendingChanges = true
	s.documentChanges = s.documentChanges.Remove(key)
}

func (s *TargetState) recordPendingTargetRequest() { s.pendingResponses++ }

func (s *TargetState) recordTargetResponse() {
	s.pendingResponses--
	status.Assert(s.pendingResponses >= 0, "target response without a pending request")
}

func (s *TargetState) markCurrent() {
	s.hasPendingChanges = true
	s.current = true
}

type targetIDSet = sortedmap.Set[int]

func newTargetIDSet() targetIDSet { return sortedmap.NewSet[int](cmp.Compare[int]) }

type bloomFilterResult int

const (
	bloomFilterSuccess bloomFilterResult = iota
	bloomFilterSkipped
	bloomFilterFalsePositive
)

func (r bloomFilterResult) String() string {
	switch r {
	case bloomFilterSuccess:
		return "success"
	case bloomFilterSkipped:
		return "skipped"
	default:
		return "false_positive"
	}
}

// WatchChangeAggregator accumulates watch changes between consistency
// points and turns them into RemoteEvents. It is created when the
// watch stream starts and discarded when it closes.
type WatchChangeAggregator struct {
	metadata   TargetMetadataProvider
	serializer *Serializer
	logger     *slog.Logger

	targetStates map[int]*TargetState

	pendingDocumentUpdates         model.DocumentMap
	pendingDocumentUpdatesByTarget sortedmap.Map[model.DocumentKey, targetIDSet]
	// pendingDocumentTargetMapping records every target a changed
	// document was added to or removed from, for limbo detection.
	pendingDocumentTargetMapping sortedmap.Map[model.DocumentKey, targetIDSet]
	pendingTargetResets          map[int]persistence.Purpose
}

// NewWatchChangeAggregator returns an empty aggregator.
func NewWatchChangeAggregator(metadata TargetMetadataProvider, serializer *Serializer, logger *slog.Logger) *WatchChangeAggregator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	a := &WatchChangeAggregator{
		metadata:     metadata,
		serializer:   serializer,
		logger:       logger,
		targetStates: make(map[int]*TargetState),
	}
	a.resetPending()
	return a
}

func (a *WatchChangeAggregator) resetPending() {
	a.pendingDocumentUpdates = model.NewDocumentMap()
	a.pendingDocumentUpdatesByTarget = sortedmap.New[model.DocumentKey, targetIDSet](model.CompareKeys)
	a.pendingDocumentTargetMapping = sortedmap.New[model.DocumentKey, targetIDSet](model.CompareKeys)
	a.pendingTargetResets = make(map[int]persistence.Purpose)
}

// HandleDocumentChange records a document entering, changing within,
// or leaving targets.
func (a *WatchChangeAggregator) HandleDocumentChange(change *DocumentWatchChange) {
	for _, targetID := range change.UpdatedTargetIDs {
		switch {
		case change.NewDocument != nil && change.NewDocument.IsFoundDocument():
			a.addDocumentToTarget(targetID, change.NewDocument)
		case change.NewDocument != nil && change.NewDocument.IsNoDocument():
			a.removeDocumentFromTarget(targetID, change.Key, change.NewDocument)
		}
	}
	for _, targetID := range change.RemovedTargetIDs {
		a.removeDocumentFromTarget(targetID, change.Key, change.NewDocument)
	}
}

// HandleTargetChange applies a change to the state of targets.
func (a *WatchChangeAggregator) HandleTargetChange(change *WatchTargetChange) {
	for _, targetID := range a.targetIDsOf(change) {
		state := a.ensureTargetState(targetID)
		switch change.State {
		case TargetNoChange:
			if a.isActiveTarget(targetID) {
				state.updateResumeToken(change.ResumeToken)
			}
		case TargetAdded:
			state.recordTargetResponse()
			if !state.IsPending() {
				// The backend has caught up with our requests; anything
				// recorded before is stale.
				state.clearPendingChanges()
			}
			state.updateResumeToken(change.ResumeToken)
		case TargetRemoved:
			state.recordTargetResponse()
			if !state.IsPending() {
				a.RemoveTarget(targetID)
			}
			status.Assert(change.Cause == nil, "target %d removed with an error cause", targetID)
		case TargetCurrent:
			if a.isActiveTarget(targetID) {
				state.markCurrent()
				state.updateResumeToken(change.ResumeToken)
			}
		case TargetReset:
			if a.isActiveTarget(targetID) {
				a.resetTarget(targetID)
				state = a.targetStates[targetID]
				state.updateResumeToken(change.ResumeToken)
			}
		default:
			status.Fail("unknown target change state %q", change.State)
		}
	}
}

// targetIDsOf returns the targets a change applies to: the ones it
// names, or every tracked target when it names none.
func (a *WatchChangeAggregator) targetIDsOf(change *WatchTargetChange) []int {
	if len(change.TargetIDs) > 0 {
		return change.TargetIDs
	}
	ids := make([]int, 0, len(a.targetStates))
	for id := range a.targetStates {
		ids = append(ids, id)
	}
	return ids
}

// HandleExistenceFilter compares the backend's count for a target
// with the client's. On disagreement the bloom filter, when present,
// identifies the documents the client holds that the backend no
// longer matches; if that does not reconcile the counts the target is
// reset and scheduled for a re-listen.
func (a *WatchChangeAggregator) HandleExistenceFilter(change *ExistenceFilterChange) {
	targetID := change.TargetID
	targetData, ok := a.targetDataForActiveTarget(targetID)
	if !ok {
		return
	}

	target := targetData.Target
	if target.IsDocumentTarget() {
		if change.Count == 0 {
			// The document was deleted but the delete never arrived.
			key, err := model.NewDocumentKey(target.Path)
			status.Assert(err == nil, "document target %d with path %s", targetID, target.Path)
			a.removeDocumentFromTarget(targetID, key, model.NewNoDocument(key, model.MinVersion))
		} else {
			status.Assert(change.Count == 1, "document target %d has existence count %d", targetID, change.Count)
		}
		return
	}

	currentCount := a.currentDocumentCountForTarget(targetID)
	if currentCount == change.Count {
		return
	}
	result := a.applyBloomFilter(change, currentCount)
	if result == bloomFilterSuccess {
		return
	}
	a.logger.Debug("existence filter mismatch",
		"target_id", targetID,
		"expected_count", change.Count,
		"current_count", currentCount,
		"bloom_filter_result", result.String())
	a.resetTarget(targetID)
	purpose := persistence.PurposeExistenceFilterMismatch
	if result == bloomFilterFalsePositive {
		purpose = persistence.PurposeExistenceFilterMismatchBloom
	}
	a.pendingTargetResets[targetID] = purpose
}

func (a *WatchChangeAggregator) applyBloomFilter(change *ExistenceFilterChange, currentCount int) bloomFilterResult {
	if change.UnchangedNames == nil {
		return bloomFilterSkipped
	}
	filter, err := NewBloomFilter(change.UnchangedNames.Bits, change.UnchangedNames.Padding, change.UnchangedNames.HashCount)
	if err != nil {
		a.logger.Warn("ignoring malformed bloom filter", "target_id", change.TargetID, "error", err)
		return bloomFilterSkipped
	}
	if filter.BitCount() == 0 {
		return bloomFilterSkipped
	}
	removed := a.filterRemovedDocuments(filter, change.TargetID)
	if change.Count != currentCount-removed {
		return bloomFilterFalsePositive
	}
	return bloomFilterSuccess
}

// filterRemovedDocuments removes from the target every cached key the
// bloom filter definitely does not contain, returning how many.
func (a *WatchChangeAggregator) filterRemovedDocuments(filter *BloomFilter, targetID int) int {
	removed := 0
	for key := range a.metadata.RemoteKeysForTarget(targetID).All() {
		if !filter.MightContain(a.serializer.DocumentName(key)) {
			a.removeDocumentFromTarget(targetID, key, nil)
			removed++
		}
	}
	return removed
}

// CreateRemoteEvent packages everything accumulated since the last
// call into a RemoteEvent at snapshotVersion and clears the pending
// document state.
func (a *WatchChangeAggregator) CreateRemoteEvent(snapshotVersion model.SnapshotVersion) RemoteEvent {
	targetChanges := make(map[int]TargetChange)

	for targetID, state := range a.targetStates {
		targetData, ok := a.targetDataForActiveTarget(targetID)
		if !ok {
			continue
		}
		if state.current && targetData.Target.IsDocumentTarget() {
			// A current document target that never received its
			// document proves the document does not exist.
			key, err := model.NewDocumentKey(targetData.Target.Path)
			status.Assert(err == nil, "document target %d with path %s", targetID, targetData.Target.Path)
			updatedTargets, _ := a.pendingDocumentUpdatesByTarget.Get(key)
			if !setHas(updatedTargets, targetID) && !a.targetContainsDocument(targetID, key) {
				a.removeDocumentFromTarget(targetID, key, model.NewNoDocument(key, snapshotVersion))
			}
		}
		if state.hasPendingChanges {
			targetChanges[targetID] = state.toTargetChange()
			state.clearPendingChanges()
		}
	}

	// Documents touched only by limbo resolution targets are not in
	// any query's cached results; the garbage collector needs to know.
	resolvedLimbo := model.NewDocumentKeySet()
	for key, targets := range a.pendingDocumentTargetMapping.All() {
		onlyLimbo := true
		for targetID := range targets.All() {
			targetData, ok := a.targetDataForActiveTarget(targetID)
			if ok && targetData.Purpose != persistence.PurposeLimboResolution {
				onlyLimbo = false
				break
			}
		}
		if onlyLimbo {
			resolvedLimbo = resolvedLimbo.Insert(key)
		}
	}

	for _, doc := range a.pendingDocumentUpdates.All() {
		doc.SetReadTime(snapshotVersion)
	}

	event := RemoteEvent{
		SnapshotVersion:        snapshotVersion,
		TargetChanges:          targetChanges,
		TargetMismatches:       a.pendingTargetResets,
		DocumentUpdates:        a.pendingDocumentUpdates,
		ResolvedLimboDocuments: resolvedLimbo,
	}
	a.resetPending()
	return event
}

func setHas(set targetIDSet, id int) bool {
	return set.Len() > 0 && set.Has(id)
}

func (a *WatchChangeAggregator) addDocumentToTarget(targetID int, doc *model.MutableDocument) {
	if !a.isActiveTarget(targetID) {
		return
	}
	kind := changeAdded
	if a.targetContainsDocument(targetID, doc.Key()) {
		kind = changeModified
	}
	a.ensureTargetState(targetID).addDocumentChange(doc.Key(), kind)
	a.pendingDocumentUpdates = a.pendingDocumentUpdates.Insert(doc.Key(), doc)
	a.pendingDocumentUpdatesByTarget = addTargetTo(a.pendingDocumentUpdatesByTarget, doc.Key(), targetID)
	a.pendingDocumentTargetMapping = addTargetTo(a.pendingDocumentTargetMapping, doc.Key(), targetID)
}

// removeDocumentFromTarget records that key left targetID. updated,
// when non-nil, is the document's new state.
func (a *WatchChangeAggregator) removeDocumentFromTarget(targetID int, key model.DocumentKey, updated *model.MutableDocument) {
	if !a.isActiveTarget(targetID) {
		return
	}
	state := a.ensureTargetState(targetID)
	if a.targetContainsDocument(targetID, key) {
		state.addDocumentChange(key, changeRemoved)
	} else {
		// Added and removed between snapshots; nothing to report.
		state.removeDocumentChange(key)
	}
	a.pendingDocumentTargetMapping = addTargetTo(a.pendingDocumentTargetMapping, key, targetID)
	if updated != nil {
		a.pendingDocumentUpdates = a.pendingDocumentUpdates.Insert(key, updated)
	}
}

func addTargetTo(m sortedmap.Map[model.DocumentKey, targetIDSet], key model.DocumentKey, targetID int) sortedmap.Map[model.DocumentKey, targetIDSet] {
	targets, ok := m.Get(key)
	if !ok {
		targets = newTargetIDSet()
	}
	return m.Insert(key, targets.Insert(targetID))
}

// RemoveTarget forgets a target the client stopped listening to.
func (a *WatchChangeAggregator) RemoveTarget(targetID int) {
	delete(a.targetStates, targetID)
}

// RecordPendingTargetRequest notes that an add or remove request for
// targetID was sent. Changes for the target are ignored until the
// backend acknowledges every such request.
func (a *WatchChangeAggregator) RecordPendingTargetRequest(targetID int) {
	a.ensureTargetState(targetID).recordPendingTargetRequest()
}

// TargetState returns the state of a tracked target.
func (a *WatchChangeAggregator) TargetState(targetID int) (*TargetState, bool) {
	state, ok := a.targetStates[targetID]
	return state, ok
}

func (a *WatchChangeAggregator) ensureTargetState(targetID int) *TargetState {
	state, ok := a.targetStates[targetID]
	if !ok {
		state = newTargetState()
		a.targetStates[targetID] = state
	}
	return state
}

// currentDocumentCountForTarget is the number of documents the client
// will believe match the target once pending changes are applied.
func (a *WatchChangeAggregator) currentDocumentCountForTarget(targetID int) int {
	change := a.ensureTargetState(targetID).toTargetChange()
	return a.metadata.RemoteKeysForTarget(targetID).Len() +
		change.AddedDocuments.Len() - change.RemovedDocuments.Len()
}

func (a *WatchChangeAggregator) isActiveTarget(targetID int) bool {
	_, ok := a.targetDataForActiveTarget(targetID)
	if !ok {
		a.logger.Debug("ignoring change for inactive target", "target_id", targetID)
	}
	return ok
}

// targetDataForActiveTarget returns the target's data when it is
// being listened to and has no unacknowledged requests.
func (a *WatchChangeAggregator) targetDataForActiveTarget(targetID int) (persistence.TargetData, bool) {
	if state, ok := a.targetStates[targetID]; ok && state.IsPending() {
		return persistence.TargetData{}, false
	}
	return a.metadata.TargetDataForTarget(targetID)
}

// resetTarget discards the client's view of a target. Every document
// the client believed matched is recorded as removed; the backend
// resends the ones that still match.
func (a *WatchChangeAggregator) resetTarget(targetID int) {
	status.Assert(!a.ensureTargetState(targetID).IsPending(), "resetting target %d with pending requests", targetID)
	a.targetStates[targetID] = newTargetState()
	for key := range a.metadata.RemoteKeysForTarget(targetID).All() {
		a.removeDocumentFromTarget(targetID, key, nil)
	}
}

func (a *WatchChangeAggregator) targetContainsDocument(targetID int, key model.DocumentKey) bool {
	return a.metadata.RemoteKeysForTarget(targetID).Has(key)
}
