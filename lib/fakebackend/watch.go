// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fakebackend

import (
	"context"
	"log/slog"
	"maps"
	"slices"

	"github.com/bureau-foundation/docsync/lib/model"
	"github.com/bureau-foundation/docsync/lib/query"
	"github.com/bureau-foundation/docsync/lib/remote"
	"github.com/bureau-foundation/docsync/lib/status"
)

// bloomHashCount is the probe count of existence filter bloom filters.
const bloomHashCount = 7

// watchTarget is one target a watch stream listens to, with the
// document versions last sent for it.
type watchTarget struct {
	id    int
	query *query.Query
	sent  map[string]model.SnapshotVersion
}

type watchSession struct {
	backend *Backend
	stream  remote.Stream
	uid     string
	logger  *slog.Logger

	ctx     context.Context
	cancel  context.CancelCauseFunc
	changed chan struct{}

	targets map[int]*watchTarget
}

func (s *watchSession) notify() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

// ServeWatch runs one watch stream until the client closes it or the
// backend ends it.
func (b *Backend) ServeWatch(ctx context.Context, auth remote.StreamAuth, stream remote.Stream) error {
	uid, err := b.user(auth)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(b.ctx, func() { cancel(context.Cause(b.ctx)) })
	defer stop()

	session := &watchSession{
		backend: b,
		stream:  stream,
		uid:     uid,
		logger:  b.logger.With("stream", "watch", "uid", uid),
		ctx:     ctx,
		cancel:  cancel,
		changed: make(chan struct{}, 1),
		targets: make(map[int]*watchTarget),
	}
	b.mu.Lock()
	b.sessions[session] = struct{}{}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.sessions, session)
		b.mu.Unlock()
	}()

	incoming := make(chan remote.Frame)
	var recvErr error
	go func() {
		defer close(incoming)
		for {
			frame, err := stream.Recv()
			if err != nil {
				recvErr = err
				return
			}
			select {
			case incoming <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case frame, ok := <-incoming:
			if !ok {
				if status.CodeOf(recvErr) == status.Cancelled {
					return nil
				}
				return recvErr
			}
			if err := session.handle(frame); err != nil {
				return err
			}
		case <-session.changed:
			if err := session.sendChanges(); err != nil {
				return err
			}
		}
	}
}

func (s *watchSession) handle(frame remote.Frame) error {
	switch frame.Type {
	case remote.FrameAddTarget:
		return s.addTarget(frame.AddTarget)
	case remote.FrameRemoveTarget:
		target := frame.RemoveTarget.TargetID
		delete(s.targets, target)
		return s.send(remote.Frame{Type: remote.FrameTargetChange, TargetChange: &remote.TargetChangeFrame{
			State:     remote.TargetRemoved,
			TargetIDs: []int{target},
		}})
	default:
		return status.Errorf(status.InvalidArgument, "unexpected %s frame on a watch stream", frame.Type)
	}
}

func (s *watchSession) addTarget(request *remote.AddTargetFrame) error {
	target, err := query.TargetFromRecord(request.Target)
	if err != nil {
		return s.rejectTarget(request.TargetID, status.Errorf(status.InvalidArgument, "target %d: %v", request.TargetID, err))
	}
	if err := s.backend.authorize(s.uid, target.Path, false); err != nil {
		return s.rejectTarget(request.TargetID, err)
	}
	resumed := len(request.ResumeToken) > 0 || request.ReadTime != nil
	s.logger.Debug("target added", "target_id", request.TargetID, "target", target.CanonicalID(), "resumed", resumed)

	watched := &watchTarget{
		id:    request.TargetID,
		query: target.Query(),
		sent:  make(map[string]model.SnapshotVersion),
	}
	s.targets[request.TargetID] = watched
	if err := s.send(remote.Frame{Type: remote.FrameTargetChange, TargetChange: &remote.TargetChangeFrame{
		State:     remote.TargetAdded,
		TargetIDs: []int{request.TargetID},
	}}); err != nil {
		return err
	}

	s.backend.mu.Lock()
	matching := s.backend.matchingLocked(watched.query)
	readVersion := s.backend.readVersionLocked()
	s.backend.mu.Unlock()

	for _, doc := range matching {
		if err := s.sendDocument(watched, doc); err != nil {
			return err
		}
	}
	// A resumed client may still hold documents that left the target
	// while it was away. The filter tells it how many really match.
	if resumed {
		if err := s.send(remote.Frame{Type: remote.FrameExistenceFilter, Filter: s.existenceFilter(watched.id, matching)}); err != nil {
			return err
		}
	}
	if err := s.send(remote.Frame{Type: remote.FrameTargetChange, TargetChange: &remote.TargetChangeFrame{
		State:       remote.TargetCurrent,
		TargetIDs:   []int{request.TargetID},
		ResumeToken: newToken(),
	}}); err != nil {
		return err
	}
	return s.sendGlobalSnapshot(readVersion)
}

func (s *watchSession) rejectTarget(targetID int, err error) error {
	s.logger.Debug("target rejected", "target_id", targetID, "error", err)
	return s.send(remote.Frame{Type: remote.FrameTargetChange, TargetChange: &remote.TargetChangeFrame{
		State:     remote.TargetRemoved,
		TargetIDs: []int{targetID},
		Cause:     &remote.StatusFrame{Code: status.CodeOf(err), Message: err.Error()},
	}})
}

func (s *watchSession) existenceFilter(targetID int, matching []*model.MutableDocument) *remote.ExistenceFilterFrame {
	filter := &remote.ExistenceFilterFrame{TargetID: targetID, Count: len(matching)}
	bitsPerDocument := s.backend.config.BloomBitsPerDocument
	if bitsPerDocument <= 0 || len(matching) == 0 {
		return filter
	}
	names := make([]string, len(matching))
	for i, doc := range matching {
		names[i] = s.backend.serializer.DocumentName(doc.Key())
	}
	filter.UnchangedNames = remote.BuildBloomFilter(names, len(names)*bitsPerDocument, bloomHashCount).Frame()
	return filter
}

// sendChanges brings every target up to date with the committed
// documents and closes the batch with a global snapshot.
func (s *watchSession) sendChanges() error {
	s.backend.mu.Lock()
	type update struct {
		target  *watchTarget
		current []*model.MutableDocument
		removed []*model.MutableDocument
	}
	var updates []update
	for _, id := range slices.Sorted(maps.Keys(s.targets)) {
		target := s.targets[id]
		current := s.backend.matchingLocked(target.query)
		var removed []*model.MutableDocument
		still := make(map[string]bool, len(current))
		for _, doc := range current {
			still[doc.Key().String()] = true
		}
		for path := range target.sent {
			if still[path] {
				continue
			}
			doc, ok := s.backend.documents[path]
			if !ok {
				doc = model.NewNoDocument(model.MustKey(path), s.backend.lastVersion)
			}
			removed = append(removed, doc.Clone())
		}
		updates = append(updates, update{target: target, current: current, removed: removed})
	}
	readVersion := s.backend.readVersionLocked()
	s.backend.mu.Unlock()

	var changedTargets []int
	for _, u := range updates {
		changed := false
		for _, doc := range u.current {
			if version, ok := u.target.sent[doc.Key().String()]; ok && version == doc.Version() {
				continue
			}
			if err := s.sendDocument(u.target, doc); err != nil {
				return err
			}
			changed = true
		}
		for _, doc := range u.removed {
			if err := s.sendRemoval(u.target, doc); err != nil {
				return err
			}
			changed = true
		}
		if changed {
			changedTargets = append(changedTargets, u.target.id)
		}
	}
	if len(changedTargets) == 0 {
		return nil
	}
	if err := s.send(remote.Frame{Type: remote.FrameTargetChange, TargetChange: &remote.TargetChangeFrame{
		State:       remote.TargetNoChange,
		TargetIDs:   changedTargets,
		ResumeToken: newToken(),
	}}); err != nil {
		return err
	}
	return s.sendGlobalSnapshot(readVersion)
}

func (s *watchSession) sendDocument(target *watchTarget, doc *model.MutableDocument) error {
	target.sent[doc.Key().String()] = doc.Version()
	return s.send(remote.Frame{Type: remote.FrameDocumentChange, DocumentChange: &remote.DocumentChangeFrame{
		Document:  s.backend.serializer.WireDocument(doc),
		TargetIDs: []int{target.id},
	}})
}

func (s *watchSession) sendRemoval(target *watchTarget, doc *model.MutableDocument) error {
	delete(target.sent, doc.Key().String())
	readTime := doc.Version().Timestamp()
	name := s.backend.serializer.DocumentName(doc.Key())
	if doc.IsNoDocument() {
		return s.send(remote.Frame{Type: remote.FrameDocumentDelete, DocumentDelete: &remote.DocumentDeleteFrame{
			Name:             name,
			ReadTime:         &readTime,
			RemovedTargetIDs: []int{target.id},
		}})
	}
	return s.send(remote.Frame{Type: remote.FrameDocumentRemove, DocumentRemove: &remote.DocumentRemoveFrame{
		Name:             name,
		ReadTime:         &readTime,
		RemovedTargetIDs: []int{target.id},
	}})
}

func (s *watchSession) sendGlobalSnapshot(version model.SnapshotVersion) error {
	readTime := version.Timestamp()
	return s.send(remote.Frame{Type: remote.FrameTargetChange, TargetChange: &remote.TargetChangeFrame{
		State:    remote.TargetNoChange,
		ReadTime: &readTime,
	}})
}

func (s *watchSession) send(frame remote.Frame) error {
	if err := s.stream.Send(frame); err != nil {
		return err
	}
	return nil
}

// matchingLocked returns the committed documents matching q in query
// order, limited as the query asks.
func (b *Backend) matchingLocked(q *query.Query) []*model.MutableDocument {
	var matching []*model.MutableDocument
	for _, doc := range b.documents {
		if doc.IsFoundDocument() && q.Matches(doc) {
			matching = append(matching, doc.Clone())
		}
	}
	slices.SortFunc(matching, q.Comparator())
	if q.HasLimit() && len(matching) > q.Limit {
		matching = matching[:q.Limit]
	}
	return matching
}
