// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"fmt"
	"strings"

	"github.com/bureau-foundation/docsync/lib/model"
	"github.com/bureau-foundation/docsync/lib/mutation"
	"github.com/bureau-foundation/docsync/lib/persistence"
	"github.com/bureau-foundation/docsync/lib/status"
)

// DefaultDatabase is the database name used when none is configured.
const DefaultDatabase = "(default)"

// DatabaseID names the backend database a client syncs with.
type DatabaseID struct {
	ProjectID string `yaml:"project_id"`
	Database  string `yaml:"database"`
}

// Name returns the database's resource name.
func (d DatabaseID) Name() string {
	database := d.Database
	if database == "" {
		database = DefaultDatabase
	}
	return "projects/" + d.ProjectID + "/databases/" + database
}

// Serializer converts between model types and wire frames for one
// database. Document keys travel as fully qualified resource names;
// the bloom filters in existence filters hash those names.
type Serializer struct {
	database DatabaseID
	prefix   string
}

// NewSerializer returns a serializer for database.
func NewSerializer(database DatabaseID) *Serializer {
	return &Serializer{database: database, prefix: database.Name() + "/documents/"}
}

// DatabaseName returns the resource name of the database.
func (s *Serializer) DatabaseName() string { return s.database.Name() }

// DocumentName returns the resource name of key.
func (s *Serializer) DocumentName(key model.DocumentKey) string {
	return s.prefix + key.String()
}

// DocumentKey parses a resource name produced by DocumentName.
func (s *Serializer) DocumentKey(name string) (model.DocumentKey, error) {
	path, ok := strings.CutPrefix(name, s.prefix)
	if !ok {
		return model.DocumentKey{}, status.Errorf(status.InvalidArgument,
			"document name %q is not in database %s", name, s.database.Name())
	}
	return model.ParseDocumentKey(path)
}

// WireDocument encodes a found document.
func (s *Serializer) WireDocument(doc *model.MutableDocument) WireDocument {
	return WireDocument{
		Name:       s.DocumentName(doc.Key()),
		Fields:     doc.Data().Records(),
		UpdateTime: doc.Version().Timestamp(),
	}
}

// FoundDocument decodes a wire document.
func (s *Serializer) FoundDocument(wire WireDocument) (*model.MutableDocument, error) {
	key, err := s.DocumentKey(wire.Name)
	if err != nil {
		return nil, err
	}
	data, err := model.ObjectFromRecords(wire.Fields)
	if err != nil {
		return nil, fmt.Errorf("document %s: %w", wire.Name, err)
	}
	return model.NewFoundDocument(key, model.NewVersion(wire.UpdateTime), data), nil
}

// AddTarget encodes the request to listen to targetData. A resume
// token takes precedence over a read time; a target with neither
// starts from scratch.
func (s *Serializer) AddTarget(targetData persistence.TargetData) Frame {
	request := &AddTargetFrame{
		TargetID:      targetData.TargetID,
		Target:        targetData.Target.Record(),
		ExpectedCount: targetData.ExpectedCount,
	}
	if len(targetData.ResumeToken) > 0 {
		request.ResumeToken = targetData.ResumeToken
	} else if !targetData.SnapshotVersion.IsMin() {
		readTime := targetData.SnapshotVersion.Timestamp()
		request.ReadTime = &readTime
	}
	return Frame{Type: FrameAddTarget, AddTarget: request}
}

// RemoveTarget encodes the request to stop listening to targetID.
func (s *Serializer) RemoveTarget(targetID int) Frame {
	return Frame{Type: FrameRemoveTarget, RemoveTarget: &RemoveTargetFrame{TargetID: targetID}}
}

// WatchChange decodes an inbound watch frame.
func (s *Serializer) WatchChange(frame Frame) (WatchChange, error) {
	switch frame.Type {
	case FrameTargetChange:
		change := frame.TargetChange
		return &WatchTargetChange{
			State:       change.State,
			TargetIDs:   change.TargetIDs,
			ResumeToken: change.ResumeToken,
			Cause:       change.Cause.Err(),
		}, nil

	case FrameDocumentChange:
		change := frame.DocumentChange
		doc, err := s.FoundDocument(change.Document)
		if err != nil {
			return nil, err
		}
		return &DocumentWatchChange{
			UpdatedTargetIDs: change.TargetIDs,
			RemovedTargetIDs: change.RemovedTargetIDs,
			Key:              doc.Key(),
			NewDocument:      doc,
		}, nil

	case FrameDocumentDelete:
		change := frame.DocumentDelete
		key, err := s.DocumentKey(change.Name)
		if err != nil {
			return nil, err
		}
		return &DocumentWatchChange{
			RemovedTargetIDs: change.RemovedTargetIDs,
			Key:              key,
			NewDocument:      model.NewNoDocument(key, versionOf(change.ReadTime)),
		}, nil

	case FrameDocumentRemove:
		change := frame.DocumentRemove
		key, err := s.DocumentKey(change.Name)
		if err != nil {
			return nil, err
		}
		return &DocumentWatchChange{
			RemovedTargetIDs: change.RemovedTargetIDs,
			Key:              key,
		}, nil

	case FrameExistenceFilter:
		filter := frame.Filter
		return &ExistenceFilterChange{
			TargetID:       filter.TargetID,
			Count:          filter.Count,
			UnchangedNames: filter.UnchangedNames,
		}, nil

	default:
		return nil, status.Errorf(status.Internal, "unexpected %s frame on watch stream", frame.Type)
	}
}

// SnapshotVersion returns the global consistency point a watch frame
// carries: the read time of a target change that names no targets.
// Every other frame yields the minimum version.
func (s *Serializer) SnapshotVersion(frame Frame) model.SnapshotVersion {
	if frame.Type != FrameTargetChange {
		return model.MinVersion
	}
	if len(frame.TargetChange.TargetIDs) > 0 {
		return model.MinVersion
	}
	return versionOf(frame.TargetChange.ReadTime)
}

// Write encodes a batch of mutations.
func (s *Serializer) Write(streamToken []byte, mutations []mutation.Mutation) Frame {
	writes := make([]mutation.Record, len(mutations))
	for i, m := range mutations {
		writes[i] = mutation.ToRecord(m)
	}
	return Frame{Type: FrameWrite, Write: &WriteFrame{StreamToken: streamToken, Writes: writes}}
}

// WriteResults decodes the per-mutation results of a write response.
// A result without an update time, or with the minimum one, takes the
// commit version.
func (s *Serializer) WriteResults(response *WriteResponseFrame) (model.SnapshotVersion, []mutation.Result, error) {
	commitVersion := versionOf(response.CommitTime)
	results := make([]mutation.Result, len(response.WriteResults))
	for i, wire := range response.WriteResults {
		version := versionOf(wire.UpdateTime)
		if version.IsMin() {
			version = commitVersion
		}
		result := mutation.Result{Version: version}
		for _, record := range wire.TransformResults {
			value, err := model.ValueFromRecord(record)
			if err != nil {
				return model.MinVersion, nil, fmt.Errorf("write result %d: %w", i, err)
			}
			result.TransformResults = append(result.TransformResults, &value)
		}
		results[i] = result
	}
	return commitVersion, results, nil
}

func versionOf(ts *model.Timestamp) model.SnapshotVersion {
	if ts == nil {
		return model.MinVersion
	}
	return model.NewVersion(*ts)
}
