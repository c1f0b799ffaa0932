// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fakebackend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/bureau-foundation/docsync/lib/clock"
	"github.com/bureau-foundation/docsync/lib/model"
	"github.com/bureau-foundation/docsync/lib/mutation"
	"github.com/bureau-foundation/docsync/lib/remote"
	"github.com/bureau-foundation/docsync/lib/status"
)

// AuthorizeFunc decides whether uid may read (write false) or write
// documents under path. A non-nil error is returned to the client with
// its status code; plain errors become PermissionDenied.
type AuthorizeFunc func(uid string, path model.ResourcePath, write bool) error

// Config configures a Backend.
type Config struct {
	Database remote.DatabaseID

	// Tokens maps auth tokens to user ids. Nil accepts any token and
	// uses it as the user id. An empty token is an anonymous caller.
	Tokens map[string]string

	// Authorize is consulted for every listen and write. Nil allows
	// everything.
	Authorize AuthorizeFunc

	// BloomBitsPerDocument sizes the bloom filters sent with existence
	// filters on resumed targets. Zero sends counts only.
	BloomBitsPerDocument int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Backend is an in-process document database speaking the watch and
// write stream protocol. It is safe for concurrent use.
type Backend struct {
	serializer *remote.Serializer
	config     Config
	clock      clock.Clock
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu          sync.Mutex
	documents   map[string]*model.MutableDocument
	lastVersion model.SnapshotVersion
	sessions    map[*watchSession]struct{}
	commits     int
}

// New returns an empty backend.
func New(config Config) *Backend {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.Database.ProjectID == "" {
		config.Database.ProjectID = "fake"
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Backend{
		serializer: remote.NewSerializer(config.Database),
		config:     config,
		clock:      config.Clock,
		logger:     config.Logger,
		ctx:        ctx,
		cancel:     cancel,
		documents:  make(map[string]*model.MutableDocument),
		sessions:   make(map[*watchSession]struct{}),
	}
}

// Serializer returns the backend's serializer.
func (b *Backend) Serializer() *remote.Serializer { return b.serializer }

// Close ends every open stream and refuses new ones.
func (b *Backend) Close() {
	b.cancel(status.New(status.Unavailable, "backend shut down"))
}

// CloseStreams ends every open watch stream with err, leaving the
// backend running. Clients reconnect after their backoff.
func (b *Backend) CloseStreams(err error) {
	b.mu.Lock()
	sessions := make([]*watchSession, 0, len(b.sessions))
	for session := range b.sessions {
		sessions = append(sessions, session)
	}
	b.mu.Unlock()
	for _, session := range sessions {
		session.cancel(err)
	}
}

// SetDocument writes fields to the document at path as if another
// client had committed it, and returns the commit version.
func (b *Backend) SetDocument(path string, fields map[string]any) (model.SnapshotVersion, error) {
	key, err := model.ParseDocumentKey(path)
	if err != nil {
		return model.MinVersion, err
	}
	data, err := model.ObjectFromGo(fields)
	if err != nil {
		return model.MinVersion, fmt.Errorf("fakebackend: %s: %w", path, err)
	}
	return b.commit([]mutation.Mutation{mutation.NewSet(key, data, mutation.NoPrecondition())})
}

// DeleteDocument deletes the document at path as if another client had
// committed it.
func (b *Backend) DeleteDocument(path string) (model.SnapshotVersion, error) {
	key, err := model.ParseDocumentKey(path)
	if err != nil {
		return model.MinVersion, err
	}
	return b.commit([]mutation.Mutation{mutation.NewDelete(key, mutation.NoPrecondition())})
}

// Document returns the committed state of the document at path.
func (b *Backend) Document(path string) (*model.MutableDocument, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	doc, ok := b.documents[path]
	if !ok || !doc.IsFoundDocument() {
		return nil, false
	}
	return doc.Clone(), true
}

// Commits returns how many batches the backend has committed.
func (b *Backend) Commits() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.commits
}

// user resolves the user id of a stream's token.
func (b *Backend) user(auth remote.StreamAuth) (string, error) {
	if b.config.Tokens == nil || auth.Token == "" {
		return auth.Token, nil
	}
	uid, ok := b.config.Tokens[auth.Token]
	if !ok {
		return "", status.New(status.Unauthenticated, "unknown auth token")
	}
	return uid, nil
}

func (b *Backend) authorize(uid string, path model.ResourcePath, write bool) error {
	if b.config.Authorize == nil {
		return nil
	}
	err := b.config.Authorize(uid, path, write)
	if err == nil {
		return nil
	}
	if status.CodeOf(err) == status.Unknown {
		return status.New(status.PermissionDenied, err.Error())
	}
	return err
}

// nextVersionLocked returns a commit version later than every earlier
// one.
func (b *Backend) nextVersionLocked() model.SnapshotVersion {
	micros := model.TimestampFromTime(b.clock.Now()).Micros()
	if last := b.lastVersion.Timestamp().Micros(); micros <= last {
		micros = last + 1
	}
	b.lastVersion = model.VersionFromMicros(micros)
	return b.lastVersion
}

// readVersion is the version every committed write is visible at.
func (b *Backend) readVersionLocked() model.SnapshotVersion {
	if b.lastVersion.IsMin() {
		return b.nextVersionLocked()
	}
	return b.lastVersion
}

// commit applies mutations atomically. A failed precondition rejects
// the whole batch.
func (b *Backend) commit(mutations []mutation.Mutation) (model.SnapshotVersion, error) {
	_, version, err := b.commitResults(mutations)
	return version, err
}

func (b *Backend) commitResults(mutations []mutation.Mutation) ([]mutation.Result, model.SnapshotVersion, error) {
	b.mu.Lock()
	results, version, err := b.commitLocked(mutations)
	sessions := b.sessionsLocked()
	b.mu.Unlock()
	if err != nil {
		return nil, model.MinVersion, err
	}
	for _, session := range sessions {
		session.notify()
	}
	return results, version, nil
}

func (b *Backend) commitLocked(mutations []mutation.Mutation) ([]mutation.Result, model.SnapshotVersion, error) {
	staged := make(map[string]*model.MutableDocument, len(mutations))
	current := func(key model.DocumentKey) *model.MutableDocument {
		if doc, ok := staged[key.String()]; ok {
			return doc
		}
		if doc, ok := b.documents[key.String()]; ok {
			return doc.Clone()
		}
		return model.NewNoDocument(key, model.MinVersion)
	}

	version := b.nextVersionLocked()
	results := make([]mutation.Result, len(mutations))
	for i, m := range mutations {
		doc := current(m.Key())
		if !m.Precondition().IsValidFor(doc) {
			return nil, model.MinVersion, status.Errorf(status.FailedPrecondition,
				"%s: precondition %s not met", m.Key(), m.Precondition())
		}
		result := mutation.Result{Version: version}
		for _, transform := range m.FieldTransforms() {
			result.TransformResults = append(result.TransformResults, serverTransformResult(doc, transform, version))
		}
		m.ApplyToRemoteDocument(doc, result)
		if doc.IsFoundDocument() {
			doc = model.NewFoundDocument(doc.Key(), version, doc.Data())
		} else {
			doc = model.NewNoDocument(doc.Key(), version)
		}
		staged[m.Key().String()] = doc
		results[i] = result
	}

	for path, doc := range staged {
		b.documents[path] = doc
	}
	b.commits++
	return results, version, nil
}

// serverTransformResult computes what a transform resolves to at commit
// time.
func serverTransformResult(doc *model.MutableDocument, transform mutation.FieldTransform, version model.SnapshotVersion) *model.Value {
	var previous *model.Value
	if value, ok := doc.Field(transform.Field); ok {
		previous = &value
	}
	var result model.Value
	if _, ok := transform.Operation.(mutation.ServerTimestampTransform); ok {
		result = model.TimestampValue(version.Timestamp())
	} else {
		result = transform.Operation.ApplyToLocalView(previous, version.Timestamp())
	}
	return &result
}

func (b *Backend) sessionsLocked() []*watchSession {
	sessions := make([]*watchSession, 0, len(b.sessions))
	for session := range b.sessions {
		sessions = append(sessions, session)
	}
	return sessions
}

// newToken returns an opaque resume or stream token.
func newToken() []byte {
	id := ulid.Make()
	return id[:]
}
