// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package scenario

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/docsync/lib/config"
	"github.com/bureau-foundation/docsync/lib/credentials"
	"github.com/bureau-foundation/docsync/lib/docsync"
	"github.com/bureau-foundation/docsync/lib/fakebackend"
	"github.com/bureau-foundation/docsync/lib/model"
	"github.com/bureau-foundation/docsync/lib/mutation"
	"github.com/bureau-foundation/docsync/lib/query"
	"github.com/bureau-foundation/docsync/lib/remote"
	"github.com/bureau-foundation/docsync/lib/status"
	"github.com/bureau-foundation/docsync/lib/syncengine"
)

// DefaultStepTimeout bounds expectations and awaited writes that set no
// timeout of their own.
const DefaultStepTimeout = 10 * time.Second

// pollInterval is how often cache and backend expectations are
// re-checked.
const pollInterval = 20 * time.Millisecond

// Options configure a run.
type Options struct {
	// Config is the client configuration each client starts from. Nil
	// uses config.Default in the test environment. The project id
	// defaults to "scenario".
	Config *config.Config

	// CheckpointDir holds one checkpoint database per client. Empty
	// disables checkpoints, so restart starts from an empty cache.
	CheckpointDir string

	StepTimeout time.Duration
	Logger      *slog.Logger
}

// Report summarizes a finished run.
type Report struct {
	Name    string
	Steps   int
	Commits int
	Elapsed time.Duration
}

// StepError is the failure of one step.
type StepError struct {
	Index int
	Op    Op
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s): %v", e.Index, e.Op, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

type runner struct {
	scenario *Scenario
	options  Options
	config   *config.Config
	logger   *slog.Logger
	backend  *fakebackend.Backend

	clients   map[string]*clientState
	listeners map[string]*listenerState
	writes    map[string]*docsync.PendingWrite
}

type clientState struct {
	spec     ClientSpec
	clientID string
	provider *credentials.Static
	client   *docsync.Client
}

// listenerState holds a listener's latest snapshot. changed is closed
// and replaced on every delivery.
type listenerState struct {
	name         string
	client       string
	query        *query.Query
	registration *docsync.ListenerRegistration

	mu      sync.Mutex
	latest  *syncengine.ViewSnapshot
	err     error
	changed chan struct{}
}

// Run executes s against a fresh fake backend and reports the first
// failing step as a *StepError.
func Run(ctx context.Context, s *Scenario, options Options) (*Report, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("scenario", s.Name)
	if options.StepTimeout <= 0 {
		options.StepTimeout = DefaultStepTimeout
	}

	cfg := options.Config
	if cfg == nil {
		cfg = config.Default()
		cfg.Environment = config.Test
		cfg.Checkpoint.Path = ""
	}
	copied := *cfg
	cfg = &copied
	if cfg.Database.ProjectID == "" {
		cfg.Database.ProjectID = "scenario"
	}

	backend, err := NewBackend(s.Backend, cfg.Database, logger.With("component", "backend"))
	if err != nil {
		return nil, err
	}
	defer backend.Close()

	r := &runner{
		scenario:  s,
		options:   options,
		config:    cfg,
		logger:    logger,
		backend:   backend,
		clients:   make(map[string]*clientState),
		listeners: make(map[string]*listenerState),
		writes:    make(map[string]*docsync.PendingWrite),
	}
	defer r.shutdown()

	for _, spec := range s.ClientSpecs() {
		state := &clientState{spec: spec, clientID: spec.ClientID}
		if state.clientID == "" {
			state.clientID = spec.Name
		}
		state.provider = credentials.NewStatic(credentials.User{UID: spec.User}, spec.Token)
		if err := r.start(ctx, state); err != nil {
			return nil, fmt.Errorf("starting client %s: %w", spec.Name, err)
		}
		r.clients[spec.Name] = state
	}

	started := time.Now()
	for i, step := range s.Steps {
		logger.Info("step", "index", i, "op", step.Op, "client", step.clientName())
		if err := r.step(ctx, step); err != nil {
			logger.Error("step failed", "index", i, "op", step.Op, "error", err)
			return nil, &StepError{Index: i, Op: step.Op, Err: err}
		}
	}

	report := &Report{
		Name:    s.Name,
		Steps:   len(s.Steps),
		Commits: r.backend.Commits(),
		Elapsed: time.Since(started),
	}
	logger.Info("scenario passed", "steps", report.Steps, "commits", report.Commits, "elapsed", report.Elapsed)
	return report, nil
}

// NewBackend returns a fake backend for database, seeded and
// configured from spec.
func NewBackend(spec BackendSpec, database remote.DatabaseID, logger *slog.Logger) (*fakebackend.Backend, error) {
	backend := fakebackend.New(fakebackend.Config{
		Database:             database,
		Tokens:               spec.Tokens,
		Authorize:            denyPrefixes(spec.DenyRead, spec.DenyWrite),
		BloomBitsPerDocument: spec.BloomBitsPerDocument,
		Logger:               logger,
	})
	for _, path := range slices.Sorted(maps.Keys(spec.Documents)) {
		if _, err := backend.SetDocument(path, spec.Documents[path]); err != nil {
			backend.Close()
			return nil, fmt.Errorf("seeding %s: %w", path, err)
		}
	}
	return backend, nil
}

func (r *runner) start(ctx context.Context, state *clientState) error {
	cfg := *r.config
	cfg.Checkpoint.Path = ""
	if r.options.CheckpointDir != "" {
		cfg.Checkpoint.Path = filepath.Join(r.options.CheckpointDir, state.spec.Name+".db")
	}
	client, err := docsync.New(ctx, docsync.Options{
		Config:      &cfg,
		Connection:  r.backend.Connection(),
		Credentials: state.provider,
		ClientID:    state.clientID,
		Logger:      r.logger.With("client", state.spec.Name),
	})
	if err != nil {
		return err
	}
	state.client = client
	return nil
}

func (r *runner) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), r.options.StepTimeout)
	defer cancel()
	for name, state := range r.clients {
		if err := state.client.Shutdown(ctx); err != nil {
			r.logger.Warn("client shutdown failed", "client", name, "error", err)
		}
	}
}

func (r *runner) step(ctx context.Context, step Step) error {
	state := r.clients[step.clientName()]
	client := state.client
	timeout := r.options.StepTimeout
	if step.Timeout != "" {
		timeout, _ = time.ParseDuration(step.Timeout)
	}

	switch step.Op {
	case OpSet, OpUpdate, OpDelete:
		return r.write(ctx, client, step, timeout)

	case OpAwaitWrite:
		pending, ok := r.writes[step.Write]
		if !ok {
			return fmt.Errorf("no write named %q", step.Write)
		}
		return awaitWrite(ctx, pending, step.ExpectError, timeout)

	case OpBackendSet:
		_, err := r.backend.SetDocument(step.Path, step.Fields)
		return err

	case OpBackendDelete:
		_, err := r.backend.DeleteDocument(step.Path)
		return err

	case OpListen:
		q, err := step.Query.Build()
		if err != nil {
			return err
		}
		listener := &listenerState{name: step.Listener, client: step.clientName(), query: q, changed: make(chan struct{})}
		if err := listener.listen(ctx, client); err != nil {
			return err
		}
		r.listeners[step.Listener] = listener
		return nil

	case OpUnlisten:
		r.listeners[step.Listener].registration.Remove()
		delete(r.listeners, step.Listener)
		return nil

	case OpExpect:
		return r.listeners[step.Listener].wait(ctx, step.Expect, timeout)

	case OpExpectCache:
		return poll(ctx, timeout, func() error {
			doc, err := client.GetDocumentFromCache(ctx, step.Path)
			return checkDocument(step.Expect, doc, err)
		})

	case OpExpectBackend:
		return poll(ctx, timeout, func() error {
			doc, ok := r.backend.Document(step.Path)
			var err error
			if !ok {
				err = status.Errorf(status.NotFound, "backend has no %s", step.Path)
			}
			return checkDocument(step.Expect, doc, err)
		})

	case OpDisableNetwork:
		return client.DisableNetwork(ctx)

	case OpEnableNetwork:
		return client.EnableNetwork(ctx)

	case OpWaitForPendingWrites:
		waitCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return client.WaitForPendingWrites(waitCtx)

	case OpDropStreams:
		r.backend.CloseStreams(status.New(status.Unavailable, "streams dropped by scenario"))
		return nil

	case OpSwitchUser:
		state.provider.SetUser(credentials.User{UID: step.User}, step.Token)
		return nil

	case OpCheckpoint:
		info, err := client.Checkpoint(ctx)
		if err != nil {
			return err
		}
		r.logger.Info("checkpoint saved", "client", state.spec.Name, "id", info.ID, "stored_size", info.StoredSize)
		return nil

	case OpRestart:
		return r.restart(ctx, state, timeout)

	case OpSleep:
		duration, _ := time.ParseDuration(step.Duration)
		select {
		case <-time.After(duration):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("unknown op %q", step.Op)
}

func (r *runner) write(ctx context.Context, client *docsync.Client, step Step, timeout time.Duration) error {
	var transforms []mutation.FieldTransform
	for _, field := range step.ServerTimestamps {
		transform, err := docsync.ServerTimestamp(field)
		if err != nil {
			return err
		}
		transforms = append(transforms, transform)
	}

	fields := step.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	var (
		pending *docsync.PendingWrite
		err     error
	)
	switch step.Op {
	case OpSet:
		pending, err = client.Set(ctx, step.Path, fields, transforms...)
	case OpUpdate:
		pending, err = client.Update(ctx, step.Path, fields, transforms...)
	case OpDelete:
		pending, err = client.Delete(ctx, step.Path)
	}
	if err != nil {
		return err
	}
	if step.Write != "" {
		r.writes[step.Write] = pending
	}
	if step.Await || step.ExpectError != nil {
		return awaitWrite(ctx, pending, step.ExpectError, timeout)
	}
	return nil
}

// restart shuts the client down and starts a new one under the same
// client id. Its listeners are re-registered on the new client.
func (r *runner) restart(ctx context.Context, state *clientState, timeout time.Duration) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := state.client.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	if err := r.start(ctx, state); err != nil {
		return fmt.Errorf("restarting: %w", err)
	}
	for _, name := range slices.Sorted(maps.Keys(r.listeners)) {
		listener := r.listeners[name]
		if listener.client != state.spec.Name {
			continue
		}
		listener.reset()
		if err := listener.listen(ctx, state.client); err != nil {
			return fmt.Errorf("re-listening %s: %w", name, err)
		}
	}
	return nil
}

func awaitWrite(ctx context.Context, pending *docsync.PendingWrite, expect *status.Code, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := pending.Wait(waitCtx)
	if waitCtx.Err() != nil && errors.Is(err, waitCtx.Err()) {
		return fmt.Errorf("write %d not acknowledged within %v", pending.BatchID(), timeout)
	}
	want := status.OK
	if expect != nil {
		want = *expect
	}
	if got := status.CodeOf(err); got != want {
		return fmt.Errorf("write %d finished with %v (%v), want %v", pending.BatchID(), got, err, want)
	}
	return nil
}

func (l *listenerState) listen(ctx context.Context, client *docsync.Client) error {
	registration, err := client.Listen(ctx, l.query, docsync.ListenOptions{IncludeMetadataChanges: true}, l.update)
	if err != nil {
		return err
	}
	l.registration = registration
	return nil
}

func (l *listenerState) update(snapshot *syncengine.ViewSnapshot, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		l.err = err
	} else {
		l.latest = snapshot
	}
	close(l.changed)
	l.changed = make(chan struct{})
}

func (l *listenerState) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.latest = nil
	l.err = nil
}

func (l *listenerState) current() (*syncengine.ViewSnapshot, <-chan struct{}, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.latest, l.changed, l.err
}

// wait blocks until the latest snapshot satisfies expect. A listener
// failure that expect does not ask for ends the wait at once.
func (l *listenerState) wait(ctx context.Context, expect *Expect, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		snapshot, changed, listenErr := l.current()
		mismatch := checkSnapshot(expect, snapshot, listenErr)
		if mismatch == nil {
			return nil
		}
		if listenErr != nil && expect.Error == nil {
			return fmt.Errorf("listener %s failed: %w", l.name, listenErr)
		}
		select {
		case <-changed:
		case <-deadline.C:
			return fmt.Errorf("listener %s: %w", l.name, mismatch)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func checkSnapshot(expect *Expect, snapshot *syncengine.ViewSnapshot, listenErr error) error {
	if expect.Error != nil {
		if got := status.CodeOf(listenErr); listenErr == nil || got != *expect.Error {
			return fmt.Errorf("listen error is %v, want %v", listenErr, *expect.Error)
		}
		return nil
	}
	if snapshot == nil {
		return errors.New("no snapshot yet")
	}
	if expect.Docs != nil {
		var got []string
		for doc := range snapshot.Docs.All() {
			got = append(got, doc.Key().String())
		}
		if !slices.Equal(got, expect.Docs) {
			return fmt.Errorf("docs are [%s], want [%s]", strings.Join(got, " "), strings.Join(expect.Docs, " "))
		}
	}
	if expect.FromCache != nil && snapshot.FromCache != *expect.FromCache {
		return fmt.Errorf("from_cache is %v, want %v", snapshot.FromCache, *expect.FromCache)
	}
	if expect.PendingWrites != nil && snapshot.HasPendingWrites() != *expect.PendingWrites {
		return fmt.Errorf("pending_writes is %v, want %v", snapshot.HasPendingWrites(), *expect.PendingWrites)
	}
	return nil
}

func checkDocument(expect *Expect, doc *model.MutableDocument, readErr error) error {
	exists := readErr == nil && doc != nil && doc.IsFoundDocument()
	if expect.Exists != nil && exists != *expect.Exists {
		return fmt.Errorf("exists is %v (%v), want %v", exists, readErr, *expect.Exists)
	}
	if expect.PendingWrites != nil && (!exists || doc.HasLocalMutations() != *expect.PendingWrites) {
		return fmt.Errorf("pending_writes does not match %v", *expect.PendingWrites)
	}
	for _, name := range slices.Sorted(maps.Keys(expect.Fields)) {
		if !exists {
			return fmt.Errorf("document missing, want field %s", name)
		}
		field, err := model.ParseFieldPath(name)
		if err != nil {
			return err
		}
		want, err := model.FromGo(expect.Fields[name])
		if err != nil {
			return fmt.Errorf("field %s: %w", name, err)
		}
		got, ok := doc.Field(field)
		if !ok || !got.Equal(want) {
			return fmt.Errorf("field %s is %v, want %v", name, got, want)
		}
	}
	return nil
}

func poll(ctx context.Context, timeout time.Duration, check func() error) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		mismatch := check()
		if mismatch == nil {
			return nil
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			return mismatch
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// denyPrefixes authorizes everything except reads under denyRead and
// writes under denyWrite.
func denyPrefixes(denyRead, denyWrite []string) fakebackend.AuthorizeFunc {
	if len(denyRead) == 0 && len(denyWrite) == 0 {
		return nil
	}
	return func(uid string, path model.ResourcePath, write bool) error {
		prefixes := denyRead
		if write {
			prefixes = denyWrite
		}
		for _, prefix := range prefixes {
			denied, err := model.ParseResourcePath(prefix)
			if err == nil && denied.IsPrefixOf(path) {
				return fmt.Errorf("%s is not accessible", prefix)
			}
		}
		return nil
	}
}
