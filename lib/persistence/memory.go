// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"

	"github.com/bureau-foundation/docsync/lib/clock"
	"github.com/bureau-foundation/docsync/lib/credentials"
	"github.com/bureau-foundation/docsync/lib/model"
	"github.com/bureau-foundation/docsync/lib/status"
)

// ErrNotStarted is returned by Run before Start or after Shutdown.
var ErrNotStarted = errors.New("persistence: not started")

// MemoryConfig configures NewMemory.
type MemoryConfig struct {
	// LRU selects the LRU reference delegate with these parameters.
	// Nil selects eager collection.
	LRU *LRUParams

	// Clock times LRU collections. Nil means the real clock.
	Clock clock.Clock

	Logger *slog.Logger
}

// Memory is the in-memory Persistence. It is not safe for concurrent
// use; every call must come from the client's async queue.
type Memory struct {
	logger *slog.Logger

	mutationQueues  map[string]*memoryMutationQueue
	overlayCaches   map[string]*memoryOverlayCache
	remoteDocuments *memoryRemoteDocumentCache
	targets         *memoryTargetCache
	bundles         *memoryBundleCache
	globals         *memoryGlobals
	indexManager    *memoryIndexManager
	delegate        memoryDelegate
	lru             *LRUGarbageCollector

	started       bool
	inTransaction bool
	injectFailure func(label string) error
}

// memoryDelegate is a ReferenceDelegate that takes part in Memory's
// transactions.
type memoryDelegate interface {
	ReferenceDelegate

	// startTransaction returns the sequence number for a new
	// transaction.
	startTransaction() SequenceNumber

	// commitTransaction runs before the transaction's committed
	// callbacks.
	commitTransaction(txn *Transaction) error

	save() func()
	snapshotOrphans() []OrphanRecord
	restore(snapshot *Snapshot)
}

// NewMemory returns an in-memory persistence.
func NewMemory(config MemoryConfig) *Memory {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	m := &Memory{
		logger:         logger,
		mutationQueues: make(map[string]*memoryMutationQueue),
		overlayCaches:  make(map[string]*memoryOverlayCache),
		bundles:        newMemoryBundleCache(),
		globals:        &memoryGlobals{},
	}
	m.targets = newMemoryTargetCache(m)
	m.remoteDocuments = newMemoryRemoteDocumentCache()
	m.indexManager = newMemoryIndexManager(m.remoteDocuments)
	m.remoteDocuments.SetIndexManager(m.indexManager)
	if config.LRU != nil {
		delegate := newLRUDelegate(m)
		m.delegate = delegate
		m.lru = NewLRUGarbageCollector(delegate, *config.LRU, config.Clock, logger)
	} else {
		m.delegate = newEagerDelegate(m)
	}
	return m
}

func (m *Memory) Start() error {
	m.started = true
	return nil
}

func (m *Memory) Shutdown() error {
	m.started = false
	return nil
}

func (m *Memory) Started() bool { return m.started }

// MutationQueue returns user's queue, creating it on first use.
func (m *Memory) MutationQueue(user credentials.User, indexManager IndexManager) MutationQueue {
	queue, ok := m.mutationQueues[user.Key()]
	if !ok {
		queue = newMemoryMutationQueue(m, indexManager)
		m.mutationQueues[user.Key()] = queue
	}
	return queue
}

// DocumentOverlayCache returns user's overlay cache, creating it on
// first use.
func (m *Memory) DocumentOverlayCache(user credentials.User) DocumentOverlayCache {
	cache, ok := m.overlayCaches[user.Key()]
	if !ok {
		cache = newMemoryOverlayCache()
		m.overlayCaches[user.Key()] = cache
	}
	return cache
}

func (m *Memory) RemoteDocumentCache() RemoteDocumentCache { return m.remoteDocuments }
func (m *Memory) TargetCache() TargetCache                 { return m.targets }
func (m *Memory) BundleCache() BundleCache                 { return m.bundles }
func (m *Memory) Globals() Globals                         { return m.globals }
func (m *Memory) ReferenceDelegate() ReferenceDelegate     { return m.delegate }

// IndexManager returns the index manager. Field indexes are shared by
// every user of a memory store.
func (m *Memory) IndexManager(credentials.User) IndexManager { return m.indexManager }

// LRUGarbageCollector returns the collector, or nil when the store
// uses eager collection.
func (m *Memory) LRUGarbageCollector() *LRUGarbageCollector { return m.lru }

// InjectFailures installs fn to run before every transaction. When fn
// returns an error the transaction fails with a *TransactionError
// without running. Used to exercise retry paths; nil removes the hook.
func (m *Memory) InjectFailures(fn func(label string) error) {
	m.injectFailure = fn
}

// Run executes fn. On error every cache is restored to its state
// before the transaction.
func (m *Memory) Run(ctx context.Context, label string, mode Mode, fn func(txn *Transaction) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !m.started {
		return fmt.Errorf("persistence: %s: %w", label, ErrNotStarted)
	}
	status.Assert(!m.inTransaction, "transaction %q started inside another transaction", label)
	if m.injectFailure != nil {
		if err := m.injectFailure(label); err != nil {
			return &TransactionError{Label: label, Cause: err}
		}
	}

	restore := m.save()
	m.inTransaction = true
	defer func() { m.inTransaction = false }()

	txn := &Transaction{
		label:          label,
		mode:           mode,
		sequenceNumber: m.delegate.startTransaction(),
	}
	if err := fn(txn); err != nil {
		restore()
		return err
	}
	if err := m.delegate.commitTransaction(txn); err != nil {
		restore()
		return fmt.Errorf("persistence: %s: commit: %w", label, err)
	}
	for _, committed := range txn.onCommitted {
		committed()
	}
	return nil
}

// save captures every component's state. Per-user caches created
// after the capture are dropped on restore.
func (m *Memory) save() func() {
	mutationQueues, overlayCaches := maps.Clone(m.mutationQueues), maps.Clone(m.overlayCaches)
	restores := []func(){
		m.remoteDocuments.save(),
		m.targets.save(),
		m.bundles.save(),
		m.globals.save(),
		m.indexManager.save(),
		m.delegate.save(),
	}
	for _, queue := range m.mutationQueues {
		restores = append(restores, queue.save())
	}
	for _, cache := range m.overlayCaches {
		restores = append(restores, cache.save())
	}
	return func() {
		for _, restore := range restores {
			restore()
		}
		m.mutationQueues, m.overlayCaches = mutationQueues, overlayCaches
	}
}

// mutationQueuesContainKey reports whether any user's queue has a
// pending write to key.
func (m *Memory) mutationQueuesContainKey(txn *Transaction, key model.DocumentKey) (bool, error) {
	for _, queue := range m.mutationQueues {
		found, err := queue.ContainsKey(txn, key)
		if err != nil || found {
			return found, err
		}
	}
	return false, nil
}
