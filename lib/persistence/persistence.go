// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/bureau-foundation/docsync/lib/credentials"
)

// Mode declares what a transaction may do.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
	// ReadWritePrimary is ReadWrite for work that only the primary
	// client of a shared store may perform, such as garbage
	// collection. A single-client store is always primary.
	ReadWritePrimary
)

func (m Mode) String() string {
	switch m {
	case ReadOnly:
		return "readonly"
	case ReadWrite:
		return "readwrite"
	case ReadWritePrimary:
		return "readwrite-primary"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Persistence is the storage capability the local store runs on.
type Persistence interface {
	// Start prepares the store. Cache methods may only be used
	// after Start returns.
	Start() error

	// Shutdown releases resources.
	Shutdown() error

	// Started reports whether Start succeeded and Shutdown has not
	// been called.
	Started() bool

	MutationQueue(user credentials.User, indexManager IndexManager) MutationQueue
	DocumentOverlayCache(user credentials.User) DocumentOverlayCache
	RemoteDocumentCache() RemoteDocumentCache
	TargetCache() TargetCache
	BundleCache() BundleCache
	Globals() Globals
	IndexManager(user credentials.User) IndexManager
	ReferenceDelegate() ReferenceDelegate

	// Run executes fn as one transaction. An error from fn aborts the
	// transaction. The label names the transaction in logs and
	// errors.
	Run(ctx context.Context, label string, mode Mode, fn func(txn *Transaction) error) error
}

// Transaction is the handle every cache method takes.
type Transaction struct {
	label          string
	mode           Mode
	sequenceNumber SequenceNumber
	onCommitted    []func()
}

// Label returns the name the transaction was run under.
func (t *Transaction) Label() string { return t.label }

// Mode returns the transaction's mode.
func (t *Transaction) Mode() Mode { return t.mode }

// SequenceNumber is the listen sequence number current for this
// transaction. Every target and document touched in it is stamped
// with this value.
func (t *Transaction) SequenceNumber() SequenceNumber { return t.sequenceNumber }

// OnCommitted registers fn to run after the transaction commits. It is
// dropped if the transaction aborts.
func (t *Transaction) OnCommitted(fn func()) {
	t.onCommitted = append(t.onCommitted, fn)
}

// ErrTransactionUnavailable is the sentinel for a storage layer that
// cannot start or finish a transaction right now.
var ErrTransactionUnavailable = errors.New("persistence: transaction unavailable")

// TransactionError reports a transaction that failed because storage
// was unavailable. Operations failing with it should be retried.
type TransactionError struct {
	Label string
	Cause error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("persistence: transaction %q: %v", e.Label, e.Cause)
}

func (e *TransactionError) Unwrap() []error {
	return []error{ErrTransactionUnavailable, e.Cause}
}

// Transient marks the error as retryable for the async queue.
func (e *TransactionError) Transient() bool { return true }

// IsTransient reports whether err came from unavailable storage.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransactionUnavailable)
}
