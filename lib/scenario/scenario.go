// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package scenario

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/bureau-foundation/docsync/lib/model"
	"github.com/bureau-foundation/docsync/lib/query"
	"github.com/bureau-foundation/docsync/lib/status"
)

// DefaultClient is the client steps run against when they name none.
const DefaultClient = "default"

// Scenario is a scripted session: a seeded backend, the clients that
// talk to it, and the steps they take in order.
type Scenario struct {
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Backend     BackendSpec  `json:"backend"`
	Clients     []ClientSpec `json:"clients,omitempty"`
	Steps       []Step       `json:"steps"`
}

// BackendSpec seeds the fake backend.
type BackendSpec struct {
	// Documents maps document paths to their initial fields.
	Documents map[string]map[string]any `json:"documents,omitempty"`

	// Tokens maps auth tokens to user ids. Empty accepts any token as
	// its own user id.
	Tokens map[string]string `json:"tokens,omitempty"`

	// DenyRead and DenyWrite are collection path prefixes no user may
	// listen to or write under.
	DenyRead  []string `json:"deny_read,omitempty"`
	DenyWrite []string `json:"deny_write,omitempty"`

	// BloomBitsPerDocument enables bloom filters on resumed targets.
	BloomBitsPerDocument int `json:"bloom_bits_per_document,omitempty"`
}

// ClientSpec describes one client. A scenario without clients gets a
// single anonymous client named "default".
type ClientSpec struct {
	Name     string `json:"name"`
	ClientID string `json:"client_id,omitempty"`
	User     string `json:"user,omitempty"`
	Token    string `json:"token,omitempty"`
}

// Op names a step's action.
type Op string

const (
	OpSet                  Op = "set"
	OpUpdate               Op = "update"
	OpDelete               Op = "delete"
	OpAwaitWrite           Op = "await_write"
	OpBackendSet           Op = "backend_set"
	OpBackendDelete        Op = "backend_delete"
	OpListen               Op = "listen"
	OpUnlisten             Op = "unlisten"
	OpExpect               Op = "expect"
	OpExpectCache          Op = "expect_cache"
	OpExpectBackend        Op = "expect_backend"
	OpDisableNetwork       Op = "disable_network"
	OpEnableNetwork        Op = "enable_network"
	OpWaitForPendingWrites Op = "wait_for_pending_writes"
	OpDropStreams          Op = "drop_streams"
	OpSwitchUser           Op = "switch_user"
	OpCheckpoint           Op = "checkpoint"
	OpRestart              Op = "restart"
	OpSleep                Op = "sleep"
)

// Step is one action. Which fields apply depends on Op.
type Step struct {
	Op     Op     `json:"op"`
	Client string `json:"client,omitempty"`

	// Path is the document for writes and document expectations.
	Path   string         `json:"path,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`

	// ServerTimestamps lists fields set to the commit time.
	ServerTimestamps []string `json:"server_timestamps,omitempty"`

	// Write names a write so a later await_write can wait for it.
	Write string `json:"write,omitempty"`

	// Await waits for the backend to answer a write before the next
	// step. ExpectError implies it.
	Await       bool         `json:"await,omitempty"`
	ExpectError *status.Code `json:"expect_error,omitempty"`

	// Listener names a listen for listen, unlisten and expect.
	Listener string     `json:"listener,omitempty"`
	Query    *QuerySpec `json:"query,omitempty"`
	Expect   *Expect    `json:"expect,omitempty"`

	User  string `json:"user,omitempty"`
	Token string `json:"token,omitempty"`

	// Duration is the sleep length, and Timeout overrides the default
	// wait for expectations and awaited writes.
	Duration string `json:"duration,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

// QuerySpec is a query in scenario form.
type QuerySpec struct {
	Collection  string       `json:"collection"`
	Where       []FilterSpec `json:"where,omitempty"`
	OrderBy     []OrderSpec  `json:"order_by,omitempty"`
	Limit       int          `json:"limit,omitempty"`
	LimitToLast bool         `json:"limit_to_last,omitempty"`
}

// FilterSpec is one field filter, for example
// {"field": "size", "op": ">", "value": 3}.
type FilterSpec struct {
	Field string         `json:"field"`
	Op    query.Operator `json:"op"`
	Value any            `json:"value"`
}

// OrderSpec orders by one field.
type OrderSpec struct {
	Field     string          `json:"field"`
	Direction query.Direction `json:"direction,omitempty"`
}

// Expect is what an expectation step waits for. Unset fields are not
// checked.
type Expect struct {
	// Docs is the exact list of document paths in a listener's latest
	// snapshot, in order.
	Docs []string `json:"docs,omitempty"`

	FromCache     *bool `json:"from_cache,omitempty"`
	PendingWrites *bool `json:"pending_writes,omitempty"`

	// Exists and Fields check a single document.
	Exists *bool          `json:"exists,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`

	// Error is the status a listener must have failed with.
	Error *status.Code `json:"error,omitempty"`
}

// Parse strips JSONC comments and trailing commas from data, then
// decodes and validates a scenario.
func Parse(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
	decoder.UseNumber()
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("parsing scenario: %w", err)
	}
	if err := scenario.Validate(); err != nil {
		return nil, err
	}
	return &scenario, nil
}

// ReadFile reads and parses a scenario file. A scenario without a name
// is named after the file.
func ReadFile(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	scenario, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if scenario.Name == "" {
		base := filepath.Base(path)
		scenario.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return scenario, nil
}

// Validate checks that every step names a known op, carries the
// fields the op needs, and refers to declared clients and earlier
// listeners.
func (s *Scenario) Validate() error {
	var errs []error
	clients := map[string]bool{}
	for i, client := range s.ClientSpecs() {
		if client.Name == "" {
			errs = append(errs, fmt.Errorf("clients[%d]: name is required", i))
			continue
		}
		if clients[client.Name] {
			errs = append(errs, fmt.Errorf("clients[%d]: duplicate client %q", i, client.Name))
		}
		clients[client.Name] = true
	}
	for path := range s.Backend.Documents {
		if _, err := model.ParseDocumentKey(path); err != nil {
			errs = append(errs, fmt.Errorf("backend.documents: %w", err))
		}
	}

	listeners := map[string]bool{}
	for i, step := range s.Steps {
		if err := step.validate(clients, listeners); err != nil {
			errs = append(errs, fmt.Errorf("steps[%d] (%s): %w", i, step.Op, err))
		}
	}
	return errors.Join(errs...)
}

// ClientSpecs returns the declared clients, or the single default
// client.
func (s *Scenario) ClientSpecs() []ClientSpec {
	if len(s.Clients) == 0 {
		return []ClientSpec{{Name: DefaultClient}}
	}
	return s.Clients
}

func (step Step) clientName() string {
	if step.Client == "" {
		return DefaultClient
	}
	return step.Client
}

func (step Step) validate(clients, listeners map[string]bool) error {
	if !clients[step.clientName()] {
		return fmt.Errorf("unknown client %q", step.clientName())
	}
	needPath := func() error {
		if _, err := model.ParseDocumentKey(step.Path); err != nil {
			return err
		}
		return nil
	}
	if step.Timeout != "" {
		if _, err := time.ParseDuration(step.Timeout); err != nil {
			return fmt.Errorf("timeout: %w", err)
		}
	}

	switch step.Op {
	case OpSet, OpUpdate, OpDelete, OpBackendSet, OpBackendDelete:
		return needPath()
	case OpAwaitWrite:
		if step.Write == "" {
			return errors.New("write is required")
		}
	case OpListen:
		if step.Listener == "" || step.Query == nil {
			return errors.New("listener and query are required")
		}
		if listeners[step.Listener] {
			return fmt.Errorf("listener %q already exists", step.Listener)
		}
		if _, err := step.Query.Build(); err != nil {
			return err
		}
		listeners[step.Listener] = true
	case OpUnlisten:
		if !listeners[step.Listener] {
			return fmt.Errorf("unknown listener %q", step.Listener)
		}
		delete(listeners, step.Listener)
	case OpExpect:
		if !listeners[step.Listener] {
			return fmt.Errorf("unknown listener %q", step.Listener)
		}
		if step.Expect == nil {
			return errors.New("expect is required")
		}
	case OpExpectCache, OpExpectBackend:
		if step.Expect == nil {
			return errors.New("expect is required")
		}
		return needPath()
	case OpSleep:
		if _, err := time.ParseDuration(step.Duration); err != nil {
			return fmt.Errorf("duration: %w", err)
		}
	case OpDisableNetwork, OpEnableNetwork, OpWaitForPendingWrites, OpDropStreams,
		OpSwitchUser, OpCheckpoint, OpRestart:
	default:
		return fmt.Errorf("unknown op %q", step.Op)
	}
	return nil
}

// Build converts q to a query.
func (q *QuerySpec) Build() (*query.Query, error) {
	path, err := model.ParseResourcePath(q.Collection)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	if path.Len()%2 != 1 {
		return nil, fmt.Errorf("query: %q is not a collection path", q.Collection)
	}
	built := query.NewQuery(path)
	for _, filter := range q.Where {
		field, err := model.ParseFieldPath(filter.Field)
		if err != nil {
			return nil, fmt.Errorf("query: %w", err)
		}
		value, err := model.FromGo(filter.Value)
		if err != nil {
			return nil, fmt.Errorf("query: filter on %s: %w", filter.Field, err)
		}
		built = built.Where(query.NewFieldFilter(field, filter.Op, value))
	}
	for _, order := range q.OrderBy {
		field, err := model.ParseFieldPath(order.Field)
		if err != nil {
			return nil, fmt.Errorf("query: %w", err)
		}
		direction := order.Direction
		if direction == "" {
			direction = query.Ascending
		}
		built = built.OrderBy(field, direction)
	}
	switch {
	case q.Limit > 0 && q.LimitToLast:
		if len(q.OrderBy) == 0 {
			return nil, errors.New("query: limit_to_last needs an order_by")
		}
		built = built.WithLimitToLast(q.Limit)
	case q.Limit > 0:
		built = built.WithLimitToFirst(q.Limit)
	}
	return built, nil
}
