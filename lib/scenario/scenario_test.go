// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package scenario

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/docsync/lib/config"
	"github.com/bureau-foundation/docsync/lib/query"
	"github.com/bureau-foundation/docsync/lib/testutil"
)

func testOptions(t *testing.T) Options {
	cfg := config.Default()
	cfg.Environment = config.Test
	cfg.Checkpoint.Path = ""
	cfg.Backoff.Initial = 10 * time.Millisecond
	cfg.Backoff.Max = 100 * time.Millisecond
	return Options{
		Config:        cfg,
		CheckpointDir: t.TempDir(),
		StepTimeout:   5 * time.Second,
		Logger:        testutil.Logger(t),
	}
}

func TestScenarioFiles(t *testing.T) {
	paths, err := filepath.Glob("testdata/*.jsonc")
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) == 0 {
		t.Fatal("no scenarios in testdata")
	}
	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			scenario, err := ReadFile(path)
			if err != nil {
				t.Fatal(err)
			}
			report, err := Run(context.Background(), scenario, testOptions(t))
			if err != nil {
				t.Fatal(err)
			}
			if report.Steps != len(scenario.Steps) {
				t.Errorf("report counts %d steps, scenario has %d", report.Steps, len(scenario.Steps))
			}
		})
	}
}

func TestParseAcceptsComments(t *testing.T) {
	scenario, err := Parse([]byte(`
		// comment
		{
			"name": "tiny",
			"steps": [
				{"op": "listen", "listener": "l", "query": {"collection": "rooms", "limit": 2,}},
				/* block */
				{"op": "sleep", "duration": "1ms"},
			],
		}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if scenario.Name != "tiny" || len(scenario.Steps) != 2 {
		t.Errorf("unexpected scenario %+v", scenario)
	}
	if clients := scenario.ClientSpecs(); len(clients) != 1 || clients[0].Name != DefaultClient {
		t.Errorf("default clients = %+v", clients)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	_, err := Parse([]byte(`{
		"steps": [
			{"op": "teleport"},
			{"op": "set", "path": "rooms"},
			{"op": "expect", "listener": "nobody", "expect": {}},
			{"op": "set", "client": "ghost", "path": "rooms/a"},
			{"op": "sleep", "duration": "soon"},
		]
	}`))
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{
		`steps[0] (teleport): unknown op`,
		`steps[1] (set)`,
		`steps[2] (expect): unknown listener "nobody"`,
		`steps[3] (set): unknown client "ghost"`,
		`steps[4] (sleep): duration`,
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	if _, err := Parse([]byte(`{"steps": [{"op": "sleep", "duration": "1ms", "colour": "red"}]}`)); err == nil {
		t.Fatal("expected an error for an unknown field")
	}
}

func TestQuerySpecBuild(t *testing.T) {
	spec := QuerySpec{
		Collection:  "rooms",
		Where:       []FilterSpec{{Field: "size", Op: query.GreaterThan, Value: 3}},
		OrderBy:     []OrderSpec{{Field: "size", Direction: query.Descending}},
		Limit:       5,
		LimitToLast: true,
	}
	q, err := spec.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if q.LimitType != query.LimitToLast || q.Limit != 5 {
		t.Errorf("limit = %d %s", q.Limit, q.LimitType)
	}

	if _, err := (&QuerySpec{Collection: "rooms/lobby"}).Build(); err == nil {
		t.Error("a document path was accepted as a collection")
	}
	if _, err := (&QuerySpec{Collection: "rooms", Limit: 1, LimitToLast: true}).Build(); err == nil {
		t.Error("limit_to_last without order_by was accepted")
	}
}

func TestFailingStepIsReported(t *testing.T) {
	scenario, err := Parse([]byte(`{
		"name": "failing",
		"steps": [
			{"op": "expect_backend", "path": "rooms/none", "expect": {"exists": true}, "timeout": "50ms"},
		],
	}`))
	if err != nil {
		t.Fatal(err)
	}
	_, err = Run(context.Background(), scenario, testOptions(t))
	var stepErr *StepError
	if !errors.As(err, &stepErr) {
		t.Fatalf("Run error = %v, want a StepError", err)
	}
	if stepErr.Index != 0 || stepErr.Op != OpExpectBackend {
		t.Errorf("failing step = %d %s", stepErr.Index, stepErr.Op)
	}
}

func TestListenerErrorExpectation(t *testing.T) {
	scenario, err := Parse([]byte(`{
		"backend": {"deny_read": ["secrets"]},
		"steps": [
			{"op": "listen", "listener": "s", "query": {"collection": "secrets"}},
			{"op": "expect", "listener": "s", "expect": {"error": "permission-denied"}},
		],
	}`))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Run(context.Background(), scenario, testOptions(t)); err != nil {
		t.Fatal(err)
	}
}
