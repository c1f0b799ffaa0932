// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunPassingScenario(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ok.jsonc")
	scenario := `{
		"steps": [
			{"op": "set", "path": "rooms/a", "fields": {"n": 1}, "await": true},
			{"op": "expect_backend", "path": "rooms/a", "expect": {"fields": {"n": 1}}},
		],
	}`
	if err := os.WriteFile(path, []byte(scenario), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := run([]string{"--log-level", "error", "--checkpoint-dir", t.TempDir(), path}); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRunCountsFailures(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.jsonc")
	scenario := `{"steps": [{"op": "expect_backend", "path": "rooms/none", "expect": {"exists": true}, "timeout": "20ms"}]}`
	if err := os.WriteFile(path, []byte(scenario), 0o644); err != nil {
		t.Fatal(err)
	}
	err := run([]string{"--log-level", "error", path})
	if err == nil || !strings.Contains(err.Error(), "1 of 1 scenarios failed") {
		t.Fatalf("run error = %v", err)
	}
}

func TestRunRequiresScenarios(t *testing.T) {
	if err := run([]string{}); err == nil {
		t.Fatal("expected an error without scenario files")
	}
}

func TestNewLoggerRejectsUnknownFormat(t *testing.T) {
	if _, err := newLogger("info", "xml"); err == nil {
		t.Error("xml format accepted")
	}
	if _, err := newLogger("loud", "text"); err == nil {
		t.Error("unknown level accepted")
	}
}
