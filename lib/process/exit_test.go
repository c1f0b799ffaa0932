// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"testing"
)

type usageError struct{}

func (usageError) Error() string { return "bad usage" }
func (usageError) ExitCode() int { return 2 }

func TestExitCode(t *testing.T) {
	if got := ExitCode(errors.New("boom")); got != 1 {
		t.Errorf("plain error exit code = %d, want 1", got)
	}
	if got := ExitCode(fmt.Errorf("parsing flags: %w", usageError{})); got != 2 {
		t.Errorf("wrapped ExitCoder exit code = %d, want 2", got)
	}
}
