// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package status

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodeOfWrappedError(t *testing.T) {
	base := New(PermissionDenied, "missing or insufficient permissions")
	wrapped := fmt.Errorf("listen target 4: %w", base)

	if got := CodeOf(wrapped); got != PermissionDenied {
		t.Errorf("CodeOf = %v, want %v", got, PermissionDenied)
	}
	if !Is(wrapped, PermissionDenied) {
		t.Errorf("Is(wrapped, PermissionDenied) = false")
	}
	if got := CodeOf(errors.New("plain")); got != Unknown {
		t.Errorf("CodeOf(plain) = %v, want Unknown", got)
	}
	if got := CodeOf(nil); got != OK {
		t.Errorf("CodeOf(nil) = %v, want OK", got)
	}
}

func TestErrorfRecordsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Errorf(Unavailable, "watch stream: %w", cause)
	if !errors.Is(err, cause) {
		t.Errorf("errors.Is(err, cause) = false")
	}
	if err.Code != Unavailable {
		t.Errorf("Code = %v", err.Code)
	}
}

func TestCodeTextRoundtrip(t *testing.T) {
	for code := OK; code <= Unauthenticated; code++ {
		text, _ := code.MarshalText()
		var parsed Code
		if err := parsed.UnmarshalText(text); err != nil {
			t.Fatalf("UnmarshalText(%q): %v", text, err)
		}
		if parsed != code {
			t.Errorf("roundtrip %v -> %q -> %v", code, text, parsed)
		}
	}
	if _, err := ParseCode("bogus"); err == nil {
		t.Errorf("ParseCode(bogus) succeeded")
	}
}

func TestPermanentErrorClassification(t *testing.T) {
	tests := []struct {
		code           Code
		permanent      bool
		permanentWrite bool
	}{
		{Unavailable, false, false},
		{ResourceExhausted, false, false},
		{Unauthenticated, false, false},
		{PermissionDenied, true, true},
		{FailedPrecondition, true, true},
		{Aborted, true, false},
	}
	for _, test := range tests {
		if got := IsPermanentError(test.code); got != test.permanent {
			t.Errorf("IsPermanentError(%v) = %v, want %v", test.code, got, test.permanent)
		}
		if got := IsPermanentWriteError(test.code); got != test.permanentWrite {
			t.Errorf("IsPermanentWriteError(%v) = %v, want %v", test.code, got, test.permanentWrite)
		}
	}
}

func TestAssertPanicsWithAssertionError(t *testing.T) {
	defer func() {
		recovered := recover()
		assertion, ok := recovered.(*AssertionError)
		if !ok {
			t.Fatalf("recovered %T, want *AssertionError", recovered)
		}
		if assertion.Message != "batch 3 out of order" {
			t.Errorf("Message = %q", assertion.Message)
		}
	}()
	Assert(false, "batch %d out of order", 3)
}
