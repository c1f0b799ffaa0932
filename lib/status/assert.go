// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package status

import "fmt"

// AssertionError reports a broken internal invariant. It is raised with
// panic by Fail and Assert and recovered by the async queue, which stops
// accepting work once it has seen one.
type AssertionError struct {
	Message string
}

func (e *AssertionError) Error() string {
	return "internal assertion failed: " + e.Message
}

// Fail panics with an *AssertionError.
func Fail(format string, args ...any) {
	panic(&AssertionError{Message: fmt.Sprintf(format, args...)})
}

// Assert calls Fail when condition is false.
func Assert(condition bool, format string, args ...any) {
	if !condition {
		Fail(format, args...)
	}
}
