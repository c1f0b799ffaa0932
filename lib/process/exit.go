// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ExitCoder is an error that chooses the process exit status.
type ExitCoder interface {
	ExitCode() int
}

// Fatal writes "<binary>: err" to stderr and exits. The status is 1
// unless err wraps an ExitCoder.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", filepath.Base(os.Args[0]), err)
	os.Exit(ExitCode(err))
}

// ExitCode returns the status Fatal exits with for err.
func ExitCode(err error) int {
	var coder ExitCoder
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	return 1
}
