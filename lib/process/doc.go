// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds entrypoint helpers shared by the docsync
// binaries. Errors from run() may arrive before a logger exists, so
// they are reported with a plain write to stderr.
package process
