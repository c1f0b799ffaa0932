// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"strings"
	"testing"
)

func TestInfoMarksDirtyBuilds(t *testing.T) {
	origCommit, origDirty, origTime := GitCommit, GitDirty, BuildTime
	t.Cleanup(func() { GitCommit, GitDirty, BuildTime = origCommit, origDirty, origTime })

	GitCommit, GitDirty, BuildTime = "abc1234", "true", "2026-02-10T00:00:00Z"
	if got, want := Info(), Version+" (abc1234-dirty, 2026-02-10T00:00:00Z)"; got != want {
		t.Errorf("Info() = %q, want %q", got, want)
	}

	GitDirty = "false"
	if got := Info(); strings.Contains(got, "dirty") {
		t.Errorf("Info() = %q for a clean build", got)
	}
}

func TestUserAgent(t *testing.T) {
	got := UserAgent()
	if !strings.HasPrefix(got, "docsync-go/"+Version+" (") {
		t.Errorf("UserAgent() = %q", got)
	}
}
