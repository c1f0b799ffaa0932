// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package model

import (
	"cmp"
	"encoding/json"
	"fmt"
	"time"
)

// Timestamp is a point in time with nanosecond precision, stored the way
// the backend transmits it.
type Timestamp struct {
	Seconds int64 `json:"seconds"`
	Nanos   int32 `json:"nanos"`
}

// TimestampFromTime converts a time.Time.
func TimestampFromTime(t time.Time) Timestamp {
	return Timestamp{Seconds: t.Unix(), Nanos: int32(t.Nanosecond())}
}

// TimestampFromMicros converts microseconds since the epoch.
func TimestampFromMicros(micros int64) Timestamp {
	return Timestamp{Seconds: micros / 1e6, Nanos: int32(micros%1e6) * 1000}
}

// Time converts to time.Time in UTC.
func (t Timestamp) Time() time.Time { return time.Unix(t.Seconds, int64(t.Nanos)).UTC() }

// Micros returns microseconds since the epoch.
func (t Timestamp) Micros() int64 { return t.Seconds*1e6 + int64(t.Nanos)/1000 }

// Compare orders timestamps chronologically.
func (t Timestamp) Compare(other Timestamp) int {
	if c := cmp.Compare(t.Seconds, other.Seconds); c != 0 {
		return c
	}
	return cmp.Compare(t.Nanos, other.Nanos)
}

func (t Timestamp) String() string {
	return fmt.Sprintf("Timestamp(%d.%09d)", t.Seconds, t.Nanos)
}

// SnapshotVersion is a backend commit or read time. The zero value is the
// minimum version, meaning "never observed from the server".
type SnapshotVersion struct {
	ts Timestamp
}

// MinVersion is the version carried by documents never confirmed by the
// server.
var MinVersion = SnapshotVersion{}

// MaxVersion sorts after every real version.
var MaxVersion = SnapshotVersion{ts: Timestamp{Seconds: 253402300799, Nanos: 999999999}}

// NewVersion wraps a timestamp.
func NewVersion(ts Timestamp) SnapshotVersion { return SnapshotVersion{ts: ts} }

// VersionFromMicros builds a version from microseconds since the epoch.
func VersionFromMicros(micros int64) SnapshotVersion {
	return SnapshotVersion{ts: TimestampFromMicros(micros)}
}

// Timestamp returns the underlying timestamp.
func (v SnapshotVersion) Timestamp() Timestamp { return v.ts }

// IsMin reports whether v is the minimum version.
func (v SnapshotVersion) IsMin() bool { return v == MinVersion }

// Compare orders versions chronologically.
func (v SnapshotVersion) Compare(other SnapshotVersion) int { return v.ts.Compare(other.ts) }

// After reports whether v is strictly later than other.
func (v SnapshotVersion) After(other SnapshotVersion) bool { return v.Compare(other) > 0 }

// Before reports whether v is strictly earlier than other.
func (v SnapshotVersion) Before(other SnapshotVersion) bool { return v.Compare(other) < 0 }

func (v SnapshotVersion) String() string { return fmt.Sprintf("SnapshotVersion(%d)", v.ts.Micros()) }

// MarshalJSON encodes the version as its timestamp.
func (v SnapshotVersion) MarshalJSON() ([]byte, error) {
	return fmt.Appendf(nil, `{"seconds":%d,"nanos":%d}`, v.ts.Seconds, v.ts.Nanos), nil
}

// UnmarshalJSON decodes the form produced by MarshalJSON.
func (v *SnapshotVersion) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &v.ts)
}
