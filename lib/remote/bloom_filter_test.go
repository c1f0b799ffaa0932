// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"fmt"
	"testing"
)

func TestBloomFilterValidation(t *testing.T) {
	tests := []struct {
		name      string
		bits      []byte
		padding   int
		hashCount int
		wantErr   bool
	}{
		{name: "empty", bits: nil, padding: 0, hashCount: 0},
		{name: "empty with hashes", bits: nil, padding: 0, hashCount: 3},
		{name: "one byte", bits: []byte{0xff}, padding: 7, hashCount: 1},
		{name: "negative padding", bits: []byte{0}, padding: -1, hashCount: 1, wantErr: true},
		{name: "padding of a whole byte", bits: []byte{0}, padding: 8, hashCount: 1, wantErr: true},
		{name: "negative hash count", bits: []byte{0}, padding: 0, hashCount: -1, wantErr: true},
		{name: "bits without hashes", bits: []byte{0}, padding: 0, hashCount: 0, wantErr: true},
		{name: "padding without bits", bits: nil, padding: 1, hashCount: 1, wantErr: true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := NewBloomFilter(test.bits, test.padding, test.hashCount)
			if (err != nil) != test.wantErr {
				t.Fatalf("NewBloomFilter error = %v, want error %v", err, test.wantErr)
			}
		})
	}
}

func TestBloomFilterEmptyContainsNothing(t *testing.T) {
	filter, err := NewBloomFilter(nil, 0, 0)
	if err != nil {
		t.Fatalf("NewBloomFilter: %v", err)
	}
	if filter.MightContain("") || filter.MightContain("rooms/a") {
		t.Fatal("empty filter reported membership")
	}
}

func TestBloomFilterAllBitsSetContainsEverything(t *testing.T) {
	filter, err := NewBloomFilter([]byte{0xff, 0xff}, 3, 5)
	if err != nil {
		t.Fatalf("NewBloomFilter: %v", err)
	}
	if filter.BitCount() != 13 {
		t.Fatalf("BitCount = %d, want 13", filter.BitCount())
	}
	for i := range 20 {
		if !filter.MightContain(fmt.Sprintf("doc-%d", i)) {
			t.Fatalf("saturated filter missed doc-%d", i)
		}
	}
}

func TestBuiltBloomFilterSurvivesSerialization(t *testing.T) {
	var members []string
	for i := range 50 {
		members = append(members, fmt.Sprintf("projects/p/databases/(default)/documents/rooms/%d", i))
	}
	built := BuildBloomFilter(members, 1000, 7)

	frame := built.Frame()
	if frame.Padding != 0 || len(frame.Bits) != 125 {
		t.Fatalf("frame padding=%d bytes=%d, want 0 and 125", frame.Padding, len(frame.Bits))
	}
	decoded, err := NewBloomFilter(frame.Bits, frame.Padding, frame.HashCount)
	if err != nil {
		t.Fatalf("NewBloomFilter: %v", err)
	}
	for _, member := range members {
		if !decoded.MightContain(member) {
			t.Fatalf("decoded filter missed member %q", member)
		}
	}

	// A filter is allowed false positives, but with 1000 bits and 50
	// members the rate is far below one in ten.
	falsePositives := 0
	for i := range 200 {
		if decoded.MightContain(fmt.Sprintf("projects/p/databases/(default)/documents/other/%d", i)) {
			falsePositives++
		}
	}
	if falsePositives > 20 {
		t.Fatalf("%d of 200 non-members reported present", falsePositives)
	}
}

func TestBloomFilterPaddingExcludesHighBits(t *testing.T) {
	// 10 usable bits: the padding hides the top 6 bits of byte two.
	built := BuildBloomFilter([]string{"a", "b", "c"}, 10, 3)
	frame := built.Frame()
	if frame.Padding != 6 {
		t.Fatalf("padding = %d, want 6", frame.Padding)
	}
	if frame.Bits[1]&0xfc != 0 {
		t.Fatalf("bits beyond the bit count are set: %08b", frame.Bits[1])
	}
}
