// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package model

import (
	"encoding/json"
	"math"
	"slices"
	"testing"
)

func TestCompareKeysOrdersNumericIDsFirst(t *testing.T) {
	keys := []DocumentKey{
		MustKey("rooms/alpha"),
		MustKey("rooms/__id10__"),
		MustKey("rooms/__id9__"),
		MustKey("rooms/Beta"),
		MustKey("rooms/__id-3__"),
	}
	slices.SortFunc(keys, CompareKeys)

	var got []string
	for _, key := range keys {
		got = append(got, key.ID())
	}
	want := []string{"__id-3__", "__id9__", "__id10__", "Beta", "alpha"}
	if !slices.Equal(got, want) {
		t.Errorf("sorted ids = %v, want %v", got, want)
	}
}

func TestCompareKeysPrefixSortsFirst(t *testing.T) {
	parent := MustKey("a/b")
	child := MustKey("a/b/c/d")
	if CompareKeys(parent, child) >= 0 {
		t.Errorf("parent document should sort before nested document")
	}
}

func TestParseDocumentKeyRejectsCollectionPaths(t *testing.T) {
	if _, err := ParseDocumentKey("rooms"); err == nil {
		t.Errorf("ParseDocumentKey(rooms) succeeded")
	}
	if _, err := ParseDocumentKey("rooms//x"); err == nil {
		t.Errorf("ParseDocumentKey with empty segment succeeded")
	}
	key := MustKey("/rooms/r1/messages/m1/")
	if key.CollectionGroup() != "messages" {
		t.Errorf("CollectionGroup = %q", key.CollectionGroup())
	}
	if key.CollectionPath().String() != "rooms/r1/messages" {
		t.Errorf("CollectionPath = %q", key.CollectionPath())
	}
}

func TestCompareValuesTypeOrder(t *testing.T) {
	ordered := []Value{
		Null(),
		Bool(false),
		Bool(true),
		Double(math.NaN()),
		Integer(-5),
		Double(-4.5),
		Integer(1),
		Double(1.5),
		Integer(2),
		TimestampValue(Timestamp{Seconds: 10}),
		ServerTimestamp(Timestamp{Seconds: 1}, nil),
		String("a"),
		String("b"),
		Bytes([]byte{1}),
		Reference(MustKey("c/d")),
		Array(Integer(1)),
		Array(Integer(1), Integer(2)),
		Map(map[string]Value{"a": Integer(1)}),
	}
	for i := 0; i < len(ordered)-1; i++ {
		if c := CompareValues(ordered[i], ordered[i+1]); c >= 0 {
			t.Errorf("CompareValues(%v, %v) = %d, want < 0", ordered[i], ordered[i+1], c)
		}
		if c := CompareValues(ordered[i+1], ordered[i]); c <= 0 {
			t.Errorf("CompareValues(%v, %v) = %d, want > 0", ordered[i+1], ordered[i], c)
		}
	}
}

func TestMixedNumberComparisonKeepsPrecision(t *testing.T) {
	big := Integer(math.MaxInt64)
	if c := CompareValues(big, Double(9.223372036854775807e18)); c >= 0 {
		t.Errorf("MaxInt64 should sort below 2^63 as a double, got %d", c)
	}
	if c := CompareValues(Integer(3), Double(3)); c != 0 {
		t.Errorf("3 vs 3.0 = %d, want 0", c)
	}
	if Integer(3).Equal(Double(3)) {
		t.Errorf("integer 3 should not equal double 3.0")
	}
	if !Double(math.NaN()).Equal(Double(math.NaN())) {
		t.Errorf("NaN should equal NaN")
	}
	if Double(0).Equal(Double(math.Copysign(0, -1))) {
		t.Errorf("0.0 should not equal -0.0")
	}
}

func TestObjectValueSetAndDelete(t *testing.T) {
	original := MustObject(map[string]any{
		"name": "lobby",
		"meta": map[string]any{"owner": "ada", "size": 3},
	})

	updated := original.Set(MustField("meta.size"), Integer(4)).
		Set(MustField("meta.tags.primary"), String("public"))
	if v, _ := original.Field(MustField("meta.size")); !v.Equal(Integer(3)) {
		t.Errorf("original modified: meta.size = %v", v)
	}
	if v, _ := updated.Field(MustField("meta.tags.primary")); !v.Equal(String("public")) {
		t.Errorf("meta.tags.primary = %v", v)
	}

	deleted := updated.Delete(MustField("meta.owner")).Delete(MustField("missing.field"))
	if _, ok := deleted.Field(MustField("meta.owner")); ok {
		t.Errorf("meta.owner still present after Delete")
	}

	var mask []string
	for _, field := range deleted.FieldMask().Fields() {
		mask = append(mask, field.String())
	}
	want := []string{"meta.size", "meta.tags.primary", "name"}
	if !slices.Equal(mask, want) {
		t.Errorf("FieldMask = %v, want %v", mask, want)
	}
}

func TestSetHasLocalMutationsResetsVersion(t *testing.T) {
	doc := NewFoundDocument(MustKey("rooms/a"), VersionFromMicros(1000), MustObject(map[string]any{"x": 1}))
	doc.SetHasLocalMutations()
	if !doc.Version().IsMin() {
		t.Errorf("Version = %v, want MinVersion", doc.Version())
	}
	if !doc.HasPendingWrites() {
		t.Errorf("HasPendingWrites = false")
	}
	unknown := NewUnknownDocument(MustKey("rooms/b"), VersionFromMicros(5))
	if !unknown.HasCommittedMutations() {
		t.Errorf("unknown documents always carry committed mutations")
	}
}

func TestValueJSONPreservesServerTimestamp(t *testing.T) {
	previous := String("before")
	original := Map(map[string]Value{
		"updated": ServerTimestamp(Timestamp{Seconds: 7, Nanos: 9}, &previous),
		"blob":    Bytes([]byte{}),
		"ref":     Reference(MustKey("rooms/a")),
	})
	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded Value
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !decoded.Equal(original) {
		t.Fatalf("decoded %v, want %v", decoded, original)
	}
	got, _ := decoded.Fields()["updated"].PreviousValue()
	if !got.Equal(previous) {
		t.Errorf("previous value = %v", got)
	}
}

func TestDocumentSetOrdersByComparatorThenKey(t *testing.T) {
	byScore := func(a, b *MutableDocument) int {
		av, _ := a.Field(MustField("score"))
		bv, _ := b.Field(MustField("score"))
		return CompareValues(av, bv)
	}
	set := NewDocumentSet(byScore)
	set = set.Add(NewFoundDocument(MustKey("s/b"), VersionFromMicros(1), MustObject(map[string]any{"score": 2})))
	set = set.Add(NewFoundDocument(MustKey("s/a"), VersionFromMicros(1), MustObject(map[string]any{"score": 2})))
	set = set.Add(NewFoundDocument(MustKey("s/c"), VersionFromMicros(1), MustObject(map[string]any{"score": 1})))

	var ids []string
	for doc := range set.All() {
		ids = append(ids, doc.Key().ID())
	}
	if !slices.Equal(ids, []string{"c", "a", "b"}) {
		t.Errorf("order = %v", ids)
	}

	replaced := set.Add(NewFoundDocument(MustKey("s/c"), VersionFromMicros(2), MustObject(map[string]any{"score": 9})))
	if replaced.Len() != 3 {
		t.Errorf("Len after replace = %d", replaced.Len())
	}
	if last, _ := replaced.Last(); last.Key().ID() != "c" {
		t.Errorf("Last = %v", last.Key())
	}
	if replaced.IndexOf(MustKey("s/a")) != 0 {
		t.Errorf("IndexOf(s/a) = %d", replaced.IndexOf(MustKey("s/a")))
	}
}
