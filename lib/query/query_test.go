// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package query

import (
	"encoding/json"
	"slices"
	"testing"

	"github.com/bureau-foundation/docsync/lib/model"
)

func rooms() *Query {
	return NewQuery(model.NewResourcePath("rooms"))
}

func doc(path string, fields map[string]any) *model.MutableDocument {
	return model.NewFoundDocument(model.MustKey(path), model.VersionFromMicros(1), model.MustObject(fields))
}

func TestNormalizedOrderByAppendsInequalityAndKey(t *testing.T) {
	q := rooms().
		Where(NewFieldFilter(model.MustField("size"), GreaterThan, model.Integer(3))).
		OrderBy(model.MustField("name"), Descending)

	var got []string
	for _, ordering := range q.NormalizedOrderBy() {
		got = append(got, ordering.Field.String()+" "+string(ordering.Direction))
	}
	want := []string{"name desc", "size desc", "__name__ desc"}
	if !slices.Equal(got, want) {
		t.Errorf("NormalizedOrderBy = %v, want %v", got, want)
	}
}

func TestLimitToLastSharesTargetWithAscendingCounterpart(t *testing.T) {
	last := rooms().OrderBy(model.MustField("score"), Descending).WithLimitToLast(2)
	first := rooms().OrderBy(model.MustField("score"), Ascending).WithLimitToFirst(2)

	if last.Target().CanonicalID() != first.Target().CanonicalID() {
		t.Errorf("targets differ:\n%s\n%s", last.Target().CanonicalID(), first.Target().CanonicalID())
	}
	if last.Target().Fingerprint() != first.Target().Fingerprint() {
		t.Errorf("fingerprints differ")
	}
	if last.CanonicalID() == first.CanonicalID() {
		t.Errorf("queries with different limit types share a canonical id")
	}
}

func TestQueryWithLimitTypeRestoresLimitToLast(t *testing.T) {
	last := rooms().OrderBy(model.MustField("score"), Descending).WithLimitToLast(2)
	rebuilt := last.Target().QueryWithLimitType(LimitToLast)
	if rebuilt.CanonicalID() != last.CanonicalID() {
		t.Errorf("rebuilt query differs:\n%s\n%s", rebuilt.CanonicalID(), last.CanonicalID())
	}
	if first := last.Target().QueryWithLimitType(LimitToFirst); first.CanonicalID() == last.CanonicalID() {
		t.Errorf("limit-to-first rebuild kept the limit-to-last canonical id")
	}
}

func TestImplicitKeyOrderingIsCanonical(t *testing.T) {
	plain := rooms().OrderBy(model.MustField("a"), Ascending)
	explicit := rooms().OrderBy(model.MustField("a"), Ascending).OrderBy(model.KeyField(), Ascending)
	if !plain.Target().Equal(explicit.Target()) {
		t.Errorf("explicit key ordering changed the target")
	}
	if len(plain.Target().Fingerprint()) != 32 {
		t.Errorf("fingerprint should be 128 bits of hex, got %q", plain.Target().Fingerprint())
	}
}

func TestMatchesFiltersAndPath(t *testing.T) {
	q := rooms().
		Where(NewFieldFilter(model.MustField("size"), GreaterThanOrEqual, model.Integer(2))).
		Where(NewFieldFilter(model.MustField("tags"), ArrayContains, model.String("public")))

	tests := []struct {
		name string
		doc  *model.MutableDocument
		want bool
	}{
		{"match", doc("rooms/a", map[string]any{"size": 2, "tags": []any{"public"}}), true},
		{"double compares with integer", doc("rooms/b", map[string]any{"size": 2.5, "tags": []any{"public"}}), true},
		{"too small", doc("rooms/c", map[string]any{"size": 1, "tags": []any{"public"}}), false},
		{"wrong type", doc("rooms/d", map[string]any{"size": "big", "tags": []any{"public"}}), false},
		{"missing array element", doc("rooms/e", map[string]any{"size": 5, "tags": []any{"private"}}), false},
		{"nested collection", doc("rooms/a/members/m", map[string]any{"size": 5, "tags": []any{"public"}}), false},
		{"other collection", doc("halls/a", map[string]any{"size": 5, "tags": []any{"public"}}), false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := q.Matches(test.doc); got != test.want {
				t.Errorf("Matches = %v, want %v", got, test.want)
			}
		})
	}
}

func TestNotEqualAndNotIn(t *testing.T) {
	notEqual := rooms().Where(NewFieldFilter(model.MustField("state"), NotEqual, model.String("closed")))
	notIn := rooms().Where(NewFieldFilter(model.MustField("state"), NotIn, model.Array(model.String("closed"), model.String("archived"))))

	open := doc("rooms/a", map[string]any{"state": "open"})
	closed := doc("rooms/b", map[string]any{"state": "closed"})
	missing := doc("rooms/c", map[string]any{})
	null := doc("rooms/d", map[string]any{"state": nil})

	for _, q := range []*Query{notEqual, notIn} {
		if !q.Matches(open) {
			t.Errorf("%s should match open room", q)
		}
		if q.Matches(closed) || q.Matches(missing) || q.Matches(null) {
			t.Errorf("%s matched closed, missing, or null state", q)
		}
	}
}

func TestCollectionGroupMatches(t *testing.T) {
	q := NewCollectionGroupQuery(model.ResourcePath{}, "messages")
	if !q.Matches(doc("rooms/a/messages/m1", map[string]any{})) {
		t.Errorf("collection group should match nested messages")
	}
	if q.Matches(doc("rooms/a", map[string]any{})) {
		t.Errorf("collection group matched a room")
	}
}

func TestBoundsAndComparator(t *testing.T) {
	q := rooms().OrderBy(model.MustField("n"), Ascending).
		WithStartAt(&Bound{Position: []model.Value{model.Integer(2)}, Inclusive: true}).
		WithEndAt(&Bound{Position: []model.Value{model.Integer(4)}, Inclusive: false})

	var matched []string
	docs := []*model.MutableDocument{
		doc("rooms/d", map[string]any{"n": 4}),
		doc("rooms/b", map[string]any{"n": 2}),
		doc("rooms/c", map[string]any{"n": 3}),
		doc("rooms/a", map[string]any{"n": 1}),
	}
	slices.SortFunc(docs, q.Comparator())
	for _, d := range docs {
		if q.Matches(d) {
			matched = append(matched, d.Key().ID())
		}
	}
	if !slices.Equal(matched, []string{"b", "c"}) {
		t.Errorf("matched = %v, want [b c]", matched)
	}
}

func TestTargetRecordJSON(t *testing.T) {
	original := rooms().
		Where(&CompositeFilter{Op: Or, Filters: []Filter{
			NewFieldFilter(model.MustField("a"), Equal, model.Integer(1)),
			NewFieldFilter(model.MustField("b"), In, model.Array(model.String("x"))),
		}}).
		OrderBy(model.MustField("a"), Ascending).
		WithLimitToLast(5).
		WithStartAt(&Bound{Position: []model.Value{model.Integer(0)}, Inclusive: true}).
		Target()

	data, err := json.Marshal(original.Record())
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var record TargetRecord
	if err := json.Unmarshal(data, &record); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	decoded, err := TargetFromRecord(record)
	if err != nil {
		t.Fatalf("TargetFromRecord: %v", err)
	}
	if !decoded.Equal(original) {
		t.Errorf("decoded %s, want %s", decoded, original)
	}
	if decoded.Query().Target().CanonicalID() != original.CanonicalID() {
		t.Errorf("Target().Query().Target() changed the canonical id")
	}
}
