// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mutation

import (
	"encoding/json"
	"testing"

	"github.com/bureau-foundation/docsync/lib/model"
)

var writeTime = model.Timestamp{Seconds: 1700000000}

func foundDoc(path string, version int64, fields map[string]any) *model.MutableDocument {
	return model.NewFoundDocument(model.MustKey(path), model.VersionFromMicros(version), model.MustObject(fields))
}

func emptyMask() *model.FieldMask {
	mask := model.NewFieldMask()
	return &mask
}

func TestSetAppliedLocallyHasLocalMutations(t *testing.T) {
	doc := foundDoc("rooms/a", 1000, map[string]any{"x": 0})
	set := NewSet(doc.Key(), model.MustObject(map[string]any{"x": 1}), NoPrecondition(),
		FieldTransform{Field: model.MustField("updated"), Operation: ServerTimestampTransform{}})

	mask := set.ApplyToLocalView(doc, emptyMask(), writeTime)
	if mask != nil {
		t.Errorf("set should report a whole-document mask, got %v", mask.Fields())
	}
	if !doc.HasLocalMutations() || !doc.Version().IsMin() {
		t.Errorf("doc = %v, want local mutations at MinVersion", doc)
	}
	updated, _ := doc.Field(model.MustField("updated"))
	if updated.Kind() != model.KindServerTimestamp || updated.AsTimestamp() != writeTime {
		t.Errorf("updated = %v, want pending server timestamp", updated)
	}
}

func TestPatchRequiresExistingDocument(t *testing.T) {
	missing := model.NewNoDocument(model.MustKey("rooms/a"), model.VersionFromMicros(5))
	patch := NewPatch(missing.Key(), model.MustObject(map[string]any{"x": 1}),
		model.NewFieldMask(model.MustField("x")), Exists(true))

	previous := emptyMask()
	if got := patch.ApplyToLocalView(missing, previous, writeTime); got != previous {
		t.Errorf("failed precondition should return the previous mask")
	}
	if !missing.IsNoDocument() {
		t.Errorf("failed precondition modified the document: %v", missing)
	}

	patch.ApplyToRemoteDocument(missing, Result{Version: model.VersionFromMicros(9)})
	if !missing.IsUnknownDocument() || missing.Version() != model.VersionFromMicros(9) {
		t.Errorf("acknowledged patch of uncached doc = %v, want unknown at 9", missing)
	}
}

func TestIncrementLocalAndRemote(t *testing.T) {
	doc := foundDoc("counters/c", 1, map[string]any{"n": 40, "label": "x"})
	inc := NewPatch(doc.Key(), model.EmptyObject(), model.NewFieldMask(), Exists(true),
		FieldTransform{Field: model.MustField("n"), Operation: NumericIncrementTransform{Operand: model.Integer(2)}},
		FieldTransform{Field: model.MustField("label"), Operation: NumericIncrementTransform{Operand: model.Double(0.5)}})

	local := doc.Clone()
	inc.ApplyToLocalView(local, emptyMask(), writeTime)
	if n, _ := local.Field(model.MustField("n")); !n.Equal(model.Integer(42)) {
		t.Errorf("n = %v, want 42", n)
	}
	if label, _ := local.Field(model.MustField("label")); !label.Equal(model.Double(0.5)) {
		t.Errorf("label = %v, want 0.5 (non-numeric treated as zero)", label)
	}

	serverN := model.Integer(50)
	serverLabel := model.Double(1.5)
	inc.ApplyToRemoteDocument(doc, Result{
		Version:          model.VersionFromMicros(2),
		TransformResults: []*model.Value{&serverN, &serverLabel},
	})
	if n, _ := doc.Field(model.MustField("n")); !n.Equal(serverN) {
		t.Errorf("remote n = %v, want server result 50", n)
	}
	if !doc.HasCommittedMutations() {
		t.Errorf("remote application should leave committed mutations")
	}
}

func TestArrayTransforms(t *testing.T) {
	doc := foundDoc("rooms/a", 1, map[string]any{"tags": []any{"a", "b", "a"}})
	union := NewPatch(doc.Key(), model.EmptyObject(), model.NewFieldMask(), NoPrecondition(),
		FieldTransform{Field: model.MustField("tags"), Operation: ArrayUnionTransform{Elements: []model.Value{model.String("b"), model.String("c")}}})
	remove := NewPatch(doc.Key(), model.EmptyObject(), model.NewFieldMask(), NoPrecondition(),
		FieldTransform{Field: model.MustField("tags"), Operation: ArrayRemoveTransform{Elements: []model.Value{model.String("a")}}})

	union.ApplyToLocalView(doc, emptyMask(), writeTime)
	remove.ApplyToLocalView(doc, emptyMask(), writeTime)
	tags, _ := doc.Field(model.MustField("tags"))
	want := model.Array(model.String("b"), model.String("c"))
	if !tags.Equal(want) {
		t.Errorf("tags = %v, want %v", tags, want)
	}
}

// The overlay computed after any number of pending mutations must
// reproduce, on the base document, the state obtained by applying every
// mutation in order.
func TestOverlayEqualsFoldedMutations(t *testing.T) {
	base := foundDoc("rooms/a", 1000, map[string]any{
		"a":    1,
		"b":    map[string]any{"c": 2, "d": 3},
		"tags": []any{"x"},
	})
	key := base.Key()
	mutations := []Mutation{
		NewPatch(key, model.MustObject(map[string]any{"title": "lobby"}), model.NewFieldMask(model.MustField("title")), Exists(true)),
		NewPatch(key, model.EmptyObject(), model.NewFieldMask(model.MustField("b.c")), Exists(true)),
		NewPatch(key, model.EmptyObject(), model.NewFieldMask(), Exists(true),
			FieldTransform{Field: model.MustField("a"), Operation: NumericIncrementTransform{Operand: model.Integer(5)}},
			FieldTransform{Field: model.MustField("tags"), Operation: ArrayUnionTransform{Elements: []model.Value{model.String("y")}}}),
		NewPatch(key, model.MustObject(map[string]any{"b": map[string]any{"e": true}}), model.NewFieldMask(model.MustField("b.e")), Exists(true),
			FieldTransform{Field: model.MustField("seen"), Operation: ServerTimestampTransform{}}),
	}

	for n := 1; n <= len(mutations); n++ {
		folded := base.Clone()
		mask := emptyMask()
		for _, m := range mutations[:n] {
			mask = m.ApplyToLocalView(folded, mask, writeTime)
		}

		overlay := CalculateOverlayMutation(folded, mask)
		if overlay == nil {
			t.Fatalf("after %d mutations: no overlay computed", n)
		}
		replayed := base.Clone()
		overlay.ApplyToLocalView(replayed, emptyMask(), writeTime)

		if !replayed.Data().Equal(folded.Data()) {
			t.Errorf("after %d mutations: overlay gives %v, fold gives %v", n, replayed.Data(), folded.Data())
		}
		if !replayed.HasLocalMutations() {
			t.Errorf("after %d mutations: overlay result lacks local mutations", n)
		}
	}
}

func TestOverlayForDeleteAndSet(t *testing.T) {
	doc := foundDoc("rooms/a", 10, map[string]any{"x": 1})
	NewDelete(doc.Key(), NoPrecondition()).ApplyToLocalView(doc, emptyMask(), writeTime)
	if overlay := CalculateOverlayMutation(doc, nil); overlay.Type() != TypeDelete {
		t.Errorf("overlay = %v, want delete", overlay)
	}

	synced := foundDoc("rooms/b", 10, map[string]any{"x": 1})
	if overlay := CalculateOverlayMutation(synced, nil); overlay != nil {
		t.Errorf("synced document produced overlay %v", overlay)
	}
}

func TestBatchRecordJSON(t *testing.T) {
	key := model.MustKey("rooms/a")
	batch := &Batch{
		BatchID:        7,
		LocalWriteTime: writeTime,
		Mutations: []Mutation{
			NewSet(key, model.MustObject(map[string]any{"x": 1}), NoPrecondition(),
				FieldTransform{Field: model.MustField("at"), Operation: ServerTimestampTransform{}}),
			NewPatch(key, model.MustObject(map[string]any{"y": "z"}), model.NewFieldMask(model.MustField("y")), Exists(true),
				FieldTransform{Field: model.MustField("n"), Operation: NumericIncrementTransform{Operand: model.Integer(1)}}),
			NewDelete(model.MustKey("rooms/b"), UpdateTime(model.VersionFromMicros(3))),
		},
	}
	data, err := json.Marshal(batch.Record())
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var record BatchRecord
	if err := json.Unmarshal(data, &record); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	decoded, err := BatchFromRecord(record)
	if err != nil {
		t.Fatalf("BatchFromRecord: %v", err)
	}
	if !decoded.Equal(batch) {
		t.Errorf("decoded batch differs:\n got %v\nwant %v", decoded.Mutations, batch.Mutations)
	}
	if decoded.Keys().Len() != 2 {
		t.Errorf("Keys().Len() = %d, want 2", decoded.Keys().Len())
	}
}
