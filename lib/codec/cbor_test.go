// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"strings"
	"testing"

	"github.com/bureau-foundation/docsync/lib/model"
)

func TestDocumentRecordSurvivesEncoding(t *testing.T) {
	data := model.MustObject(map[string]any{
		"title": "standup",
		"count": 3,
		"tags":  []any{"a", "b"},
		"nested": map[string]any{
			"ratio": 0.5,
			"blob":  []byte{1, 2, 3},
		},
	})
	doc := model.NewFoundDocument(
		model.MustKey("rooms/eng/messages/m1"),
		model.NewVersion(model.Timestamp{Seconds: 100, Nanos: 5}),
		data,
	)

	encoded, err := Marshal(doc.Record())
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var record model.DocumentRecord
	if err := Unmarshal(encoded, &record); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	decoded, err := model.DocumentFromRecord(record)
	if err != nil {
		t.Fatalf("DocumentFromRecord: %v", err)
	}
	if !decoded.Equal(doc) {
		t.Fatalf("decoded %v, want %v", decoded, doc)
	}
	value, ok := decoded.Field(model.MustField("count"))
	if !ok || value.Kind() != model.KindInteger {
		t.Fatalf("count decoded as %v", value)
	}
}

func TestMarshalDeterministic(t *testing.T) {
	record := map[string]any{"zeta": 1, "alpha": 2, "mid": []string{"x"}}
	first, err := Marshal(record)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for range 10 {
		again, _ := Marshal(record)
		if !bytes.Equal(first, again) {
			t.Fatal("encoding differs between calls")
		}
	}
}

func TestKeysEncodeAsText(t *testing.T) {
	key := model.MustKey("rooms/eng")
	encoded, err := Marshal(struct {
		Key model.DocumentKey `json:"key"`
	}{key})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	diagnostic, err := Diagnose(encoded)
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if !strings.Contains(diagnostic, `"rooms/eng"`) {
		t.Fatalf("key not encoded as text: %s", diagnostic)
	}
	if EncodedSize(key) == 0 {
		t.Fatal("EncodedSize returned 0")
	}
}
