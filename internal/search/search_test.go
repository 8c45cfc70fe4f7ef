package search

import (
	"reflect"
	"testing"
	"time"

	"qcat/internal/qdata"
	"qcat/internal/store"
	"qcat/internal/workflow"
)

func TestRecordFromQuestionnaire(t *testing.T) {
	now := time.Unix(1700000000, 0)
	q := store.Questionnaire{
		UUID:       "2f0a9a0e-3f49-4fbb-a2a3-92d8a0a1b6de",
		Code:       "technologies_42",
		ConfigCode: "technologies",
		Status:     workflow.StatusPublished,
		Name:       map[string]string{"en": "Terracing", "fr": "Terrassement"},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	data := qdata.Data{
		"qg_location": {{
			"country":  qdata.String("country_CHE"),
			"measures": qdata.List([]string{"measure_1", "measure_2"}),
		}},
	}
	filterable := []store.KeyFilter{
		{Questiongroup: "qg_location", Key: "country"},
		{Questiongroup: "qg_location", Key: "measures"},
	}

	record := RecordFromQuestionnaire(q, filterable, data)

	if record.UUID != q.UUID || record.Code != q.Code {
		t.Fatalf("identity not carried: %+v", record)
	}
	if record.Status != int(workflow.StatusPublished) {
		t.Fatalf("status = %d", record.Status)
	}
	wantTags := []string{
		Tag("qg_location", "country", "country_CHE"),
		Tag("qg_location", "measures", "measure_1"),
		Tag("qg_location", "measures", "measure_2"),
	}
	if !reflect.DeepEqual(record.FilterTags, wantTags) {
		t.Fatalf("filter tags = %v, want %v", record.FilterTags, wantTags)
	}
	if record.NameText == "" {
		t.Fatal("name text empty")
	}
	if record.UpdatedAt != now.Unix() {
		t.Fatalf("updatedAt = %d", record.UpdatedAt)
	}
}

func TestNameTextIsStable(t *testing.T) {
	q := store.Questionnaire{
		UUID: "2f0a9a0e-3f49-4fbb-a2a3-92d8a0a1b6de",
		Code: "technologies_42",
		Name: map[string]string{"fr": "Terrassement", "es": "Terrazas", "en": "Terracing"},
	}

	record := RecordFromQuestionnaire(q, nil, nil)
	if record.NameText != "Terracing Terrazas Terrassement" {
		t.Fatalf("name text = %q", record.NameText)
	}
	// Map iteration order must not leak into the record.
	for i := 0; i < 20; i++ {
		again := RecordFromQuestionnaire(q, nil, nil)
		if again.NameText != record.NameText {
			t.Fatalf("name text changed between runs: %q vs %q", again.NameText, record.NameText)
		}
	}
}

func TestTagEncoding(t *testing.T) {
	if got := Tag("qg", "key", "value"); got != "qg:key:value" {
		t.Fatalf("Tag = %q", got)
	}
}
