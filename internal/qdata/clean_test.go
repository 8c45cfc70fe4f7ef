package qdata

import (
	"encoding/json"
	"reflect"
	"testing"

	"qcat/internal/configuration"
)

func testConfig(t *testing.T) *configuration.Configuration {
	t.Helper()
	tree := `{
		"sections": [{
			"keyword": "section_general",
			"categories": [{
				"keyword": "cat_1",
				"subcategories": [{
					"keyword": "subcat_1_1",
					"questiongroups": [
						{
							"keyword": "qg_name",
							"questions": [
								{"keyword": "name", "type": "char", "is_name": true, "max_length": 20},
								{"keyword": "country", "type": "select",
								 "choices": [{"code": "country_CHE", "label": {"en": "Switzerland"}}]}
							]
						},
						{
							"keyword": "qg_measures",
							"max_num": 2,
							"questions": [
								{"keyword": "measures", "type": "checkbox",
								 "choices": [
									{"code": "measure_1", "label": {"en": "Terracing"}},
									{"code": "measure_2", "label": {"en": "Mulching"}}
								 ]},
								{"keyword": "area", "type": "float"},
								{"keyword": "established", "type": "bool"}
							]
						}
					]
				}]
			}]
		}]
	}`
	cfg, err := configuration.Decode("technologies", "2018", []byte(tree))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return cfg
}

func TestCleanValid(t *testing.T) {
	cfg := testConfig(t)
	raw := Data{
		"qg_name": {{
			"name":    Lang(map[string]string{"en": "Terrace farming", "es": ""}),
			"country": String("country_CHE"),
		}},
		"qg_measures": {{
			"measures":    List([]string{"measure_1", "measure_2", "measure_1"}),
			"area":        Integer(12),
			"established": Boolean(false),
		}},
	}

	cleaned, problems := Clean(raw, cfg)
	if len(problems) != 0 {
		t.Fatalf("problems = %v", problems)
	}

	name, ok := cleaned.First("qg_name", "name")
	if !ok || name.Lang["en"] != "Terrace farming" {
		t.Fatalf("name = %+v", name)
	}
	if _, hasEmpty := name.Lang["es"]; hasEmpty {
		t.Fatal("empty translation kept")
	}

	measures, _ := cleaned.First("qg_measures", "measures")
	if !reflect.DeepEqual(measures.List, []string{"measure_1", "measure_2"}) {
		t.Fatalf("measures = %v, want duplicates dropped", measures.List)
	}

	area, _ := cleaned.First("qg_measures", "area")
	if area.Kind != KindFloat || area.Float != 12 {
		t.Fatalf("area = %+v, want float 12", area)
	}

	established, ok := cleaned.First("qg_measures", "established")
	if !ok || established.Bool {
		t.Fatalf("established = %+v, want false kept", established)
	}
}

func TestCleanReportsProblems(t *testing.T) {
	cfg := testConfig(t)
	raw := Data{
		"qg_unknown": {{"x": String("y")}},
		"qg_name": {{
			"country": String("country_XXX"),
			"bogus":   String("value"),
		}},
		"qg_measures": {
			{"measures": List([]string{"measure_1"})},
			{"measures": List([]string{"measure_2"})},
			{"measures": List([]string{"measure_1"})},
		},
	}

	cleaned, problems := Clean(raw, cfg)
	if len(problems) != 4 {
		t.Fatalf("problems = %v, want 4", problems)
	}
	if _, ok := cleaned["qg_unknown"]; ok {
		t.Fatal("unknown question group kept")
	}
	if _, ok := cleaned["qg_name"]; ok {
		t.Fatal("group with only invalid values kept")
	}
	if got := len(cleaned["qg_measures"]); got != 2 {
		t.Fatalf("qg_measures repetitions = %d, want max_num 2", got)
	}
}

func TestCleanStripsControlCharacters(t *testing.T) {
	cfg := testConfig(t)
	raw := Data{
		"qg_name": {{
			"name": Lang(map[string]string{"en": "  Terrace\x00 farming\x1b \n"}),
		}},
	}
	cleaned, problems := Clean(raw, cfg)
	if len(problems) != 0 {
		t.Fatalf("problems = %v", problems)
	}
	name, _ := cleaned.First("qg_name", "name")
	if name.Lang["en"] != "Terrace farming" {
		t.Fatalf("name = %q", name.Lang["en"])
	}
}

func TestCleanIsIdempotent(t *testing.T) {
	cfg := testConfig(t)
	raw := Data{
		"qg_name": {{
			"name":    String("Plain name"),
			"country": String(" country_CHE "),
		}},
	}
	once, _ := Clean(raw, cfg)
	twice, problems := Clean(once, cfg)
	if len(problems) != 0 {
		t.Fatalf("problems on second pass = %v", problems)
	}
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("second clean changed data:\n%+v\n%+v", once, twice)
	}
}

func TestValueJSONRoundTrip(t *testing.T) {
	d := Data{
		"qg_name": {{
			"name":    Lang(map[string]string{"en": "A", "fr": "Un"}),
			"country": String("country_CHE"),
		}},
		"qg_measures": {{
			"measures":    List([]string{"measure_1"}),
			"area":        Float(1.5),
			"count":       Integer(3),
			"established": Boolean(true),
		}},
	}
	raw, err := d.Raw()
	if err != nil {
		t.Fatalf("Raw: %v", err)
	}
	parsed, err := ParseRaw(raw)
	if err != nil {
		t.Fatalf("ParseRaw: %v", err)
	}
	if !reflect.DeepEqual(d, parsed) {
		t.Fatalf("round trip mismatch:\n%+v\n%+v", d, parsed)
	}
}

func TestParseRawRejectsMalformed(t *testing.T) {
	if _, err := ParseRaw(json.RawMessage(`{"qg": [{"k": {"en": 5}}]}`)); err == nil {
		t.Fatal("expected error for non-string translation")
	}
	if _, err := ParseRaw(json.RawMessage(`{"qg": "nope"}`)); err == nil {
		t.Fatal("expected error for non-list group")
	}
}

func TestTranslationFallback(t *testing.T) {
	v := Lang(map[string]string{"fr": "Un", "es": "Uno"})
	if got := v.Translation("de"); got != "Uno" {
		t.Fatalf("Translation fallback = %q, want first language alphabetically", got)
	}
	v = Lang(map[string]string{"en": "One", "fr": "Un"})
	if got := v.Translation("de"); got != "One" {
		t.Fatalf("Translation fallback = %q, want English", got)
	}
}
