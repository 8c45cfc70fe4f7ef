package configuration

import (
	"context"
	"testing"
)

type fakeSource struct {
	active   string
	editions map[string][]byte
	loads    int
}

func (s *fakeSource) ActiveEdition(ctx context.Context, code string) (string, []byte, error) {
	s.loads++
	data, ok := s.editions[s.active]
	if !ok {
		return "", nil, ErrConfigNotFound
	}
	return s.active, data, nil
}

func (s *fakeSource) Edition(ctx context.Context, code, edition string) ([]byte, error) {
	s.loads++
	data, ok := s.editions[edition]
	if !ok {
		return nil, ErrConfigNotFound
	}
	return data, nil
}

func (s *fakeSource) Editions(ctx context.Context, code string) ([]string, error) {
	return []string{"2015", "2018"}, nil
}

const sampleTree = `{
	"sections": [{
		"keyword": "section_general",
		"categories": [{
			"keyword": "cat_1",
			"subcategories": [{
				"keyword": "subcat_1_1",
				"questiongroups": [{
					"keyword": "qg_name",
					"questions": [
						{"keyword": "name", "type": "char", "is_name": true},
						{"keyword": "country", "type": "select", "filterable": true,
						 "choices": [{"code": "country_CHE", "label": {"en": "Switzerland"}}]}
					]
				}]
			}]
		}]
	}],
	"link_targets": ["approaches"]
}`

func newTestRegistry(t *testing.T) (*Registry, *fakeSource) {
	t.Helper()
	source := &fakeSource{
		active: "2018",
		editions: map[string][]byte{
			"2015": []byte(sampleTree),
			"2018": []byte(sampleTree),
		},
	}
	return NewRegistry(source), source
}

func TestRegistryCachesActiveEdition(t *testing.T) {
	reg, source := newTestRegistry(t)
	ctx := context.Background()

	cfg, err := reg.Get(ctx, "technologies")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cfg.Edition != "2018" {
		t.Fatalf("edition = %q, want 2018", cfg.Edition)
	}
	if _, err := reg.Get(ctx, "technologies"); err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if source.loads != 1 {
		t.Fatalf("source loads = %d, want 1", source.loads)
	}
}

func TestRegistryActivateFlushes(t *testing.T) {
	reg, source := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.Get(ctx, "technologies"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	source.active = "2015"
	reg.Activate("technologies")

	cfg, err := reg.Get(ctx, "technologies")
	if err != nil {
		t.Fatalf("Get after activate: %v", err)
	}
	if cfg.Edition != "2015" {
		t.Fatalf("edition = %q, want 2015", cfg.Edition)
	}
}

func TestRegistryUnknownCode(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if _, err := reg.GetEdition(context.Background(), "technologies", "2099"); err != ErrConfigNotFound {
		t.Fatalf("err = %v, want ErrConfigNotFound", err)
	}
}

func TestConfigurationLookups(t *testing.T) {
	cfg, err := Decode("technologies", "2018", []byte(sampleTree))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	qg, key, ok := cfg.NameKeywords()
	if !ok || qg != "qg_name" || key != "name" {
		t.Fatalf("NameKeywords = %q %q %v", qg, key, ok)
	}

	filters := cfg.FilterConfiguration()
	if len(filters) != 1 || filters[0].Key != "country" {
		t.Fatalf("FilterConfiguration = %+v", filters)
	}

	q := cfg.Question("qg_name", "country")
	if q == nil || !q.HasChoice("country_CHE") {
		t.Fatalf("Question lookup failed: %+v", q)
	}
	if got := q.ChoiceLabel("country_CHE", "fr"); got != "Switzerland" {
		t.Fatalf("ChoiceLabel fallback = %q", got)
	}
	if got := q.ChoiceLabel("country_XXX", "en"); got != "country_XXX" {
		t.Fatalf("ChoiceLabel unknown = %q", got)
	}
}
