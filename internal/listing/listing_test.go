package listing

import (
	"net/url"
	"reflect"
	"testing"
)

func TestParseDefaults(t *testing.T) {
	params := Parse(url.Values{})
	if params.Page != 1 {
		t.Errorf("page = %d, want 1", params.Page)
	}
	if params.Limit != DefaultLimit {
		t.Errorf("limit = %d, want %d", params.Limit, DefaultLimit)
	}
	if len(params.Filters) != 0 {
		t.Errorf("filters = %v", params.Filters)
	}
}

func TestParseClampsLimit(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"0", 1},
		{"-5", 1},
		{"25", 25},
		{"500", 500},
		{"9999", MaxLimit},
		{"nope", DefaultLimit},
	}
	for _, tc := range cases {
		params := Parse(url.Values{"limit": {tc.in}})
		if params.Limit != tc.want {
			t.Errorf("limit %q parsed to %d, want %d", tc.in, params.Limit, tc.want)
		}
	}
}

func TestParseKeyFilters(t *testing.T) {
	params := Parse(url.Values{
		"filter__qg_location__country": {"country_CHE,country_KEN"},
		"filter__qg_measures__type":    {"measure_1"},
		"filter__broken":               {"x"},
		"other":                        {"y"},
	})
	if len(params.Filters) != 2 {
		t.Fatalf("filters = %+v", params.Filters)
	}
	for _, f := range params.Filters {
		if f.Questiongroup == "qg_location" {
			if !reflect.DeepEqual(f.Values, []string{"country_CHE", "country_KEN"}) {
				t.Errorf("country values = %v", f.Values)
			}
		}
	}
}

func TestParseDateRanges(t *testing.T) {
	params := Parse(url.Values{"created": {"2018-2020"}, "updated": {"2021"}})
	if params.CreatedFrom != "2018-01-01T00:00:00Z" || params.CreatedTo != "2020-12-31T23:59:59Z" {
		t.Errorf("created range = %q .. %q", params.CreatedFrom, params.CreatedTo)
	}
	if params.UpdatedFrom != "2021-01-01T00:00:00Z" || params.UpdatedTo != "2021-12-31T23:59:59Z" {
		t.Errorf("updated range = %q .. %q", params.UpdatedFrom, params.UpdatedTo)
	}
}

func TestOffset(t *testing.T) {
	params := Params{Page: 3, Limit: 25}
	if params.Offset() != 50 {
		t.Errorf("offset = %d", params.Offset())
	}
}

func TestPaginate(t *testing.T) {
	page := Paginate(1, 10, 95)
	if page.Count != 10 || !page.HasNext || page.HasPrev {
		t.Fatalf("page = %+v", page)
	}

	page = Paginate(5, 10, 95)
	want := []int{1, 0, 3, 4, 5, 6, 7, 0, 10}
	if !reflect.DeepEqual(page.PageRange, want) {
		t.Errorf("page range = %v, want %v", page.PageRange, want)
	}

	// out of range pages snap to the last page
	page = Paginate(99, 10, 95)
	if page.Number != 10 || page.HasNext {
		t.Errorf("page = %+v", page)
	}

	page = Paginate(1, 10, 0)
	if page.Count != 1 || page.HasNext || page.HasPrev {
		t.Errorf("empty page = %+v", page)
	}
}
