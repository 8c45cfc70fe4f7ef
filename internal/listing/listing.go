// Package listing parses list requests: the filter__<qg>__<key> query
// parameters, free text search, date ranges, and pagination.
package listing

import (
	"net/url"
	"strconv"
	"strings"

	"qcat/internal/store"
)

const (
	DefaultLimit = 10
	MaxLimit     = 500
)

// Params is the normalized form of a list request.
type Params struct {
	ConfigCode  string
	Text        string
	Language    string
	Filters     []store.KeyFilter
	CreatedFrom string
	CreatedTo   string
	UpdatedFrom string
	UpdatedTo   string
	Page        int
	Limit       int
}

// Offset converts page and limit to a row offset.
func (p Params) Offset() int {
	return (p.Page - 1) * p.Limit
}

// Parse reads the list parameters from a query string. Unknown parameters
// are ignored. Limits are clamped to [1, 500] and default to 10, the page
// defaults to 1.
func Parse(query url.Values) Params {
	params := Params{
		ConfigCode: query.Get("type"),
		Text:       strings.TrimSpace(query.Get("q")),
		Language:   query.Get("lang"),
		Page:       1,
		Limit:      DefaultLimit,
	}

	if page, err := strconv.Atoi(query.Get("page")); err == nil && page > 0 {
		params.Page = page
	}
	if limit, err := strconv.Atoi(query.Get("limit")); err == nil {
		switch {
		case limit < 1:
			params.Limit = 1
		case limit > MaxLimit:
			params.Limit = MaxLimit
		default:
			params.Limit = limit
		}
	}

	params.CreatedFrom, params.CreatedTo = parseRange(query.Get("created"))
	params.UpdatedFrom, params.UpdatedTo = parseRange(query.Get("updated"))

	for name, values := range query {
		qg, key, ok := splitFilterName(name)
		if !ok {
			continue
		}
		var filterValues []string
		for _, value := range values {
			for _, part := range strings.Split(value, ",") {
				part = strings.TrimSpace(part)
				if part != "" {
					filterValues = append(filterValues, part)
				}
			}
		}
		if len(filterValues) == 0 {
			continue
		}
		params.Filters = append(params.Filters, store.KeyFilter{
			Questiongroup: qg,
			Key:           key,
			Values:        filterValues,
		})
	}

	return params
}

// splitFilterName dissects "filter__<questiongroup>__<key>".
func splitFilterName(name string) (qg, key string, ok bool) {
	if !strings.HasPrefix(name, "filter__") {
		return "", "", false
	}
	parts := strings.Split(strings.TrimPrefix(name, "filter__"), "__")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// parseRange dissects a "from-to" year range. Either side may be empty.
func parseRange(value string) (from, to string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", ""
	}
	parts := strings.SplitN(value, "-", 2)
	from = yearStart(strings.TrimSpace(parts[0]))
	if len(parts) == 2 {
		to = yearEnd(strings.TrimSpace(parts[1]))
	} else {
		to = yearEnd(strings.TrimSpace(parts[0]))
	}
	return from, to
}

func yearStart(year string) string {
	if _, err := strconv.Atoi(year); err != nil || len(year) != 4 {
		return ""
	}
	return year + "-01-01T00:00:00Z"
}

func yearEnd(year string) string {
	if _, err := strconv.Atoi(year); err != nil || len(year) != 4 {
		return ""
	}
	return year + "-12-31T23:59:59Z"
}

// Page describes one page of results plus the surrounding page numbers the
// template renders.
type Page struct {
	Number    int   `json:"page"`
	Count     int   `json:"pageCount"`
	Total     int   `json:"total"`
	HasNext   bool  `json:"hasNext"`
	HasPrev   bool  `json:"hasPrev"`
	PageRange []int `json:"pageRange"`
}

// Paginate computes the page envelope for a total row count. The page range
// shows at most two neighbours on each side of the current page, always
// including the first and the last page.
func Paginate(page, limit, total int) Page {
	if limit < 1 {
		limit = DefaultLimit
	}
	count := (total + limit - 1) / limit
	if count < 1 {
		count = 1
	}
	if page < 1 {
		page = 1
	}
	if page > count {
		page = count
	}

	var pageRange []int
	last := 0
	for n := 1; n <= count; n++ {
		if n != 1 && n != count && (n < page-2 || n > page+2) {
			continue
		}
		if last != 0 && n-last > 1 {
			// 0 marks an ellipsis
			pageRange = append(pageRange, 0)
		}
		pageRange = append(pageRange, n)
		last = n
	}

	return Page{
		Number:    page,
		Count:     count,
		Total:     total,
		HasNext:   page < count,
		HasPrev:   page > 1,
		PageRange: pageRange,
	}
}
