package search

import (
	"fmt"
	"sort"
	"time"

	"qcat/internal/qdata"
	"qcat/internal/store"
	"qcat/internal/workflow"
)

// Record is the data we index per questionnaire version. Only the current
// visible version of each code is kept in the index.
type Record struct {
	UUID       string `json:"uuid"`
	Code       string `json:"code"`
	ConfigCode string `json:"configCode"`
	// Configurations is the membership set: the own configuration plus
	// derived ones, so umbrella listings match with plain equality.
	Configurations []string          `json:"configurations"`
	Status         int               `json:"status"`
	Name           map[string]string `json:"name"`
	// NameText concatenates all translations for full text matching.
	NameText string `json:"nameText"`
	// FilterTags flattens filterable values as "questiongroup:key:value"
	// so the index can answer key filters with plain equality.
	FilterTags []string `json:"filterTags"`
	UpdatedAt  int64    `json:"updatedAt"`
	CreatedAt  int64    `json:"createdAt"`
}

// Result is a single listing hit returned to the caller.
type Result struct {
	UUID       string            `json:"uuid"`
	Code       string            `json:"code"`
	ConfigCode string            `json:"configCode"`
	Status     int               `json:"status"`
	Name       map[string]string `json:"name"`
	UpdatedAt  int64             `json:"updatedAt"`
}

// Query describes a listing request. The date bounds are inclusive; a zero
// bound means unbounded on that side. ConfigCodes matches any configuration
// membership of a record.
type Query struct {
	Text        string
	ConfigCodes []string
	Statuses    []workflow.Status
	Filters     []store.KeyFilter
	Language    string
	CreatedFrom time.Time
	CreatedTo   time.Time
	UpdatedFrom time.Time
	UpdatedTo   time.Time
	Limit       int
	Offset      int
}

// Response is the envelope returned by the listing backends.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Tag builds one filter tag. The same encoding is used at index and query
// time.
func Tag(questiongroup, key, value string) string {
	return fmt.Sprintf("%s:%s:%s", questiongroup, key, value)
}

// RecordFromQuestionnaire flattens a stored questionnaire into its index
// record, using the configuration's filterable keys.
func RecordFromQuestionnaire(q store.Questionnaire, filterable []store.KeyFilter, data qdata.Data) Record {
	record := Record{
		UUID:           q.UUID,
		Code:           q.Code,
		ConfigCode:     q.ConfigCode,
		Configurations: q.Configurations,
		Status:         int(q.Status),
		Name:           q.Name,
		FilterTags:     []string{},
		UpdatedAt:      q.UpdatedAt.Unix(),
		CreatedAt:      q.CreatedAt.Unix(),
	}
	if len(record.Configurations) == 0 {
		record.Configurations = []string{q.ConfigCode}
	}
	// Language order is fixed so reindexing an unchanged questionnaire
	// produces an identical record.
	for _, lang := range languageOrder(q.Name) {
		translation := q.Name[lang]
		if translation == "" {
			continue
		}
		if record.NameText != "" {
			record.NameText += " "
		}
		record.NameText += translation
	}
	for _, f := range filterable {
		for _, group := range data[f.Questiongroup] {
			value, ok := group[f.Key]
			if !ok {
				continue
			}
			switch value.Kind {
			case qdata.KindString:
				record.FilterTags = append(record.FilterTags, Tag(f.Questiongroup, f.Key, value.Str))
			case qdata.KindList:
				for _, item := range value.List {
					record.FilterTags = append(record.FilterTags, Tag(f.Questiongroup, f.Key, item))
				}
			}
		}
	}
	return record
}

// languageOrder lists the name languages with English first and the rest
// alphabetical.
func languageOrder(name map[string]string) []string {
	langs := make([]string, 0, len(name))
	for lang := range name {
		if lang != "en" {
			langs = append(langs, lang)
		}
	}
	sort.Strings(langs)
	if _, ok := name["en"]; ok {
		langs = append([]string{"en"}, langs...)
	}
	return langs
}
