package search

import (
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxQuestionnaires = "qcat_questionnaires"

// Meili indexes and searches questionnaires via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the index.
// Returns nil if the initial connection fails (caller should proceed without it).
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxQuestionnaires,
		PrimaryKey: "uuid",
	}); err != nil {
		log.Printf("search: create index %s (may already exist): %v", idxQuestionnaires, err)
	}

	index := m.client.Index(idxQuestionnaires)
	filterable := []interface{}{"configCode", "configurations", "status", "filterTags", "code", "createdAt", "updatedAt"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		log.Printf("search: update filterable attrs for %s: %v", idxQuestionnaires, err)
	}
	searchable := []string{"nameText", "code"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("search: update searchable attrs for %s: %v", idxQuestionnaires, err)
	}
	sortable := []string{"updatedAt", "createdAt", "code"}
	if _, err := index.UpdateSortableAttributes(&sortable); err != nil {
		log.Printf("search: update sortable attrs for %s: %v", idxQuestionnaires, err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries the questionnaire index.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 10
	}

	filters := buildFilters(q)

	sr := &meili.SearchRequest{
		Limit:  limit,
		Offset: int64(q.Offset),
		// Code breaks ties between records updated in the same second.
		Sort: []string{"updatedAt:desc", "code:desc"},
	}
	if len(filters) > 0 {
		sr.Filter = filters
	}

	resp, err := m.client.Index(idxQuestionnaires).Search(q.Text, sr)
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	results := make([]Result, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		results = append(results, hitToResult(hit))
	}
	return results, int(resp.EstimatedTotalHits), nil
}

// buildFilters translates a Query into Meilisearch filter expressions. The
// timestamps are indexed as unix seconds, so the date bounds compare
// numerically.
func buildFilters(q Query) []string {
	var filters []string
	if len(q.ConfigCodes) > 0 {
		codeFilter := ""
		for i, code := range q.ConfigCodes {
			if i > 0 {
				codeFilter += " OR "
			}
			codeFilter += fmt.Sprintf("configurations = %q", code)
		}
		filters = append(filters, "("+codeFilter+")")
	}
	if len(q.Statuses) > 0 {
		statusFilter := ""
		for i, status := range q.Statuses {
			if i > 0 {
				statusFilter += " OR "
			}
			statusFilter += fmt.Sprintf("status = %d", int(status))
		}
		filters = append(filters, "("+statusFilter+")")
	}
	for _, f := range q.Filters {
		if len(f.Values) == 0 {
			continue
		}
		tagFilter := ""
		for i, value := range f.Values {
			if i > 0 {
				tagFilter += " OR "
			}
			tagFilter += fmt.Sprintf("filterTags = %q", Tag(f.Questiongroup, f.Key, value))
		}
		filters = append(filters, "("+tagFilter+")")
	}
	if !q.CreatedFrom.IsZero() {
		filters = append(filters, fmt.Sprintf("createdAt >= %d", q.CreatedFrom.Unix()))
	}
	if !q.CreatedTo.IsZero() {
		filters = append(filters, fmt.Sprintf("createdAt <= %d", q.CreatedTo.Unix()))
	}
	if !q.UpdatedFrom.IsZero() {
		filters = append(filters, fmt.Sprintf("updatedAt >= %d", q.UpdatedFrom.Unix()))
	}
	if !q.UpdatedTo.IsZero() {
		filters = append(filters, fmt.Sprintf("updatedAt <= %d", q.UpdatedTo.Unix()))
	}
	return filters
}

func hitToResult(hit meili.Hit) Result {
	var r Result
	r.UUID = decodeString(hit, "uuid")
	r.Code = decodeString(hit, "code")
	r.ConfigCode = decodeString(hit, "configCode")

	if raw, ok := hit["status"]; ok {
		var status int
		if err := json.Unmarshal(raw, &status); err == nil {
			r.Status = status
		}
	}
	if raw, ok := hit["name"]; ok {
		_ = json.Unmarshal(raw, &r.Name)
	}
	if raw, ok := hit["updatedAt"]; ok {
		var updated int64
		if err := json.Unmarshal(raw, &updated); err == nil {
			r.UpdatedAt = updated
		}
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

// IndexQuestionnaire adds or replaces a record in the index.
func (m *Meili) IndexQuestionnaire(record Record) error {
	_, err := m.client.Index(idxQuestionnaires).AddDocuments([]Record{record}, nil)
	return err
}

// IndexQuestionnaires bulk-indexes records.
func (m *Meili) IndexQuestionnaires(records []Record) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxQuestionnaires).AddDocuments(records, nil)
	return err
}

// DeleteQuestionnaire removes a record from the index.
func (m *Meili) DeleteQuestionnaire(uuid string) error {
	_, err := m.client.Index(idxQuestionnaires).DeleteDocument(uuid, nil)
	return err
}
