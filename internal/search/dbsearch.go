package search

import (
	"context"
	"time"

	"qcat/internal/store"
)

// bound formats a query time bound the way ListQuery expects, with the zero
// value meaning unbounded.
func bound(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

// DBSearch answers listing queries straight from Postgres. It is always
// available and serves as the fallback when Meilisearch is down.
type DBSearch struct {
	store *store.PostgresStore
}

func NewDBSearch(s *store.PostgresStore) *DBSearch {
	return &DBSearch{store: s}
}

func (d *DBSearch) Search(ctx context.Context, q Query) ([]Result, int, error) {
	items, total, err := d.store.ListCurrent(ctx, store.ListQuery{
		ConfigCodes: q.ConfigCodes,
		Statuses:    q.Statuses,
		Filters:     q.Filters,
		Name:        q.Text,
		Language:    q.Language,
		CreatedFrom: bound(q.CreatedFrom),
		CreatedTo:   bound(q.CreatedTo),
		UpdatedFrom: bound(q.UpdatedFrom),
		UpdatedTo:   bound(q.UpdatedTo),
		Limit:       q.Limit,
		Offset:      q.Offset,
	})
	if err != nil {
		return nil, 0, err
	}

	results := make([]Result, 0, len(items))
	for _, item := range items {
		results = append(results, Result{
			UUID:       item.UUID,
			Code:       item.Code,
			ConfigCode: item.ConfigCode,
			Status:     int(item.Status),
			Name:       item.Name,
			UpdatedAt:  item.UpdatedAt.Unix(),
		})
	}
	return results, total, nil
}

// LoadAllRecords reads every published questionnaire for reindexing.
func (d *DBSearch) LoadAllRecords(ctx context.Context, toRecord func(store.Questionnaire) (Record, error)) ([]Record, error) {
	items, _, err := d.store.ListCurrent(ctx, store.ListQuery{Limit: 100000})
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(items))
	for _, item := range items {
		record, err := toRecord(item)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}
