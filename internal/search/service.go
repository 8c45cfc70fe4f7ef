// Package search lists and searches questionnaires, first through the
// Meilisearch index and through Postgres when the index is unavailable.
package search

import (
	"context"
	"log"

	"qcat/internal/store"
)

// Service is the facade that tries Meilisearch first and falls back to the
// database listing.
type Service struct {
	meili *Meili
	db    *DBSearch
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, db *DBSearch) *Service {
	return &Service{meili: meili, db: db}
}

// Search tries Meilisearch if healthy, otherwise falls back to Postgres.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to database: %v", err)
	}

	results, total, err := s.db.Search(ctx, q)
	if err != nil {
		log.Printf("search: database listing error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// Index pushes a questionnaire record to the index (fire-and-forget).
func (s *Service) Index(record Record) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexQuestionnaire(record); err != nil {
			log.Printf("search: index questionnaire %s: %v", record.Code, err)
		}
	}()
}

// Delete removes a questionnaire from the index (fire-and-forget).
func (s *Service) Delete(uuid string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteQuestionnaire(uuid); err != nil {
			log.Printf("search: delete questionnaire %s: %v", uuid, err)
		}
	}()
}

// ReindexAll reads every visible questionnaire from Postgres and pushes it
// to Meilisearch. Called during bootstrap when the index is healthy.
func (s *Service) ReindexAll(ctx context.Context, toRecord func(store.Questionnaire) (Record, error)) {
	if s.meili == nil || !s.meili.Healthy() || s.db == nil {
		return
	}
	records, err := s.db.LoadAllRecords(ctx, toRecord)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.meili.IndexQuestionnaires(records); err != nil {
		log.Printf("search: reindex failed: %v", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
