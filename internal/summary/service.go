package summary

import (
	"context"
	"fmt"
	"log"

	"qcat/internal/configuration"
	"qcat/internal/geo"
	"qcat/internal/qdata"
	"qcat/internal/store"
)

// DefaultType is rendered when no summary type is requested.
const DefaultType = "full"

// Result is a rendered summary artifact.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

// Service renders questionnaire summaries to PDF, serving cached
// artifacts when the underlying questionnaire has not changed.
type Service struct {
	store     *store.PostgresStore
	registry  *configuration.Registry
	maps      *geo.Client
	cache     *Cache
	overrides Overrides
}

func NewService(st *store.PostgresStore, registry *configuration.Registry, maps *geo.Client, cache *Cache) *Service {
	return &Service{store: st, registry: registry, maps: maps, cache: cache, overrides: Overrides{}}
}

// SetOverrides installs slot overrides keyed by "questiongroup.key".
func (s *Service) SetOverrides(o Overrides) {
	if o != nil {
		s.overrides = o
	}
}

// Render produces the PDF summary for one questionnaire.
func (s *Service) Render(ctx context.Context, identifier, summaryType, lang string) (*Result, error) {
	if summaryType == "" {
		summaryType = DefaultType
	}
	if lang == "" {
		lang = "en"
	}

	q, err := s.store.GetByIdentifier(ctx, identifier)
	if err != nil {
		return nil, fmt.Errorf("load questionnaire: %w", err)
	}

	key := s.cache.Key(q.ID, q.UpdatedAt, q.Edition, summaryType, lang)
	if cached := s.cache.Get(key); cached != nil {
		return s.result(q, cached), nil
	}

	cfg, err := s.registry.GetEdition(ctx, q.ConfigCode, q.Edition)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	data, err := qdata.ParseRaw(q.Data)
	if err != nil {
		return nil, fmt.Errorf("parse questionnaire data: %w", err)
	}

	builder := NewBuilder(cfg, s.maps, s.overrides)
	slots := builder.Build(ctx, data, summaryType, lang)

	html, err := RenderHTML(TemplateData{
		Title:       s.title(q, lang),
		Code:        q.Code,
		ConfigCode:  q.ConfigCode,
		Edition:     q.Edition,
		SummaryType: summaryType,
		Language:    lang,
		UpdatedAt:   q.UpdatedAt,
		Slots:       slots,
	})
	if err != nil {
		return nil, fmt.Errorf("render summary template: %w", err)
	}

	pdf, err := renderPDF(ctx, html)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Put(key, pdf); err != nil {
		log.Printf("summary: cache write for %s failed: %v", q.Code, err)
	}
	return s.result(q, pdf), nil
}

func (s *Service) result(q store.Questionnaire, pdf []byte) *Result {
	title := q.Name["en"]
	if title == "" {
		title = q.Code
	}
	return &Result{
		Data:     pdf,
		Filename: sanitizeFilename(title) + ".pdf",
		MimeType: "application/pdf",
	}
}

func (s *Service) title(q store.Questionnaire, lang string) string {
	if name := q.Name[lang]; name != "" {
		return name
	}
	if name := q.Name["en"]; name != "" {
		return name
	}
	return q.Code
}
