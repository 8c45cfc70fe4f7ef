package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"qcat/internal/configuration"
	"qcat/internal/listing"
	"qcat/internal/search"
	"qcat/internal/store"
	"qcat/internal/workflow"
)

// ActiveFilter describes one applied list filter for display.
type ActiveFilter struct {
	Questiongroup string            `json:"questiongroup"`
	Key           string            `json:"key"`
	Label         map[string]string `json:"label"`
	Values        []string          `json:"values"`
}

// ListResult is the payload of the list endpoints.
type ListResult struct {
	List          []search.Result `json:"list"`
	ActiveFilters []ActiveFilter  `json:"active_filters"`
	Pagination    listing.Page    `json:"pagination"`
}

// List returns one page of questionnaires of a type. Anonymous callers see
// published versions only; moderators also see the submitted and reviewed
// ones waiting for them.
func (s *Service) List(ctx context.Context, session *Session, params listing.Params) (ListResult, error) {
	if params.ConfigCode == "" {
		return ListResult{}, domainError(http.StatusBadRequest, "INVALID_TYPE", "questionnaire type is required", nil)
	}
	cfg, err := s.registry.Get(ctx, params.ConfigCode)
	if err != nil {
		return ListResult{}, err
	}

	statuses := []workflow.Status{workflow.StatusPublished}
	if session != nil {
		actor, err := s.actorFor(ctx, session.UserID, 0)
		if err != nil {
			return ListResult{}, err
		}
		if actor.IsSuper || actor.CanReview || actor.CanPublish {
			statuses = append(statuses, workflow.StatusSubmitted, workflow.StatusReviewed)
		}
	}

	response := s.search.Search(ctx, search.Query{
		Text:        params.Text,
		ConfigCodes: configuration.ListedConfigurations(params.ConfigCode),
		Statuses:    statuses,
		Filters:     params.Filters,
		Language:    params.Language,
		CreatedFrom: parseWhen(params.CreatedFrom),
		CreatedTo:   parseWhen(params.CreatedTo),
		UpdatedFrom: parseWhen(params.UpdatedFrom),
		UpdatedTo:   parseWhen(params.UpdatedTo),
		Limit:       params.Limit,
		Offset:      params.Offset(),
	})

	result := ListResult{
		List:          response.Results,
		ActiveFilters: []ActiveFilter{},
		Pagination:    listing.Paginate(params.Page, params.Limit, response.Total),
	}
	for _, f := range params.Filters {
		active := ActiveFilter{
			Questiongroup: f.Questiongroup,
			Key:           f.Key,
			Values:        f.Values,
		}
		if qg := cfg.Questiongroup(f.Questiongroup); qg != nil {
			if q := qg.Question(f.Key); q != nil {
				active.Label = q.Label
			}
		}
		result.ActiveFilters = append(result.ActiveFilters, active)
	}
	return result, nil
}

// parseWhen reads an RFC 3339 bound from the parsed listing parameters. An
// empty or malformed value means no bound.
func parseWhen(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Detail is the full view of one questionnaire.
type Detail struct {
	Questionnaire store.Questionnaire `json:"questionnaire"`
	Members       []store.Member      `json:"members"`
	Links         []store.Link        `json:"links"`
	Permissions   []string            `json:"permissions"`
	Lock          *store.Held         `json:"lock,omitempty"`
}

// View loads a questionnaire by uuid or code. Anonymous callers only see
// published versions; everything else requires a permission on the current
// status.
func (s *Service) View(ctx context.Context, session *Session, identifier string) (Detail, error) {
	q, err := s.store.GetByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Detail{}, domainError(http.StatusNotFound, "NOT_FOUND", "questionnaire not found", nil)
		}
		return Detail{}, err
	}

	var permissions []string
	switch {
	case q.Status == workflow.StatusPublished:
		// Public.
	case session == nil:
		return Detail{}, domainError(http.StatusNotFound, "NOT_FOUND", "questionnaire not found", nil)
	default:
		actor, err := s.actorFor(ctx, session.UserID, q.ID)
		if err != nil {
			return Detail{}, err
		}
		permissions = workflow.Permissions(actor, q.Status)
		if len(actor.Roles) == 0 && len(permissions) == 0 {
			return Detail{}, domainError(http.StatusNotFound, "NOT_FOUND", "questionnaire not found", nil)
		}
	}
	if session != nil && permissions == nil {
		actor, err := s.actorFor(ctx, session.UserID, q.ID)
		if err != nil {
			return Detail{}, err
		}
		permissions = workflow.Permissions(actor, q.Status)
	}

	members, err := s.store.Members(ctx, q.ID)
	if err != nil {
		return Detail{}, err
	}
	links, err := s.store.Links(ctx, q.ID, session != nil)
	if err != nil {
		return Detail{}, err
	}
	held, err := s.store.LockStatus(ctx, q.Code)
	if err != nil {
		return Detail{}, err
	}
	if permissions == nil {
		permissions = []string{}
	}
	return Detail{
		Questionnaire: q,
		Members:       members,
		Links:         links,
		Permissions:   permissions,
		Lock:          held,
	}, nil
}

// ChangeStatus applies one moderation event to the latest version of a
// questionnaire.
func (s *Service) ChangeStatus(ctx context.Context, session Session, identifier string, event workflow.Event, message string) (store.Questionnaire, error) {
	q, err := s.store.GetByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Questionnaire{}, domainError(http.StatusNotFound, "NOT_FOUND", "questionnaire not found", nil)
		}
		return store.Questionnaire{}, err
	}

	next, permission, err := workflow.Next(q.Status, event)
	if err != nil {
		var invalid *workflow.ErrInvalidTransition
		if errors.As(err, &invalid) {
			return store.Questionnaire{}, domainError(http.StatusConflict, "CONFLICTING_STATE", invalid.Error(),
				map[string]any{"status": q.Status.String()})
		}
		return store.Questionnaire{}, err
	}

	actor, err := s.actorFor(ctx, session.UserID, q.ID)
	if err != nil {
		return store.Questionnaire{}, err
	}
	if !workflow.Has(workflow.Permissions(actor, q.Status), permission) {
		return store.Questionnaire{}, domainError(http.StatusForbidden, "FORBIDDEN", "missing permission for this action", nil)
	}

	if next == workflow.StatusPublished {
		if err := s.store.Publish(ctx, q.ID); err != nil {
			return store.Questionnaire{}, fmt.Errorf("publish %s: %w", q.Code, err)
		}
	} else {
		if err := s.store.UpdateStatus(ctx, q.ID, next); err != nil {
			return store.Questionnaire{}, fmt.Errorf("set status of %s: %w", q.Code, err)
		}
	}
	q.Status = next

	if err := s.notify.Record(ctx, store.ActionChangeStatus, q, session.UserID, message); err != nil {
		return store.Questionnaire{}, err
	}
	if event == workflow.EventDelete {
		s.search.Delete(q.UUID)
	}
	s.reindex(ctx, q.Code)
	if next == workflow.StatusPublished {
		// Linked records carry the link's status, so they go stale now.
		links, err := s.store.Links(ctx, q.ID, true)
		if err != nil {
			return store.Questionnaire{}, err
		}
		for _, l := range links {
			s.reindex(ctx, l.Code)
		}
	}
	return q, nil
}

// LinkResult is one hit of the link search endpoint.
type LinkResult struct {
	ID      int64  `json:"id"`
	Code    string `json:"code"`
	Name    string `json:"name"`
	Value   int64  `json:"value"`
	Display string `json:"display"`
}

// SearchLinks finds link candidates among the current versions of a type.
func (s *Service) SearchLinks(ctx context.Context, configCode, term string, limit int) ([]LinkResult, error) {
	if limit <= 0 || limit > 50 {
		limit = 10
	}
	hits, err := s.store.SearchForLink(ctx, configCode, term, limit)
	if err != nil {
		return nil, err
	}
	results := make([]LinkResult, 0, len(hits))
	for _, h := range hits {
		name := h.Name["en"]
		if name == "" {
			name = h.Code
		}
		results = append(results, LinkResult{
			ID:      h.QuestionnaireID,
			Code:    h.Code,
			Name:    name,
			Value:   h.QuestionnaireID,
			Display: fmt.Sprintf("%s (%s)", name, h.Code),
		})
	}
	return results, nil
}

// SetLinks replaces the link edges of a questionnaire with the given
// targets, keeping the graph symmetric.
func (s *Service) SetLinks(ctx context.Context, session Session, identifier string, targetIDs []int64) error {
	q, err := s.store.GetByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domainError(http.StatusNotFound, "NOT_FOUND", "questionnaire not found", nil)
		}
		return err
	}
	actor, err := s.actorFor(ctx, session.UserID, q.ID)
	if err != nil {
		return err
	}
	if !workflow.Has(workflow.Permissions(actor, q.Status), workflow.PermEdit) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "missing permission for this action", nil)
	}

	cfg, err := s.registry.GetEdition(ctx, q.ConfigCode, q.Edition)
	if err != nil {
		return err
	}
	allowed := map[string]bool{}
	for _, code := range cfg.LinkTargets {
		allowed[code] = true
	}
	for _, id := range targetIDs {
		target, err := s.store.GetByID(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
					fmt.Sprintf("link target %d does not exist", id), nil)
			}
			return err
		}
		if !allowed[target.ConfigCode] {
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
				fmt.Sprintf("%s cannot link to %s", q.ConfigCode, target.ConfigCode), nil)
		}
	}
	return s.store.ReplaceLinks(ctx, q.ID, targetIDs)
}

// AddMember attaches a user to a questionnaire with a role.
func (s *Service) AddMember(ctx context.Context, session Session, identifier string, userID int64, role workflow.Role) error {
	q, actor, err := s.loadForAssign(ctx, session, identifier)
	if err != nil {
		return err
	}
	if !workflow.Has(workflow.Permissions(actor, q.Status), workflow.PermAssign) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "missing permission for this action", nil)
	}
	if err := s.store.AddMember(ctx, q.ID, userID, role); err != nil {
		return err
	}
	return s.notify.Record(ctx, store.ActionAddMember, q, session.UserID, string(role))
}

// RemoveMember detaches a user role from a questionnaire.
func (s *Service) RemoveMember(ctx context.Context, session Session, identifier string, userID int64, role workflow.Role) error {
	q, actor, err := s.loadForAssign(ctx, session, identifier)
	if err != nil {
		return err
	}
	if !workflow.Has(workflow.Permissions(actor, q.Status), workflow.PermAssign) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "missing permission for this action", nil)
	}
	if role == workflow.RoleCompiler {
		members, err := s.store.Members(ctx, q.ID)
		if err != nil {
			return err
		}
		compilers := 0
		for _, m := range members {
			if m.Role == workflow.RoleCompiler {
				compilers++
			}
		}
		if compilers <= 1 {
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
				"a questionnaire needs at least one compiler", nil)
		}
	}
	removed, err := s.store.RemoveMember(ctx, q.ID, userID, role)
	if err != nil {
		return err
	}
	if !removed {
		return domainError(http.StatusNotFound, "NOT_FOUND", "membership not found", nil)
	}
	return s.notify.Record(ctx, store.ActionRemoveMember, q, session.UserID, string(role))
}

func (s *Service) loadForAssign(ctx context.Context, session Session, identifier string) (store.Questionnaire, workflow.Actor, error) {
	q, err := s.store.GetByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Questionnaire{}, workflow.Actor{}, domainError(http.StatusNotFound, "NOT_FOUND", "questionnaire not found", nil)
		}
		return store.Questionnaire{}, workflow.Actor{}, err
	}
	actor, err := s.actorFor(ctx, session.UserID, q.ID)
	if err != nil {
		return store.Questionnaire{}, workflow.Actor{}, err
	}
	return q, actor, nil
}
