package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"qcat/internal/configuration"
	"qcat/internal/draft"
	"qcat/internal/qdata"
	"qcat/internal/store"
	"qcat/internal/workflow"
)

// EditState is what the step form works on: the draft data merged over the
// stored version, plus the lock the caller now holds.
type EditState struct {
	Code       string     `json:"code"`
	ConfigCode string     `json:"configCode"`
	Edition    string     `json:"edition"`
	Data       qdata.Data `json:"data"`
	LockedBy   int64      `json:"lockedBy"`
	LockUntil  time.Time  `json:"lockUntil"`
}

// StartEdit opens an editing session on a questionnaire, or on a fresh
// draft when code is "new". The caller acquires the code-wide edit lock.
func (s *Service) StartEdit(ctx context.Context, session Session, configCode, code string) (EditState, error) {
	cfg, err := s.registry.Get(ctx, configCode)
	if err != nil {
		return EditState{}, err
	}

	state := EditState{Code: code, ConfigCode: configCode, Edition: cfg.Edition}
	var base qdata.Data

	if code != draft.NewCode {
		q, err := s.store.GetLatest(ctx, code)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return EditState{}, domainError(http.StatusNotFound, "NOT_FOUND", "questionnaire not found", nil)
			}
			return EditState{}, err
		}
		actor, err := s.actorFor(ctx, session.UserID, q.ID)
		if err != nil {
			return EditState{}, err
		}
		if !workflow.Has(workflow.Permissions(actor, q.Status), workflow.PermEdit) {
			return EditState{}, domainError(http.StatusForbidden, "FORBIDDEN", "missing permission to edit", nil)
		}
		state.Edition = q.Edition

		held, err := s.store.TryLock(ctx, q.Code, session.UserID, s.lockTTL)
		if err != nil {
			if errors.Is(err, store.ErrLocked) {
				return EditState{}, lockedError(held)
			}
			return EditState{}, err
		}
		state.LockedBy = held.By
		state.LockUntil = held.Until

		base, err = qdata.ParseRaw(q.Data)
		if err != nil {
			return EditState{}, fmt.Errorf("parse stored data of %s: %w", code, err)
		}
	}

	d, err := s.drafts.Get(ctx, session.UserID, configCode, code)
	switch {
	case err == nil:
		// Draft groups shadow the stored ones.
		if base == nil {
			base = qdata.Data{}
		}
		for qg, groups := range d.Data {
			base[qg] = groups
		}
	case errors.Is(err, draft.ErrNoDraft):
		if base == nil {
			base = qdata.Data{}
		}
	default:
		return EditState{}, err
	}

	state.Data = base
	return state, nil
}

// SaveStep merges one step's cleaned data into the caller's draft. The
// edit lock is refreshed on every save.
func (s *Service) SaveStep(ctx context.Context, session Session, configCode, code string, data qdata.Data) (EditState, []string, error) {
	cfg, err := s.registry.Get(ctx, configCode)
	if err != nil {
		return EditState{}, nil, err
	}

	if code != draft.NewCode {
		held, err := s.store.TryLock(ctx, code, session.UserID, s.lockTTL)
		if err != nil {
			if errors.Is(err, store.ErrLocked) {
				return EditState{}, nil, lockedError(held)
			}
			return EditState{}, nil, err
		}
	}

	cleaned, problems := qdata.Clean(data, cfg)
	d, err := s.drafts.Put(ctx, session.UserID, configCode, code, cleaned)
	if err != nil {
		return EditState{}, nil, fmt.Errorf("save draft: %w", err)
	}
	return EditState{
		Code:       code,
		ConfigCode: configCode,
		Edition:    cfg.Edition,
		Data:       d.Data,
	}, problems, nil
}

// CommitDraft turns the caller's draft into a stored questionnaire
// version: a brand new questionnaire for "new", otherwise an update of
// the latest version (allocating version+1 when it is published).
func (s *Service) CommitDraft(ctx context.Context, session Session, configCode, code string) (store.Questionnaire, []string, error) {
	cfg, err := s.registry.Get(ctx, configCode)
	if err != nil {
		return store.Questionnaire{}, nil, err
	}

	d, err := s.drafts.Get(ctx, session.UserID, configCode, code)
	if err != nil {
		if errors.Is(err, draft.ErrNoDraft) {
			return store.Questionnaire{}, nil, domainError(http.StatusBadRequest, "NO_DRAFT", "nothing to save", nil)
		}
		return store.Questionnaire{}, nil, err
	}

	var (
		full qdata.Data
		prev store.Questionnaire
	)
	if code != draft.NewCode {
		prev, err = s.store.GetLatest(ctx, code)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return store.Questionnaire{}, nil, domainError(http.StatusNotFound, "NOT_FOUND", "questionnaire not found", nil)
			}
			return store.Questionnaire{}, nil, err
		}
		actor, err := s.actorFor(ctx, session.UserID, prev.ID)
		if err != nil {
			return store.Questionnaire{}, nil, err
		}
		if !workflow.Has(workflow.Permissions(actor, prev.Status), workflow.PermEdit) {
			return store.Questionnaire{}, nil, domainError(http.StatusForbidden, "FORBIDDEN", "missing permission to edit", nil)
		}
		// A commit is still a write to the shared version, so the code-wide
		// lock applies to it just like to SaveStep.
		held, err := s.store.TryLock(ctx, prev.Code, session.UserID, s.lockTTL)
		if err != nil {
			if errors.Is(err, store.ErrLocked) {
				return store.Questionnaire{}, nil, lockedError(held)
			}
			return store.Questionnaire{}, nil, err
		}
		full, err = qdata.ParseRaw(prev.Data)
		if err != nil {
			return store.Questionnaire{}, nil, fmt.Errorf("parse stored data of %s: %w", code, err)
		}
		for qg, groups := range d.Data {
			full[qg] = groups
		}
	} else {
		full = d.Data
	}

	cleaned, problems := qdata.Clean(full, cfg)
	name := extractName(cleaned, cfg)
	if len(name) == 0 {
		problems = append(problems, "the questionnaire has no name")
		return store.Questionnaire{}, problems, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
			"cleaning rejected the draft", problems)
	}
	raw, err := cleaned.Raw()
	if err != nil {
		return store.Questionnaire{}, problems, err
	}

	var q store.Questionnaire
	if code == draft.NewCode {
		q, err = s.store.Create(ctx, configCode, cfg.Edition, raw, name, session.UserID)
		if err != nil {
			return store.Questionnaire{}, problems, fmt.Errorf("create questionnaire: %w", err)
		}
		if err := s.notify.Record(ctx, store.ActionCreate, q, session.UserID, ""); err != nil {
			return store.Questionnaire{}, problems, err
		}
	} else {
		q, err = s.store.CreateNew(ctx, code, raw, name)
		if err != nil {
			return store.Questionnaire{}, problems, fmt.Errorf("save questionnaire %s: %w", code, err)
		}
		if q.ID != prev.ID {
			// A new version was allocated; its links carry over.
			if err := s.store.CarryOverLinks(ctx, prev.ID, q.ID); err != nil {
				return store.Questionnaire{}, problems, err
			}
		}
		if err := s.notify.Record(ctx, store.ActionEditContent, q, session.UserID, ""); err != nil {
			return store.Questionnaire{}, problems, err
		}
	}

	if err := s.drafts.Clear(ctx, session.UserID, configCode, code); err != nil {
		return store.Questionnaire{}, problems, err
	}
	if code != draft.NewCode {
		if err := s.store.Unlock(ctx, code, session.UserID); err != nil {
			return store.Questionnaire{}, problems, err
		}
	}
	if err := s.syncMembersFromData(ctx, cfg, q, cleaned); err != nil {
		return store.Questionnaire{}, problems, err
	}
	s.reindex(ctx, q.Code)
	return q, problems, nil
}

// syncMembersFromData attaches users referenced by user_id answers as
// members with the role the question configures. Existing memberships are
// kept as they are.
func (s *Service) syncMembersFromData(ctx context.Context, cfg *configuration.Configuration, q store.Questionnaire, data qdata.Data) error {
	fields := cfg.UserFields()
	if len(fields) == 0 {
		return nil
	}
	members, err := s.store.Members(ctx, q.ID)
	if err != nil {
		return err
	}
	present := make(map[string]bool, len(members))
	for _, m := range members {
		present[fmt.Sprintf("%d/%s", m.UserID, m.Role)] = true
	}
	for _, f := range fields {
		role := workflow.Role(f[2])
		for _, group := range data[f[0]] {
			v, ok := group[f[1]]
			if !ok || v.Kind != qdata.KindInt || v.Int == 0 {
				continue
			}
			if present[fmt.Sprintf("%d/%s", v.Int, role)] {
				continue
			}
			if err := s.store.AddMember(ctx, q.ID, v.Int, role); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReleaseEdit drops the caller's lock and draft without saving.
func (s *Service) ReleaseEdit(ctx context.Context, session Session, configCode, code string) error {
	if err := s.drafts.Clear(ctx, session.UserID, configCode, code); err != nil {
		return err
	}
	if code == draft.NewCode {
		return nil
	}
	return s.store.Unlock(ctx, code, session.UserID)
}

func lockedError(held store.Held) *DomainError {
	return domainError(http.StatusConflict, "LOCKED", "another user is editing this questionnaire",
		map[string]any{"lockedBy": held.By, "until": held.Until})
}

// extractName pulls the canonical name translations out of cleaned data.
func extractName(data qdata.Data, cfg *configuration.Configuration) map[string]string {
	qg, key, ok := cfg.NameKeywords()
	if !ok {
		return nil
	}
	v, ok := data.First(qg, key)
	if !ok {
		return nil
	}
	switch v.Kind {
	case qdata.KindLang:
		if len(v.Lang) == 0 {
			return nil
		}
		return v.Lang
	case qdata.KindString:
		if v.Str == "" {
			return nil
		}
		return map[string]string{"en": v.Str}
	default:
		return nil
	}
}
