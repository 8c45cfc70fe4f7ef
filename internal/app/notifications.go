package app

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"qcat/internal/notify"
	"qcat/internal/store"
)

// NotificationPage is one page of a user's notification feed.
type NotificationPage struct {
	Logs  []store.NotificationLog `json:"logs"`
	Total int                     `json:"total"`
}

func (s *Service) Notifications(ctx context.Context, session Session, query store.LogQuery) (NotificationPage, error) {
	query.UserID = session.UserID
	if query.Limit <= 0 || query.Limit > 100 {
		query.Limit = 20
	}
	logs, total, err := s.notify.List(ctx, query)
	if err != nil {
		return NotificationPage{}, err
	}
	if logs == nil {
		logs = []store.NotificationLog{}
	}
	return NotificationPage{Logs: logs, Total: total}, nil
}

func (s *Service) UnreadCount(ctx context.Context, session Session) (int, error) {
	return s.notify.CountUnread(ctx, session.UserID)
}

func (s *Service) MarkNotificationRead(ctx context.Context, session Session, logID int64, read bool) error {
	if read {
		return s.notify.MarkRead(ctx, logID, session.UserID)
	}
	return s.notify.MarkUnread(ctx, logID, session.UserID)
}

// MailPreferencesFor returns the caller's mail preferences, creating the
// defaults on first access.
func (s *Service) MailPreferencesFor(ctx context.Context, session Session) (store.MailPreferences, error) {
	return s.store.GetMailPreferences(ctx, session.UserID)
}

// UpdateMailPreferences writes subscription, wanted actions and language.
func (s *Service) UpdateMailPreferences(ctx context.Context, session Session, subscription, wantedActions, language string) (store.MailPreferences, error) {
	prefs, err := s.store.GetMailPreferences(ctx, session.UserID)
	if err != nil {
		return store.MailPreferences{}, err
	}
	if subscription != "" {
		if subscription != "all" && subscription != "todo" && subscription != "none" {
			return store.MailPreferences{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
				"subscription must be one of all, todo, none", nil)
		}
		prefs.Subscription = subscription
	}
	if wantedActions != "" {
		for _, action := range strings.Split(wantedActions, ",") {
			switch strings.TrimSpace(action) {
			case store.ActionCreate, store.ActionDelete, store.ActionChangeStatus,
				store.ActionAddMember, store.ActionRemoveMember, store.ActionEditContent:
			default:
				return store.MailPreferences{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
					"unknown action "+action, nil)
			}
		}
		prefs.WantedActions = wantedActions
	}
	if language != "" {
		prefs.Language = language
	}
	if err := s.store.UpdateMailPreferences(ctx, prefs); err != nil {
		return store.MailPreferences{}, err
	}
	return prefs, nil
}

// Unsubscribe turns off mail delivery for the preferences a signed token
// points at. It works without a session so the link in a digest mail is
// enough.
func (s *Service) Unsubscribe(ctx context.Context, token string) error {
	prefsID, err := notify.VerifyUnsubscribe(s.serverKey, token)
	if err != nil {
		return domainError(http.StatusForbidden, "INVALID_TOKEN", "the unsubscribe link is not valid", nil)
	}
	prefs, err := s.store.GetMailPreferencesByID(ctx, prefsID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domainError(http.StatusNotFound, "NOT_FOUND", "preferences not found", nil)
		}
		return err
	}
	prefs.Subscription = "none"
	return s.store.UpdateMailPreferences(ctx, prefs)
}
