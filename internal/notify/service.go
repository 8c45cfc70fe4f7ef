// Package notify appends questionnaire events to the notification log,
// fans them out to the right receivers, and mails digests of unprocessed
// entries.
package notify

import (
	"context"
	"fmt"

	"qcat/internal/store"
	"qcat/internal/workflow"
)

type Service struct {
	store *store.PostgresStore
}

func NewService(s *store.PostgresStore) *Service {
	return &Service{store: s}
}

// Record appends an event for a questionnaire. Receivers are the
// questionnaire members minus the sender, widened by the functional role
// that has to act on the new status: reviewers for submitted
// questionnaires, publishers for reviewed ones.
func (s *Service) Record(ctx context.Context, action string, q store.Questionnaire, senderID int64, message string) error {
	members, err := s.store.Members(ctx, q.ID)
	if err != nil {
		return fmt.Errorf("load receivers: %w", err)
	}

	receiverIDs := make([]int64, 0, len(members))
	seen := make(map[int64]bool, len(members))
	add := func(id int64) {
		if id == 0 || id == senderID || seen[id] {
			return
		}
		seen[id] = true
		receiverIDs = append(receiverIDs, id)
	}
	for _, member := range members {
		add(member.UserID)
	}

	if action == store.ActionChangeStatus {
		var role workflow.Role
		switch q.Status {
		case workflow.StatusSubmitted:
			role = workflow.RoleReviewer
		case workflow.StatusReviewed:
			role = workflow.RolePublisher
		}
		if role != "" {
			moderators, err := s.store.ListUsersWithRole(ctx, role)
			if err != nil {
				return fmt.Errorf("load moderators: %w", err)
			}
			for _, moderator := range moderators {
				add(moderator.ID)
			}
		}
	}

	if _, err := s.store.InsertLog(ctx, action, q.ID, senderID, message, receiverIDs); err != nil {
		return err
	}
	return nil
}

// List returns a user's notifications with the read markers joined in.
func (s *Service) List(ctx context.Context, query store.LogQuery) ([]store.NotificationLog, int, error) {
	return s.store.ListLogs(ctx, query)
}

// CountUnread counts a user's unread notifications, for the header badge.
// The badge counts every unread entry; the wanted_actions preference only
// narrows what gets mailed, not what is shown.
func (s *Service) CountUnread(ctx context.Context, userID int64) (int, error) {
	return s.store.CountUnread(ctx, userID)
}

// MarkRead flags one notification as seen by the user.
func (s *Service) MarkRead(ctx context.Context, logID, userID int64) error {
	return s.store.MarkRead(ctx, logID, userID)
}

// MarkUnread removes the read flag again.
func (s *Service) MarkUnread(ctx context.Context, logID, userID int64) error {
	return s.store.MarkUnread(ctx, logID, userID)
}
