package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"qcat/internal/util"
)

// Notification actions. The log is append only: entries are never updated
// except for the was_processed flag the mail digester flips.
const (
	ActionCreate       = "create"
	ActionDelete       = "delete"
	ActionChangeStatus = "change_status"
	ActionAddMember    = "add_member"
	ActionRemoveMember = "remove_member"
	ActionEditContent  = "edit_content"
)

// InsertLog appends a notification entry and fans it out to the receivers.
func (s *PostgresStore) InsertLog(ctx context.Context, action string, questionnaireID, senderID int64, message string, receiverIDs []int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin log tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var logID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO notification_logs (action, sender_id, questionnaire_id, message)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, action, senderID, questionnaireID, message).Scan(&logID)
	if err != nil {
		return 0, fmt.Errorf("insert notification log: %w", err)
	}

	seen := make(map[int64]bool, len(receiverIDs))
	for _, receiverID := range receiverIDs {
		if receiverID == 0 || receiverID == senderID || seen[receiverID] {
			continue
		}
		seen[receiverID] = true
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO notification_receivers (log_id, user_id)
			VALUES ($1, $2)
			ON CONFLICT (log_id, user_id) DO NOTHING
		`, logID, receiverID); err != nil {
			return 0, fmt.Errorf("insert notification receiver: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit log tx: %w", err)
	}
	return logID, nil
}

// LogQuery filters a user's notification listing.
type LogQuery struct {
	UserID     int64
	Actions    []string
	UnreadOnly bool
	// Code restricts to one questionnaire.
	Code   string
	Limit  int
	Offset int
}

// ListLogs returns the notifications addressed to a user, newest first,
// with the per-user read marker joined in.
func (s *PostgresStore) ListLogs(ctx context.Context, query LogQuery) ([]NotificationLog, int, error) {
	var (
		where = []string{"r.user_id=$1"}
		args  = []any{query.UserID}
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(query.Actions) > 0 {
		placeholders := make([]string, len(query.Actions))
		for i, action := range query.Actions {
			placeholders[i] = arg(action)
		}
		where = append(where, fmt.Sprintf("l.action IN (%s)", strings.Join(placeholders, ", ")))
	}
	if query.UnreadOnly {
		where = append(where, "rd.log_id IS NULL")
	}
	if query.Code != "" {
		where = append(where, "q.code="+arg(query.Code))
	}

	base := `
		FROM notification_receivers r
		JOIN notification_logs l ON l.id = r.log_id
		JOIN questionnaires q ON q.id = l.questionnaire_id
		JOIN users u ON u.id = l.sender_id
		LEFT JOIN notification_reads rd ON rd.log_id = l.id AND rd.user_id = r.user_id
		WHERE ` + strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) "+base, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count notifications: %w", err)
	}

	limit := query.Limit
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT l.id, l.action, l.sender_id, u.display_name, l.questionnaire_id, q.code,
			l.message, l.was_processed, l.created_at, rd.log_id IS NOT NULL
		%s
		ORDER BY l.created_at DESC, l.id DESC
		LIMIT %s OFFSET %s
	`, base, arg(limit), arg(query.Offset)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	items := make([]NotificationLog, 0)
	for rows.Next() {
		var item NotificationLog
		if err := rows.Scan(
			&item.ID,
			&item.Action,
			&item.SenderID,
			&item.SenderName,
			&item.QuestionnaireID,
			&item.Code,
			&item.Message,
			&item.WasProcessed,
			&item.CreatedAt,
			&item.IsRead,
		); err != nil {
			return nil, 0, fmt.Errorf("scan notification: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate notifications: %w", err)
	}
	return items, total, nil
}

// CountUnread counts the notifications a user has not marked read yet.
func (s *PostgresStore) CountUnread(ctx context.Context, userID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM notification_receivers r
		LEFT JOIN notification_reads rd ON rd.log_id = r.log_id AND rd.user_id = r.user_id
		WHERE r.user_id=$1 AND rd.log_id IS NULL
	`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return count, nil
}

// MarkRead records that a user has seen a notification. Marking an already
// read entry again is a no-op.
func (s *PostgresStore) MarkRead(ctx context.Context, logID, userID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_reads (log_id, user_id)
		SELECT $1, $2
		WHERE EXISTS (SELECT 1 FROM notification_receivers WHERE log_id=$1 AND user_id=$2)
		ON CONFLICT (log_id, user_id) DO NOTHING
	`, logID, userID)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	return nil
}

// MarkUnread removes the read marker again.
func (s *PostgresStore) MarkUnread(ctx context.Context, logID, userID int64) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM notification_reads WHERE log_id=$1 AND user_id=$2
	`, logID, userID)
	if err != nil {
		return fmt.Errorf("mark notification unread: %w", err)
	}
	return nil
}

// PendingReceiver pairs a receiver with an unprocessed log entry, for the
// mail digester.
type PendingReceiver struct {
	Log    NotificationLog
	UserID int64
	Email  string
}

// UnprocessedLogs returns up to batch unprocessed entries joined with their
// receivers. Entries stay unprocessed until MarkProcessed flips them, so a
// crashed digest run picks them up again.
func (s *PostgresStore) UnprocessedLogs(ctx context.Context, batch int) ([]PendingReceiver, error) {
	if batch <= 0 {
		batch = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.id, l.action, l.sender_id, su.display_name, l.questionnaire_id, q.code,
			l.message, l.created_at, r.user_id, u.email
		FROM notification_logs l
		JOIN questionnaires q ON q.id = l.questionnaire_id
		JOIN users su ON su.id = l.sender_id
		JOIN notification_receivers r ON r.log_id = l.id
		JOIN users u ON u.id = r.user_id
		WHERE NOT l.was_processed
		ORDER BY l.created_at ASC, l.id ASC
		LIMIT $1
	`, batch)
	if err != nil {
		return nil, fmt.Errorf("list unprocessed logs: %w", err)
	}
	defer rows.Close()

	items := make([]PendingReceiver, 0)
	for rows.Next() {
		var item PendingReceiver
		if err := rows.Scan(
			&item.Log.ID,
			&item.Log.Action,
			&item.Log.SenderID,
			&item.Log.SenderName,
			&item.Log.QuestionnaireID,
			&item.Log.Code,
			&item.Log.Message,
			&item.Log.CreatedAt,
			&item.UserID,
			&item.Email,
		); err != nil {
			return nil, fmt.Errorf("scan unprocessed log: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unprocessed logs: %w", err)
	}
	return items, nil
}

// MarkProcessed flips the was_processed flag of the given entries.
func (s *PostgresStore) MarkProcessed(ctx context.Context, logIDs []int64) error {
	if len(logIDs) == 0 {
		return nil
	}
	placeholders := make([]string, len(logIDs))
	args := make([]any, len(logIDs))
	for i, id := range logIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE notification_logs SET was_processed=TRUE WHERE id IN (%s)`,
		strings.Join(placeholders, ", ")), args...)
	if err != nil {
		return fmt.Errorf("mark logs processed: %w", err)
	}
	return nil
}

// GetMailPreferences loads a user's mail preferences, creating the default
// row on first access. The row id doubles as the unsubscribe token subject.
func (s *PostgresStore) GetMailPreferences(ctx context.Context, userID int64) (MailPreferences, error) {
	var prefs MailPreferences
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, subscription, wanted_actions, language
		FROM mail_preferences
		WHERE user_id=$1
	`, userID).Scan(&prefs.ID, &prefs.UserID, &prefs.Subscription, &prefs.WantedActions, &prefs.Language)
	if err == nil {
		return prefs, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return MailPreferences{}, fmt.Errorf("load mail preferences: %w", err)
	}

	prefs = MailPreferences{
		ID:           util.NewUUID(),
		UserID:       userID,
		Subscription: "todo",
		Language:     "en",
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO mail_preferences (id, user_id, subscription, wanted_actions, language)
		VALUES ($1, $2, $3, '', $4)
		ON CONFLICT (user_id) DO NOTHING
	`, prefs.ID, userID, prefs.Subscription, prefs.Language); err != nil {
		return MailPreferences{}, fmt.Errorf("insert mail preferences: %w", err)
	}
	return s.GetMailPreferences(ctx, userID)
}

func (s *PostgresStore) UpdateMailPreferences(ctx context.Context, prefs MailPreferences) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE mail_preferences
		SET subscription=$2, wanted_actions=$3, language=$4
		WHERE id=$1
	`, prefs.ID, prefs.Subscription, prefs.WantedActions, prefs.Language)
	if err != nil {
		return fmt.Errorf("update mail preferences: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update mail preferences rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetMailPreferencesByID resolves the unsubscribe token subject.
func (s *PostgresStore) GetMailPreferencesByID(ctx context.Context, id string) (MailPreferences, error) {
	var prefs MailPreferences
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, subscription, wanted_actions, language
		FROM mail_preferences
		WHERE id=$1
	`, id).Scan(&prefs.ID, &prefs.UserID, &prefs.Subscription, &prefs.WantedActions, &prefs.Language)
	if errors.Is(err, sql.ErrNoRows) {
		return MailPreferences{}, ErrNotFound
	}
	if err != nil {
		return MailPreferences{}, fmt.Errorf("load mail preferences by id: %w", err)
	}
	return prefs, nil
}
