package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrLocked is returned when another user holds an unexpired edit lock.
var ErrLocked = errors.New("questionnaire is locked")

// TryLock acquires or refreshes the edit lock on a questionnaire code.
// Locks are code wide: they cover every version. A lock can be taken when no
// row exists, when the previous lock expired, or when the same user already
// holds it (which extends the TTL). The success is decided by a single
// conditional upsert, so two concurrent callers cannot both win.
func (s *PostgresStore) TryLock(ctx context.Context, code string, userID int64, ttl time.Duration) (Held, error) {
	until := time.Now().Add(ttl).UTC()
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO questionnaire_locks (code, user_id, blocked_until)
		VALUES ($1, $2, $3)
		ON CONFLICT (code) DO UPDATE
		SET user_id=EXCLUDED.user_id, blocked_until=EXCLUDED.blocked_until
		WHERE questionnaire_locks.user_id=EXCLUDED.user_id
		   OR questionnaire_locks.blocked_until < NOW()
	`, code, userID, until)
	if err != nil {
		return Held{}, fmt.Errorf("acquire lock: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Held{}, fmt.Errorf("acquire lock rows: %w", err)
	}
	if affected > 0 {
		return Held{By: userID, Until: until}, nil
	}

	held, err := s.LockStatus(ctx, code)
	if err != nil {
		return Held{}, err
	}
	if held == nil {
		// the competing lock expired between the upsert and the read
		return Held{}, ErrLocked
	}
	return *held, ErrLocked
}

// LockStatus returns the active lock on a code, or nil when it is free.
func (s *PostgresStore) LockStatus(ctx context.Context, code string) (*Held, error) {
	var held Held
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, blocked_until
		FROM questionnaire_locks
		WHERE code=$1 AND blocked_until > NOW()
	`, code).Scan(&held.By, &held.Until)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read lock: %w", err)
	}
	return &held, nil
}

// Unlock releases a lock held by the given user. Releasing a lock that is
// not held, or held by someone else, is a no-op.
func (s *PostgresStore) Unlock(ctx context.Context, code string, userID int64) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM questionnaire_locks WHERE code=$1 AND user_id=$2
	`, code, userID)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}
