package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Settings keys used by the CLI and the health endpoint.
const (
	SettingNextMaintenance = "next_maintenance"
)

// SetSetting upserts one system setting.
func (s *PostgresStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_settings (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		key, value)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// GetSetting returns a system setting, or "" when it is not set.
func (s *PostgresStore) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM system_settings WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, nil
}

// ResetMailPreferences overwrites every user's mail preferences with the
// given defaults. Used by the maintenance CLI.
func (s *PostgresStore) ResetMailPreferences(ctx context.Context, subscription, wantedActions, language string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE mail_preferences
		SET subscription = $1, wanted_actions = $2, language = $3`,
		subscription, wantedActions, language)
	if err != nil {
		return 0, fmt.Errorf("reset mail preferences: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset mail preferences: %w", err)
	}
	return affected, nil
}
