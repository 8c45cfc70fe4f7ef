package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"qcat/internal/configuration"
)

// ActiveEdition loads the active edition of a configuration code. Part of
// the configuration.Source interface.
func (s *PostgresStore) ActiveEdition(ctx context.Context, code string) (string, []byte, error) {
	var edition string
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT edition, data
		FROM configuration_editions
		WHERE code=$1 AND active
	`, code).Scan(&edition, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, configuration.ErrConfigNotFound
	}
	if err != nil {
		return "", nil, fmt.Errorf("load active edition: %w", err)
	}
	return edition, data, nil
}

// Edition loads one specific edition of a configuration code.
func (s *PostgresStore) Edition(ctx context.Context, code, edition string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT data
		FROM configuration_editions
		WHERE code=$1 AND edition=$2
	`, code, edition).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, configuration.ErrConfigNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load edition: %w", err)
	}
	return data, nil
}

// Editions lists the editions of a code, oldest first.
func (s *PostgresStore) Editions(ctx context.Context, code string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT edition
		FROM configuration_editions
		WHERE code=$1
		ORDER BY created_at ASC, edition ASC
	`, code)
	if err != nil {
		return nil, fmt.Errorf("list editions: %w", err)
	}
	defer rows.Close()

	editions := make([]string, 0)
	for rows.Next() {
		var edition string
		if err := rows.Scan(&edition); err != nil {
			return nil, fmt.Errorf("scan edition: %w", err)
		}
		editions = append(editions, edition)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate editions: %w", err)
	}
	return editions, nil
}

// ListConfigurations returns every known (code, edition) pair.
func (s *PostgresStore) ListConfigurations(ctx context.Context) ([]ConfigurationEdition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT code, edition, active, created_at
		FROM configuration_editions
		ORDER BY code ASC, created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list configurations: %w", err)
	}
	defer rows.Close()

	items := make([]ConfigurationEdition, 0)
	for rows.Next() {
		var item ConfigurationEdition
		if err := rows.Scan(&item.Code, &item.Edition, &item.Active, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan configuration: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate configurations: %w", err)
	}
	return items, nil
}

// UpsertEdition stores or replaces one edition's tree. New editions are
// inserted inactive; ActivateEdition switches them on.
func (s *PostgresStore) UpsertEdition(ctx context.Context, code, edition string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO configuration_editions (code, edition, data, active)
		VALUES ($1, $2, $3::jsonb, FALSE)
		ON CONFLICT (code, edition) DO UPDATE SET data=EXCLUDED.data
	`, code, edition, data)
	if err != nil {
		return fmt.Errorf("upsert edition: %w", err)
	}
	return nil
}

// ActivateEdition makes one edition the active one for its code,
// deactivating the rest in the same transaction.
func (s *PostgresStore) ActivateEdition(ctx context.Context, code, edition string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin activate tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE configuration_editions SET active=FALSE WHERE code=$1
	`, code); err != nil {
		return fmt.Errorf("deactivate editions: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE configuration_editions SET active=TRUE WHERE code=$1 AND edition=$2
	`, code, edition)
	if err != nil {
		return fmt.Errorf("activate edition: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("activate edition rows: %w", err)
	}
	if affected == 0 {
		return configuration.ErrConfigNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit activate tx: %w", err)
	}
	return nil
}
