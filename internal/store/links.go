package store

import (
	"context"
	"encoding/json"
	"fmt"

	"qcat/internal/workflow"
)

// ReplaceLinks sets the full link set of a questionnaire. Links are
// symmetric: every pair is stored in both directions inside one
// transaction, and removed pairs are deleted from both sides.
func (s *PostgresStore) ReplaceLinks(ctx context.Context, questionnaireID int64, targetIDs []int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin links tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current := make(map[int64]bool)
	rows, err := tx.QueryContext(ctx,
		`SELECT to_id FROM questionnaire_links WHERE from_id=$1`, questionnaireID)
	if err != nil {
		return fmt.Errorf("load current links: %w", err)
	}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scan current link: %w", err)
		}
		current[id] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterate current links: %w", err)
	}
	rows.Close()

	wanted := make(map[int64]bool, len(targetIDs))
	for _, id := range targetIDs {
		if id == questionnaireID {
			continue
		}
		wanted[id] = true
	}

	for id := range wanted {
		if current[id] {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO questionnaire_links (from_id, to_id)
			VALUES ($1, $2), ($2, $1)
			ON CONFLICT (from_id, to_id) DO NOTHING
		`, questionnaireID, id); err != nil {
			return fmt.Errorf("insert link pair: %w", err)
		}
	}
	for id := range current {
		if wanted[id] {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM questionnaire_links
			WHERE (from_id=$1 AND to_id=$2) OR (from_id=$2 AND to_id=$1)
		`, questionnaireID, id); err != nil {
			return fmt.Errorf("delete link pair: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit links tx: %w", err)
	}
	return nil
}

// Links lists the linked questionnaires of one questionnaire. Only links to
// published versions are visible to readers; setting includeAll also
// returns links to unpublished versions.
func (s *PostgresStore) Links(ctx context.Context, questionnaireID int64, includeAll bool) ([]Link, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT q.id, q.code, q.config_code, q.status, COALESCE(q.name, '{}'::jsonb)
		FROM questionnaire_links l
		JOIN questionnaires q ON q.id = l.to_id
		WHERE l.from_id=$1
		  AND ($2::boolean OR q.status=$3)
		ORDER BY q.code ASC
	`, questionnaireID, includeAll, workflow.StatusPublished)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	defer rows.Close()

	items := make([]Link, 0)
	for rows.Next() {
		var item Link
		var nameRaw []byte
		if err := rows.Scan(&item.QuestionnaireID, &item.Code, &item.ConfigCode, &item.Status, &nameRaw); err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		if err := json.Unmarshal(nameRaw, &item.Name); err != nil {
			return nil, fmt.Errorf("decode link name: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate links: %w", err)
	}
	return items, nil
}

// CarryOverLinks copies the link set of one version to its successor, both
// directions included.
func (s *PostgresStore) CarryOverLinks(ctx context.Context, fromVersionID, toVersionID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin carry over tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO questionnaire_links (from_id, to_id)
		SELECT $2, to_id FROM questionnaire_links WHERE from_id=$1
		ON CONFLICT (from_id, to_id) DO NOTHING
	`, fromVersionID, toVersionID); err != nil {
		return fmt.Errorf("carry over outgoing links: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO questionnaire_links (from_id, to_id)
		SELECT to_id, $2 FROM questionnaire_links WHERE from_id=$1
		ON CONFLICT (from_id, to_id) DO NOTHING
	`, fromVersionID, toVersionID); err != nil {
		return fmt.Errorf("carry over incoming links: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit carry over tx: %w", err)
	}
	return nil
}
