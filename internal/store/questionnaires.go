package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"qcat/internal/util"
	"qcat/internal/workflow"
)

// ErrNotFound is returned when no questionnaire matches a lookup.
var ErrNotFound = errors.New("questionnaire not found")

const questionnaireColumns = `
	id, uuid, code, version, status, config_code, edition, data,
	COALESCE(name, '{}'::jsonb), created_at, updated_at,
	COALESCE((SELECT string_agg(c.config_code, ',' ORDER BY c.config_code)
		FROM questionnaire_configurations c
		WHERE c.questionnaire_id = questionnaires.id), '')
`

func scanQuestionnaire(row interface{ Scan(...any) error }) (Questionnaire, error) {
	var item Questionnaire
	var nameRaw []byte
	var configs string
	err := row.Scan(
		&item.ID,
		&item.UUID,
		&item.Code,
		&item.Version,
		&item.Status,
		&item.ConfigCode,
		&item.Edition,
		&item.Data,
		&nameRaw,
		&item.CreatedAt,
		&item.UpdatedAt,
		&configs,
	)
	if err != nil {
		return Questionnaire{}, err
	}
	if err := json.Unmarshal(nameRaw, &item.Name); err != nil {
		return Questionnaire{}, fmt.Errorf("decode questionnaire name: %w", err)
	}
	if configs != "" {
		item.Configurations = strings.Split(configs, ",")
	} else {
		item.Configurations = []string{item.ConfigCode}
	}
	return item, nil
}

func encodeName(name map[string]string) ([]byte, error) {
	if name == nil {
		name = map[string]string{}
	}
	encoded, err := json.Marshal(name)
	if err != nil {
		return nil, fmt.Errorf("encode questionnaire name: %w", err)
	}
	return encoded, nil
}

// Create inserts the first version of a questionnaire. The code is derived
// from the config code and the new row id, and the creating user becomes a
// compiler member.
func (s *PostgresStore) Create(ctx context.Context, configCode, edition string, data json.RawMessage, name map[string]string, userID int64) (Questionnaire, error) {
	encodedName, err := encodeName(name)
	if err != nil {
		return Questionnaire{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Questionnaire{}, fmt.Errorf("begin create tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO questionnaires (uuid, code, version, status, config_code, edition, data, name)
		VALUES ($1, '', 1, $2, $3, $4, $5, $6::jsonb)
		RETURNING id
	`, util.NewUUID(), workflow.StatusDraft, configCode, edition, data, string(encodedName)).Scan(&id)
	if err != nil {
		return Questionnaire{}, fmt.Errorf("insert questionnaire: %w", err)
	}

	code := fmt.Sprintf("%s_%d", configCode, id)
	if _, err := tx.ExecContext(ctx, `UPDATE questionnaires SET code=$2 WHERE id=$1`, id, code); err != nil {
		return Questionnaire{}, fmt.Errorf("assign questionnaire code: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO questionnaire_members (questionnaire_id, user_id, role)
		VALUES ($1, $2, $3)
	`, id, userID, workflow.RoleCompiler); err != nil {
		return Questionnaire{}, fmt.Errorf("add compiler member: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO questionnaire_configurations (questionnaire_id, config_code, original)
		VALUES ($1, $2, TRUE)
	`, id, configCode); err != nil {
		return Questionnaire{}, fmt.Errorf("add configuration membership: %w", err)
	}

	item, err := scanQuestionnaire(tx.QueryRowContext(ctx,
		`SELECT `+questionnaireColumns+` FROM questionnaires WHERE id=$1`, id))
	if err != nil {
		return Questionnaire{}, fmt.Errorf("reload questionnaire: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Questionnaire{}, fmt.Errorf("commit create tx: %w", err)
	}
	return item, nil
}

// CreateNew writes new data for an existing questionnaire code. If the
// latest version is published it is left untouched and a fresh draft with
// version+1 is created, carrying over the member list. Any editable version
// is updated in place instead.
func (s *PostgresStore) CreateNew(ctx context.Context, code string, data json.RawMessage, name map[string]string) (Questionnaire, error) {
	encodedName, err := encodeName(name)
	if err != nil {
		return Questionnaire{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Questionnaire{}, fmt.Errorf("begin new version tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	latest, err := scanQuestionnaire(tx.QueryRowContext(ctx, `
		SELECT `+questionnaireColumns+`
		FROM questionnaires
		WHERE code=$1
		ORDER BY version DESC
		LIMIT 1
		FOR UPDATE
	`, code))
	if errors.Is(err, sql.ErrNoRows) {
		return Questionnaire{}, ErrNotFound
	}
	if err != nil {
		return Questionnaire{}, fmt.Errorf("load latest version: %w", err)
	}

	if latest.Status != workflow.StatusPublished {
		item, err := scanQuestionnaire(tx.QueryRowContext(ctx, `
			UPDATE questionnaires
			SET data=$2, name=$3::jsonb, updated_at=NOW()
			WHERE id=$1
			RETURNING `+questionnaireColumns+`
		`, latest.ID, data, string(encodedName)))
		if err != nil {
			return Questionnaire{}, fmt.Errorf("update questionnaire data: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return Questionnaire{}, fmt.Errorf("commit update tx: %w", err)
		}
		return item, nil
	}

	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO questionnaires (uuid, code, version, status, config_code, edition, data, name)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb)
		RETURNING id
	`, util.NewUUID(), code, latest.Version+1, workflow.StatusDraft,
		latest.ConfigCode, latest.Edition, data, string(encodedName)).Scan(&id)
	if err != nil {
		return Questionnaire{}, fmt.Errorf("insert new version: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO questionnaire_members (questionnaire_id, user_id, role)
		SELECT $2, user_id, role FROM questionnaire_members WHERE questionnaire_id=$1
	`, latest.ID, id); err != nil {
		return Questionnaire{}, fmt.Errorf("carry over members: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO questionnaire_configurations (questionnaire_id, config_code, original)
		SELECT $2, config_code, original FROM questionnaire_configurations WHERE questionnaire_id=$1
	`, latest.ID, id); err != nil {
		return Questionnaire{}, fmt.Errorf("carry over configurations: %w", err)
	}

	item, err := scanQuestionnaire(tx.QueryRowContext(ctx,
		`SELECT `+questionnaireColumns+` FROM questionnaires WHERE id=$1`, id))
	if err != nil {
		return Questionnaire{}, fmt.Errorf("reload new version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Questionnaire{}, fmt.Errorf("commit new version tx: %w", err)
	}
	return item, nil
}

// AddConfiguration attaches a derived configuration membership, making the
// questionnaire visible in that configuration's listings.
func (s *PostgresStore) AddConfiguration(ctx context.Context, questionnaireID int64, configCode string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO questionnaire_configurations (questionnaire_id, config_code, original)
		VALUES ($1, $2, FALSE)
		ON CONFLICT (questionnaire_id, config_code) DO NOTHING
	`, questionnaireID, configCode)
	if err != nil {
		return fmt.Errorf("add configuration membership: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetByID(ctx context.Context, id int64) (Questionnaire, error) {
	item, err := scanQuestionnaire(s.db.QueryRowContext(ctx,
		`SELECT `+questionnaireColumns+` FROM questionnaires WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Questionnaire{}, ErrNotFound
	}
	if err != nil {
		return Questionnaire{}, fmt.Errorf("get questionnaire by id: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) GetByUUID(ctx context.Context, uuid string) (Questionnaire, error) {
	item, err := scanQuestionnaire(s.db.QueryRowContext(ctx,
		`SELECT `+questionnaireColumns+` FROM questionnaires WHERE uuid=$1`, uuid))
	if errors.Is(err, sql.ErrNoRows) {
		return Questionnaire{}, ErrNotFound
	}
	if err != nil {
		return Questionnaire{}, fmt.Errorf("get questionnaire by uuid: %w", err)
	}
	return item, nil
}

// GetCurrent returns the version of a code a reader should see: the latest
// published version if one exists, otherwise the latest version overall.
func (s *PostgresStore) GetCurrent(ctx context.Context, code string) (Questionnaire, error) {
	item, err := scanQuestionnaire(s.db.QueryRowContext(ctx, `
		SELECT `+questionnaireColumns+`
		FROM questionnaires
		WHERE code=$1
		ORDER BY (status=$2) DESC, version DESC
		LIMIT 1
	`, code, workflow.StatusPublished))
	if errors.Is(err, sql.ErrNoRows) {
		return Questionnaire{}, ErrNotFound
	}
	if err != nil {
		return Questionnaire{}, fmt.Errorf("get current questionnaire: %w", err)
	}
	return item, nil
}

// GetLatest returns the newest version of a code regardless of status.
func (s *PostgresStore) GetLatest(ctx context.Context, code string) (Questionnaire, error) {
	item, err := scanQuestionnaire(s.db.QueryRowContext(ctx, `
		SELECT `+questionnaireColumns+`
		FROM questionnaires
		WHERE code=$1
		ORDER BY version DESC
		LIMIT 1
	`, code))
	if errors.Is(err, sql.ErrNoRows) {
		return Questionnaire{}, ErrNotFound
	}
	if err != nil {
		return Questionnaire{}, fmt.Errorf("get latest questionnaire: %w", err)
	}
	return item, nil
}

// GetByIdentifier resolves a UUID or a code. Codes resolve like GetCurrent.
func (s *PostgresStore) GetByIdentifier(ctx context.Context, identifier string) (Questionnaire, error) {
	if util.IsUUID(identifier) {
		return s.GetByUUID(ctx, identifier)
	}
	return s.GetCurrent(ctx, identifier)
}

// UpdateStatus moves a questionnaire to a new workflow status. Publishing
// must go through Publish so the previously published version is retired.
func (s *PostgresStore) UpdateStatus(ctx context.Context, id int64, status workflow.Status) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE questionnaires SET status=$2, updated_at=NOW() WHERE id=$1
	`, id, status)
	if err != nil {
		return fmt.Errorf("update questionnaire status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update questionnaire status rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Publish marks a version published and retires any previously published
// version of the same code in the same transaction, so at most one version
// per code is ever public.
func (s *PostgresStore) Publish(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin publish tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var code string
	err = tx.QueryRowContext(ctx, `SELECT code FROM questionnaires WHERE id=$1 FOR UPDATE`, id).Scan(&code)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load questionnaire for publish: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE questionnaires SET status=$3, updated_at=NOW()
		WHERE code=$1 AND status=$2 AND id <> $4
	`, code, workflow.StatusPublished, workflow.StatusInactive, id); err != nil {
		return fmt.Errorf("retire published version: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE questionnaires SET status=$2, updated_at=NOW() WHERE id=$1
	`, id, workflow.StatusPublished); err != nil {
		return fmt.Errorf("publish questionnaire: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit publish tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) Members(ctx context.Context, questionnaireID int64) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.user_id, u.display_name, u.email, m.role
		FROM questionnaire_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.questionnaire_id=$1
		ORDER BY m.role ASC, u.display_name ASC
	`, questionnaireID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	items := make([]Member, 0)
	for rows.Next() {
		var item Member
		if err := rows.Scan(&item.UserID, &item.DisplayName, &item.Email, &item.Role); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) AddMember(ctx context.Context, questionnaireID, userID int64, role workflow.Role) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO questionnaire_members (questionnaire_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (questionnaire_id, user_id, role) DO NOTHING
	`, questionnaireID, userID, role)
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveMember(ctx context.Context, questionnaireID, userID int64, role workflow.Role) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM questionnaire_members
		WHERE questionnaire_id=$1 AND user_id=$2 AND role=$3
	`, questionnaireID, userID, role)
	if err != nil {
		return false, fmt.Errorf("remove member: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remove member rows: %w", err)
	}
	return affected > 0, nil
}

// MemberRoles returns the roles a user holds on a questionnaire.
func (s *PostgresStore) MemberRoles(ctx context.Context, questionnaireID, userID int64) ([]workflow.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role FROM questionnaire_members
		WHERE questionnaire_id=$1 AND user_id=$2
	`, questionnaireID, userID)
	if err != nil {
		return nil, fmt.Errorf("list member roles: %w", err)
	}
	defer rows.Close()

	roles := make([]workflow.Role, 0)
	for rows.Next() {
		var role workflow.Role
		if err := rows.Scan(&role); err != nil {
			return nil, fmt.Errorf("scan member role: %w", err)
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate member roles: %w", err)
	}
	return roles, nil
}

// KeyFilter restricts a listing to rows whose data contains one of the
// given values under a question group and key.
type KeyFilter struct {
	Questiongroup string
	Key           string
	Values        []string
}

// ListQuery collects the filters of the list fallback. Statuses defaults to
// published only. ConfigCodes matches against the configuration membership
// set, so derived memberships count too.
type ListQuery struct {
	ConfigCodes []string
	Statuses    []workflow.Status
	Filters     []KeyFilter
	Name        string
	Language    string
	MemberID    int64
	CreatedFrom string
	CreatedTo   string
	UpdatedFrom string
	UpdatedTo   string
	Limit       int
	Offset      int
}

// ListCurrent runs a filtered listing directly against Postgres. It is the
// fallback path when the search index is unavailable.
func (s *PostgresStore) ListCurrent(ctx context.Context, query ListQuery) ([]Questionnaire, int, error) {
	statuses := query.Statuses
	if len(statuses) == 0 {
		statuses = []workflow.Status{workflow.StatusPublished}
	}

	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	statusPlaceholders := make([]string, len(statuses))
	for i, status := range statuses {
		statusPlaceholders[i] = arg(int(status))
	}
	where = append(where, fmt.Sprintf("status IN (%s)", strings.Join(statusPlaceholders, ", ")))

	if len(query.ConfigCodes) > 0 {
		codePlaceholders := make([]string, len(query.ConfigCodes))
		for i, code := range query.ConfigCodes {
			codePlaceholders[i] = arg(code)
		}
		where = append(where, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM questionnaire_configurations c WHERE c.questionnaire_id=questionnaires.id AND c.config_code IN (%s))",
			strings.Join(codePlaceholders, ", ")))
	}
	if query.MemberID != 0 {
		where = append(where, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM questionnaire_members m WHERE m.questionnaire_id=questionnaires.id AND m.user_id=%s)",
			arg(query.MemberID)))
	}
	if query.Name != "" {
		lang := query.Language
		if lang == "" {
			lang = "en"
		}
		pattern := "%" + query.Name + "%"
		where = append(where, fmt.Sprintf(
			"(name->>%s ILIKE %s OR name->>'en' ILIKE %s OR code LIKE %s)",
			arg(lang), arg(pattern), arg(pattern), arg("%"+query.Name+"%")))
	}
	for _, filter := range query.Filters {
		if len(filter.Values) == 0 {
			continue
		}
		valuePlaceholders := make([]string, len(filter.Values))
		for i, v := range filter.Values {
			valuePlaceholders[i] = arg(v)
		}
		qg := arg(filter.Questiongroup)
		key := arg(filter.Key)
		where = append(where, fmt.Sprintf(`EXISTS (
			SELECT 1 FROM jsonb_array_elements(COALESCE(data->%s, '[]'::jsonb)) g
			WHERE g->>%s IN (%s)
			   OR (jsonb_typeof(g->%s)='array' AND g->%s ?| ARRAY[%s])
		)`, qg, key, strings.Join(valuePlaceholders, ", "), key, key, strings.Join(valuePlaceholders, ", ")))
	}
	if query.CreatedFrom != "" {
		where = append(where, "created_at >= "+arg(query.CreatedFrom)+"::timestamptz")
	}
	if query.CreatedTo != "" {
		where = append(where, "created_at <= "+arg(query.CreatedTo)+"::timestamptz")
	}
	if query.UpdatedFrom != "" {
		where = append(where, "updated_at >= "+arg(query.UpdatedFrom)+"::timestamptz")
	}
	if query.UpdatedTo != "" {
		where = append(where, "updated_at <= "+arg(query.UpdatedTo)+"::timestamptz")
	}

	// one row per code: prefer published, then the newest version
	base := fmt.Sprintf(`
		SELECT DISTINCT ON (code) %s
		FROM questionnaires
		WHERE %s
		ORDER BY code, (status=%d) DESC, version DESC
	`, questionnaireColumns, strings.Join(where, " AND "), workflow.StatusPublished)

	var total int
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM (%s) sub", base)
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count listing: %w", err)
	}

	limit := query.Limit
	if limit <= 0 {
		limit = 10
	}
	pageQuery := fmt.Sprintf(
		"SELECT * FROM (%s) sub ORDER BY updated_at DESC, id DESC LIMIT %s OFFSET %s",
		base, arg(limit), arg(query.Offset))

	rows, err := s.db.QueryContext(ctx, pageQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("run listing: %w", err)
	}
	defer rows.Close()

	items := make([]Questionnaire, 0)
	for rows.Next() {
		item, err := scanQuestionnaire(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan listing row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate listing: %w", err)
	}
	return items, total, nil
}

// SearchForLink finds published questionnaires of a configuration whose
// name or code matches the term, for the link picker. Results are grouped
// per code and capped.
func (s *PostgresStore) SearchForLink(ctx context.Context, configCode, term string, limit int) ([]Link, error) {
	if limit <= 0 {
		limit = 10
	}
	pattern := "%" + term + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ON (code) id, code, config_code, status, COALESCE(name, '{}'::jsonb)
		FROM questionnaires
		WHERE config_code=$1
		  AND status=$2
		  AND (code LIKE $3 OR EXISTS (
			SELECT 1 FROM jsonb_each_text(COALESCE(name, '{}'::jsonb)) n
			WHERE n.value ILIKE $3
		  ))
		ORDER BY code, id DESC
		LIMIT $4
	`, configCode, workflow.StatusPublished, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search for link: %w", err)
	}
	defer rows.Close()

	items := make([]Link, 0)
	for rows.Next() {
		var item Link
		var nameRaw []byte
		if err := rows.Scan(&item.QuestionnaireID, &item.Code, &item.ConfigCode, &item.Status, &nameRaw); err != nil {
			return nil, fmt.Errorf("scan link candidate: %w", err)
		}
		if err := json.Unmarshal(nameRaw, &item.Name); err != nil {
			return nil, fmt.Errorf("decode link name: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate link candidates: %w", err)
	}
	return items, nil
}
