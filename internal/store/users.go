package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"qcat/internal/workflow"
)

// ErrUserNotFound is returned when no user matches a lookup.
var ErrUserNotFound = errors.New("user not found")

// UpsertUser creates or refreshes a user from the remote accounts service.
// The remote id is the identity; email and display name follow whatever the
// remote currently reports.
func (s *PostgresStore) UpsertUser(ctx context.Context, remoteID int64, email, displayName string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (remote_id, email, display_name, last_login)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (remote_id) DO UPDATE
		SET email=EXCLUDED.email, display_name=EXCLUDED.display_name, last_login=NOW()
		RETURNING id, remote_id, email, display_name, is_superuser, last_login, created_at
	`, remoteID, email, displayName).Scan(
		&user.ID, &user.RemoteID, &user.Email, &user.DisplayName,
		&user.IsSuperuser, &user.LastLogin, &user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("upsert user: %w", err)
	}
	roles, err := s.userRoles(ctx, user.ID)
	if err != nil {
		return User{}, err
	}
	user.Roles = roles
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID int64) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, remote_id, email, display_name, is_superuser, last_login, created_at
		FROM users WHERE id=$1
	`, userID).Scan(
		&user.ID, &user.RemoteID, &user.Email, &user.DisplayName,
		&user.IsSuperuser, &user.LastLogin, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	roles, err := s.userRoles(ctx, user.ID)
	if err != nil {
		return User{}, err
	}
	user.Roles = roles
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var userID int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM users WHERE email=$1`, email).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup user by email: %w", err)
	}
	return s.GetUserByID(ctx, userID)
}

func (s *PostgresStore) userRoles(ctx context.Context, userID int64) ([]workflow.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role FROM user_roles WHERE user_id=$1 ORDER BY role ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list user roles: %w", err)
	}
	defer rows.Close()

	roles := make([]workflow.Role, 0)
	for rows.Next() {
		var role workflow.Role
		if err := rows.Scan(&role); err != nil {
			return nil, fmt.Errorf("scan user role: %w", err)
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user roles: %w", err)
	}
	return roles, nil
}

// GrantRole gives a user a global functional role.
func (s *PostgresStore) GrantRole(ctx context.Context, userID int64, role workflow.Role) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_roles (user_id, role)
		VALUES ($1, $2)
		ON CONFLICT (user_id, role) DO NOTHING
	`, userID, role)
	if err != nil {
		return fmt.Errorf("grant role: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRole(ctx context.Context, userID int64, role workflow.Role) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM user_roles WHERE user_id=$1 AND role=$2
	`, userID, role)
	if err != nil {
		return fmt.Errorf("revoke role: %w", err)
	}
	return nil
}

// SetSuperuser flips the superuser flag by email.
func (s *PostgresStore) SetSuperuser(ctx context.Context, email string, super bool) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET is_superuser=$2 WHERE email=$1
	`, email, super)
	if err != nil {
		return fmt.Errorf("set superuser: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set superuser rows: %w", err)
	}
	if affected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// SetPasswordHash stores the bcrypt hash for local login fallback.
func (s *PostgresStore) SetPasswordHash(ctx context.Context, userID int64, hash string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash=$2 WHERE id=$1
	`, userID, hash)
	if err != nil {
		return fmt.Errorf("set password hash: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set password hash rows: %w", err)
	}
	if affected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// GetPasswordHash reads the stored bcrypt hash of a user by email.
func (s *PostgresStore) GetPasswordHash(ctx context.Context, email string) (int64, string, error) {
	var userID int64
	var hash string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, password_hash FROM users WHERE email=$1
	`, email).Scan(&userID, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", ErrUserNotFound
	}
	if err != nil {
		return 0, "", fmt.Errorf("get password hash: %w", err)
	}
	return userID, hash, nil
}

// ListUsersWithRole returns the users holding a global functional role,
// used to pick notification receivers for submitted and reviewed
// questionnaires.
func (s *PostgresStore) ListUsersWithRole(ctx context.Context, role workflow.Role) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.remote_id, u.email, u.display_name, u.is_superuser, u.last_login, u.created_at
		FROM user_roles ur
		JOIN users u ON u.id = ur.user_id
		WHERE ur.role=$1
		ORDER BY u.display_name ASC
	`, role)
	if err != nil {
		return nil, fmt.Errorf("list users with role: %w", err)
	}
	defer rows.Close()

	items := make([]User, 0)
	for rows.Next() {
		var user User
		if err := rows.Scan(
			&user.ID, &user.RemoteID, &user.Email, &user.DisplayName,
			&user.IsSuperuser, &user.LastLogin, &user.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		items = append(items, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return items, nil
}
