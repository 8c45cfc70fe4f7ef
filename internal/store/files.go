package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrFileNotFound is returned when no file row matches a lookup.
var ErrFileNotFound = errors.New("file not found")

const fileColumns = `id, uuid, content_type, size, path, thumbnail_for, variant, created_at`

// scanFile reads one files row. thumbnail_for is a nullable uuid column, so
// it must come in as a NullString; coalescing it against '' would make the
// planner unify the literal to uuid and reject it.
func scanFile(row interface{ Scan(...any) error }) (File, error) {
	var file File
	var thumbnailFor sql.NullString
	err := row.Scan(
		&file.ID, &file.UUID, &file.ContentType, &file.Size,
		&file.Path, &thumbnailFor, &file.Variant, &file.CreatedAt)
	if err != nil {
		return File{}, err
	}
	file.ThumbnailFor = thumbnailFor.String
	return file, nil
}

// InsertFile records an uploaded file. Thumbnails reference their original
// through thumbnail_for plus a variant name.
func (s *PostgresStore) InsertFile(ctx context.Context, file File) (File, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO files (uuid, content_type, size, path, thumbnail_for, variant)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
		RETURNING id, created_at
	`, file.UUID, file.ContentType, file.Size, file.Path, file.ThumbnailFor, file.Variant).
		Scan(&file.ID, &file.CreatedAt)
	if err != nil {
		return File{}, fmt.Errorf("insert file: %w", err)
	}
	return file, nil
}

func (s *PostgresStore) GetFile(ctx context.Context, uuid string) (File, error) {
	file, err := scanFile(s.db.QueryRowContext(ctx, `
		SELECT `+fileColumns+`
		FROM files
		WHERE uuid=$1
	`, uuid))
	if errors.Is(err, sql.ErrNoRows) {
		return File{}, ErrFileNotFound
	}
	if err != nil {
		return File{}, fmt.Errorf("get file: %w", err)
	}
	return file, nil
}

// GetFileVariant resolves a thumbnail of an original by variant name,
// falling back to the original when no such variant exists.
func (s *PostgresStore) GetFileVariant(ctx context.Context, uuid, variant string) (File, error) {
	if variant == "" {
		return s.GetFile(ctx, uuid)
	}
	file, err := scanFile(s.db.QueryRowContext(ctx, `
		SELECT `+fileColumns+`
		FROM files
		WHERE thumbnail_for=$1 AND variant=$2
	`, uuid, variant))
	if errors.Is(err, sql.ErrNoRows) {
		return s.GetFile(ctx, uuid)
	}
	if err != nil {
		return File{}, fmt.Errorf("get file variant: %w", err)
	}
	return file, nil
}

// DeleteFile removes a file row and its thumbnails, returning the storage
// paths so the caller can remove the blobs afterwards.
func (s *PostgresStore) DeleteFile(ctx context.Context, uuid string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		DELETE FROM files
		WHERE uuid=$1 OR thumbnail_for=$1
		RETURNING path
	`, uuid)
	if err != nil {
		return nil, fmt.Errorf("delete file: %w", err)
	}
	defer rows.Close()

	paths := make([]string, 0)
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, fmt.Errorf("scan deleted file path: %w", err)
		}
		paths = append(paths, path)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deleted files: %w", err)
	}
	if len(paths) == 0 {
		return nil, ErrFileNotFound
	}
	return paths, nil
}

// OrphanedFiles lists originals older than minAge whose uuid appears in no
// questionnaire payload, for the upload garbage collector.
func (s *PostgresStore) OrphanedFiles(ctx context.Context, minAge time.Duration) ([]File, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+fileColumns+`
		FROM files f
		WHERE f.thumbnail_for IS NULL
		  AND f.created_at < NOW() - $1::interval
		  AND NOT EXISTS (
			SELECT 1 FROM questionnaires q WHERE q.data::text LIKE '%' || f.uuid || '%'
		  )
		ORDER BY f.created_at ASC
	`, fmt.Sprintf("%d seconds", int(minAge.Seconds())))
	if err != nil {
		return nil, fmt.Errorf("list orphaned files: %w", err)
	}
	defer rows.Close()

	items := make([]File, 0)
	for rows.Next() {
		file, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan orphaned file: %w", err)
		}
		items = append(items, file)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orphaned files: %w", err)
	}
	return items, nil
}
