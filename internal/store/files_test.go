package store

import (
	"database/sql"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"qcat/internal/workflow"
)

// fakeRow hands scanFile a fixed column set, the way database/sql would.
type fakeRow struct {
	values []any
}

func (r fakeRow) Scan(dest ...any) error {
	if len(dest) != len(r.values) {
		return sql.ErrNoRows
	}
	for i, v := range r.values {
		switch d := dest[i].(type) {
		case *int:
			*d = v.(int)
		case *int64:
			*d = v.(int64)
		case *string:
			*d = v.(string)
		case *sql.NullString:
			if v == nil {
				*d = sql.NullString{}
			} else {
				*d = sql.NullString{String: v.(string), Valid: true}
			}
		case *time.Time:
			*d = v.(time.Time)
		case *workflow.Status:
			*d = v.(workflow.Status)
		case *json.RawMessage:
			*d = json.RawMessage(v.(string))
		case *[]byte:
			*d = []byte(v.(string))
		}
	}
	return nil
}

func TestScanFileNullThumbnailFor(t *testing.T) {
	created := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	file, err := scanFile(fakeRow{values: []any{
		int64(7), "abc-123", "image/png", int64(2048), "2024/06/abc-123", nil, "", created,
	}})
	if err != nil {
		t.Fatalf("scan file: %v", err)
	}
	if file.ThumbnailFor != "" {
		t.Fatalf("expected empty thumbnail_for for original upload, got %q", file.ThumbnailFor)
	}
	if file.UUID != "abc-123" || file.Size != 2048 {
		t.Fatalf("unexpected file fields: %+v", file)
	}
}

func TestScanFileThumbnailVariant(t *testing.T) {
	created := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	file, err := scanFile(fakeRow{values: []any{
		int64(8), "thumb-456", "image/jpeg", int64(512), "2024/06/thumb-456", "abc-123", "thumbnail", created,
	}})
	if err != nil {
		t.Fatalf("scan file: %v", err)
	}
	if file.ThumbnailFor != "abc-123" {
		t.Fatalf("expected thumbnail_for abc-123, got %q", file.ThumbnailFor)
	}
	if file.Variant != "thumbnail" {
		t.Fatalf("expected thumbnail variant, got %q", file.Variant)
	}
}

func TestFileQueriesAvoidCoalescedUUIDColumn(t *testing.T) {
	// thumbnail_for is a uuid column; coalescing it against '' makes
	// Postgres unify the literal to uuid and fail with 22P02.
	if strings.Contains(fileColumns, "COALESCE") {
		t.Fatalf("file column list must not coalesce uuid columns: %s", fileColumns)
	}
}
