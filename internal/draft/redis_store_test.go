package draft

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"qcat/internal/qdata"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://"+s.Addr(), time.Hour)
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	return store, s
}

func TestPutMergesByQuestiongroup(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()

	_, err := store.Put(ctx, 1, "technologies", "technologies_42", qdata.Data{
		"qg_name": {{"name": qdata.String("First")}},
		"qg_area": {{"area": qdata.Float(2.5)}},
	})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// a later step overwrites only the groups it carries
	draft, err := store.Put(ctx, 1, "technologies", "technologies_42", qdata.Data{
		"qg_name": {{"name": qdata.String("Second")}},
	})
	if err != nil {
		t.Fatalf("second Put failed: %v", err)
	}

	name, _ := draft.Data.First("qg_name", "name")
	if name.Str != "Second" {
		t.Errorf("expected name Second, got %q", name.Str)
	}
	area, ok := draft.Data.First("qg_area", "area")
	if !ok || area.Float != 2.5 {
		t.Errorf("untouched group lost: %+v", area)
	}
}

func TestPutEmptyGroupDeletes(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	if _, err := store.Put(ctx, 1, "technologies", NewCode, qdata.Data{
		"qg_name": {{"name": qdata.String("X")}},
	}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	draft, err := store.Put(ctx, 1, "technologies", NewCode, qdata.Data{
		"qg_name": {},
	})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, ok := draft.Data["qg_name"]; ok {
		t.Error("empty group submission should delete the group")
	}
}

func TestGetMissingDraft(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	if _, err := store.Get(context.Background(), 1, "technologies", "technologies_1"); err != ErrNoDraft {
		t.Fatalf("expected ErrNoDraft, got %v", err)
	}
}

func TestDraftsAreIsolatedPerUser(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	if _, err := store.Put(ctx, 1, "technologies", "technologies_7", qdata.Data{
		"qg_name": {{"name": qdata.String("Mine")}},
	}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if _, err := store.Get(ctx, 2, "technologies", "technologies_7"); err != ErrNoDraft {
		t.Fatalf("other user's Get should miss, got %v", err)
	}
}

func TestDraftExpires(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	if _, err := store.Put(ctx, 1, "technologies", NewCode, qdata.Data{
		"qg_name": {{"name": qdata.String("X")}},
	}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	s.FastForward(2 * time.Hour)

	if _, err := store.Get(ctx, 1, "technologies", NewCode); err != ErrNoDraft {
		t.Fatalf("expected draft to expire, got %v", err)
	}
}

func TestClearScopes(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	seed := func(configCode, code string) {
		t.Helper()
		if _, err := store.Put(ctx, 1, configCode, code, qdata.Data{
			"qg_name": {{"name": qdata.String("X")}},
		}); err != nil {
			t.Fatalf("Put %s/%s failed: %v", configCode, code, err)
		}
	}
	seed("technologies", "technologies_1")
	seed("technologies", NewCode)
	seed("approaches", "approaches_1")

	if err := store.ClearConfig(ctx, 1, "technologies"); err != nil {
		t.Fatalf("ClearConfig failed: %v", err)
	}
	if _, err := store.Get(ctx, 1, "technologies", "technologies_1"); err != ErrNoDraft {
		t.Fatalf("technologies draft should be gone, got %v", err)
	}
	if _, err := store.Get(ctx, 1, "approaches", "approaches_1"); err != nil {
		t.Fatalf("approaches draft should survive: %v", err)
	}

	seed("technologies", "technologies_1")
	if err := store.ClearAll(ctx, 1); err != nil {
		t.Fatalf("ClearAll failed: %v", err)
	}
	for _, key := range [][2]string{{"technologies", "technologies_1"}, {"approaches", "approaches_1"}} {
		if _, err := store.Get(ctx, 1, key[0], key[1]); err != ErrNoDraft {
			t.Fatalf("draft %s/%s should be gone, got %v", key[0], key[1], err)
		}
	}
}
