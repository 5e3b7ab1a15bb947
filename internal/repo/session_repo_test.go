package repo

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-chat-gateway/internal/domain"
)

func newRepoDB(t *testing.T, migrate bool) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:repo_%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if migrate {
		if err := AutoMigrate(db); err != nil {
			t.Fatalf("automigrate: %v", err)
		}
	}
	return db
}

func seedSession(t *testing.T, db *gorm.DB, tenantID, userID, ext string, updated time.Time) *domain.ChatSession {
	t.Helper()
	s := &domain.ChatSession{
		ID: uuid.NewString(), TenantID: tenantID, UserID: userID, ExternalID: ext,
		Title: "T-" + ext, CreatedAt: updated, UpdatedAt: updated,
	}
	if err := db.Create(s).Error; err != nil {
		t.Fatalf("seed session: %v", err)
	}
	return s
}

func TestCreateSession_Error_NoTable(t *testing.T) {
	db := newRepoDB(t, false)
	err := CreateSession(context.Background(), db, &domain.ChatSession{TenantID: "t", UserID: "u", ExternalID: "c"})
	if err == nil {
		t.Fatalf("expected error creating without table")
	}
}

func TestCreateSession_SetsFields_AndDuplicate(t *testing.T) {
	db := newRepoDB(t, true)
	ctx := context.Background()

	s := &domain.ChatSession{TenantID: "t1", UserID: "u1", ExternalID: "c1", Title: "hello"}
	if err := CreateSession(ctx, db, s); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if s.ID == "" || s.CreatedAt.IsZero() || s.UpdatedAt.IsZero() {
		t.Fatalf("fields not set: %+v", s)
	}

	err := CreateSession(ctx, db, &domain.ChatSession{TenantID: "t1", UserID: "u1", ExternalID: "c1", Title: "again"})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestUpsertSession_CreatesThenUpdatesTitle(t *testing.T) {
	db := newRepoDB(t, true)
	ctx := context.Background()

	first, err := UpsertSession(ctx, db, &domain.ChatSession{TenantID: "t1", UserID: "u1", ExternalID: "c1", Title: "first"})
	if err != nil {
		t.Fatalf("UpsertSession create: %v", err)
	}
	if first.Title != "first" || first.IsPinned {
		t.Fatalf("unexpected created row: %+v", first)
	}

	time.Sleep(5 * time.Millisecond)
	second, err := UpsertSession(ctx, db, &domain.ChatSession{TenantID: "t1", UserID: "u1", ExternalID: "c1", Title: "second"})
	if err != nil {
		t.Fatalf("UpsertSession update: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("upsert must keep the existing row id: %s vs %s", second.ID, first.ID)
	}
	if second.Title != "second" || !second.UpdatedAt.After(first.UpdatedAt) {
		t.Fatalf("upsert did not update title/updated_at: %+v", second)
	}

	n, _ := CountSessions(ctx, db, "u1")
	if n != 1 {
		t.Fatalf("expected exactly one session, got %d", n)
	}
}

func TestInsertSessionsIfAbsent_SkipsExisting(t *testing.T) {
	db := newRepoDB(t, true)
	ctx := context.Background()
	seedSession(t, db, "t1", "u1", "c1", time.Now().UTC())

	n, err := InsertSessionsIfAbsent(ctx, db, []domain.ChatSession{
		{TenantID: "t1", UserID: "u1", ExternalID: "c1", Title: "dup"},
		{TenantID: "t1", UserID: "u1", ExternalID: "c2", Title: "new"},
	})
	if err != nil {
		t.Fatalf("InsertSessionsIfAbsent: %v", err)
	}
	if n != 1 {
		t.Fatalf("inserted = %d; want 1", n)
	}
	got, _ := GetSession(ctx, db, "u1", "c1")
	if got.Title != "T-c1" {
		t.Fatalf("existing row must not be overwritten: %+v", got)
	}

	if n, err := InsertSessionsIfAbsent(ctx, db, nil); err != nil || n != 0 {
		t.Fatalf("empty batch: n=%d err=%v", n, err)
	}
}

func TestTouchSession(t *testing.T) {
	db := newRepoDB(t, true)
	ctx := context.Background()
	old := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	seedSession(t, db, "t1", "u1", "c1", old)

	now := time.Now().UTC()
	if err := TouchSession(ctx, db, "u1", "c1", now); err != nil {
		t.Fatalf("TouchSession: %v", err)
	}
	got, _ := GetSession(ctx, db, "u1", "c1")
	if !got.UpdatedAt.After(old) {
		t.Fatalf("updated_at not bumped: %v", got.UpdatedAt)
	}
	if err := TouchSession(ctx, db, "u1", "missing", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateSessionTitle_AndPin_TenantScoped(t *testing.T) {
	db := newRepoDB(t, true)
	ctx := context.Background()
	seedSession(t, db, "t1", "u1", "c1", time.Now().UTC())

	if err := UpdateSessionTitle(ctx, db, "t2", "c1", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("other tenant should not see session, got %v", err)
	}
	if err := UpdateSessionTitle(ctx, db, "t1", "c1", "Renamed"); err != nil {
		t.Fatalf("UpdateSessionTitle: %v", err)
	}
	if err := SetSessionPinned(ctx, db, "t1", "c1", true); err != nil {
		t.Fatalf("SetSessionPinned: %v", err)
	}
	if err := SetSessionPinned(ctx, db, "t2", "c1", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("pin in other tenant: expected ErrNotFound, got %v", err)
	}

	got, _ := GetSession(ctx, db, "u1", "c1")
	if got.Title != "Renamed" || !got.IsPinned {
		t.Fatalf("unexpected row: %+v", got)
	}
}

func TestDeleteSession_RemovesFiles_AndIgnoresMissing(t *testing.T) {
	db := newRepoDB(t, true)
	ctx := context.Background()
	s := seedSession(t, db, "t1", "u1", "c1", time.Now().UTC())
	if err := AttachFiles(ctx, db, s.ID, []domain.SessionFile{{UpstreamFileID: "f1", Type: "image"}}); err != nil {
		t.Fatalf("AttachFiles: %v", err)
	}

	n, err := DeleteSession(ctx, db, "t1", "u1", "c1")
	if err != nil || n != 1 {
		t.Fatalf("DeleteSession: n=%d err=%v", n, err)
	}
	var files []domain.SessionFile
	db.Where("session_id = ?", s.ID).Find(&files)
	if len(files) != 0 {
		t.Fatalf("files should be removed with the session, got %d", len(files))
	}

	n, err = DeleteSession(ctx, db, "t1", "u1", "c1")
	if err != nil || n != 0 {
		t.Fatalf("second delete: n=%d err=%v", n, err)
	}
}

func TestDeleteSessions_UserScoped(t *testing.T) {
	db := newRepoDB(t, true)
	ctx := context.Background()
	now := time.Now().UTC()
	seedSession(t, db, "t1", "u1", "a", now)
	seedSession(t, db, "t1", "u1", "b", now)
	seedSession(t, db, "t1", "u2", "a", now)

	n, err := DeleteSessions(ctx, db, "u1", []string{"a", "b", "zzz"})
	if err != nil || n != 2 {
		t.Fatalf("DeleteSessions: n=%d err=%v", n, err)
	}
	if _, err := GetSession(ctx, db, "u2", "a"); err != nil {
		t.Fatalf("other user's session must survive: %v", err)
	}
	if n, err := DeleteSessions(ctx, db, "u1", nil); err != nil || n != 0 {
		t.Fatalf("empty ids: n=%d err=%v", n, err)
	}
}

func TestListSessionsPage_OrderAndFilter_AndLatest(t *testing.T) {
	db := newRepoDB(t, true)
	ctx := context.Background()

	t1 := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	seedSession(t, db, "t1", "u1", "old", t1)
	seedSession(t, db, "t1", "u1", "mid", t1.Add(time.Hour))
	seedSession(t, db, "t1", "u1", "new", t1.Add(2*time.Hour))
	seedSession(t, db, "t1", "u2", "other", t1.Add(3*time.Hour))

	page, err := ListSessionsPage(ctx, db, "u1", 0, 2)
	if err != nil {
		t.Fatalf("ListSessionsPage: %v", err)
	}
	if len(page) != 2 || page[0].ExternalID != "new" || page[1].ExternalID != "mid" {
		t.Fatalf("unexpected page: %+v", page)
	}
	page, _ = ListSessionsPage(ctx, db, "u1", 2, 2)
	if len(page) != 1 || page[0].ExternalID != "old" {
		t.Fatalf("unexpected second page: %+v", page)
	}

	all, err := ListSessions(ctx, db, "u1")
	if err != nil || len(all) != 3 || all[0].ExternalID != "new" {
		t.Fatalf("ListSessions: %+v err=%v", all, err)
	}

	total, _ := CountSessions(ctx, db, "u1")
	if total != 3 {
		t.Fatalf("CountSessions = %d; want 3", total)
	}

	latest, err := LatestSession(ctx, db, "u1")
	if err != nil || latest.ExternalID != "new" {
		t.Fatalf("LatestSession: %+v err=%v", latest, err)
	}
	if _, err := LatestSession(ctx, db, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for user without sessions, got %v", err)
	}
}

func TestAttachFiles_Idempotent(t *testing.T) {
	db := newRepoDB(t, true)
	ctx := context.Background()
	s := seedSession(t, db, "t1", "u1", "c1", time.Now().UTC())

	files := []domain.SessionFile{{UpstreamFileID: "f1", Type: "image", Name: "a.png"}, {UpstreamFileID: "f2", Type: "document"}}
	if err := AttachFiles(ctx, db, s.ID, files); err != nil {
		t.Fatalf("AttachFiles: %v", err)
	}
	if err := AttachFiles(ctx, db, s.ID, []domain.SessionFile{{UpstreamFileID: "f1", Type: "image"}}); err != nil {
		t.Fatalf("AttachFiles repeat: %v", err)
	}
	if err := AttachFiles(ctx, db, s.ID, nil); err != nil {
		t.Fatalf("AttachFiles empty: %v", err)
	}
	var got []domain.SessionFile
	db.Where("session_id = ?", s.ID).Find(&got)
	if len(got) != 2 {
		t.Fatalf("expected 2 files, got %d", len(got))
	}
}
