package db_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/onnwee/chatpeak/collector"
	"github.com/onnwee/chatpeak/db"
	"github.com/onnwee/chatpeak/testutil"
)

func TestConnectRequiresDSN(t *testing.T) {
	if _, err := db.Connect(""); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	database := testutil.SetupTestDB(t)
	v1, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		t.Fatal(err)
	}
	if dirty || v1 < 1 {
		t.Fatalf("version = %d dirty = %v", v1, dirty)
	}
	if err := db.Migrate(context.Background(), database); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	v2, _, err := db.GetMigrationVersion(database)
	if err != nil {
		t.Fatal(err)
	}
	if v1 != v2 {
		t.Errorf("version changed: %d -> %d", v1, v2)
	}
}

func TestMigrateDownAndUp(t *testing.T) {
	database := testutil.SetupTestDB(t)
	if err := db.MigrateDown(database); err != nil {
		t.Fatalf("migrate down: %v", err)
	}
	if _, err := database.Exec(`SELECT 1 FROM stream_sessions LIMIT 1`); err == nil {
		t.Error("stream_sessions still present after rollback")
	}
	if err := db.Migrate(context.Background(), database); err != nil {
		t.Fatalf("migrate up: %v", err)
	}
	if _, err := database.Exec(`SELECT 1 FROM stream_sessions LIMIT 1`); err != nil {
		t.Errorf("stream_sessions missing after re-apply: %v", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ix := &db.Index{DB: database}
	ctx := context.Background()
	start := time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC)
	sess := collector.Session{StreamID: "v1_alpha", ChannelID: "alpha", Token: "v1", Title: "first", StartedAt: start, Dir: "/out/2024-03-01/200000_v1_alpha"}

	if err := ix.UpsertSession(ctx, sess, collector.StatusActive); err != nil {
		t.Fatal(err)
	}
	// re-attach after restart keeps the row
	sess.Title = ""
	if err := ix.UpsertSession(ctx, sess, collector.StatusActive); err != nil {
		t.Fatal(err)
	}
	r := collector.Report{
		StreamID:       sess.StreamID,
		EndTime:        start.Add(2 * time.Hour),
		EventCount:     1234,
		ReconnectCount: 3,
		FinalizeReason: collector.ReasonStreamEnded,
		Status:         collector.StatusFinalized,
		Final:          true,
	}
	if err := ix.MarkFinalized(ctx, r); err != nil {
		t.Fatal(err)
	}
	if err := ix.MarkAnalysed(ctx, sess.StreamID, 7, start.Add(3*time.Hour)); err != nil {
		t.Fatal(err)
	}

	got, err := ix.GetSession(ctx, sess.StreamID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "first" || got.Status != collector.StatusFinalized || !got.Final || got.EventCount != 1234 {
		t.Errorf("row = %+v", got)
	}
	if got.PeakCount == nil || *got.PeakCount != 7 || got.AnalysedAt == nil || got.EndedAt == nil {
		t.Errorf("analysis fields = %+v", got)
	}

	list, err := ix.ListSessions(ctx, "alpha", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].StreamID != sess.StreamID {
		t.Errorf("list = %+v", list)
	}

	if err := ix.DeleteSession(ctx, sess.StreamID); err != nil {
		t.Fatal(err)
	}
	if _, err := ix.GetSession(ctx, sess.StreamID); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("after delete err = %v, want ErrNotFound", err)
	}
	if err := ix.DeleteSession(ctx, sess.StreamID); err != nil {
		t.Errorf("second delete: %v", err)
	}
}

func TestMarkUnknownSession(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ix := &db.Index{DB: database}
	err := ix.MarkAnalysed(context.Background(), "missing", 1, time.Now())
	if !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := ix.GetSession(context.Background(), "missing"); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("GetSession err = %v", err)
	}
}
