package threads

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"nexuschat/internal/config"
	"nexuschat/internal/storage"
)

func TestLinkIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	userID := insertUser(t, db, "alice")

	reg := NewRegistry(db)
	ctx := context.Background()

	if err := reg.Link(ctx, userID, "t1"); err != nil {
		t.Fatalf("Link error: %v", err)
	}
	if err := reg.Link(ctx, userID, "t1"); err != nil {
		t.Fatalf("second Link must be a no-op, got %v", err)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM thread_links WHERE user_id = ? AND thread_id = 't1'`, userID).Scan(&count); err != nil {
		t.Fatalf("count links: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one link row, got %d", count)
	}

	list, err := reg.List(ctx, userID)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(list) != 1 || list[0] != "t1" {
		t.Fatalf("expected [t1], got %v", list)
	}
}

func TestListNewestFirst(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	userID := insertUser(t, db, "alice")

	// Insert with explicit timestamps so the ordering key is unambiguous.
	base := time.Now().UTC().Add(-time.Hour)
	for i, threadID := range []string{"t-old", "t-mid", "t-new"} {
		if _, err := db.Exec(
			`INSERT INTO thread_links (user_id, thread_id, created_at) VALUES (?, ?, ?)`,
			userID, threadID, base.Add(time.Duration(i)*time.Minute),
		); err != nil {
			t.Fatalf("insert link: %v", err)
		}
	}

	list, err := NewRegistry(db).List(context.Background(), userID)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	want := []string{"t-new", "t-mid", "t-old"}
	if len(list) != len(want) {
		t.Fatalf("expected %d threads, got %v", len(want), list)
	}
	for i := range want {
		if list[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, list)
		}
	}
}

func TestListSameInstantFallsBackToInsertionOrder(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	userID := insertUser(t, db, "alice")

	// All three links share one timestamp; only insertion order can rank them.
	at := time.Now().UTC().Truncate(time.Second)
	for _, threadID := range []string{"t-first", "t-second", "t-third"} {
		if _, err := db.Exec(
			`INSERT INTO thread_links (user_id, thread_id, created_at) VALUES (?, ?, ?)`,
			userID, threadID, at,
		); err != nil {
			t.Fatalf("insert link: %v", err)
		}
	}

	list, err := NewRegistry(db).List(context.Background(), userID)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	want := []string{"t-third", "t-second", "t-first"}
	if len(list) != len(want) {
		t.Fatalf("expected %d threads, got %v", len(want), list)
	}
	for i := range want {
		if list[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, list)
		}
	}
}

func TestListEmptyIsValid(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	userID := insertUser(t, db, "alice")

	list, err := NewRegistry(db).List(context.Background(), userID)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if list == nil || len(list) != 0 {
		t.Fatalf("expected empty slice, got %v", list)
	}
}

func TestUnlinkReportsRemoval(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	userID := insertUser(t, db, "alice")

	reg := NewRegistry(db)
	ctx := context.Background()

	removed, err := reg.Unlink(ctx, userID, "t1")
	if err != nil {
		t.Fatalf("Unlink error: %v", err)
	}
	if removed {
		t.Fatalf("unlink of a missing pair must report false")
	}

	if err := reg.Link(ctx, userID, "t1"); err != nil {
		t.Fatalf("Link error: %v", err)
	}
	removed, err = reg.Unlink(ctx, userID, "t1")
	if err != nil || !removed {
		t.Fatalf("expected removal, removed=%v err=%v", removed, err)
	}
	list, err := reg.List(ctx, userID)
	if err != nil || len(list) != 0 {
		t.Fatalf("expected empty list after unlink, got %v err=%v", list, err)
	}
}

func TestNoCrossUserVisibility(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	alice := insertUser(t, db, "alice")
	bob := insertUser(t, db, "bob")

	reg := NewRegistry(db)
	ctx := context.Background()

	if err := reg.Link(ctx, alice, "t1"); err != nil {
		t.Fatalf("Link error: %v", err)
	}

	list, err := reg.List(ctx, bob)
	if err != nil || len(list) != 0 {
		t.Fatalf("bob must not see alice's threads, got %v err=%v", list, err)
	}
	owns, err := reg.Owns(ctx, bob, "t1")
	if err != nil || owns {
		t.Fatalf("bob must not own t1: owns=%v err=%v", owns, err)
	}
	// Bob cannot revoke alice's visibility either.
	removed, err := reg.Unlink(ctx, bob, "t1")
	if err != nil || removed {
		t.Fatalf("bob's unlink must be a miss: removed=%v err=%v", removed, err)
	}
	if owns, err := reg.Owns(ctx, alice, "t1"); err != nil || !owns {
		t.Fatalf("alice must still own t1: owns=%v err=%v", owns, err)
	}
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// In-memory sqlite gives every pooled connection its own database.
	db.SetMaxOpenConns(1)
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	return db
}

func insertUser(t *testing.T, db *sql.DB, username string) int64 {
	t.Helper()
	res, err := db.Exec(`INSERT INTO users (username, password_hash, created_at) VALUES (?, '', ?)`,
		username, time.Now().UTC())
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		t.Fatalf("user id: %v", err)
	}
	return id
}
