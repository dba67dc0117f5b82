package conversation

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"nexuschat/internal/checkpoint"
	"nexuschat/internal/models"
	"nexuschat/internal/storage"
	"nexuschat/internal/threads"

	_ "github.com/mattn/go-sqlite3"
)

func openTestLoader(t *testing.T) (*Loader, *threads.Registry, *checkpoint.Store, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	// In-memory sqlite gives every pooled connection its own database.
	db.SetMaxOpenConns(1)
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	registry := threads.NewRegistry(db)
	store := checkpoint.NewStore(db)
	return NewLoader(registry, store, nil), registry, store, db
}

func insertUser(t *testing.T, db *sql.DB, username string) int64 {
	t.Helper()
	res, err := db.Exec(`INSERT INTO users (username, password_hash, created_at) VALUES (?, ?, ?)`,
		username, "digest", time.Now().UTC())
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		t.Fatalf("last insert id: %v", err)
	}
	return id
}

func TestLoadFiltersInternalRecordKinds(t *testing.T) {
	loader, registry, store, db := openTestLoader(t)
	ctx := context.Background()
	userID := insertUser(t, db, "carol")

	threadID := threads.NewThreadID()
	if err := registry.Link(ctx, userID, threadID); err != nil {
		t.Fatalf("link: %v", err)
	}
	if err := store.Append(ctx, threadID,
		checkpoint.Record{Kind: "system", Content: "prompt"},
		checkpoint.Record{Kind: checkpoint.KindUser, Content: "hello"},
		checkpoint.Record{Kind: "tool", Content: "lookup(x)"},
		checkpoint.Record{Kind: checkpoint.KindAssistant, Content: "hi"},
	); err != nil {
		t.Fatalf("append: %v", err)
	}

	transcript, err := loader.Load(ctx, userID, threadID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := []models.Message{
		{Role: models.RoleUser, Content: "hello"},
		{Role: models.RoleAssistant, Content: "hi"},
	}
	if len(transcript) != len(want) {
		t.Fatalf("got %d messages, want %d: %+v", len(transcript), len(want), transcript)
	}
	for i, msg := range transcript {
		if msg != want[i] {
			t.Errorf("message %d = %+v, want %+v", i, msg, want[i])
		}
	}
}

func TestLoadRejectsNonOwner(t *testing.T) {
	loader, registry, store, db := openTestLoader(t)
	ctx := context.Background()
	owner := insertUser(t, db, "owner")
	intruder := insertUser(t, db, "intruder")

	threadID := threads.NewThreadID()
	if err := registry.Link(ctx, owner, threadID); err != nil {
		t.Fatalf("link: %v", err)
	}
	if err := store.Append(ctx, threadID, checkpoint.Record{Kind: checkpoint.KindUser, Content: "secret"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	if _, err := loader.Load(ctx, intruder, threadID); !errors.Is(err, threads.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	// An unlinked thread id is indistinguishable from someone else's thread.
	if _, err := loader.Load(ctx, owner, "no-such-thread"); !errors.Is(err, threads.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner for unknown thread, got %v", err)
	}
}

func TestLoadFreshThreadIsEmptyTranscript(t *testing.T) {
	loader, registry, _, db := openTestLoader(t)
	ctx := context.Background()
	userID := insertUser(t, db, "dave")

	threadID := threads.NewThreadID()
	if err := registry.Link(ctx, userID, threadID); err != nil {
		t.Fatalf("link: %v", err)
	}

	transcript, err := loader.Load(ctx, userID, threadID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if transcript == nil {
		t.Fatal("expected empty transcript, got nil")
	}
	if len(transcript) != 0 {
		t.Fatalf("expected empty transcript, got %+v", transcript)
	}
}

func TestHistorySkipsOwnershipCheck(t *testing.T) {
	loader, _, store, _ := openTestLoader(t)
	ctx := context.Background()

	threadID := threads.NewThreadID()
	if err := store.Append(ctx, threadID, checkpoint.Record{Kind: checkpoint.KindUser, Content: "hi"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	transcript, err := loader.History(ctx, threadID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(transcript) != 1 || transcript[0].Content != "hi" {
		t.Fatalf("unexpected transcript: %+v", transcript)
	}
}
