package auth

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"nexuschat/internal/config"
	"nexuschat/internal/storage"
)

func TestIssueResolveRevoke(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	userID := insertUser(t, db, "alice")

	svc := NewService(db, nil)
	ctx := context.Background()

	token, err := svc.Issue(ctx, userID)
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}
	if len(token) != 64 {
		t.Fatalf("expected 64 hex chars of token, got %d", len(token))
	}
	got, err := svc.Resolve(ctx, token)
	if err != nil || got != userID {
		t.Fatalf("Resolve failed: id=%d err=%v", got, err)
	}
	if err := svc.Revoke(ctx, token); err != nil {
		t.Fatalf("Revoke error: %v", err)
	}
	if _, err := svc.Resolve(ctx, token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken after revoke, got %v", err)
	}
}

func TestResolveUnknownOrBlankToken(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	svc := NewService(db, nil)
	ctx := context.Background()

	if _, err := svc.Resolve(ctx, ""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for blank token, got %v", err)
	}
	if _, err := svc.Resolve(ctx, "not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for unknown token, got %v", err)
	}
}

func TestRevokeUnknownTokenIsNoop(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	svc := NewService(db, nil)
	if err := svc.Revoke(context.Background(), "never-issued"); err != nil {
		t.Fatalf("expected nil revoking unknown token, got %v", err)
	}
	if err := svc.Revoke(context.Background(), ""); err != nil {
		t.Fatalf("expected nil revoking blank token, got %v", err)
	}
}

func TestConcurrentSessionsStayIndependent(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	alice := insertUser(t, db, "alice")
	bob := insertUser(t, db, "bob")

	svc := NewService(db, nil)
	ctx := context.Background()

	tokenA1, err := svc.Issue(ctx, alice)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	tokenA2, err := svc.Issue(ctx, alice)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	tokenB, err := svc.Issue(ctx, bob)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if tokenA1 == tokenA2 || tokenA1 == tokenB {
		t.Fatalf("tokens must never repeat")
	}

	if err := svc.Revoke(ctx, tokenA1); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	// The user's other session and the other user's session survive.
	if got, err := svc.Resolve(ctx, tokenA2); err != nil || got != alice {
		t.Fatalf("Resolve tokenA2: id=%d err=%v", got, err)
	}
	if got, err := svc.Resolve(ctx, tokenB); err != nil || got != bob {
		t.Fatalf("Resolve tokenB: id=%d err=%v", got, err)
	}
}

func TestRevokeUserDropsAllSessions(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	userID := insertUser(t, db, "alice")

	svc := NewService(db, nil)
	ctx := context.Background()

	token1, _ := svc.Issue(ctx, userID)
	token2, _ := svc.Issue(ctx, userID)
	if err := svc.RevokeUser(ctx, userID); err != nil {
		t.Fatalf("RevokeUser: %v", err)
	}
	for _, token := range []string{token1, token2} {
		if _, err := svc.Resolve(ctx, token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("expected ErrInvalidToken after RevokeUser, got %v", err)
		}
	}
}

func TestIssueSurfacesStorageFault(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	userID := insertUser(t, db, "alice")
	if _, err := db.Exec(`DROP TABLE sessions`); err != nil {
		t.Fatalf("drop sessions: %v", err)
	}

	svc := NewService(db, nil)
	_, err := svc.Issue(context.Background(), userID)
	if err == nil {
		t.Fatal("expected Issue to fail without a sessions table")
	}
	// A storage fault is reported as such, not retried into a generic failure.
	if !strings.Contains(err.Error(), "store token") {
		t.Fatalf("expected the storage fault to surface, got %v", err)
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
