package threads

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"nexuschat/internal/storage"
)

// ErrNotOwner is returned when a caller references a thread it has no link to.
var ErrNotOwner = errors.New("thread not owned by user")

// Registry records which conversation threads are visible to which user. A
// thread id only ever surfaces to a caller through one of these links.
type Registry struct {
	db *sql.DB
}

// NewRegistry builds a thread registry over the shared database handle.
func NewRegistry(db *sql.DB) *Registry {
	return &Registry{db: db}
}

// NewThreadID returns a fresh opaque thread identifier.
func NewThreadID() string {
	return uuid.NewString()
}

// Link makes threadID visible to the user. Re-linking the same pair is a
// silent no-op, never an error.
func (r *Registry) Link(ctx context.Context, userID int64, threadID string) error {
	if userID <= 0 {
		return errors.New("invalid user id")
	}
	if threadID == "" {
		return errors.New("thread id is required")
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO thread_links (user_id, thread_id, created_at) VALUES (?, ?, ?)`,
		userID, threadID, time.Now().UTC(),
	)
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("link thread: %w", err)
	}
	return nil
}

// List returns the user's thread ids, newest-linked first. Links created at
// the same instant fall back to insertion order. An empty slice is a valid
// result.
func (r *Registry) List(ctx context.Context, userID int64) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT thread_id FROM thread_links WHERE user_id = ? ORDER BY created_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	threads := make([]string, 0)
	for rows.Next() {
		var threadID string
		if err := rows.Scan(&threadID); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		threads = append(threads, threadID)
	}
	return threads, rows.Err()
}

// Unlink revokes the user's visibility of threadID and reports whether a link
// was actually removed. The transcript in the checkpoint store is retained.
func (r *Registry) Unlink(ctx context.Context, userID int64, threadID string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM thread_links WHERE user_id = ? AND thread_id = ?`,
		userID, threadID,
	)
	if err != nil {
		return false, fmt.Errorf("unlink thread: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("unlink rows affected: %w", err)
	}
	return affected > 0, nil
}

// Owns reports whether threadID is linked to the user. Every component that
// accepts a thread id from a caller consults this before touching the
// transcript.
func (r *Registry) Owns(ctx context.Context, userID int64, threadID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM thread_links WHERE user_id = ? AND thread_id = ?)`,
		userID, threadID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check thread ownership: %w", err)
	}
	return exists, nil
}
