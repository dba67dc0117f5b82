package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// Record kinds written by this service. The column is open-ended on disk;
// other producers may record kinds this service never emits.
const (
	KindUser      = "user"
	KindAssistant = "assistant"
)

// Record is one entry in a thread's append-only message log.
type Record struct {
	Kind    string
	Content string
}

const lockStripes = 64

// Store is the client for the checkpointed message log. It exposes only the
// append/read contract; the log's internal layout is its own concern.
type Store struct {
	db *sql.DB

	// Append locks are striped by thread id hash, so memory stays bounded
	// no matter how many threads a long-lived process touches. A stripe
	// collision serializes two unrelated appends, which is harmless.
	locks [lockStripes]sync.Mutex
}

// NewStore builds a checkpoint client over the shared database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// threadLock returns the stripe guarding appends for one thread id.
func (s *Store) threadLock(threadID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(threadID))
	return &s.locks[h.Sum32()%lockStripes]
}

// Append writes the records to the thread's log in the given order. All
// records of one call land contiguously: appends are serialized per thread
// id, and the insert runs in a single transaction. Reads stay concurrent.
func (s *Store) Append(ctx context.Context, threadID string, records ...Record) error {
	if threadID == "" {
		return errors.New("thread id is required")
	}
	if len(records) == 0 {
		return nil
	}
	for _, rec := range records {
		if rec.Kind == "" {
			return errors.New("record kind is required")
		}
	}

	lock := s.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	now := time.Now().UTC()
	for _, rec := range records {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO checkpoints (thread_id, kind, content, created_at) VALUES (?, ?, ?, ?)`,
			threadID, rec.Kind, rec.Content, now,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("append record: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// Records returns the full log for the thread in original append order. A
// thread with no recorded state yields an empty slice, not an error.
func (s *Store) Records(ctx context.Context, threadID string) ([]Record, error) {
	if threadID == "" {
		return nil, errors.New("thread id is required")
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, content FROM checkpoints WHERE thread_id = ? ORDER BY id ASC`,
		threadID,
	)
	if err != nil {
		return nil, fmt.Errorf("read thread: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Kind, &rec.Content); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
