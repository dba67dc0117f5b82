package models

import "time"

// ThreadLink records that a thread is visible to a user. Removing the link
// revokes visibility only; the underlying transcript stays in the checkpoint
// store.
type ThreadLink struct {
	UserID    int64     `json:"user_id"`
	ThreadID  string    `json:"thread_id"`
	CreatedAt time.Time `json:"created_at"`
}
