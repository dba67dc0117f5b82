package models

import "time"

// User is an operator account. Rows are created on registration and never
// mutated or deleted afterwards.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}
