package credentials

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"nexuschat/internal/models"
	"nexuschat/internal/storage"
)

var (
	// ErrEmptyCredential is returned before any storage access when a
	// username or password is empty after trimming.
	ErrEmptyCredential = errors.New("username and password are required")
	// ErrUsernameTaken is returned when the trimmed username collides with
	// an existing row.
	ErrUsernameTaken = errors.New("username already exists")
	// ErrUserNotFound and ErrPasswordMismatch stay distinct so callers can
	// decide per deployment how much to disclose.
	ErrUserNotFound     = errors.New("user not found")
	ErrPasswordMismatch = errors.New("password mismatch")
)

// Store persists user identities and verifies login attempts.
type Store struct {
	db *sql.DB
}

// NewStore builds a credential store over the shared database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Register creates a user with the supplied credentials.
func (s *Store) Register(ctx context.Context, username, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	password = strings.TrimSpace(password)
	if username == "" || password == "" {
		return nil, ErrEmptyCredential
	}

	hash := hashPassword(password)
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, created_at) VALUES (?, ?, ?)`,
		username, hash, now,
	)
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("user id: %w", err)
	}
	return &models.User{ID: id, Username: username, PasswordHash: hash, CreatedAt: now}, nil
}

// Verify checks the credentials and returns the user id. A bad username and a
// bad password report different errors; collapsing them is left to the
// transport layer.
func (s *Store) Verify(ctx context.Context, username, password string) (int64, error) {
	username = strings.TrimSpace(username)
	password = strings.TrimSpace(password)
	if username == "" || password == "" {
		return 0, ErrEmptyCredential
	}

	var (
		id     int64
		stored string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, password_hash FROM users WHERE username = ?`, username,
	).Scan(&id, &stored)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrUserNotFound
		}
		return 0, fmt.Errorf("query user: %w", err)
	}

	if subtle.ConstantTimeCompare([]byte(stored), []byte(hashPassword(password))) != 1 {
		return 0, ErrPasswordMismatch
	}
	return id, nil
}

// Username resolves a user id back to its username.
func (s *Store) Username(ctx context.Context, userID int64) (string, error) {
	if userID <= 0 {
		return "", errors.New("invalid user id")
	}
	var username string
	err := s.db.QueryRowContext(ctx,
		`SELECT username FROM users WHERE id = ?`, userID,
	).Scan(&username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrUserNotFound
		}
		return "", fmt.Errorf("query username: %w", err)
	}
	return username, nil
}

func hashPassword(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}
