package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"nexuschat/internal/redis"
	"nexuschat/internal/storage"
)

// ErrInvalidToken is returned when a token is blank, unknown, or revoked.
// It means "not authenticated", never a fatal condition.
var ErrInvalidToken = errors.New("invalid token")

const (
	cacheTokenPrefix = "auth:token:"
	// Sessions have no lifetime of their own; the cache entry's TTL only
	// bounds how long a resolve can be served without touching the database.
	cacheTokenTTL = 30 * time.Minute
)

// Service issues, resolves, and revokes opaque bearer tokens. Tokens live
// until explicitly revoked.
type Service struct {
	db             *sql.DB
	cache          *redis.Client
	cookieName     string
	headerName     string
	csrfCookieName string
	csrfHeaderName string
}

// NewService constructs a session manager. cache may be nil.
func NewService(db *sql.DB, cache *redis.Client) *Service {
	return &Service{
		db:             db,
		cache:          cache,
		cookieName:     "auth_token",
		headerName:     "Authorization",
		csrfCookieName: "csrf_token",
		csrfHeaderName: "X-CSRF-Token",
	}
}

// Issue mints a new random token for the user and persists it. The 256 bits
// of entropy are the collision defense; the primary key is the backstop.
func (s *Service) Issue(ctx context.Context, userID int64) (string, error) {
	if userID <= 0 {
		return "", errors.New("invalid user id")
	}
	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		token, err := generateToken()
		if err != nil {
			return "", err
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO sessions (token, user_id, created_at) VALUES (?, ?, ?)`,
			token, userID, now,
		)
		if err == nil {
			_ = s.cache.Set(ctx, cacheTokenPrefix+token, strconv.FormatInt(userID, 10), cacheTokenTTL)
			return token, nil
		}
		// Only a token collision is worth a fresh draw.
		if !storage.IsUniqueViolation(err) {
			return "", fmt.Errorf("store token: %w", err)
		}
	}
	return "", errors.New("could not issue token")
}

// Resolve returns the user id a token authenticates, or ErrInvalidToken.
func (s *Service) Resolve(ctx context.Context, token string) (int64, error) {
	if token == "" {
		return 0, ErrInvalidToken
	}
	if cached, err := s.cache.Get(ctx, cacheTokenPrefix+token); err == nil {
		if userID, parseErr := strconv.ParseInt(cached, 10, 64); parseErr == nil && userID > 0 {
			return userID, nil
		}
	}
	var userID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id FROM sessions WHERE token = ?`, token,
	).Scan(&userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrInvalidToken
		}
		return 0, fmt.Errorf("lookup token: %w", err)
	}
	_ = s.cache.Set(ctx, cacheTokenPrefix+token, strconv.FormatInt(userID, 10), cacheTokenTTL)
	return userID, nil
}

// Revoke deletes a single token. Revoking an unknown token is not an error.
func (s *Service) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = ?`, token); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	_ = s.cache.Del(ctx, cacheTokenPrefix+token)
	return nil
}

// RevokeUser removes every session belonging to the user.
func (s *Service) RevokeUser(ctx context.Context, userID int64) error {
	if userID <= 0 {
		return nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT token FROM sessions WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("list user tokens: %w", err)
	}
	var keys []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			rows.Close()
			return fmt.Errorf("scan token: %w", err)
		}
		keys = append(keys, cacheTokenPrefix+token)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("list user tokens: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("revoke user tokens: %w", err)
	}
	_ = s.cache.Del(ctx, keys...)
	return nil
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// NewCSRFToken returns a random token used for CSRF protection.
func (s *Service) NewCSRFToken() (string, error) {
	return generateToken()
}

// AuthCookieName returns the cookie name storing auth tokens.
func (s *Service) AuthCookieName() string {
	return s.cookieName
}

// CSRFCookieName returns the cookie used for CSRF tokens.
func (s *Service) CSRFCookieName() string {
	return s.csrfCookieName
}

// CSRFHeaderName returns the CSRF header name.
func (s *Service) CSRFHeaderName() string {
	return s.csrfHeaderName
}
