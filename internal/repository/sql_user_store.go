package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"nexus-assistant/internal/domain"
)

// SQLUserStore keeps one profile row per user in PostgreSQL or SQLite.
type SQLUserStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// NewSQLUserStore creates a user store over db.
func NewSQLUserStore(db *sql.DB, dialect Dialect, opts ...SQLOption) (*SQLUserStore, error) {
	if db == nil {
		return nil, errors.New("repository: db must not be nil")
	}
	if _, ok := schema[dialect]; !ok {
		return nil, fmt.Errorf("repository: unsupported SQL dialect %q", dialect)
	}
	o := buildSQLOptions(opts)
	return &SQLUserStore{db: db, dialect: dialect, now: o.now}, nil
}

// UpsertUser inserts p or refreshes the existing row. A zero LastSeen is
// stamped with the store clock.
func (s *SQLUserStore) UpsertUser(ctx context.Context, p domain.UserProfile) error {
	userID := strings.TrimSpace(p.UserID)
	if userID == "" {
		return domain.NewValidationError("userID", "must not be blank")
	}
	seen := p.LastSeen
	if seen.IsZero() {
		seen = s.now()
	}
	ms := seen.UTC().UnixMilli()

	_, err := s.db.ExecContext(ctx, rebind(s.dialect,
		`INSERT INTO users (user_id, username, first_name, last_name, last_seen, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET
			username = excluded.username,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			last_seen = excluded.last_seen`),
		userID, nullString(p.Username), nullString(p.FirstName), nullString(p.LastName), ms, ms,
	)
	if err != nil {
		return storeErr("UpsertUser", err)
	}
	return nil
}

// GetUser returns the profile of userID.
func (s *SQLUserStore) GetUser(ctx context.Context, userID string) (domain.UserProfile, bool, error) {
	var (
		p                     domain.UserProfile
		username, first, last sql.NullString
		lastSeen, createdAt   int64
	)
	err := s.db.QueryRowContext(ctx, rebind(s.dialect,
		`SELECT user_id, username, first_name, last_name, last_seen, created_at FROM users WHERE user_id = ?`),
		strings.TrimSpace(userID),
	).Scan(&p.UserID, &username, &first, &last, &lastSeen, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.UserProfile{}, false, nil
	}
	if err != nil {
		return domain.UserProfile{}, false, storeErr("GetUser", err)
	}
	p.Username = username.String
	p.FirstName = first.String
	p.LastName = last.String
	p.LastSeen = fromMillis(lastSeen)
	p.CreatedAt = fromMillis(createdAt)
	return p, true, nil
}

func nullString(s string) sql.NullString {
	s = strings.TrimSpace(s)
	return sql.NullString{String: s, Valid: s != ""}
}
