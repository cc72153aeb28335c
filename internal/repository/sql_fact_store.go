package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"nexus-assistant/internal/domain"
	"nexus-assistant/internal/memory"
)

const memoryColumns = "id, user_id, text, normalized_text, score, use_count, last_used, created_at, updated_at"

// SQLFactStore persists memories in PostgreSQL or SQLite.
type SQLFactStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
	logger  *slog.Logger
}

// SQLOption configures the SQL stores.
type SQLOption func(*sqlOptions)

type sqlOptions struct {
	now    func() time.Time
	logger *slog.Logger
}

// WithSQLClock overrides the store clock.
func WithSQLClock(now func() time.Time) SQLOption {
	return func(o *sqlOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// WithSQLLogger sets the logger used for skipped updates.
func WithSQLLogger(l *slog.Logger) SQLOption {
	return func(o *sqlOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

func buildSQLOptions(opts []SQLOption) sqlOptions {
	o := sqlOptions{now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewSQLFactStore creates a fact store over db. Call MigrateSQL first.
func NewSQLFactStore(db *sql.DB, dialect Dialect, opts ...SQLOption) (*SQLFactStore, error) {
	if db == nil {
		return nil, errors.New("repository: db must not be nil")
	}
	if _, ok := schema[dialect]; !ok {
		return nil, fmt.Errorf("repository: unsupported SQL dialect %q", dialect)
	}
	o := buildSQLOptions(opts)
	return &SQLFactStore{db: db, dialect: dialect, now: o.now, logger: o.logger}, nil
}

var _ memory.FactStore = (*SQLFactStore)(nil)

// Ping checks connectivity.
func (s *SQLFactStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return storeErr("Ping", err)
	}
	return nil
}

func (s *SQLFactStore) q(query string) string { return rebind(s.dialect, query) }

func (s *SQLFactStore) nowMillis() int64 { return s.now().UTC().UnixMilli() }

// Create inserts a memory unless the user already holds one with the same
// normalized text, in which case that row's timestamps are refreshed.
func (s *SQLFactStore) Create(ctx context.Context, userID, text string, score float64) (int64, bool, error) {
	if err := validateMemoryInput(userID, text); err != nil {
		return 0, false, err
	}
	norm := domain.NormalizeMemoryText(text)
	now := s.nowMillis()

	id, found, err := s.refresh(ctx, userID, norm, now)
	if err != nil {
		return 0, false, err
	}
	if found {
		return id, false, nil
	}

	err = s.db.QueryRowContext(ctx, s.q(
		`INSERT INTO memories (user_id, text, normalized_text, score, use_count, last_used, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?, ?)
		 ON CONFLICT (user_id, normalized_text) DO NOTHING
		 RETURNING id`),
		userID, strings.TrimSpace(text), norm, score, now, now, now,
	).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// Lost the insert race; refresh the winner.
		id, found, err = s.refresh(ctx, userID, norm, now)
		if err != nil {
			return 0, false, err
		}
		if !found {
			return 0, false, storeErr("Create", errors.New("conflicting memory disappeared"))
		}
		return id, false, nil
	case err != nil:
		return 0, false, storeErr("Create", err)
	}
	return id, true, nil
}

func (s *SQLFactStore) refresh(ctx context.Context, userID, norm string, now int64) (int64, bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, s.q(
		`UPDATE memories SET updated_at = ?, last_used = ?
		 WHERE user_id = ? AND normalized_text = ?
		 RETURNING id`),
		now, now, userID, norm,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, storeErr("Refresh", err)
	}
	return id, true, nil
}

// FindByExactText looks a memory up by its normalized text.
func (s *SQLFactStore) FindByExactText(ctx context.Context, userID, text string) (domain.Memory, bool, error) {
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT `+memoryColumns+` FROM memories WHERE user_id = ? AND normalized_text = ?`),
		userID, domain.NormalizeMemoryText(text),
	)
	m, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Memory{}, false, nil
	}
	if err != nil {
		return domain.Memory{}, false, storeErr("FindByExactText", err)
	}
	return m, true, nil
}

// TopByRank computes the rank in the query and returns the first q.Limit rows.
func (s *SQLFactStore) TopByRank(ctx context.Context, userID string, q memory.RankQuery) ([]domain.Memory, error) {
	if q.Limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+memoryColumns+`,
		   (score * CAST(? AS DOUBLE PRECISION)
		    + use_count * CAST(? AS DOUBLE PRECISION)
		    + CASE WHEN last_used >= ? THEN CAST(? AS DOUBLE PRECISION) ELSE 0 END) AS rank_value
		 FROM memories
		 WHERE user_id = ?
		 ORDER BY rank_value DESC, last_used DESC, id ASC
		 LIMIT ?`),
		q.Weights.Score, q.Weights.UseCount, q.RecentSince.UTC().UnixMilli(), q.Weights.Recency, userID, q.Limit,
	)
	if err != nil {
		return nil, storeErr("TopByRank", err)
	}
	defer rows.Close()

	var out []domain.Memory
	for rows.Next() {
		var (
			m                             domain.Memory
			lastUsed, createdAt, updatedAt int64
			rank                          float64
		)
		if err := rows.Scan(&m.ID, &m.UserID, &m.Text, &m.NormalizedText, &m.Score, &m.UseCount,
			&lastUsed, &createdAt, &updatedAt, &rank); err != nil {
			return nil, storeErr("TopByRank scan", err)
		}
		m.LastUsed, m.CreatedAt, m.UpdatedAt = fromMillis(lastUsed), fromMillis(createdAt), fromMillis(updatedAt)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("TopByRank", err)
	}
	return out, nil
}

// Touch increments use_count and stamps last_used on every id in one
// statement. Ids without a row are logged and skipped.
func (s *SQLFactStore) Touch(ctx context.Context, ids []int64) error {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return nil
	}
	now := s.nowMillis()
	args := make([]any, 0, len(ids)+2)
	args = append(args, now, now)
	for _, id := range ids {
		args = append(args, id)
	}

	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE memories SET use_count = use_count + 1, last_used = ?, updated_at = ?
		 WHERE id IN (`+placeholders(len(ids))+`)`), args...)
	if err != nil {
		return storeErr("Touch", err)
	}
	if n, err := res.RowsAffected(); err == nil && n < int64(len(ids)) {
		s.logger.Warn("touch skipped unknown memories", "requested", ids, "updated", n)
	}
	return nil
}

// BoostScore adds delta to the memory's score.
func (s *SQLFactStore) BoostScore(ctx context.Context, id int64, delta float64) error {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE memories SET score = score + ?, updated_at = ? WHERE id = ?`),
		delta, s.nowMillis(), id,
	)
	if err != nil {
		return storeErr("BoostScore", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("BoostScore", err)
	}
	if n == 0 {
		return domain.NewValidationError("id", fmt.Sprintf("memory %d does not exist", id))
	}
	return nil
}

// UpdateText replaces the text of memory id and returns the id that holds the
// text afterwards. When another memory of the same user already holds it, the
// two are merged: that memory is refreshed and id is deleted.
func (s *SQLFactStore) UpdateText(ctx context.Context, id int64, text string) (int64, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT user_id FROM memories WHERE id = ?`), id).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.NewValidationError("id", fmt.Sprintf("memory %d does not exist", id))
	}
	if err != nil {
		return 0, storeErr("UpdateText", err)
	}
	if err := validateMemoryInput(userID, text); err != nil {
		return 0, err
	}

	norm := domain.NormalizeMemoryText(text)
	now := s.nowMillis()
	existing, found, err := s.FindByExactText(ctx, userID, norm)
	if err != nil {
		return 0, err
	}
	if found && existing.ID != id {
		return s.merge(ctx, id, userID, norm, now)
	}

	_, err = s.db.ExecContext(ctx, s.q(
		`UPDATE memories SET text = ?, normalized_text = ?, updated_at = ? WHERE id = ?`),
		strings.TrimSpace(text), norm, now, id,
	)
	if isUniqueViolation(err) {
		// The text was inserted concurrently after the lookup above.
		return s.merge(ctx, id, userID, norm, now)
	}
	if err != nil {
		return 0, storeErr("UpdateText", err)
	}
	return id, nil
}

// merge refreshes the memory holding norm and deletes the superseded one.
func (s *SQLFactStore) merge(ctx context.Context, superseded int64, userID, norm string, now int64) (int64, error) {
	winner, found, err := s.refresh(ctx, userID, norm, now)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, storeErr("UpdateText merge", errors.New("conflicting memory disappeared"))
	}
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM memories WHERE id = ?`), superseded); err != nil {
		return 0, storeErr("UpdateText merge", err)
	}
	s.logger.Info("memory merged into existing fact", "user_id", userID, "superseded_id", superseded, "id", winner)
	return winner, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (domain.Memory, error) {
	var (
		m                              domain.Memory
		lastUsed, createdAt, updatedAt int64
	)
	if err := row.Scan(&m.ID, &m.UserID, &m.Text, &m.NormalizedText, &m.Score, &m.UseCount,
		&lastUsed, &createdAt, &updatedAt); err != nil {
		return domain.Memory{}, err
	}
	m.LastUsed, m.CreatedAt, m.UpdatedAt = fromMillis(lastUsed), fromMillis(createdAt), fromMillis(updatedAt)
	return m, nil
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
