package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"nexus-assistant/internal/domain"
)

// SQLConversationStore keeps conversation turns in PostgreSQL or SQLite.
type SQLConversationStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// NewSQLConversationStore creates a conversation store over db.
func NewSQLConversationStore(db *sql.DB, dialect Dialect, opts ...SQLOption) (*SQLConversationStore, error) {
	if db == nil {
		return nil, errors.New("repository: db must not be nil")
	}
	if _, ok := schema[dialect]; !ok {
		return nil, fmt.Errorf("repository: unsupported SQL dialect %q", dialect)
	}
	o := buildSQLOptions(opts)
	return &SQLConversationStore{db: db, dialect: dialect, now: o.now}, nil
}

// AppendTurns inserts turns in order within one transaction. A turn whose ID
// is already stored is skipped, so a retried call does not duplicate it.
func (s *SQLConversationStore) AppendTurns(ctx context.Context, turns ...domain.ConversationTurn) error {
	if len(turns) == 0 {
		return nil
	}
	prepared, err := prepareTurns(turns, s.now().UTC())
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("AppendTurns begin", err)
	}
	defer tx.Rollback()

	query := rebind(s.dialect, `INSERT INTO conversation_turns (turn_key, user_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (turn_key) DO NOTHING`)
	for _, t := range prepared {
		if _, err := tx.ExecContext(ctx, query, t.ID, t.UserID, t.Role, t.Content, t.CreatedAt.UnixMilli()); err != nil {
			return storeErr("AppendTurns", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storeErr("AppendTurns commit", err)
	}
	return nil
}

// Recent returns the latest limit turns of userID, oldest first.
func (s *SQLConversationStore) Recent(ctx context.Context, userID string, limit int) ([]domain.ConversationTurn, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, rebind(s.dialect,
		`SELECT id, user_id, role, content, created_at FROM conversation_turns
		 WHERE user_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`), userID, limit)
	if err != nil {
		return nil, storeErr("Recent", err)
	}
	defer rows.Close()

	var turns []domain.ConversationTurn
	for rows.Next() {
		var (
			id        int64
			createdAt int64
			t         domain.ConversationTurn
		)
		if err := rows.Scan(&id, &t.UserID, &t.Role, &t.Content, &createdAt); err != nil {
			return nil, storeErr("Recent scan", err)
		}
		t.ID = strconv.FormatInt(id, 10)
		t.CreatedAt = fromMillis(createdAt)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("Recent", err)
	}
	reverseTurns(turns)
	return turns, nil
}
