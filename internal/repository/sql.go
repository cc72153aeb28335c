package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL flavour of a store.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// ParseDialect validates a dialect name.
func ParseDialect(s string) (Dialect, error) {
	switch d := Dialect(strings.ToLower(strings.TrimSpace(s))); d {
	case DialectPostgres, DialectSQLite:
		return d, nil
	default:
		return "", fmt.Errorf("repository: unsupported SQL dialect %q", s)
	}
}

func (d Dialect) driverName() string {
	if d == DialectPostgres {
		return "pgx"
	}
	return "sqlite"
}

// OpenSQL opens and pings a database for dialect.
func OpenSQL(ctx context.Context, dialect Dialect, dsn string) (*sql.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("repository: dsn must not be empty")
	}
	db, err := sql.Open(dialect.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("repository: open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// SQLite allows a single writer.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("repository: ping %s: %w", dialect, err)
	}
	return db, nil
}

var schema = map[Dialect][]string{
	DialectSQLite: {
		`CREATE TABLE IF NOT EXISTS memories (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			text TEXT NOT NULL,
			normalized_text TEXT NOT NULL,
			score DOUBLE PRECISION NOT NULL DEFAULT 1.0,
			use_count BIGINT NOT NULL DEFAULT 0,
			last_used BIGINT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			UNIQUE (user_id, normalized_text)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_user ON memories (user_id)`,
		`CREATE TABLE IF NOT EXISTS conversation_turns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			turn_key TEXT NOT NULL,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_user_created ON conversation_turns (user_id, created_at, id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_turns_key ON conversation_turns (turn_key)`,
		`CREATE TABLE IF NOT EXISTS users (
			user_id TEXT PRIMARY KEY,
			username TEXT,
			first_name TEXT,
			last_name TEXT,
			last_seen BIGINT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
	},
	DialectPostgres: {
		`CREATE TABLE IF NOT EXISTS memories (
			id BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
			user_id TEXT NOT NULL,
			text TEXT NOT NULL,
			normalized_text TEXT NOT NULL,
			score DOUBLE PRECISION NOT NULL DEFAULT 1.0,
			use_count BIGINT NOT NULL DEFAULT 0,
			last_used BIGINT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			UNIQUE (user_id, normalized_text)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_user ON memories (user_id)`,
		`CREATE TABLE IF NOT EXISTS conversation_turns (
			id BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
			turn_key TEXT NOT NULL,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_user_created ON conversation_turns (user_id, created_at, id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_turns_key ON conversation_turns (turn_key)`,
		`CREATE TABLE IF NOT EXISTS users (
			user_id TEXT PRIMARY KEY,
			username TEXT,
			first_name TEXT,
			last_name TEXT,
			last_seen BIGINT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
	},
}

// MigrateSQL creates the tables and indexes used by the SQL stores. It is
// idempotent.
func MigrateSQL(ctx context.Context, db *sql.DB, dialect Dialect) error {
	stmts, ok := schema[dialect]
	if !ok {
		return fmt.Errorf("repository: unsupported SQL dialect %q", dialect)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("repository: migrate begin: %w", err)
	}
	defer tx.Rollback()

	for i, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("repository: migrate step %d: %w", i+1, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("repository: migrate commit: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err came from a unique constraint.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// rebind rewrites ? placeholders into $n for PostgreSQL.
func rebind(dialect Dialect, query string) string {
	if dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
