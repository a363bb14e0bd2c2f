// Package store persists saved games, raw turns, summary chunks, and
// worlds behind a shared SQL pool.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/fablehost/fable/pkg/tokens"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx so data access helpers can
// run inside or outside a transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store provides access to the fable schema.
type Store struct {
	db      *sql.DB
	dialect string
	counter *tokens.Counter
}

// New creates a Store and initializes the schema.
func New(db *sql.DB, dialect string, counter *tokens.Counter) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if counter == nil {
		return nil, fmt.Errorf("token counter is required")
	}

	switch dialect {
	case "sqlite", "postgres", "mysql":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: sqlite, postgres, mysql)", dialect)
	}

	s := &Store{db: db, dialect: dialect, counter: counter}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return s, nil
}

// DB returns the underlying pool, for callers running outside a transaction.
func (s *Store) DB() *sql.DB { return s.db }

// WithTx runs fn inside a transaction, committing on nil error.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// rebind converts ? placeholders to the dialect's native form.
func (s *Store) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	autoPK := "INTEGER PRIMARY KEY AUTOINCREMENT"
	switch s.dialect {
	case "postgres":
		autoPK = "BIGSERIAL PRIMARY KEY"
	case "mysql":
		autoPK = "BIGINT PRIMARY KEY AUTO_INCREMENT"
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
    id VARCHAR(64) PRIMARY KEY,
    tier VARCHAR(32) NOT NULL DEFAULT 'basic'
)`,
		`CREATE TABLE IF NOT EXISTS worlds (
    id VARCHAR(64) PRIMARY KEY,
    user_id VARCHAR(64) NOT NULL,
    name VARCHAR(255) NOT NULL,
    description TEXT NOT NULL,
    token_count INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS saved_games (
    id VARCHAR(64) PRIMARY KEY,
    user_id VARCHAR(64) NOT NULL,
    world_id VARCHAR(64),
    player_desc TEXT NOT NULL,
    rating VARCHAR(32) NOT NULL,
    tier VARCHAR(32) NOT NULL DEFAULT 'basic',
    deep_memory TEXT NOT NULL,
    deep_memory_tokens INTEGER NOT NULL DEFAULT 0,
    chunks_merged INTEGER NOT NULL DEFAULT 0,
    last_merged_end_index BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS raw_turns (
    id %s,
    game_id VARCHAR(64) NOT NULL,
    seq BIGINT NOT NULL,
    role VARCHAR(16) NOT NULL,
    body TEXT NOT NULL,
    token_count INTEGER,
    archived SMALLINT NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY (game_id) REFERENCES saved_games(id) ON DELETE CASCADE
)`, autoPK),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS summary_chunks (
    id %s,
    game_id VARCHAR(64) NOT NULL,
    seq BIGINT NOT NULL,
    body TEXT NOT NULL,
    token_count INTEGER NOT NULL,
    start_index BIGINT NOT NULL,
    end_index BIGINT NOT NULL,
    refs TEXT NOT NULL,
    compacted SMALLINT NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    FOREIGN KEY (game_id) REFERENCES saved_games(id) ON DELETE CASCADE
)`, autoPK),
		`CREATE INDEX IF NOT EXISTS idx_raw_turns_game_seq ON raw_turns(game_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_raw_turns_game_archived ON raw_turns(game_id, archived)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_game_seq ON summary_chunks(game_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_games_user ON saved_games(user_id)`,
	}

	for _, stmt := range statements {
		if s.dialect == "mysql" && strings.HasPrefix(stmt, "CREATE INDEX IF NOT EXISTS") {
			// MySQL has no IF NOT EXISTS for indexes; duplicate index
			// errors on restart are harmless.
			if _, err := s.db.ExecContext(ctx, strings.Replace(stmt, "IF NOT EXISTS ", "", 1)); err != nil {
				continue
			}
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("executing schema statement: %w", err)
		}
	}
	return nil
}
