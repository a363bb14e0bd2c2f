package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AppendTurn inserts a raw turn at the next sequence number and returns it.
// The token count is left NULL; the compactor or the lazy backfill fills
// it in.
func (s *Store) AppendTurn(ctx context.Context, q DBTX, gameID, role, body string) (*RawTurn, error) {
	if gameID == "" {
		return nil, fmt.Errorf("game id is required")
	}
	if role != RoleUser && role != RoleAI {
		return nil, fmt.Errorf("invalid turn role %q", role)
	}

	var seq int64
	next := s.rebind(`SELECT COALESCE(MAX(seq), 0) + 1 FROM raw_turns WHERE game_id = ?`)
	if err := q.QueryRowContext(ctx, next, gameID).Scan(&seq); err != nil {
		return nil, fmt.Errorf("getting next turn seq: %w", err)
	}

	now := time.Now().UTC()
	insert := s.rebind(`
INSERT INTO raw_turns (game_id, seq, role, body, token_count, archived, created_at)
VALUES (?, ?, ?, ?, NULL, 0, ?)
`)
	res, err := q.ExecContext(ctx, insert, gameID, seq, role, body, now)
	if err != nil {
		return nil, fmt.Errorf("inserting turn: %w", err)
	}

	turn := &RawTurn{GameID: gameID, Seq: seq, Role: role, Body: body, Created: now}
	if id, err := res.LastInsertId(); err == nil {
		turn.ID = id
	}
	return turn, nil
}

// ActiveTurns returns the unarchived turns for a game in sequence order.
func (s *Store) ActiveTurns(ctx context.Context, q DBTX, gameID string) ([]RawTurn, error) {
	query := s.rebind(`
SELECT id, game_id, seq, role, body, token_count, archived, created_at
FROM raw_turns
WHERE game_id = ? AND archived = 0
ORDER BY seq ASC
`)
	return s.queryTurns(ctx, q, query, gameID)
}

// AllTurns returns every turn for a game, archived included, in sequence
// order. Used for memory budget reporting.
func (s *Store) AllTurns(ctx context.Context, gameID string) ([]RawTurn, error) {
	query := s.rebind(`
SELECT id, game_id, seq, role, body, token_count, archived, created_at
FROM raw_turns
WHERE game_id = ?
ORDER BY seq ASC
`)
	return s.queryTurns(ctx, s.db, query, gameID)
}

// RecentTurns returns the newest limit unarchived turns in sequence order.
func (s *Store) RecentTurns(ctx context.Context, gameID string, limit int) ([]RawTurn, error) {
	query := s.rebind(`
SELECT id, game_id, seq, role, body, token_count, archived, created_at FROM (
    SELECT id, game_id, seq, role, body, token_count, archived, created_at
    FROM raw_turns
    WHERE game_id = ? AND archived = 0
    ORDER BY seq DESC
    LIMIT ?
) sub ORDER BY seq ASC
`)
	return s.queryTurns(ctx, s.db, query, gameID, limit)
}

// GetTurn loads a single turn.
func (s *Store) GetTurn(ctx context.Context, gameID string, turnID int64) (*RawTurn, error) {
	query := s.rebind(`
SELECT id, game_id, seq, role, body, token_count, archived, created_at
FROM raw_turns
WHERE game_id = ? AND id = ?
`)
	turns, err := s.queryTurns(ctx, s.db, query, gameID, turnID)
	if err != nil {
		return nil, err
	}
	if len(turns) == 0 {
		return nil, fmt.Errorf("turn %d: %w", turnID, ErrNotFound)
	}
	return &turns[0], nil
}

// UpdateTurnBody replaces a turn's text and recomputes its token count.
// Summaries already derived from the old text are left alone.
func (s *Store) UpdateTurnBody(ctx context.Context, gameID string, turnID int64, body string) error {
	count := s.counter.Count(body)

	query := s.rebind(`
UPDATE raw_turns SET body = ?, token_count = ? WHERE game_id = ? AND id = ?
`)
	res, err := s.db.ExecContext(ctx, query, body, count, gameID, turnID)
	if err != nil {
		return fmt.Errorf("updating turn: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("turn %d: %w", turnID, ErrNotFound)
	}
	return nil
}

// DeleteTurn removes a turn. The caller handles chunk-range side effects.
// Reads go through q so the lookup stays inside the caller's transaction.
func (s *Store) DeleteTurn(ctx context.Context, q DBTX, gameID string, turnID int64) (*RawTurn, error) {
	get := s.rebind(`
SELECT id, game_id, seq, role, body, token_count, archived, created_at
FROM raw_turns
WHERE game_id = ? AND id = ?
`)
	turns, err := s.queryTurns(ctx, q, get, gameID, turnID)
	if err != nil {
		return nil, err
	}
	if len(turns) == 0 {
		return nil, fmt.Errorf("turn %d: %w", turnID, ErrNotFound)
	}
	turn := &turns[0]

	query := s.rebind(`DELETE FROM raw_turns WHERE game_id = ? AND id = ?`)
	if _, err := q.ExecContext(ctx, query, gameID, turnID); err != nil {
		return nil, fmt.Errorf("deleting turn: %w", err)
	}
	return turn, nil
}

// ArchiveTurns marks the given turns as absorbed into a summary chunk and
// stamps their token counts. Runs under the compaction transaction.
func (s *Store) ArchiveTurns(ctx context.Context, q DBTX, gameID string, turns []RawTurn) error {
	query := s.rebind(`
UPDATE raw_turns SET archived = 1, token_count = ? WHERE game_id = ? AND id = ?
`)
	for _, t := range turns {
		count := 0
		if t.TokenCount != nil {
			count = *t.TokenCount
		}
		if _, err := q.ExecContext(ctx, query, count, gameID, t.ID); err != nil {
			return fmt.Errorf("archiving turn %d: %w", t.ID, err)
		}
	}
	return nil
}

// EnsureTokenCounts backfills NULL token counts for a game's turns in one
// batch through the counter. Returns the number of rows filled.
func (s *Store) EnsureTokenCounts(ctx context.Context, gameID string) (int, error) {
	query := s.rebind(`
SELECT id, body FROM raw_turns WHERE game_id = ? AND token_count IS NULL ORDER BY seq ASC
`)
	rows, err := s.db.QueryContext(ctx, query, gameID)
	if err != nil {
		return 0, fmt.Errorf("querying untokenized turns: %w", err)
	}
	defer rows.Close()

	var ids []int64
	var bodies []string
	for rows.Next() {
		var id int64
		var body string
		if err := rows.Scan(&id, &body); err != nil {
			return 0, fmt.Errorf("scanning turn: %w", err)
		}
		ids = append(ids, id)
		bodies = append(bodies, body)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterating turns: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	counts := s.counter.CountBatch(bodies)

	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		update := s.rebind(`UPDATE raw_turns SET token_count = ? WHERE id = ?`)
		for i, id := range ids {
			if _, err := tx.ExecContext(ctx, update, counts[i], id); err != nil {
				return fmt.Errorf("backfilling turn %d: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (s *Store) queryTurns(ctx context.Context, q DBTX, query string, args ...any) ([]RawTurn, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying turns: %w", err)
	}
	defer rows.Close()

	var turns []RawTurn
	for rows.Next() {
		var t RawTurn
		var count sql.NullInt64
		var archived int
		if err := rows.Scan(&t.ID, &t.GameID, &t.Seq, &t.Role, &t.Body, &count, &archived, &t.Created); err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		if count.Valid {
			c := int(count.Int64)
			t.TokenCount = &c
		}
		t.Archived = archived != 0
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating turns: %w", err)
	}
	return turns, nil
}
