package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreateGame inserts a new saved game.
func (s *Store) CreateGame(ctx context.Context, g *SavedGame) error {
	if g.ID == "" || g.UserID == "" {
		return fmt.Errorf("game id and user id are required")
	}
	if g.Tier == "" {
		g.Tier = "basic"
	}

	now := time.Now().UTC()
	g.Created, g.Updated = now, now

	query := s.rebind(`
INSERT INTO saved_games (id, user_id, world_id, player_desc, rating, tier,
    deep_memory, deep_memory_tokens, chunks_merged, last_merged_end_index,
    created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`)
	_, err := s.db.ExecContext(ctx, query,
		g.ID, g.UserID, g.WorldID, g.Player, g.Rating, g.Tier,
		g.DeepMem.Body, g.DeepMem.TokenCount, g.DeepMem.ChunksMerged,
		g.DeepMem.LastMergedEndIndex, g.Created, g.Updated,
	)
	if err != nil {
		return fmt.Errorf("inserting game: %w", err)
	}
	return nil
}

// GetGame loads a game and checks ownership: a game owned by a different
// user returns ErrForbidden.
func (s *Store) GetGame(ctx context.Context, gameID, userID string) (*SavedGame, error) {
	query := s.rebind(`
SELECT id, user_id, world_id, player_desc, rating, tier,
    deep_memory, deep_memory_tokens, chunks_merged, last_merged_end_index,
    created_at, updated_at
FROM saved_games WHERE id = ?
`)

	var g SavedGame
	var worldID sql.NullString
	err := s.db.QueryRowContext(ctx, query, gameID).Scan(
		&g.ID, &g.UserID, &worldID, &g.Player, &g.Rating, &g.Tier,
		&g.DeepMem.Body, &g.DeepMem.TokenCount, &g.DeepMem.ChunksMerged,
		&g.DeepMem.LastMergedEndIndex, &g.Created, &g.Updated,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("game %s: %w", gameID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying game: %w", err)
	}
	g.WorldID = worldID.String

	if userID != "" && g.UserID != userID {
		return nil, fmt.Errorf("game %s: %w", gameID, ErrForbidden)
	}
	return &g, nil
}

// UpdateDeepMemory appends the compaction result to a game's deep memory
// state. Runs under the compaction transaction.
func (s *Store) UpdateDeepMemory(ctx context.Context, q DBTX, gameID string, dm DeepMemory) error {
	query := s.rebind(`
UPDATE saved_games
SET deep_memory = ?, deep_memory_tokens = ?, chunks_merged = ?,
    last_merged_end_index = ?, updated_at = ?
WHERE id = ?
`)
	res, err := q.ExecContext(ctx, query,
		dm.Body, dm.TokenCount, dm.ChunksMerged, dm.LastMergedEndIndex,
		time.Now().UTC(), gameID,
	)
	if err != nil {
		return fmt.Errorf("updating deep memory: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("game %s: %w", gameID, ErrNotFound)
	}
	return nil
}

// TouchGame bumps a game's updated_at.
func (s *Store) TouchGame(ctx context.Context, q DBTX, gameID string) error {
	query := s.rebind(`UPDATE saved_games SET updated_at = ? WHERE id = ?`)
	_, err := q.ExecContext(ctx, query, time.Now().UTC(), gameID)
	return err
}

// UserTier returns the subscription tier for a user; unknown users get the
// basic tier.
func (s *Store) UserTier(ctx context.Context, userID string) (string, error) {
	query := s.rebind(`SELECT tier FROM users WHERE id = ?`)

	var tier string
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&tier)
	if err == sql.ErrNoRows {
		return "basic", nil
	}
	if err != nil {
		return "", fmt.Errorf("querying user tier: %w", err)
	}
	return tier, nil
}

// PutUserTier creates or updates a user's tier assignment.
func (s *Store) PutUserTier(ctx context.Context, userID, tier string) error {
	query := s.rebind(`UPDATE users SET tier = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, tier, userID)
	if err != nil {
		return fmt.Errorf("updating user tier: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	query = s.rebind(`INSERT INTO users (id, tier) VALUES (?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, userID, tier); err != nil {
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}
