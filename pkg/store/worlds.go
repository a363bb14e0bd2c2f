package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PutWorld creates or updates a world. The description's token count is
// computed at write time and must not exceed maxTokens.
func (s *Store) PutWorld(ctx context.Context, w *World, maxTokens int) error {
	if w.ID == "" || w.UserID == "" {
		return fmt.Errorf("world id and user id are required")
	}

	w.TokenCount = s.counter.Count(w.Description)
	if maxTokens > 0 && w.TokenCount > maxTokens {
		return &WorldTooLargeError{Tokens: w.TokenCount, Limit: maxTokens}
	}

	now := time.Now().UTC()
	w.Updated = now

	update := s.rebind(`
UPDATE worlds SET name = ?, description = ?, token_count = ?, updated_at = ?
WHERE id = ? AND user_id = ?
`)
	res, err := s.db.ExecContext(ctx, update,
		w.Name, w.Description, w.TokenCount, w.Updated, w.ID, w.UserID,
	)
	if err != nil {
		return fmt.Errorf("updating world: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	w.Created = now
	insert := s.rebind(`
INSERT INTO worlds (id, user_id, name, description, token_count, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`)
	if _, err := s.db.ExecContext(ctx, insert,
		w.ID, w.UserID, w.Name, w.Description, w.TokenCount, w.Created, w.Updated,
	); err != nil {
		return fmt.Errorf("inserting world: %w", err)
	}
	return nil
}

// GetWorld loads a world by id.
func (s *Store) GetWorld(ctx context.Context, worldID string) (*World, error) {
	query := s.rebind(`
SELECT id, user_id, name, description, token_count, created_at, updated_at
FROM worlds WHERE id = ?
`)

	var w World
	err := s.db.QueryRowContext(ctx, query, worldID).Scan(
		&w.ID, &w.UserID, &w.Name, &w.Description, &w.TokenCount, &w.Created, &w.Updated,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("world %s: %w", worldID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying world: %w", err)
	}
	return &w, nil
}
