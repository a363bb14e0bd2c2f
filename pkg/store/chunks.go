package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ActiveChunks returns a game's non-compacted summary chunks in sequence
// order (oldest first).
func (s *Store) ActiveChunks(ctx context.Context, q DBTX, gameID string) ([]SummaryChunk, error) {
	query := s.rebind(`
SELECT id, game_id, seq, body, token_count, start_index, end_index, refs,
    compacted, created_at, updated_at
FROM summary_chunks
WHERE game_id = ? AND compacted = 0
ORDER BY seq ASC
`)
	return s.queryChunks(ctx, q, query, gameID)
}

// InsertChunk appends a new summary chunk at the next sequence number.
func (s *Store) InsertChunk(ctx context.Context, q DBTX, c *SummaryChunk) error {
	var seq int64
	next := s.rebind(`SELECT COALESCE(MAX(seq), 0) + 1 FROM summary_chunks WHERE game_id = ?`)
	if err := q.QueryRowContext(ctx, next, c.GameID).Scan(&seq); err != nil {
		return fmt.Errorf("getting next chunk seq: %w", err)
	}

	now := time.Now().UTC()
	c.Seq, c.Created, c.Updated = seq, now, now

	refs, err := encodeRefs(c.Refs)
	if err != nil {
		return err
	}

	insert := s.rebind(`
INSERT INTO summary_chunks (game_id, seq, body, token_count, start_index,
    end_index, refs, compacted, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
`)
	res, err := q.ExecContext(ctx, insert,
		c.GameID, c.Seq, c.Body, c.TokenCount, c.StartIndex, c.EndIndex, refs,
		c.Created, c.Updated,
	)
	if err != nil {
		return fmt.Errorf("inserting chunk: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		c.ID = id
	}
	return nil
}

// UpdateChunk rewrites a chunk's body, token count, covered range, and refs
// after a merge or a ref prune.
func (s *Store) UpdateChunk(ctx context.Context, q DBTX, c *SummaryChunk) error {
	refs, err := encodeRefs(c.Refs)
	if err != nil {
		return err
	}

	query := s.rebind(`
UPDATE summary_chunks
SET body = ?, token_count = ?, start_index = ?, end_index = ?, refs = ?,
    updated_at = ?
WHERE id = ?
`)
	c.Updated = time.Now().UTC()
	res, err := q.ExecContext(ctx, query,
		c.Body, c.TokenCount, c.StartIndex, c.EndIndex, refs, c.Updated, c.ID,
	)
	if err != nil {
		return fmt.Errorf("updating chunk: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("chunk %d: %w", c.ID, ErrNotFound)
	}
	return nil
}

// DeleteChunk removes a chunk outright, used when its last referenced raw
// turn is deleted.
func (s *Store) DeleteChunk(ctx context.Context, q DBTX, id int64) error {
	query := s.rebind(`DELETE FROM summary_chunks WHERE id = ?`)
	if _, err := q.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("deleting chunk %d: %w", id, err)
	}
	return nil
}

// MarkChunksCompacted flags chunks as absorbed into deep memory.
func (s *Store) MarkChunksCompacted(ctx context.Context, q DBTX, gameID string, ids []int64) error {
	query := s.rebind(`
UPDATE summary_chunks SET compacted = 1, updated_at = ? WHERE game_id = ? AND id = ?
`)
	now := time.Now().UTC()
	for _, id := range ids {
		if _, err := q.ExecContext(ctx, query, now, gameID, id); err != nil {
			return fmt.Errorf("compacting chunk %d: %w", id, err)
		}
	}
	return nil
}

func (s *Store) queryChunks(ctx context.Context, q DBTX, query string, args ...any) ([]SummaryChunk, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying chunks: %w", err)
	}
	defer rows.Close()

	var chunks []SummaryChunk
	for rows.Next() {
		var c SummaryChunk
		var compacted int
		var refs string
		if err := rows.Scan(&c.ID, &c.GameID, &c.Seq, &c.Body, &c.TokenCount,
			&c.StartIndex, &c.EndIndex, &refs, &compacted, &c.Created, &c.Updated); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		c.Compacted = compacted != 0
		if c.Refs, err = decodeRefs(refs); err != nil {
			return nil, fmt.Errorf("chunk %d: %w", c.ID, err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chunks: %w", err)
	}
	return chunks, nil
}

// encodeRefs serializes a chunk's raw turn ids as a JSON array.
func encodeRefs(ids []int64) (string, error) {
	if len(ids) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("encoding chunk refs: %w", err)
	}
	return string(data), nil
}

func decodeRefs(data string) ([]int64, error) {
	if data == "" || data == "[]" {
		return nil, nil
	}
	var ids []int64
	if err := json.Unmarshal([]byte(data), &ids); err != nil {
		return nil, fmt.Errorf("decoding chunk refs: %w", err)
	}
	return ids, nil
}
