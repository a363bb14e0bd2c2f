package memory

import (
	"context"

	"github.com/fablehost/fable/pkg/settings"
)

// Budget breaks down the token footprint of a game's active memory.
type Budget struct {
	// ActiveTokens is what the next prompt's history can draw on: active
	// chunk tokens plus the recent turns under the tokenize threshold.
	ActiveTokens int `json:"active_tokens"`

	// TotalTokens counts every stored turn, archived included.
	TotalTokens int `json:"total_tokens"`

	ActiveChunks      int `json:"active_chunks"`
	ActiveChunkTokens int `json:"active_chunk_tokens"`
	ActiveTurns       int `json:"active_turns"`
	ActiveTurnTokens  int `json:"active_turn_tokens"`
	TotalTurns        int `json:"total_turns"`

	DeepMemoryTokens int `json:"deep_memory_tokens"`
}

// BudgetReport computes the memory budget breakdown for a game. Recent
// turns accumulate newest first until the tokenize threshold; chunks are
// capped at the tier's active window.
func (c *Compactor) BudgetReport(ctx context.Context, gameID string, d settings.Directives) (*Budget, error) {
	all, err := c.store.AllTurns(ctx, gameID)
	if err != nil {
		return nil, err
	}

	chunks, err := c.store.ActiveChunks(ctx, c.store.DB(), gameID)
	if err != nil {
		return nil, err
	}
	if d.MaxActiveChunks > 0 && len(chunks) > d.MaxActiveChunks {
		chunks = chunks[len(chunks)-d.MaxActiveChunks:]
	}

	game, err := c.store.GetGame(ctx, gameID, "")
	if err != nil {
		return nil, err
	}

	b := &Budget{TotalTurns: len(all), DeepMemoryTokens: game.DeepMem.TokenCount}

	var active []int
	for _, t := range all {
		count := 0
		if t.TokenCount != nil {
			count = *t.TokenCount
		}
		b.TotalTokens += count
		if !t.Archived {
			active = append(active, count)
		}
	}

	// Newest turns first, stopping at the threshold.
	for i := len(active) - 1; i >= 0; i-- {
		if b.ActiveTurnTokens+active[i] > d.TokenizeThreshold {
			break
		}
		b.ActiveTurnTokens += active[i]
		b.ActiveTurns++
	}

	b.ActiveChunks = len(chunks)
	for _, chunk := range chunks {
		b.ActiveChunkTokens += chunk.TokenCount
	}

	b.ActiveTokens = b.ActiveChunkTokens + b.ActiveTurnTokens
	return b, nil
}
