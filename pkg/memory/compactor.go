// Package memory maintains the hierarchical story memory of a saved game:
// raw turns are condensed into summary chunks, and old chunks are absorbed
// into a single deep-memory digest.
//
// Compaction is best effort. A failed summarization call leaves the game
// exactly as it was; raw turns stay active and the next append tries again.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fablehost/fable/pkg/model"
	"github.com/fablehost/fable/pkg/observability"
	"github.com/fablehost/fable/pkg/prompt"
	"github.com/fablehost/fable/pkg/settings"
	"github.com/fablehost/fable/pkg/store"
	"github.com/fablehost/fable/pkg/tokens"
)

// mergeUtilization is the fill ratio below which new material merges into
// the newest chunk instead of opening a new one.
const mergeUtilization = 0.9

// Generator performs one queued model call. Satisfied by *model.Adapter.
type Generator interface {
	Generate(ctx context.Context, promptText string, opts model.Options) (string, error)
}

// Compactor applies memory maintenance after history mutations.
type Compactor struct {
	store   *store.Store
	gen     Generator
	counter *tokens.Counter
}

// NewCompactor creates a Compactor over the given store and generator.
func NewCompactor(st *store.Store, gen Generator, counter *tokens.Counter) *Compactor {
	return &Compactor{store: st, gen: gen, counter: counter}
}

// OnAppend runs after a turn is appended: backfills token counts, then
// summarizes active turns into a chunk once their token sum crosses the
// tier threshold, and finally compresses excess chunks into deep memory.
//
// Returns an error only for storage failures. Model failures abandon the
// pass; the unarchived turns remain eligible on the next append.
func (c *Compactor) OnAppend(ctx context.Context, gameID string, d settings.Directives) error {
	if _, err := c.store.EnsureTokenCounts(ctx, gameID); err != nil {
		return err
	}

	turns, err := c.store.ActiveTurns(ctx, c.store.DB(), gameID)
	if err != nil {
		return err
	}
	if len(turns) == 0 {
		return nil
	}

	total := 0
	for _, t := range turns {
		if t.TokenCount != nil {
			total += *t.TokenCount
		}
	}
	if total < d.TokenizeThreshold {
		return nil
	}

	if err := c.summarizeTurns(ctx, gameID, turns, d); err != nil {
		return err
	}
	return c.compressDeep(ctx, gameID, d)
}

// summarizeTurns condenses the active turns into the newest chunk (merge)
// or a fresh one. The newest chunk's summary is passed as context either
// way so the model summarizes only the new material.
func (c *Compactor) summarizeTurns(ctx context.Context, gameID string, turns []store.RawTurn, d settings.Directives) error {
	chunks, err := c.store.ActiveChunks(ctx, c.store.DB(), gameID)
	if err != nil {
		return err
	}

	var latest *store.SummaryChunk
	if len(chunks) > 0 {
		latest = &chunks[len(chunks)-1]
	}

	previous := ""
	if latest != nil {
		previous = latest.Body
	}

	bodies := make([]string, len(turns))
	turnIDs := make([]int64, len(turns))
	for i, t := range turns {
		bodies[i] = t.Body
		turnIDs[i] = t.ID
	}

	text := prompt.BuildSummary(c.counter, prompt.SummaryInput{
		Entries:         bodies,
		PreviousSummary: previous,
		SplitMarker:     d.SummarySplitMarker,
		SafePromptLimit: d.SafePromptLimit(),
	})

	raw, err := c.generate(ctx, text, model.SummaryOptions(d.ChunkMaxTokens))
	if err != nil {
		slog.Warn("chunk summarization abandoned", "game_id", gameID, "error", err)
		observability.CompactionsTotal.WithLabelValues("chunk", "abandoned").Inc()
		return nil
	}

	summary := prompt.StripSplitMarker(raw, d.SummarySplitMarker)
	if summary == "" {
		slog.Warn("chunk summarization produced empty output", "game_id", gameID)
		return nil
	}
	summaryTokens := c.counter.Count(summary)

	merge := latest != nil &&
		float64(latest.TokenCount) < mergeUtilization*float64(d.ChunkMaxTokens)
	if merge {
		combined := summary
		combinedTokens := summaryTokens
		if strings.TrimSpace(latest.Body) != "" {
			combined = latest.Body + "\n" + summary
			combinedTokens = latest.TokenCount + summaryTokens
		}
		if combinedTokens > d.ChunkMaxTokens {
			// The merged chunk would blow its cap; open a new one instead.
			merge = false
		} else {
			summary = combined
			summaryTokens = combinedTokens
		}
	}

	observability.CompactionsTotal.WithLabelValues("chunk", "ok").Inc()

	return c.store.WithTx(ctx, func(tx *sql.Tx) error {
		if merge {
			latest.Body = summary
			latest.TokenCount = summaryTokens
			latest.EndIndex = turns[len(turns)-1].Seq
			latest.Refs = append(latest.Refs, turnIDs...)
			if err := c.store.UpdateChunk(ctx, tx, latest); err != nil {
				return err
			}
		} else {
			chunk := &store.SummaryChunk{
				GameID:     gameID,
				Body:       summary,
				TokenCount: summaryTokens,
				StartIndex: turns[0].Seq,
				EndIndex:   turns[len(turns)-1].Seq,
				Refs:       turnIDs,
			}
			if err := c.store.InsertChunk(ctx, tx, chunk); err != nil {
				return err
			}
		}
		return c.store.ArchiveTurns(ctx, tx, gameID, turns)
	})
}

// compressDeep absorbs the oldest chunks into deep memory when the active
// chunk count exceeds the tier limit. The pass takes the excess plus two
// more so compression does not retrigger on every append.
func (c *Compactor) compressDeep(ctx context.Context, gameID string, d settings.Directives) error {
	chunks, err := c.store.ActiveChunks(ctx, c.store.DB(), gameID)
	if err != nil {
		return err
	}
	if len(chunks) <= d.MaxActiveChunks {
		return nil
	}

	excess := len(chunks) - d.MaxActiveChunks + 2
	if excess > len(chunks) {
		excess = len(chunks)
	}
	old := chunks[:excess]

	game, err := c.store.GetGame(ctx, gameID, "")
	if err != nil {
		return err
	}

	var summaries []string
	if game.DeepMem.Body != "" {
		summaries = append(summaries, game.DeepMem.Body)
	}
	for _, chunk := range old {
		summaries = append(summaries, chunk.Body)
	}

	text := prompt.BuildDeepCompression(c.counter, summaries, d.SummarySplitMarker, d.SafePromptLimit())

	raw, err := c.generate(ctx, text, model.LookupOptions(d.DeepMemoryMaxTokens))
	if err != nil {
		slog.Warn("deep compression abandoned", "game_id", gameID, "error", err)
		observability.CompactionsTotal.WithLabelValues("deep", "abandoned").Inc()
		return nil
	}

	deep := prompt.StripSplitMarker(raw, d.SummarySplitMarker)
	if deep == "" {
		slog.Warn("deep compression produced empty output", "game_id", gameID)
		return nil
	}

	dm := store.DeepMemory{
		Body:               deep,
		TokenCount:         c.counter.Count(deep),
		ChunksMerged:       game.DeepMem.ChunksMerged + len(old),
		LastMergedEndIndex: old[len(old)-1].EndIndex,
	}

	ids := make([]int64, len(old))
	for i, chunk := range old {
		ids[i] = chunk.ID
	}

	observability.CompactionsTotal.WithLabelValues("deep", "ok").Inc()
	slog.Info("deep memory compression",
		"game_id", gameID,
		"chunks_compressed", len(old),
		"deep_tokens", dm.TokenCount,
	)

	return c.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := c.store.UpdateDeepMemory(ctx, tx, gameID, dm); err != nil {
			return err
		}
		return c.store.MarkChunksCompacted(ctx, tx, gameID, ids)
	})
}

// OnEdit rewrites a turn's text and recounts it. Summaries already derived
// from the old text are intentionally left alone.
func (c *Compactor) OnEdit(ctx context.Context, gameID string, turnID int64, body string) error {
	return c.store.UpdateTurnBody(ctx, gameID, turnID, body)
}

// OnDelete removes a turn and prunes it from any chunk that references it.
// A chunk left with no refs is deleted; deep memory is never revised.
func (c *Compactor) OnDelete(ctx context.Context, gameID string, turnID int64) error {
	return c.store.WithTx(ctx, func(tx *sql.Tx) error {
		turn, err := c.store.DeleteTurn(ctx, tx, gameID, turnID)
		if err != nil {
			return err
		}

		chunks, err := c.store.ActiveChunks(ctx, tx, gameID)
		if err != nil {
			return err
		}
		for i := range chunks {
			chunk := &chunks[i]
			if !chunk.HasRef(turn.ID) {
				continue
			}
			chunk.RemoveRef(turn.ID)
			if len(chunk.Refs) == 0 {
				if err := c.store.DeleteChunk(ctx, tx, chunk.ID); err != nil {
					return err
				}
				continue
			}
			if err := c.store.UpdateChunk(ctx, tx, chunk); err != nil {
				return err
			}
		}
		return nil
	})
}

// generate calls the model once and retries a failure once.
func (c *Compactor) generate(ctx context.Context, text string, opts model.Options) (string, error) {
	out, err := c.gen.Generate(ctx, text, opts)
	if err == nil {
		return out, nil
	}
	out, retryErr := c.gen.Generate(ctx, text, opts)
	if retryErr != nil {
		return "", fmt.Errorf("after retry: %w", retryErr)
	}
	return out, nil
}
