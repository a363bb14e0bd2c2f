// Package pipeline orchestrates the story turn and lore lookup flows:
// settings resolution, prompt assembly, queued generation, response
// sanitization, persistence, and memory compaction.
package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fablehost/fable/pkg/memory"
	"github.com/fablehost/fable/pkg/model"
	"github.com/fablehost/fable/pkg/observability"
	"github.com/fablehost/fable/pkg/prompt"
	"github.com/fablehost/fable/pkg/settings"
	"github.com/fablehost/fable/pkg/store"
	"github.com/fablehost/fable/pkg/tokens"
)

// maxBlankRetries bounds regeneration when sanitization leaves nothing.
// Only blank output retries; model errors surface immediately.
const maxBlankRetries = 15

// ErrBlankGeneration reports that every attempt sanitized down to nothing.
var ErrBlankGeneration = errors.New("model produced no usable story text")

// Generator performs one queued model call. Satisfied by *model.Adapter.
type Generator interface {
	Generate(ctx context.Context, promptText string, opts model.Options) (string, error)
}

// Story runs the per-turn narrative flow.
type Story struct {
	store     *store.Store
	settings  *settings.Provider
	gen       Generator
	counter   *tokens.Counter
	compactor *memory.Compactor
	locks     *lockRegistry
}

// NewStory wires the story pipeline.
func NewStory(st *store.Store, sp *settings.Provider, gen Generator, counter *tokens.Counter, compactor *memory.Compactor) *Story {
	return &Story{
		store:     st,
		settings:  sp,
		gen:       gen,
		counter:   counter,
		compactor: compactor,
		locks:     newLockRegistry(),
	}
}

// TurnRequest is one player turn.
type TurnRequest struct {
	GameID string
	UserID string

	// Action is the player's input; empty means "continue naturally".
	Action string
	Mode   prompt.ActionMode

	// StoryPreface optionally opens a brand-new story.
	StoryPreface string

	// PlayerGender annotates the player line when set.
	PlayerGender string
}

// TurnResult is the stored outcome of a turn.
type TurnResult struct {
	RequestID    string
	Text         string
	PromptTokens int
	UserTurnID   int64
	AITurnID     int64
}

// Turn processes one player turn under the per-game lock: assemble the
// prompt, generate (retrying blank output), sanitize, persist both turns,
// and run memory compaction.
func (s *Story) Turn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	requestID := uuid.NewString()

	lock := s.locks.forGame(req.GameID)
	lock.Lock()
	defer lock.Unlock()

	d, err := s.settings.Get(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	game, err := s.store.GetGame(ctx, req.GameID, req.UserID)
	if err != nil {
		return nil, err
	}

	if _, err := s.store.EnsureTokenCounts(ctx, game.ID); err != nil {
		return nil, err
	}

	in, err := s.buildStoryInput(ctx, game, req, d)
	if err != nil {
		return nil, err
	}

	promptText, err := prompt.AssembleStory(s.counter, *in)
	if err != nil {
		observability.TurnsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	promptTokens := s.counter.Count(promptText)
	observability.PromptTokens.WithLabelValues("story").Observe(float64(promptTokens))

	text, err := s.generateStory(ctx, promptText, in.Splitter, d)
	if err != nil {
		observability.TurnsTotal.WithLabelValues(outcomeLabel(err)).Inc()
		return nil, err
	}

	result := &TurnResult{RequestID: requestID, Text: text, PromptTokens: promptTokens}
	return s.persistTurn(ctx, game, req, d, result)
}

// generateStory calls the model, sanitizing each attempt and retrying only
// when the cleaned output is empty.
func (s *Story) generateStory(ctx context.Context, promptText, splitter string, d settings.Directives) (string, error) {
	opts := model.StoryOptions(d.ReservedForGeneration, d.StopTokens)

	for attempt := 1; attempt <= maxBlankRetries; attempt++ {
		start := time.Now()
		raw, err := s.gen.Generate(ctx, promptText, opts)
		observability.ModelCallDuration.WithLabelValues("story").Observe(time.Since(start).Seconds())
		if err != nil {
			observability.ModelCallsTotal.WithLabelValues("story", "error").Inc()
			return "", err
		}
		observability.ModelCallsTotal.WithLabelValues("story", "ok").Inc()

		text := SanitizeStory(raw, splitter, d.StopTokens)
		if text != "" {
			return text, nil
		}
		slog.Debug("blank story output, retrying", "attempt", attempt)
	}
	return "", ErrBlankGeneration
}

func (s *Story) buildStoryInput(ctx context.Context, game *store.SavedGame, req TurnRequest, d settings.Directives) (*prompt.StoryInput, error) {
	var universeName, universeLore string
	if game.WorldID != "" {
		world, err := s.store.GetWorld(ctx, game.WorldID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if world != nil {
			universeName, universeLore = world.Name, world.Description
		}
	}

	chunks, err := s.store.ActiveChunks(ctx, s.store.DB(), game.ID)
	if err != nil {
		return nil, err
	}
	turns, err := s.store.RecentTurns(ctx, game.ID, d.RecentMemoryLimit)
	if err != nil {
		return nil, err
	}

	chunkItems := make([]prompt.HistoryItem, len(chunks))
	for i, c := range chunks {
		chunkItems[i] = prompt.HistoryItem{Body: c.Body}
	}
	turnItems := make([]prompt.HistoryItem, len(turns))
	for i, t := range turns {
		turnItems[i] = prompt.HistoryItem{Body: t.Body}
	}

	return &prompt.StoryInput{
		NarratorDirectives: d.StorytellerPrompt,
		UniverseName:       universeName,
		UniverseLore:       universeLore,
		StoryPreface:       req.StoryPreface,
		PlayerName:         game.Player,
		PlayerGender:       req.PlayerGender,
		Rating:             game.Rating,
		DeepMemory:         game.DeepMem.Body,
		Chunks:             chunkItems,
		Turns:              turnItems,
		Action:             req.Action,
		Mode:               req.Mode,
		Splitter:           StorySplitter(game.Rating),
		SafePromptLimit:    d.SafePromptLimit(),
		MaxActiveChunks:    d.MaxActiveChunks,
		RecentMemoryLimit:  d.RecentMemoryLimit,
	}, nil
}

func (s *Story) persistTurn(ctx context.Context, game *store.SavedGame, req TurnRequest, d settings.Directives, result *TurnResult) (*TurnResult, error) {
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if strings.TrimSpace(req.Action) != "" && req.Mode != prompt.ModeNone {
			userTurn, err := s.store.AppendTurn(ctx, tx, game.ID, store.RoleUser, req.Action)
			if err != nil {
				return err
			}
			result.UserTurnID = userTurn.ID
		}
		aiTurn, err := s.store.AppendTurn(ctx, tx, game.ID, store.RoleAI, result.Text)
		if err != nil {
			return err
		}
		result.AITurnID = aiTurn.ID
		return s.store.TouchGame(ctx, tx, game.ID)
	})
	if err != nil {
		observability.TurnsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	if err := s.compactor.OnAppend(ctx, game.ID, d); err != nil {
		observability.TurnsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("compacting after turn: %w", err)
	}

	observability.TurnsTotal.WithLabelValues("ok").Inc()
	slog.Info("turn generated",
		"request_id", result.RequestID,
		"game_id", game.ID,
		"prompt_tokens", result.PromptTokens,
	)
	return result, nil
}

// Summarize condenses story entries into a chunk-sized summary, with the
// previous summary as do-not-repeat context.
func (s *Story) Summarize(ctx context.Context, userID string, entries []string, previousSummary string) (string, error) {
	d, err := s.settings.Get(ctx, userID)
	if err != nil {
		return "", err
	}

	text := prompt.BuildSummary(s.counter, prompt.SummaryInput{
		Entries:         entries,
		PreviousSummary: previousSummary,
		SplitMarker:     d.SummarySplitMarker,
		SafePromptLimit: d.SafePromptLimit(),
	})
	observability.PromptTokens.WithLabelValues("summary").Observe(float64(s.counter.Count(text)))

	raw, err := s.gen.Generate(ctx, text, model.SummaryOptions(d.ChunkMaxTokens))
	if err != nil {
		observability.ModelCallsTotal.WithLabelValues("summary", "error").Inc()
		return "", err
	}
	observability.ModelCallsTotal.WithLabelValues("summary", "ok").Inc()
	return prompt.StripSplitMarker(raw, d.SummarySplitMarker), nil
}

// DeepSummarize compresses summaries into a deep-memory digest.
func (s *Story) DeepSummarize(ctx context.Context, userID string, summaries []string) (string, error) {
	d, err := s.settings.Get(ctx, userID)
	if err != nil {
		return "", err
	}

	text := prompt.BuildDeepCompression(s.counter, summaries, d.SummarySplitMarker, d.SafePromptLimit())
	observability.PromptTokens.WithLabelValues("deep").Observe(float64(s.counter.Count(text)))

	raw, err := s.gen.Generate(ctx, text, model.LookupOptions(d.DeepMemoryMaxTokens))
	if err != nil {
		observability.ModelCallsTotal.WithLabelValues("deep", "error").Inc()
		return "", err
	}
	observability.ModelCallsTotal.WithLabelValues("deep", "ok").Inc()
	return prompt.StripSplitMarker(raw, d.SummarySplitMarker), nil
}

// StorySplitter derives the continuation marker from the game rating. The
// same marker closes the prompt and anchors response sanitization.
func StorySplitter(rating string) string {
	rating = strings.TrimSpace(rating)
	if rating == "" {
		return "###"
	}
	return fmt.Sprintf("# Continue the %s story after the player action.", rating)
}

func outcomeLabel(err error) string {
	if errors.Is(err, ErrBlankGeneration) {
		return "blank"
	}
	return "error"
}
