package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fablehost/fable/pkg/memory"
	"github.com/fablehost/fable/pkg/model"
	"github.com/fablehost/fable/pkg/prompt"
	"github.com/fablehost/fable/pkg/settings"
	"github.com/fablehost/fable/pkg/store"
	"github.com/fablehost/fable/pkg/tokens"
)

// scriptedGen returns canned responses in order and records prompts.
type scriptedGen struct {
	responses []string
	prompts   []string
	err       error
}

func (g *scriptedGen) Generate(ctx context.Context, promptText string, opts model.Options) (string, error) {
	g.prompts = append(g.prompts, promptText)
	if g.err != nil {
		return "", g.err
	}
	if len(g.responses) == 0 {
		return "", errors.New("script exhausted")
	}
	resp := g.responses[0]
	if len(g.responses) > 1 {
		g.responses = g.responses[1:]
	}
	return resp, nil
}

type staticTiers struct{}

func (staticTiers) UserTier(ctx context.Context, userID string) (string, error) {
	return "basic", nil
}

func newStoryPipeline(t *testing.T, gen Generator) (*Story, *store.Store) {
	t.Helper()

	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	counter, err := tokens.NewCounter("gpt-4o")
	require.NoError(t, err)

	st, err := store.New(db, "sqlite", counter)
	require.NoError(t, err)

	sp := settings.NewProvider(staticTiers{}, nil)
	compactor := memory.NewCompactor(st, gen, counter)
	return NewStory(st, sp, gen, counter, compactor), st
}

func createGame(t *testing.T, st *store.Store) *store.SavedGame {
	t.Helper()
	g := &store.SavedGame{
		ID:     uuid.NewString(),
		UserID: "user-1",
		Player: "Sarah",
		Rating: "mature",
		Tier:   "basic",
	}
	require.NoError(t, st.CreateGame(context.Background(), g))
	return g
}

func TestTurnPersistsBothTurns(t *testing.T) {
	gen := &scriptedGen{responses: []string{"The hatch groaned open and stale air rushed out."}}
	p, st := newStoryPipeline(t, gen)
	g := createGame(t, st)
	ctx := context.Background()

	res, err := p.Turn(ctx, TurnRequest{
		GameID: g.ID,
		UserID: "user-1",
		Action: "I pry open the hatch.",
		Mode:   prompt.ModeAction,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, res.RequestID)
	assert.Equal(t, "The hatch groaned open and stale air rushed out.", res.Text)
	assert.Positive(t, res.PromptTokens)
	assert.NotZero(t, res.UserTurnID)
	assert.NotZero(t, res.AITurnID)

	turns, err := st.ActiveTurns(ctx, st.DB(), g.ID)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, store.RoleUser, turns[0].Role)
	assert.Equal(t, "I pry open the hatch.", turns[0].Body)
	assert.Equal(t, store.RoleAI, turns[1].Role)

	require.Len(t, gen.prompts, 1)
	assert.Contains(t, gen.prompts[0], "# Player Action: I pry open the hatch.")
	assert.Contains(t, gen.prompts[0], StorySplitter("mature"))
}

func TestTurnNoActionAppendsOnlyAITurn(t *testing.T) {
	gen := &scriptedGen{responses: []string{"Time passed quietly in the shelter."}}
	p, st := newStoryPipeline(t, gen)
	g := createGame(t, st)
	ctx := context.Background()

	res, err := p.Turn(ctx, TurnRequest{GameID: g.ID, UserID: "user-1", Mode: prompt.ModeNone})
	require.NoError(t, err)
	assert.Zero(t, res.UserTurnID)
	assert.NotZero(t, res.AITurnID)

	turns, err := st.ActiveTurns(ctx, st.DB(), g.ID)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, store.RoleAI, turns[0].Role)
}

func TestTurnOwnershipEnforced(t *testing.T) {
	gen := &scriptedGen{responses: []string{"unused"}}
	p, st := newStoryPipeline(t, gen)
	g := createGame(t, st)

	_, err := p.Turn(context.Background(), TurnRequest{
		GameID: g.ID, UserID: "intruder", Action: "steal", Mode: prompt.ModeAction,
	})
	assert.ErrorIs(t, err, store.ErrForbidden)
	assert.Empty(t, gen.prompts, "no model call for a forbidden game")
}

func TestTurnRetriesBlankOutput(t *testing.T) {
	gen := &scriptedGen{responses: []string{
		"Chapter 1.1:\n",
		"   ",
		"She finally spoke.",
	}}
	p, st := newStoryPipeline(t, gen)
	g := createGame(t, st)

	res, err := p.Turn(context.Background(), TurnRequest{
		GameID: g.ID, UserID: "user-1", Action: "wait", Mode: prompt.ModeAction,
	})
	require.NoError(t, err)
	assert.Equal(t, "She finally spoke.", res.Text)
	assert.Len(t, gen.prompts, 3)
}

func TestTurnAllBlankFails(t *testing.T) {
	gen := &scriptedGen{responses: []string{"   "}}
	p, st := newStoryPipeline(t, gen)
	g := createGame(t, st)
	ctx := context.Background()

	_, err := p.Turn(ctx, TurnRequest{
		GameID: g.ID, UserID: "user-1", Action: "wait", Mode: prompt.ModeAction,
	})
	assert.ErrorIs(t, err, ErrBlankGeneration)
	assert.Len(t, gen.prompts, maxBlankRetries)

	turns, err := st.ActiveTurns(ctx, st.DB(), g.ID)
	require.NoError(t, err)
	assert.Empty(t, turns, "nothing persisted when generation stays blank")
}

func TestTurnSanitizesSplitterEcho(t *testing.T) {
	splitter := StorySplitter("mature")
	gen := &scriptedGen{responses: []string{"echoed prompt\n" + splitter + "\nNarrator: The real text."}}
	p, st := newStoryPipeline(t, gen)
	g := createGame(t, st)

	res, err := p.Turn(context.Background(), TurnRequest{
		GameID: g.ID, UserID: "user-1", Action: "look", Mode: prompt.ModeAction,
	})
	require.NoError(t, err)
	assert.Equal(t, "The real text.", res.Text)
}

func TestTurnUsesWorldLore(t *testing.T) {
	gen := &scriptedGen{responses: []string{"The barons watched from their towers."}}
	p, st := newStoryPipeline(t, gen)
	ctx := context.Background()

	world := &store.World{
		ID: uuid.NewString(), UserID: "user-1",
		Name: "The Rust Belt", Description: "A drowned industrial world.",
	}
	require.NoError(t, st.PutWorld(ctx, world, 0))

	g := &store.SavedGame{
		ID: uuid.NewString(), UserID: "user-1", WorldID: world.ID,
		Player: "Sarah", Rating: "mature", Tier: "basic",
	}
	require.NoError(t, st.CreateGame(ctx, g))

	_, err := p.Turn(ctx, TurnRequest{GameID: g.ID, UserID: "user-1", Action: "look", Mode: prompt.ModeAction})
	require.NoError(t, err)

	require.Len(t, gen.prompts, 1)
	assert.Contains(t, gen.prompts[0], "# Universe: The Rust Belt\nA drowned industrial world.")
}

func TestSummarizeStripsMarker(t *testing.T) {
	marker := settings.Basic().SummarySplitMarker
	gen := &scriptedGen{responses: []string{"echo\n" + marker + "\nKey found, door opened."}}
	p, _ := newStoryPipeline(t, gen)

	out, err := p.Summarize(context.Background(), "user-1", []string{"She found the key.", "The door gave way."}, "")
	require.NoError(t, err)
	assert.Equal(t, "Key found, door opened.", out)
	assert.Contains(t, gen.prompts[0], "# Story Segment:")
}

func TestDeepSummarize(t *testing.T) {
	marker := settings.Basic().SummarySplitMarker
	gen := &scriptedGen{responses: []string{marker + "\nAges condensed."}}
	p, _ := newStoryPipeline(t, gen)

	out, err := p.DeepSummarize(context.Background(), "user-1", []string{"Summary one.", "Summary two."})
	require.NoError(t, err)
	assert.Equal(t, "Ages condensed.", out)
	assert.Contains(t, gen.prompts[0], "# Summaries to Compress:")
}
