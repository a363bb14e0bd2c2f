package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fablehost/fable/pkg/tokens"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	counter, err := tokens.NewCounter("gpt-4o")
	require.NoError(t, err)

	s, err := New(db, "sqlite", counter)
	require.NoError(t, err)
	return s
}

func newTestGame(t *testing.T, s *Store) *SavedGame {
	t.Helper()
	g := &SavedGame{
		ID:     uuid.NewString(),
		UserID: "user-1",
		Player: "Sarah, a wasteland scavenger",
		Rating: "mature",
		Tier:   "basic",
	}
	require.NoError(t, s.CreateGame(context.Background(), g))
	return g
}

func TestGetGameOwnership(t *testing.T) {
	s := newTestStore(t)
	g := newTestGame(t, s)
	ctx := context.Background()

	loaded, err := s.GetGame(ctx, g.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, g.Player, loaded.Player)

	_, err = s.GetGame(ctx, g.ID, "intruder")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = s.GetGame(ctx, "missing", "user-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppendTurnSequencing(t *testing.T) {
	s := newTestStore(t)
	g := newTestGame(t, s)
	ctx := context.Background()

	t1, err := s.AppendTurn(ctx, s.DB(), g.ID, RoleUser, "I open the door.")
	require.NoError(t, err)
	t2, err := s.AppendTurn(ctx, s.DB(), g.ID, RoleAI, "The door creaks open.")
	require.NoError(t, err)

	assert.Equal(t, int64(1), t1.Seq)
	assert.Equal(t, int64(2), t2.Seq)
	assert.Nil(t, t1.TokenCount, "token count stays NULL until backfill")

	turns, err := s.ActiveTurns(ctx, s.DB(), g.ID)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, RoleUser, turns[0].Role)
}

func TestRecentTurnsLimit(t *testing.T) {
	s := newTestStore(t)
	g := newTestGame(t, s)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.AppendTurn(ctx, s.DB(), g.ID, RoleAI, "turn")
		require.NoError(t, err)
	}

	turns, err := s.RecentTurns(ctx, g.ID, 3)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	// Newest window, oldest first.
	assert.Equal(t, int64(3), turns[0].Seq)
	assert.Equal(t, int64(5), turns[2].Seq)
}

func TestEnsureTokenCounts(t *testing.T) {
	s := newTestStore(t)
	g := newTestGame(t, s)
	ctx := context.Background()

	_, err := s.AppendTurn(ctx, s.DB(), g.ID, RoleUser, "I search the shelves.")
	require.NoError(t, err)
	_, err = s.AppendTurn(ctx, s.DB(), g.ID, RoleAI, "Dust motes swirl in the torchlight.")
	require.NoError(t, err)

	filled, err := s.EnsureTokenCounts(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, filled)

	turns, err := s.ActiveTurns(ctx, s.DB(), g.ID)
	require.NoError(t, err)
	for _, turn := range turns {
		require.NotNil(t, turn.TokenCount)
		assert.Greater(t, *turn.TokenCount, 0)
	}

	// Second pass has nothing to do.
	filled, err = s.EnsureTokenCounts(ctx, g.ID)
	require.NoError(t, err)
	assert.Zero(t, filled)
}

func TestUpdateTurnBodyRecountsTokens(t *testing.T) {
	s := newTestStore(t)
	g := newTestGame(t, s)
	ctx := context.Background()

	turn, err := s.AppendTurn(ctx, s.DB(), g.ID, RoleAI, "short")
	require.NoError(t, err)

	longer := "A much longer passage of narration that should count more tokens."
	require.NoError(t, s.UpdateTurnBody(ctx, g.ID, turn.ID, longer))

	loaded, err := s.GetTurn(ctx, g.ID, turn.ID)
	require.NoError(t, err)
	assert.Equal(t, longer, loaded.Body)
	require.NotNil(t, loaded.TokenCount)
	assert.Greater(t, *loaded.TokenCount, 1)
}

func TestArchiveTurnsExcludesFromActive(t *testing.T) {
	s := newTestStore(t)
	g := newTestGame(t, s)
	ctx := context.Background()

	t1, err := s.AppendTurn(ctx, s.DB(), g.ID, RoleUser, "first")
	require.NoError(t, err)
	_, err = s.AppendTurn(ctx, s.DB(), g.ID, RoleAI, "second")
	require.NoError(t, err)

	count := 3
	t1.TokenCount = &count
	require.NoError(t, s.ArchiveTurns(ctx, s.DB(), g.ID, []RawTurn{*t1}))

	turns, err := s.ActiveTurns(ctx, s.DB(), g.ID)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, int64(2), turns[0].Seq)
}

func TestChunkLifecycle(t *testing.T) {
	s := newTestStore(t)
	g := newTestGame(t, s)
	ctx := context.Background()

	c1 := &SummaryChunk{GameID: g.ID, Body: "They crossed the ridge.", TokenCount: 6, StartIndex: 1, EndIndex: 4, Refs: []int64{1, 2, 3, 4}}
	require.NoError(t, s.InsertChunk(ctx, s.DB(), c1))
	c2 := &SummaryChunk{GameID: g.ID, Body: "The storm broke at dusk.", TokenCount: 7, StartIndex: 5, EndIndex: 8, Refs: []int64{5, 6, 7, 8}}
	require.NoError(t, s.InsertChunk(ctx, s.DB(), c2))

	assert.Equal(t, int64(1), c1.Seq)
	assert.Equal(t, int64(2), c2.Seq)

	c2.Body = "The storm broke at dusk and passed by dawn."
	c2.TokenCount = 11
	c2.EndIndex = 10
	c2.Refs = append(c2.Refs, 9, 10)
	require.NoError(t, s.UpdateChunk(ctx, s.DB(), c2))

	require.NoError(t, s.MarkChunksCompacted(ctx, s.DB(), g.ID, []int64{c1.ID}))

	active, err := s.ActiveChunks(ctx, s.DB(), g.ID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, c2.ID, active[0].ID)
	assert.Equal(t, int64(10), active[0].EndIndex)
	assert.Equal(t, []int64{5, 6, 7, 8, 9, 10}, active[0].Refs)

	require.NoError(t, s.DeleteChunk(ctx, s.DB(), c2.ID))
	active, err = s.ActiveChunks(ctx, s.DB(), g.ID)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestUpdateDeepMemory(t *testing.T) {
	s := newTestStore(t)
	g := newTestGame(t, s)
	ctx := context.Background()

	dm := DeepMemory{Body: "Long ago the party fled the burning city.", TokenCount: 10, ChunksMerged: 4, LastMergedEndIndex: 20}
	require.NoError(t, s.UpdateDeepMemory(ctx, s.DB(), g.ID, dm))

	loaded, err := s.GetGame(ctx, g.ID, g.UserID)
	require.NoError(t, err)
	assert.Equal(t, dm, loaded.DeepMem)
}

func TestPutWorldEnforcesTokenCap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w := &World{ID: uuid.NewString(), UserID: "user-1", Name: "Wasteland", Description: "A ruined world of rust and ash."}
	require.NoError(t, s.PutWorld(ctx, w, 1000))
	assert.Greater(t, w.TokenCount, 0)

	w.Description = "word word word word word word word word word word"
	err := s.PutWorld(ctx, w, 3)
	var tooLarge *WorldTooLargeError
	require.ErrorAs(t, err, &tooLarge)
	assert.Equal(t, 3, tooLarge.Limit)
}

func TestUserTierDefaultsToBasic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tier, err := s.UserTier(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, "basic", tier)

	require.NoError(t, s.PutUserTier(ctx, "vip", "elite"))
	tier, err = s.UserTier(ctx, "vip")
	require.NoError(t, err)
	assert.Equal(t, "elite", tier)
}
