package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fablehost/fable/pkg/config"
	"github.com/fablehost/fable/pkg/memory"
	"github.com/fablehost/fable/pkg/model"
	"github.com/fablehost/fable/pkg/pipeline"
	"github.com/fablehost/fable/pkg/prompt"
	"github.com/fablehost/fable/pkg/settings"
	"github.com/fablehost/fable/pkg/store"
	"github.com/fablehost/fable/pkg/tokens"
)

type fakeStory struct {
	turnRes *pipeline.TurnResult
	turnErr error
	lastReq pipeline.TurnRequest
}

func (f *fakeStory) Turn(ctx context.Context, req pipeline.TurnRequest) (*pipeline.TurnResult, error) {
	f.lastReq = req
	return f.turnRes, f.turnErr
}

func (f *fakeStory) Summarize(ctx context.Context, userID string, entries []string, prev string) (string, error) {
	return "a summary", nil
}

func (f *fakeStory) DeepSummarize(ctx context.Context, userID string, summaries []string) (string, error) {
	return "a deep summary", nil
}

type fakeLookup struct {
	res *pipeline.LookupResult
	err error
}

func (f *fakeLookup) Describe(ctx context.Context, req pipeline.LookupRequest) (*pipeline.LookupResult, error) {
	return f.res, f.err
}

type fakeBudget struct {
	budget *memory.Budget
}

func (f *fakeBudget) BudgetReport(ctx context.Context, gameID string, d settings.Directives) (*memory.Budget, error) {
	return f.budget, nil
}

type fakeGames struct {
	err error
}

func (f *fakeGames) GetGame(ctx context.Context, gameID, userID string) (*store.SavedGame, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &store.SavedGame{ID: gameID, UserID: userID}, nil
}

type staticTiers struct{}

func (staticTiers) UserTier(ctx context.Context, userID string) (string, error) {
	return "basic", nil
}

func newTestServer(t *testing.T, deps Deps) *Server {
	t.Helper()

	if deps.Settings == nil {
		deps.Settings = settings.NewProvider(staticTiers{}, nil)
	}
	if deps.Counter == nil {
		counter, err := tokens.NewCounter("gpt-4o")
		require.NoError(t, err)
		deps.Counter = counter
	}

	cfg := config.ServerConfig{Host: "127.0.0.1", Port: 8080}
	return New(cfg, deps)
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(userHeader, "user-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestTurnGenerate(t *testing.T) {
	story := &fakeStory{turnRes: &pipeline.TurnResult{
		RequestID: "req-1", Text: "The door opened.", PromptTokens: 321, AITurnID: 7,
	}}
	s := newTestServer(t, Deps{Story: story})

	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/turn/generate", map[string]any{
		"game_id": "game-1",
		"action":  "open the door",
		"mode":    "action",
	})

	require.Equal(t, http.StatusOK, rec.Code)

	var resp turnResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "The door opened.", resp.Text)
	assert.Equal(t, int64(7), resp.AITurnID)

	assert.Equal(t, "user-1", story.lastReq.UserID)
	assert.Equal(t, prompt.ModeAction, story.lastReq.Mode)
}

func TestTurnGenerateValidation(t *testing.T) {
	s := newTestServer(t, Deps{Story: &fakeStory{}})

	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/turn/generate", map[string]any{
		"action": "no game id",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s.Handler(), http.MethodPost, "/v1/turn/generate", map[string]any{
		"game_id": "game-1", "mode": "YELL",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"prompt too large", &prompt.PromptTooLargeError{Required: 5000, Limit: 3900}, http.StatusBadRequest},
		{"not found", store.ErrNotFound, http.StatusNotFound},
		{"forbidden", store.ErrForbidden, http.StatusForbidden},
		{"timeout", model.ErrTimeout, http.StatusGatewayTimeout},
		{"unavailable", model.ErrUnavailable, http.StatusServiceUnavailable},
		{"blank output", pipeline.ErrBlankGeneration, http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, Deps{Story: &fakeStory{turnErr: tt.err}})
			rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/turn/generate", map[string]any{
				"game_id": "game-1", "action": "x", "mode": "action",
			})
			assert.Equal(t, tt.want, rec.Code)

			var resp errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestSummarizeEndpoints(t *testing.T) {
	s := newTestServer(t, Deps{Story: &fakeStory{}})

	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/turn/summarize", map[string]any{
		"entries": []string{"a", "b"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"summary":"a summary"}`, rec.Body.String())

	rec = doJSON(t, s.Handler(), http.MethodPost, "/v1/turn/summarize", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "entries are required")

	rec = doJSON(t, s.Handler(), http.MethodPost, "/v1/turn/deep_summarize", map[string]any{
		"summaries": []string{"s1"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"summary":"a deep summary"}`, rec.Body.String())
}

func TestLoreRetrieve(t *testing.T) {
	s := newTestServer(t, Deps{Lookup: &fakeLookup{res: &pipeline.LookupResult{
		RequestID: "req-2", Text: "A witcher.", Sources: []string{"https://example.com"}, Failed: 0,
	}}})

	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/lore/retrieve", map[string]any{
		"query": "describe Geralt",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp loreResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "A witcher.", resp.Text)
	assert.Len(t, resp.Sources, 1)

	rec = doJSON(t, s.Handler(), http.MethodPost, "/v1/lore/retrieve", map[string]any{"query": "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTokenCountEndpoints(t *testing.T) {
	s := newTestServer(t, Deps{})

	rec := doJSON(t, s.Handler(), http.MethodPost, "/v1/tokens/count", map[string]any{
		"text": "hello world",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var single map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &single))
	assert.Positive(t, single["tokens"])

	rec = doJSON(t, s.Handler(), http.MethodPost, "/v1/tokens/count_batch", map[string]any{
		"texts": []string{"hello world", ""},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var batch map[string][]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &batch))
	require.Len(t, batch["tokens"], 2)
	assert.Equal(t, single["tokens"], batch["tokens"][0])
	assert.Zero(t, batch["tokens"][1])
}

func TestMemoryBudget(t *testing.T) {
	s := newTestServer(t, Deps{
		Budget: &fakeBudget{budget: &memory.Budget{ActiveTokens: 420, TotalTurns: 12}},
		Games:  &fakeGames{},
	})

	rec := doJSON(t, s.Handler(), http.MethodGet, "/v1/games/game-1/memory/budget", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var budget memory.Budget
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &budget))
	assert.Equal(t, 420, budget.ActiveTokens)
	assert.Equal(t, 12, budget.TotalTurns)
}

func TestMemoryBudgetForbidden(t *testing.T) {
	s := newTestServer(t, Deps{
		Budget: &fakeBudget{budget: &memory.Budget{}},
		Games:  &fakeGames{err: store.ErrForbidden},
	})

	rec := doJSON(t, s.Handler(), http.MethodGet, "/v1/games/game-1/memory/budget", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, Deps{})
	rec := doJSON(t, s.Handler(), http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
