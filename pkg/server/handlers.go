package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/fablehost/fable/pkg/pipeline"
	"github.com/fablehost/fable/pkg/prompt"
)

// userHeader carries the caller identity. Authentication itself lives in
// front of this service.
const userHeader = "X-User-ID"

type turnRequest struct {
	GameID       string `json:"game_id"`
	Action       string `json:"action"`
	Mode         string `json:"mode"`
	StoryPreface string `json:"story_preface,omitempty"`
	PlayerGender string `json:"player_gender,omitempty"`
}

type turnResponse struct {
	RequestID    string `json:"request_id"`
	Text         string `json:"text"`
	PromptTokens int    `json:"prompt_tokens"`
	UserTurnID   int64  `json:"user_turn_id,omitempty"`
	AITurnID     int64  `json:"ai_turn_id"`
}

func (s *Server) handleTurnGenerate(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.GameID == "" {
		writeError(w, badRequestf("game_id is required"))
		return
	}
	mode, err := parseMode(req.Mode)
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := s.deps.Story.Turn(r.Context(), pipeline.TurnRequest{
		GameID:       req.GameID,
		UserID:       userID(r),
		Action:       req.Action,
		Mode:         mode,
		StoryPreface: req.StoryPreface,
		PlayerGender: req.PlayerGender,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, turnResponse{
		RequestID:    res.RequestID,
		Text:         res.Text,
		PromptTokens: res.PromptTokens,
		UserTurnID:   res.UserTurnID,
		AITurnID:     res.AITurnID,
	})
}

type summarizeRequest struct {
	Entries         []string `json:"entries"`
	PreviousSummary string   `json:"previous_summary,omitempty"`
}

func (s *Server) handleSummarize(w http.ResponseWriter, r *http.Request) {
	var req summarizeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Entries) == 0 {
		writeError(w, badRequestf("entries are required"))
		return
	}

	summary, err := s.deps.Story.Summarize(r.Context(), userID(r), req.Entries, req.PreviousSummary)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"summary": summary})
}

type deepSummarizeRequest struct {
	Summaries []string `json:"summaries"`
}

func (s *Server) handleDeepSummarize(w http.ResponseWriter, r *http.Request) {
	var req deepSummarizeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Summaries) == 0 {
		writeError(w, badRequestf("summaries are required"))
		return
	}

	summary, err := s.deps.Story.DeepSummarize(r.Context(), userID(r), req.Summaries)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"summary": summary})
}

type loreRequest struct {
	Query       string `json:"query"`
	Instruction string `json:"instruction,omitempty"`
	Metadata    string `json:"metadata,omitempty"`
}

type loreResponse struct {
	RequestID string   `json:"request_id"`
	Text      string   `json:"text"`
	Sources   []string `json:"sources"`
	Failed    int      `json:"failed_sources"`
}

func (s *Server) handleLoreRetrieve(w http.ResponseWriter, r *http.Request) {
	var req loreRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, badRequestf("query is required"))
		return
	}

	res, err := s.deps.Lookup.Describe(r.Context(), pipeline.LookupRequest{
		UserID:      userID(r),
		Query:       req.Query,
		Instruction: req.Instruction,
		Metadata:    req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, loreResponse{
		RequestID: res.RequestID,
		Text:      res.Text,
		Sources:   res.Sources,
		Failed:    res.Failed,
	})
}

type countRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleTokenCount(w http.ResponseWriter, r *http.Request) {
	var req countRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"tokens": s.deps.Counter.Count(req.Text)})
}

type countBatchRequest struct {
	Texts []string `json:"texts"`
}

func (s *Server) handleTokenCountBatch(w http.ResponseWriter, r *http.Request) {
	var req countBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	counts := s.deps.Counter.CountBatch(req.Texts)
	writeJSON(w, http.StatusOK, map[string][]int{"tokens": counts})
}

func (s *Server) handleMemoryBudget(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "id")
	uid := userID(r)

	// Ownership check before reporting anything.
	if _, err := s.deps.Games.GetGame(r.Context(), gameID, uid); err != nil {
		writeError(w, err)
		return
	}

	d, err := s.deps.Settings.Get(r.Context(), uid)
	if err != nil {
		writeError(w, err)
		return
	}

	budget, err := s.deps.Budget.BudgetReport(r.Context(), gameID, d)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, budget)
}

func userID(r *http.Request) string {
	if uid := r.Header.Get(userHeader); uid != "" {
		return uid
	}
	return r.URL.Query().Get("user_id")
}

func parseMode(mode string) (prompt.ActionMode, error) {
	switch strings.ToUpper(strings.TrimSpace(mode)) {
	case "", "ACTION":
		return prompt.ModeAction, nil
	case "SPEECH":
		return prompt.ModeSpeech, nil
	case "NARRATE":
		return prompt.ModeNarrate, nil
	case "NONE":
		return prompt.ModeNone, nil
	default:
		return "", badRequestf("invalid mode %q (valid: ACTION, SPEECH, NARRATE, NONE)", mode)
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequestf("invalid request body: %s", err)
	}
	return nil
}

func badRequestf(format string, args ...any) error {
	return &badRequestError{msg: fmt.Sprintf(format, args...)}
}
