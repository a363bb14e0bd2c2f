package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/fablehost/fable/pkg/model"
	"github.com/fablehost/fable/pkg/pipeline"
	"github.com/fablehost/fable/pkg/prompt"
	"github.com/fablehost/fable/pkg/retrieval"
	"github.com/fablehost/fable/pkg/store"
)

// badRequestError marks a client-side validation failure.
type badRequestError struct {
	msg string
}

func (e *badRequestError) Error() string { return e.msg }

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps a pipeline error to a status code and JSON body.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	var badReq *badRequestError
	var tooLarge *prompt.PromptTooLargeError
	var worldTooLarge *store.WorldTooLargeError
	switch {
	case errors.As(err, &badReq),
		errors.As(err, &tooLarge),
		errors.As(err, &worldTooLarge):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, model.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, model.ErrUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, retrieval.ErrAllSourcesFailed),
		errors.Is(err, pipeline.ErrBlankGeneration):
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response", "error", err)
	}
}
