// Package server exposes the fable pipeline over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fablehost/fable/pkg/config"
	"github.com/fablehost/fable/pkg/memory"
	"github.com/fablehost/fable/pkg/pipeline"
	"github.com/fablehost/fable/pkg/settings"
	"github.com/fablehost/fable/pkg/store"
	"github.com/fablehost/fable/pkg/tokens"
)

// StoryService is the story side of the pipeline.
type StoryService interface {
	Turn(ctx context.Context, req pipeline.TurnRequest) (*pipeline.TurnResult, error)
	Summarize(ctx context.Context, userID string, entries []string, previousSummary string) (string, error)
	DeepSummarize(ctx context.Context, userID string, summaries []string) (string, error)
}

// LookupService is the lore lookup side of the pipeline.
type LookupService interface {
	Describe(ctx context.Context, req pipeline.LookupRequest) (*pipeline.LookupResult, error)
}

// BudgetService reports a game's memory budget.
type BudgetService interface {
	BudgetReport(ctx context.Context, gameID string, d settings.Directives) (*memory.Budget, error)
}

// GameSource checks game ownership for read endpoints.
type GameSource interface {
	GetGame(ctx context.Context, gameID, userID string) (*store.SavedGame, error)
}

// Deps are the collaborators the HTTP surface needs.
type Deps struct {
	Story    StoryService
	Lookup   LookupService
	Budget   BudgetService
	Games    GameSource
	Settings *settings.Provider
	Counter  *tokens.Counter
}

// Server is the HTTP front of the pipeline.
type Server struct {
	cfg  config.ServerConfig
	deps Deps
	srv  *http.Server
}

// New builds the server and its routes.
func New(cfg config.ServerConfig, deps Deps) *Server {
	s := &Server{cfg: cfg, deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/turn/generate", s.handleTurnGenerate)
		r.Post("/turn/summarize", s.handleSummarize)
		r.Post("/turn/deep_summarize", s.handleDeepSummarize)
		r.Post("/lore/retrieve", s.handleLoreRetrieve)
		r.Post("/tokens/count", s.handleTokenCount)
		r.Post("/tokens/count_batch", s.handleTokenCountBatch)
		r.Get("/games/{id}/memory/budget", s.handleMemoryBudget)
	})

	s.srv = &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serving: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
