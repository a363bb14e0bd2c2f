package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/fablehost/fable/pkg/config"
	"github.com/fablehost/fable/pkg/memory"
	"github.com/fablehost/fable/pkg/model"
	"github.com/fablehost/fable/pkg/pipeline"
	"github.com/fablehost/fable/pkg/retrieval"
	"github.com/fablehost/fable/pkg/server"
	"github.com/fablehost/fable/pkg/settings"
	"github.com/fablehost/fable/pkg/store"
	"github.com/fablehost/fable/pkg/tokens"
)

// ServeCmd starts the HTTP server.
type ServeCmd struct {
	Port  int  `help:"Override the configured listen port."`
	Watch bool `help:"Watch the config file and reload tier settings on change."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Tier overrides are the only hot-reloadable part of the config; the
	// provider is created after the first load, so the callback captures
	// it through sp.
	var sp *settings.Provider
	cfg, loader, err := config.LoadFile(ctx, cli.Config, config.WithOnChange(func(next *config.Config) {
		if sp != nil {
			sp.UpdateTiers(next.Tiers)
		}
	}))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	defer loader.Close()

	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	if c.Watch {
		go func() {
			if err := loader.Watch(ctx); err != nil && ctx.Err() == nil {
				slog.Error("config watch failed", "error", err)
			}
		}()
	}

	counter, err := tokens.NewCounter(cfg.Model.Name)
	if err != nil {
		return fmt.Errorf("creating token counter: %w", err)
	}

	dbPool := config.NewDBPool()
	defer dbPool.Close()

	db, err := dbPool.Get(&cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	st, err := store.New(db, cfg.Database.Dialect(), counter)
	if err != nil {
		return fmt.Errorf("initializing store: %w", err)
	}

	var backend model.Backend
	switch cfg.Model.Backend {
	case "gemini":
		backend, err = model.NewGeminiBackend(ctx, cfg.Model.APIKey, cfg.Model.Name)
	default:
		backend, err = model.NewLlamaCppBackend(cfg.Model.BaseURL)
	}
	if err != nil {
		return fmt.Errorf("creating %s backend: %w", cfg.Model.Backend, err)
	}

	adapter, err := model.NewAdapter(counter, backend, cfg.Model.Workers, cfg.Model.QueueSize)
	if err != nil {
		return fmt.Errorf("creating model adapter: %w", err)
	}
	defer adapter.Close()

	sp = settings.NewProvider(st, cfg.Tiers)
	compactor := memory.NewCompactor(st, adapter, counter)

	searcher := retrieval.NewSearcher(cfg.Retrieval.SearchBaseURL, cfg.Retrieval.TopK)
	fetcher := retrieval.NewFetcher(retrieval.NewRegistry(), cfg.Retrieval.MaxConcurrent, cfg.Retrieval.FetchTimeout)

	srv := server.New(cfg.Server, server.Deps{
		Story:    pipeline.NewStory(st, sp, adapter, counter, compactor),
		Lookup:   pipeline.NewLookup(sp, searcher, fetcher, adapter, counter, cfg.Retrieval.ReservedForLookup),
		Budget:   compactor,
		Games:    st,
		Settings: sp,
		Counter:  counter,
	})

	slog.Info("starting fable server",
		"backend", cfg.Model.Backend,
		"model", cfg.Model.Name,
		"database", cfg.Database.Driver)
	return srv.Start(ctx)
}
