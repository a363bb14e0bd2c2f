package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fablehost/fable/pkg/model"
	"github.com/fablehost/fable/pkg/observability"
	"github.com/fablehost/fable/pkg/prompt"
	"github.com/fablehost/fable/pkg/retrieval"
	"github.com/fablehost/fable/pkg/settings"
	"github.com/fablehost/fable/pkg/tokens"
)

// maxSectionsPerSource caps how many matched sections one source
// contributes.
const maxSectionsPerSource = 3

// Lookup runs the lore retrieval flow: search, fetch, section selection,
// prompt assembly, and one describer generation.
type Lookup struct {
	settings *settings.Provider
	searcher *retrieval.Searcher
	fetcher  *retrieval.Fetcher
	gen      Generator
	counter  *tokens.Counter
	reserved int
}

// NewLookup wires the lookup pipeline. reserved is the token budget held
// back for the describer's answer.
func NewLookup(sp *settings.Provider, searcher *retrieval.Searcher, fetcher *retrieval.Fetcher, gen Generator, counter *tokens.Counter, reserved int) *Lookup {
	return &Lookup{
		settings: sp,
		searcher: searcher,
		fetcher:  fetcher,
		gen:      gen,
		counter:  counter,
		reserved: reserved,
	}
}

// LookupRequest asks for a grounded description of an entity.
type LookupRequest struct {
	UserID      string
	Query       string
	Instruction string
	Metadata    string
}

// LookupResult is the describer's answer plus the sources behind it.
type LookupResult struct {
	RequestID string
	Text      string
	Sources   []string
	Failed    int
}

// Describe retrieves sources for the query and asks the model to describe
// the entity from them. Individual source failures degrade the prompt;
// only a failed search aborts the lookup.
func (l *Lookup) Describe(ctx context.Context, req LookupRequest) (*LookupResult, error) {
	requestID := uuid.NewString()

	d, err := l.settings.Get(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	urls, err := l.searcher.Search(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", retrieval.ErrAllSourcesFailed, err)
	}

	results := l.fetcher.FetchAll(ctx, urls)
	terms := retrieval.ExtractQueryTerms(req.Query)

	sources := make([]prompt.LookupSource, 0, len(results))
	failed := 0
	for _, r := range results {
		if r.Err != nil || r.Page == nil {
			observability.RetrievalFetchesTotal.WithLabelValues("failed").Inc()
			failed++
			sources = append(sources, prompt.LookupSource{URL: r.URL, Weight: r.Weight, Failed: true})
			continue
		}
		observability.RetrievalFetchesTotal.WithLabelValues("ok").Inc()
		sources = append(sources, toLookupSource(r, terms))
	}

	in := prompt.LookupInput{
		Query:             req.Query,
		Instruction:       req.Instruction,
		Metadata:          req.Metadata,
		Sources:           sources,
		SafePromptLimit:   d.SafePromptLimit(),
		ReservedForLookup: l.reserved,
	}
	promptText := prompt.AssembleLookup(l.counter, in)
	observability.PromptTokens.WithLabelValues("lookup").Observe(float64(l.counter.Count(promptText)))

	start := time.Now()
	raw, err := l.gen.Generate(ctx, promptText, model.LookupOptions(l.reserved))
	observability.ModelCallDuration.WithLabelValues("lookup").Observe(time.Since(start).Seconds())
	if err != nil {
		observability.ModelCallsTotal.WithLabelValues("lookup", "error").Inc()
		return nil, err
	}
	observability.ModelCallsTotal.WithLabelValues("lookup", "ok").Inc()

	slog.Info("lore lookup",
		"request_id", requestID,
		"query", retrieval.CleanQuery(req.Query),
		"sources", len(urls),
		"failed", failed,
	)

	return &LookupResult{
		RequestID: requestID,
		Text:      prompt.StripSplitMarker(raw, d.SummarySplitMarker),
		Sources:   urls,
		Failed:    failed,
	}, nil
}

// toLookupSource converts an extracted page into a packable source,
// selecting the sections that match the query terms.
func toLookupSource(r retrieval.FetchResult, terms []string) prompt.LookupSource {
	src := prompt.LookupSource{URL: r.URL, Weight: r.Weight, Text: r.Page.Text}

	for _, kv := range r.Page.Infobox {
		src.Infobox = append(src.Infobox, prompt.KV{Key: kv.Key, Value: kv.Value})
	}
	for _, sec := range retrieval.SelectSections(r.Page.Sections, terms, maxSectionsPerSource) {
		src.Sections = append(src.Sections, prompt.Section{Title: sec.Title, Body: sec.Body})
	}
	return src
}
