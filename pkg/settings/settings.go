// Package settings resolves per-user memory and budget directives.
//
// A user maps to a subscription tier; a tier maps to a Directives value.
// Tiers beyond basic only have to name the fields they override.
package settings

import (
	"context"
	"fmt"
	"sync"

	"github.com/fablehost/fable/pkg/config"
)

// Directives are the memory and budget constants a tier grants.
type Directives struct {
	Tier string

	// StorytellerPrompt is the fixed narrator instruction heading every
	// story prompt.
	StorytellerPrompt string

	// SummarySplitMarker separates the summarization prompt from the
	// model's answer; everything up to its last occurrence is stripped
	// from responses.
	SummarySplitMarker string

	// RecentMemoryLimit caps how many raw turns are candidates for the
	// recent-story segment before packing.
	RecentMemoryLimit int

	// TokenizeThreshold is the untokenized raw-turn token sum that
	// triggers summarization.
	TokenizeThreshold int

	// ChunkMaxTokens caps a single summary chunk.
	ChunkMaxTokens int

	// MaxActiveChunks caps active chunks before deep compaction.
	MaxActiveChunks int

	// DeepMemoryMaxTokens is the target size for a deep compression pass.
	DeepMemoryMaxTokens int

	// ModelMaxTokens is the generator's context window.
	ModelMaxTokens int

	// ReservedForGeneration is held back from the context for output.
	ReservedForGeneration int

	// MaxWorldTokens caps a world description at write time.
	MaxWorldTokens int

	// StopTokens terminate story generation.
	StopTokens []string
}

// SafePromptLimit is the token budget available to an assembled prompt.
// Always computed, never stored, so ModelMaxTokens overrides propagate.
func (d Directives) SafePromptLimit() int {
	return d.ModelMaxTokens - d.ReservedForGeneration
}

// Basic returns the default tier.
func Basic() Directives {
	return Directives{
		Tier:                  "basic",
		StorytellerPrompt:     defaultStorytellerPrompt,
		SummarySplitMarker:    "<<<<SUMMARY>>>>",
		RecentMemoryLimit:     12,
		TokenizeThreshold:     850,
		ChunkMaxTokens:        230,
		MaxActiveChunks:       6,
		DeepMemoryMaxTokens:   300,
		ModelMaxTokens:        4096,
		ReservedForGeneration: 180,
		MaxWorldTokens:        1000,
		StopTokens:            []string{"Narrator:", "#", "Chapter"},
	}
}

// TierSource resolves a user to a tier name.
type TierSource interface {
	UserTier(ctx context.Context, userID string) (string, error)
}

// Provider resolves users to directives, caching by tier name.
type Provider struct {
	source TierSource

	mu    sync.RWMutex
	tiers map[string]config.TierConfig
	cache map[string]Directives
}

// NewProvider creates a Provider over the given tier source and config
// tier overrides.
func NewProvider(source TierSource, tiers map[string]config.TierConfig) *Provider {
	return &Provider{
		source: source,
		tiers:  tiers,
		cache:  make(map[string]Directives),
	}
}

// Get returns the directives for a user. Unknown tiers resolve to basic.
func (p *Provider) Get(ctx context.Context, userID string) (Directives, error) {
	tier, err := p.source.UserTier(ctx, userID)
	if err != nil {
		return Directives{}, fmt.Errorf("resolving tier for user %s: %w", userID, err)
	}
	return p.ForTier(tier), nil
}

// ForTier returns the directives for a tier name directly.
func (p *Provider) ForTier(tier string) Directives {
	p.mu.RLock()
	cached, ok := p.cache[tier]
	p.mu.RUnlock()
	if ok {
		return cached
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if cached, ok := p.cache[tier]; ok {
		return cached
	}

	d := p.resolve(tier)
	p.cache[tier] = d
	return d
}

// Invalidate drops the cache so the next Get rebuilds from current config.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache = make(map[string]Directives)
}

// UpdateTiers replaces the tier overrides and drops the cache. Wired to
// the config reload callback.
func (p *Provider) UpdateTiers(tiers map[string]config.TierConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tiers = tiers
	p.cache = make(map[string]Directives)
}

// resolve overlays a tier's config overrides on the basic defaults.
// Caller holds at least the read lock.
func (p *Provider) resolve(tier string) Directives {
	d := Basic()
	cfg, ok := p.tiers[tier]
	if !ok {
		return d
	}

	d.Tier = tier
	if cfg.RecentMemoryLimit > 0 {
		d.RecentMemoryLimit = cfg.RecentMemoryLimit
	}
	if cfg.TokenizeThreshold > 0 {
		d.TokenizeThreshold = cfg.TokenizeThreshold
	}
	if cfg.ChunkMaxTokens > 0 {
		d.ChunkMaxTokens = cfg.ChunkMaxTokens
	}
	if cfg.MaxActiveChunks > 0 {
		d.MaxActiveChunks = cfg.MaxActiveChunks
	}
	if cfg.DeepMemoryMaxTokens > 0 {
		d.DeepMemoryMaxTokens = cfg.DeepMemoryMaxTokens
	}
	if cfg.ModelMaxTokens > 0 {
		d.ModelMaxTokens = cfg.ModelMaxTokens
	}
	if cfg.ReservedForGeneration > 0 {
		d.ReservedForGeneration = cfg.ReservedForGeneration
	}
	if cfg.MaxWorldTokens > 0 {
		d.MaxWorldTokens = cfg.MaxWorldTokens
	}
	if len(cfg.StopTokens) > 0 {
		d.StopTokens = cfg.StopTokens
	}
	if cfg.StorytellerPrompt != "" {
		d.StorytellerPrompt = cfg.StorytellerPrompt
	}
	if cfg.SummarySplitMarker != "" {
		d.SummarySplitMarker = cfg.SummarySplitMarker
	}
	return d
}

const defaultStorytellerPrompt = "You are the Narrator of an interactive text adventure. Write in 3rd person, describing events as they unfold.\n\n" +
	"Response Format:\n" +
	"• 1-3 short paragraphs\n" +
	"• Advance plot logically through action, dialogue, or discovery\n" +
	"• Describe characters with vivid physical detail (attire, body language, expressions)\n" +
	"• Make scenes sensory and cinematic\n\n" +
	"Continuity:\n" +
	"• Use Past History for context, Recent Story for immediate events\n" +
	"• Never repeat prior entries verbatim\n" +
	"• Transition smoothly between scenes\n" +
	"• In established universes, maintain canon character personalities and appearance\n\n" +
	"Constraints:\n" +
	"• Stay within the universe tone and rules\n" +
	"• Reveal backstory organically, never through exposition dumps\n" +
	"• Respect player narrative control in their actions\n"
