// Package config defines the fable configuration model and its loader.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig          `yaml:"server"`
	Database  DatabaseConfig        `yaml:"database"`
	Model     ModelConfig           `yaml:"model"`
	Retrieval RetrievalConfig       `yaml:"retrieval"`
	Tiers     map[string]TierConfig `yaml:"tiers"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout == 0 {
		// Generation plus sanitize retries can legitimately take minutes.
		c.WriteTimeout = 5 * time.Minute
	}
}

func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	return nil
}

// ModelConfig configures the generator backend.
type ModelConfig struct {
	// Backend selects the generator: "llamacpp" (HTTP /completion server)
	// or "gemini".
	Backend string `yaml:"backend"`

	// BaseURL is the llama.cpp server address.
	BaseURL string `yaml:"base_url"`

	// Name is the model name, shared with the tokenizer.
	Name string `yaml:"name"`

	// APIKey authenticates against hosted backends (gemini).
	APIKey string `yaml:"api_key"`

	// Workers is the number of concurrent inference slots.
	Workers int `yaml:"workers"`

	// QueueSize bounds the pending call queue.
	QueueSize int `yaml:"queue_size"`

	// Timeout bounds a single generate call end to end.
	Timeout time.Duration `yaml:"timeout"`
}

func (c *ModelConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "llamacpp"
	}
	if c.BaseURL == "" {
		c.BaseURL = "http://127.0.0.1:8600"
	}
	if c.Name == "" {
		c.Name = "mythomax-l2-13b"
	}
	if c.Workers == 0 {
		// Local llama.cpp serves one request at a time.
		c.Workers = 1
	}
	if c.QueueSize == 0 {
		c.QueueSize = 32
	}
	if c.Timeout == 0 {
		c.Timeout = 3 * time.Minute
	}
}

func (c *ModelConfig) Validate() error {
	switch c.Backend {
	case "llamacpp", "gemini":
	default:
		return fmt.Errorf("invalid backend %q (valid: llamacpp, gemini)", c.Backend)
	}
	if c.Backend == "gemini" && c.APIKey == "" {
		return fmt.Errorf("api_key is required for the gemini backend")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1")
	}
	return nil
}

// RetrievalConfig configures lore retrieval.
type RetrievalConfig struct {
	// TopK is the maximum number of search results considered.
	TopK int `yaml:"top_k"`

	// MaxConcurrent bounds parallel page fetches.
	MaxConcurrent int `yaml:"max_concurrent"`

	// FetchTimeout bounds a single page fetch.
	FetchTimeout time.Duration `yaml:"fetch_timeout"`

	// ReservedForLookup is the token budget for lookup generation output.
	ReservedForLookup int `yaml:"reserved_for_lookup"`

	// SearchBaseURL overrides the search endpoint, mainly for tests.
	SearchBaseURL string `yaml:"search_base_url"`
}

func (c *RetrievalConfig) SetDefaults() {
	if c.TopK == 0 {
		c.TopK = 50
	}
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = 4
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = 10 * time.Second
	}
	if c.ReservedForLookup == 0 {
		c.ReservedForLookup = 800
	}
	if c.SearchBaseURL == "" {
		c.SearchBaseURL = "https://html.duckduckgo.com/html/"
	}
}

func (c *RetrievalConfig) Validate() error {
	if c.TopK < 1 {
		return fmt.Errorf("top_k must be at least 1")
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1")
	}
	return nil
}

// TierConfig overrides memory and budget constants for a subscription tier.
// Zero fields inherit the basic-tier defaults at resolution time, so a tier
// only has to name what it changes.
type TierConfig struct {
	StorytellerPrompt     string   `yaml:"storyteller_prompt"`
	SummarySplitMarker    string   `yaml:"summary_split_marker"`
	RecentMemoryLimit     int      `yaml:"recent_memory_limit"`
	TokenizeThreshold     int      `yaml:"tokenize_threshold"`
	ChunkMaxTokens        int      `yaml:"chunk_max_tokens"`
	MaxActiveChunks       int      `yaml:"max_active_chunks"`
	DeepMemoryMaxTokens   int      `yaml:"deep_memory_max_tokens"`
	ModelMaxTokens        int      `yaml:"model_max_tokens"`
	ReservedForGeneration int      `yaml:"reserved_for_generation"`
	MaxWorldTokens        int      `yaml:"max_world_tokens"`
	StopTokens            []string `yaml:"stop_tokens"`
}

func (c *TierConfig) Validate() error {
	for name, v := range map[string]int{
		"recent_memory_limit":     c.RecentMemoryLimit,
		"tokenize_threshold":      c.TokenizeThreshold,
		"chunk_max_tokens":        c.ChunkMaxTokens,
		"max_active_chunks":       c.MaxActiveChunks,
		"deep_memory_max_tokens":  c.DeepMemoryMaxTokens,
		"model_max_tokens":        c.ModelMaxTokens,
		"reserved_for_generation": c.ReservedForGeneration,
		"max_world_tokens":        c.MaxWorldTokens,
	} {
		if v < 0 {
			return fmt.Errorf("%s must be non-negative", name)
		}
	}
	if c.ModelMaxTokens > 0 && c.ReservedForGeneration >= c.ModelMaxTokens {
		return fmt.Errorf("reserved_for_generation must be smaller than model_max_tokens")
	}
	return nil
}

// SetDefaults applies defaults across all sections.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Database.SetDefaults()
	c.Model.SetDefaults()
	c.Retrieval.SetDefaults()
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := c.Model.Validate(); err != nil {
		return fmt.Errorf("model: %w", err)
	}
	if err := c.Retrieval.Validate(); err != nil {
		return fmt.Errorf("retrieval: %w", err)
	}
	for name, tier := range c.Tiers {
		if err := tier.Validate(); err != nil {
			return fmt.Errorf("tier %q: %w", name, err)
		}
	}
	return nil
}
