// Package model adapts the text generator behind a bounded worker queue.
package model

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable reports that the backend failed or the queue is full.
	ErrUnavailable = errors.New("model unavailable")

	// ErrTimeout reports that a call overran its deadline.
	ErrTimeout = errors.New("model call timed out")
)

// Options control a single generation call.
type Options struct {
	MaxNewTokens      int
	Temperature       float64
	TopP              float64
	RepetitionPenalty float64
	StopTokens        []string
}

// StoryOptions is the sampling profile for narrative turns.
func StoryOptions(maxNewTokens int, stop []string) Options {
	return Options{
		MaxNewTokens:      maxNewTokens,
		Temperature:       0.8,
		TopP:              0.9,
		RepetitionPenalty: 1.2,
		StopTokens:        stop,
	}
}

// SummaryOptions is the sampling profile for chunk summarization.
func SummaryOptions(maxNewTokens int) Options {
	return Options{
		MaxNewTokens:      maxNewTokens,
		Temperature:       0.6,
		TopP:              0.75,
		RepetitionPenalty: 1.1,
	}
}

// LookupOptions is the sampling profile for deep compression and lore
// lookups.
func LookupOptions(maxNewTokens int) Options {
	return Options{
		MaxNewTokens:      maxNewTokens,
		Temperature:       0.5,
		TopP:              0.90,
		RepetitionPenalty: 1.1,
	}
}

// Backend performs one completion call against a concrete generator.
type Backend interface {
	Complete(ctx context.Context, prompt string, opts Options) (string, error)
}
