// Package prompt builds token-budgeted prompts for story generation,
// summarization, and lore lookups.
//
// All assembly is deterministic and does no I/O beyond the token counter.
// Packing is tail-biased at whole-item granularity: the newest items are
// fitted first and nothing is ever truncated mid-entry, so the model never
// sees syntactically broken history.
package prompt

import (
	"fmt"
	"strings"

	"github.com/fablehost/fable/pkg/tokens"
)

// Margin absorbs tokenizer edge cases between the counted prompt and what
// the generator actually sees.
const Margin = 50

// ActionMode is the player's phrasing intent for their input.
type ActionMode string

const (
	ModeAction  ActionMode = "ACTION"
	ModeSpeech  ActionMode = "SPEECH"
	ModeNarrate ActionMode = "NARRATE"
	ModeNone    ActionMode = "NONE"
)

// PromptTooLargeError reports that the non-trimmable segments alone exceed
// the budget. The model is never called in this case.
type PromptTooLargeError struct {
	Required int
	Limit    int
}

func (e *PromptTooLargeError) Error() string {
	return fmt.Sprintf("prompt requires %d tokens, limit is %d", e.Required, e.Limit)
}

// HistoryItem is one packable history entry: a summary chunk body or a raw
// turn body.
type HistoryItem struct {
	Body string
}

// StoryInput carries everything the story assembler needs. Chunks and
// Turns are active entries in ascending order.
type StoryInput struct {
	NarratorDirectives string
	UniverseName       string
	UniverseLore       string
	StoryPreface       string
	PlayerName         string
	PlayerGender       string
	Rating             string

	DeepMemory string
	Chunks     []HistoryItem
	Turns      []HistoryItem

	Action   string
	Mode     ActionMode
	Splitter string

	SafePromptLimit   int
	MaxActiveChunks   int
	RecentMemoryLimit int
}

// AssembleStory builds the per-turn prompt under
// SafePromptLimit - Margin tokens.
//
// Segment order is fixed: directives, universe, preface, player, rating,
// ancient history, past events, recent story, action, splitter. Deep
// memory is included whole or omitted; chunks and turns are packed
// newest-first and emitted in story order.
func AssembleStory(counter *tokens.Counter, in StoryInput) (string, error) {
	base := renderBase(in)
	action := renderAction(in)

	baseTokens := counter.Count(base)
	actionTokens := counter.Count(action)

	available := in.SafePromptLimit - baseTokens - actionTokens - Margin
	if available < 0 {
		return "", &PromptTooLargeError{
			Required: baseTokens + actionTokens + Margin,
			Limit:    in.SafePromptLimit,
		}
	}

	var deep string
	if in.DeepMemory != "" {
		seg := "# Ancient History (Major Events):\n" + strings.TrimSpace(in.DeepMemory) + "\n\n"
		if t := counter.Count(seg); t <= available {
			deep = seg
			available -= t
		}
	}

	chunkWindow := tailWindow(in.Chunks, in.MaxActiveChunks)
	pastEvents, used := packSection(counter, "# Past Events:\n", chunkWindow, available)
	available -= used

	turnWindow := tailWindow(in.Turns, in.RecentMemoryLimit)
	recentStory, _ := packSection(counter, "# Recent Story:\n", turnWindow, available)

	var b strings.Builder
	b.WriteString(base)
	b.WriteString(deep)
	b.WriteString(pastEvents)
	b.WriteString(recentStory)
	b.WriteString(action)
	return b.String(), nil
}

func renderBase(in StoryInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Narrator Directives:\n%s\n\n", in.NarratorDirectives)
	fmt.Fprintf(&b, "# Universe: %s\n%s\n\n", in.UniverseName, in.UniverseLore)
	if in.StoryPreface != "" {
		fmt.Fprintf(&b, "# Story Preface:\n%s\n\n", in.StoryPreface)
	}
	if in.PlayerGender != "" {
		fmt.Fprintf(&b, "# Player: %s (%s)\n", in.PlayerName, in.PlayerGender)
	} else {
		fmt.Fprintf(&b, "# Player: %s\n", in.PlayerName)
	}
	fmt.Fprintf(&b, "# Rating: %s\n\n", in.Rating)
	return b.String()
}

func renderAction(in StoryInput) string {
	var b strings.Builder

	action := strings.TrimSpace(in.Action)
	switch {
	case action == "" || in.Mode == ModeNone:
		b.WriteString("# No Player Action. Continue the story naturally.\n\n")
	case in.Mode == ModeSpeech:
		fmt.Fprintf(&b, "# Player Says: %q\n\n", action)
	case in.Mode == ModeNarrate:
		fmt.Fprintf(&b, "# Player Narrative: %s\n\n", action)
	default:
		fmt.Fprintf(&b, "# Player Action: %s\n\n", action)
	}

	b.WriteString(in.Splitter)
	b.WriteString("\n")
	return b.String()
}

// tailWindow returns the newest limit items. limit <= 0 means no cap.
func tailWindow(items []HistoryItem, limit int) []HistoryItem {
	if limit > 0 && len(items) > limit {
		return items[len(items)-limit:]
	}
	return items
}

// packSection fits whole items newest-first into available tokens and
// renders the included ones under the header in original order. The header
// is only paid for when at least one item fits. Returns the rendered
// section and the tokens it consumed.
func packSection(counter *tokens.Counter, header string, items []HistoryItem, available int) (string, int) {
	if len(items) == 0 || available <= 0 {
		return "", 0
	}

	headerTokens := counter.Count(header)
	budget := available - headerTokens
	if budget <= 0 {
		return "", 0
	}

	included := 0
	used := 0
	for i := len(items) - 1; i >= 0; i-- {
		seg := strings.TrimSpace(items[i].Body) + "\n\n"
		t := counter.Count(seg)
		if t > budget-used {
			break
		}
		used += t
		included++
	}
	if included == 0 {
		return "", 0
	}

	var b strings.Builder
	b.WriteString(header)
	for _, item := range items[len(items)-included:] {
		b.WriteString(strings.TrimSpace(item.Body))
		b.WriteString("\n\n")
	}
	return b.String(), headerTokens + used
}
