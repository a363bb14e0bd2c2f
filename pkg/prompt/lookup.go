package prompt

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/fablehost/fable/pkg/tokens"
)

// MaxExcerptChars caps a single source snippet before token budgeting.
const MaxExcerptChars = 1000

// maxInfoboxItems caps how many infobox fields a snippet carries.
const maxInfoboxItems = 8

// infoboxMinWeight gates infobox inclusion to wiki-grade sources.
const infoboxMinWeight = 3

// noSourcesFallback replaces the sources chunk when nothing fits or
// nothing was retrieved.
const noSourcesFallback = "\n\nSources: None found. Use only the provided sources to answer. " +
	"If no factual information is available for this query, respond: 'No factual information available for this query.'"

// KV is one ordered infobox field.
type KV struct {
	Key   string
	Value string
}

// Section is one titled extract chosen by the section selector.
type Section struct {
	Title string
	Body  string
}

// LookupSource is one retrieved source ready for packing. Sections hold
// the already-selected matches for the query; Text is the fallback body.
// A failed source keeps its URL so the model sees where lookup was
// attempted.
type LookupSource struct {
	URL      string
	Weight   int
	Infobox  []KV
	Sections []Section
	Text     string
	Failed   bool
}

// LookupInput parameterizes the describer prompt.
type LookupInput struct {
	Query       string
	Instruction string
	Metadata    string

	// Sources in any order; packing sorts by weight descending.
	Sources []LookupSource

	SafePromptLimit   int
	ReservedForLookup int
}

// AssembleLookup builds the describer prompt: sources packed by weight
// descending inside the budget, separated by "---" under a "SOURCES:"
// prefix, each labeled with its URL. The header (instruction, metadata,
// query) is appended after the sources chunk.
func AssembleLookup(counter *tokens.Counter, in LookupInput) string {
	instruction := in.Instruction
	if instruction == "" {
		instruction = "You are a concise describer."
	}

	var hb strings.Builder
	hb.WriteString("\n\n# Describer Prompt:\n")
	hb.WriteString(instruction)
	hb.WriteString("\n\n")
	if in.Metadata != "" {
		hb.WriteString("# User included Metadata:\n")
		hb.WriteString(in.Metadata)
		hb.WriteString("\n\n")
	}
	fmt.Fprintf(&hb, "User Query: %s\n", strings.TrimSpace(in.Query))
	header := hb.String()

	available := in.SafePromptLimit - in.ReservedForLookup - Margin - counter.Count(header)
	if available < 0 {
		available = 0
	}

	snippets := renderSnippets(in.Sources)

	const prefix = "\n\nSOURCES:\n"
	const sep = "\n\n---\n\n"

	var included []string
	used := counter.Count(prefix)
	for _, snippet := range snippets {
		piece := snippet
		if len(included) > 0 {
			piece = sep + snippet
		}
		t := counter.Count(piece)
		if used+t > available {
			continue
		}
		used += t
		included = append(included, snippet)
	}

	var chunk string
	if len(included) > 0 {
		chunk = prefix + strings.Join(included, sep)
	} else {
		chunk = noSourcesFallback
	}

	return chunk + header
}

// renderSnippets formats each source and orders them by weight descending,
// dropping duplicate snippet bodies. Order among equal weights follows the
// input.
func renderSnippets(sources []LookupSource) []string {
	type weighted struct {
		weight  int
		snippet string
	}

	seen := make(map[string]bool)
	var out []weighted

	for _, src := range sources {
		snippet := renderSnippet(src)
		key := snippet
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, weighted{weight: src.Weight, snippet: snippet})
	}

	// Stable insertion sort keeps input order within a weight class.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].weight > out[j-1].weight; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}

	snippets := make([]string, len(out))
	for i, w := range out {
		snippets[i] = w.snippet
	}
	return snippets
}

func renderSnippet(src LookupSource) string {
	if src.Failed {
		return fmt.Sprintf("Source: %s", src.URL)
	}

	var parts []string

	if src.Weight >= infoboxMinWeight && len(src.Infobox) > 0 {
		items := make([]string, 0, maxInfoboxItems)
		for i, kv := range src.Infobox {
			if i >= maxInfoboxItems {
				break
			}
			items = append(items, fmt.Sprintf("%s: %s", kv.Key, kv.Value))
		}
		parts = append(parts, "INFOBOX:\n"+strings.Join(items, "; "))
	}

	if len(src.Sections) > 0 {
		secs := make([]string, len(src.Sections))
		for i, sec := range src.Sections {
			secs[i] = fmt.Sprintf("%s:\n%s", sec.Title, sec.Body)
		}
		parts = append(parts, "SECTIONS:\n"+strings.Join(secs, "\n\n"))
	}

	if len(parts) == 0 && len(src.Text) > 80 {
		parts = append(parts, src.Text)
	}

	body := truncateRunes(strings.Join(parts, "\n\n---\n\n"), MaxExcerptChars)
	if strings.TrimSpace(body) == "" {
		return fmt.Sprintf("Source: %s", src.URL)
	}
	return fmt.Sprintf("%s\n\n(Source: %s)", body, src.URL)
}

// truncateRunes cuts s to at most max bytes without splitting a UTF-8 rune.
func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
