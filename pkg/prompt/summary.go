package prompt

import (
	"strings"

	"github.com/fablehost/fable/pkg/tokens"
)

const compressionRules = "Condense this story segment into the most efficient summary possible.\n" +
	"Include ONLY:\n" +
	"  - Major plot events and outcomes\n" +
	"  - Character relationship changes\n" +
	"  - Critical discoveries, tasks, or missions\n" +
	"  - Important character decisions or actions\n" +
	"Exclude:\n" +
	"  - Character backstories already established\n" +
	"  - Atmospheric descriptions\n" +
	"  - Dialogue and minor interactions\n" +
	"  - Repeated information\n" +
	"  - Narrative or analytical commentary\n" +
	"Be extremely concise. Use simple, direct language.\n" +
	"Only state facts. Do NOT review, interpret, or introduce the segment.\n" +
	"Do NOT use phrases like 'This story segment...', 'In this scene...', or any narrative/analysis.\n" +
	"Write in bullet points or a single direct sentence. No narrative, review, or analysis.\n" +
	"Do not use any symbols or formatting, just plain text.\n"

const deepCompressionRules = "Compress these story summaries into a single ultra-concise deep memory.\n" +
	"Extract ONLY the most critical information:\n" +
	"  - Major plot arcs and their resolutions\n" +
	"  - Significant character introductions and relationship shifts\n" +
	"  - World-changing events or discoveries\n" +
	"  - Ongoing missions or tasks\n" +
	"Remove ALL minor details, scene descriptions, and redundant information.\n"

// SummaryInput parameterizes a chunk-summarization prompt.
type SummaryInput struct {
	// Entries are the raw turn texts to condense, in story order.
	Entries []string

	// PreviousSummary, when merging into an existing chunk, is included as
	// context the model must not repeat.
	PreviousSummary string

	// SplitMarker separates the prompt from the model's answer.
	SplitMarker string

	// SafePromptLimit bounds the whole summarization prompt.
	SafePromptLimit int
}

// BuildSummary renders the chunk-summarization prompt. Entries are packed
// whole, newest first, inside SafePromptLimit - Margin; the included ones
// appear in story order. The footer carries the split marker so the
// response can be isolated from any echoed prompt.
func BuildSummary(counter *tokens.Counter, in SummaryInput) string {
	var header strings.Builder
	header.WriteString(compressionRules)
	if in.PreviousSummary != "" {
		header.WriteString("\n# Previous Summary (DO NOT repeat this):\n")
		header.WriteString(in.PreviousSummary)
		header.WriteString("\n\n# New Events to Summarize (focus ONLY on what's new):\n")
	} else {
		header.WriteString("\n# Story Segment:\n")
	}

	footer := "\n\n" + in.SplitMarker + "\n"

	budget := in.SafePromptLimit - Margin - counter.Count(header.String()) - counter.Count(footer)
	entries := packEntriesTail(counter, in.Entries, budget)

	return header.String() + strings.Join(entries, "\n") + footer
}

// BuildDeepCompression renders the deep-memory compression prompt over the
// existing deep memory (first, if any) and the chunk summaries being
// absorbed, separated by "---". Items are packed whole, newest first.
func BuildDeepCompression(counter *tokens.Counter, summaries []string, splitMarker string, safePromptLimit int) string {
	header := deepCompressionRules + "# Summaries to Compress:\n\n"
	footer := "\n\n" + splitMarker + "\n"

	budget := safePromptLimit - Margin - counter.Count(header) - counter.Count(footer)
	included := packEntriesTail(counter, summaries, budget)

	return header + strings.Join(included, "\n\n---\n\n") + footer
}

// StripSplitMarker isolates the model's answer: everything up to and
// including the last occurrence of the marker is removed.
func StripSplitMarker(response, marker string) string {
	if marker != "" {
		if idx := strings.LastIndex(response, marker); idx != -1 {
			response = response[idx+len(marker):]
		}
	}
	return strings.TrimSpace(response)
}

// packEntriesTail keeps the newest entries that fit the budget whole,
// returned in original order.
func packEntriesTail(counter *tokens.Counter, entries []string, budget int) []string {
	if budget <= 0 {
		return nil
	}
	included := 0
	used := 0
	for i := len(entries) - 1; i >= 0; i-- {
		t := counter.Count(entries[i] + "\n")
		if t > budget-used {
			break
		}
		used += t
		included++
	}
	return entries[len(entries)-included:]
}
