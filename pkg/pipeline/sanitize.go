package pipeline

import (
	"regexp"
	"strings"
)

var (
	// Chapter markers on their own line ("Chapter 1.2.3:" or "1.2:").
	chapterLineRe = regexp.MustCompile(`(?im)^\s*Chapter\s+\d+\.\d+(\.\d+)?:\s*$`)
	numberLineRe  = regexp.MustCompile(`(?m)^\s*\d+\.\d+(\.\d+)?:\s*$`)

	// The same markers fused to the start of the text.
	chapterStartRe = regexp.MustCompile(`(?i)^\s*Chapter\s+\d+\.\d+(\.\d+)?:\s*`)
	numberStartRe  = regexp.MustCompile(`^\s*\d+\.\d+(\.\d+)?:\s*`)

	// Echoed prompt scaffolding.
	artifactRe = regexp.MustCompile(`(?im)#\s*(No player action|Current Player Action|Continue|Recent Story).*$`)
)

// SanitizeStory cleans one generation pass of leaked prompt structure:
// stop-token prefixes, chapter markers, the story splitter, and echoed
// prompt headers. The pass is applied until the text stops changing so a
// marker revealed by an earlier strip cannot survive.
func SanitizeStory(text, splitter string, stopTokens []string) string {
	for {
		cleaned := sanitizeOnce(text, splitter, stopTokens)
		if cleaned == text {
			return cleaned
		}
		text = cleaned
	}
}

func sanitizeOnce(text, splitter string, stopTokens []string) string {
	for _, stop := range stopTokens {
		trimmed := strings.TrimSpace(text)
		if strings.HasPrefix(trimmed, stop) {
			text = strings.TrimLeft(trimmed[len(stop):], " \t\n")
		}
	}

	text = chapterLineRe.ReplaceAllString(text, "")
	text = numberLineRe.ReplaceAllString(text, "")
	text = chapterStartRe.ReplaceAllString(text, "")
	text = numberStartRe.ReplaceAllString(text, "")

	// The model sometimes echoes the prompt up to and including the
	// splitter; keep only what follows the last occurrence.
	if splitter != "" && strings.Contains(text, splitter) {
		parts := strings.Split(text, splitter)
		text = parts[len(parts)-1]
	}

	text = artifactRe.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}
