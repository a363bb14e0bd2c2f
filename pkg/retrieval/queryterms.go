package retrieval

import (
	"regexp"
	"strings"
)

var (
	quotedRe   = regexp.MustCompile(`"([^"]+)"|'([^']+)'`)
	wordRe     = regexp.MustCompile(`[0-9A-Za-z]+`)
	nonAlnumRe = regexp.MustCompile(`[^0-9a-zA-Z]+`)
)

// ExtractQueryTerms normalizes a query into section-matching terms. Quoted
// phrases collapse to a single no-space lowercase token ("League of
// Legends" becomes leagueoflegends); remaining words become lowercase
// tokens. Order is preserved and duplicates removed.
func ExtractQueryTerms(query string) []string {
	if query == "" {
		return nil
	}

	var terms []string
	for _, m := range quotedRe.FindAllStringSubmatch(query, -1) {
		phrase := m[1]
		if phrase == "" {
			phrase = m[2]
		}
		if t := strings.ToLower(nonAlnumRe.ReplaceAllString(phrase, "")); t != "" {
			terms = append(terms, t)
		}
	}

	unquoted := quotedRe.ReplaceAllString(query, " ")
	for _, w := range wordRe.FindAllString(unquoted, -1) {
		terms = append(terms, strings.ToLower(w))
	}

	seen := make(map[string]bool, len(terms))
	out := terms[:0]
	for _, t := range terms {
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
