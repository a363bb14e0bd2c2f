// Package retrieval finds and extracts web sources for lore lookups: a
// DuckDuckGo search produces candidate URLs, a bounded fetcher pulls the
// pages, and host-aware extractors reduce each page to an infobox, titled
// sections, and plain text.
package retrieval

import (
	"errors"
	"net/url"
	"strings"
)

// ErrAllSourcesFailed reports that source discovery itself failed, leaving
// the lookup with nothing to work from. Partial fetch failures are not an
// error; they are carried on the FetchResult.
var ErrAllSourcesFailed = errors.New("no lore sources could be retrieved")

// PriorityWeights ranks source hosts. Wiki-grade hosts dominate the packed
// sources chunk; everything else gets the base weight.
var PriorityWeights = map[string]int{
	"fandom.com":    4,
	"gluwee.com":    4,
	"wikipedia.org": 4,
}

const baseWeight = 1

// WeightFor returns the priority weight for a URL by host suffix.
func WeightFor(rawURL string) int {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return baseWeight
	}
	host := strings.ToLower(u.Hostname())
	for suffix, w := range PriorityWeights {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return w
		}
	}
	return baseWeight
}

// PageSection is one titled block of extracted body text, in page order.
type PageSection struct {
	Title string
	Body  string
}

// KV is one ordered infobox field.
type KV struct {
	Key   string
	Value string
}

// Page is the reduced form of a fetched source.
type Page struct {
	// Infobox fields in page order, when the page carries one.
	Infobox []KV

	// Sections are heading-delimited text blocks in page order.
	Sections []PageSection

	// Text is the lead text before the first heading, the fallback when no
	// section matches the query.
	Text string
}

// FetchResult pairs a URL with its extraction outcome. Err is set when the
// fetch or extraction failed; the URL is still reported so the prompt can
// name where lookup was attempted.
type FetchResult struct {
	URL    string
	Weight int
	Page   *Page
	Err    error
}
