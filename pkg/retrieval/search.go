package retrieval

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"github.com/fablehost/fable/pkg/httpclient"
)

// userAgent identifies the fetcher; the HTML search endpoint rejects
// requests without one.
const userAgent = "Mozilla/5.0 (compatible; fable/1.0; +https://github.com/fablehost/fable)"

// queryPrefixes are conversational lead-ins stripped before searching.
var queryPrefixes = []string{
	"describe ",
	"what is ",
	"who is ",
	"tell me about ",
	"give me ",
}

// CleanQuery strips a conversational prefix from a lookup query. Only the
// first matching prefix is removed.
func CleanQuery(query string) string {
	q := strings.TrimSpace(query)
	lower := strings.ToLower(q)
	for _, prefix := range queryPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return strings.TrimSpace(q[len(prefix):])
		}
	}
	return q
}

// Searcher queries the DuckDuckGo HTML endpoint for source URLs.
type Searcher struct {
	client  *httpclient.Client
	baseURL string
	topK    int
}

// NewSearcher creates a Searcher against the given endpoint returning at
// most topK results.
func NewSearcher(baseURL string, topK int) *Searcher {
	return &Searcher{
		client:  httpclient.New(httpclient.WithMaxRetries(2)),
		baseURL: baseURL,
		topK:    topK,
	}
}

// Search returns result URLs for a query, cleaned and deduplicated, newest
// ranking first. An empty result is not an error.
func (s *Searcher) Search(ctx context.Context, query string) ([]string, error) {
	q := CleanQuery(query)
	if q == "" {
		return nil, nil
	}

	endpoint := s.baseURL + "?q=" + url.QueryEscape(q)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building search request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("searching for %q: %w", q, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("reading search response: %w", err)
	}

	urls := parseResultLinks(string(body))
	if len(urls) > s.topK {
		urls = urls[:s.topK]
	}
	return urls, nil
}

// parseResultLinks pulls result anchors out of the search page and unwraps
// the redirect links the HTML endpoint serves.
func parseResultLinks(htmlText string) []string {
	root, err := html.Parse(strings.NewReader(htmlText))
	if err != nil {
		return nil
	}

	var urls []string
	seen := make(map[string]bool)
	walk(root, func(n *html.Node) bool {
		if n.Type != html.ElementNode || n.Data != "a" || !hasClass(n, "result__a") {
			return true
		}
		href := attrVal(n, "href")
		resolved := unwrapRedirect(href)
		if resolved == "" || seen[resolved] {
			return false
		}
		seen[resolved] = true
		urls = append(urls, resolved)
		return false
	})
	return urls
}

// unwrapRedirect resolves "//duckduckgo.com/l/?uddg=..." links to their
// destination. Direct links pass through.
func unwrapRedirect(href string) string {
	if href == "" {
		return ""
	}
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	if u.Scheme == "http" || u.Scheme == "https" {
		return href
	}
	return ""
}

func attrVal(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
