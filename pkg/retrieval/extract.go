package retrieval

import (
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
)

// sectionBodyCap bounds one section's text so a single page cannot dominate
// downstream packing.
const sectionBodyCap = 1500

// Extractor reduces raw HTML to a Page.
type Extractor func(htmlText string) (*Page, error)

// Registry resolves an extractor by URL host suffix, falling back to the
// generic heading-and-paragraph extractor.
type Registry struct {
	byHost  map[string]Extractor
	generic Extractor
}

// NewRegistry builds the default registry: wiki-style extraction for
// Wikipedia and Fandom, generic extraction for everything else.
func NewRegistry() *Registry {
	r := &Registry{
		byHost:  make(map[string]Extractor),
		generic: ExtractGeneric,
	}
	r.Register("wikipedia.org", ExtractWiki)
	r.Register("fandom.com", ExtractWiki)
	return r
}

// Register maps a host suffix to an extractor.
func (r *Registry) Register(suffix string, e Extractor) {
	r.byHost[strings.ToLower(suffix)] = e
}

// For returns the extractor for a URL.
func (r *Registry) For(rawURL string) Extractor {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return r.generic
	}
	host := strings.ToLower(u.Hostname())
	for suffix, e := range r.byHost {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return e
		}
	}
	return r.generic
}

// ExtractWiki handles MediaWiki-style pages: the infobox (classic table or
// Fandom portable infobox), then heading-delimited sections with the lead
// paragraphs as fallback text.
func ExtractWiki(htmlText string) (*Page, error) {
	root, err := html.Parse(strings.NewReader(htmlText))
	if err != nil {
		return nil, fmt.Errorf("parsing page: %w", err)
	}

	page := &Page{Infobox: extractInfobox(root)}
	page.Text, page.Sections = collectSections(root)
	return page, nil
}

// ExtractGeneric walks any page for headings and the paragraphs under
// them. Pages without headings still yield their paragraph text.
func ExtractGeneric(htmlText string) (*Page, error) {
	root, err := html.Parse(strings.NewReader(htmlText))
	if err != nil {
		return nil, fmt.Errorf("parsing page: %w", err)
	}

	page := &Page{}
	page.Text, page.Sections = collectSections(root)
	return page, nil
}

// extractInfobox finds a classic wiki infobox table or a Fandom portable
// infobox and returns its rows in page order.
func extractInfobox(root *html.Node) []KV {
	var box *html.Node
	walk(root, func(n *html.Node) bool {
		if box != nil {
			return false
		}
		if n.Type == html.ElementNode {
			if (n.Data == "table" && hasClass(n, "infobox")) ||
				(n.Data == "aside" && hasClass(n, "portable-infobox")) {
				box = n
				return false
			}
		}
		return true
	})
	if box == nil {
		return nil
	}

	var fields []KV
	if box.Data == "table" {
		walk(box, func(n *html.Node) bool {
			if n.Type == html.ElementNode && n.Data == "tr" {
				key := nodeText(findChild(n, "th", ""))
				val := nodeText(findChild(n, "td", ""))
				if key != "" && val != "" {
					fields = append(fields, KV{Key: key, Value: val})
				}
				return false
			}
			return true
		})
		return fields
	}

	// Portable infobox: each div.pi-data carries a label and a value.
	walk(box, func(n *html.Node) bool {
		if n.Type == html.ElementNode && hasClass(n, "pi-data") {
			key := nodeText(findChild(n, "", "pi-data-label"))
			val := nodeText(findChild(n, "", "pi-data-value"))
			if key != "" && val != "" {
				fields = append(fields, KV{Key: key, Value: val})
			}
			return false
		}
		return true
	})
	return fields
}

// collectSections walks the document in order, grouping paragraph text
// under the most recent h2-h4 heading. Paragraphs before the first heading
// become the lead text.
func collectSections(root *html.Node) (lead string, sections []PageSection) {
	var (
		leadParts    []string
		currentTitle string
		currentParts []string
	)

	flush := func() {
		if currentTitle == "" {
			return
		}
		body := capBody(strings.Join(currentParts, "\n\n"))
		if strings.TrimSpace(body) != "" {
			sections = append(sections, PageSection{Title: currentTitle, Body: body})
		}
		currentTitle, currentParts = "", nil
	}

	walk(root, func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return true
		}
		switch n.Data {
		case "script", "style", "nav", "footer", "header":
			return false
		case "h2", "h3", "h4":
			flush()
			currentTitle = headingText(n)
			return false
		case "p":
			text := nodeText(n)
			if text == "" {
				return false
			}
			if currentTitle == "" {
				leadParts = append(leadParts, text)
			} else {
				currentParts = append(currentParts, text)
			}
			return false
		}
		return true
	})
	flush()

	lead = capBody(strings.Join(leadParts, "\n\n"))
	return lead, sections
}

// capBody bounds text at sectionBodyCap bytes, cutting on a rune boundary
// so a multi-byte character is never split.
func capBody(s string) string {
	if len(s) <= sectionBodyCap {
		return s
	}
	end := sectionBodyCap
	for end > 0 && !utf8.RuneStart(s[end]) {
		end--
	}
	return s[:end]
}

// headingText prefers the mw-headline span MediaWiki nests inside headings.
func headingText(h *html.Node) string {
	if span := findChild(h, "span", "mw-headline"); span != nil {
		if text := nodeText(span); text != "" {
			return text
		}
	}
	return nodeText(h)
}

// walk runs fn over nodes in document order; fn returning false prunes the
// subtree.
func walk(n *html.Node, fn func(*html.Node) bool) {
	if !fn(n) {
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

// findChild returns the first descendant matching the tag and/or class.
func findChild(n *html.Node, tag, class string) *html.Node {
	if n == nil {
		return nil
	}
	var found *html.Node
	for c := n.FirstChild; c != nil && found == nil; c = c.NextSibling {
		if c.Type == html.ElementNode &&
			(tag == "" || c.Data == tag) &&
			(class == "" || hasClass(c, class)) {
			return c
		}
		found = findChild(c, tag, class)
	}
	return found
}

func hasClass(n *html.Node, class string) bool {
	for _, a := range n.Attr {
		if a.Key != "class" {
			continue
		}
		for _, c := range strings.Fields(a.Val) {
			if c == class {
				return true
			}
		}
	}
	return false
}

// nodeText collects and whitespace-normalizes the text under a node.
func nodeText(n *html.Node) string {
	if n == nil {
		return ""
	}
	var b strings.Builder
	walk(n, func(c *html.Node) bool {
		switch {
		case c.Type == html.TextNode:
			b.WriteString(c.Data)
		case c.Type == html.ElementNode && (c.Data == "script" || c.Data == "style"):
			return false
		}
		return true
	})
	return strings.Join(strings.Fields(b.String()), " ")
}
