package retrieval

import "strings"

// SelectSections picks up to max sections whose titles match any query
// term, comparing against both the lowered title and its no-space variant.
// Without terms, or when nothing matches, the first max sections are
// returned so the source still contributes something.
func SelectSections(sections []PageSection, terms []string, max int) []PageSection {
	if len(sections) == 0 || max <= 0 {
		return nil
	}
	if len(terms) == 0 {
		return head(sections, max)
	}

	var matched []PageSection
	for _, sec := range sections {
		lowered := strings.ToLower(sec.Title)
		stripped := nonAlnumRe.ReplaceAllString(lowered, "")
		for _, term := range terms {
			if strings.Contains(lowered, term) || strings.Contains(stripped, term) {
				matched = append(matched, sec)
				break
			}
		}
	}
	if len(matched) > 0 {
		return head(matched, max)
	}
	return head(sections, max)
}

func head(sections []PageSection, max int) []PageSection {
	if len(sections) > max {
		return sections[:max]
	}
	return sections
}
