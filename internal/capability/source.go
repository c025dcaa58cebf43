package capability

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// CleanSource turns raw source material into plain text. HTML is parsed
// and reduced to its visible text; anything else only has whitespace collapsed.
func CleanSource(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	if !looksLikeHTML(raw) {
		return collapseSpace(raw), nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("parse source html: %w", err)
	}
	doc.Find("script, style, noscript, nav, footer, header, aside, form").Remove()
	var parts []string
	doc.Find("h1, h2, h3, h4, p, li, td, blockquote").Each(func(_ int, s *goquery.Selection) {
		if txt := collapseSpace(s.Text()); txt != "" {
			parts = append(parts, txt)
		}
	})
	if len(parts) == 0 {
		return collapseSpace(doc.Text()), nil
	}
	return strings.Join(parts, "\n"), nil
}

func looksLikeHTML(s string) bool {
	lower := strings.ToLower(s)
	return strings.Contains(lower, "</") || strings.Contains(lower, "<br") || strings.HasPrefix(lower, "<!doctype")
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
