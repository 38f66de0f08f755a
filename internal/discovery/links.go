package discovery

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// extractHrefs parses htmlSnippet and returns every anchor's raw href
// attribute, in document order, the same way the teacher's extractor
// package wraps parsed HTML in goquery for convenience.
func extractHrefs(htmlSnippet string) []string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlSnippet))
	if err != nil {
		return nil
	}
	var hrefs []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		if href, ok := sel.Attr("href"); ok {
			hrefs = append(hrefs, href)
		}
	})
	return hrefs
}
