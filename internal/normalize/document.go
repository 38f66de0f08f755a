package normalize

import (
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"github.com/rohmanhakim/focusedsearch/internal/discovery"
	"github.com/rohmanhakim/focusedsearch/pkg/urlutil"

	"github.com/RadhiFadlillah/whatlanggo"
)

// RawRecord is one raw crawl result as written to the raw-crawl JSONL
// stream: {url, status, title?, html, fetched_at, content_type?, outlinks?}.
type RawRecord struct {
	URL         string
	Status      int
	Title       string
	HTML        string
	FetchedAt   time.Time
	ContentType string
}

// Document is a normalized {title, h1h2, body, language} record with its
// outlinks, produced from a RawRecord by Normalize.
type Document struct {
	URL          string
	CanonicalURL string
	Title        string
	H1H2         string
	Body         string
	Lang         string
	FetchedAt    time.Time
	Outlinks     []string
	StatusCode   int
	ContentType  string
}

const languageDetectWindow = 1000

// Normalize turns one raw crawl record into a Document, or reports ok=false
// when the record must be dropped: missing url, status >= 400, or empty
// body after extraction.
func Normalize(raw RawRecord) (Document, bool) {
	if raw.URL == "" {
		return Document{}, false
	}
	if raw.Status >= 400 {
		return Document{}, false
	}

	canonical := canonicalizeURL(raw.URL)

	title, body := extractTitleAndBody(raw.HTML, canonical)
	if title == "" {
		title = raw.Title
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return Document{}, false
	}

	h1h2 := extractHeadings(raw.HTML)
	lang := detectLanguage(body)
	outlinks := discovery.ExtractLinks(raw.HTML, canonical)

	return Document{
		URL:          canonical,
		CanonicalURL: canonical,
		Title:        strings.TrimSpace(title),
		H1H2:         h1h2,
		Body:         body,
		Lang:         lang,
		FetchedAt:    raw.FetchedAt,
		Outlinks:     outlinks,
		StatusCode:   raw.Status,
		ContentType:  raw.ContentType,
	}, true
}

// NormalizeBatch normalizes every record in raws, dropping records per
// Normalize's rules and deduplicating within the batch by final URL with
// last-write-wins semantics, matching spec.md §4.1.
func NormalizeBatch(raws []RawRecord) []Document {
	order := make([]string, 0, len(raws))
	byURL := make(map[string]Document, len(raws))

	for _, raw := range raws {
		doc, ok := Normalize(raw)
		if !ok {
			continue
		}
		if _, exists := byURL[doc.URL]; !exists {
			order = append(order, doc.URL)
		}
		byURL[doc.URL] = doc
	}

	out := make([]Document, 0, len(order))
	for _, u := range order {
		out = append(out, byURL[u])
	}
	return out
}

func canonicalizeURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	canonical := urlutil.Canonicalize(*parsed)
	return canonical.String()
}

// extractTitleAndBody uses a precision-favoring readability extractor when
// the HTML parses into an article, falling back to a goquery-based strip
// of <script>/<style> with whitespace collapse otherwise.
func extractTitleAndBody(html, pageURL string) (string, string) {
	if strings.TrimSpace(html) == "" {
		return "", ""
	}

	parsedURL, _ := url.Parse(pageURL)
	article, err := readability.FromReader(strings.NewReader(html), parsedURL)
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		return article.Title, collapseWhitespace(article.TextContent)
	}

	return fallbackExtract(html)
}

func fallbackExtract(html string) (string, string) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", ""
	}
	doc.Find("script, style, nav, footer").Remove()
	title := strings.TrimSpace(doc.Find("title").First().Text())
	body := collapseWhitespace(doc.Find("body").Text())
	return title, body
}

func extractHeadings(html string) string {
	if strings.TrimSpace(html) == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	var headings []string
	doc.Find("h1, h2").Each(func(_ int, sel *goquery.Selection) {
		text := strings.TrimSpace(sel.Text())
		if text != "" {
			headings = append(headings, text)
		}
	})
	return strings.Join(headings, "\n")
}

// detectLanguage runs whatlanggo over the first languageDetectWindow body
// characters, matching spec.md §4.1, returning "unknown" on detection
// failure or an empty body.
func detectLanguage(body string) string {
	window := body
	if len(window) > languageDetectWindow {
		window = window[:languageDetectWindow]
	}
	window = strings.TrimSpace(window)
	if window == "" {
		return "unknown"
	}

	info := whatlanggo.Detect(window)
	if !info.IsReliable() {
		return "unknown"
	}
	code := info.Lang.Iso6391()
	if code == "" {
		return "unknown"
	}
	return code
}

func collapseWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}
