// Package keywordindex is the inverted keyword index (C4): an
// upsert-by-url store over {url, lang, title, h1h2, body} with stemming
// and per-field boosts, backed by github.com/blevesearch/bleve/v2 the way
// Aman-CERP/amanmcp's internal/store.BleveBM25Index wraps the same
// library for its own BM25-style search.
package keywordindex

import (
	"fmt"
	"os"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/lang/en"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
)

// RequiredFields is the immutable stored-field set a legacy schema is
// checked against on open. Per spec.md §4.3, a schema missing any of these
// forces a from-scratch rebuild of the index directory.
var RequiredFields = []string{"url", "lang", "title", "h1h2", "body"}

const (
	boostTitle = 4.0
	boostH1H2  = 2.0
	boostBody  = 1.0
)

// Document is one upsert-by-url record.
type Document struct {
	URL   string
	Lang  string
	Title string
	H1H2  string
	Body  string
	// Domain is the site-filter field named in spec.md §9's Open Question.
	// We resolve that question by adding it as a stored, indexed keyword
	// field rather than removing the `site` query filter: callers that
	// never populate it simply never match a `site` filter, which is a
	// strict improvement over a filter path that can never succeed.
	Domain string
}

// Index is the keyword index over normalized documents.
type Index struct {
	mu  sync.RWMutex
	dir string
	idx bleve.Index
}

// Hit is one search result.
type Hit struct {
	URL     string
	Score   float64
	Title   string
	Lang    string
	Domain  string
	Snippet string
}

// Open opens (or creates) the keyword index directory at dir, rebuilding
// it from scratch if the existing schema is missing a required field.
func Open(dir string) (*Index, error) {
	if dir == "" {
		return nil, fmt.Errorf("keywordindex: dir is required")
	}

	idx, err := bleve.Open(dir)
	switch {
	case err == nil:
		if !hasRequiredFields(idx) {
			idx.Close()
			if rmErr := os.RemoveAll(dir); rmErr != nil {
				return nil, fmt.Errorf("keywordindex: rebuild %s: %w", dir, rmErr)
			}
			idx, err = bleve.New(dir, buildMapping())
			if err != nil {
				return nil, fmt.Errorf("keywordindex: rebuild %s: %w", dir, err)
			}
		}
	case err == bleve.ErrorIndexPathDoesNotExist:
		idx, err = bleve.New(dir, buildMapping())
		if err != nil {
			return nil, fmt.Errorf("keywordindex: create %s: %w", dir, err)
		}
	default:
		// Missing segment files or other corruption: treat as empty and
		// rebuild rather than surface a half-open index to callers.
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			return nil, fmt.Errorf("keywordindex: open %s: %w", dir, err)
		}
		idx, err = bleve.New(dir, buildMapping())
		if err != nil {
			return nil, fmt.Errorf("keywordindex: recreate %s: %w", dir, err)
		}
	}

	return &Index{dir: dir, idx: idx}, nil
}

// OpenMemory opens an in-memory index, useful for tests.
func OpenMemory() (*Index, error) {
	idx, err := bleve.NewMemOnly(buildMapping())
	if err != nil {
		return nil, err
	}
	return &Index{idx: idx}, nil
}

func hasRequiredFields(idx bleve.Index) bool {
	im, ok := idx.Mapping().(*mapping.IndexMappingImpl)
	if !ok {
		return false
	}
	dm := im.DefaultMapping
	for _, field := range RequiredFields {
		if _, ok := dm.Properties[field]; !ok {
			return false
		}
	}
	return true
}

func buildMapping() *mapping.IndexMappingImpl {
	im := bleve.NewIndexMapping()
	im.DefaultAnalyzer = en.AnalyzerName

	docMapping := bleve.NewDocumentMapping()

	keyword := bleve.NewTextFieldMapping()
	keyword.Analyzer = "keyword"
	keyword.Store = true

	text := bleve.NewTextFieldMapping()
	text.Analyzer = en.AnalyzerName
	text.Store = true

	docMapping.AddFieldMappingsAt("url", keyword)
	docMapping.AddFieldMappingsAt("lang", keyword)
	docMapping.AddFieldMappingsAt("domain", keyword)
	docMapping.AddFieldMappingsAt("title", text)
	docMapping.AddFieldMappingsAt("h1h2", text)
	docMapping.AddFieldMappingsAt("body", text)

	im.DefaultMapping = docMapping
	return im
}

// Close releases the underlying bleve index.
func (i *Index) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.idx.Close()
}

// Upsert indexes or replaces doc, keyed by URL.
func (i *Index) Upsert(doc Document) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if doc.URL == "" {
		return fmt.Errorf("keywordindex: url is required")
	}
	return i.idx.Index(doc.URL, doc)
}

// Commit is a no-op placeholder kept for parity with spec.md's
// ensure_index/upsert/commit/search operation set: bleve commits each
// Index call itself, so there is nothing additional to flush, but callers
// that were ported from a batched-writer mental model can still call this.
func (i *Index) Commit() error {
	return nil
}

// Delete removes the document stored at url, if any.
func (i *Index) Delete(url string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.idx.Delete(url)
}

// DocCount reports how many documents are currently stored.
func (i *Index) DocCount() (uint64, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.idx.DocCount()
}

// SearchParams configures Search.
type SearchParams struct {
	Site      string
	InTitle   bool
	Page      int
	PerPage   int
}

// Search runs a boosted multifield query (or a title-only query when
// InTitle is set) over the index, optionally restricted to Site, and
// returns up to PerPage hits starting at Page (1-indexed).
func (i *Index) Search(q string, params SearchParams) ([]Hit, int, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	perPage := params.PerPage
	if perPage <= 0 {
		perPage = 10
	}
	page := params.Page
	if page <= 0 {
		page = 1
	}

	textQuery := buildTextQuery(q, params.InTitle)
	var finalQuery query.Query = textQuery
	if params.Site != "" {
		siteQuery := bleve.NewTermQuery(params.Site)
		siteQuery.SetField("domain")
		finalQuery = bleve.NewConjunctionQuery(textQuery, siteQuery)
	}

	req := bleve.NewSearchRequestOptions(finalQuery, perPage, (page-1)*perPage, false)
	req.Fields = []string{"url", "title", "lang", "domain", "body"}
	req.Highlight = bleve.NewHighlight()

	result, err := i.idx.Search(req)
	if err != nil {
		return nil, 0, fmt.Errorf("keywordindex: search: %w", err)
	}

	hits := make([]Hit, 0, len(result.Hits))
	for _, h := range result.Hits {
		hit := Hit{
			URL:   h.ID,
			Score: h.Score,
		}
		if v, ok := h.Fields["title"].(string); ok {
			hit.Title = v
		}
		if v, ok := h.Fields["lang"].(string); ok {
			hit.Lang = v
		}
		if v, ok := h.Fields["domain"].(string); ok {
			hit.Domain = v
		}
		hit.Snippet = firstFragment(h.Fragments)
		hits = append(hits, hit)
	}
	return hits, int(result.Total), nil
}

func firstFragment(fragments map[string][]string) string {
	for _, field := range []string{"body", "h1h2", "title"} {
		if frags := fragments[field]; len(frags) > 0 {
			return frags[0]
		}
	}
	return ""
}

// buildTextQuery applies phrase queries (quoted substrings) and boosted
// per-field match queries over {title, h1h2, body}, or just {title} when
// inTitle restricts the search.
func buildTextQuery(q string, inTitle bool) query.Query {
	fields := []struct {
		name  string
		boost float64
	}{
		{"title", boostTitle},
		{"h1h2", boostH1H2},
		{"body", boostBody},
	}
	if inTitle {
		fields = fields[:1]
	}

	disjuncts := make([]query.Query, 0, len(fields))
	for _, f := range fields {
		mq := bleve.NewMatchQuery(q)
		mq.SetField(f.name)
		mq.SetBoost(f.boost)
		disjuncts = append(disjuncts, mq)

		pq := bleve.NewMatchPhraseQuery(q)
		pq.SetField(f.name)
		pq.SetBoost(f.boost * 1.5)
		disjuncts = append(disjuncts, pq)
	}
	return bleve.NewDisjunctionQuery(disjuncts...)
}
