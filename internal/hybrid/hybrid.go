// Package hybrid is the Hybrid Search Service (C14): it consults the
// keyword index (C4) and the vector store (C5) concurrently via
// golang.org/x/sync/errgroup, blends their scores under a configurable
// linear weight, and — when coverage is thin — submits a focused-crawl
// job through the refresh worker (C13). Grounded on
// _examples/original_source/server/hybrid_search.py's run_query.
package hybrid

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rohmanhakim/focusedsearch/internal/indexservice"
	"github.com/rohmanhakim/focusedsearch/internal/jobengine"
	"github.com/rohmanhakim/focusedsearch/internal/keywordindex"
	"github.com/rohmanhakim/focusedsearch/internal/learnedweb"
)

// Status values for Response.Status, per spec.md §6's /search contract.
const (
	StatusOK                  = "ok"
	StatusFocusedCrawlRunning = "focused_crawl_running"
	StatusNoResults           = "no_results"
)

// Match reasons, per spec.md §4.12 step 4.
const (
	MatchKeyword         = "keyword"
	MatchSemantic        = "semantic"
	MatchKeywordSemantic = "keyword+semantic"
)

// maxCandidatePool is spec.md §4.12 step 1's upper bound on candidate_limit.
const maxCandidatePool = 40

// snippetCapChars bounds a vector-side snippet, per spec.md §4.12 step 5.
const snippetCapChars = 360

// Options tunes one Service, matching spec.md §6's HYBRID_* environment
// knobs and §4.12's smart-refresh thresholds.
type Options struct {
	KeywordWeight        float64
	VectorWeight         float64
	CandidatePool        int
	SmartMinResults      int
	SmartConfidenceFloor float64
}

func (o Options) withDefaults() Options {
	if o.KeywordWeight <= 0 && o.VectorWeight <= 0 {
		o.KeywordWeight, o.VectorWeight = 0.6, 0.4
	}
	if o.CandidatePool <= 0 {
		o.CandidatePool = maxCandidatePool
	}
	if o.SmartMinResults <= 0 {
		o.SmartMinResults = 3
	}
	if o.SmartConfidenceFloor <= 0 {
		o.SmartConfidenceFloor = 0.35
	}
	return o
}

// Service blends C4 and C5, triggering C13 refresh jobs on thin coverage.
type Service struct {
	Keyword *keywordindex.Index
	Vector  *indexservice.Service
	Jobs    *jobengine.Engine
	Learned *learnedweb.DB

	Opts Options
}

// New builds a Service with default Options applied.
func New(s Service) *Service {
	s.Opts = s.Opts.withDefaults()
	return &s
}

// Result is one blended hit, matching spec.md §6's /search result shape.
type Result struct {
	URL          string
	Title        string
	Snippet      string
	Score        float64
	BlendedScore float64
	MatchReason  string
	Domain       string
	About        string
}

// Response is hybrid_search's return value.
type Response struct {
	Status        string
	Results       []Result
	Confidence    float64
	JobID         string
	LastIndexTime *time.Time
}

// Search runs spec.md §4.12's run_query algorithm.
func (s *Service) Search(ctx context.Context, query string, limit int, useLLM bool, model string) (Response, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Response{}, fmt.Errorf("hybrid: query is required")
	}
	if limit <= 0 {
		limit = 10
	}

	candidateLimit := candidatePoolFor(limit, s.Opts.CandidatePool)

	var kwHits []keywordindex.Hit
	var vecHits []indexservice.SearchHit

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if s.Keyword == nil {
			return nil
		}
		hits, _, err := s.Keyword.Search(query, keywordindex.SearchParams{PerPage: candidateLimit})
		if err != nil {
			return fmt.Errorf("hybrid: keyword search: %w", err)
		}
		kwHits = hits
		return nil
	})
	g.Go(func() error {
		if s.Vector == nil {
			return nil
		}
		hits, err := s.Vector.Search(gctx, query, candidateLimit, nil)
		if err != nil {
			return fmt.Errorf("hybrid: vector search: %w", err)
		}
		vecHits = hits
		return nil
	})
	if err := g.Wait(); err != nil {
		return Response{}, err
	}

	kwWeight, vecWeight := normalizeWeights(s.Opts.KeywordWeight, s.Opts.VectorWeight, len(kwHits) > 0, len(vecHits) > 0)

	merged := s.blend(query, kwHits, vecHits, kwWeight, vecWeight)
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].BlendedScore > merged[j].BlendedScore })
	if len(merged) > limit {
		merged = merged[:limit]
	}

	resp := Response{Results: merged, Status: StatusOK}
	if len(merged) == 0 {
		resp.Status = StatusNoResults
	} else {
		resp.Confidence = merged[0].BlendedScore
	}

	if s.needsRefresh(len(merged), resp.Confidence) && s.Jobs != nil {
		job, created, _ := s.Jobs.Enqueue(jobengine.Request{Query: query, UseLLM: useLLM, Model: model})
		if created || job.Active() {
			resp.JobID = job.ID
			resp.Status = StatusFocusedCrawlRunning
		}
	}

	return resp, nil
}

func (s *Service) needsRefresh(count int, confidence float64) bool {
	return count < s.Opts.SmartMinResults || confidence < s.Opts.SmartConfidenceFloor
}

// candidatePoolFor implements spec.md §4.12 step 1's
// `min(max(2k, k+5), 40)`, with a smaller configured pool lowering that
// ceiling of 40.
func candidatePoolFor(k, configuredMax int) int {
	n := k * 2
	if alt := k + 5; alt > n {
		n = alt
	}
	ceiling := maxCandidatePool
	if configuredMax > 0 && configuredMax < ceiling {
		ceiling = configuredMax
	}
	if n > ceiling {
		n = ceiling
	}
	return n
}

// normalizeWeights renormalizes kw/vec to sum to 1. It returns an even
// 0.5/0.5 split when neither side produced hits or when both weights are
// non-positive, and gives the whole weight to the one side that produced
// hits when the other produced none.
func normalizeWeights(kw, vec float64, haveKW, haveVec bool) (float64, float64) {
	if !haveKW && !haveVec {
		return 0.5, 0.5
	}
	if !haveKW {
		return 0, 1
	}
	if !haveVec {
		return 1, 0
	}
	sum := kw + vec
	if sum <= 0 {
		return 0.5, 0.5
	}
	return kw / sum, vec / sum
}

func (s *Service) blend(query string, kwHits []keywordindex.Hit, vecHits []indexservice.SearchHit, kwWeight, vecWeight float64) []Result {
	var kwTop, vecTop float64
	for _, h := range kwHits {
		if h.Score > kwTop {
			kwTop = h.Score
		}
	}
	for _, h := range vecHits {
		if h.Score > vecTop {
			vecTop = h.Score
		}
	}

	type partial struct {
		kwNorm, vecNorm        float64
		fromKW, fromVec        bool
		title, snippet, domain string
		rawScore               float64
	}
	byURL := make(map[string]*partial)
	order := make([]string, 0, len(kwHits)+len(vecHits))

	get := func(u string) *partial {
		if p, ok := byURL[u]; ok {
			return p
		}
		p := &partial{}
		byURL[u] = p
		order = append(order, u)
		return p
	}

	for _, h := range kwHits {
		p := get(h.URL)
		p.fromKW = true
		if kwTop > 0 {
			p.kwNorm = h.Score / kwTop
		}
		p.title = h.Title
		p.domain = h.Domain
		p.snippet = h.Snippet
		p.rawScore = h.Score
	}
	for _, h := range vecHits {
		p := get(h.URL)
		p.fromVec = true
		if vecTop > 0 {
			p.vecNorm = h.Score / vecTop
		}
		if p.title == "" {
			p.title = h.Title
		}
		if p.domain == "" {
			p.domain = domainOf(h.URL)
		}
		if p.snippet == "" {
			p.snippet = highlightSnippet(h.Chunk, query)
		}
		if h.Score > p.rawScore {
			p.rawScore = h.Score
		}
	}

	results := make([]Result, 0, len(order))
	for _, u := range order {
		p := byURL[u]
		reason := MatchKeywordSemantic
		switch {
		case p.fromKW && !p.fromVec:
			reason = MatchKeyword
		case p.fromVec && !p.fromKW:
			reason = MatchSemantic
		}
		domain := p.domain
		if domain == "" {
			domain = domainOf(u)
		}
		about := ""
		if s.Learned != nil {
			if a, ok := s.Learned.DomainAbout(domain); ok {
				about = a
			}
		}
		results = append(results, Result{
			URL:          u,
			Title:        p.title,
			Snippet:      p.snippet,
			Score:        p.rawScore,
			BlendedScore: kwWeight*p.kwNorm + vecWeight*p.vecNorm,
			MatchReason:  reason,
			Domain:       domain,
			About:        about,
		})
	}
	return results
}

// highlightSnippet wraps occurrences of query's terms in <mark> tags and
// caps the result at snippetCapChars, per spec.md §4.12 step 5's
// "term-highlighted chunk excerpts".
func highlightSnippet(chunk, query string) string {
	chunk = strings.TrimSpace(chunk)
	for _, term := range strings.Fields(query) {
		if len(term) < 3 {
			continue
		}
		chunk = markTerm(chunk, term)
	}
	if len(chunk) <= snippetCapChars {
		return chunk
	}
	return chunk[:snippetCapChars]
}

// markTerm wraps every case-insensitive occurrence of term in chunk with
// <mark></mark>, matching the keyword side's bleve highlighter output
// format.
func markTerm(chunk, term string) string {
	lowerChunk := strings.ToLower(chunk)
	lowerTerm := strings.ToLower(term)
	if !strings.Contains(lowerChunk, lowerTerm) {
		return chunk
	}

	var b strings.Builder
	rest := chunk
	lowerRest := lowerChunk
	for {
		idx := strings.Index(lowerRest, lowerTerm)
		if idx < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:idx])
		b.WriteString("<mark>")
		b.WriteString(rest[idx : idx+len(term)])
		b.WriteString("</mark>")
		rest = rest[idx+len(term):]
		lowerRest = lowerRest[idx+len(term):]
	}
	return b.String()
}

func domainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
