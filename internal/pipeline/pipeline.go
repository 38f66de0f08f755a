// Package pipeline is the focused-crawl pipeline (C11): it orchestrates
// discovery (C8) -> frontier (C9) -> crawl (C10) -> normalize (C1) ->
// dedupe/index (C2-C4) -> vector upsert (C5/C6/C12), writing domain/page/
// link/discovery rows into the learned-web graph (C7) throughout, and
// reporting stage progress through the shape the job engine (C13) expects.
// Grounded on _examples/original_source/server/focused_crawl.py's
// run_focused_crawl stage sequence (spec.md §4.10).
package pipeline

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rohmanhakim/focusedsearch/internal/crawler"
	"github.com/rohmanhakim/focusedsearch/internal/dedupe"
	"github.com/rohmanhakim/focusedsearch/internal/discovery"
	"github.com/rohmanhakim/focusedsearch/internal/fingerprint"
	"github.com/rohmanhakim/focusedsearch/internal/indexservice"
	"github.com/rohmanhakim/focusedsearch/internal/jobengine"
	"github.com/rohmanhakim/focusedsearch/internal/keywordindex"
	"github.com/rohmanhakim/focusedsearch/internal/learnedweb"
	"github.com/rohmanhakim/focusedsearch/internal/normalize"
	"github.com/rohmanhakim/focusedsearch/internal/telemetry"
)

// vectorUpsertConcurrency bounds how many documents are embedded/upserted
// into the vector store at once during indexDocs, per spec.md §4.10 step
// 6's "in parallel" wording; kept small since the embedder itself is
// typically the bottleneck resource.
const vectorUpsertConcurrency = 4

// Options tunes one Runner, matching spec.md §4.6/§4.10's defaults.
type Options struct {
	Budget          int
	PerHostCap      int
	PolitenessDelay time.Duration
	RerankMargin    float64
	Rerank          discovery.RerankFunc
	DiscoveryLimit  int
}

func (o Options) withDefaults() Options {
	if o.Budget <= 0 {
		o.Budget = 25
	}
	if o.PerHostCap <= 0 {
		o.PerHostCap = discovery.DefaultPerHostCap
	}
	if o.PolitenessDelay <= 0 {
		o.PolitenessDelay = time.Second
	}
	if o.RerankMargin <= 0 {
		o.RerankMargin = discovery.DefaultRerankMargin
	}
	if o.DiscoveryLimit <= 0 {
		o.DiscoveryLimit = discovery.DefaultDiscoveryLimit
	}
	return o
}

// Runner wires every component C11 depends on. Fields may be nil where a
// caller has disabled that concern (e.g. no Vector store in a
// keyword-only deployment); Run degrades gracefully.
type Runner struct {
	Discovery    *discovery.Engine
	Crawler      *crawler.Client
	KeywordIndex *keywordindex.Index
	Vector       *indexservice.Service
	Learned      *learnedweb.DB
	Ledger       *dedupe.Ledger
	SimIndex     *fingerprint.Index
	Storage      *Storage // optional: persists raw/normalized JSONL + ledger/simhash/last-index-time
	Sink         telemetry.Sink

	Opts Options
}

// Result is the pipeline's return value, surfaced as the job record's
// `result` field on success.
type Result struct {
	Query          string
	CrawlID        int64
	SeedCount      int
	PagesFetched   int
	NormalizedDocs int
	Added          int
	Skipped        int
	Deduped        int
	Embedded       int
	IndexedURLs    []string
}

// New builds a Runner with default Options applied.
func New(r Runner) *Runner {
	r.Opts = r.Opts.withDefaults()
	if r.Sink == nil {
		r.Sink = telemetry.Noop{}
	}
	return &r
}

// Run executes one focused-crawl job end to end and matches
// jobengine.Pipeline's signature so it can be handed directly to
// jobengine.New.
func (r *Runner) Run(ctx context.Context, job jobengine.Job, progress jobengine.ProgressFunc) (any, error) {
	query := strings.TrimSpace(job.DisplayQuery)
	if query == "" {
		return nil, fmt.Errorf("pipeline: empty query")
	}

	var stats jobengine.Stats
	report := func(stage, message string) {
		if progress != nil {
			progress(stage, message, stats)
		}
		r.Sink.Emit(telemetry.Event{Stage: "pipeline." + stage, Message: message})
	}

	report("starting", "starting focused crawl")

	report("frontier_start", "building discovery frontier")
	candidates := r.discover(ctx, query)
	frontier := discovery.BuildFrontier(query, candidates, discovery.FrontierOptions{
		Budget:          r.Opts.Budget,
		PerHostCap:      r.Opts.PerHostCap,
		PolitenessDelay: r.Opts.PolitenessDelay.Seconds(),
		Rerank:          r.rerankFunc(job),
		RerankMargin:    r.Opts.RerankMargin,
	})
	stats.SeedCount = len(frontier)
	if len(frontier) == 0 {
		report("frontier_empty", "no crawl candidates discovered")
		return Result{Query: query, SeedCount: 0}, nil
	}
	report("frontier_complete", fmt.Sprintf("%d candidates in frontier", len(frontier)))

	var crawlID int64
	if r.Learned != nil {
		id, err := r.Learned.StartCrawl(query, r.Opts.Budget, len(frontier), job.UseLLM, job.Model)
		if err == nil {
			crawlID = id
		}
	}
	r.recordDiscoveries(query, frontier, &crawlID)

	report("crawl_start", "fetching frontier")
	raws, pagesFetched := r.crawlFrontier(ctx, frontier, &crawlID, &stats, progress, report)
	stats.PagesFetched = pagesFetched
	report("crawl_complete", fmt.Sprintf("fetched %d pages", pagesFetched))
	if r.Storage != nil {
		r.Storage.AppendRaw(job.ID, raws)
	}

	report("normalize_start", "normalizing fetched pages")
	docs := normalize.NormalizeBatch(raws)
	stats.NormalizedDocs = len(docs)
	report("normalize_complete", fmt.Sprintf("normalized %d documents", len(docs)))
	if r.Storage != nil {
		r.Storage.AppendNormalized(docs)
	}

	if len(docs) == 0 {
		report("index_skipped", "nothing to index")
		r.completeCrawl(crawlID, pagesFetched, 0)
		return Result{Query: query, CrawlID: crawlID, SeedCount: len(frontier), PagesFetched: pagesFetched}, nil
	}

	report("index_start", "updating keyword and vector indexes")
	indexed, embedded, err := r.indexDocs(ctx, docs)
	if err != nil {
		return nil, err
	}
	stats.DocsIndexed = indexed.Added
	stats.Skipped = indexed.Skipped
	stats.Deduped = indexed.Deduped
	stats.Embedded = embedded
	report("index_complete", fmt.Sprintf("indexed %d, skipped %d, deduped %d", indexed.Added, indexed.Skipped, indexed.Deduped))

	indexedURLs := make([]string, 0, len(docs))
	for _, d := range docs {
		indexedURLs = append(indexedURLs, d.URL)
	}
	if r.Learned != nil {
		_ = r.Learned.MarkPagesIndexed(indexedURLs, time.Now())
	}
	r.completeCrawl(crawlID, pagesFetched, indexed.Added)
	if r.Storage != nil {
		r.Storage.PersistLedgerAndSimIndex(r.Ledger, r.SimIndex)
		r.Storage.WriteLastIndexTime(time.Now())
	}

	return Result{
		Query: query, CrawlID: crawlID, SeedCount: len(frontier), PagesFetched: pagesFetched,
		NormalizedDocs: len(docs), Added: indexed.Added, Skipped: indexed.Skipped,
		Deduped: indexed.Deduped, Embedded: embedded, IndexedURLs: indexedURLs,
	}, nil
}

func (r *Runner) completeCrawl(crawlID int64, pagesFetched, docsIndexed int) {
	if r.Learned == nil || crawlID == 0 {
		return
	}
	_ = r.Learned.CompleteCrawl(crawlID, pagesFetched, docsIndexed, "")
}

// discover asks the discovery engine for candidates, supplementing the
// request's extra seeds with similarity-seeded URLs pulled from past
// queries whose embeddings are close to this one, per spec.md §4.10 step
// 2. A missing embedder or learned-web DB simply yields no supplement.
func (r *Runner) discover(ctx context.Context, query string) []discovery.Candidate {
	if r.Discovery == nil {
		return nil
	}

	var extraSeeds []string
	if r.Vector != nil && r.Learned != nil {
		if vec, err := r.Vector.Embed.EmbedQuery(ctx, query); err == nil {
			embedding := make([]float64, len(vec))
			for i, v := range vec {
				embedding[i] = float64(v)
			}
			if seeds, err := r.Learned.SimilarDiscoverySeeds(embedding, r.Opts.DiscoveryLimit, 0.35, 5); err == nil {
				extraSeeds = seeds
			}
			_ = r.Learned.UpsertQueryEmbedding(query, embedding)
		}
	}

	return r.Discovery.Discover(discovery.Request{
		Query:      query,
		Limit:      r.Opts.DiscoveryLimit,
		ExtraSeeds: extraSeeds,
	})
}

func (r *Runner) rerankFunc(job jobengine.Job) discovery.RerankFunc {
	if !job.UseLLM || r.Opts.Rerank == nil {
		return nil
	}
	return r.Opts.Rerank
}

// recordDiscoveries folds every frontier candidate into the learned-web
// graph (§4.8's record_discovery), so future queries benefit from this
// crawl's value priors regardless of whether the fetch itself succeeds.
func (r *Runner) recordDiscoveries(query string, frontier []discovery.Candidate, crawlID *int64) {
	if r.Learned == nil {
		return
	}
	var id *int64
	if *crawlID != 0 {
		id = crawlID
	}
	for _, c := range frontier {
		_, _ = r.Learned.RecordDiscovery(query, c.URL, c.Source, c.Source, c.Score, id)
	}
}

// crawlFrontier fetches every frontier URL in order through the polite
// crawler client, recording page/link rows into the learned-web graph as
// it goes. Per spec.md §7's propagation policy, a per-URL fetch error is
// counted and the loop continues; the job only fails if the index-writer
// step itself fails.
func (r *Runner) crawlFrontier(ctx context.Context, frontier []discovery.Candidate, crawlID *int64, stats *jobengine.Stats, progress jobengine.ProgressFunc, report func(stage, message string)) ([]normalize.RawRecord, int) {
	if r.Crawler == nil {
		return nil, 0
	}

	var id *int64
	if *crawlID != 0 {
		id = crawlID
	}

	raws := make([]normalize.RawRecord, 0, len(frontier))
	fetched := 0
	for _, c := range frontier {
		result, err := r.Crawler.Fetch(ctx, c.URL)
		if err != nil {
			r.Sink.Error("pipeline", "crawl.fetch", err, map[string]any{"url": c.URL})
			continue
		}
		if result == nil {
			continue
		}
		fetched++
		raws = append(raws, normalize.RawRecord{
			URL: result.URL, Status: result.Status, Title: result.Title,
			HTML: result.HTML, FetchedAt: result.FetchedAt, ContentType: result.ContentType,
		})

		if r.Learned != nil {
			outlinks := discovery.ExtractLinks(result.HTML, result.URL)
			status := result.Status
			pageID, err := r.Learned.RecordPage(id, result.URL, &status, result.Title, result.FetchedAt, nil, "")
			if err == nil && pageID != 0 {
				_ = r.Learned.RecordLinks(pageID, outlinks, time.Now(), id)
			}
		}

		stats.PagesFetched = fetched
		if progress != nil {
			report("crawl_start", fmt.Sprintf("fetched %s", c.URL))
		}
	}
	return raws, fetched
}

// indexDocs runs the keyword-index incremental algorithm (§4.3) and the
// vector-store upsert (§4.4) over docs. Vector upserts run concurrently
// per spec.md §4.10 step 6 ("in parallel"); a failed embed enqueues into
// the pending-vectors queue inside indexservice.Service and never fails
// the job.
func (r *Runner) indexDocs(ctx context.Context, docs []normalize.Document) (dedupe.Result, int, error) {
	var result dedupe.Result
	if r.KeywordIndex != nil && r.Ledger != nil && r.SimIndex != nil {
		writer := keywordWriter{idx: r.KeywordIndex}
		dedupeDocs := make([]dedupe.Document, len(docs))
		for i, d := range docs {
			dedupeDocs[i] = dedupe.Document{URL: d.URL, Title: d.Title, H1H2: d.H1H2, Body: d.Body}
		}
		// IncrementalIndex is per-language; group by language so the
		// writer can tag the right analyzer-relevant field per call.
		byLang := make(map[string][]dedupe.Document)
		order := make([]string, 0)
		for i, dd := range dedupeDocs {
			lang := docs[i].Lang
			if _, ok := byLang[lang]; !ok {
				order = append(order, lang)
			}
			byLang[lang] = append(byLang[lang], dd)
		}
		for _, lang := range order {
			res, err := dedupe.IncrementalIndex(writer, r.Ledger, r.SimIndex, byLang[lang], lang)
			result.Added += res.Added
			result.Skipped += res.Skipped
			result.Deduped += res.Deduped
			if err != nil {
				return result, 0, fmt.Errorf("keyword index write failed: %w", err)
			}
		}
	}

	var embedded int64
	if r.Vector != nil {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(vectorUpsertConcurrency)
		for _, d := range docs {
			d := d
			g.Go(func() error {
				meta := map[string]string{"lang": d.Lang, "domain": hostOf(d.URL)}
				res, err := r.Vector.UpsertDocument(gctx, d.Body, d.URL, d.Title, meta)
				if err != nil {
					r.Sink.Error("pipeline", "index.vector_upsert", err, map[string]any{"url": d.URL})
					return nil
				}
				if res.Chunks > 0 {
					atomic.AddInt64(&embedded, int64(res.Chunks))
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	return result, int(embedded), nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// keywordWriter adapts *keywordindex.Index to dedupe.Writer.
type keywordWriter struct {
	idx *keywordindex.Index
}

func (w keywordWriter) UpdateDocument(doc dedupe.Document, lang string) error {
	return w.idx.Upsert(keywordindex.Document{
		URL: doc.URL, Lang: lang, Title: doc.Title, H1H2: doc.H1H2, Body: doc.Body,
		Domain: hostOf(doc.URL),
	})
}
