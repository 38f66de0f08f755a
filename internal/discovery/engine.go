package discovery

import (
	"strings"
)

// RegistrySeed is one curated seed entry, grounded on
// seeds_loader.sources.SeedSource / server.seeds_loader.SeedRegistryEntry.
type RegistrySeed struct {
	ID       string
	URL      string
	Trust    string
	Boost    float64
	Tags     []string
	Metadata map[string]string
}

// LearnedSeed is one row folded in from the learned-web value map (C7),
// grounded on discover.py's `_learned()` / `_value_map_cached` loop.
type LearnedSeed struct {
	Domain string
	URL    string
	Score  float64
}

// Entity is an encyclopedic-entity-style structured hint (sitelinks +
// official-website claims), grounded on discover.py's wikidata_candidates.
type Entity struct {
	SiteLinks       []string
	OfficialWebsite []string
}

// Repository is a code-repository structured hint, grounded on
// discover.py's github_candidates.
type Repository struct {
	HTMLURL  string
	Homepage string
}

// RegistryLoader supplies the curated seed set. Implementations should
// cache internally if loading is expensive; the Engine itself caches one
// call's result for its lifetime.
type RegistryLoader func() ([]RegistrySeed, error)

// LearnedLoader supplies learned-web rows.
type LearnedLoader func() ([]LearnedSeed, error)

// Engine is the Discovery Engine (C8): it merges registry, learned,
// HTML-extracted, manual, and structured seed hints into scored
// Candidates, caching its registry/learned loads for its lifetime exactly
// as discover.py's DiscoveryEngine does with `_registry_cache`/
// `_learned_cache`.
type Engine struct {
	registryLoader RegistryLoader
	learnedLoader  LearnedLoader
	values         ValueMap
	authority      AuthorityIndex

	registryCache []RegistrySeed
	learnedCache  []LearnedSeed
	loaded        bool
}

// NewEngine builds a Discovery Engine. values and authority may be nil,
// in which case Finalize falls back to its heuristic/zero defaults.
func NewEngine(registryLoader RegistryLoader, learnedLoader LearnedLoader, values ValueMap, authority AuthorityIndex) *Engine {
	return &Engine{
		registryLoader: registryLoader,
		learnedLoader:  learnedLoader,
		values:         values,
		authority:      authority,
	}
}

func (e *Engine) load() {
	if e.loaded {
		return
	}
	e.loaded = true
	if e.registryLoader != nil {
		if seeds, err := e.registryLoader(); err == nil {
			e.registryCache = seeds
		}
	}
	if e.learnedLoader != nil {
		if rows, err := e.learnedLoader(); err == nil {
			e.learnedCache = rows
		}
	}
}

// Request bundles every optional input discover.py's `discover()` accepts.
type Request struct {
	Query           string
	Limit           int
	ExtraSeeds      []string
	HTMLSnippets    []string
	Entities        []Entity
	Repositories    []Repository
	SitemapGroups   [][]string
}

// Discover returns ranked Candidates for req, per spec.md §4.5's
// numbered pipeline: keyword set, registry fold-in (keyword-filtered,
// falling back to every registry seed if nothing overlaps), learned
// fold-in, HTML snippet links, manual seeds, structured hints, then
// finalize+dedupe-by-URL-keeping-max-score.
func (e *Engine) Discover(req Request) []Candidate {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil
	}
	e.load()

	keywords := make(map[string]bool)
	for _, kw := range Keywords(query) {
		keywords[kw] = true
	}

	var hits []Hit
	var registryFallback []Hit

	for _, seed := range e.registryCache {
		hit, ok := registryHit(seed)
		if !ok {
			continue
		}
		registryFallback = append(registryFallback, hit)
		if len(keywords) > 0 && !anyKeywordIn(hit.URL, keywords) {
			continue
		}
		hits = append(hits, hit)
	}
	if len(hits) == 0 {
		hits = append(hits, registryFallback...)
	}

	for _, row := range e.learnedCache {
		domain := strings.TrimSpace(row.Domain)
		if domain == "" {
			continue
		}
		target := strings.TrimSpace(row.URL)
		if target == "" {
			target = "https://" + domain
		}
		score := row.Score
		hits = append(hits, Hit{URL: target, Source: "learned", Boost: 1.1, ValuePrior: &score})
	}

	for _, snippet := range req.HTMLSnippets {
		for _, link := range ExtractLinks(snippet, "") {
			hits = append(hits, Hit{URL: link, Source: "html", Boost: 1.2})
		}
	}

	for _, seed := range req.ExtraSeeds {
		if sanitized, ok := SanitizeURL(seed, ""); ok {
			hits = append(hits, Hit{URL: sanitized, Source: "manual", Boost: 1.25})
		}
	}

	for _, entity := range req.Entities {
		hits = append(hits, entityHits(entity)...)
	}
	for _, repo := range req.Repositories {
		hits = append(hits, repositoryHits(repo)...)
	}
	for _, group := range req.SitemapGroups {
		hits = append(hits, sitemapHits(group)...)
	}

	candidates := e.finalize(hits)
	if len(candidates) == 0 {
		return nil
	}
	return candidates
}

func (e *Engine) finalize(hits []Hit) []Candidate {
	best := make(map[string]Candidate)
	order := make([]string, 0, len(hits))
	for _, h := range hits {
		c, ok := h.Finalize(e.values, e.authority)
		if !ok {
			continue
		}
		existing, seen := best[c.URL]
		if !seen {
			order = append(order, c.URL)
			best[c.URL] = c
			continue
		}
		if c.Score > existing.Score {
			best[c.URL] = c
		}
	}
	out := make([]Candidate, 0, len(order))
	for _, u := range order {
		out = append(out, best[u])
	}
	return out
}

func registryHit(seed RegistrySeed) (Hit, bool) {
	if seed.URL == "" {
		return Hit{}, false
	}
	multiplier := TrustMultiplier(seed.Trust)
	boost := RegistryBaseBoost * multiplier
	if seed.Boost > 0 {
		boost *= seed.Boost
	}
	source := "registry"
	if seed.ID != "" {
		source = "registry:" + seed.ID
	}
	return Hit{URL: seed.URL, Source: source, Boost: boost}, true
}

func anyKeywordIn(rawURL string, keywords map[string]bool) bool {
	lowered := strings.ToLower(rawURL)
	for kw := range keywords {
		if strings.Contains(lowered, kw) {
			return true
		}
	}
	return false
}

func entityHits(e Entity) []Hit {
	var hits []Hit
	for _, u := range append(append([]string{}, e.SiteLinks...), e.OfficialWebsite...) {
		if sanitized, ok := SanitizeURL(u, ""); ok {
			hits = append(hits, Hit{URL: sanitized, Source: "wikidata", Boost: 1.15})
		}
	}
	return hits
}

func repositoryHits(r Repository) []Hit {
	if r.HTMLURL == "" {
		return nil
	}
	trimmed := strings.TrimSuffix(r.HTMLURL, "/")
	urls := []string{r.HTMLURL, trimmed + "/wiki", trimmed + "/tree/main/docs"}
	if r.Homepage != "" {
		urls = append(urls, r.Homepage)
	}
	var hits []Hit
	for _, u := range urls {
		if sanitized, ok := SanitizeURL(u, ""); ok {
			hits = append(hits, Hit{URL: sanitized, Source: "github", Boost: 1.2})
		}
	}
	return hits
}

func sitemapHits(urls []string) []Hit {
	var hits []Hit
	freshness := 1.0
	for _, u := range urls {
		if sanitized, ok := SanitizeURL(u, ""); ok {
			hits = append(hits, Hit{URL: sanitized, Source: "sitemap-hint", Boost: 1.1, Freshness: &freshness})
		}
	}
	return hits
}

// ExtractLinks returns sanitized, order-preserving deduplicated hyperlinks
// found in an HTML snippet's anchor hrefs.
func ExtractLinks(htmlSnippet, baseURL string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, href := range extractHrefs(htmlSnippet) {
		sanitized, ok := SanitizeURL(href, baseURL)
		if !ok || seen[sanitized] {
			continue
		}
		seen[sanitized] = true
		out = append(out, sanitized)
	}
	return out
}
