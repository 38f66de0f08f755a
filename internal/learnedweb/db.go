// Package learnedweb persists the crawl's "learned web" graph: domains,
// pages, links between them, crawl executions, discovery events, and query
// embeddings used to seed future discovery. It is the Go counterpart of a
// small SQLite helper class, ported near-verbatim including its monotone-max
// upsert semantics.
package learnedweb

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS domains (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	host TEXT NOT NULL UNIQUE,
	first_seen REAL NOT NULL,
	last_seen REAL NOT NULL,
	learned_score REAL NOT NULL DEFAULT 0.0,
	discovery_count INTEGER NOT NULL DEFAULT 0,
	last_discovery_reason TEXT,
	last_crawl_at REAL,
	last_index_at REAL
);

CREATE TABLE IF NOT EXISTS crawls (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	query TEXT NOT NULL,
	started_at REAL NOT NULL,
	completed_at REAL,
	pages_fetched INTEGER NOT NULL DEFAULT 0,
	docs_indexed INTEGER NOT NULL DEFAULT 0,
	budget INTEGER,
	seed_count INTEGER,
	use_llm INTEGER NOT NULL DEFAULT 0,
	model TEXT,
	raw_path TEXT
);

CREATE TABLE IF NOT EXISTS pages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	url TEXT NOT NULL UNIQUE,
	domain_id INTEGER NOT NULL,
	title TEXT,
	status INTEGER,
	first_seen REAL NOT NULL,
	last_seen REAL NOT NULL,
	fetched_at REAL NOT NULL,
	indexed_at REAL,
	fingerprint_simhash INTEGER,
	fingerprint_md5 TEXT,
	crawl_id INTEGER,
	FOREIGN KEY(domain_id) REFERENCES domains(id) ON DELETE CASCADE,
	FOREIGN KEY(crawl_id) REFERENCES crawls(id) ON DELETE SET NULL
);

CREATE TABLE IF NOT EXISTS links (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	from_page_id INTEGER NOT NULL,
	to_url TEXT NOT NULL,
	first_seen REAL NOT NULL,
	last_seen REAL NOT NULL,
	crawl_id INTEGER,
	UNIQUE(from_page_id, to_url),
	FOREIGN KEY(from_page_id) REFERENCES pages(id) ON DELETE CASCADE,
	FOREIGN KEY(crawl_id) REFERENCES crawls(id) ON DELETE SET NULL
);

CREATE TABLE IF NOT EXISTS discoveries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	query TEXT NOT NULL,
	domain_id INTEGER NOT NULL,
	url TEXT NOT NULL,
	reason TEXT NOT NULL,
	source TEXT,
	score REAL NOT NULL,
	discovered_at REAL NOT NULL,
	crawl_id INTEGER,
	FOREIGN KEY(domain_id) REFERENCES domains(id) ON DELETE CASCADE,
	FOREIGN KEY(crawl_id) REFERENCES crawls(id) ON DELETE SET NULL
);

CREATE INDEX IF NOT EXISTS idx_domains_last_seen ON domains(last_seen DESC);
CREATE INDEX IF NOT EXISTS idx_domains_learned_score ON domains(learned_score DESC);
CREATE INDEX IF NOT EXISTS idx_pages_domain_id ON pages(domain_id);
CREATE INDEX IF NOT EXISTS idx_links_to_url ON links(to_url);
CREATE INDEX IF NOT EXISTS idx_discoveries_query ON discoveries(query);

CREATE TABLE IF NOT EXISTS query_embeddings (
	query TEXT PRIMARY KEY,
	embedding TEXT NOT NULL,
	updated_at REAL NOT NULL
);
`

// DB is a handle on the learned-web SQLite database.
type DB struct {
	mu   sync.Mutex
	conn *sql.DB
}

// Open opens (creating if necessary) the learned-web database at path in
// WAL mode with foreign keys enforced. Schema migration is guarded by a
// cross-process file lock (path+".lock") so two processes racing to open
// a fresh database don't both run CREATE TABLE against an empty file at
// once, per spec.md §5's WAL/single-writer guarantee.
func Open(path string) (*DB, error) {
	if path != ":memory:" {
		fl := flock.New(path + ".lock")
		if err := fl.Lock(); err == nil {
			defer fl.Unlock()
		}
	}

	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("learnedweb: open %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1) // writer serialization; sqlite tolerates one writer well

	db := &DB{conn: conn}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("learnedweb: migrate schema: %w", err)
	}
	return db, nil
}

// Close releases the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func ts(t time.Time) float64 {
	if t.IsZero() {
		return float64(time.Now().UnixNano()) / 1e9
	}
	return float64(t.UnixNano()) / 1e9
}

// DomainUpsert carries the optional fields of an UpsertDomain call.
type DomainUpsert struct {
	SeenAt             time.Time
	LearnedScore       float64
	IncrementDiscovery bool
	DiscoveryReason    string
	LastCrawlAt        *time.Time
	LastIndexAt        *time.Time
}

// UpsertDomain inserts or monotonically updates a domain row: last_seen and
// learned_score only ever move forward, discovery_count accumulates, and
// last_crawl_at/last_index_at keep whichever of the stored or incoming value
// is non-null and later. Returns the domain's row id, or 0 if host is empty.
func (db *DB) UpsertDomain(host string, opts DomainUpsert) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.upsertDomainLocked(host, opts)
}

func (db *DB) upsertDomainLocked(host string, opts DomainUpsert) (int64, error) {
	normalized := normalizeHost(host)
	if normalized == "" {
		return 0, nil
	}
	seenAt := ts(opts.SeenAt)
	discoveryCount := 0
	var reason any
	if opts.IncrementDiscovery {
		discoveryCount = 1
		if opts.DiscoveryReason != "" {
			reason = opts.DiscoveryReason
		}
	}
	var lastCrawlAt, lastIndexAt any
	if opts.LastCrawlAt != nil {
		lastCrawlAt = ts(*opts.LastCrawlAt)
	}
	if opts.LastIndexAt != nil {
		lastIndexAt = ts(*opts.LastIndexAt)
	}

	_, err := db.conn.Exec(`
		INSERT INTO domains (host, first_seen, last_seen, learned_score, discovery_count, last_discovery_reason, last_crawl_at, last_index_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(host) DO UPDATE SET
			last_seen = CASE WHEN excluded.last_seen > domains.last_seen THEN excluded.last_seen ELSE domains.last_seen END,
			learned_score = CASE WHEN excluded.learned_score > domains.learned_score THEN excluded.learned_score ELSE domains.learned_score END,
			discovery_count = domains.discovery_count + excluded.discovery_count,
			last_discovery_reason = CASE WHEN excluded.discovery_count > 0 THEN excluded.last_discovery_reason ELSE domains.last_discovery_reason END,
			last_crawl_at = CASE
				WHEN excluded.last_crawl_at IS NULL THEN domains.last_crawl_at
				WHEN domains.last_crawl_at IS NULL THEN excluded.last_crawl_at
				WHEN excluded.last_crawl_at > domains.last_crawl_at THEN excluded.last_crawl_at
				ELSE domains.last_crawl_at
			END,
			last_index_at = CASE
				WHEN excluded.last_index_at IS NULL THEN domains.last_index_at
				WHEN domains.last_index_at IS NULL THEN excluded.last_index_at
				WHEN excluded.last_index_at > domains.last_index_at THEN excluded.last_index_at
				ELSE domains.last_index_at
			END
	`, normalized, seenAt, seenAt, opts.LearnedScore, discoveryCount, reason, lastCrawlAt, lastIndexAt)
	if err != nil {
		return 0, fmt.Errorf("learnedweb: upsert domain %s: %w", normalized, err)
	}

	var id int64
	if err := db.conn.QueryRow(`SELECT id FROM domains WHERE host = ?`, normalized).Scan(&id); err != nil {
		return 0, fmt.Errorf("learnedweb: read domain id for %s: %w", normalized, err)
	}
	return id, nil
}

// DomainValueMap returns host -> learned_score for every domain with a
// positive learned score.
func (db *DB) DomainValueMap() (map[string]float64, error) {
	rows, err := db.conn.Query(`SELECT host, learned_score FROM domains WHERE learned_score > 0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var host string
		var score float64
		if err := rows.Scan(&host, &score); err != nil {
			return nil, err
		}
		out[host] = score
	}
	return out, rows.Err()
}

// TopDomains returns up to limit hosts ordered by learned_score desc, then
// last_seen desc.
func (db *DB) TopDomains(limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := db.conn.Query(`SELECT host FROM domains ORDER BY learned_score DESC, last_seen DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hosts []string
	for rows.Next() {
		var host string
		if err := rows.Scan(&host); err != nil {
			return nil, err
		}
		hosts = append(hosts, host)
	}
	return hosts, rows.Err()
}

// LearnedSeedRow is one learned-web fold-in candidate: a domain with a
// positive learned score paired with its most recently seen page URL.
type LearnedSeedRow struct {
	Domain string
	URL    string
	Score  float64
}

// LearnedSeedRows returns up to limit (host, most-recent-url, learned_score)
// rows for domains with a positive learned score, ordered by score desc,
// feeding discovery.Engine's learned fold-in step (spec.md §4.5 step 3).
func (db *DB) LearnedSeedRows(limit int) ([]LearnedSeedRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.conn.Query(`
		SELECT d.host, p.url, d.learned_score
		FROM domains d
		JOIN pages p ON p.id = (
			SELECT id FROM pages WHERE domain_id = d.id ORDER BY last_seen DESC LIMIT 1
		)
		WHERE d.learned_score > 0
		ORDER BY d.learned_score DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LearnedSeedRow
	for rows.Next() {
		var r LearnedSeedRow
		if err := rows.Scan(&r.Domain, &r.URL, &r.Score); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DomainAbout returns the most recent discovery reason recorded for host,
// used by the hybrid search service (C14) to populate a result's `about`
// field with a short provenance blurb (e.g. "registry", "learned",
// "html"). ok is false for a host the learned-web graph has never seen.
func (db *DB) DomainAbout(host string) (string, bool) {
	var reason sql.NullString
	err := db.conn.QueryRow(`SELECT last_discovery_reason FROM domains WHERE host = ?`, host).Scan(&reason)
	if err != nil {
		return "", false
	}
	return reason.String, reason.Valid && reason.String != ""
}

// StartCrawl inserts a new crawl row and returns its id.
func (db *DB) StartCrawl(query string, budget, seedCount int, useLLM bool, model string) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var modelArg any
	if model != "" {
		modelArg = model
	}
	res, err := db.conn.Exec(
		`INSERT INTO crawls (query, started_at, budget, seed_count, use_llm, model) VALUES (?, ?, ?, ?, ?, ?)`,
		query, ts(time.Time{}), budget, seedCount, boolToInt(useLLM), modelArg,
	)
	if err != nil {
		return 0, fmt.Errorf("learnedweb: start crawl: %w", err)
	}
	return res.LastInsertId()
}

// CompleteCrawl records the outcome of a crawl started with StartCrawl.
func (db *DB) CompleteCrawl(crawlID int64, pagesFetched, docsIndexed int, rawPath string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	var rawPathArg any
	if rawPath != "" {
		rawPathArg = rawPath
	}
	_, err := db.conn.Exec(
		`UPDATE crawls SET completed_at = ?, pages_fetched = ?, docs_indexed = ?, raw_path = ? WHERE id = ?`,
		ts(time.Time{}), pagesFetched, docsIndexed, rawPathArg, crawlID,
	)
	return err
}

// DiscoveryResult reports the domain a discovery was attributed to and
// whether that domain row was newly created by this call.
type DiscoveryResult struct {
	DomainID int64
	Created  bool
}

// RecordDiscovery upserts the discovered URL's domain (bumping its
// discovery count and learned score) and inserts a discoveries row.
func (db *DB) RecordDiscovery(query, rawURL, reason, source string, score float64, crawlID *int64) (*DiscoveryResult, error) {
	normalizedURL := normalizeURL(rawURL)
	if normalizedURL == "" {
		return nil, nil
	}
	host := normalizeHost(normalizedURL)
	if host == "" {
		return nil, nil
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	var exists int
	_ = db.conn.QueryRow(`SELECT 1 FROM domains WHERE host = ?`, host).Scan(&exists)
	created := exists == 0

	domainID, err := db.upsertDomainLocked(host, DomainUpsert{
		LearnedScore:       score,
		IncrementDiscovery: true,
		DiscoveryReason:    reason,
	})
	if err != nil || domainID == 0 {
		return nil, err
	}

	var sourceArg, crawlIDArg any
	if source != "" {
		sourceArg = source
	}
	if crawlID != nil {
		crawlIDArg = *crawlID
	}
	_, err = db.conn.Exec(
		`INSERT INTO discoveries (query, domain_id, url, reason, source, score, discovered_at, crawl_id) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		query, domainID, normalizedURL, reason, sourceArg, score, ts(time.Time{}), crawlIDArg,
	)
	if err != nil {
		return nil, fmt.Errorf("learnedweb: record discovery: %w", err)
	}
	return &DiscoveryResult{DomainID: domainID, Created: created}, nil
}

// UpsertQueryEmbedding stores the L2-normalized embedding for query.
func (db *DB) UpsertQueryEmbedding(query string, embedding []float64) error {
	normalizedQuery := query
	if normalizedQuery == "" {
		return nil
	}
	serialized, err := json.Marshal(roundAll(normalizeEmbedding(embedding)))
	if err != nil {
		return err
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	_, err = db.conn.Exec(`
		INSERT INTO query_embeddings (query, embedding, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(query) DO UPDATE SET embedding = excluded.embedding, updated_at = excluded.updated_at
	`, normalizedQuery, string(serialized), ts(time.Time{}))
	return err
}

// SimilarDiscoverySeeds returns up to limit previously-discovered URLs drawn
// from the stored queries whose embedding is at least minSimilarity similar
// to embedding, best-similarity query first, deduped by URL, with at most
// perQuery URLs contributed by any single stored query.
func (db *DB) SimilarDiscoverySeeds(embedding []float64, limit int, minSimilarity float64, perQuery int) ([]string, error) {
	if len(embedding) == 0 {
		return nil, nil
	}
	target := normalizeEmbedding(embedding)

	rows, err := db.conn.Query(`SELECT query, embedding FROM query_embeddings`)
	if err != nil {
		return nil, err
	}
	var candidates []querySimilarity
	for rows.Next() {
		var query, embeddingJSON string
		if err := rows.Scan(&query, &embeddingJSON); err != nil {
			rows.Close()
			return nil, err
		}
		var stored []float64
		if err := json.Unmarshal([]byte(embeddingJSON), &stored); err != nil || len(stored) != len(target) {
			continue
		}
		if sim := cosineSimilarity(target, stored); sim >= minSimilarity {
			candidates = append(candidates, querySimilarity{similarity: sim, query: query})
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sortCandidatesDesc(candidates)

	seeds := make([]string, 0, limit)
	seen := make(map[string]bool)
	for _, c := range candidates {
		urlRows, err := db.conn.Query(`
			SELECT url, MAX(score) AS best_score FROM discoveries WHERE query = ? GROUP BY url ORDER BY best_score DESC LIMIT ?
		`, c.query, perQuery)
		if err != nil {
			return nil, err
		}
		for urlRows.Next() {
			var url string
			var bestScore float64
			if err := urlRows.Scan(&url, &bestScore); err != nil {
				urlRows.Close()
				return nil, err
			}
			if seen[url] {
				continue
			}
			seen[url] = true
			seeds = append(seeds, url)
			if len(seeds) >= limit {
				urlRows.Close()
				return seeds, nil
			}
		}
		urlRows.Close()
		if err := urlRows.Err(); err != nil {
			return nil, err
		}
	}
	return seeds, nil
}

type querySimilarity struct {
	similarity float64
	query      string
}

func sortCandidatesDesc(candidates []querySimilarity) {
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidates[j].similarity > candidates[j-1].similarity; j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}
}

func roundAll(values []float64) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = math.Round(v*1e6) / 1e6
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
