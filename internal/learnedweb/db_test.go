package learnedweb

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "learned_web.sqlite3")
	db, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestUpsertDomain_MonotoneMax(t *testing.T) {
	db := openTestDB(t)

	earlier := time.Unix(1000, 0)
	later := time.Unix(2000, 0)

	id1, err := db.UpsertDomain("docs.example.com", DomainUpsert{SeenAt: later, LearnedScore: 0.8})
	require.NoError(t, err)
	require.NotZero(t, id1)

	id2, err := db.UpsertDomain("docs.example.com", DomainUpsert{SeenAt: earlier, LearnedScore: 0.3})
	require.NoError(t, err)
	require.Equal(t, id1, id2, "same host should resolve to the same row")

	valueMap, err := db.DomainValueMap()
	require.NoError(t, err)
	require.InDelta(t, 0.8, valueMap["docs.example.com"], 0.0001, "learned_score must never decrease")
}

func TestUpsertDomain_StripsWWW(t *testing.T) {
	db := openTestDB(t)

	id1, err := db.UpsertDomain("www.docs.example.com", DomainUpsert{})
	require.NoError(t, err)
	id2, err := db.UpsertDomain("docs.example.com", DomainUpsert{})
	require.NoError(t, err)

	require.Equal(t, id1, id2)
}

func TestUpsertDomain_DiscoveryCountAccumulates(t *testing.T) {
	db := openTestDB(t)

	_, err := db.UpsertDomain("a.example.com", DomainUpsert{IncrementDiscovery: true, DiscoveryReason: "seed"})
	require.NoError(t, err)
	_, err = db.UpsertDomain("a.example.com", DomainUpsert{IncrementDiscovery: true, DiscoveryReason: "link"})
	require.NoError(t, err)

	top, err := db.TopDomains(10)
	require.NoError(t, err)
	require.Contains(t, top, "a.example.com")
}

func TestCrawlLifecycle(t *testing.T) {
	db := openTestDB(t)

	crawlID, err := db.StartCrawl("golang concurrency", 25, 5, true, "llama3.1:8b-instruct")
	require.NoError(t, err)
	require.NotZero(t, crawlID)

	err = db.CompleteCrawl(crawlID, 12, 10, "crawl/raw/20260101.jsonl")
	require.NoError(t, err)
}

func TestRecordDiscovery_CreatedFlag(t *testing.T) {
	db := openTestDB(t)

	result, err := db.RecordDiscovery("go channels", "https://go.dev/blog/channels", "registry", "seed", 1.2, nil)
	require.NoError(t, err)
	require.NotNil(t, result)
	require.True(t, result.Created)

	again, err := db.RecordDiscovery("go channels", "https://go.dev/blog/pipelines", "registry", "seed", 1.1, nil)
	require.NoError(t, err)
	require.NotNil(t, again)
	require.False(t, again.Created, "domain already existed from the prior discovery")
}

func TestQueryEmbeddingRoundTripAndSimilarSeeds(t *testing.T) {
	db := openTestDB(t)

	_, err := db.RecordDiscovery("golang errors", "https://go.dev/blog/errors", "registry", "seed", 1.0, nil)
	require.NoError(t, err)

	err = db.UpsertQueryEmbedding("golang errors", []float64{1, 0, 0})
	require.NoError(t, err)

	seeds, err := db.SimilarDiscoverySeeds([]float64{1, 0, 0}, 5, 0.9, 5)
	require.NoError(t, err)
	require.Contains(t, seeds, "https://go.dev/blog/errors")
}

func TestRecordPageAndMarkIndexed(t *testing.T) {
	db := openTestDB(t)

	status := 200
	pageID, err := db.RecordPage(nil, "https://go.dev/doc/", &status, "Go Documentation", time.Unix(1000, 0), nil, "")
	require.NoError(t, err)
	require.NotZero(t, pageID)

	err = db.RecordLinks(pageID, []string{"https://go.dev/doc/install", "https://go.dev/doc/effective_go"}, time.Unix(1001, 0), nil)
	require.NoError(t, err)

	err = db.MarkPagesIndexed([]string{"https://go.dev/doc/"}, time.Unix(2000, 0))
	require.NoError(t, err)
}

func TestLearnedSeedRows_OrdersByScoreAndUsesMostRecentPage(t *testing.T) {
	db := openTestDB(t)

	_, err := db.UpsertDomain("go.dev", DomainUpsert{SeenAt: time.Unix(1000, 0), LearnedScore: 0.6})
	require.NoError(t, err)
	_, err = db.UpsertDomain("rust-lang.org", DomainUpsert{SeenAt: time.Unix(1000, 0), LearnedScore: 0.9})
	require.NoError(t, err)
	_, err = db.UpsertDomain("unseeded.example.com", DomainUpsert{SeenAt: time.Unix(1000, 0), LearnedScore: 0})
	require.NoError(t, err)

	status := 200
	_, err = db.RecordPage(nil, "https://go.dev/doc/", &status, "Older", time.Unix(1000, 0), nil, "")
	require.NoError(t, err)
	_, err = db.RecordPage(nil, "https://go.dev/doc/v2/", &status, "Newer", time.Unix(2000, 0), nil, "")
	require.NoError(t, err)
	_, err = db.RecordPage(nil, "https://rust-lang.org/", &status, "Rust", time.Unix(1500, 0), nil, "")
	require.NoError(t, err)

	rows, err := db.LearnedSeedRows(10)
	require.NoError(t, err)
	require.Len(t, rows, 2, "only domains with a positive learned_score are returned")

	require.Equal(t, "rust-lang.org", rows[0].Domain, "higher learned_score sorts first")
	require.InDelta(t, 0.9, rows[0].Score, 0.0001)

	require.Equal(t, "go.dev", rows[1].Domain)
	require.Equal(t, "https://go.dev/doc/v2", rows[1].URL, "most recently seen page for the domain wins")
}

func TestLearnedSeedRows_DefaultsLimit(t *testing.T) {
	db := openTestDB(t)
	rows, err := db.LearnedSeedRows(0)
	require.NoError(t, err)
	require.Empty(t, rows)
}
