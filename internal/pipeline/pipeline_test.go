package pipeline

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rohmanhakim/focusedsearch/internal/crawler"
	"github.com/rohmanhakim/focusedsearch/internal/dedupe"
	"github.com/rohmanhakim/focusedsearch/internal/discovery"
	"github.com/rohmanhakim/focusedsearch/internal/fingerprint"
	"github.com/rohmanhakim/focusedsearch/internal/indexservice"
	"github.com/rohmanhakim/focusedsearch/internal/jobengine"
	"github.com/rohmanhakim/focusedsearch/internal/keywordindex"
	"github.com/rohmanhakim/focusedsearch/internal/learnedweb"
	"github.com/rohmanhakim/focusedsearch/internal/metadata"
	"github.com/rohmanhakim/focusedsearch/internal/pending"
	"github.com/rohmanhakim/focusedsearch/internal/vectorstore"
)

type fakeEmbedder struct{ dim int }

func (f fakeEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, f.dim)
		v[0] = 1
		out[i] = v
	}
	return out, nil
}

func (f fakeEmbedder) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	v := make([]float32, f.dim)
	v[0] = 1
	return v, nil
}

func newTestRunner(t *testing.T, seedURL string) *Runner {
	t.Helper()

	registry := func() ([]discovery.RegistrySeed, error) {
		return []discovery.RegistrySeed{{ID: "seed", URL: seedURL, Trust: "curated", Boost: 1}}, nil
	}
	engine := discovery.NewEngine(registry, nil, nil, nil)

	c := crawler.New(crawler.Config{MinDelay: time.Millisecond}, metadata.NewRecorder(slog.New(slog.NewTextHandler(io.Discard, nil))))

	kw, err := keywordindex.OpenMemory()
	require.NoError(t, err)

	store := vectorstore.New(vectorstore.Config{Dim: 4})
	svc := indexservice.New(store, fakeEmbedder{dim: 4}, pending.NewQueue())

	learned, err := learnedweb.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { learned.Close() })

	return New(Runner{
		Discovery:    engine,
		Crawler:      c,
		KeywordIndex: kw,
		Vector:       svc,
		Learned:      learned,
		Ledger:       dedupe.NewLedger(),
		SimIndex:     fingerprint.NewIndex(),
		Opts:         Options{Budget: 5, DiscoveryLimit: 5},
	})
}

func TestRun_EndToEndCrawlIndexesDocument(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head><title>Focused Search</title></head><body><h1>Focused Search</h1><p>` +
			`a self hosted focused search engine crawls a small set of high quality pages and builds a compact index` +
			`</p></body></html>`))
	}))
	defer srv.Close()

	runner := newTestRunner(t, srv.URL)

	job := jobengine.Job{ID: "job-1", DisplayQuery: "focused search engine", NormalizedQuery: "focused search engine"}
	var lastStage string
	progress := func(stage, message string, stats jobengine.Stats) { lastStage = stage }

	res, err := runner.Run(context.Background(), job, progress)
	require.NoError(t, err)

	result, ok := res.(Result)
	require.True(t, ok)
	assert.Equal(t, 1, result.PagesFetched)
	assert.Equal(t, 1, result.NormalizedDocs)
	assert.Equal(t, 1, result.Added)
	assert.Equal(t, "index_complete", lastStage)

	hits, total, err := runner.KeywordIndex.Search("focused search", keywordindex.SearchParams{PerPage: 10})
	require.NoError(t, err)
	assert.Greater(t, total, 0)
	assert.NotEmpty(t, hits)
}

func TestRun_EmptyQueryErrors(t *testing.T) {
	runner := newTestRunner(t, "https://example.test/")
	_, err := runner.Run(context.Background(), jobengine.Job{DisplayQuery: "   "}, nil)
	require.Error(t, err)
}

func TestRun_NoFrontierReportsEmptyStage(t *testing.T) {
	engine := discovery.NewEngine(func() ([]discovery.RegistrySeed, error) { return nil, nil }, nil, nil, nil)
	runner := New(Runner{Discovery: engine, Opts: Options{Budget: 5}})

	var stages []string
	progress := func(stage, message string, stats jobengine.Stats) { stages = append(stages, stage) }

	res, err := runner.Run(context.Background(), jobengine.Job{DisplayQuery: "nothing matches this"}, progress)
	require.NoError(t, err)
	result := res.(Result)
	assert.Equal(t, 0, result.SeedCount)
	assert.Contains(t, stages, "frontier_empty")
}

func TestStorage_PersistsRawNormalizedAndLastIndexTime(t *testing.T) {
	dir := t.TempDir()
	s := NewStorage(
		filepath.Join(dir, "raw"),
		filepath.Join(dir, "normalized", "normalized.jsonl"),
		filepath.Join(dir, "index_ledger.json"),
		filepath.Join(dir, "simhash_index.json"),
		filepath.Join(dir, "state", ".last_index_time"),
	)

	ledger := dedupe.NewLedger()
	ledger.Set("https://x.test/a", "hash-a")
	simIndex := fingerprint.NewIndex()
	simIndex.Update("https://x.test/a", 42)

	s.PersistLedgerAndSimIndex(ledger, simIndex)

	reloaded := dedupe.LoadLedger(s.IndexLedgerPath)
	assert.True(t, reloaded.Matches("https://x.test/a", "hash-a"))

	now := time.Now()
	require.NoError(t, s.WriteLastIndexTime(now))
	got, ok := ReadLastIndexTime(s.LastIndexTimePath)
	require.True(t, ok)
	assert.WithinDuration(t, now, got, time.Second)
}
