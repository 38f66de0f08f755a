package hybrid

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rohmanhakim/focusedsearch/internal/indexservice"
	"github.com/rohmanhakim/focusedsearch/internal/keywordindex"
	"github.com/rohmanhakim/focusedsearch/internal/pending"
	"github.com/rohmanhakim/focusedsearch/internal/vectorstore"
)

type fakeEmbedder struct {
	vector func(text string) []float32
}

func (f fakeEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.vector(t)
	}
	return out, nil
}

func (f fakeEmbedder) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	return f.vector(query), nil
}

func newFixture(t *testing.T) *Service {
	t.Helper()
	kw, err := keywordindex.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { kw.Close() })

	require.NoError(t, kw.Upsert(keywordindex.Document{
		URL: "https://a.test/doc", Lang: "en", Title: "Doc A",
		Body: "focused search engine crawling keyword matches exactly here",
	}))

	embed := fakeEmbedder{vector: func(text string) []float32 { return []float32{1, 0, 0, 0} }}
	store := vectorstore.New(vectorstore.Config{Dim: 4})
	svc := indexservice.New(store, embed, pending.NewQueue())
	_, err = svc.UpsertDocument(context.Background(), "vector matches this doc and has enough words to chunk", "https://b.test/doc", "Doc B", nil)
	require.NoError(t, err)

	return New(Service{Keyword: kw, Vector: svc, Opts: Options{KeywordWeight: 0.6, VectorWeight: 0.4}})
}

func TestSearch_BlendsKeywordAndVectorSides(t *testing.T) {
	svc := newFixture(t)
	resp, err := svc.Search(context.Background(), "focused search engine", 5, false, "")
	require.NoError(t, err)
	assert.Equal(t, StatusOK, resp.Status)
	require.NotEmpty(t, resp.Results)

	var sawKeyword bool
	for _, r := range resp.Results {
		if r.URL == "https://a.test/doc" {
			sawKeyword = true
			assert.Equal(t, MatchKeyword, r.MatchReason)
		}
	}
	assert.True(t, sawKeyword)
}

func TestSearch_EmptyQueryErrors(t *testing.T) {
	svc := newFixture(t)
	_, err := svc.Search(context.Background(), "  ", 5, false, "")
	require.Error(t, err)
}

func TestSearch_NoResultsStatus(t *testing.T) {
	kw, err := keywordindex.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { kw.Close() })
	svc := New(Service{Keyword: kw})

	resp, err := svc.Search(context.Background(), "nothing indexed yet", 5, false, "")
	require.NoError(t, err)
	assert.Equal(t, StatusNoResults, resp.Status)
	assert.Empty(t, resp.Results)
}

func TestNormalizeWeights_DegenerateInputsSplitEvenly(t *testing.T) {
	kw, vec := normalizeWeights(0, 0, true, true)
	assert.Equal(t, 0.5, kw)
	assert.Equal(t, 0.5, vec)
}

func TestCandidatePoolFor_BoundedByDefaultCeiling(t *testing.T) {
	assert.Equal(t, 9, candidatePoolFor(4, 0))
	assert.Equal(t, maxCandidatePool, candidatePoolFor(100, 0))
}

func TestHighlightSnippet_WrapsTermsAndCaps(t *testing.T) {
	out := highlightSnippet("the needle is hidden in this haystack", "needle")
	assert.Contains(t, out, "<mark>needle</mark>")

	long := ""
	for i := 0; i < 400; i++ {
		long += "x"
	}
	capped := highlightSnippet(long, "needle")
	assert.LessOrEqual(t, len(capped), snippetCapChars)
}
