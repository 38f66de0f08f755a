package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeValueMap map[string]float64

func (f fakeValueMap) ValueFor(domain string) (float64, bool) {
	v, ok := f[domain]
	return v, ok
}

type fakeAuthority map[string]float64

func (f fakeAuthority) ScoreFor(domain string) float64 {
	return f[domain]
}

func TestSanitizeURL(t *testing.T) {
	cases := []struct {
		name string
		in   string
		base string
		want string
		ok   bool
	}{
		{"absolute https", "https://Example.com/path/", "", "https://Example.com/path", true},
		{"javascript rejected", "javascript:alert(1)", "", "", false},
		{"protocol relative", "//example.com/x", "", "https://example.com/x", true},
		{"relative with base", "/docs", "https://example.com/home", "https://example.com/docs", true},
		{"bare host", "example.com", "", "https://example.com/", true},
		{"empty", "", "", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := SanitizeURL(tc.in, tc.base)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.want, got)
			}
		})
	}
}

func TestKeywords_FiltersStopwordsWithFallback(t *testing.T) {
	assert.Equal(t, []string{"kubernetes", "ingress"}, Keywords("what is the kubernetes ingress"))
	assert.Equal(t, []string{"the", "for", "and"}, Keywords("the for and"))
}

func TestScoreCandidate_MatchesWeightedFormula(t *testing.T) {
	score := ScoreCandidate(1.2, 0.5, 1.0, 0.3)
	assert.InDelta(t, 1.2*BaseWeight+0.5*ValueWeight+1.0*FreshWeight+0.3*AuthWeight, score, 1e-9)
}

func TestHitFinalize_UsesHeuristicWhenNoValueMap(t *testing.T) {
	h := Hit{URL: "https://example.org/docs/guide", Source: "seed", Boost: 1.0}
	c, ok := h.Finalize(nil, nil)
	require.True(t, ok)
	assert.Greater(t, c.ValuePrior, 0.6)
}

func TestDiscover_RegistryFallbackWhenNoKeywordOverlap(t *testing.T) {
	e := NewEngine(
		func() ([]RegistrySeed, error) {
			return []RegistrySeed{{ID: "a", URL: "https://a.example.com/", Trust: "high"}}, nil
		},
		nil, fakeValueMap{}, fakeAuthority{},
	)
	candidates := e.Discover(Request{Query: "completely unrelated zzz", Limit: 10})
	require.Len(t, candidates, 1)
	assert.Equal(t, "https://a.example.com/", candidates[0].URL)
}

func TestDiscover_DedupesByURLKeepingMaxScore(t *testing.T) {
	e := NewEngine(
		func() ([]RegistrySeed, error) {
			return []RegistrySeed{{ID: "a", URL: "https://docs.example.com/", Trust: "high"}}, nil
		},
		func() ([]LearnedSeed, error) {
			return []LearnedSeed{{Domain: "docs.example.com", URL: "https://docs.example.com/", Score: 0.9}}, nil
		},
		fakeValueMap{}, fakeAuthority{},
	)
	candidates := e.Discover(Request{Query: "docs example", Limit: 10})
	require.Len(t, candidates, 1)
}

func TestBuildFrontier_PerHostCapAndInterleave(t *testing.T) {
	candidates := []Candidate{
		{URL: "https://x.example.com/1", Score: 0.9},
		{URL: "https://x.example.com/2", Score: 0.85},
		{URL: "https://x.example.com/3", Score: 0.8},
		{URL: "https://x.example.com/4", Score: 0.75},
		{URL: "https://y.example.com/1", Score: 0.7},
		{URL: "https://y.example.com/2", Score: 0.65},
	}
	frontier := BuildFrontier("q", candidates, FrontierOptions{Budget: 4, PerHostCap: 3})
	require.Len(t, frontier, 4)

	hostCounts := map[string]int{}
	for _, c := range frontier {
		hostCounts[hostOf(c.URL)]++
	}
	// Host x has 4 candidates capped to 3; host y has 2. budget=4 keeps
	// x's full capped share before spilling the remaining 1 slot to y, per
	// spec.md §8 S6's worked example ("exactly 3 URLs from x and 1 from y").
	assert.Equal(t, 3, hostCounts["x.example.com"])
	assert.Equal(t, 1, hostCounts["y.example.com"])

	// The lone y entry must break up x's run where it can: with only one
	// non-x slot available, x's remaining two entries are inevitably
	// adjacent once y is spent, which is the documented "when another host
	// is available" carve-out, not a violation of the interleave rule.
	assert.Equal(t, "x.example.com", hostOf(frontier[0].URL))
	assert.Equal(t, "y.example.com", hostOf(frontier[1].URL))
	assert.Equal(t, "x.example.com", hostOf(frontier[2].URL))
	assert.Equal(t, "x.example.com", hostOf(frontier[3].URL))
}

func TestBuildFrontier_RerankClusterWithinMargin(t *testing.T) {
	candidates := []Candidate{
		{URL: "https://a.example.com/1", Score: 1.0},
		{URL: "https://b.example.com/1", Score: 0.95},
		{URL: "https://c.example.com/1", Score: 0.5},
	}
	reversed := func(query string, cluster []Candidate) []Candidate {
		out := make([]Candidate, len(cluster))
		for i, c := range cluster {
			out[len(cluster)-1-i] = c
		}
		return out
	}
	frontier := BuildFrontier("q", candidates, FrontierOptions{Budget: 3, PerHostCap: 3, Rerank: reversed, RerankMargin: 0.15})
	require.Len(t, frontier, 3)
	assert.Equal(t, "https://b.example.com/1", frontier[0].URL)
}

func TestLLMReranker_FailsOpenOnBadResponse(t *testing.T) {
	r := NewLLMReranker("", "", 0)
	candidates := []Candidate{{URL: "https://a"}, {URL: "https://b"}}
	out := r.Rerank("q", candidates)
	assert.Equal(t, candidates, out)
}

func TestExtractLinks_DedupesAndSanitizes(t *testing.T) {
	links := ExtractLinks(`<a href="https://example.com/a">a</a><a href="/b">b</a><a href="javascript:void(0)">x</a><a href="https://example.com/a">dup</a>`, "https://example.com/")
	assert.Equal(t, []string{"https://example.com/a", "https://example.com/b"}, links)
}
