package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rohmanhakim/focusedsearch/internal/config"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	t.Setenv("EMBED_TEST_MODE", "true")

	cfg, err := config.WithDefault(t.TempDir()).WithEnv().Build()
	require.NoError(t, err)

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestNew_WiresEveryComponent(t *testing.T) {
	a := newTestApp(t)

	assert.NotNil(t, a.Keyword)
	assert.NotNil(t, a.Vector)
	assert.NotNil(t, a.Learned)
	assert.NotNil(t, a.Embedder)
	assert.NotNil(t, a.Pending)
	assert.NotNil(t, a.Discovery)
	assert.NotNil(t, a.Crawler)
	assert.NotNil(t, a.Pipeline)
	assert.NotNil(t, a.Jobs)
	assert.NotNil(t, a.Hybrid)
	assert.NotNil(t, a.Logger)
}

func TestNew_HybridSearchWorksEndToEnd(t *testing.T) {
	a := newTestApp(t)

	_, err := a.Vector.UpsertDocument(context.Background(),
		"The quick brown fox jumps over the lazy dog near the river bank.",
		"https://example.com/fox", "Fox Story", map[string]string{"domain": "example.com"})
	require.NoError(t, err)

	resp, err := a.Hybrid.Search(context.Background(), "fox", 5, false, "")
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Status)
}

func TestClose_ReleasesResourcesWithoutError(t *testing.T) {
	t.Setenv("EMBED_TEST_MODE", "true")
	cfg, err := config.WithDefault(t.TempDir()).WithEnv().Build()
	require.NoError(t, err)

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)

	assert.NoError(t, a.Close())
}
