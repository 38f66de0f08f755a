package embedclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbedDocuments_TestMode_Deterministic(t *testing.T) {
	c, err := New(Config{TestMode: true})
	require.NoError(t, err)

	v1, err := c.EmbedDocuments(context.Background(), []string{"hello world"})
	require.NoError(t, err)
	v2, err := c.EmbedDocuments(context.Background(), []string{"hello world"})
	require.NoError(t, err)

	require.Len(t, v1, 1)
	assert.Equal(t, v1[0], v2[0])
	assert.Len(t, v1[0], TestEmbedDims)
}

func TestEmbedDocuments_TestMode_EmptyTextYieldsZeroVector(t *testing.T) {
	c, err := New(Config{TestMode: true})
	require.NoError(t, err)

	vectors, err := c.EmbedDocuments(context.Background(), []string{""})
	require.NoError(t, err)
	require.Len(t, vectors, 1)
	for _, x := range vectors[0] {
		assert.Zero(t, x)
	}
}

func newTestServer(t *testing.T, model string, available bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			models := []map[string]string{}
			if available {
				models = append(models, map[string]string{"name": model})
			}
			json.NewEncoder(w).Encode(map[string]any{"models": models})
		case "/api/embed":
			var req embedRequest
			json.NewDecoder(r.Body).Decode(&req)
			var texts []string
			switch v := req.Input.(type) {
			case string:
				texts = []string{v}
			case []any:
				for _, t := range v {
					texts = append(texts, t.(string))
				}
			}
			embeddings := make([][]float64, len(texts))
			for i := range texts {
				embeddings[i] = []float64{1, 0, 0}
			}
			json.NewEncoder(w).Encode(embedResponse{Embeddings: embeddings})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestEmbedDocuments_LiveModel_ReturnsVectors(t *testing.T) {
	srv := newTestServer(t, "embeddinggemma", true)
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, Model: "embeddinggemma"})
	require.NoError(t, err)

	vectors, err := c.EmbedDocuments(context.Background(), []string{"hello", "world"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Len(t, vectors[0], 3)
}

func TestEmbedDocuments_MissingModel_ReturnsEmbedderUnavailable(t *testing.T) {
	srv := newTestServer(t, "embeddinggemma", false)
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, Model: "embeddinggemma"})
	require.NoError(t, err)

	_, err = c.EmbedDocuments(context.Background(), []string{"hello"})
	require.Error(t, err)
	var unavailable *EmbedderUnavailable
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, "embeddinggemma", unavailable.Model)
	assert.False(t, unavailable.AutopullStarted)
}

func TestEmbedDocuments_CachesRepeatedText(t *testing.T) {
	srv := newTestServer(t, "embeddinggemma", true)
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, Model: "embeddinggemma", CacheSize: 10})
	require.NoError(t, err)

	first, err := c.EmbedDocuments(context.Background(), []string{"repeat me"})
	require.NoError(t, err)
	second, err := c.EmbedDocuments(context.Background(), []string{"repeat me"})
	require.NoError(t, err)
	assert.Equal(t, first[0], second[0])

	cached, ok := c.cacheGet("repeat me")
	require.True(t, ok)
	assert.Equal(t, first[0], cached)
}

func TestStatus_ReportsAvailability(t *testing.T) {
	srv := newTestServer(t, "embeddinggemma", true)
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, Model: "embeddinggemma"})
	require.NoError(t, err)

	status, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Available)
}

func TestEmbedQuery_EmptyModelResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			json.NewEncoder(w).Encode(map[string]any{"models": []map[string]string{{"name": "m"}}})
		case "/api/embed":
			json.NewEncoder(w).Encode(embedResponse{})
		}
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, Model: "m"})
	require.NoError(t, err)

	_, err = c.EmbedQuery(context.Background(), "hi")
	require.Error(t, err)
}
