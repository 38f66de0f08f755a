// Package embedclient is the embedder client (C6): an HTTP client to a
// local Ollama-compatible model host, grounded on Aman-CERP/amanmcp's
// internal/embed.OllamaEmbedder (listModels against /api/tags, embed
// requests against /api/embed, float64->float32 conversion and
// L2-normalization of returned vectors) and on vector_index.py's
// availability/autopull protocol (_ensure_embedder_ready,
// EmbedderUnavailableError, EMBED_TEST_MODE deterministic fallback).
package embedclient

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rohmanhakim/focusedsearch/pkg/failure"
)

// TestEmbedDims is the fixed dimensionality of the deterministic,
// network-free fallback embedder named in vector_index.py's
// _TEST_EMBED_DIMS.
const TestEmbedDims = 128

// EmbedderUnavailable reports that the configured embedding model could
// not be reached or is not pulled locally, mirroring
// vector_index.py's EmbedderUnavailableError.
type EmbedderUnavailable struct {
	Model           string
	Detail          string
	AutopullStarted bool
}

func (e *EmbedderUnavailable) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return fmt.Sprintf("embedding model %q is unavailable", e.Model)
}

// Severity implements failure.ClassifiedError. An unavailable embedder is
// always recoverable: it is exactly the condition pending.Worker retries
// with backoff rather than abandoning the document.
func (e *EmbedderUnavailable) Severity() failure.Severity {
	return failure.SeverityRecoverable
}

// Config configures a Client.
type Config struct {
	// BaseURL is the model host's base URL, e.g. "http://localhost:11434".
	BaseURL string
	// Model is the embedding model name requested from the host.
	Model string
	// DevAllowAutopull permits a single best-effort "ollama pull <model>"
	// subprocess invocation the first time the model is found missing.
	DevAllowAutopull bool
	// TestMode switches every Embed call to the deterministic hash-based
	// fallback embedder, bypassing the HTTP client entirely. Wired from
	// the EMBED_TEST_MODE environment variable by the caller.
	TestMode bool
	// CacheSize bounds the chunk-text -> embedding LRU cache. Zero
	// disables caching.
	CacheSize int
	// HTTPClient overrides the default *http.Client; primarily a test seam.
	HTTPClient *http.Client
	// Timeout bounds each embedding HTTP call. Defaults to 30s.
	Timeout time.Duration
}

// Client embeds text through a local model host, falling back to a
// deterministic hash embedder in TestMode.
type Client struct {
	cfg    Config
	http   *http.Client
	cache  *lru.Cache[string, []float32]
	mu     sync.Mutex
	pulled bool
}

// New builds a Client from cfg, applying defaults.
func New(cfg Config) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}

	c := &Client{cfg: cfg, http: cfg.HTTPClient}
	if cfg.CacheSize > 0 {
		cache, err := lru.New[string, []float32](cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("embedclient: new cache: %w", err)
		}
		c.cache = cache
	}
	return c, nil
}

// EmbedDocuments embeds each of texts, in order, preferring cached vectors
// where available. An empty slice returns an empty result.
func (c *Client) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if c.cfg.TestMode {
		out := make([][]float32, len(texts))
		for i, t := range texts {
			out[i] = fallbackEmbed(t, TestEmbedDims)
		}
		return out, nil
	}

	if err := c.ensureReady(ctx); err != nil {
		return nil, err
	}

	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string
	for i, t := range texts {
		if v, ok := c.cacheGet(t); ok {
			out[i] = v
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vectors, err := c.doEmbed(ctx, missTexts)
	if err != nil {
		return nil, &EmbedderUnavailable{Model: c.cfg.Model, Detail: err.Error()}
	}
	if len(vectors) != len(missTexts) {
		return nil, &EmbedderUnavailable{Model: c.cfg.Model, Detail: "embedding count mismatch"}
	}
	for n, idx := range missIdx {
		out[idx] = vectors[n]
		c.cachePut(missTexts[n], vectors[n])
	}
	return out, nil
}

// EmbedQuery embeds a single query string.
func (c *Client) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	vectors, err := c.EmbedDocuments(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, &EmbedderUnavailable{Model: c.cfg.Model, Detail: "embedding response was empty"}
	}
	return vectors[0], nil
}

func (c *Client) cacheGet(text string) ([]float32, bool) {
	if c.cache == nil {
		return nil, false
	}
	return c.cache.Get(text)
}

func (c *Client) cachePut(text string, vector []float32) {
	if c.cache == nil {
		return
	}
	c.cache.Add(text, vector)
}

// Status reports whether the configured model is present on the host.
type Status struct {
	Model     string
	Available bool
}

// Status queries /api/tags and reports whether cfg.Model is present.
func (c *Client) Status(ctx context.Context) (Status, error) {
	models, err := c.listModels(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{Model: c.cfg.Model, Available: hasModel(models, c.cfg.Model)}, nil
}

// EnsureReady triggers the same availability check and (if allowed)
// one-shot autopull that EmbedDocuments performs internally, letting the
// HTTP surface's /embedder/ensure handler report the result synchronously
// instead of failing the next embed call.
func (c *Client) EnsureReady(ctx context.Context) error {
	return c.ensureReady(ctx)
}

func (c *Client) ensureReady(ctx context.Context) error {
	models, err := c.listModels(ctx)
	if err != nil {
		return &EmbedderUnavailable{Model: c.cfg.Model, Detail: err.Error()}
	}
	if hasModel(models, c.cfg.Model) {
		return nil
	}

	autopullStarted := false
	c.mu.Lock()
	alreadyPulled := c.pulled
	c.mu.Unlock()

	if c.cfg.DevAllowAutopull && !alreadyPulled {
		if startErr := c.startAutopull(); startErr == nil {
			c.mu.Lock()
			c.pulled = true
			c.mu.Unlock()
			autopullStarted = true
		}
	}

	detail := "embedding model is not available locally"
	if c.cfg.DevAllowAutopull {
		detail = "embedding model is warming up"
	}
	return &EmbedderUnavailable{Model: c.cfg.Model, Detail: detail, AutopullStarted: autopullStarted}
}

// startAutopull runs a detached "ollama pull <model>" best-effort; errors
// starting the subprocess (missing binary, etc) are swallowed by the
// caller, matching vector_index.py's tolerant autopull failure handling.
func (c *Client) startAutopull() error {
	cmd := exec.Command("ollama", "pull", c.cfg.Model)
	return cmd.Start()
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

func (c *Client) listModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connect to embedder host: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var parsed tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode tags response: %w", err)
	}
	names := make([]string, len(parsed.Models))
	for i, m := range parsed.Models {
		names[i] = m.Name
	}
	return names, nil
}

func hasModel(models []string, want string) bool {
	wantLower := strings.ToLower(want)
	wantBase := strings.Split(wantLower, ":")[0]
	for _, m := range models {
		nameLower := strings.ToLower(m)
		if nameLower == wantLower {
			return true
		}
		if strings.Split(nameLower, ":")[0] == wantBase {
			return true
		}
	}
	return false
}

type embedRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
}

func (c *Client) doEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	var input any
	if len(texts) == 1 {
		input = texts[0]
	} else {
		input = texts
	}

	body, err := json.Marshal(embedRequest{Model: c.cfg.Model, Input: input})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embed failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(parsed.Embeddings) == 0 {
		return nil, fmt.Errorf("empty embedding response")
	}

	vectors := make([][]float32, len(parsed.Embeddings))
	for i, emb := range parsed.Embeddings {
		v := make([]float32, len(emb))
		for j, x := range emb {
			v[j] = float32(x)
		}
		normalizeVector(v)
		vectors[i] = v
	}
	return vectors, nil
}

func normalizeVector(v []float32) {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSq))
	for i := range v {
		v[i] *= inv
	}
}

var fallbackTokenPattern = regexp.MustCompile(`[a-z0-9]+`)

// fallbackEmbed deterministically hashes text's tokens into a fixed-size
// bucketed, L2-normalized vector, grounded on
// backend/app/search/embedding.py's embed_query: no network call, stable
// across runs, good enough for cosine-similarity comparisons in tests and
// CI.
func fallbackEmbed(text string, dims int) []float32 {
	if dims < 8 {
		dims = 8
	}
	vector := make([]float32, dims)
	tokens := fallbackTokenPattern.FindAllString(strings.ToLower(text), -1)
	if len(tokens) == 0 {
		return vector
	}
	for _, tok := range tokens {
		vector[bucketIndex(tok, dims)] += 1.0
	}
	normalizeVector(vector)
	return vector
}

func bucketIndex(token string, dims int) int {
	sum := sha256.Sum256([]byte(token))
	v := uint32(sum[0])<<24 | uint32(sum[1])<<16 | uint32(sum[2])<<8 | uint32(sum[3])
	return int(v) % dims
}
