package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// DefaultLLMModel and DefaultLLMTimeout mirror discover.py's
// OLLAMA_MODEL/OLLAMA_TIMEOUT-derived defaults.
const (
	DefaultLLMModel   = "llama3.1:8b-instruct"
	DefaultLLMTimeout = 30 * time.Second
)

// LLMReranker sends the score-tie cluster to a local Ollama endpoint and
// expects a JSON array of URLs ordered best-first back, grounded on
// discover.py's LLMReranker. Any transport, non-2xx, or non-JSON-array
// failure fails open: the candidate order is returned unchanged.
type LLMReranker struct {
	Endpoint string
	Model    string
	Timeout  time.Duration
	client   *http.Client
}

// NewLLMReranker builds a reranker against endpoint, applying
// DefaultLLMModel/DefaultLLMTimeout when model/timeout are zero-valued.
func NewLLMReranker(endpoint, model string, timeout time.Duration) *LLMReranker {
	if model == "" {
		model = DefaultLLMModel
	}
	if timeout <= 0 {
		timeout = DefaultLLMTimeout
	}
	return &LLMReranker{
		Endpoint: strings.TrimSuffix(endpoint, "/"),
		Model:    model,
		Timeout:  timeout,
		client:   &http.Client{Timeout: timeout},
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Rerank implements RerankFunc.
func (r *LLMReranker) Rerank(query string, candidates []Candidate) []Candidate {
	if r == nil || r.Endpoint == "" || r.Model == "" || len(candidates) == 0 {
		return candidates
	}

	payload := generateRequest{Model: r.Model, Prompt: r.prompt(query, candidates), Stream: false}
	body, err := json.Marshal(payload)
	if err != nil {
		return candidates
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.Endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return candidates
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return candidates
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return candidates
	}

	var parsed generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return candidates
	}

	var order []string
	if err := json.Unmarshal([]byte(strings.TrimSpace(parsed.Response)), &order); err != nil {
		return candidates
	}
	if len(order) == 0 {
		return candidates
	}

	position := make(map[string]int, len(order))
	for i, u := range order {
		position[strings.TrimSpace(u)] = i
	}

	reordered := append([]Candidate(nil), candidates...)
	sortStableByRank(reordered, position)
	return reordered
}

func sortStableByRank(candidates []Candidate, position map[string]int) {
	rank := func(url string) int {
		if p, ok := position[url]; ok {
			return p
		}
		return len(position)
	}
	// Insertion sort keeps this stable and avoids pulling in sort.Slice
	// for what is always a small cluster (bounded by rerank_margin).
	for i := 1; i < len(candidates); i++ {
		j := i
		for j > 0 && rank(candidates[j-1].URL) > rank(candidates[j].URL) {
			candidates[j-1], candidates[j] = candidates[j], candidates[j-1]
			j--
		}
	}
}

func (r *LLMReranker) prompt(query string, candidates []Candidate) string {
	var b strings.Builder
	for _, c := range candidates {
		b.WriteString(fmt.Sprintf("- %s\n", c.URL))
	}
	return fmt.Sprintf(
		"Rank the following documentation URLs for answering the query:\nQuery: %s\nURLs:\n%sRespond with a JSON array listing the URLs from best to worst.",
		query, b.String(),
	)
}
