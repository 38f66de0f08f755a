package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rohmanhakim/focusedsearch/internal/embedclient"
	"github.com/rohmanhakim/focusedsearch/internal/hybrid"
	"github.com/rohmanhakim/focusedsearch/internal/jobengine"
	"github.com/rohmanhakim/focusedsearch/internal/pipeline"
)

// writeJSON writes v as a JSON body with status, matching spec.md §6's
// "every response is a JSON object" contract.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}

// slogRequestLogger is the teacher's structured-access-log idiom adapted
// to chi: one slog.Info call per request carrying method/path/status/dur,
// in the same "fields, not formatted strings" style as internal/metadata.
func slogRequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// handleSearch implements spec.md §6's GET /search.
func (h *handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("query parameter %q is required", "q"))
		return
	}
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	useLLM := r.URL.Query().Get("llm") == "true"
	model := r.URL.Query().Get("model")

	resp, err := h.app.Hybrid.Search(r.Context(), query, limit, useLLM, model)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if t, ok := pipeline.ReadLastIndexTime(h.app.Config.Paths().LastIndexTimePath); ok {
		resp.LastIndexTime = &t
	}
	writeJSON(w, http.StatusOK, toSearchResponseDTO(resp))
}

type searchResultDTO struct {
	URL          string  `json:"url"`
	Title        string  `json:"title"`
	Snippet      string  `json:"snippet"`
	Score        float64 `json:"score"`
	BlendedScore float64 `json:"blended_score"`
	MatchReason  string  `json:"match_reason"`
	Domain       string  `json:"domain"`
	About        string  `json:"about,omitempty"`
}

type searchResponseDTO struct {
	Status        string            `json:"status"`
	Results       []searchResultDTO `json:"results"`
	Confidence    float64           `json:"confidence"`
	JobID         string            `json:"job_id,omitempty"`
	LastIndexTime *time.Time        `json:"last_index_time,omitempty"`
}

// toSearchResponseDTO converts a hybrid.Response to its wire shape.
// Defined as a function (not a method) since hybrid.Response lives in
// another package.
func toSearchResponseDTO(resp hybrid.Response) searchResponseDTO {
	out := searchResponseDTO{
		Status:        resp.Status,
		Confidence:    resp.Confidence,
		JobID:         resp.JobID,
		LastIndexTime: resp.LastIndexTime,
	}
	for _, r := range resp.Results {
		out.Results = append(out.Results, searchResultDTO{
			URL: r.URL, Title: r.Title, Snippet: r.Snippet,
			Score: r.Score, BlendedScore: r.BlendedScore,
			MatchReason: r.MatchReason, Domain: r.Domain, About: r.About,
		})
	}
	return out
}

// handleRefreshEnqueue implements spec.md §6's POST /refresh.
func (h *handler) handleRefreshEnqueue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query       string   `json:"query"`
		UseLLM      bool     `json:"use_llm"`
		Model       string   `json:"model"`
		ManualSeeds []string `json:"manual_seeds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("query is required"))
		return
	}

	job, created, deduplicated := h.app.Jobs.Enqueue(jobengine.Request{
		Query: req.Query, UseLLM: req.UseLLM, Model: req.Model, ManualSeeds: req.ManualSeeds,
	})
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":       job.ID,
		"status":       job.State,
		"created":      created,
		"deduplicated": deduplicated,
	})
}

// handleRefreshStatus implements spec.md §6's GET /refresh/status, keyed
// by either job_id or query.
func (h *handler) handleRefreshStatus(w http.ResponseWriter, r *http.Request) {
	if id := r.URL.Query().Get("job_id"); id != "" {
		job, ok := h.app.Jobs.Get(id)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("job %q not found", id))
			return
		}
		writeJSON(w, http.StatusOK, job)
		return
	}
	query := r.URL.Query().Get("query")
	if query == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("job_id or query is required"))
		return
	}
	job, ok := h.app.Jobs.FindByQuery(query)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleJobStatus implements spec.md §6's GET /jobs/{id}/status.
func (h *handler) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, ok := h.app.Jobs.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("job %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleJobLog implements spec.md §6's GET /jobs/{id}/log as a plain-text
// summary of the job's current snapshot: one stage/progress line, then the
// job's message and, for a failed job, its error. Earlier stage
// transitions are not replayed, and the response does not tail the job
// live — use the SSE endpoint for that.
func (h *handler) handleJobLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, ok := h.app.Jobs.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("job %q not found", id))
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "[%s] stage=%s progress=%d%%\n", job.UpdatedAt.Format(time.RFC3339), job.Stage, job.Progress)
	if job.Message != "" {
		fmt.Fprintf(w, "%s\n", job.Message)
	}
	if job.State == jobengine.StateError {
		fmt.Fprintf(w, "error: %s\n", job.Error)
	}
}

// handleJobProgressStream implements spec.md §6's
// GET /jobs/{id}/progress/stream, a Server-Sent Events feed of stage
// transitions. Grounded on
// _examples/other_examples/*jobs_streaming.go's StreamResults: send an
// initial status event, then forward engine events until the job
// terminates or the client disconnects, with a heartbeat comment so
// proxies don't time the connection out.
func (h *handler) handleJobProgressStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, ok := h.app.Jobs.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("job %q not found", id))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sendStageEvent(w, flusher, job)
	if !job.Active() {
		return
	}

	events, unsubscribe := h.app.Jobs.Subscribe(id)
	defer unsubscribe()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case evt, ok := <-events:
			if !ok {
				return
			}
			eta := etaSeconds(h.app.Jobs, id)
			payload := map[string]any{
				"stage":       evt.Stage,
				"message":     evt.Message,
				"progress":    evt.Progress,
				"eta_seconds": eta,
				"stats":       evt.Stats,
			}
			data, _ := json.Marshal(payload)
			fmt.Fprintf(w, "event: stage\ndata: %s\n\n", data)
			flusher.Flush()
			if evt.State == jobengine.StateDone || evt.State == jobengine.StateError {
				return
			}
		}
	}
}

func sendStageEvent(w http.ResponseWriter, flusher http.Flusher, job jobengine.Job) {
	payload := map[string]any{
		"stage":    job.Stage,
		"message":  job.Message,
		"progress": job.Progress,
		"stats":    job.Stats,
	}
	data, _ := json.Marshal(payload)
	fmt.Fprintf(w, "event: stage\ndata: %s\n\n", data)
	flusher.Flush()
}

func etaSeconds(jobs interface {
	Get(id string) (jobengine.Job, bool)
}, id string) int {
	job, ok := jobs.Get(id)
	if !ok {
		return 0
	}
	d, ok := job.ETA(time.Now())
	if !ok {
		return 0
	}
	return int(d.Seconds())
}

// handleIndexUpsert implements spec.md §6's POST /index/upsert.
func (h *handler) handleIndexUpsert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text     string            `json:"text"`
		URL      string            `json:"url"`
		Title    string            `json:"title"`
		Metadata map[string]string `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Text == "" || req.URL == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("text and url are required"))
		return
	}

	result, err := h.app.Vector.UpsertDocument(r.Context(), req.Text, req.URL, req.Title, req.Metadata)
	if err != nil {
		var unavailable *embedclient.EmbedderUnavailable
		if errors.As(err, &unavailable) {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleIndexSearch implements spec.md §6's POST /index/search: a direct
// vector-only query, distinct from the blended /search endpoint.
func (h *handler) handleIndexSearch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query   string            `json:"query"`
		K       int               `json:"k"`
		Filters map[string]string `json:"filters"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("query is required"))
		return
	}
	if req.K <= 0 {
		req.K = 10
	}

	hits, err := h.app.Vector.Search(r.Context(), req.Query, req.K, req.Filters)
	if err != nil {
		var unavailable *embedclient.EmbedderUnavailable
		if errors.As(err, &unavailable) {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hits": hits})
}

// handleEmbedderStatus implements spec.md §6's GET /embedder/status.
func (h *handler) handleEmbedderStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.app.Embedder.Status(r.Context())
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"state": "error", "detail": err.Error()})
		return
	}
	state := "ready"
	if !status.Available {
		state = "warming"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":     state,
		"model":     status.Model,
		"available": status.Available,
	})
}

// handleEmbedderEnsure implements spec.md §6's POST /embedder/ensure:
// best-effort autopull, returning 503 if the model remains unavailable.
func (h *handler) handleEmbedderEnsure(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Embedder.EnsureReady(r.Context()); err != nil {
		var unavailable *embedclient.EmbedderUnavailable
		if errors.As(err, &unavailable) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"state":            "error",
				"detail":           unavailable.Error(),
				"autopull_started": unavailable.AutopullStarted,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": "ready"})
}

// handleHealthz is a liveness probe; it does not exercise any backing
// store, only that the process is serving requests.
func (h *handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
