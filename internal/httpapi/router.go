// Package httpapi is the HTTP surface named in spec.md §6: a chi router
// over one *app.App exposing the refresh-job, search, index, and embedder
// endpoints. Grounded on _examples/kadirpekel-hector's
// pkg/transport/server.go, which builds its chi.Router the same way
// (middleware stack, then one route group per concern) though against a
// different domain.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rohmanhakim/focusedsearch/internal/app"
)

// NewRouter builds the full HTTP surface over a, per spec.md §6.
func NewRouter(a *app.App) http.Handler {
	h := &handler{app: a}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(slogRequestLogger(a.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/search", h.handleSearch)

	r.Post("/refresh", h.handleRefreshEnqueue)
	r.Get("/refresh/status", h.handleRefreshStatus)

	r.Get("/jobs/{id}/status", h.handleJobStatus)
	r.Get("/jobs/{id}/log", h.handleJobLog)
	r.Get("/jobs/{id}/progress/stream", h.handleJobProgressStream)

	r.Post("/index/upsert", h.handleIndexUpsert)
	r.Post("/index/search", h.handleIndexSearch)

	r.Get("/embedder/status", h.handleEmbedderStatus)
	r.Post("/embedder/ensure", h.handleEmbedderEnsure)

	r.Get("/healthz", h.handleHealthz)

	return r
}

type handler struct {
	app *app.App
}
