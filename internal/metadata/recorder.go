package metadata

import (
	"log/slog"
	"time"
)

/*
Metadata Collected
- Fetch timestamps
- HTTP status codes
- Content hashes
- Crawl depth

Logging Goals
- Debuggable crawl behavior
- Post-run auditability
- Failure diagnostics

Structured logging is preferred.

Allowed:
- Primitive values
- Timestamps
- URLs (as values, not objects with behavior)
- Hashes
- Status codes
- Durations
- Identifiers (page ID, crawl ID)
*/

// MetadataSink receives observability events from fetch, robots, index and
// crawl components. Implementations must not derive control-flow decisions
// from any value passed here; every field exists for logging, metrics, or
// reporting only.
type MetadataSink interface {
	RecordFetch(fetchURL string, httpStatus int, duration time.Duration, contentType string, retryCount int, crawlDepth int)
	RecordAssetFetch(fetchURL string, httpStatus int, duration time.Duration, retryCount int)
	RecordError(observedAt time.Time, packageName string, action string, cause ErrorCause, errorString string, attrs []Attribute)
	RecordArtifact(kind ArtifactKind, path string, attrs []Attribute)
	RecordFinalCrawlStats(totalPages int, totalErrors int, totalAssets int, duration time.Duration)
}

// Recorder is the default MetadataSink: it forwards every event to a
// structured logger and keeps no state of its own.
type Recorder struct {
	logger *slog.Logger
}

// NewRecorder returns a Recorder that logs through logger.
func NewRecorder(logger *slog.Logger) *Recorder {
	return &Recorder{logger: logger}
}

func (r *Recorder) RecordFetch(fetchURL string, httpStatus int, duration time.Duration, contentType string, retryCount int, crawlDepth int) {
	r.logger.Info("fetch",
		slog.String("url", fetchURL),
		slog.Int("status", httpStatus),
		slog.Duration("duration", duration),
		slog.String("content_type", contentType),
		slog.Int("retry_count", retryCount),
		slog.Int("crawl_depth", crawlDepth),
	)
}

func (r *Recorder) RecordAssetFetch(fetchURL string, httpStatus int, duration time.Duration, retryCount int) {
	r.logger.Info("asset_fetch",
		slog.String("url", fetchURL),
		slog.Int("status", httpStatus),
		slog.Duration("duration", duration),
		slog.Int("retry_count", retryCount),
	)
}

func (r *Recorder) RecordError(observedAt time.Time, packageName string, action string, cause ErrorCause, errorString string, attrs []Attribute) {
	args := []any{
		slog.Time("observed_at", observedAt),
		slog.String("package", packageName),
		slog.String("action", action),
		slog.Int("cause", int(cause)),
		slog.String("error", errorString),
	}
	for _, attr := range attrs {
		args = append(args, slog.String(string(attr.Key), attr.Value))
	}
	r.logger.Error("component error", args...)
}

func (r *Recorder) RecordArtifact(kind ArtifactKind, path string, attrs []Attribute) {
	args := []any{slog.String("kind", string(kind)), slog.String("path", path)}
	for _, attr := range attrs {
		args = append(args, slog.String(string(attr.Key), attr.Value))
	}
	r.logger.Info("artifact_written", args...)
}

func (r *Recorder) RecordFinalCrawlStats(totalPages int, totalErrors int, totalAssets int, duration time.Duration) {
	r.logger.Info("crawl_stats",
		slog.Int("total_pages", totalPages),
		slog.Int("total_errors", totalErrors),
		slog.Int("total_assets", totalAssets),
		slog.Duration("duration", duration),
	)
}
