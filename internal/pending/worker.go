package pending

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rohmanhakim/focusedsearch/internal/embedclient"
)

// Indexer is the subset of indexservice.Service the worker needs, kept as
// an interface to avoid a dependency cycle (indexservice already depends
// on this package for the Queue/Record types it reschedules into).
type Indexer interface {
	IndexFromPending(ctx context.Context, rec Record) error
}

// WorkerConfig tunes the background drain loop, per spec.md §4.7.
type WorkerConfig struct {
	Interval   time.Duration
	BatchSize  int
	MaxBackoff time.Duration
}

// DefaultWorkerConfig returns spec.md §4.7's defaults: 5s poll interval,
// batch size 5, 300s max backoff.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{Interval: DefaultInterval, BatchSize: DefaultBatchSize, MaxBackoff: DefaultMaxBackoff}
}

// Worker is the single background thread that drains a Queue, per
// spec.md §5's "single background thread" serialization contract.
type Worker struct {
	queue  *Queue
	index  Indexer
	cfg    WorkerConfig
	logger *slog.Logger
}

// NewWorker builds a Worker over queue, draining into index.
func NewWorker(queue *Queue, index Indexer, cfg WorkerConfig, logger *slog.Logger) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{queue: queue, index: index, cfg: cfg, logger: logger}
}

// Run drains the queue until ctx is canceled, per spec.md §4.7's loop:
// pop a batch, try to index each record, reschedule on failure with
// exponential backoff, sleep the configured interval when the queue is
// empty.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		w.drainOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) drainOnce(ctx context.Context) {
	batch := w.queue.Pop(w.cfg.BatchSize)
	for _, rec := range batch {
		err := w.index.IndexFromPending(ctx, rec)
		if err == nil {
			continue
		}

		var unavailable *embedclient.EmbedderUnavailable
		if errors.As(err, &unavailable) {
			w.queue.Reschedule(rec, w.cfg.Interval, w.cfg.MaxBackoff)
			w.logger.Warn("pending vector: embedder still unavailable", "doc_id", rec.DocID, "attempts", rec.Attempts+1)
			continue
		}

		// Any other failure backs off one extra doubling further than the
		// embedder-unavailable path, per spec.md §4.7, but still only
		// advances the stored attempts count by one.
		w.queue.RescheduleWithExtraBackoff(rec, w.cfg.Interval, w.cfg.MaxBackoff, 1)
		w.logger.Error("pending vector: index failed", "doc_id", rec.DocID, "error", err)
	}
}
