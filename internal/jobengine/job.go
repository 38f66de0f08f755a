// Package jobengine is the refresh worker (C13): a single-flight,
// per-normalized-query job queue that runs the focused-crawl pipeline
// (C11) to completion, publishes stage-level progress, and enforces a
// per-query cooldown between successful runs. Grounded on
// _examples/original_source/backend/server/refresh_worker.py's
// enqueue/dedupe/stage-progress contract.
package jobengine

import (
	"strings"
	"time"
)

// State is a job's lifecycle state.
type State string

const (
	StateQueued  State = "queued"
	StateRunning State = "running"
	StateDone    State = "done"
	StateError   State = "error"
)

// Stats accumulates monotone non-decreasing per-stage counters onto a job
// record, per spec.md §3's Job record `stats` field.
type Stats struct {
	SeedCount      int
	PagesFetched   int
	NormalizedDocs int
	DocsIndexed    int
	Skipped        int
	Deduped        int
	Embedded       int
	NewDomains     int
}

// Job is the focused-crawl job record named in spec.md §3.
type Job struct {
	ID              string
	NormalizedQuery string
	DisplayQuery    string
	State           State
	Stage           string
	Message         string
	Progress        int
	UseLLM          bool
	Model           string
	ManualSeeds     []string
	CreatedAt       time.Time
	StartedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     time.Time
	Stats           Stats
	Result          any
	Error           string
}

// Snapshot returns a shallow copy of j safe to hand to a caller outside
// the engine's lock.
func (j Job) Snapshot() Job {
	cp := j
	cp.ManualSeeds = append([]string(nil), j.ManualSeeds...)
	return cp
}

// Active reports whether the job is still queued or running.
func (j Job) Active() bool {
	return j.State == StateQueued || j.State == StateRunning
}

// ETA implements spec.md §4.11's estimate: for a running job with
// progress>0, eta = max(0, elapsed*(100-progress)/progress); otherwise
// the estimate is unknown (ok=false).
func (j Job) ETA(now time.Time) (time.Duration, bool) {
	if j.State != StateRunning || j.Progress <= 0 || j.StartedAt.IsZero() {
		return 0, false
	}
	elapsed := now.Sub(j.StartedAt)
	remaining := elapsed * time.Duration(100-j.Progress) / time.Duration(j.Progress)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// stageProgress is the default stage->progress-percent map from
// spec.md §4.11.
var stageProgress = map[string]int{
	"queued":             0,
	"starting":           5,
	"frontier_start":     10,
	"frontier_complete":  20,
	"frontier_empty":     20,
	"crawl_start":        30,
	"crawl_complete":     55,
	"normalize_start":    65,
	"normalize_complete": 75,
	"index_start":        85,
	"index_complete":     95,
	"index_skipped":      95,
	"complete":           100,
}

// progressForStage resolves stage to its configured percentage, falling
// back to the job's current progress (never regressing it) for an
// unrecognized stage name.
func progressForStage(stage string, current int) int {
	if pct, ok := stageProgress[stage]; ok {
		if pct > current {
			return pct
		}
		return current
	}
	return current
}

// NormalizeQuery lowercases and collapses whitespace in q, per spec.md
// §4.11's single-flight dedupe key.
func NormalizeQuery(q string) string {
	fields := strings.Fields(strings.ToLower(q))
	return strings.Join(fields, " ")
}
