package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/rohmanhakim/focusedsearch/internal/dedupe"
	"github.com/rohmanhakim/focusedsearch/internal/fingerprint"
	"github.com/rohmanhakim/focusedsearch/internal/normalize"
)

// Storage persists the crawl/raw JSONL, normalized JSONL, ledger/simhash
// snapshots and the last-index-time marker named in spec.md §6's
// persisted-state layout. A Runner with a nil Storage skips all of this
// and keeps state in memory only, which is fine for tests and for
// embedders that manage their own durability.
type Storage struct {
	CrawlStoreDir     string
	NormalizedPath    string
	IndexLedgerPath   string
	SimhashPath       string
	LastIndexTimePath string
}

// NewStorage builds a Storage from a resolved config.Paths-shaped set of
// file locations; callers pass the fields directly rather than importing
// internal/config here, keeping this package's dependency graph one-way.
func NewStorage(crawlStoreDir, normalizedPath, indexLedgerPath, simhashPath, lastIndexTimePath string) *Storage {
	return &Storage{
		CrawlStoreDir:     crawlStoreDir,
		NormalizedPath:    normalizedPath,
		IndexLedgerPath:   indexLedgerPath,
		SimhashPath:       simhashPath,
		LastIndexTimePath: lastIndexTimePath,
	}
}

// AppendRaw writes one JSONL file per job under CrawlStoreDir, one line per
// fetched page, matching spec.md §6's `crawl/raw/<job_id>.jsonl` layout.
// Write failures are logged-by-caller material, not fatal to the job, so
// this only returns an error for the caller to decide what to do with.
func (s *Storage) AppendRaw(jobID string, raws []normalize.RawRecord) error {
	if s == nil || len(raws) == 0 {
		return nil
	}
	if err := os.MkdirAll(s.CrawlStoreDir, 0o755); err != nil {
		return fmt.Errorf("pipeline: raw store dir: %w", err)
	}
	path := filepath.Join(s.CrawlStoreDir, jobID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("pipeline: open raw store: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, r := range raws {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("pipeline: encode raw record: %w", err)
		}
	}
	return nil
}

// AppendNormalized appends docs to the single normalized.jsonl file shared
// across every job, guarded by a cross-process file lock since the refresh
// worker and a manual `focusedsearch index` run could race on it.
func (s *Storage) AppendNormalized(docs []normalize.Document) error {
	if s == nil || len(docs) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.NormalizedPath), 0o755); err != nil {
		return fmt.Errorf("pipeline: normalized dir: %w", err)
	}

	fl := flock.New(s.NormalizedPath + ".lock")
	if err := fl.Lock(); err == nil {
		defer fl.Unlock()
	}

	f, err := os.OpenFile(s.NormalizedPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("pipeline: open normalized store: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, d := range docs {
		if err := enc.Encode(d); err != nil {
			return fmt.Errorf("pipeline: encode normalized doc: %w", err)
		}
	}
	return nil
}

// PersistLedgerAndSimIndex snapshots the dedupe ledger and the page-level
// simhash index to disk. Both are best-effort: a write failure is worth
// logging upstream but must never fail an otherwise-successful crawl job.
func (s *Storage) PersistLedgerAndSimIndex(ledger *dedupe.Ledger, simIndex *fingerprint.Index) {
	if s == nil {
		return
	}
	if ledger != nil && s.IndexLedgerPath != "" {
		_ = os.MkdirAll(filepath.Dir(s.IndexLedgerPath), 0o755)
		_ = ledger.Save(s.IndexLedgerPath)
	}
	if simIndex != nil && s.SimhashPath != "" {
		_ = os.MkdirAll(filepath.Dir(s.SimhashPath), 0o755)
		_ = simIndex.Save(s.SimhashPath)
	}
}

// WriteLastIndexTime records when the keyword/vector indexes were last
// updated, read back by the hybrid search service (C14) to decide whether
// results are stale enough to warrant a background refresh trigger.
func (s *Storage) WriteLastIndexTime(t time.Time) error {
	if s == nil || s.LastIndexTimePath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.LastIndexTimePath), 0o755); err != nil {
		return fmt.Errorf("pipeline: last-index-time dir: %w", err)
	}
	return os.WriteFile(s.LastIndexTimePath, []byte(t.UTC().Format(time.RFC3339)), 0o644)
}

// ReadLastIndexTime loads the marker written by WriteLastIndexTime. A
// missing or unparsable file reports ok=false so callers treat it as
// "never indexed" rather than erroring.
func ReadLastIndexTime(path string) (time.Time, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, string(raw))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
