// Package authority is the pluggable host-authority index named in
// spec.md §3/§4.5: a lookup from hostname to a [0,1] authority prior that
// the discovery engine folds into a candidate's score. It is intentionally
// small and data-driven, in the same "read a JSON file, fall back to a
// heuristic" style as internal/registry, rather than anything that calls
// out to a live ranking service.
package authority

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
)

// Index implements discovery.AuthorityIndex over a static host->score
// table, with a small TLD-based heuristic for hosts the table doesn't
// name.
type Index struct {
	mu    sync.RWMutex
	table map[string]float64
}

// New builds an empty Index; use Load to seed it from disk.
func New() *Index {
	return &Index{table: make(map[string]float64)}
}

// Load reads a host->score JSON object from path, replacing the current
// table. A missing file leaves the index at its current (possibly empty)
// state.
func Load(path string) (*Index, error) {
	idx := New()
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return idx, nil
		}
		return nil, fmt.Errorf("authority: read %s: %w", path, err)
	}
	var table map[string]float64
	if err := json.Unmarshal(raw, &table); err != nil {
		return nil, fmt.Errorf("authority: parse %s: %w", path, err)
	}
	idx.mu.Lock()
	idx.table = table
	idx.mu.Unlock()
	return idx, nil
}

// ScoreFor implements discovery.AuthorityIndex: an explicit table entry
// wins, else a handful of well-known high-authority TLDs/hosts get a small
// boost, else the host is unscored.
func (idx *Index) ScoreFor(domain string) float64 {
	domain = strings.ToLower(strings.TrimPrefix(domain, "www."))

	idx.mu.RLock()
	score, ok := idx.table[domain]
	idx.mu.RUnlock()
	if ok {
		return score
	}

	switch {
	case strings.HasSuffix(domain, ".gov"), strings.HasSuffix(domain, ".edu"):
		return 0.8
	case strings.HasSuffix(domain, "wikipedia.org"):
		return 0.9
	case strings.HasSuffix(domain, ".org"):
		return 0.4
	default:
		return 0.0
	}
}
