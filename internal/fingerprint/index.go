package fingerprint

import (
	"encoding/json"
	"os"
	"sort"
	"sync"
)

// DefaultThreshold is the maximum Hamming distance at which two signatures
// are considered near-duplicates.
const DefaultThreshold = 3

// Index is a persisted, insertion-order-stable map of document key to
// SimHash signature, used to flag near-duplicate content before it is
// written to the keyword or vector index.
type Index struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]uint64
}

// NewIndex returns an empty Index.
func NewIndex() *Index {
	return &Index{entries: make(map[string]uint64)}
}

// LoadIndex reads a persisted Index from path. A missing file or corrupt
// JSON yields an empty Index rather than an error, matching the tolerant
// load behavior this package is ported from.
func LoadIndex(path string) *Index {
	idx := NewIndex()

	raw, err := os.ReadFile(path)
	if err != nil {
		return idx
	}

	var data map[string]uint64
	if err := json.Unmarshal(raw, &data); err != nil {
		return idx
	}

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		idx.entries[k] = data[k]
		idx.order = append(idx.order, k)
	}
	return idx
}

// Save persists the index as a JSON object of key -> signature.
func (idx *Index) Save(path string) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	raw, err := json.MarshalIndent(idx.entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

// Nearest returns the key of the first-inserted entry within DefaultThreshold
// Hamming distance of target, or "" if none exists. The scan order is
// insertion order, making the result stable across runs for a given index
// state.
func (idx *Index) Nearest(target uint64) string {
	return idx.NearestWithin(target, DefaultThreshold)
}

// NearestWithin is Nearest with an explicit distance threshold.
func (idx *Index) NearestWithin(target uint64, threshold int) string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	for _, key := range idx.order {
		if HammingDistance(target, idx.entries[key]) <= threshold {
			return key
		}
	}
	return ""
}

// Update records or overwrites the signature for key.
func (idx *Index) Update(key string, signature uint64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, exists := idx.entries[key]; !exists {
		idx.order = append(idx.order, key)
	}
	idx.entries[key] = signature
}

// Len returns the number of tracked entries.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}
