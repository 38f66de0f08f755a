// Package vectorstore is the vector store (C5): a chunked, per-document
// embedding index backed by github.com/coder/hnsw, grounded directly on
// Aman-CERP/amanmcp's internal/store.HNSWStore (graph construction, lazy
// deletion to dodge coder/hnsw's last-node-deletion bug, Export/Import
// persistence with a gob-encoded metadata sidecar). Where amanmcp indexes
// one flat string ID per vector, this store follows vector_index.py's
// Chroma-like collection contract: each upsert replaces every chunk
// belonging to a doc_id atomically, and chunk-level HNSW keys map back to
// (doc_id, chunk_index) through the sidecar metadata.
package vectorstore

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"
	"github.com/rohmanhakim/focusedsearch/internal/fingerprint"
)

// Record is one chunk-level vector entry persisted alongside its owning
// document. Metadata mirrors vector_index.py's per-chunk payload: scalar
// values only, coerced per spec.md §4.4 (None dropped, lists/dicts
// JSON-encoded, other non-scalars stringified) by the caller before
// Upsert.
type Record struct {
	DocID      string
	URL        string
	Title      string
	ChunkIndex int
	ChunkText  string
	Metadata   map[string]string
}

// DocMeta is the per-document bookkeeping needed to decide whether a
// document needs re-embedding and to delete a document's prior chunks
// before replacing them.
type DocMeta struct {
	ETag        string
	ContentHash string
	ChunkCount  int
}

type vectorKey = uint64

// Store is a chunk-level HNSW vector index keyed by (doc_id, chunk_index),
// with separate book-keeping for per-document content identity and a
// SimHash index over chunk text used for vector-side near-duplicate
// detection (kept apart from C3's page-level internal/fingerprint.Index
// per spec.md §9: a page can be a near-duplicate at the page level while
// still contributing chunks whose embeddings differ enough to be useful,
// and vice versa).
type Store struct {
	mu sync.RWMutex

	dim    int
	metric string
	graph  *hnsw.Graph[vectorKey]

	nextKey   vectorKey
	keyToRec  map[vectorKey]Record
	docChunks map[string][]vectorKey
	docMeta   map[string]DocMeta

	dupIndex *fingerprint.Index
}

// Config configures a new Store.
type Config struct {
	// Dim is the embedding dimensionality. Vectors of a different length
	// are rejected by Upsert.
	Dim int
	// Metric selects the distance function: "cosine" (default) or "l2".
	Metric string
}

// New builds an empty Store.
func New(cfg Config) *Store {
	metric := cfg.Metric
	if metric == "" {
		metric = "cosine"
	}
	g := hnsw.NewGraph[vectorKey]()
	if metric == "l2" {
		g.Distance = hnsw.EuclideanDistance
	} else {
		g.Distance = hnsw.CosineDistance
	}
	return &Store{
		dim:       cfg.Dim,
		metric:    metric,
		graph:     g,
		keyToRec:  make(map[vectorKey]Record),
		docChunks: make(map[string][]vectorKey),
		docMeta:   make(map[string]DocMeta),
		dupIndex:  fingerprint.NewIndex(),
	}
}

// NeedsUpdate reports whether docID must be re-embedded given its current
// etag/contentHash, following vector_index.py's skip-unchanged-etag-or-
// hash short-circuit: a document already present with a matching etag (if
// non-empty) or matching content hash does not need re-embedding.
func (s *Store) NeedsUpdate(docID, etag, contentHash string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.docMeta[docID]
	if !ok {
		return true
	}
	if etag != "" && meta.ETag != "" {
		return etag != meta.ETag
	}
	return contentHash != meta.ContentHash
}

// Upsert atomically replaces every chunk belonging to docID with chunks,
// storing vectors[i] as the embedding of chunks[i]. It rejects empty chunk
// sets, a chunk/vector count mismatch and dimension mismatches. meta.ChunkCount is set from len(chunks) before
// storage.
func (s *Store) Upsert(docID string, chunks []Record, vectors [][]float32, meta DocMeta) error {
	if docID == "" {
		return fmt.Errorf("vectorstore: doc_id is required")
	}
	if len(chunks) == 0 {
		return fmt.Errorf("vectorstore: upsert %s: no chunks", docID)
	}
	if len(chunks) != len(vectors) {
		return fmt.Errorf("vectorstore: upsert %s: %d chunks but %d vectors", docID, len(chunks), len(vectors))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dim == 0 && len(vectors) > 0 {
		s.dim = len(vectors[0])
	}
	for i, v := range vectors {
		if len(v) != s.dim {
			return fmt.Errorf("vectorstore: upsert %s: chunk %d has dim %d, want %d", docID, i, len(v), s.dim)
		}
	}

	s.removeDocLocked(docID)

	keys := make([]vectorKey, 0, len(chunks))
	for i, rec := range chunks {
		rec.DocID = docID
		rec.ChunkIndex = i

		vec := append([]float32(nil), vectors[i]...)
		if s.metric == "cosine" {
			normalizeVectorInPlace(vec)
		}

		key := s.nextKey
		s.nextKey++

		node := hnsw.MakeNode(key, vec)
		s.graph.Add(node)
		s.keyToRec[key] = rec
		keys = append(keys, key)

		s.dupIndex.Update(dupIndexID(docID, i), fingerprint.SimHash64(rec.ChunkText))
	}

	meta.ChunkCount = len(chunks)
	s.docChunks[docID] = keys
	s.docMeta[docID] = meta
	return nil
}

// removeDocLocked deletes docID's existing chunks. Per amanmcp's
// HNSWStore.Delete, we never call graph.Delete (coder/hnsw mishandles
// deleting the last-inserted node); instead we drop the key from our own
// maps and leave an orphaned node in the graph, which Search filters out
// via keyToRec lookups. The matching dupIndex entries are likewise left in
// place as harmless orphans: fingerprint.Index has no delete operation and
// a stale SimHash entry for a replaced chunk only risks an overly eager
// duplicate flag, never a missed one.
func (s *Store) removeDocLocked(docID string) {
	keys, ok := s.docChunks[docID]
	if !ok {
		return
	}
	for _, key := range keys {
		delete(s.keyToRec, key)
	}
	delete(s.docChunks, docID)
	delete(s.docMeta, docID)
}

// UpdateFingerprint records meta for docID without touching any existing
// chunks, for callers whose text chunked to nothing (spec.md §4.4 step 5:
// "if no chunks, update only fingerprint").
func (s *Store) UpdateFingerprint(docID string, meta DocMeta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta.ChunkCount = len(s.docChunks[docID])
	s.docMeta[docID] = meta
}

// Delete removes every chunk belonging to docID.
func (s *Store) Delete(docID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeDocLocked(docID)
}

// Hit is one chunk-level query result.
type Hit struct {
	Record
	Score float64
}

// QueryFilter restricts Query results to chunks whose Record.Metadata
// matches every key/value pair (metadata-equality filters, per spec.md
// §4.4).
type QueryFilter map[string]string

// Query returns the k nearest chunks to vector, optionally restricted by
// filter.
func (s *Store) Query(vector []float32, k int, filter QueryFilter) ([]Hit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(vector) != s.dim {
		return nil, fmt.Errorf("vectorstore: query dim %d, want %d", len(vector), s.dim)
	}
	if k <= 0 {
		k = 10
	}
	if s.graph.Len() == 0 {
		return nil, nil
	}

	q := append([]float32(nil), vector...)
	if s.metric == "cosine" {
		normalizeVectorInPlace(q)
	}

	// Overfetch to compensate for orphaned (deleted) nodes still resident
	// in the graph and for filter rejections.
	fetchK := k * 4
	if fetchK < 20 {
		fetchK = 20
	}

	neighbors := s.graph.Search(q, fetchK)

	hits := make([]Hit, 0, k)
	for _, n := range neighbors {
		rec, ok := s.keyToRec[n.Key]
		if !ok {
			continue
		}
		if !matchesFilter(rec.Metadata, filter) {
			continue
		}
		dist := s.graph.Distance(q, n.Value)
		hits = append(hits, Hit{Record: rec, Score: float64(distanceToScore(dist, s.metric))})
		if len(hits) == k {
			break
		}
	}
	return hits, nil
}

func matchesFilter(meta map[string]string, filter QueryFilter) bool {
	for k, v := range filter {
		if meta[k] != v {
			return false
		}
	}
	return true
}

// IsNearDuplicateChunk reports whether text's SimHash is within the
// standard Hamming-distance-3 threshold of any existing chunk, along with
// that chunk's id ("docID#chunkIndex").
func (s *Store) IsNearDuplicateChunk(text string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id := s.dupIndex.Nearest(fingerprint.SimHash64(text))
	return id, id != ""
}

// DocCount reports how many distinct documents are stored.
func (s *Store) DocCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docChunks)
}

// ChunkCount reports how many chunk-level vectors are stored (excluding
// orphaned, deleted entries).
func (s *Store) ChunkCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keyToRec)
}

func dupIndexID(docID string, chunkIndex int) string {
	return fmt.Sprintf("%s#%d", docID, chunkIndex)
}

// normalizeVectorInPlace L2-normalizes v so coder/hnsw's cosine distance,
// which assumes unit vectors, behaves correctly.
func normalizeVectorInPlace(v []float32) {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		return
	}
	invMagnitude := float32(1.0 / math.Sqrt(sumSq))
	for i := range v {
		v[i] *= invMagnitude
	}
}

// distanceToScore converts an hnsw distance into an ascending similarity
// score in the same way amanmcp's HNSWStore does: cosine distance in
// [0, 2] maps to a [0, 1] score, l2 distance maps to (0, 1] via 1/(1+d).
func distanceToScore(distance float32, metric string) float64 {
	switch metric {
	case "l2":
		return float64(1.0 / (1.0 + distance))
	default:
		return float64(1.0 - distance/2.0)
	}
}

// persistedMetadata is the gob-encoded sidecar saved next to the graph
// binary, carrying everything Save/Load need to reconstruct a Store that
// a freshly Import'd hnsw.Graph cannot recover on its own.
type persistedMetadata struct {
	Dim       int
	Metric    string
	NextKey   vectorKey
	KeyToRec  map[vectorKey]Record
	DocChunks map[string][]vectorKey
	DocMeta   map[string]DocMeta
}

// Save persists the store to dir/graph.bin and dir/graph.meta, writing
// both via a temp-file-then-rename so a crash mid-write never leaves a
// half-written file in place.
func (s *Store) Save(dir string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("vectorstore: save: %w", err)
	}

	graphPath := filepath.Join(dir, "graph.bin")
	if err := atomicWrite(graphPath, func(f *os.File) error {
		return s.graph.Export(f)
	}); err != nil {
		return fmt.Errorf("vectorstore: export graph: %w", err)
	}

	meta := persistedMetadata{
		Dim:       s.dim,
		Metric:    s.metric,
		NextKey:   s.nextKey,
		KeyToRec:  s.keyToRec,
		DocChunks: s.docChunks,
		DocMeta:   s.docMeta,
	}
	metaPath := filepath.Join(dir, "graph.meta")
	if err := atomicWrite(metaPath, func(f *os.File) error {
		return gob.NewEncoder(f).Encode(meta)
	}); err != nil {
		return fmt.Errorf("vectorstore: write metadata: %w", err)
	}
	return nil
}

// Load reconstructs a Store previously written by Save.
func Load(dir string) (*Store, error) {
	graphPath := filepath.Join(dir, "graph.bin")
	metaPath := filepath.Join(dir, "graph.meta")

	metaFile, err := os.Open(metaPath)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: open metadata: %w", err)
	}
	defer metaFile.Close()

	var meta persistedMetadata
	if err := gob.NewDecoder(metaFile).Decode(&meta); err != nil {
		return nil, fmt.Errorf("vectorstore: decode metadata: %w", err)
	}

	graphFile, err := os.Open(graphPath)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: open graph: %w", err)
	}
	defer graphFile.Close()

	g := hnsw.NewGraph[vectorKey]()
	if meta.Metric == "l2" {
		g.Distance = hnsw.EuclideanDistance
	} else {
		g.Distance = hnsw.CosineDistance
	}
	if err := g.Import(bufio.NewReader(graphFile)); err != nil {
		return nil, fmt.Errorf("vectorstore: import graph: %w", err)
	}

	s := &Store{
		dim:       meta.Dim,
		metric:    meta.Metric,
		graph:     g,
		nextKey:   meta.NextKey,
		keyToRec:  meta.KeyToRec,
		docChunks: meta.DocChunks,
		docMeta:   meta.DocMeta,
		dupIndex:  fingerprint.NewIndex(),
	}
	if s.keyToRec == nil {
		s.keyToRec = make(map[vectorKey]Record)
	}
	if s.docChunks == nil {
		s.docChunks = make(map[string][]vectorKey)
	}
	if s.docMeta == nil {
		s.docMeta = make(map[string]DocMeta)
	}
	for docID, keys := range s.docChunks {
		for i, key := range keys {
			if rec, ok := s.keyToRec[key]; ok {
				s.dupIndex.Update(dupIndexID(docID, i), fingerprint.SimHash64(rec.ChunkText))
			}
		}
	}
	return s, nil
}

func atomicWrite(path string, write func(*os.File) error) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
