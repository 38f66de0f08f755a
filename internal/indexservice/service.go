// Package indexservice is the vector-store upsert/query contract named in
// spec.md §4.4: it composes the embedder client (C6), the chunk-level
// vector store (C5), and the pending-vectors queue (C12) into the single
// `upsert_document`/`search` surface every caller (the focused-crawl
// pipeline, the /index/upsert and /index/search HTTP handlers, and the
// pending-vector worker) goes through, so dedupe/chunking/embedding never
// happens twice for the same document.
package indexservice

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/rohmanhakim/focusedsearch/internal/fingerprint"
	"github.com/rohmanhakim/focusedsearch/internal/pending"
	"github.com/rohmanhakim/focusedsearch/internal/vectorstore"
)

// DefaultSimilarityThreshold is the minimum cosine score a query hit must
// clear to be returned, per spec.md §4.4's query contract.
const DefaultSimilarityThreshold = 0.15

// Embedder is the subset of embedclient.Client the service needs; kept as
// an interface so tests can stub embedding failures deterministically.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, query string) ([]float32, error)
}

// Service implements spec.md §4.4's upsert_document/search contract.
type Service struct {
	Store   *vectorstore.Store
	Embed   Embedder
	Pending *pending.Queue
	Chunker vectorstore.Chunker
}

// New builds a Service with the default token chunker.
func New(store *vectorstore.Store, embed Embedder, queue *pending.Queue) *Service {
	return &Service{Store: store, Embed: embed, Pending: queue, Chunker: vectorstore.NewTokenChunker()}
}

// UpsertResult mirrors the /index/upsert response shape from spec.md §6.
type UpsertResult struct {
	DocID       string
	Chunks      int
	Dims        int
	Skipped     bool
	DuplicateOf string
	Queued      bool
}

// UpsertDocument runs spec.md §4.4's six-step upsert algorithm: reject
// empty text, fingerprint, vector-side near-duplicate check, needs-update
// short-circuit, chunk, embed-or-enqueue, then atomically replace the
// document's chunks.
func (s *Service) UpsertDocument(ctx context.Context, text, url, title string, meta map[string]string) (UpsertResult, error) {
	cleaned := strings.TrimSpace(text)
	if cleaned == "" {
		return UpsertResult{}, fmt.Errorf("indexservice: text is required")
	}

	docID := docIDFor(url, title, text)
	contentHash := contentHashOf(cleaned)
	simhash := fingerprint.SimHash64(cleaned)

	if dupID, isDup := s.Store.IsNearDuplicateChunk(cleaned); isDup && !strings.HasPrefix(dupID, docID+"#") {
		return UpsertResult{DocID: docID, Skipped: true, DuplicateOf: dupID}, nil
	}

	if !s.Store.NeedsUpdate(docID, "", contentHash) {
		return UpsertResult{DocID: docID, Skipped: true}, nil
	}

	chunker := s.Chunker
	if chunker == nil {
		chunker = vectorstore.NewTokenChunker()
	}
	chunks := chunker.Chunk(cleaned)
	if len(chunks) == 0 {
		// Fingerprint-only update: nothing to embed, but the content hash
		// still needs recording so a later unchanged re-upsert short-
		// circuits via NeedsUpdate.
		s.Store.UpdateFingerprint(docID, vectorstore.DocMeta{ContentHash: contentHash})
		return UpsertResult{DocID: docID, Chunks: 0}, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	vectors, err := s.Embed.EmbedDocuments(ctx, texts)
	if err != nil {
		if s.Pending != nil {
			s.Pending.Push(pending.Record{
				DocID:         docID,
				URL:           url,
				Title:         title,
				ResolvedTitle: title,
				ContentHash:   contentHash,
				SimHash:       simhash,
				Metadata:      sanitizeMetadata(meta),
				Chunks:        chunks,
			})
		}
		return UpsertResult{DocID: docID, Chunks: 0, Queued: true}, nil
	}

	records := chunkRecords(docID, url, title, chunks, meta)
	if err := s.Store.Upsert(docID, records, vectors, vectorstore.DocMeta{ContentHash: contentHash}); err != nil {
		return UpsertResult{}, err
	}

	dims := 0
	if len(vectors) > 0 {
		dims = len(vectors[0])
	}
	return UpsertResult{DocID: docID, Chunks: len(chunks), Dims: dims}, nil
}

// IndexFromPending retries embedding a record popped from the pending
// queue (C12) and, on success, commits it to the vector store. Errors are
// returned unmodified (including *embedclient.EmbedderUnavailable) so the
// worker can distinguish "still warming" from other failures for its
// backoff bookkeeping.
func (s *Service) IndexFromPending(ctx context.Context, rec pending.Record) error {
	texts := make([]string, len(rec.Chunks))
	for i, c := range rec.Chunks {
		texts[i] = c.Text
	}
	vectors, err := s.Embed.EmbedDocuments(ctx, texts)
	if err != nil {
		return err
	}
	records := chunkRecords(rec.DocID, rec.URL, rec.Title, rec.Chunks, rec.Metadata)
	return s.Store.Upsert(rec.DocID, records, vectors, vectorstore.DocMeta{ContentHash: rec.ContentHash})
}

// SearchHit is one vector-side query result, per spec.md §4.4.
type SearchHit struct {
	URL    string
	Title  string
	Chunk  string
	DocID  string
	Score  float64
}

// Search embeds query and returns up to k hits from the vector store,
// filtered by metadata-equality and by DefaultSimilarityThreshold, per
// spec.md §4.4's query contract.
func (s *Service) Search(ctx context.Context, query string, k int, filters map[string]string) ([]SearchHit, error) {
	vector, err := s.Embed.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	hits, err := s.Store.Query(vector, k, vectorstore.QueryFilter(nonEmptyFilters(filters)))
	if err != nil {
		return nil, err
	}

	out := make([]SearchHit, 0, len(hits))
	for _, h := range hits {
		if h.Score < DefaultSimilarityThreshold {
			continue
		}
		out = append(out, SearchHit{URL: h.URL, Title: h.Title, Chunk: h.ChunkText, DocID: h.DocID, Score: h.Score})
	}
	return out, nil
}

func nonEmptyFilters(filters map[string]string) map[string]string {
	out := make(map[string]string, len(filters))
	for k, v := range filters {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

func chunkRecords(docID, url, title string, chunks []vectorstore.Chunk, meta map[string]string) []vectorstore.Record {
	records := make([]vectorstore.Record, len(chunks))
	for i, c := range chunks {
		m := sanitizeMetadata(meta)
		m["start"] = strconv.Itoa(c.Start)
		m["end"] = strconv.Itoa(c.End)
		m["token_count"] = strconv.Itoa(c.TokenCount)
		records[i] = vectorstore.Record{
			DocID:     docID,
			URL:       url,
			Title:     title,
			ChunkText: c.Text,
			Metadata:  m,
		}
	}
	return records
}

// sanitizeMetadata coerces metadata values to scalars per spec.md §4.4:
// nil values are dropped by virtue of map[string]string having no nil, so
// the only remaining rule this layer enforces is stripping empty keys
// (callers passing structured values stringify them before calling in).
func sanitizeMetadata(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		if k == "" {
			continue
		}
		out[k] = v
	}
	return out
}

func contentHashOf(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// docIDFor derives a stable document id: a hash of the URL when present (so repeat
// upserts of the same page replace the same chunks), else a hash of the
// title+text so distinct anonymous upserts don't collide.
func docIDFor(url, title, text string) string {
	if url != "" {
		sum := sha256.Sum256([]byte(url))
		return hex.EncodeToString(sum[:])[:32]
	}
	sum := sha256.Sum256([]byte(title + "\x00" + text))
	return hex.EncodeToString(sum[:])[:32]
}
