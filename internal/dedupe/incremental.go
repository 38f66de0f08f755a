package dedupe

import (
	"fmt"

	"github.com/rohmanhakim/focusedsearch/internal/fingerprint"
)

// Writer is the subset of the keyword index a caller must supply to run
// IncrementalIndex against it. It is implemented by the keyword index
// package; kept as an interface here so dedupe has no import dependency on
// the indexing engine.
type Writer interface {
	UpdateDocument(doc Document, lang string) error
}

// Result reports how many documents IncrementalIndex processed in each
// outcome bucket.
type Result struct {
	Added   int
	Skipped int
	Deduped int
}

// IncrementalIndex indexes docs against writer, skipping documents whose
// content hash already matches the ledger and flagging near-duplicates via
// simIndex.
//
// Duplicate bookkeeping: when a document is a near-duplicate of a
// previously-seen URL, only the ledger entry for its own URL is updated so a
// later unchanged re-crawl of the same duplicate is still skipped quickly;
// the SimHash index itself is left untouched for that URL, so the
// already-indexed original remains the sole entry future documents are
// compared against.
//
// A writer.UpdateDocument failure is not swallowed: it aborts the batch and
// is returned to the caller, same as the reference indexer's bare
// writer.update_document call with no per-document try/except.
func IncrementalIndex(writer Writer, ledger *Ledger, simIndex *fingerprint.Index, docs []Document, lang string) (Result, error) {
	var result Result

	for _, doc := range docs {
		if doc.URL == "" || doc.Body == "" {
			result.Skipped++
			continue
		}

		hash := ContentHash(doc)
		if ledger.Matches(doc.URL, hash) {
			result.Skipped++
			continue
		}

		signature := fingerprint.SimHash64(doc.Body)
		duplicateOf := simIndex.Nearest(signature)
		if duplicateOf != "" && duplicateOf != doc.URL {
			ledger.Set(doc.URL, hash)
			result.Deduped++
			continue
		}

		if err := writer.UpdateDocument(doc, lang); err != nil {
			return result, fmt.Errorf("updating document %s: %w", doc.URL, err)
		}
		ledger.Set(doc.URL, hash)
		simIndex.Update(doc.URL, signature)
		result.Added++
	}

	return result, nil
}
