// Package vecstore implements the shared vector index: a flat cosine index
// with snapshot-isolated search, per-document postings, and transactional
// per-document removal.
package vecstore

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"documind/internal/models"
)

// Entry is one stored vector with the chunk metadata retrieval needs.
// Vectors are L2-normalized on insert so cosine similarity is a dot product.
type Entry struct {
	ChunkID      string    `json:"chunk_id"`
	DocumentID   string    `json:"document_id"`
	DocumentName string    `json:"document_name"`
	Ordinal      int       `json:"ordinal"`
	Text         string    `json:"text"`
	Start        int       `json:"start"`
	End          int       `json:"end"`
	Vector       []float32 `json:"vector"`
}

// Result is one search hit.
type Result struct {
	Entry Entry
	Score float64
}

// snapshot is an immutable view of the index. Readers load it atomically and
// never see a half-applied write.
type snapshot struct {
	entries []Entry
	byDoc   map[string][]int
}

// Index is the only broadly shared mutable resource in the engine. Writers
// serialize on mu and publish a fresh snapshot; searches run lock-free
// against whichever snapshot they loaded.
type Index struct {
	mu   sync.Mutex
	dim  int
	snap atomic.Pointer[snapshot]
}

func New(dimension int) *Index {
	idx := &Index{dim: dimension}
	idx.snap.Store(&snapshot{byDoc: map[string][]int{}})
	return idx
}

func (idx *Index) Dimension() int { return idx.dim }

// AddDocument inserts all entries for one document in a single transaction,
// replacing any entries the document already has. Either every entry becomes
// visible or none do.
func (idx *Index) AddDocument(documentID string, entries []Entry) error {
	if documentID == "" {
		return fmt.Errorf("%w: empty document id", models.ErrValidation)
	}
	normalized := make([]Entry, len(entries))
	for i, e := range entries {
		if len(e.Vector) != idx.dim {
			return fmt.Errorf("%w: vector for chunk %s has dimension %d, want %d",
				models.ErrValidation, e.ChunkID, len(e.Vector), idx.dim)
		}
		e.Vector = normalize(e.Vector)
		normalized[i] = e
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	cur := idx.snap.Load()
	next := cur.without(documentID)
	for _, e := range normalized {
		next.byDoc[e.DocumentID] = append(next.byDoc[e.DocumentID], len(next.entries))
		next.entries = append(next.entries, e)
	}
	idx.snap.Store(next)
	log.Debug().Str("document", documentID).Int("vectors", len(entries)).Msg("added document to index")
	return nil
}

// RemoveDocument drops every entry of the document atomically. Removing an
// unknown document is a no-op.
func (idx *Index) RemoveDocument(documentID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	cur := idx.snap.Load()
	if _, ok := cur.byDoc[documentID]; !ok {
		return
	}
	idx.snap.Store(cur.without(documentID))
	log.Debug().Str("document", documentID).Msg("removed document from index")
}

// scopePostingsLimit bounds the postings path; larger scopes fall back to a
// full scan with a post-filter.
const scopePostingsLimit = 16

// Search returns up to k entries scoring at or above threshold, most similar
// first. Ties break by lower ordinal, then lexicographic chunk id. The scan
// runs against a consistent snapshot; concurrent writes are invisible to it.
func (idx *Index) Search(vector []float32, k int, threshold float64, scope []string) ([]Result, error) {
	if len(vector) != idx.dim {
		return nil, fmt.Errorf("%w: query vector has dimension %d, want %d", models.ErrValidation, len(vector), idx.dim)
	}
	if k <= 0 {
		k = 5
	}
	query := normalize(vector)
	snap := idx.snap.Load()

	var results []Result
	score := func(i int) {
		e := snap.entries[i]
		s := dot(query, e.Vector)
		if s >= threshold {
			results = append(results, Result{Entry: e, Score: s})
		}
	}

	switch {
	case len(scope) == 0:
		for i := range snap.entries {
			score(i)
		}
	case len(scope) <= scopePostingsLimit:
		for _, docID := range scope {
			for _, i := range snap.byDoc[docID] {
				score(i)
			}
		}
	default:
		in := make(map[string]struct{}, len(scope))
		for _, docID := range scope {
			in[docID] = struct{}{}
		}
		for i := range snap.entries {
			if _, ok := in[snap.entries[i].DocumentID]; ok {
				score(i)
			}
		}
	}

	sort.Slice(results, func(a, b int) bool {
		if results[a].Score != results[b].Score {
			return results[a].Score > results[b].Score
		}
		if results[a].Entry.Ordinal != results[b].Entry.Ordinal {
			return results[a].Entry.Ordinal < results[b].Entry.Ordinal
		}
		return results[a].Entry.ChunkID < results[b].Entry.ChunkID
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Len reports the number of stored vectors.
func (idx *Index) Len() int {
	return len(idx.snap.Load().entries)
}

// Documents reports how many documents have live vectors.
func (idx *Index) Documents() int {
	return len(idx.snap.Load().byDoc)
}

// HasDocument reports whether the document has live vectors.
func (idx *Index) HasDocument(documentID string) bool {
	_, ok := idx.snap.Load().byDoc[documentID]
	return ok
}

// DocumentIDs lists the documents with live vectors.
func (idx *Index) DocumentIDs() []string {
	snap := idx.snap.Load()
	ids := make([]string, 0, len(snap.byDoc))
	for id := range snap.byDoc {
		ids = append(ids, id)
	}
	return ids
}

// without builds a fresh snapshot excluding one document's entries.
func (s *snapshot) without(documentID string) *snapshot {
	next := &snapshot{
		entries: make([]Entry, 0, len(s.entries)),
		byDoc:   make(map[string][]int, len(s.byDoc)),
	}
	for _, e := range s.entries {
		if e.DocumentID == documentID {
			continue
		}
		next.byDoc[e.DocumentID] = append(next.byDoc[e.DocumentID], len(next.entries))
		next.entries = append(next.entries, e)
	}
	return next
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
