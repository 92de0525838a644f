// Package retrieval provides semantic search over stored asset
// metadata: each asset's prompt, model and type are embedded and kept
// in a brute-force cosine index persisted to operational state.
package retrieval

import (
	"sort"
	"sync"

	"github.com/nugget/yak/internal/embeddings"
)

// Hit is one index match.
type Hit struct {
	ID    string
	Score float32
}

// entry is the persisted form of one indexed asset.
type entry struct {
	Vector []float32         `json:"vector"`
	Meta   map[string]string `json:"meta,omitempty"`
}

// Index is an in-memory vector index. Safe for concurrent use.
type Index struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{entries: make(map[string]entry)}
}

// Upsert stores or replaces the vector for id.
func (x *Index) Upsert(id string, vec []float32, meta map[string]string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.entries[id] = entry{Vector: vec, Meta: meta}
}

// Delete removes id from the index.
func (x *Index) Delete(id string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.entries, id)
}

// Vector returns the stored vector for id.
func (x *Index) Vector(id string) ([]float32, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	e, ok := x.entries[id]
	return e.Vector, ok
}

// Len returns the number of indexed items.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

// Query returns the k best matches for vec by cosine similarity, best
// first. k below 1 is treated as 1. Ties keep id order so results are
// stable.
func (x *Index) Query(vec []float32, k int) []Hit {
	x.mu.RLock()
	hits := make([]Hit, 0, len(x.entries))
	for id, e := range x.entries {
		hits = append(hits, Hit{ID: id, Score: embeddings.CosineSimilarity(vec, e.Vector)})
	}
	x.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if k < 1 {
		k = 1
	}
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}
