package vector

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryIndex is an exact, in-memory cosine similarity index.
//
// Search is a linear scan over stored vectors, which is fine for the
// engine's use: comparing a handful of recent step outputs per run.
type MemoryIndex struct {
	mu        sync.RWMutex
	dimension int
	docs      map[string]indexedDoc
}

type indexedDoc struct {
	content  string
	vec      []float64
	metadata map[string]string
}

// NewMemoryIndex creates an empty index for vectors of the given dimension.
func NewMemoryIndex(dimension int) *MemoryIndex {
	return &MemoryIndex{
		dimension: dimension,
		docs:      make(map[string]indexedDoc),
	}
}

// Add stores a document, replacing any prior document with the same id.
func (m *MemoryIndex) Add(_ context.Context, id, content string, vec []float64, metadata map[string]string) error {
	if len(vec) != m.dimension {
		return fmt.Errorf("%w: got %d, index expects %d", ErrDimensionMismatch, len(vec), m.dimension)
	}

	stored := make([]float64, len(vec))
	copy(stored, vec)

	m.mu.Lock()
	m.docs[id] = indexedDoc{content: content, vec: stored, metadata: metadata}
	m.mu.Unlock()
	return nil
}

// Search returns up to limit documents ordered by descending cosine
// similarity. Ties are broken by id for deterministic output.
func (m *MemoryIndex) Search(_ context.Context, query []float64, limit int) ([]Result, error) {
	if len(query) != m.dimension {
		return nil, fmt.Errorf("%w: got %d, index expects %d", ErrDimensionMismatch, len(query), m.dimension)
	}
	if limit <= 0 {
		return nil, nil
	}

	m.mu.RLock()
	results := make([]Result, 0, len(m.docs))
	for id, doc := range m.docs {
		results = append(results, Result{
			ID:       id,
			Content:  doc.content,
			Score:    Cosine(query, doc.vec),
			Metadata: doc.metadata,
		})
	}
	m.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Len returns the number of stored documents.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}
