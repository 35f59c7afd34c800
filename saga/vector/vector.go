// Package vector provides embedding and similarity search primitives used by
// semantic loop detection and content retrieval.
//
// An Embedder turns text into a fixed-dimension vector; a Searcher stores
// vectors and answers nearest-neighbor queries by cosine similarity. The
// in-memory index is exact and suits the small working sets involved
// (a run's recent step outputs), not large corpora.
package vector

import (
	"context"
	"errors"
	"math"
)

// ErrDimensionMismatch is returned when a vector's dimension does not match
// the index it is being added to or queried against.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Embedder converts text into a dense vector representation.
type Embedder interface {
	// Embed returns the vector for the given text. Equal texts must produce
	// equal vectors.
	Embed(ctx context.Context, text string) ([]float64, error)

	// Dimension returns the length of vectors produced by Embed.
	Dimension() int
}

// Result is a single similarity search match.
type Result struct {
	// ID identifies the stored document.
	ID string

	// Content is the original text stored with the vector.
	Content string

	// Score is the cosine similarity to the query, in [-1, 1].
	Score float64

	// Metadata carries arbitrary attributes stored with the document.
	Metadata map[string]string
}

// Searcher stores embedded documents and retrieves the most similar ones.
type Searcher interface {
	// Add stores a document and its vector under id, replacing any prior
	// document with the same id.
	Add(ctx context.Context, id, content string, vec []float64, metadata map[string]string) error

	// Search returns up to limit documents ordered by descending cosine
	// similarity to the query vector.
	Search(ctx context.Context, query []float64, limit int) ([]Result, error)
}

// Cosine returns the cosine similarity between two equal-length vectors.
// A zero vector has similarity 0 with everything.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
