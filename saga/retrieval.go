package saga

import (
	"context"
	"fmt"

	"github.com/relayworks/sagakit/saga/vector"
)

// Retrieval gives step handlers similarity search over an indexed corpus.
// Handlers receive it through StepContext when the engine was built with
// WithRetrieval.
type Retrieval struct {
	searcher     vector.Searcher
	embedder     vector.Embedder
	topK         int
	minRelevance float64
}

// Search embeds the query and returns the most similar indexed documents,
// best first. Results below the configured relevance floor are dropped, so
// the slice may be shorter than topK or empty.
func (r *Retrieval) Search(ctx context.Context, query string) ([]vector.Result, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	results, err := r.searcher.Search(ctx, vec, r.topK)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	kept := results[:0]
	for _, res := range results {
		if res.Score >= r.minRelevance {
			kept = append(kept, res)
		}
	}
	return kept, nil
}

// TopK returns the configured result count.
func (r *Retrieval) TopK() int {
	return r.topK
}

// MinRelevance returns the configured relevance floor.
func (r *Retrieval) MinRelevance() float64 {
	return r.minRelevance
}
