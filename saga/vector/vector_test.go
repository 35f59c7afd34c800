package vector

import (
	"context"
	"errors"
	"math"
	"testing"
)

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float64
		want float64
	}{
		{"identical", []float64{1, 2, 3}, []float64{1, 2, 3}, 1.0},
		{"opposite", []float64{1, 0}, []float64{-1, 0}, -1.0},
		{"orthogonal", []float64{1, 0}, []float64{0, 1}, 0.0},
		{"zero vector", []float64{0, 0}, []float64{1, 1}, 0.0},
		{"length mismatch", []float64{1, 2}, []float64{1, 2, 3}, 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Cosine(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Cosine() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHashingEmbedderDeterministic(t *testing.T) {
	ctx := context.Background()
	e := NewHashingEmbedder(64)

	a, err := e.Embed(ctx, "the quick brown fox")
	if err != nil {
		t.Fatalf("Embed error: %v", err)
	}
	b, err := e.Embed(ctx, "the quick brown fox")
	if err != nil {
		t.Fatalf("Embed error: %v", err)
	}

	if len(a) != 64 {
		t.Fatalf("vector length = %d, want 64", len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("equal texts embedded differently at index %d", i)
		}
	}
}

func TestHashingEmbedderSimilarity(t *testing.T) {
	ctx := context.Background()
	e := NewHashingEmbedder(0)

	if e.Dimension() != DefaultDimension {
		t.Fatalf("Dimension() = %d, want %d", e.Dimension(), DefaultDimension)
	}

	base, _ := e.Embed(ctx, "search the web for recent go releases")
	near, _ := e.Embed(ctx, "search the web for recent go releases again")
	far, _ := e.Embed(ctx, "compile a quarterly revenue projection")

	simNear := Cosine(base, near)
	simFar := Cosine(base, far)
	if simNear <= simFar {
		t.Errorf("near text similarity %v not above far text similarity %v", simNear, simFar)
	}
}

func TestMemoryIndexSearch(t *testing.T) {
	ctx := context.Background()
	e := NewHashingEmbedder(128)
	idx := NewMemoryIndex(e.Dimension())

	docs := map[string]string{
		"step-1": "fetched release notes for go 1.24",
		"step-2": "fetched release notes for go 1.24",
		"step-3": "wrote summary of customer interviews",
	}
	for id, content := range docs {
		vec, err := e.Embed(ctx, content)
		if err != nil {
			t.Fatalf("Embed(%s) error: %v", id, err)
		}
		if err := idx.Add(ctx, id, content, vec, map[string]string{"step": id}); err != nil {
			t.Fatalf("Add(%s) error: %v", id, err)
		}
	}

	query, _ := e.Embed(ctx, "fetched release notes for go 1.24")
	results, err := idx.Search(ctx, query, 2)
	if err != nil {
		t.Fatalf("Search error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Search returned %d results, want 2", len(results))
	}

	// The two identical documents tie at similarity 1 and order by id.
	if results[0].ID != "step-1" || results[1].ID != "step-2" {
		t.Errorf("Search order = %s, %s; want step-1, step-2", results[0].ID, results[1].ID)
	}
	if math.Abs(results[0].Score-1.0) > 1e-9 {
		t.Errorf("exact match score = %v, want 1.0", results[0].Score)
	}
	if results[0].Metadata["step"] != "step-1" {
		t.Errorf("metadata not carried through search: %v", results[0].Metadata)
	}
}

func TestMemoryIndexDimensionMismatch(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(4)

	if err := idx.Add(ctx, "doc", "text", []float64{1, 2}, nil); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("Add error = %v, want ErrDimensionMismatch", err)
	}
	if _, err := idx.Search(ctx, []float64{1, 2}, 1); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("Search error = %v, want ErrDimensionMismatch", err)
	}
}

func TestMemoryIndexReplace(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(2)

	if err := idx.Add(ctx, "doc", "old", []float64{1, 0}, nil); err != nil {
		t.Fatalf("Add error: %v", err)
	}
	if err := idx.Add(ctx, "doc", "new", []float64{0, 1}, nil); err != nil {
		t.Fatalf("Add error: %v", err)
	}
	if idx.Len() != 1 {
		t.Fatalf("Len = %d, want 1", idx.Len())
	}

	results, err := idx.Search(ctx, []float64{0, 1}, 1)
	if err != nil {
		t.Fatalf("Search error: %v", err)
	}
	if results[0].Content != "new" {
		t.Errorf("Content = %q, want %q", results[0].Content, "new")
	}
}
