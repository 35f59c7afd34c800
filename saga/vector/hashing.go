package vector

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// DefaultDimension is the vector size used by NewHashingEmbedder when no
// dimension is given.
const DefaultDimension = 256

// HashingEmbedder embeds text with the feature-hashing trick: each token is
// hashed into one of Dimension buckets with a signed contribution, and the
// resulting vector is L2-normalized.
//
// It needs no model or network access and is fully deterministic, which makes
// it suitable as the default embedder for semantic repetition detection:
// near-identical step outputs share most tokens and land close in cosine
// space. Swap in a model-backed Embedder when true semantic similarity is
// needed.
type HashingEmbedder struct {
	dimension int
}

// NewHashingEmbedder creates an embedder producing vectors of the given
// dimension. A dimension of 0 or less uses DefaultDimension.
func NewHashingEmbedder(dimension int) *HashingEmbedder {
	if dimension <= 0 {
		dimension = DefaultDimension
	}
	return &HashingEmbedder{dimension: dimension}
}

// Embed returns the feature-hashed vector for text. Equal texts always
// produce equal vectors.
func (h *HashingEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	vec := make([]float64, h.dimension)
	for _, token := range tokenize(text) {
		hasher := fnv.New64a()
		hasher.Write([]byte(token))
		sum := hasher.Sum64()

		bucket := int(sum % uint64(h.dimension))
		sign := 1.0
		if sum&(1<<63) != 0 {
			sign = -1.0
		}
		vec[bucket] += sign
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec, nil
}

// Dimension returns the length of vectors produced by Embed.
func (h *HashingEmbedder) Dimension() int {
	return h.dimension
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
