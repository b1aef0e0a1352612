package cache

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Embedder turns text into a vector for semantic matching. The embedding
// model is pluggable; the cache only defines the storage and matching
// contract around it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// HashEmbedder is a deterministic token-hash embedder. It is not a
// language model: two texts score as similar only to the degree they
// share vocabulary. It exists so the semantic tier works out of the box;
// inject a real embedding client for production matching.
type HashEmbedder struct {
	Dims int
}

var _ Embedder = HashEmbedder{}

// NewHashEmbedder returns a HashEmbedder with the default 64 dimensions.
func NewHashEmbedder() HashEmbedder {
	return HashEmbedder{Dims: 64}
}

// Embed implements Embedder. The vector is L2-normalized so cosine
// similarity reduces to a dot product.
func (e HashEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	dims := e.Dims
	if dims <= 0 {
		dims = 64
	}

	vec := make([]float64, dims)
	for _, tok := range tokenize(text) {
		h := fnv.New64a()
		h.Write([]byte(tok))
		sum := h.Sum64()
		idx := int(sum % uint64(dims))
		// One hash bit picks the sign so collisions partially cancel
		// instead of always accumulating.
		if sum&(1<<63) == 0 {
			vec[idx]++
		} else {
			vec[idx]--
		}
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

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// cosine returns the cosine similarity of two vectors, 0 when either is
// empty, zero-length or of mismatched dimensionality.
func cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
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
