// Package embedder turns chunk text into fixed-dimension vectors. The default
// implementation is a deterministic feature-hash embedding: no external model,
// identical text always hashes to the identical vector. Swap in a real model
// behind the same interface.
package embedder

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// Embedder produces a vector for a chunk of text
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Dimensions is the vector width of the feature-hash embedder
const Dimensions = 64

// FeatureHash is the default deterministic embedder. Tokens are hashed into
// a fixed-width bag and the result is L2-normalized.
type FeatureHash struct{}

func NewFeatureHash() *FeatureHash {
	return &FeatureHash{}
}

func (e *FeatureHash) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, Dimensions)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(token))
		sum := h.Sum32()
		// low bits pick the bucket, one higher bit picks the sign
		bucket := sum % Dimensions
		if sum&(1<<31) != 0 {
			vec[bucket]--
		} else {
			vec[bucket]++
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}
