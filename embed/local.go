package embed

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// LocalDim is the dimension of the deterministic local embedder.
const LocalDim = 384

// LocalProvider is a dependency-free feature-hashing embedder. The same text
// always produces the same vector, which keeps development and test
// environments reproducible without model downloads. Tokens and their
// bigrams are hashed into buckets and the result is L2-normalized so cosine
// similarity behaves sensibly.
type LocalProvider struct{}

func (LocalProvider) Name() string { return "local" }

// Embed computes feature-hash vectors. The endpoint's Dim is honored when
// set, otherwise LocalDim is used.
func (LocalProvider) Embed(_ context.Context, ep Endpoint, texts []string) ([][]float32, error) {
	dim := ep.Dim
	if dim <= 0 {
		dim = LocalDim
	}
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = hashEmbed(text, dim)
	}
	return vectors, nil
}

func hashEmbed(text string, dim int) []float32 {
	vec := make([]float32, dim)
	tokens := strings.Fields(strings.ToLower(text))

	addFeature := func(feature string) {
		h := fnv.New64a()
		h.Write([]byte(feature))
		sum := h.Sum64()
		bucket := int(sum % uint64(dim))
		// The high bit decides sign so hash collisions tend to cancel
		// rather than accumulate.
		if sum&(1<<63) != 0 {
			vec[bucket] -= 1
		} else {
			vec[bucket] += 1
		}
	}

	for i, tok := range tokens {
		addFeature(tok)
		if i+1 < len(tokens) {
			addFeature(tok + " " + tokens[i+1])
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec
}
