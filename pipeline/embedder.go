package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/c360studio/provgraph/embed"
	"github.com/c360studio/provgraph/kb"
	"github.com/c360studio/provgraph/model"
	"github.com/c360studio/provgraph/store"
)

// Embedder computes one vector per chunk on the configured tier. Chunks
// already carrying a vector of the right dimensionality are left alone, so
// re-running the stage after a partial failure does no duplicate work. The
// stage is all-or-nothing: a provider error leaves every chunk unwritten.
type Embedder struct {
	client *embed.Client
	tier   model.EmbeddingTier
	logger *slog.Logger
}

// NewEmbedder creates the embed stage on a tier.
func NewEmbedder(client *embed.Client, tier model.EmbeddingTier, logger *slog.Logger) *Embedder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Embedder{client: client, tier: tier, logger: logger}
}

// Dim returns the vector dimensionality of the configured tier.
func (e *Embedder) Dim() (int, error) {
	return e.client.Dim(e.tier)
}

// EmbedChunks fills Embedding on every chunk that lacks one, mutating the
// slice in place. Returns the number of chunks skipped as already embedded.
func (e *Embedder) EmbedChunks(ctx context.Context, chunks []kb.Chunk) (int, error) {
	dim, err := e.client.Dim(e.tier)
	if err != nil {
		return 0, err
	}

	var pending []int
	var texts []string
	for i, c := range chunks {
		if len(c.Embedding) == dim {
			continue
		}
		pending = append(pending, i)
		texts = append(texts, c.Text)
	}
	skipped := len(chunks) - len(pending)
	if len(pending) == 0 {
		return skipped, nil
	}

	res, err := e.client.Embed(ctx, e.tier, texts)
	if err != nil {
		return 0, err
	}
	if res.Dim != dim {
		// A fallback endpoint answered with a different model. Vectors of
		// the wrong size cannot enter the collection.
		return 0, store.Transient(fmt.Errorf(
			"embedder: endpoint %s produced %d-dim vectors, collection expects %d",
			res.Endpoint, res.Dim, dim))
	}

	for n, i := range pending {
		chunks[i].Embedding = res.Vectors[n]
	}
	e.logger.Debug("chunks embedded",
		"count", len(pending), "skipped", skipped, "endpoint", res.Endpoint)
	return skipped, nil
}
