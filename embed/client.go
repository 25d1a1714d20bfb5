package embed

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/c360studio/provgraph/model"
	"github.com/c360studio/provgraph/store"
)

// DefaultBatchSize is the number of texts sent per provider request.
const DefaultBatchSize = 32

// Result is the outcome of an embedding call: one vector per input plus the
// endpoint that produced them. Mixing vectors from different endpoints in
// one collection would corrupt similarity search, so a whole call either
// succeeds on a single endpoint or falls through to the next.
type Result struct {
	Vectors  [][]float32
	Endpoint string
	Model    string
	Dim      int
}

// Client resolves embedding tiers through the registry and batches texts
// through the fallback chain.
type Client struct {
	registry  *model.Registry
	providers map[string]Provider
	batchSize int
	logger    *slog.Logger
}

// NewClient creates a client with the standard provider set.
func NewClient(registry *model.Registry, logger *slog.Logger) *Client {
	c := &Client{
		registry:  registry,
		providers: make(map[string]Provider),
		batchSize: DefaultBatchSize,
		logger:    logger.With("component", "embed"),
	}
	for _, p := range []Provider{LocalProvider{}, &OpenAIProvider{}, &OllamaProvider{}} {
		c.providers[p.Name()] = p
	}
	return c
}

// RegisterProvider adds or replaces a provider.
func (c *Client) RegisterProvider(p Provider) {
	c.providers[p.Name()] = p
}

// Dim returns the embedding dimension of the tier's preferred endpoint.
// Collections are sized against this before any vectors exist.
func (c *Client) Dim(tier model.EmbeddingTier) (int, error) {
	chain, err := c.registry.EmbeddingChain(tier)
	if err != nil {
		return 0, store.Validation(err)
	}
	ep, err := c.registry.GetEndpoint(chain[0])
	if err != nil {
		return 0, store.Validation(err)
	}
	if ep.Dim <= 0 {
		return LocalDim, nil
	}
	return ep.Dim, nil
}

// Embed produces vectors for all texts through the first endpoint in the
// tier's chain that completes every batch. A mid-batch failure abandons
// that endpoint's partial output and retries the full set on the next one.
func (c *Client) Embed(ctx context.Context, tier model.EmbeddingTier, texts []string) (*Result, error) {
	if len(texts) == 0 {
		return &Result{}, nil
	}
	chain, err := c.registry.AvailableEmbeddingChain(tier)
	if err != nil {
		return nil, store.Validation(err)
	}

	var lastErr error
	for _, name := range chain {
		ep, err := c.registry.GetEndpoint(name)
		if err != nil {
			lastErr = store.Validation(err)
			continue
		}
		provider, ok := c.providers[ep.Provider]
		if !ok {
			lastErr = store.Validation(fmt.Errorf("no embedding provider for %q", ep.Provider))
			continue
		}

		vectors, err := c.embedAll(ctx, provider, ep, texts)
		if err == nil {
			c.registry.MarkEndpointSuccess(name)
			dim := ep.Dim
			if dim <= 0 && len(vectors) > 0 {
				dim = len(vectors[0])
			}
			return &Result{Vectors: vectors, Endpoint: name, Model: ep.Model, Dim: dim}, nil
		}
		if store.KindOf(err) == store.KindCancelled {
			return nil, err
		}
		c.registry.MarkEndpointFailure(name)
		c.logger.Warn("embedding endpoint failed, falling back",
			"endpoint", name,
			"tier", tier,
			"error", err)
		lastErr = err
	}
	if lastErr == nil {
		lastErr = store.Transient(fmt.Errorf("no endpoints configured for embedding tier %q", tier))
	}
	return nil, lastErr
}

// EmbedOne embeds a single text, for queries.
func (c *Client) EmbedOne(ctx context.Context, tier model.EmbeddingTier, text string) ([]float32, error) {
	res, err := c.Embed(ctx, tier, []string{text})
	if err != nil {
		return nil, err
	}
	return res.Vectors[0], nil
}

func (c *Client) embedAll(ctx context.Context, provider Provider, epc model.EndpointConfig, texts []string) ([][]float32, error) {
	ep := Endpoint{Name: epc.Name, URL: epc.URL, Model: epc.Model, Dim: epc.Dim}
	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.batchSize {
		if err := ctx.Err(); err != nil {
			return nil, store.Cancelled(err)
		}
		end := start + c.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := provider.Embed(ctx, ep, texts[start:end])
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}
