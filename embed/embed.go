// Package embed produces vector embeddings for chunk text and queries. Like
// the generative client it is tier-addressed: callers name a quality tier
// and the registry resolves concrete endpoints with fallback. The local
// feature-hash provider terminates every chain so embedding never hard-fails
// on network conditions alone.
package embed

import (
	"context"
)

// Provider computes embeddings for a batch of texts.
type Provider interface {
	// Name returns the protocol identifier matched against
	// model.EndpointConfig.Provider.
	Name() string

	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, ep Endpoint, texts []string) ([][]float32, error)
}

// Endpoint carries the subset of endpoint config an embedding provider
// needs.
type Endpoint struct {
	Name  string
	URL   string
	Model string
	Dim   int
}
