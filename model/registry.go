package model

import (
	"fmt"
	"sync"
)

// EndpointConfig describes a single provider endpoint.
type EndpointConfig struct {
	// Name is the unique endpoint identifier used in fallback chains.
	Name string `yaml:"name" json:"name"`

	// Provider is the wire protocol family: "openai", "anthropic", "ollama",
	// or "local".
	Provider string `yaml:"provider" json:"provider"`

	// URL is the API base URL. Empty for local providers.
	URL string `yaml:"url" json:"url"`

	// Model is the provider-side model name.
	Model string `yaml:"model" json:"model"`

	// Dim is the embedding dimension. Zero for generative endpoints.
	Dim int `yaml:"dim,omitempty" json:"dim,omitempty"`

	// MaxTokens caps generation length. Zero for embedding endpoints.
	MaxTokens int `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`

	// CostPer1K is an approximate cost per thousand tokens in USD, used for
	// cost estimation only.
	CostPer1K float64 `yaml:"cost_per_1k,omitempty" json:"cost_per_1k,omitempty"`
}

// TierConfig maps a tier to its preferred endpoint and ordered fallbacks.
type TierConfig struct {
	Description string   `yaml:"description" json:"description"`
	Preferred   string   `yaml:"preferred" json:"preferred"`
	Fallback    []string `yaml:"fallback" json:"fallback"`
}

// Chain returns the full endpoint chain, preferred first.
func (tc TierConfig) Chain() []string {
	chain := make([]string, 0, 1+len(tc.Fallback))
	chain = append(chain, tc.Preferred)
	chain = append(chain, tc.Fallback...)
	return chain
}

// Registry resolves tiers to endpoints and tracks endpoint health. Safe for
// concurrent use.
type Registry struct {
	mu         sync.RWMutex
	endpoints  map[string]EndpointConfig
	embedding  map[EmbeddingTier]TierConfig
	generative map[GenerativeTier]TierConfig
	health     *HealthTracker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		endpoints:  make(map[string]EndpointConfig),
		embedding:  make(map[EmbeddingTier]TierConfig),
		generative: make(map[GenerativeTier]TierConfig),
		health:     NewHealthTracker(),
	}
}

// NewDefaultRegistry creates a registry with the built-in endpoint set: a
// local deterministic embedder, ollama endpoints for self-hosted deployments,
// and hosted openai/anthropic-compatible endpoints resolved from config at
// wiring time.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()

	r.RegisterEndpoint(EndpointConfig{
		Name:     "local-hash",
		Provider: "local",
		Model:    "feature-hash-384",
		Dim:      384,
	})
	r.RegisterEndpoint(EndpointConfig{
		Name:     "ollama-embed",
		Provider: "ollama",
		URL:      "http://localhost:11434",
		Model:    "nomic-embed-text",
		Dim:      768,
	})
	r.RegisterEndpoint(EndpointConfig{
		Name:      "openai-embed-small",
		Provider:  "openai",
		URL:       "https://api.openai.com/v1",
		Model:     "text-embedding-3-small",
		Dim:       1536,
		CostPer1K: 0.00002,
	})
	r.RegisterEndpoint(EndpointConfig{
		Name:      "openai-embed-large",
		Provider:  "openai",
		URL:       "https://api.openai.com/v1",
		Model:     "text-embedding-3-large",
		Dim:       3072,
		CostPer1K: 0.00013,
	})

	r.SetEmbeddingTier(EmbedLocalSmall, TierConfig{
		Description: "Deterministic local embedding, no network dependency",
		Preferred:   "local-hash",
	})
	r.SetEmbeddingTier(EmbedHostedStandard, TierConfig{
		Description: "Hosted general-purpose embedding",
		Preferred:   "openai-embed-small",
		Fallback:    []string{"ollama-embed", "local-hash"},
	})
	r.SetEmbeddingTier(EmbedHostedLarge, TierConfig{
		Description: "Hosted high-dimensional embedding",
		Preferred:   "openai-embed-large",
		Fallback:    []string{"openai-embed-small", "local-hash"},
	})

	r.RegisterEndpoint(EndpointConfig{
		Name:      "ollama-gen",
		Provider:  "ollama",
		URL:       "http://localhost:11434",
		Model:     "llama3.2",
		MaxTokens: 4096,
	})
	r.RegisterEndpoint(EndpointConfig{
		Name:      "openai-nano",
		Provider:  "openai",
		URL:       "https://api.openai.com/v1",
		Model:     "gpt-4o-mini",
		MaxTokens: 2048,
		CostPer1K: 0.00015,
	})
	r.RegisterEndpoint(EndpointConfig{
		Name:      "openai-standard",
		Provider:  "openai",
		URL:       "https://api.openai.com/v1",
		Model:     "gpt-4o",
		MaxTokens: 8192,
		CostPer1K: 0.0025,
	})
	r.RegisterEndpoint(EndpointConfig{
		Name:      "anthropic-pro",
		Provider:  "anthropic",
		URL:       "https://api.anthropic.com",
		Model:     "claude-sonnet-4-0",
		MaxTokens: 16384,
		CostPer1K: 0.003,
	})

	r.SetGenerativeTier(GenNano, TierConfig{
		Description: "Budget verification and yes/no judgments",
		Preferred:   "openai-nano",
		Fallback:    []string{"ollama-gen"},
	})
	r.SetGenerativeTier(GenMini, TierConfig{
		Description: "Short structured extraction",
		Preferred:   "openai-nano",
		Fallback:    []string{"openai-standard", "ollama-gen"},
	})
	r.SetGenerativeTier(GenStandard, TierConfig{
		Description: "Answer generation",
		Preferred:   "openai-standard",
		Fallback:    []string{"anthropic-pro", "ollama-gen"},
	})
	r.SetGenerativeTier(GenPro, TierConfig{
		Description: "Long-form and high-stakes generation",
		Preferred:   "anthropic-pro",
		Fallback:    []string{"openai-standard"},
	})

	return r
}

// RegisterEndpoint adds or replaces an endpoint.
func (r *Registry) RegisterEndpoint(ep EndpointConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[ep.Name] = ep
}

// GetEndpoint looks up an endpoint by name.
func (r *Registry) GetEndpoint(name string) (EndpointConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[name]
	if !ok {
		return EndpointConfig{}, fmt.Errorf("unknown endpoint %q", name)
	}
	return ep, nil
}

// SetEmbeddingTier configures a tier's chain. Endpoints in the chain must be
// registered before use, not before this call.
func (r *Registry) SetEmbeddingTier(t EmbeddingTier, tc TierConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embedding[t] = tc
}

// SetGenerativeTier configures a tier's chain.
func (r *Registry) SetGenerativeTier(t GenerativeTier, tc TierConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generative[t] = tc
}

// EmbeddingChain returns the ordered endpoint names for a tier.
func (r *Registry) EmbeddingChain(t EmbeddingTier) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tc, ok := r.embedding[t]
	if !ok {
		return nil, fmt.Errorf("embedding tier %q not configured", t)
	}
	return tc.Chain(), nil
}

// GenerativeChain returns the ordered endpoint names for a tier.
func (r *Registry) GenerativeChain(t GenerativeTier) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tc, ok := r.generative[t]
	if !ok {
		return nil, fmt.Errorf("generative tier %q not configured", t)
	}
	return tc.Chain(), nil
}

// AvailableEmbeddingChain filters the tier chain to endpoints the circuit
// breaker considers healthy. When every endpoint is unavailable the full
// chain is returned so callers still attempt recovery.
func (r *Registry) AvailableEmbeddingChain(t EmbeddingTier) ([]string, error) {
	chain, err := r.EmbeddingChain(t)
	if err != nil {
		return nil, err
	}
	return r.health.FilterAvailable(chain), nil
}

// AvailableGenerativeChain filters the tier chain to healthy endpoints.
func (r *Registry) AvailableGenerativeChain(t GenerativeTier) ([]string, error) {
	chain, err := r.GenerativeChain(t)
	if err != nil {
		return nil, err
	}
	return r.health.FilterAvailable(chain), nil
}

// MarkEndpointSuccess records a successful call, closing the circuit.
func (r *Registry) MarkEndpointSuccess(name string) {
	r.health.MarkSuccess(name)
}

// MarkEndpointFailure records a failed call, opening the circuit after
// FailureThreshold consecutive failures.
func (r *Registry) MarkEndpointFailure(name string) {
	r.health.MarkFailure(name)
}

// IsEndpointAvailable reports whether the circuit for an endpoint is closed
// or half-open.
func (r *Registry) IsEndpointAvailable(name string) bool {
	return r.health.IsAvailable(name)
}
