// Package llm provides a provider-agnostic client for generative models.
// Callers request a quality tier and the client resolves it to concrete
// endpoints through the model registry, with per-endpoint retry and
// cross-endpoint fallback.
package llm

import (
	"net/http"
	"sync"
)

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TokenUsage reports prompt and completion token counts.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a completed generation.
type Response struct {
	Content      string     `json:"content"`
	Model        string     `json:"model"`
	Endpoint     string     `json:"endpoint"`
	Usage        TokenUsage `json:"usage"`
	FinishReason string     `json:"finish_reason,omitempty"`
}

// Provider adapts a wire protocol family (openai, anthropic, ollama).
type Provider interface {
	// Name returns the protocol identifier matched against
	// model.EndpointConfig.Provider.
	Name() string

	// BuildURL constructs the completion endpoint URL from a base URL.
	BuildURL(baseURL string) string

	// SetHeaders adds authentication and protocol headers.
	SetHeaders(req *http.Request)

	// BuildRequestBody creates the JSON request body. temperature is nil to
	// use the provider default.
	BuildRequestBody(model string, messages []Message, temperature *float64, maxTokens int, stream bool) ([]byte, error)

	// ParseResponse extracts a Response from provider-specific JSON.
	ParseResponse(body []byte) (*Response, error)
}

// StreamingProvider is implemented by providers that support server-sent
// event streaming.
type StreamingProvider interface {
	Provider

	// ParseStreamChunk extracts the text delta from one SSE data payload.
	// done is true when the payload is the stream terminator.
	ParseStreamChunk(data []byte) (delta string, done bool, err error)
}

var (
	providerMu       sync.RWMutex
	providerRegistry = make(map[string]Provider)
)

// RegisterProvider adds a provider to the global registry. Called from
// provider package init functions.
func RegisterProvider(p Provider) {
	providerMu.Lock()
	defer providerMu.Unlock()
	providerRegistry[p.Name()] = p
}

// GetProvider retrieves a provider by name, nil if unregistered.
func GetProvider(name string) Provider {
	providerMu.RLock()
	defer providerMu.RUnlock()
	return providerRegistry[name]
}

// ListProviders returns all registered provider names.
func ListProviders() []string {
	providerMu.RLock()
	defer providerMu.RUnlock()
	names := make([]string, 0, len(providerRegistry))
	for name := range providerRegistry {
		names = append(names, name)
	}
	return names
}
