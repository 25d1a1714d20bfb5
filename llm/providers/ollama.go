package providers

import (
	"net/http"
	"strings"

	"github.com/c360studio/provgraph/llm"
)

// OllamaProvider speaks the OpenAI-compatible protocol exposed by Ollama,
// vLLM, and similar self-hosted servers. Only the default URL and auth
// differ from the hosted OpenAI adapter.
type OllamaProvider struct {
	OpenAIProvider
}

func init() {
	llm.RegisterProvider(&OllamaProvider{})
}

func (o *OllamaProvider) Name() string {
	return "ollama"
}

// BuildURL constructs the chat completions endpoint against a local server.
func (o *OllamaProvider) BuildURL(baseURL string) string {
	if baseURL == "" {
		baseURL = "http://localhost:11434/v1"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	if strings.HasSuffix(baseURL, "/chat/completions") {
		return baseURL
	}
	if !strings.HasSuffix(baseURL, "/v1") {
		baseURL += "/v1"
	}
	return baseURL + "/chat/completions"
}

// SetHeaders is a no-op: local servers need no authentication.
func (o *OllamaProvider) SetHeaders(_ *http.Request) {}
