package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/c360studio/provgraph/store"
)

// OpenAIProvider speaks the OpenAI embeddings protocol.
type OpenAIProvider struct {
	HTTP *http.Client
}

func (p *OpenAIProvider) Name() string { return "openai" }

type openAIEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed calls the embeddings endpoint with the whole batch in one request.
func (p *OpenAIProvider) Embed(ctx context.Context, ep Endpoint, texts []string) ([][]float32, error) {
	base := ep.URL
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	url := strings.TrimSuffix(base, "/") + "/embeddings"

	body, err := json.Marshal(openAIEmbedRequest{Model: ep.Model, Input: texts})
	if err != nil {
		return nil, store.Validation(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, store.Validation(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	respBody, err := doEmbedRequest(p.HTTP, req, ep.Name)
	if err != nil {
		return nil, err
	}

	var resp openAIEmbedResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, store.Transient(fmt.Errorf("parse embeddings from %s: %w", ep.Name, err))
	}
	if len(resp.Data) != len(texts) {
		return nil, store.Transient(fmt.Errorf("endpoint %s returned %d embeddings for %d inputs", ep.Name, len(resp.Data), len(texts)))
	}

	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, store.Transient(fmt.Errorf("endpoint %s returned out-of-range index %d", ep.Name, d.Index))
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}

// OllamaProvider speaks the native Ollama embed protocol.
type OllamaProvider struct {
	HTTP *http.Client
}

func (p *OllamaProvider) Name() string { return "ollama" }

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed calls the /api/embed endpoint with the whole batch.
func (p *OllamaProvider) Embed(ctx context.Context, ep Endpoint, texts []string) ([][]float32, error) {
	base := ep.URL
	if base == "" {
		base = "http://localhost:11434"
	}
	url := strings.TrimSuffix(base, "/") + "/api/embed"

	body, err := json.Marshal(ollamaEmbedRequest{Model: ep.Model, Input: texts})
	if err != nil {
		return nil, store.Validation(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, store.Validation(err)
	}
	req.Header.Set("Content-Type", "application/json")

	respBody, err := doEmbedRequest(p.HTTP, req, ep.Name)
	if err != nil {
		return nil, err
	}

	var resp ollamaEmbedResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, store.Transient(fmt.Errorf("parse embeddings from %s: %w", ep.Name, err))
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, store.Transient(fmt.Errorf("endpoint %s returned %d embeddings for %d inputs", ep.Name, len(resp.Embeddings), len(texts)))
	}
	return resp.Embeddings, nil
}

func doEmbedRequest(hc *http.Client, req *http.Request, endpoint string) ([]byte, error) {
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, store.Cancelled(err)
		}
		return nil, store.Transient(fmt.Errorf("request %s: %w", endpoint, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 50<<20))
	if err != nil {
		return nil, store.Transient(fmt.Errorf("read response from %s: %w", endpoint, err))
	}
	if resp.StatusCode != http.StatusOK {
		msg := string(body)
		if len(msg) > 200 {
			msg = msg[:200]
		}
		err := fmt.Errorf("endpoint %s returned %d: %s", endpoint, resp.StatusCode, msg)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusRequestTimeout {
			return nil, store.Validation(err)
		}
		return nil, store.Transient(err)
	}
	return body, nil
}
