package llm

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/c360studio/provgraph/model"
	"github.com/c360studio/provgraph/store"
)

// RetryConfig controls per-endpoint retry behavior.
type RetryConfig struct {
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

// DefaultRetryConfig returns the standard retry policy for generative calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        30 * time.Second,
	}
}

// Request is a tier-addressed generation request.
type Request struct {
	Tier        model.GenerativeTier
	Messages    []Message
	Temperature *float64
	MaxTokens   int
}

// Client resolves tiers through the registry and walks the fallback chain
// until an endpoint succeeds. Safe for concurrent use.
type Client struct {
	registry *model.Registry
	http     *http.Client
	retry    RetryConfig
	logger   *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRetryConfig overrides the retry policy.
func WithRetryConfig(rc RetryConfig) Option {
	return func(c *Client) { c.retry = rc }
}

// NewClient creates a client over a model registry.
func NewClient(registry *model.Registry, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		registry: registry,
		http:     &http.Client{Timeout: 120 * time.Second},
		retry:    DefaultRetryConfig(),
		logger:   logger.With("component", "llm"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete runs a generation request, trying each endpoint in the tier's
// chain in order. Validation errors from an endpoint skip to the next
// endpoint without retry; transient errors retry with backoff first. The
// returned error carries the last endpoint's failure when the whole chain
// is exhausted.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	chain, err := c.registry.AvailableGenerativeChain(req.Tier)
	if err != nil {
		return nil, store.Validation(err)
	}

	var lastErr error
	for _, name := range chain {
		resp, err := c.tryEndpoint(ctx, name, req, false, nil)
		if err == nil {
			c.registry.MarkEndpointSuccess(name)
			return resp, nil
		}
		if store.KindOf(err) == store.KindCancelled {
			return nil, err
		}
		c.registry.MarkEndpointFailure(name)
		c.logger.Warn("endpoint failed, falling back",
			"endpoint", name,
			"tier", req.Tier,
			"error", err)
		lastErr = err
	}
	if lastErr == nil {
		lastErr = store.Transient(fmt.Errorf("no endpoints configured for tier %q", req.Tier))
	}
	return nil, lastErr
}

// Stream runs a streaming generation, invoking onDelta for each text
// fragment as it arrives. Endpoints whose provider does not implement
// StreamingProvider are skipped. The final Response carries the
// concatenated content.
func (c *Client) Stream(ctx context.Context, req Request, onDelta func(string)) (*Response, error) {
	chain, err := c.registry.AvailableGenerativeChain(req.Tier)
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
		if _, ok := GetProvider(ep.Provider).(StreamingProvider); !ok {
			continue
		}
		resp, err := c.tryEndpoint(ctx, name, req, true, onDelta)
		if err == nil {
			c.registry.MarkEndpointSuccess(name)
			return resp, nil
		}
		if store.KindOf(err) == store.KindCancelled {
			return nil, err
		}
		c.registry.MarkEndpointFailure(name)
		c.logger.Warn("streaming endpoint failed, falling back", "endpoint", name, "error", err)
		lastErr = err
	}
	if lastErr == nil {
		// No streaming-capable endpoint in the chain; fall back to a
		// buffered completion delivered as a single delta.
		resp, err := c.Complete(ctx, req)
		if err != nil {
			return nil, err
		}
		if onDelta != nil {
			onDelta(resp.Content)
		}
		return resp, nil
	}
	return nil, lastErr
}

// EstimateCost approximates the USD cost of a response against its
// endpoint's configured rate.
func (c *Client) EstimateCost(resp *Response) float64 {
	ep, err := c.registry.GetEndpoint(resp.Endpoint)
	if err != nil {
		return 0
	}
	return float64(resp.Usage.TotalTokens) / 1000 * ep.CostPer1K
}

func (c *Client) tryEndpoint(ctx context.Context, name string, req Request, stream bool, onDelta func(string)) (*Response, error) {
	ep, err := c.registry.GetEndpoint(name)
	if err != nil {
		return nil, store.Validation(err)
	}
	provider := GetProvider(ep.Provider)
	if provider == nil {
		return nil, store.Validation(fmt.Errorf("no provider registered for %q", ep.Provider))
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = ep.MaxTokens
	}

	var lastErr error
	for attempt := 0; attempt < c.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := c.calculateBackoff(attempt)
			c.logger.Debug("retrying endpoint",
				"endpoint", name,
				"attempt", attempt+1,
				"backoff", backoff)
			select {
			case <-ctx.Done():
				return nil, store.Cancelled(ctx.Err())
			case <-time.After(backoff):
			}
		}

		var resp *Response
		if stream {
			resp, lastErr = c.doStreamRequest(ctx, provider, ep, req, maxTokens, onDelta)
		} else {
			resp, lastErr = c.doRequest(ctx, provider, ep, req, maxTokens)
		}
		if lastErr == nil {
			resp.Endpoint = name
			if resp.Model == "" {
				resp.Model = ep.Model
			}
			return resp, nil
		}
		if !retryable(lastErr) {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

func (c *Client) doRequest(ctx context.Context, provider Provider, ep model.EndpointConfig, req Request, maxTokens int) (*Response, error) {
	body, err := provider.BuildRequestBody(ep.Model, req.Messages, req.Temperature, maxTokens, false)
	if err != nil {
		return nil, store.Validation(fmt.Errorf("build request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, provider.BuildURL(ep.URL), bytes.NewReader(body))
	if err != nil {
		return nil, store.Validation(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	provider.SetHeaders(httpReq)

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, store.Cancelled(err)
		}
		return nil, store.Transient(fmt.Errorf("request %s: %w", ep.Name, err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 10<<20))
	if err != nil {
		return nil, store.Transient(fmt.Errorf("read response from %s: %w", ep.Name, err))
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(ep.Name, httpResp.StatusCode, string(respBody))
	}

	resp, err := provider.ParseResponse(respBody)
	if err != nil {
		return nil, store.Transient(fmt.Errorf("parse response from %s: %w", ep.Name, err))
	}
	return resp, nil
}

func (c *Client) doStreamRequest(ctx context.Context, provider Provider, ep model.EndpointConfig, req Request, maxTokens int, onDelta func(string)) (*Response, error) {
	sp, ok := provider.(StreamingProvider)
	if !ok {
		return nil, store.Validation(fmt.Errorf("provider %q does not support streaming", provider.Name()))
	}

	body, err := provider.BuildRequestBody(ep.Model, req.Messages, req.Temperature, maxTokens, true)
	if err != nil {
		return nil, store.Validation(fmt.Errorf("build request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, provider.BuildURL(ep.URL), bytes.NewReader(body))
	if err != nil {
		return nil, store.Validation(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	provider.SetHeaders(httpReq)

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, store.Cancelled(err)
		}
		return nil, store.Transient(fmt.Errorf("request %s: %w", ep.Name, err))
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, classifyHTTPError(ep.Name, httpResp.StatusCode, string(respBody))
	}

	var content bytes.Buffer
	scanner := bufio.NewScanner(httpResp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		data := bytes.TrimSpace(line[len("data:"):])
		if len(data) == 0 {
			continue
		}
		delta, done, err := sp.ParseStreamChunk(data)
		if err != nil {
			return nil, store.Transient(fmt.Errorf("parse stream from %s: %w", ep.Name, err))
		}
		if delta != "" {
			content.WriteString(delta)
			if onDelta != nil {
				onDelta(delta)
			}
		}
		if done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, store.Cancelled(err)
		}
		return nil, store.Transient(fmt.Errorf("stream from %s: %w", ep.Name, err))
	}

	return &Response{Content: content.String(), FinishReason: "stop"}, nil
}

// calculateBackoff returns the delay before the given attempt with ±25%
// jitter to avoid thundering herds against a recovering endpoint.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	backoff := float64(c.retry.BackoffBase)
	for i := 1; i < attempt; i++ {
		backoff *= c.retry.BackoffMultiplier
	}
	if backoff > float64(c.retry.MaxBackoff) {
		backoff = float64(c.retry.MaxBackoff)
	}
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(backoff * jitter)
}
