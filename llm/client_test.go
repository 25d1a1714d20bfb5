package llm_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/provgraph/llm"
	_ "github.com/c360studio/provgraph/llm/providers"
	"github.com/c360studio/provgraph/model"
	"github.com/c360studio/provgraph/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastRetry() llm.RetryConfig {
	return llm.RetryConfig{
		MaxAttempts:       2,
		BackoffBase:       time.Millisecond,
		BackoffMultiplier: 1.0,
		MaxBackoff:        time.Millisecond,
	}
}

func newTestRegistry(url string) *model.Registry {
	r := model.NewRegistry()
	r.RegisterEndpoint(model.EndpointConfig{
		Name:     "test-gen",
		Provider: "openai",
		URL:      url,
		Model:    "test-model",
	})
	r.SetGenerativeTier(model.GenStandard, model.TierConfig{Preferred: "test-gen"})
	return r
}

func completionJSON(content string) string {
	return fmt.Sprintf(`{
		"model": "test-model",
		"choices": [{"message": {"content": %q}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
	}`, content)
}

func TestCompleteSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		fmt.Fprint(w, completionJSON("hello"))
	}))
	defer srv.Close()

	c := llm.NewClient(newTestRegistry(srv.URL), testLogger(), llm.WithRetryConfig(fastRetry()))
	resp, err := c.Complete(context.Background(), llm.Request{
		Tier:     model.GenStandard,
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, "test-gen", resp.Endpoint)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
}

func TestCompleteRetriesTransient(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, completionJSON("recovered"))
	}))
	defer srv.Close()

	c := llm.NewClient(newTestRegistry(srv.URL), testLogger(), llm.WithRetryConfig(fastRetry()))
	resp, err := c.Complete(context.Background(), llm.Request{
		Tier:     model.GenStandard,
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Content)
	assert.Equal(t, int64(2), calls.Load())
}

func TestCompleteValidationNotRetried(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := llm.NewClient(newTestRegistry(srv.URL), testLogger(), llm.WithRetryConfig(fastRetry()))
	_, err := c.Complete(context.Background(), llm.Request{
		Tier:     model.GenStandard,
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	assert.True(t, store.IsValidation(err))
	assert.Equal(t, int64(1), calls.Load(), "4xx must not be retried on the same endpoint")
}

func TestCompleteFallsBackAcrossEndpoints(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, completionJSON("fallback"))
	}))
	defer good.Close()

	r := model.NewRegistry()
	r.RegisterEndpoint(model.EndpointConfig{Name: "primary", Provider: "openai", URL: bad.URL, Model: "m1"})
	r.RegisterEndpoint(model.EndpointConfig{Name: "secondary", Provider: "openai", URL: good.URL, Model: "m2"})
	r.SetGenerativeTier(model.GenStandard, model.TierConfig{Preferred: "primary", Fallback: []string{"secondary"}})

	c := llm.NewClient(r, testLogger(), llm.WithRetryConfig(fastRetry()))
	resp, err := c.Complete(context.Background(), llm.Request{
		Tier:     model.GenStandard,
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "fallback", resp.Content)
	assert.Equal(t, "secondary", resp.Endpoint)
}

func TestStreamDeltas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"},\"finish_reason\":null}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"},\"finish_reason\":null}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := llm.NewClient(newTestRegistry(srv.URL), testLogger(), llm.WithRetryConfig(fastRetry()))
	var deltas []string
	resp, err := c.Stream(context.Background(), llm.Request{
		Tier:     model.GenStandard,
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	}, func(d string) { deltas = append(deltas, d) })
	require.NoError(t, err)
	assert.Equal(t, "Hello", resp.Content)
	assert.Equal(t, []string{"Hel", "lo"}, deltas)
}

func TestCompleteCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := llm.NewClient(newTestRegistry(srv.URL), testLogger(), llm.WithRetryConfig(fastRetry()))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := c.Complete(ctx, llm.Request{
		Tier:     model.GenStandard,
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	assert.True(t, store.IsCancelled(err))
}
