package embed

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/provgraph/model"
	"github.com/c360studio/provgraph/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLocalProviderDeterministic(t *testing.T) {
	p := LocalProvider{}
	ep := Endpoint{Name: "local", Dim: LocalDim}

	a, err := p.Embed(context.Background(), ep, []string{"the quick brown fox"})
	require.NoError(t, err)
	b, err := p.Embed(context.Background(), ep, []string{"the quick brown fox"})
	require.NoError(t, err)

	assert.Equal(t, a, b, "same text must produce the same vector")
	assert.Len(t, a[0], LocalDim)

	var norm float64
	for _, v := range a[0] {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, norm, 1e-5, "vectors are L2-normalized")
}

func TestLocalProviderDistinctTexts(t *testing.T) {
	p := LocalProvider{}
	ep := Endpoint{Dim: LocalDim}

	vecs, err := p.Embed(context.Background(), ep, []string{"alpha beta", "gamma delta"})
	require.NoError(t, err)
	assert.NotEqual(t, vecs[0], vecs[1])
}

func TestLocalProviderEmptyText(t *testing.T) {
	p := LocalProvider{}
	vecs, err := p.Embed(context.Background(), Endpoint{Dim: 8}, []string{""})
	require.NoError(t, err)
	require.Len(t, vecs[0], 8)
	for _, v := range vecs[0] {
		assert.False(t, math.IsNaN(float64(v)))
		assert.Zero(t, v)
	}
}

func newLocalOnlyRegistry() *model.Registry {
	r := model.NewRegistry()
	r.RegisterEndpoint(model.EndpointConfig{Name: "local-hash", Provider: "local", Model: "feature-hash-384", Dim: LocalDim})
	r.SetEmbeddingTier(model.EmbedLocalSmall, model.TierConfig{Preferred: "local-hash"})
	return r
}

func TestClientEmbedBatches(t *testing.T) {
	c := NewClient(newLocalOnlyRegistry(), testLogger())
	c.batchSize = 4

	texts := make([]string, 11)
	for i := range texts {
		texts[i] = fmt.Sprintf("chunk number %d", i)
	}
	res, err := c.Embed(context.Background(), model.EmbedLocalSmall, texts)
	require.NoError(t, err)
	assert.Len(t, res.Vectors, 11)
	assert.Equal(t, "local-hash", res.Endpoint)
	assert.Equal(t, LocalDim, res.Dim)
}

func TestClientFallsBackToLocal(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r := model.NewRegistry()
	r.RegisterEndpoint(model.EndpointConfig{Name: "hosted", Provider: "openai", URL: srv.URL, Model: "text-embedding-3-small", Dim: 1536})
	r.RegisterEndpoint(model.EndpointConfig{Name: "local-hash", Provider: "local", Dim: LocalDim})
	r.SetEmbeddingTier(model.EmbedHostedStandard, model.TierConfig{Preferred: "hosted", Fallback: []string{"local-hash"}})

	c := NewClient(r, testLogger())
	res, err := c.Embed(context.Background(), model.EmbedHostedStandard, []string{"hello"})
	require.NoError(t, err)
	assert.Equal(t, "local-hash", res.Endpoint)
	assert.Equal(t, int64(1), calls.Load())
}

func TestClientOpenAIProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		fmt.Fprint(w, `{"data":[{"index":1,"embedding":[0.4,0.5]},{"index":0,"embedding":[0.1,0.2]}]}`)
	}))
	defer srv.Close()

	p := &OpenAIProvider{}
	vecs, err := p.Embed(context.Background(), Endpoint{Name: "test", URL: srv.URL, Model: "m", Dim: 2}, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2}, vecs[0], "vectors are reordered by index")
	assert.Equal(t, []float32{0.4, 0.5}, vecs[1])
}

func TestClientCountMismatchIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"embeddings":[[0.1]]}`)
	}))
	defer srv.Close()

	p := &OllamaProvider{}
	_, err := p.Embed(context.Background(), Endpoint{Name: "test", URL: srv.URL, Model: "m"}, []string{"a", "b"})
	require.Error(t, err)
	assert.True(t, store.IsTransient(err))
}

func TestClientDim(t *testing.T) {
	c := NewClient(newLocalOnlyRegistry(), testLogger())
	dim, err := c.Dim(model.EmbedLocalSmall)
	require.NoError(t, err)
	assert.Equal(t, LocalDim, dim)

	_, err = c.Dim(model.EmbeddingTier("nope"))
	assert.Error(t, err)
}

func TestClientEmptyInput(t *testing.T) {
	c := NewClient(newLocalOnlyRegistry(), testLogger())
	res, err := c.Embed(context.Background(), model.EmbedLocalSmall, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Vectors)
}
