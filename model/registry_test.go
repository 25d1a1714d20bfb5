package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTiers(t *testing.T) {
	assert.Equal(t, EmbedHostedLarge, ParseEmbeddingTier("hosted-large"))
	assert.Equal(t, EmbedLocalSmall, ParseEmbeddingTier("bogus"))
	assert.Equal(t, GenPro, ParseGenerativeTier("pro"))
	assert.Equal(t, GenStandard, ParseGenerativeTier(""))
}

func TestDefaultRegistryChains(t *testing.T) {
	r := NewDefaultRegistry()

	chain, err := r.EmbeddingChain(EmbedHostedStandard)
	require.NoError(t, err)
	require.NotEmpty(t, chain)
	assert.Equal(t, "openai-embed-small", chain[0])
	assert.Equal(t, "local-hash", chain[len(chain)-1], "local embedder terminates every hosted chain")

	gen, err := r.GenerativeChain(GenStandard)
	require.NoError(t, err)
	assert.Equal(t, "openai-standard", gen[0])

	_, err = r.EmbeddingChain(EmbeddingTier("nope"))
	assert.Error(t, err)
}

func TestGetEndpoint(t *testing.T) {
	r := NewDefaultRegistry()

	ep, err := r.GetEndpoint("local-hash")
	require.NoError(t, err)
	assert.Equal(t, "local", ep.Provider)
	assert.Equal(t, 384, ep.Dim)

	_, err = r.GetEndpoint("missing")
	assert.Error(t, err)
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	h := NewHealthTracker()
	now := time.Now()
	h.now = func() time.Time { return now }

	assert.True(t, h.IsAvailable("ep"), "unknown endpoint starts available")

	for i := 0; i < FailureThreshold-1; i++ {
		h.MarkFailure("ep")
	}
	assert.True(t, h.IsAvailable("ep"), "below threshold stays closed")

	h.MarkFailure("ep")
	assert.False(t, h.IsAvailable("ep"), "threshold failures open the circuit")

	now = now.Add(RecoveryTimeout)
	assert.True(t, h.IsAvailable("ep"), "half-open after recovery timeout")

	h.MarkSuccess("ep")
	assert.True(t, h.IsAvailable("ep"))
	st, ok := h.Health("ep")
	require.True(t, ok)
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.Equal(t, int64(FailureThreshold), st.TotalFailures)
}

func TestFilterAvailableFallsBackToFullChain(t *testing.T) {
	h := NewHealthTracker()
	now := time.Now()
	h.now = func() time.Time { return now }

	for i := 0; i < FailureThreshold; i++ {
		h.MarkFailure("a")
		h.MarkFailure("b")
	}

	got := h.FilterAvailable([]string{"a", "b"})
	assert.Equal(t, []string{"a", "b"}, got, "all-open returns full chain for recovery probes")

	h.MarkSuccess("b")
	got = h.FilterAvailable([]string{"a", "b"})
	assert.Equal(t, []string{"b"}, got)
}

func TestRegistryAvailableChain(t *testing.T) {
	r := NewDefaultRegistry()

	for i := 0; i < FailureThreshold; i++ {
		r.MarkEndpointFailure("openai-embed-small")
	}

	chain, err := r.AvailableEmbeddingChain(EmbedHostedStandard)
	require.NoError(t, err)
	assert.NotContains(t, chain, "openai-embed-small")
	assert.Contains(t, chain, "local-hash")
}
