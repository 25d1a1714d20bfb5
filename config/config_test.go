package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1000, cfg.Chunking.ChunkSizeBytes)
	assert.Equal(t, 200, cfg.Chunking.OverlapBytes)
	assert.Equal(t, 3, cfg.Pipeline.MaxAutomaticRetries)
	assert.Equal(t, 10, cfg.Pipeline.MaxManualRetries)
	assert.Equal(t, 5*time.Minute, cfg.Pipeline.HeartbeatTimeout)
	assert.Equal(t, 0.90, cfg.Link.ExactThreshold)
	assert.Equal(t, 0.70, cfg.Link.FuzzyThreshold)
	assert.Equal(t, 0.70, cfg.Relate.ConfidenceThreshold)
	assert.Equal(t, 8, cfg.RAG.K)
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
chunking:
  chunk_size_bytes: 800
providers:
  embedding_tier: hosted-standard
rag:
  k: 4
`))
	require.NoError(t, err)
	assert.Equal(t, 800, cfg.Chunking.ChunkSizeBytes)
	assert.Equal(t, 200, cfg.Chunking.OverlapBytes) // default kept
	assert.Equal(t, "hosted-standard", cfg.Providers.EmbeddingTier)
	assert.Equal(t, 4, cfg.RAG.K)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero chunk size", func(c *Config) { c.Chunking.ChunkSizeBytes = 0 }},
		{"overlap >= size", func(c *Config) { c.Chunking.OverlapBytes = 1000 }},
		{"zero workers", func(c *Config) { c.Pipeline.WorkerConcurrency = 0 }},
		{"manual < automatic retries", func(c *Config) { c.Pipeline.MaxManualRetries = 1 }},
		{"fuzzy above exact", func(c *Config) { c.Link.FuzzyThreshold = 0.95 }},
		{"relate threshold above 1", func(c *Config) { c.Relate.ConfidenceThreshold = 1.5 }},
		{"zero k", func(c *Config) { c.RAG.K = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	_, err := Parse([]byte("chunking: ["))
	assert.Error(t, err)
}
