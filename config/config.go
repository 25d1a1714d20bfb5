// Package config provides configuration loading and management for provgraph.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete provgraph configuration.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	NATS      NATSConfig      `yaml:"nats"`
	Redis     RedisConfig     `yaml:"redis"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	S3        S3Config        `yaml:"s3"`
	Qdrant    QdrantConfig    `yaml:"qdrant"`
	Neo4j     Neo4jConfig     `yaml:"neo4j"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Providers ProvidersConfig `yaml:"providers"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Link      LinkConfig      `yaml:"link"`
	Relate    RelateConfig    `yaml:"relate"`
	RAG       RAGConfig       `yaml:"rag"`
}

// HTTPConfig configures the HTTP surface.
type HTTPConfig struct {
	// Addr is the listen address (default :8080).
	Addr string `yaml:"addr"`
}

// NATSConfig configures the JetStream job queue connection.
type NATSConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig configures the cache and pub/sub backend.
type RedisConfig struct {
	URL       string `yaml:"url"`
	KeyPrefix string `yaml:"key_prefix"`
}

// PostgresConfig configures the relational store.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// S3Config configures blob storage.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// QdrantConfig configures the vector store.
type QdrantConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	APIKey     string `yaml:"api_key"`
	UseTLS     bool   `yaml:"use_tls"`
	Collection string `yaml:"collection"`
}

// Neo4jConfig configures the graph store.
type Neo4jConfig struct {
	URI      string `yaml:"uri"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// ChunkingConfig configures the chunker.
type ChunkingConfig struct {
	// ChunkSizeBytes is the target chunk size in bytes (default 1000).
	ChunkSizeBytes int `yaml:"chunk_size_bytes"`
	// OverlapBytes is the overlap between consecutive chunks (default 200).
	OverlapBytes int `yaml:"overlap_bytes"`
}

// ProvidersConfig selects embedding and generative tiers.
type ProvidersConfig struct {
	// EmbeddingTier is one of local-small, hosted-standard, hosted-large.
	EmbeddingTier string `yaml:"embedding_tier"`
	// GenerativeTier is one of nano, mini, standard, pro.
	GenerativeTier string `yaml:"generative_tier"`
	// CorefEnabled toggles the advisory coreference stage.
	CorefEnabled bool `yaml:"coref_enabled"`
	// NERLLMFallback enables the LLM tagger for low-confidence zones.
	NERLLMFallback bool `yaml:"ner_llm_fallback"`
}

// PipelineConfig configures the job manager and worker pool.
type PipelineConfig struct {
	WorkerConcurrency   int           `yaml:"worker_concurrency"`
	MaxAutomaticRetries int           `yaml:"max_automatic_retries"`
	MaxManualRetries    int           `yaml:"max_manual_retries"`
	HeartbeatTimeout    time.Duration `yaml:"heartbeat_timeout"`
	JobRetention        time.Duration `yaml:"job_retention"`
}

// LinkConfig configures the entity linker.
type LinkConfig struct {
	ExactThreshold float64 `yaml:"exact_threshold"`
	FuzzyThreshold float64 `yaml:"fuzzy_threshold"`
	BatchSize      int     `yaml:"batch_size"`
}

// RelateConfig configures the relation extractor.
type RelateConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	// VerifierEnabled toggles the LLM evidence verifier.
	VerifierEnabled bool `yaml:"verifier_enabled"`
}

// RAGConfig configures the retrieval resolver.
type RAGConfig struct {
	// K is the default number of nearest chunks retrieved (default 8).
	K int `yaml:"k"`
	// GraphExpansion toggles 1-hop entity context expansion.
	GraphExpansion bool `yaml:"graph_expansion"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		HTTP:  HTTPConfig{Addr: ":8080"},
		NATS:  NATSConfig{URL: "nats://localhost:4222"},
		Redis: RedisConfig{URL: "redis://localhost:6379/0", KeyPrefix: "provgraph:"},
		Postgres: PostgresConfig{
			DSN: "host=localhost user=provgraph dbname=provgraph sslmode=disable",
		},
		S3: S3Config{
			Endpoint: "http://localhost:9000",
			Region:   "us-east-1",
			Bucket:   "provgraph",
		},
		Qdrant: QdrantConfig{Host: "localhost", Port: 6334, Collection: "chunks"},
		Neo4j: Neo4jConfig{
			URI:      "bolt://localhost:7687",
			Username: "neo4j",
		},
		Chunking: ChunkingConfig{ChunkSizeBytes: 1000, OverlapBytes: 200},
		Providers: ProvidersConfig{
			EmbeddingTier:  "local-small",
			GenerativeTier: "standard",
			CorefEnabled:   true,
			NERLLMFallback: false,
		},
		Pipeline: PipelineConfig{
			WorkerConcurrency:   4,
			MaxAutomaticRetries: 3,
			MaxManualRetries:    10,
			HeartbeatTimeout:    5 * time.Minute,
			JobRetention:        7 * 24 * time.Hour,
		},
		Link:   LinkConfig{ExactThreshold: 0.90, FuzzyThreshold: 0.70, BatchSize: 100},
		Relate: RelateConfig{ConfidenceThreshold: 0.70, VerifierEnabled: false},
		RAG:    RAGConfig{K: 8, GraphExpansion: true},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Chunking.ChunkSizeBytes <= 0 {
		return fmt.Errorf("chunking.chunk_size_bytes must be positive")
	}
	if c.Chunking.OverlapBytes < 0 || c.Chunking.OverlapBytes >= c.Chunking.ChunkSizeBytes {
		return fmt.Errorf("chunking.overlap_bytes must be in [0, chunk_size_bytes)")
	}
	if c.Pipeline.WorkerConcurrency <= 0 {
		return fmt.Errorf("pipeline.worker_concurrency must be positive")
	}
	if c.Pipeline.MaxAutomaticRetries < 0 || c.Pipeline.MaxManualRetries < c.Pipeline.MaxAutomaticRetries {
		return fmt.Errorf("pipeline retry limits are inconsistent")
	}
	if c.Link.FuzzyThreshold <= 0 || c.Link.FuzzyThreshold > c.Link.ExactThreshold || c.Link.ExactThreshold > 1 {
		return fmt.Errorf("link thresholds must satisfy 0 < fuzzy <= exact <= 1")
	}
	if c.Relate.ConfidenceThreshold < 0 || c.Relate.ConfidenceThreshold > 1 {
		return fmt.Errorf("relate.confidence_threshold must be in [0, 1]")
	}
	if c.RAG.K <= 0 {
		return fmt.Errorf("rag.k must be positive")
	}
	return nil
}

// Parse unmarshals YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
