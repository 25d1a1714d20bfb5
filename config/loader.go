package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

const (
	// ProjectConfigFile is the name of the project-level config file.
	ProjectConfigFile = "provgraph.yaml"
	// EnvConfigPath overrides the config file location.
	EnvConfigPath = "PROVGRAPH_CONFIG"
)

// Loader handles configuration loading with layered precedence.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a new configuration loader.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load loads configuration with layered precedence:
// 1. Built-in defaults
// 2. Config file (PROVGRAPH_CONFIG, or provgraph.yaml in the current or
// parent directories)
// 3. Secret overrides from the environment
func (l *Loader) Load() (*Config, error) {
	path := os.Getenv(EnvConfigPath)
	if path == "" {
		path = l.findProjectConfig()
	}

	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		cfg, err = Parse(data)
		if err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		l.logger.Debug("Loaded config file", slog.String("path", path))
	} else {
		l.logger.Debug("No config file found, using defaults")
	}

	l.applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides fills credentials from the environment so secrets can be
// kept out of config files.
func (l *Loader) applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PROVGRAPH_POSTGRES_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("PROVGRAPH_REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("PROVGRAPH_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("PROVGRAPH_S3_ACCESS_KEY"); v != "" {
		cfg.S3.AccessKey = v
	}
	if v := os.Getenv("PROVGRAPH_S3_SECRET_KEY"); v != "" {
		cfg.S3.SecretKey = v
	}
	if v := os.Getenv("PROVGRAPH_NEO4J_PASSWORD"); v != "" {
		cfg.Neo4j.Password = v
	}
	if v := os.Getenv("PROVGRAPH_QDRANT_API_KEY"); v != "" {
		cfg.Qdrant.APIKey = v
	}
}

// findProjectConfig searches for provgraph.yaml in current and parent
// directories.
func (l *Loader) findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}
