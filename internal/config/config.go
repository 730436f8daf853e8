package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"hybridrag/internal/retrieval"
)

// OpenAIEmbedderConfig holds configuration for the OpenAI-compatible embedder.
type OpenAIEmbedderConfig struct {
	BaseURL     string `yaml:"base_url"`
	APIKeyEnv   string `yaml:"api_key_env"`
	Model       string `yaml:"model"`
	TimeoutSecs int    `yaml:"timeout_secs"`
}

// OllamaEmbedderConfig holds configuration for a local Ollama server.
type OllamaEmbedderConfig struct {
	ServerURL string `yaml:"server_url"`
	Model     string `yaml:"model"`
}

// HashingEmbedderConfig configures the offline feature-hashing embedder.
type HashingEmbedderConfig struct {
	Dimension int `yaml:"dimension"`
}

// RetryConfig controls retries of transient provider failures.
type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	BaseDelayMS int `yaml:"base_delay_ms"`
	MaxDelayMS  int `yaml:"max_delay_ms"`
}

// EmbedderConfig selects and configures the text embedder implementation.
type EmbedderConfig struct {
	Type    string                 `yaml:"type"`
	Hashing *HashingEmbedderConfig `yaml:"hashing,omitempty"`
	OpenAI  *OpenAIEmbedderConfig  `yaml:"openai,omitempty"`
	Ollama  *OllamaEmbedderConfig  `yaml:"ollama,omitempty"`
	Retry   RetryConfig            `yaml:"retry"`
}

// ChunkerConfig configures how documents are split into chunks.
type ChunkerConfig struct {
	TargetSize     int `yaml:"target_size"`
	OverlapPercent int `yaml:"overlap_percent"`
}

// VectorStoreConfig selects and configures the chunk store implementation.
type VectorStoreConfig struct {
	Type   string        `yaml:"type"`
	Path   string        `yaml:"path"`
	Qdrant *QdrantConfig `yaml:"qdrant,omitempty"`
}

// QdrantConfig contains connection details for a Qdrant vector store.
type QdrantConfig struct {
	URL         string `yaml:"url"`
	APIKey      string `yaml:"api_key"`
	Collection  string `yaml:"collection"`
	TimeoutSecs int    `yaml:"timeout_secs"`
}

// RetrievalConfig tunes ranking.
type RetrievalConfig struct {
	TopK     int                   `yaml:"top_k"`
	MinScore float64               `yaml:"min_score"`
	Weights  retrieval.WeightTable `yaml:"weights"`
}

type IngestConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// RateLimitConfig sets per-caller request budgets. Zero disables a limit.
type RateLimitConfig struct {
	IngestPerMinute int `yaml:"ingest_per_minute"`
	QueryPerMinute  int `yaml:"query_per_minute"`
	MaxCallers      int `yaml:"max_callers"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AppConfig is the root application configuration structure.
type AppConfig struct {
	Embedder    EmbedderConfig    `yaml:"embedder"`
	Chunker     ChunkerConfig     `yaml:"chunker"`
	VectorStore VectorStoreConfig `yaml:"vector_store"`
	Retrieval   RetrievalConfig   `yaml:"retrieval"`
	Ingest      IngestConfig      `yaml:"ingest"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// Load reads a config from a specified path. If the file does not exist, returns defaults.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return defaultConfig(), nil
		}
		return nil, err
	}
	cfg := defaultConfig()
	// the default path depends on the store type chosen by the file
	cfg.VectorStore.Path = ""
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	applyConfigDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadDefault tries ./config.yaml first, then ~/.config/rag/config.yaml.
// If neither exists, it writes defaults to ~/.config/rag/config.yaml and returns them.
func LoadDefault() (*AppConfig, string, error) {
	cwdPath := "config.yaml"
	if _, err := os.Stat(cwdPath); err == nil {
		cfg, err := Load(cwdPath)
		return cfg, cwdPath, err
	}
	userPath, err := defaultUserConfigPath()
	if err != nil {
		return nil, "", err
	}
	if _, err := os.Stat(userPath); err == nil {
		cfg, err := Load(userPath)
		return cfg, userPath, err
	}
	cfg := defaultConfig()
	if err := Save(userPath, cfg); err != nil {
		return nil, "", err
	}
	return cfg, userPath, nil
}

// Save writes the config to the given path, creating directories as needed.
func Save(path string, cfg *AppConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func defaultUserConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "rag", "config.yaml"), nil
}

func defaultDataPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("data", "chunks.jsonl")
	}
	return filepath.Join(home, ".local", "share", "rag", "chunks.jsonl")
}

func defaultConfig() *AppConfig {
	cfg := &AppConfig{
		Embedder: EmbedderConfig{
			Type:    "hashing",
			Hashing: &HashingEmbedderConfig{Dimension: 384},
			Retry:   RetryConfig{MaxAttempts: 3, BaseDelayMS: 200, MaxDelayMS: 5000},
		},
		Chunker:     ChunkerConfig{TargetSize: 1500, OverlapPercent: 30},
		VectorStore: VectorStoreConfig{Type: "jsonl", Path: defaultDataPath()},
		Retrieval:   RetrievalConfig{TopK: 3, Weights: retrieval.DefaultWeightTable()},
		Ingest:      IngestConfig{Concurrency: 4},
		RateLimit:   RateLimitConfig{IngestPerMinute: 5, QueryPerMinute: 20, MaxCallers: 1024},
		Logging:     LoggingConfig{Level: "info", Format: "console"},
	}
	return cfg
}

func applyConfigDefaults(cfg *AppConfig) {
	if cfg.Embedder.Type == "" {
		cfg.Embedder.Type = "hashing"
	}
	if cfg.Embedder.Type == "hashing" {
		if cfg.Embedder.Hashing == nil {
			cfg.Embedder.Hashing = &HashingEmbedderConfig{}
		}
		if cfg.Embedder.Hashing.Dimension == 0 {
			cfg.Embedder.Hashing.Dimension = 384
		}
	}
	if cfg.Embedder.Type == "openai" {
		if cfg.Embedder.OpenAI == nil {
			cfg.Embedder.OpenAI = &OpenAIEmbedderConfig{}
		}
		if cfg.Embedder.OpenAI.BaseURL == "" {
			cfg.Embedder.OpenAI.BaseURL = "https://api.openai.com/v1"
		}
		if cfg.Embedder.OpenAI.APIKeyEnv == "" {
			cfg.Embedder.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
		}
		if cfg.Embedder.OpenAI.Model == "" {
			cfg.Embedder.OpenAI.Model = "text-embedding-3-small"
		}
		if cfg.Embedder.OpenAI.TimeoutSecs == 0 {
			cfg.Embedder.OpenAI.TimeoutSecs = 30
		}
	}
	if cfg.Embedder.Type == "ollama" {
		if cfg.Embedder.Ollama == nil {
			cfg.Embedder.Ollama = &OllamaEmbedderConfig{}
		}
		if cfg.Embedder.Ollama.ServerURL == "" {
			cfg.Embedder.Ollama.ServerURL = "http://localhost:11434"
		}
		if cfg.Embedder.Ollama.Model == "" {
			cfg.Embedder.Ollama.Model = "nomic-embed-text"
		}
	}
	if cfg.Chunker.TargetSize == 0 {
		cfg.Chunker.TargetSize = 1500
	}
	if cfg.VectorStore.Type == "" {
		cfg.VectorStore.Type = "jsonl"
	}
	if cfg.VectorStore.Path == "" {
		switch cfg.VectorStore.Type {
		case "jsonl":
			cfg.VectorStore.Path = defaultDataPath()
		case "sqlite":
			cfg.VectorStore.Path = filepath.Join(filepath.Dir(defaultDataPath()), "chunks.db")
		}
	}
	if cfg.VectorStore.Type == "qdrant" {
		if cfg.VectorStore.Qdrant == nil {
			cfg.VectorStore.Qdrant = &QdrantConfig{}
		}
		if cfg.VectorStore.Qdrant.URL == "" {
			cfg.VectorStore.Qdrant.URL = "http://localhost:6333"
		}
		if cfg.VectorStore.Qdrant.Collection == "" {
			cfg.VectorStore.Qdrant.Collection = "chunks"
		}
	}
	if cfg.Retrieval.TopK == 0 {
		cfg.Retrieval.TopK = 3
	}
	if len(cfg.Retrieval.Weights.Bands) == 0 && cfg.Retrieval.Weights.Default == (retrieval.Weights{}) {
		cfg.Retrieval.Weights = retrieval.DefaultWeightTable()
	}
	if cfg.Ingest.Concurrency == 0 {
		cfg.Ingest.Concurrency = 4
	}
	if cfg.RateLimit.MaxCallers == 0 {
		cfg.RateLimit.MaxCallers = 1024
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}
}

// Validate rejects values that cannot be coerced into a working setup.
func (c *AppConfig) Validate() error {
	var errs []error
	switch c.Embedder.Type {
	case "hashing":
		if c.Embedder.Hashing != nil && c.Embedder.Hashing.Dimension < 0 {
			errs = append(errs, errors.New("embedder.hashing.dimension must be positive"))
		}
	case "openai", "ollama":
	default:
		errs = append(errs, fmt.Errorf("unknown embedder type %q", c.Embedder.Type))
	}
	if c.Embedder.Retry.MaxAttempts < 0 || c.Embedder.Retry.BaseDelayMS < 0 || c.Embedder.Retry.MaxDelayMS < 0 {
		errs = append(errs, errors.New("embedder.retry values must not be negative"))
	}
	if c.Chunker.TargetSize < 0 {
		errs = append(errs, errors.New("chunker.target_size must be positive"))
	}
	if c.Chunker.OverlapPercent < 0 || c.Chunker.OverlapPercent >= 100 {
		errs = append(errs, fmt.Errorf("chunker.overlap_percent %d outside [0,100)", c.Chunker.OverlapPercent))
	}
	switch c.VectorStore.Type {
	case "jsonl", "sqlite":
		if c.VectorStore.Path == "" {
			errs = append(errs, fmt.Errorf("vector_store.path required for %s", c.VectorStore.Type))
		}
	case "memory", "qdrant":
	default:
		errs = append(errs, fmt.Errorf("unknown vector store type %q", c.VectorStore.Type))
	}
	if c.Retrieval.TopK < 0 {
		errs = append(errs, errors.New("retrieval.top_k must be positive"))
	}
	if c.Retrieval.MinScore < 0 || c.Retrieval.MinScore > 1 {
		errs = append(errs, fmt.Errorf("retrieval.min_score %.3f outside [0,1]", c.Retrieval.MinScore))
	}
	if err := c.Retrieval.Weights.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retrieval.weights: %w", err))
	}
	if c.Ingest.Concurrency < 0 {
		errs = append(errs, errors.New("ingest.concurrency must be positive"))
	}
	if c.RateLimit.IngestPerMinute < 0 || c.RateLimit.QueryPerMinute < 0 || c.RateLimit.MaxCallers < 0 {
		errs = append(errs, errors.New("rate_limit values must not be negative"))
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown logging format %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// RetryDelays converts the millisecond settings to durations.
func (r RetryConfig) RetryDelays() (base, limit time.Duration) {
	return time.Duration(r.BaseDelayMS) * time.Millisecond, time.Duration(r.MaxDelayMS) * time.Millisecond
}
