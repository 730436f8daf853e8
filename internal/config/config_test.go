package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hybridrag/internal/retrieval"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "hashing", cfg.Embedder.Type)
	assert.Equal(t, 384, cfg.Embedder.Hashing.Dimension)
	assert.Equal(t, 1500, cfg.Chunker.TargetSize)
	assert.Equal(t, 30, cfg.Chunker.OverlapPercent)
	assert.Equal(t, "jsonl", cfg.VectorStore.Type)
	assert.NotEmpty(t, cfg.VectorStore.Path)
	assert.Equal(t, 3, cfg.Retrieval.TopK)
	assert.Equal(t, retrieval.DefaultWeightTable(), cfg.Retrieval.Weights)
	assert.Equal(t, RateLimitConfig{IngestPerMinute: 5, QueryPerMinute: 20, MaxCallers: 1024}, cfg.RateLimit)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_OverridesAndProviderDefaults(t *testing.T) {
	path := writeFile(t, `
embedder:
  type: openai
chunker:
  overlap_percent: 0
vector_store:
  type: qdrant
retrieval:
  top_k: 5
  min_score: 0.25
  weights:
    bands:
      - {max_words: 3, semantic: 0.5, keyword: 0.5}
    default: {semantic: 0.9, keyword: 0.1}
logging:
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, cfg.Embedder.OpenAI)
	assert.Equal(t, "https://api.openai.com/v1", cfg.Embedder.OpenAI.BaseURL)
	assert.Equal(t, "OPENAI_API_KEY", cfg.Embedder.OpenAI.APIKeyEnv)
	assert.Equal(t, 0, cfg.Chunker.OverlapPercent)
	require.NotNil(t, cfg.VectorStore.Qdrant)
	assert.Equal(t, "http://localhost:6333", cfg.VectorStore.Qdrant.URL)
	assert.Equal(t, "chunks", cfg.VectorStore.Qdrant.Collection)
	assert.Equal(t, 5, cfg.Retrieval.TopK)
	assert.Equal(t, 0.25, cfg.Retrieval.MinScore)
	assert.Equal(t, retrieval.Weights{Semantic: 0.5, Keyword: 0.5}, cfg.Retrieval.Weights.Select(2))
	assert.Equal(t, retrieval.Weights{Semantic: 0.9, Keyword: 0.1}, cfg.Retrieval.Weights.Select(4))
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_StorePathFollowsType(t *testing.T) {
	cfg, err := Load(writeFile(t, "vector_store:\n  type: sqlite\n"))
	require.NoError(t, err)
	assert.Equal(t, "chunks.db", filepath.Base(cfg.VectorStore.Path))

	cfg, err = Load(writeFile(t, "ingest:\n  concurrency: 2\n"))
	require.NoError(t, err)
	assert.Equal(t, "chunks.jsonl", filepath.Base(cfg.VectorStore.Path))
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"overlap":       "chunker:\n  overlap_percent: 100\n",
		"embedder":      "embedder:\n  type: word2vec\n",
		"store":         "vector_store:\n  type: redis\n",
		"unsorted":      "retrieval:\n  weights:\n    bands:\n      - {max_words: 9, semantic: 1, keyword: 0}\n      - {max_words: 3, semantic: 1, keyword: 0}\n    default: {semantic: 1, keyword: 0}\n",
		"min score":     "retrieval:\n  min_score: 2\n",
		"log format":    "logging:\n  format: xml\n",
		"negative rate": "rate_limit:\n  query_per_minute: -1\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, content))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	_, err := Load(writeFile(t, "embedder: [unclosed"))
	assert.Error(t, err)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := defaultConfig()
	cfg.VectorStore.Type = "sqlite"
	cfg.VectorStore.Path = "/tmp/chunks.db"
	cfg.Ingest.Concurrency = 8
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestRetryDelays(t *testing.T) {
	base, limit := RetryConfig{BaseDelayMS: 250, MaxDelayMS: 4000}.RetryDelays()
	assert.Equal(t, 250*time.Millisecond, base)
	assert.Equal(t, 4*time.Second, limit)
}
