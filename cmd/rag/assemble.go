package main

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"hybridrag/internal/chunker"
	"hybridrag/internal/config"
	"hybridrag/internal/embedding"
	"hybridrag/internal/embedding/hashing"
	"hybridrag/internal/embedding/ollama"
	"hybridrag/internal/embedding/openai"
	"hybridrag/internal/ratelimit"
	"hybridrag/internal/retrieval"
	"hybridrag/internal/service"
	"hybridrag/internal/vectorstore"
	"hybridrag/internal/vectorstore/jsonl"
	"hybridrag/internal/vectorstore/memory"
	"hybridrag/internal/vectorstore/qdrant"
	"hybridrag/internal/vectorstore/sqlite"
)

func buildEmbedder(cfg *config.AppConfig, log zerolog.Logger) (embedding.Embedder, error) {
	var emb embedding.Embedder
	switch cfg.Embedder.Type {
	case "hashing", "":
		dim := 0
		if cfg.Embedder.Hashing != nil {
			dim = cfg.Embedder.Hashing.Dimension
		}
		// local and deterministic, nothing to retry
		return hashing.NewEmbedder(dim), nil
	case "openai":
		oc := cfg.Embedder.OpenAI
		if oc == nil {
			return nil, fmt.Errorf("openai embedder config missing")
		}
		client, err := openai.NewClient(openai.Config{
			BaseURL:   oc.BaseURL,
			APIKeyEnv: oc.APIKeyEnv,
			Model:     oc.Model,
			Timeout:   time.Duration(oc.TimeoutSecs) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("openai embedder init failed: %w", err)
		}
		emb = client
	case "ollama":
		oc := cfg.Embedder.Ollama
		if oc == nil {
			return nil, fmt.Errorf("ollama embedder config missing")
		}
		client, err := ollama.NewClient(ollama.Config{ServerURL: oc.ServerURL, Model: oc.Model})
		if err != nil {
			return nil, fmt.Errorf("ollama embedder init failed: %w", err)
		}
		emb = client
	default:
		return nil, fmt.Errorf("unknown embedder: %s", cfg.Embedder.Type)
	}
	base, limit := cfg.Embedder.Retry.RetryDelays()
	return embedding.WithRetry(emb, embedding.RetryConfig{
		MaxAttempts: cfg.Embedder.Retry.MaxAttempts,
		BaseDelay:   base,
		MaxDelay:    limit,
	}, log), nil
}

// buildStore returns the configured store and a function releasing it.
func buildStore(cfg *config.AppConfig, log zerolog.Logger) (vectorstore.Storage, func() error, error) {
	noop := func() error { return nil }
	switch cfg.VectorStore.Type {
	case "jsonl", "":
		return jsonl.New(cfg.VectorStore.Path, log), noop, nil
	case "memory":
		return memory.NewStorage(), noop, nil
	case "sqlite":
		st, err := sqlite.Open(cfg.VectorStore.Path, log)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	case "qdrant":
		qc := cfg.VectorStore.Qdrant
		if qc == nil {
			return nil, nil, fmt.Errorf("qdrant config missing")
		}
		return qdrant.NewStorage(qdrant.Config{
			URL:        qc.URL,
			APIKey:     qc.APIKey,
			Collection: qc.Collection,
			Timeout:    time.Duration(qc.TimeoutSecs) * time.Second,
		}, log), noop, nil
	default:
		return nil, nil, fmt.Errorf("unknown vector store: %s", cfg.VectorStore.Type)
	}
}

func buildService(cfg *config.AppConfig, log zerolog.Logger) (*service.RAGServiceImpl, func() error, error) {
	emb, err := buildEmbedder(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	st, closeStore, err := buildStore(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	ch := chunker.NewSentenceChunker(cfg.Chunker.TargetSize, cfg.Chunker.OverlapPercent)
	ranker := retrieval.NewRanker(retrieval.NewScorer(cfg.Retrieval.Weights), cfg.Retrieval.MinScore)
	svc := service.NewRAGService(ch, emb, st, ranker, service.Options{
		TopK:          cfg.Retrieval.TopK,
		Concurrency:   cfg.Ingest.Concurrency,
		IngestLimiter: ratelimit.PerMinute(cfg.RateLimit.IngestPerMinute, cfg.RateLimit.MaxCallers, nil),
		QueryLimiter:  ratelimit.PerMinute(cfg.RateLimit.QueryPerMinute, cfg.RateLimit.MaxCallers, nil),
		Logger:        log,
	})
	return svc, closeStore, nil
}
