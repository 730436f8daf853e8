package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"hybridrag/internal/domain"
	"hybridrag/internal/embedding"
	"hybridrag/internal/ratelimit"
	"hybridrag/internal/retrieval"
	"hybridrag/internal/vectorstore"
)

const DefaultConcurrency = 4

// Options tunes a RAGServiceImpl. Zero values select defaults; nil limiters
// disable rate limiting.
type Options struct {
	TopK          int
	Concurrency   int
	IngestLimiter *ratelimit.Limiter
	QueryLimiter  *ratelimit.Limiter
	Logger        zerolog.Logger
}

type RAGServiceImpl struct {
	chunker  domain.Chunker
	embedder embedding.Embedder
	store    vectorstore.Storage
	ranker   *retrieval.Ranker

	topK          int
	concurrency   int
	ingestLimiter *ratelimit.Limiter
	queryLimiter  *ratelimit.Limiter
	sessions      *sessions
	log           zerolog.Logger
}

var _ domain.RAGService = (*RAGServiceImpl)(nil)

// NewRAGService wires the retrieval pipeline. The embedder is wrapped so every
// vector reaching the store or the ranker has unit norm.
func NewRAGService(chunker domain.Chunker, embedder embedding.Embedder, store vectorstore.Storage, ranker *retrieval.Ranker, opts Options) *RAGServiceImpl {
	if opts.TopK <= 0 {
		opts.TopK = retrieval.DefaultTopK
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if ranker == nil {
		ranker = retrieval.NewRanker(nil, 0)
	}
	return &RAGServiceImpl{
		chunker:       chunker,
		embedder:      embedding.Normalized(embedder),
		store:         store,
		ranker:        ranker,
		topK:          opts.TopK,
		concurrency:   opts.Concurrency,
		ingestLimiter: opts.IngestLimiter,
		queryLimiter:  opts.QueryLimiter,
		sessions:      newSessions(),
		log:           opts.Logger.With().Str("component", "rag").Logger(),
	}
}

// IngestDocument chunks rawText, embeds the chunks concurrently and appends
// the successful ones in document order. A chunk whose embedding fails is
// logged and counted in FailedChunks. A store failure aborts the ingest and
// is returned together with what was stored so far.
func (s *RAGServiceImpl) IngestDocument(ctx context.Context, doc, rawText string) (domain.IngestResult, error) {
	res := domain.IngestResult{Doc: doc}
	if strings.TrimSpace(doc) == "" {
		return res, fmt.Errorf("document name: %w", domain.ErrEmptyInput)
	}
	if strings.TrimSpace(rawText) == "" {
		return res, fmt.Errorf("document %q: %w", doc, domain.ErrEmptyInput)
	}
	start := time.Now()
	pieces := s.chunker.Chunk(rawText)
	res.ChunksTotal = len(pieces)
	if len(pieces) == 0 {
		s.log.Info().Str("doc", doc).Msg("document too short to chunk")
		return res, nil
	}

	vectors := make([][]float64, len(pieces))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, text := range pieces {
		i, text := i, text
		g.Go(func() error {
			vec, err := s.embedder.Embed(gctx, text)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				s.log.Warn().Err(err).Str("doc", doc).Int("chunk", i).Msg("embedding failed, skipping chunk")
				return nil
			}
			vectors[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	for i, text := range pieces {
		if vectors[i] == nil {
			res.FailedChunks++
			continue
		}
		_, err := s.store.Append(ctx, domain.Chunk{Doc: doc, Text: text, Embedding: vectors[i]})
		if err != nil {
			return res, fmt.Errorf("store chunk %d of %q: %w", i, doc, err)
		}
		res.ChunksCreated++
	}
	s.log.Info().
		Str("doc", doc).
		Int("created", res.ChunksCreated).
		Int("total", res.ChunksTotal).
		Int("failed", res.FailedChunks).
		Dur("took", time.Since(start)).
		Msg("document ingested")
	return res, nil
}

// Query ranks every stored chunk against question. Embedding failures are
// returned as errors; an empty store yields no results without embedding.
func (s *RAGServiceImpl) Query(ctx context.Context, question string, topK int) ([]domain.RankedChunk, error) {
	if strings.TrimSpace(question) == "" {
		return nil, fmt.Errorf("question: %w", domain.ErrEmptyInput)
	}
	if topK <= 0 {
		topK = s.topK
	}
	snapshot, err := s.store.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load chunks: %w", err)
	}
	if snapshot.Skipped > 0 {
		s.log.Warn().Int("skipped", snapshot.Skipped).Msg("store contains invalid records")
	}
	if len(snapshot.Chunks) == 0 {
		return []domain.RankedChunk{}, nil
	}
	qEmb, err := s.embedder.Embed(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}
	ranked, err := s.ranker.Rank(question, qEmb, snapshot.Chunks, topK)
	if err != nil {
		return nil, fmt.Errorf("rank: %w", err)
	}
	s.log.Debug().Int("candidates", len(snapshot.Chunks)).Int("returned", len(ranked)).Msg("query ranked")
	return ranked, nil
}

func (s *RAGServiceImpl) Stats(ctx context.Context) (domain.StoreStats, error) {
	return vectorstore.Stats(ctx, s.store)
}

// DeleteDocument removes every chunk of doc.
func (s *RAGServiceImpl) DeleteDocument(ctx context.Context, doc string) (int, error) {
	if strings.TrimSpace(doc) == "" {
		return 0, fmt.Errorf("document name: %w", domain.ErrEmptyInput)
	}
	n, err := s.store.DeleteDocument(ctx, doc)
	if err != nil {
		return 0, err
	}
	s.log.Info().Str("doc", doc).Int("removed", n).Msg("document deleted")
	return n, nil
}

func (s *RAGServiceImpl) Clear(ctx context.Context) error {
	if err := s.store.Clear(ctx); err != nil {
		return err
	}
	s.log.Info().Msg("store cleared")
	return nil
}

// QueryAs runs Query on behalf of caller. A newer QueryAs from the same caller
// cancels this one, which then returns domain.ErrSuperseded and no results.
func (s *RAGServiceImpl) QueryAs(ctx context.Context, caller, question string, topK int) ([]domain.RankedChunk, error) {
	if err := s.queryLimiter.Allow(caller); err != nil {
		return nil, err
	}
	cctx, finish := s.sessions.begin(ctx, caller)
	res, err := s.Query(cctx, question, topK)
	if !finish() {
		s.log.Debug().Str("caller", caller).Msg("dropping superseded query result")
		return nil, domain.ErrSuperseded
	}
	return res, err
}

// IngestAs runs IngestDocument on behalf of caller, subject to the ingest
// rate limit.
func (s *RAGServiceImpl) IngestAs(ctx context.Context, caller, doc, rawText string) (domain.IngestResult, error) {
	if err := s.ingestLimiter.Allow(caller); err != nil {
		return domain.IngestResult{Doc: doc}, err
	}
	return s.IngestDocument(ctx, doc, rawText)
}

// IsSuperseded reports whether err means a newer request replaced this one.
func IsSuperseded(err error) bool { return errors.Is(err, domain.ErrSuperseded) }
