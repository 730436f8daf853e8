package service

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hybridrag/internal/chunker"
	"hybridrag/internal/domain"
	"hybridrag/internal/embedding/hashing"
	"hybridrag/internal/ratelimit"
	"hybridrag/internal/retrieval"
	"hybridrag/internal/vectorstore"
	"hybridrag/internal/vectorstore/jsonl"
	"hybridrag/internal/vectorstore/memory"
)

// topicEmbedder maps text about cats and text about anything else to two
// fixed directions. Text containing "FAIL" is a provider error.
type topicEmbedder struct {
	calls   atomic.Int64
	running atomic.Int64
	peak    atomic.Int64
	delay   time.Duration
}

func (e *topicEmbedder) Name() string { return "topic" }

func (e *topicEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	e.calls.Add(1)
	n := e.running.Add(1)
	defer e.running.Add(-1)
	for {
		p := e.peak.Load()
		if n <= p || e.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if strings.Contains(text, "FAIL") {
		return nil, &domain.ProviderError{Provider: "topic", StatusCode: 400, Err: errors.New("rejected")}
	}
	if strings.Contains(strings.ToLower(text), "cat") {
		return []float64{0.9, 0.1}, nil
	}
	return []float64{0.1, 0.9}, nil
}

// fixedChunker returns the document split on "|".
type fixedChunker struct{}

func (fixedChunker) Chunk(text string) []string {
	var out []string
	for _, p := range strings.Split(text, "|") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func newService(t *testing.T, emb *topicEmbedder, store vectorstore.Storage, opts Options) *RAGServiceImpl {
	t.Helper()
	opts.Logger = zerolog.Nop()
	return NewRAGService(fixedChunker{}, emb, store, nil, opts)
}

func TestCatScenario(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, &topicEmbedder{}, memory.NewStorage(), Options{})

	_, err := svc.IngestDocument(ctx, "a.txt", "The cat sat on the mat.")
	require.NoError(t, err)
	_, err = svc.IngestDocument(ctx, "b.txt", "Stock prices rose sharply today.")
	require.NoError(t, err)

	res, err := svc.Query(ctx, "Where did the cat sit?", 3)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "a.txt", res[0].Doc)
	assert.Greater(t, res[0].Hybrid, 0.5)
	assert.Greater(t, res[0].Hybrid, res[1].Hybrid)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StoreStats{ChunkCount: 2, DocumentCount: 2}, stats)
}

func TestQuery_EmptyStoreSkipsEmbedding(t *testing.T) {
	emb := &topicEmbedder{}
	svc := newService(t, emb, memory.NewStorage(), Options{})
	res, err := svc.Query(context.Background(), "anything at all", 3)
	require.NoError(t, err)
	assert.Empty(t, res)
	assert.Zero(t, emb.calls.Load())
}

func TestInputErrors(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, &topicEmbedder{}, memory.NewStorage(), Options{})

	_, err := svc.IngestDocument(ctx, "", "text")
	assert.ErrorIs(t, err, domain.ErrEmptyInput)
	_, err = svc.IngestDocument(ctx, "a.txt", " \n\t")
	assert.ErrorIs(t, err, domain.ErrEmptyInput)
	_, err = svc.Query(ctx, "   ", 3)
	assert.ErrorIs(t, err, domain.ErrEmptyInput)
	_, err = svc.DeleteDocument(ctx, "")
	assert.ErrorIs(t, err, domain.ErrEmptyInput)
}

func TestIngest_SkipsFailedChunks(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStorage()
	svc := newService(t, &topicEmbedder{}, store, Options{})

	res, err := svc.IngestDocument(ctx, "a.txt", "first cat | FAIL here | third part")
	require.NoError(t, err)
	assert.Equal(t, domain.IngestResult{Doc: "a.txt", ChunksCreated: 2, ChunksTotal: 3, FailedChunks: 1}, res)

	loaded, err := store.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, loaded.Chunks, 2)
	assert.Equal(t, "first cat", loaded.Chunks[0].Text)
	assert.Equal(t, "third part", loaded.Chunks[1].Text)
	assert.InDelta(t, 1.0, loaded.Chunks[0].Embedding[0]*loaded.Chunks[0].Embedding[0]+loaded.Chunks[0].Embedding[1]*loaded.Chunks[0].Embedding[1], 1e-9, "stored embeddings are unit length")
}

func TestIngest_ConcurrentEmbeddingKeepsOrder(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStorage()
	emb := &topicEmbedder{delay: 5 * time.Millisecond}
	svc := newService(t, emb, store, Options{Concurrency: 3})

	parts := make([]string, 12)
	for i := range parts {
		parts[i] = "part " + string(rune('a'+i))
	}
	res, err := svc.IngestDocument(ctx, "doc", strings.Join(parts, "|"))
	require.NoError(t, err)
	assert.Equal(t, 12, res.ChunksCreated)
	assert.LessOrEqual(t, emb.peak.Load(), int64(3))
	assert.Greater(t, emb.peak.Load(), int64(1))

	loaded, err := store.LoadAll(ctx)
	require.NoError(t, err)
	for i, c := range loaded.Chunks {
		assert.Equal(t, parts[i], c.Text)
	}
}

func TestIngest_ShortDocumentCreatesNothing(t *testing.T) {
	ctx := context.Background()
	svc := NewRAGService(chunker.NewSentenceChunker(0, 0), hashing.NewEmbedder(64), memory.NewStorage(), nil, Options{Logger: zerolog.Nop()})
	res, err := svc.IngestDocument(ctx, "a.txt", "Too short.")
	require.NoError(t, err)
	assert.Equal(t, domain.IngestResult{Doc: "a.txt"}, res)
}

type failingStore struct {
	vectorstore.Storage
	allow int
}

func (f *failingStore) Append(ctx context.Context, c domain.Chunk) (domain.Chunk, error) {
	if f.allow == 0 {
		return domain.Chunk{}, &domain.StoreWriteError{Op: "append", Path: "mem", Err: errors.New("disk full")}
	}
	f.allow--
	return f.Storage.Append(ctx, c)
}

func TestIngest_StoreFailureIsFatal(t *testing.T) {
	store := &failingStore{Storage: memory.NewStorage(), allow: 1}
	svc := newService(t, &topicEmbedder{}, store, Options{})
	res, err := svc.IngestDocument(context.Background(), "a.txt", "one | two | three")
	var we *domain.StoreWriteError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, 1, res.ChunksCreated)
	assert.Equal(t, 3, res.ChunksTotal)
}

func TestQuery_EmbeddingFailureIsFatal(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, &topicEmbedder{}, memory.NewStorage(), Options{})
	_, err := svc.IngestDocument(ctx, "a.txt", "cats")
	require.NoError(t, err)
	_, err = svc.Query(ctx, "FAIL please", 3)
	var pe *domain.ProviderError
	assert.ErrorAs(t, err, &pe)
}

func TestDeleteAndClear(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, &topicEmbedder{}, memory.NewStorage(), Options{})
	_, err := svc.IngestDocument(ctx, "a.txt", "one | two")
	require.NoError(t, err)
	_, err = svc.IngestDocument(ctx, "b.txt", "three")
	require.NoError(t, err)

	n, err := svc.DeleteDocument(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, svc.Clear(ctx))
	require.NoError(t, svc.Clear(ctx))
	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.ChunkCount)
}

func TestQueryAs_LastRequestWins(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, &topicEmbedder{}, memory.NewStorage(), Options{})
	_, err := svc.IngestDocument(ctx, "a.txt", "the cat")
	require.NoError(t, err)

	// swap in an embedder that blocks the first query until it is cancelled
	blocking := &gateEmbedder{entered: make(chan struct{})}
	svc.embedder = blocking

	var wg sync.WaitGroup
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, firstErr = svc.QueryAs(ctx, "alice", "slow cat", 3)
	}()
	<-blocking.entered

	res, err := svc.QueryAs(ctx, "alice", "fast cat", 3)
	require.NoError(t, err)
	assert.Len(t, res, 1)

	wg.Wait()
	assert.ErrorIs(t, firstErr, domain.ErrSuperseded)
	assert.True(t, IsSuperseded(firstErr))
	assert.Zero(t, svc.sessions.len())
}

// gateEmbedder blocks on queries starting with "slow" until cancelled.
type gateEmbedder struct {
	entered chan struct{}
	once    sync.Once
}

func (g *gateEmbedder) Name() string { return "gate" }

func (g *gateEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	if strings.HasPrefix(text, "slow") {
		g.once.Do(func() { close(g.entered) })
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return []float64{1, 0}, nil
}

func TestQueryAs_IndependentCallers(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, &topicEmbedder{}, memory.NewStorage(), Options{})
	_, err := svc.IngestDocument(ctx, "a.txt", "the cat")
	require.NoError(t, err)

	_, err = svc.QueryAs(ctx, "alice", "cat", 3)
	require.NoError(t, err)
	_, err = svc.QueryAs(ctx, "bob", "cat", 3)
	require.NoError(t, err)
}

func TestRateLimits(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, &topicEmbedder{}, memory.NewStorage(), Options{
		IngestLimiter: ratelimit.PerMinute(1, 0, nil),
		QueryLimiter:  ratelimit.PerMinute(1, 0, nil),
	})

	_, err := svc.IngestAs(ctx, "alice", "a.txt", "the cat")
	require.NoError(t, err)
	_, err = svc.IngestAs(ctx, "alice", "b.txt", "the dog")
	assert.ErrorIs(t, err, domain.ErrRateLimited)

	_, err = svc.QueryAs(ctx, "alice", "cat", 3)
	require.NoError(t, err)
	_, err = svc.QueryAs(ctx, "alice", "cat", 3)
	var rl *domain.RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Positive(t, rl.RetryAfter)
}

func TestEndToEndWithJSONLStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chunks.jsonl")
	text := strings.Repeat("Cats are curious animals that explore every corner of the house. ", 10) +
		strings.Repeat("Markets opened higher as investors bought technology shares. ", 10)

	build := func() *RAGServiceImpl {
		return NewRAGService(
			chunker.NewSentenceChunker(300, 20),
			hashing.NewEmbedder(256),
			jsonl.New(path, zerolog.Nop()),
			retrieval.NewRanker(nil, 0),
			Options{Logger: zerolog.Nop()},
		)
	}
	res, err := build().IngestDocument(ctx, "mixed.txt", text)
	require.NoError(t, err)
	require.Positive(t, res.ChunksCreated)
	assert.Equal(t, res.ChunksTotal, res.ChunksCreated)

	// a fresh service over the same file sees the same data
	svc := build()
	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, res.ChunksCreated, stats.ChunkCount)
	assert.Equal(t, 1, stats.DocumentCount)

	first, err := svc.Query(ctx, "curious cats explore", 2)
	require.NoError(t, err)
	second, err := svc.Query(ctx, "curious cats explore", 2)
	require.NoError(t, err)
	require.NotEmpty(t, first)
	assert.Equal(t, first, second)
	assert.Contains(t, first[0].Text, "Cats are curious")
}
