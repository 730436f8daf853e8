// Package storetest holds the behaviour every vectorstore.Storage backend
// must share.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hybridrag/internal/domain"
	"hybridrag/internal/vectorstore"
)

// Factory returns an empty store scoped to t.
type Factory func(t *testing.T) vectorstore.Storage

// Chunk builds a valid chunk for doc with a two-dimensional embedding.
func Chunk(doc, text string, x, y float64) domain.Chunk {
	return domain.Chunk{Doc: doc, Text: text, Embedding: []float64{x, y}}
}

// Run exercises the Storage contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("EmptyStore", func(t *testing.T) { testEmptyStore(t, newStore(t)) })
	t.Run("RoundTrip", func(t *testing.T) { testRoundTrip(t, newStore(t)) })
	t.Run("AppendRejectsInvalid", func(t *testing.T) { testAppendRejectsInvalid(t, newStore(t)) })
	t.Run("ClearIsIdempotent", func(t *testing.T) { testClearIsIdempotent(t, newStore(t)) })
	t.Run("DeleteDocument", func(t *testing.T) { testDeleteDocument(t, newStore(t)) })
	t.Run("ConcurrentAppends", func(t *testing.T) { testConcurrentAppends(t, newStore(t)) })
	t.Run("ReturnsCopies", func(t *testing.T) { testReturnsCopies(t, newStore(t)) })
}

func testEmptyStore(t *testing.T, s vectorstore.Storage) {
	ctx := context.Background()
	res, err := s.LoadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Chunks)
	assert.Zero(t, res.Skipped)

	stats, err := vectorstore.Stats(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, domain.StoreStats{}, stats)
}

func testRoundTrip(t *testing.T, s vectorstore.Storage) {
	ctx := context.Background()
	in := []domain.Chunk{
		Chunk("a.txt", "The cat sat on the mat.", 1, 0),
		Chunk("b.txt", "Stock prices rose sharply today.", 0, 1),
		Chunk("a.txt", "Cats like warm places.", 0.6, 0.8),
	}
	ids := make(map[string]struct{})
	for _, c := range in {
		stored, err := s.Append(ctx, c)
		require.NoError(t, err)
		require.NotEmpty(t, stored.ID)
		assert.Equal(t, c.Doc, stored.Doc)
		assert.Equal(t, c.Text, stored.Text)
		ids[stored.ID] = struct{}{}
	}
	assert.Len(t, ids, len(in), "ids must be unique")

	res, err := s.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, res.Chunks, len(in))
	for i, c := range res.Chunks {
		assert.Equal(t, in[i].Doc, c.Doc)
		assert.Equal(t, in[i].Text, c.Text)
		assert.InDeltaSlice(t, in[i].Embedding, c.Embedding, 1e-9)
	}

	n, err := vectorstore.Count(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	docs, err := vectorstore.DocumentCount(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, 2, docs)
}

func testAppendRejectsInvalid(t *testing.T, s vectorstore.Storage) {
	ctx := context.Background()
	_, err := s.Append(ctx, Chunk("a.txt", "   ", 1, 0))
	assert.ErrorIs(t, err, domain.ErrEmptyInput)

	_, err = s.Append(ctx, Chunk(" ", "orphan text", 1, 0))
	assert.ErrorIs(t, err, domain.ErrEmptyInput)

	_, err = s.Append(ctx, Chunk("a.txt", "zero", 0, 0))
	assert.ErrorIs(t, err, domain.ErrDegenerateVector)

	_, err = s.Append(ctx, Chunk("a.txt", "first", 1, 0))
	require.NoError(t, err)
	_, err = s.Append(ctx, domain.Chunk{Doc: "a.txt", Text: "wider", Embedding: []float64{1, 0, 0}})
	var dm *domain.DimensionMismatchError
	assert.ErrorAs(t, err, &dm)

	n, err := vectorstore.Count(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func testClearIsIdempotent(t *testing.T, s vectorstore.Storage) {
	ctx := context.Background()
	require.NoError(t, s.Clear(ctx))
	_, err := s.Append(ctx, Chunk("a.txt", "text", 1, 0))
	require.NoError(t, err)
	require.NoError(t, s.Clear(ctx))
	require.NoError(t, s.Clear(ctx))

	n, err := vectorstore.Count(ctx, s)
	require.NoError(t, err)
	assert.Zero(t, n)

	// a cleared store accepts a new dimension
	_, err = s.Append(ctx, domain.Chunk{Doc: "b.txt", Text: "text", Embedding: []float64{0, 0, 1}})
	assert.NoError(t, err)
}

func testDeleteDocument(t *testing.T, s vectorstore.Storage) {
	ctx := context.Background()
	for _, c := range []domain.Chunk{
		Chunk("a.txt", "one", 1, 0),
		Chunk("b.txt", "two", 0, 1),
		Chunk("a.txt", "three", 1, 1),
	} {
		_, err := s.Append(ctx, c)
		require.NoError(t, err)
	}

	removed, err := s.DeleteDocument(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	removed, err = s.DeleteDocument(ctx, "missing.txt")
	require.NoError(t, err)
	assert.Zero(t, removed)

	res, err := s.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, res.Chunks, 1)
	assert.Equal(t, "b.txt", res.Chunks[0].Doc)

	_, err = s.Append(ctx, Chunk("c.txt", "four", 1, 0))
	require.NoError(t, err)
	res, err = s.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, res.Chunks, 2)
	assert.Equal(t, "c.txt", res.Chunks[1].Doc, "storage order survives a delete")
}

func testConcurrentAppends(t *testing.T, s vectorstore.Storage) {
	ctx := context.Background()
	const writers, perWriter = 8, 10
	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				text := fmt.Sprintf("writer %d chunk %d", w, i)
				if _, err := s.Append(ctx, Chunk(fmt.Sprintf("doc-%d", w), text, 1, float64(i))); err != nil {
					errs <- err
				}
			}
		}(w)
	}
	// readers run alongside writers and must never fail
	for r := 0; r < 2; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				res, err := s.LoadAll(ctx)
				if err != nil {
					errs <- err
					return
				}
				if res.Skipped != 0 {
					errs <- errors.New("reader observed a torn record")
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	res, err := s.LoadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, res.Chunks, writers*perWriter)
	assert.Zero(t, res.Skipped)
	ids := make(map[string]struct{}, len(res.Chunks))
	for _, c := range res.Chunks {
		ids[c.ID] = struct{}{}
	}
	assert.Len(t, ids, writers*perWriter)
}

func testReturnsCopies(t *testing.T, s vectorstore.Storage) {
	ctx := context.Background()
	in := Chunk("a.txt", "text", 1, 0)
	stored, err := s.Append(ctx, in)
	require.NoError(t, err)
	in.Embedding[0] = 42
	stored.Embedding[0] = 42

	res, err := s.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, res.Chunks, 1)
	assert.Equal(t, 1.0, res.Chunks[0].Embedding[0])
	res.Chunks[0].Embedding[0] = 42

	again, err := s.LoadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1.0, again.Chunks[0].Embedding[0])
}
