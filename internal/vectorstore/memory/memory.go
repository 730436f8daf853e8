package memory

import (
	"context"
	"sync"

	"hybridrag/internal/domain"
	"hybridrag/internal/vectorstore"
)

// Storage is a simple in-memory chunk store for tests and throwaway sessions.
type Storage struct {
	mu        sync.RWMutex
	dimension int
	chunks    []domain.Chunk
}

func NewStorage() *Storage { return &Storage{} }

func (s *Storage) Append(ctx context.Context, chunk domain.Chunk) (domain.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return domain.Chunk{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, err := vectorstore.PrepareAppend(chunk, s.dimension)
	if err != nil {
		return domain.Chunk{}, err
	}
	s.chunks = append(s.chunks, stored)
	s.dimension = len(stored.Embedding)
	return stored.Clone(), nil
}

func (s *Storage) LoadAll(ctx context.Context) (domain.LoadResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.LoadResult{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Chunk, len(s.chunks))
	for i, c := range s.chunks {
		out[i] = c.Clone()
	}
	return domain.LoadResult{Chunks: out}, nil
}

func (s *Storage) DeleteDocument(ctx context.Context, doc string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.chunks[:0]
	for _, c := range s.chunks {
		if c.Doc != doc {
			kept = append(kept, c)
		}
	}
	removed := len(s.chunks) - len(kept)
	clear(s.chunks[len(kept):])
	s.chunks = kept
	if len(kept) == 0 {
		s.dimension = 0
	}
	return removed, nil
}

func (s *Storage) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = nil
	s.dimension = 0
	return nil
}
