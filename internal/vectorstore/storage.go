package vectorstore

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"hybridrag/internal/domain"
	"hybridrag/internal/embedding"
)

// Storage persists chunks in insertion order. Implementations serialise
// writers with a single lock and hand out copies only.
type Storage interface {
	// Append assigns a fresh id and durably stores the chunk.
	Append(ctx context.Context, chunk domain.Chunk) (domain.Chunk, error)
	// LoadAll returns every valid record in storage order.
	LoadAll(ctx context.Context) (domain.LoadResult, error)
	// DeleteDocument removes all chunks of doc and reports how many went.
	DeleteDocument(ctx context.Context, doc string) (int, error)
	// Clear empties the store. Clearing an empty store is not an error.
	Clear(ctx context.Context) error
}

// Record is the persisted form of a chunk.
type Record struct {
	ID        string    `json:"id"`
	Doc       string    `json:"doc"`
	Text      string    `json:"text"`
	Embedding []float64 `json:"embedding"`
}

func NewRecord(c domain.Chunk) Record {
	return Record{ID: c.ID, Doc: c.Doc, Text: c.Text, Embedding: c.Embedding}
}

func (r Record) Chunk() domain.Chunk {
	return domain.Chunk{ID: r.ID, Doc: r.Doc, Text: r.Text, Embedding: r.Embedding}
}

var (
	errMissingID    = errors.New("record has no id")
	errMissingDoc   = errors.New("record has no doc")
	errBlankText    = errors.New("record text is blank")
	errBadEmbedding = errors.New("record embedding is empty, zero or non-finite")
)

// CheckRecord validates a loaded record. dim is the dimension established by
// earlier records, or 0 when none has been seen yet.
func CheckRecord(r Record, dim int) error {
	if r.ID == "" {
		return errMissingID
	}
	if strings.TrimSpace(r.Doc) == "" {
		return errMissingDoc
	}
	if strings.TrimSpace(r.Text) == "" {
		return errBlankText
	}
	if !embedding.IsValid(r.Embedding) {
		return errBadEmbedding
	}
	if dim != 0 && len(r.Embedding) != dim {
		return &domain.DimensionMismatchError{Want: dim, Got: len(r.Embedding)}
	}
	return nil
}

// PrepareAppend validates an incoming chunk and returns the copy to store,
// carrying a freshly generated id.
func PrepareAppend(c domain.Chunk, dim int) (domain.Chunk, error) {
	if strings.TrimSpace(c.Doc) == "" || strings.TrimSpace(c.Text) == "" {
		return domain.Chunk{}, domain.ErrEmptyInput
	}
	if !embedding.IsValid(c.Embedding) {
		return domain.Chunk{}, domain.ErrDegenerateVector
	}
	if dim != 0 && len(c.Embedding) != dim {
		return domain.Chunk{}, &domain.DimensionMismatchError{Want: dim, Got: len(c.Embedding)}
	}
	out := c.Clone()
	out.ID = uuid.NewString()
	out.Similarity = 0
	return out, nil
}

// Count returns the number of valid chunks in s.
func Count(ctx context.Context, s Storage) (int, error) {
	res, err := s.LoadAll(ctx)
	if err != nil {
		return 0, err
	}
	return len(res.Chunks), nil
}

// DocumentCount returns the number of distinct documents in s.
func DocumentCount(ctx context.Context, s Storage) (int, error) {
	res, err := s.LoadAll(ctx)
	if err != nil {
		return 0, err
	}
	return countDocs(res.Chunks), nil
}

// Stats derives all store statistics from one snapshot.
func Stats(ctx context.Context, s Storage) (domain.StoreStats, error) {
	res, err := s.LoadAll(ctx)
	if err != nil {
		return domain.StoreStats{}, err
	}
	return domain.StoreStats{
		ChunkCount:     len(res.Chunks),
		DocumentCount:  countDocs(res.Chunks),
		SkippedRecords: res.Skipped,
	}, nil
}

func countDocs(chunks []domain.Chunk) int {
	docs := make(map[string]struct{})
	for _, c := range chunks {
		docs[c.Doc] = struct{}{}
	}
	return len(docs)
}
