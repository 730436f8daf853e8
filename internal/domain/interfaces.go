package domain

import "context"

// Chunk is a bounded span of a document's text stored with its embedding.
type Chunk struct {
	ID        string
	Doc       string
	Text      string
	Embedding []float64
	// Similarity is only meaningful inside a single query response.
	Similarity float64
}

// Clone returns a deep copy so callers never share the embedding backing array.
func (c Chunk) Clone() Chunk {
	out := c
	if c.Embedding != nil {
		out.Embedding = append([]float64(nil), c.Embedding...)
	}
	return out
}

// RankedChunk is a Chunk extended with the scores derived for one query.
type RankedChunk struct {
	Chunk
	Semantic float64
	Keyword  float64
	Hybrid   float64
	// Index is the position in the pre-sort candidate list.
	Index int
}

// LoadResult is a full snapshot of a store plus the number of records that
// failed validation and were excluded.
type LoadResult struct {
	Chunks  []Chunk
	Skipped int
}

// IngestResult summarises one ingestDocument call.
type IngestResult struct {
	Doc           string
	ChunksCreated int
	ChunksTotal   int
	FailedChunks  int
}

// StoreStats describes the store contents.
type StoreStats struct {
	ChunkCount     int
	DocumentCount  int
	SkippedRecords int
}

// Chunker splits raw document text into chunk strings.
type Chunker interface {
	Chunk(text string) []string
}

// RAGService defines the operations exposed by the application core.
type RAGService interface {
	IngestDocument(ctx context.Context, doc, rawText string) (IngestResult, error)
	Query(ctx context.Context, question string, topK int) ([]RankedChunk, error)
	Stats(ctx context.Context) (StoreStats, error)
}
