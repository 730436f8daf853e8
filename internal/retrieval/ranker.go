package retrieval

import (
	"math"
	"sort"
	"strings"

	"hybridrag/internal/domain"
	"hybridrag/internal/embedding"
)

const (
	DefaultTopK = 3
	// Epsilon is the tolerance under which two scores are considered equal.
	Epsilon = 1e-6
)

// Ranker orders candidate chunks by hybrid score.
type Ranker struct {
	scorer   *Scorer
	minScore float64
}

// NewRanker creates a ranker. Candidates scoring below minScore are dropped;
// zero disables the threshold.
func NewRanker(scorer *Scorer, minScore float64) *Ranker {
	if scorer == nil {
		scorer = NewScorer(DefaultWeightTable())
	}
	return &Ranker{scorer: scorer, minScore: minScore}
}

// Rank scores candidates against the query and returns at most topK of them,
// best first. Ties within Epsilon fall back to the semantic score and then to
// the candidate's position, so equal inputs always produce equal output.
//
// A blank query returns the first topK candidates in storage order without
// scoring. Candidates with an invalid embedding are excluded rather than
// scored as zero. A candidate whose dimension differs from the query's is an
// error.
func (r *Ranker) Rank(query string, queryEmbedding []float64, candidates []domain.Chunk, topK int) ([]domain.RankedChunk, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}
	if len(candidates) == 0 {
		return []domain.RankedChunk{}, nil
	}
	if strings.TrimSpace(query) == "" {
		n := min(topK, len(candidates))
		out := make([]domain.RankedChunk, n)
		for i := 0; i < n; i++ {
			out[i] = domain.RankedChunk{Chunk: candidates[i].Clone(), Index: i}
		}
		return out, nil
	}

	q := r.scorer.Prepare(query, queryEmbedding)
	ranked := make([]domain.RankedChunk, 0, len(candidates))
	for i, c := range candidates {
		if !embedding.IsValid(c.Embedding) {
			continue
		}
		s, err := r.scorer.Score(q, c.Text, c.Embedding)
		if err != nil {
			return nil, err
		}
		if s.Hybrid < r.minScore {
			continue
		}
		rc := domain.RankedChunk{
			Chunk:    c.Clone(),
			Semantic: s.Semantic,
			Keyword:  s.Keyword,
			Hybrid:   s.Hybrid,
			Index:    i,
		}
		rc.Similarity = s.Hybrid
		ranked = append(ranked, rc)
	}
	sort.SliceStable(ranked, func(i, j int) bool { return less(ranked[i], ranked[j]) })
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}
	return ranked, nil
}

func less(a, b domain.RankedChunk) bool {
	if math.Abs(a.Hybrid-b.Hybrid) >= Epsilon {
		return a.Hybrid > b.Hybrid
	}
	if math.Abs(a.Semantic-b.Semantic) >= Epsilon {
		return a.Semantic > b.Semantic
	}
	return a.Index < b.Index
}
