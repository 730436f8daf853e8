package retrieval

import (
	"regexp"
	"strings"

	"hybridrag/internal/domain"
)

var wordRe = regexp.MustCompile(`[\p{L}\p{N}\p{M}_]+`)

// Tokenize returns the lowercase Unicode word tokens of s, duplicates included.
func Tokenize(s string) []string {
	return wordRe.FindAllString(strings.ToLower(s), -1)
}

// TokenSet returns the distinct lowercase tokens of s.
func TokenSet(s string) map[string]struct{} {
	tokens := Tokenize(s)
	m := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		m[t] = struct{}{}
	}
	return m
}

// Scores holds the per-candidate scores of one query.
type Scores struct {
	Semantic float64
	Keyword  float64
	Hybrid   float64
}

// SemanticScore is the dot product of two unit vectors clamped to [0, 1].
func SemanticScore(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, &domain.DimensionMismatchError{Want: len(a), Got: len(b)}
	}
	sum := 0.0
	for i := range a {
		sum += a[i] * b[i]
	}
	switch {
	case sum < 0:
		return 0, nil
	case sum > 1:
		return 1, nil
	}
	return sum, nil
}

// KeywordScore is the fraction of distinct query words present in text.
func KeywordScore(queryWords map[string]struct{}, text string) float64 {
	if len(queryWords) == 0 {
		return 0
	}
	matched := 0
	seen := make(map[string]struct{}, len(queryWords))
	for _, t := range Tokenize(text) {
		if _, ok := queryWords[t]; !ok {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		matched++
	}
	return float64(matched) / float64(len(queryWords))
}

// PreparedQuery caches the query-side work shared by every candidate.
type PreparedQuery struct {
	Text      string
	Embedding []float64
	Words     map[string]struct{}
	WordCount int
	Weights   Weights
}

// Scorer fuses semantic and keyword similarity.
type Scorer struct {
	weights WeightTable
}

func NewScorer(weights WeightTable) *Scorer {
	return &Scorer{weights: weights}
}

// Prepare tokenises the query once and selects its weights.
func (s *Scorer) Prepare(query string, embedding []float64) PreparedQuery {
	tokens := Tokenize(query)
	words := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		words[t] = struct{}{}
	}
	return PreparedQuery{
		Text:      query,
		Embedding: embedding,
		Words:     words,
		WordCount: len(tokens),
		Weights:   s.weights.Select(len(tokens)),
	}
}

// Score computes all three scores for one candidate.
func (s *Scorer) Score(q PreparedQuery, text string, embedding []float64) (Scores, error) {
	sem, err := SemanticScore(q.Embedding, embedding)
	if err != nil {
		return Scores{}, err
	}
	kw := KeywordScore(q.Words, text)
	return Scores{
		Semantic: sem,
		Keyword:  kw,
		Hybrid:   q.Weights.Semantic*sem + q.Weights.Keyword*kw,
	}, nil
}
