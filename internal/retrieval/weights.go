package retrieval

import (
	"errors"
	"fmt"
	"sort"
)

// Weights is a semantic/keyword weight pair.
type Weights struct {
	Semantic float64 `yaml:"semantic"`
	Keyword  float64 `yaml:"keyword"`
}

// WeightBand applies to queries with at most MaxWords words.
type WeightBand struct {
	MaxWords int     `yaml:"max_words"`
	Semantic float64 `yaml:"semantic"`
	Keyword  float64 `yaml:"keyword"`
}

// WeightTable selects hybrid weights by query word count. Bands are checked in
// ascending MaxWords order; Default covers empty queries and queries longer
// than every band.
type WeightTable struct {
	Bands   []WeightBand `yaml:"bands"`
	Default Weights      `yaml:"default"`
}

// DefaultWeightTable favours keywords for short queries and semantics for
// long conversational ones.
func DefaultWeightTable() WeightTable {
	return WeightTable{
		Bands: []WeightBand{
			{MaxWords: 4, Semantic: 0.60, Keyword: 0.40},
			{MaxWords: 14, Semantic: 0.75, Keyword: 0.25},
		},
		Default: Weights{Semantic: 0.80, Keyword: 0.20},
	}
}

// Select returns the weights for a query of n words.
func (t WeightTable) Select(n int) Weights {
	if n <= 0 {
		return t.Default
	}
	for _, b := range t.Bands {
		if n <= b.MaxWords {
			return Weights{Semantic: b.Semantic, Keyword: b.Keyword}
		}
	}
	return t.Default
}

// Validate checks that bands are strictly ascending and weights are sane.
func (t WeightTable) Validate() error {
	if err := validPair(t.Default.Semantic, t.Default.Keyword); err != nil {
		return fmt.Errorf("default weights: %w", err)
	}
	if !sort.SliceIsSorted(t.Bands, func(i, j int) bool { return t.Bands[i].MaxWords < t.Bands[j].MaxWords }) {
		return errors.New("weight bands must be sorted by max_words")
	}
	prev := 0
	for i, b := range t.Bands {
		if b.MaxWords <= prev {
			return fmt.Errorf("weight band %d: max_words %d must be greater than %d", i, b.MaxWords, prev)
		}
		if err := validPair(b.Semantic, b.Keyword); err != nil {
			return fmt.Errorf("weight band %d: %w", i, err)
		}
		prev = b.MaxWords
	}
	return nil
}

func validPair(s, k float64) error {
	if s < 0 || k < 0 {
		return errors.New("weights must be non-negative")
	}
	if s+k == 0 {
		return errors.New("weights must not both be zero")
	}
	return nil
}
