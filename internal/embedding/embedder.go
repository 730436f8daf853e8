package embedding

import (
	"context"
	"fmt"
	"math"
	"strings"

	"hybridrag/internal/domain"
)

// Embedder converts free text into a numeric vector representation.
type Embedder interface {
	Name() string
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Normalize returns v scaled to unit L2 norm. ok is false when the norm is zero
// or not finite, in which case the zero vector is returned.
func Normalize(v []float64) (out []float64, ok bool) {
	norm := 0.0
	for _, x := range v {
		norm += x * x
	}
	norm = math.Sqrt(norm)
	out = make([]float64, len(v))
	if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return out, false
	}
	for i, x := range v {
		out[i] = x / norm
	}
	return out, true
}

// IsValid reports whether v is non-empty, finite and not the zero vector.
func IsValid(v []float64) bool {
	if len(v) == 0 {
		return false
	}
	nonZero := false
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
		if x != 0 {
			nonZero = true
		}
	}
	return nonZero
}

type normalized struct {
	inner Embedder
}

// Normalized wraps e so that blank input is rejected before reaching the
// provider and every returned vector has unit norm. A degenerate provider
// vector is an error, never a zero vector.
func Normalized(e Embedder) Embedder {
	if n, ok := e.(*normalized); ok {
		return n
	}
	return &normalized{inner: e}
}

func (n *normalized) Name() string { return n.inner.Name() }

func (n *normalized) Embed(ctx context.Context, text string) ([]float64, error) {
	if strings.TrimSpace(text) == "" {
		return nil, domain.ErrEmptyInput
	}
	v, err := n.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	out, ok := Normalize(v)
	if !ok {
		return nil, fmt.Errorf("%s: %w", n.inner.Name(), domain.ErrDegenerateVector)
	}
	return out, nil
}

// Float32To64 widens vectors returned by float32 providers.
func Float32To64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
