package hashing

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hybridrag/internal/domain"
)

func dot(a, b []float64) float64 {
	s := 0.0
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func TestEmbed_FixedDimensionAndUnitNorm(t *testing.T) {
	e := NewEmbedder(64)
	v, err := e.Embed(context.Background(), "Refund policy for damaged items")
	require.NoError(t, err)
	assert.Len(t, v, 64)
	assert.InDelta(t, 1.0, math.Sqrt(dot(v, v)), 1e-9)
}

func TestEmbed_Deterministic(t *testing.T) {
	e := NewEmbedder(0)
	a, err := e.Embed(context.Background(), "The cat sat on the mat.")
	require.NoError(t, err)
	b, err := NewEmbedder(0).Embed(context.Background(), "The cat sat on the mat.")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, DefaultDimension)
}

func TestEmbed_SharedTermsAreCloser(t *testing.T) {
	e := NewEmbedder(256)
	ctx := context.Background()
	q, err := e.Embed(ctx, "cat on a mat")
	require.NoError(t, err)
	near, err := e.Embed(ctx, "The cat sat on the mat.")
	require.NoError(t, err)
	far, err := e.Embed(ctx, "Stock prices rose sharply today.")
	require.NoError(t, err)
	assert.Greater(t, dot(q, near), dot(q, far))
}

func TestEmbed_Errors(t *testing.T) {
	e := NewEmbedder(16)
	_, err := e.Embed(context.Background(), "   ")
	assert.ErrorIs(t, err, domain.ErrEmptyInput)

	_, err = e.Embed(context.Background(), "the and of ...")
	assert.ErrorIs(t, err, domain.ErrDegenerateVector)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Embed(ctx, "anything")
	assert.ErrorIs(t, err, context.Canceled)
}
