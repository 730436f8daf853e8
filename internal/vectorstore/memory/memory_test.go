package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hybridrag/internal/vectorstore"
	"hybridrag/internal/vectorstore/storetest"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(*testing.T) vectorstore.Storage { return NewStorage() })
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewStorage()
	_, err := s.Append(ctx, storetest.Chunk("a.txt", "text", 1, 0))
	assert.ErrorIs(t, err, context.Canceled)

	res, err := s.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Chunks)
}
