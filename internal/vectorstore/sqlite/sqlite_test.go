package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hybridrag/internal/vectorstore"
	"hybridrag/internal/vectorstore/storetest"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "chunks.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) vectorstore.Storage { return openStore(t) })
}

func TestLoadAll_SkipsInvalidRows(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	_, err := s.Append(ctx, storetest.Chunk("a.txt", "good row", 1, 0))
	require.NoError(t, err)

	bad := []struct{ id, doc, text, emb string }{
		{"b1", "a.txt", "broken json", "[1,"},
		{"b2", "a.txt", "zero vector", "[0,0]"},
		{"b3", "a.txt", "wrong width", "[1,0,0]"},
		{"b4", "a.txt", "  ", "[1,0]"},
		{"b5", "", "no document", "[1,0]"},
	}
	for _, b := range bad {
		_, err := s.db.Exec(`INSERT INTO chunks (id, doc, text, embedding) VALUES (?, ?, ?, ?)`, b.id, b.doc, b.text, b.emb)
		require.NoError(t, err)
	}

	res, err := s.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, res.Chunks, 1)
	assert.Equal(t, "good row", res.Chunks[0].Text)
	assert.Equal(t, 5, res.Skipped)
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chunks.db")
	s, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	_, err = s.Append(ctx, storetest.Chunk("a.txt", "persisted", 1, 0))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()
	res, err := s.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, res.Chunks, 1)
	assert.Equal(t, "persisted", res.Chunks[0].Text)
}
