package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"hybridrag/internal/domain"
	"hybridrag/internal/vectorstore"
)

const schema = `CREATE TABLE IF NOT EXISTS chunks (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	id        TEXT NOT NULL UNIQUE,
	doc       TEXT NOT NULL,
	text      TEXT NOT NULL,
	embedding TEXT NOT NULL
)`

type row struct {
	Seq       int64  `db:"seq"`
	ID        string `db:"id"`
	Doc       string `db:"doc"`
	Text      string `db:"text"`
	Embedding string `db:"embedding"`
}

// Store keeps chunks in a single SQLite table ordered by insertion sequence.
type Store struct {
	db   *sqlx.DB
	path string
	log  zerolog.Logger

	mu  sync.Mutex
	dim int
}

// Open connects to the database at path, creating it and the schema if needed.
func Open(path string, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect sqlite %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{
		db:   db,
		path: path,
		log:  log.With().Str("store", "sqlite").Str("path", path).Logger(),
	}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Append(ctx context.Context, chunk domain.Chunk) (domain.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dim == 0 {
		res, err := s.load(ctx)
		if err != nil {
			return domain.Chunk{}, &domain.StoreWriteError{Op: "append", Path: s.path, Err: err}
		}
		if len(res.Chunks) > 0 {
			s.dim = len(res.Chunks[0].Embedding)
		}
	}
	stored, err := vectorstore.PrepareAppend(chunk, s.dim)
	if err != nil {
		return domain.Chunk{}, err
	}
	emb, err := json.Marshal(stored.Embedding)
	if err != nil {
		return domain.Chunk{}, &domain.StoreWriteError{Op: "append", Path: s.path, Err: err}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO chunks (id, doc, text, embedding) VALUES (?, ?, ?, ?)`,
		stored.ID, stored.Doc, stored.Text, string(emb))
	if err != nil {
		return domain.Chunk{}, &domain.StoreWriteError{Op: "append", Path: s.path, Err: err}
	}
	s.dim = len(stored.Embedding)
	return stored.Clone(), nil
}

func (s *Store) LoadAll(ctx context.Context) (domain.LoadResult, error) {
	res, err := s.load(ctx)
	if err != nil {
		return domain.LoadResult{}, err
	}
	if res.Skipped > 0 {
		s.log.Warn().Int("skipped", res.Skipped).Int("loaded", len(res.Chunks)).Msg("skipped invalid rows")
	}
	return res, nil
}

func (s *Store) load(ctx context.Context) (domain.LoadResult, error) {
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, `SELECT seq, id, doc, text, embedding FROM chunks ORDER BY seq`); err != nil {
		return domain.LoadResult{}, fmt.Errorf("select chunks: %w", err)
	}
	res := domain.LoadResult{Chunks: make([]domain.Chunk, 0, len(rows))}
	dim := 0
	for _, r := range rows {
		rec := vectorstore.Record{ID: r.ID, Doc: r.Doc, Text: r.Text}
		err := json.Unmarshal([]byte(r.Embedding), &rec.Embedding)
		if err == nil {
			err = vectorstore.CheckRecord(rec, dim)
		}
		if err != nil {
			s.log.Debug().Int64("seq", r.Seq).Err(err).Msg("invalid row")
			res.Skipped++
			continue
		}
		if dim == 0 {
			dim = len(rec.Embedding)
		}
		res.Chunks = append(res.Chunks, rec.Chunk())
	}
	return res, nil
}

func (s *Store) DeleteDocument(ctx context.Context, doc string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE doc = ?`, doc)
	if err != nil {
		return 0, &domain.StoreWriteError{Op: "delete", Path: s.path, Err: err}
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, &domain.StoreWriteError{Op: "delete", Path: s.path, Err: err}
	}
	// the remaining rows may all be gone; rediscover the dimension lazily
	s.dim = 0
	return int(n), nil
}

func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chunks`); err != nil {
		return &domain.StoreWriteError{Op: "clear", Path: s.path, Err: err}
	}
	s.dim = 0
	return nil
}
