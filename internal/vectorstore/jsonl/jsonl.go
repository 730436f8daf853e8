package jsonl

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"hybridrag/internal/domain"
	"hybridrag/internal/vectorstore"
)

// Store keeps one JSON record per line in a single append-only file.
// Writers share one mutex; readers scan the file without it and may miss a
// record that is still being written, but never return a torn one.
type Store struct {
	path string
	log  zerolog.Logger

	mu  sync.Mutex
	dim int
}

func New(path string, log zerolog.Logger) *Store {
	return &Store{path: path, log: log.With().Str("store", "jsonl").Str("path", path).Logger()}
}

func (s *Store) Path() string { return s.path }

func (s *Store) Append(ctx context.Context, chunk domain.Chunk) (domain.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return domain.Chunk{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dim == 0 {
		dim, err := s.scanDimension()
		if err != nil {
			return domain.Chunk{}, &domain.StoreWriteError{Op: "append", Path: s.path, Err: err}
		}
		s.dim = dim
	}
	stored, err := vectorstore.PrepareAppend(chunk, s.dim)
	if err != nil {
		return domain.Chunk{}, err
	}
	line, err := json.Marshal(vectorstore.NewRecord(stored))
	if err != nil {
		return domain.Chunk{}, &domain.StoreWriteError{Op: "append", Path: s.path, Err: err}
	}
	line = append(line, '\n')
	if err := s.writeLine(line); err != nil {
		return domain.Chunk{}, &domain.StoreWriteError{Op: "append", Path: s.path, Err: err}
	}
	s.dim = len(stored.Embedding)
	return stored.Clone(), nil
}

func (s *Store) writeLine(line []byte) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	torn, err := hasTornTail(f)
	if err != nil {
		f.Close()
		return err
	}
	if torn {
		s.log.Warn().Msg("terminating torn last line before append")
		line = append([]byte{'\n'}, line...)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// hasTornTail reports whether a non-empty file lacks its final newline.
func hasTornTail(f *os.File) (bool, error) {
	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	if info.Size() == 0 {
		return false, nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return false, err
	}
	return last[0] != '\n', nil
}

func (s *Store) LoadAll(ctx context.Context) (domain.LoadResult, error) {
	res := domain.LoadResult{Chunks: []domain.Chunk{}}
	tornEnd, err := s.scan(ctx, func(_ []byte, rec vectorstore.Record, valid bool) bool {
		if valid {
			res.Chunks = append(res.Chunks, rec.Chunk())
		} else {
			res.Skipped++
		}
		return true
	})
	if err != nil {
		return domain.LoadResult{}, err
	}
	if tornEnd > 0 && s.isCrashRemnant(tornEnd) {
		s.log.Warn().Int64("size", tornEnd).Msg("file ends with an unterminated record")
		res.Skipped++
	}
	if res.Skipped > 0 {
		s.log.Warn().Int("skipped", res.Skipped).Int("loaded", len(res.Chunks)).Msg("skipped invalid records")
	}
	return res, nil
}

// isCrashRemnant reports whether an unterminated tail seen by a scan that
// ended at size is left over from an earlier crash rather than a write in
// progress: no writer holds the lock and the file has not changed length.
func (s *Store) isCrashRemnant(size int64) bool {
	if !s.mu.TryLock() {
		return false
	}
	defer s.mu.Unlock()
	info, err := os.Stat(s.path)
	if err != nil {
		return false
	}
	return info.Size() == size
}

// scan calls fn for every non-blank line in file order. valid reports whether
// the line decoded into a consistent record. Returning false stops the scan.
// An invalid unterminated last line is not passed to fn; its end offset is
// returned as tornEnd instead, which is 0 when the file has no such line.
func (s *Store) scan(ctx context.Context, fn func(raw []byte, rec vectorstore.Record, valid bool) bool) (tornEnd int64, err error) {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	dim := 0
	lineNo := 0
	var offset int64
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		raw, readErr := r.ReadBytes('\n')
		offset += int64(len(raw))
		if len(raw) > 0 {
			lineNo++
			trimmed := bytes.TrimSpace(raw)
			if len(trimmed) > 0 {
				var rec vectorstore.Record
				err := json.Unmarshal(trimmed, &rec)
				if err == nil {
					err = vectorstore.CheckRecord(rec, dim)
				}
				if err != nil && readErr == io.EOF {
					// a write still in flight or a crash remnant that the
					// next append will terminate
					s.log.Debug().Int("line", lineNo).Err(err).Msg("unterminated record")
					return offset, nil
				}
				if err != nil {
					s.log.Debug().Int("line", lineNo).Err(err).Msg("invalid record")
				} else if dim == 0 {
					dim = len(rec.Embedding)
				}
				if !fn(raw, rec, err == nil) {
					return 0, nil
				}
			}
		}
		if readErr == io.EOF {
			return 0, nil
		}
		if readErr != nil {
			return 0, readErr
		}
	}
}

func (s *Store) scanDimension() (int, error) {
	dim := 0
	_, err := s.scan(context.Background(), func(_ []byte, rec vectorstore.Record, valid bool) bool {
		if valid {
			dim = len(rec.Embedding)
			return false
		}
		return true
	})
	return dim, err
}

// DeleteDocument rewrites the file without doc's records. The new contents go
// to a temporary file in the same directory which then replaces the original.
func (s *Store) DeleteDocument(ctx context.Context, doc string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kept bytes.Buffer
	removed, remaining := 0, 0
	_, err := s.scan(ctx, func(raw []byte, rec vectorstore.Record, valid bool) bool {
		if valid && rec.Doc == doc {
			removed++
			return true
		}
		if valid {
			remaining++
		}
		kept.Write(raw)
		if raw[len(raw)-1] != '\n' {
			kept.WriteByte('\n')
		}
		return true
	})
	if err != nil {
		return 0, &domain.StoreWriteError{Op: "delete", Path: s.path, Err: err}
	}
	if removed == 0 {
		return 0, nil
	}
	if err := s.replace(kept.Bytes()); err != nil {
		return 0, &domain.StoreWriteError{Op: "delete", Path: s.path, Err: err}
	}
	if remaining == 0 {
		s.dim = 0
	}
	s.log.Info().Str("doc", doc).Int("removed", removed).Msg("document deleted")
	return removed, nil
}

func (s *Store) replace(data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(s.path), "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, s.path); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &domain.StoreWriteError{Op: "clear", Path: s.path, Err: err}
	}
	s.dim = 0
	return nil
}
