package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"hybridrag/internal/domain"
	"hybridrag/internal/vectorstore"
)

const scrollPageSize = 256

var errNotFound = errors.New("not found")

// Storage is a minimal REST client to Qdrant.
// The collection uses cosine distance and is created on the first append with
// that chunk's dimension. Each point carries a seq payload so LoadAll can
// return chunks in insertion order.
type Storage struct {
	url        string
	apiKey     string
	collection string
	client     *http.Client
	log        zerolog.Logger

	mu      sync.Mutex
	ready   bool
	dim     int
	nextSeq int64
}

type Config struct {
	URL        string
	APIKey     string
	Collection string
	Timeout    time.Duration
}

func NewStorage(cfg Config, log zerolog.Logger) *Storage {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Storage{
		url:        strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		client:     &http.Client{Timeout: timeout},
		log:        log.With().Str("store", "qdrant").Str("collection", cfg.Collection).Logger(),
	}
}

type point struct {
	ID      string    `json:"id"`
	Vector  []float64 `json:"vector"`
	Payload payload   `json:"payload"`
}

type payload struct {
	Doc  string `json:"doc"`
	Text string `json:"text"`
	Seq  int64  `json:"seq"`
}

func (s *Storage) collectionURL() string {
	return fmt.Sprintf("%s/collections/%s", s.url, s.collection)
}

// init discovers an existing collection's dimension and the next sequence
// number. Callers hold s.mu.
func (s *Storage) init(ctx context.Context) error {
	if s.ready {
		return nil
	}
	var info struct {
		Result struct {
			Config struct {
				Params struct {
					Vectors struct {
						Size int `json:"size"`
					} `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}
	err := s.do(ctx, http.MethodGet, s.collectionURL(), nil, &info)
	switch {
	case errors.Is(err, errNotFound):
		s.dim, s.nextSeq = 0, 0
	case err != nil:
		return err
	default:
		s.dim = info.Result.Config.Params.Vectors.Size
		points, err := s.scroll(ctx)
		if err != nil {
			return err
		}
		s.nextSeq = 0
		for _, p := range points {
			if p.Payload.Seq >= s.nextSeq {
				s.nextSeq = p.Payload.Seq + 1
			}
		}
	}
	s.ready = true
	return nil
}

func (s *Storage) createCollection(ctx context.Context, dim int) error {
	body := map[string]any{
		"vectors": map[string]any{
			"size":     dim,
			"distance": "Cosine",
		},
	}
	if err := s.do(ctx, http.MethodPut, s.collectionURL(), body, nil); err != nil {
		return err
	}
	s.dim = dim
	return nil
}

func (s *Storage) Append(ctx context.Context, chunk domain.Chunk) (domain.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.init(ctx); err != nil {
		return domain.Chunk{}, &domain.StoreWriteError{Op: "append", Path: s.collectionURL(), Err: err}
	}
	stored, err := vectorstore.PrepareAppend(chunk, s.dim)
	if err != nil {
		return domain.Chunk{}, err
	}
	if s.dim == 0 {
		if err := s.createCollection(ctx, len(stored.Embedding)); err != nil {
			return domain.Chunk{}, &domain.StoreWriteError{Op: "append", Path: s.collectionURL(), Err: err}
		}
	}
	body := map[string]any{"points": []point{{
		ID:      stored.ID,
		Vector:  stored.Embedding,
		Payload: payload{Doc: stored.Doc, Text: stored.Text, Seq: s.nextSeq},
	}}}
	if err := s.do(ctx, http.MethodPut, s.collectionURL()+"/points?wait=true", body, nil); err != nil {
		return domain.Chunk{}, &domain.StoreWriteError{Op: "append", Path: s.collectionURL(), Err: err}
	}
	s.nextSeq++
	return stored.Clone(), nil
}

func (s *Storage) LoadAll(ctx context.Context) (domain.LoadResult, error) {
	points, err := s.scroll(ctx)
	if errors.Is(err, errNotFound) {
		return domain.LoadResult{Chunks: []domain.Chunk{}}, nil
	}
	if err != nil {
		return domain.LoadResult{}, err
	}
	sort.SliceStable(points, func(i, j int) bool { return points[i].Payload.Seq < points[j].Payload.Seq })

	res := domain.LoadResult{Chunks: make([]domain.Chunk, 0, len(points))}
	dim := 0
	for _, p := range points {
		rec := vectorstore.Record{ID: p.ID, Doc: p.Payload.Doc, Text: p.Payload.Text, Embedding: p.Vector}
		if err := vectorstore.CheckRecord(rec, dim); err != nil {
			s.log.Debug().Str("id", p.ID).Err(err).Msg("invalid point")
			res.Skipped++
			continue
		}
		if dim == 0 {
			dim = len(rec.Embedding)
		}
		res.Chunks = append(res.Chunks, rec.Chunk())
	}
	if res.Skipped > 0 {
		s.log.Warn().Int("skipped", res.Skipped).Int("loaded", len(res.Chunks)).Msg("skipped invalid points")
	}
	return res, nil
}

// scroll pages through every point of the collection.
func (s *Storage) scroll(ctx context.Context) ([]point, error) {
	var all []point
	var offset any
	for {
		req := map[string]any{
			"limit":        scrollPageSize,
			"with_payload": true,
			"with_vector":  true,
		}
		if offset != nil {
			req["offset"] = offset
		}
		var resp struct {
			Result struct {
				Points         []json.RawMessage `json:"points"`
				NextPageOffset any               `json:"next_page_offset"`
			} `json:"result"`
		}
		if err := s.do(ctx, http.MethodPost, s.collectionURL()+"/points/scroll", req, &resp); err != nil {
			return nil, err
		}
		for _, raw := range resp.Result.Points {
			all = append(all, decodePoint(raw))
		}
		if resp.Result.NextPageOffset == nil {
			return all, nil
		}
		offset = resp.Result.NextPageOffset
	}
}

// decodePoint tolerates numeric ids and malformed vectors; CheckRecord
// rejects what cannot be used.
func decodePoint(raw json.RawMessage) point {
	var p struct {
		ID      any             `json:"id"`
		Vector  json.RawMessage `json:"vector"`
		Payload payload         `json:"payload"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return point{}
	}
	out := point{Payload: p.Payload}
	switch id := p.ID.(type) {
	case string:
		out.ID = id
	case float64:
		out.ID = fmt.Sprintf("%d", int64(id))
	}
	_ = json.Unmarshal(p.Vector, &out.Vector)
	return out
}

func (s *Storage) DeleteDocument(ctx context.Context, doc string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	filter := map[string]any{
		"must": []map[string]any{{"key": "doc", "match": map[string]any{"value": doc}}},
	}
	var counted struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	err := s.do(ctx, http.MethodPost, s.collectionURL()+"/points/count", map[string]any{"filter": filter, "exact": true}, &counted)
	if errors.Is(err, errNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, &domain.StoreWriteError{Op: "delete", Path: s.collectionURL(), Err: err}
	}
	if counted.Result.Count == 0 {
		return 0, nil
	}
	if err := s.do(ctx, http.MethodPost, s.collectionURL()+"/points/delete?wait=true", map[string]any{"filter": filter}, nil); err != nil {
		return 0, &domain.StoreWriteError{Op: "delete", Path: s.collectionURL(), Err: err}
	}
	return counted.Result.Count, nil
}

// Clear drops the collection; the next append recreates it.
func (s *Storage) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.do(ctx, http.MethodDelete, s.collectionURL(), nil, nil)
	if err != nil && !errors.Is(err, errNotFound) {
		return &domain.StoreWriteError{Op: "clear", Path: s.collectionURL(), Err: err}
	}
	s.ready = false
	s.dim = 0
	s.nextSeq = 0
	return nil
}

func (s *Storage) do(ctx context.Context, method, url string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("qdrant %s %s: %w", method, url, errNotFound)
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("qdrant %s %s failed: %s: %s", method, url, resp.Status, strings.TrimSpace(string(msg)))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
