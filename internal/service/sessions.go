package service

import (
	"context"
	"sync"
)

type inflight struct {
	id     uint64
	cancel context.CancelFunc
}

// sessions tracks the one in-flight request per caller. Entries live only
// while a request runs, so the table never outgrows the set of concurrent
// callers.
type sessions struct {
	mu     sync.Mutex
	nextID uint64
	active map[string]inflight
}

func newSessions() *sessions {
	return &sessions{active: make(map[string]inflight)}
}

// begin cancels caller's previous request and returns the context for the new
// one. finish releases the slot and reports whether the request was still the
// caller's latest.
func (s *sessions) begin(ctx context.Context, caller string) (context.Context, func() bool) {
	cctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	if prev, ok := s.active[caller]; ok {
		prev.cancel()
	}
	s.active[caller] = inflight{id: id, cancel: cancel}
	s.mu.Unlock()

	finish := func() bool {
		defer cancel()
		s.mu.Lock()
		defer s.mu.Unlock()
		cur, ok := s.active[caller]
		if !ok || cur.id != id {
			return false
		}
		delete(s.active, caller)
		return true
	}
	return cctx, finish
}

func (s *sessions) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}
