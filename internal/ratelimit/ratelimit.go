// Package ratelimit implements a per-key sliding-window limiter with a bounded
// key table.
package ratelimit

import (
	"container/list"
	"sync"
	"time"

	"hybridrag/internal/domain"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

const DefaultMaxKeys = 1024

type Config struct {
	// Limit is the number of requests allowed per Window. Zero disables limiting.
	Limit  int
	Window time.Duration
	// MaxKeys bounds the number of tracked callers. When full, the least
	// recently seen caller is forgotten.
	MaxKeys int
	Clock   Clock
}

type entry struct {
	key  string
	hits []time.Time
}

// Limiter admits at most Limit requests per key within any Window.
type Limiter struct {
	limit   int
	window  time.Duration
	maxKeys int
	clock   Clock

	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List
}

func New(cfg Config) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = DefaultMaxKeys
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock
	}
	return &Limiter{
		limit:   cfg.Limit,
		window:  cfg.Window,
		maxKeys: cfg.MaxKeys,
		clock:   cfg.Clock,
		entries: make(map[string]*list.Element),
		lru:     list.New(),
	}
}

// PerMinute is shorthand for a limiter of n requests per minute.
func PerMinute(n, maxKeys int, clock Clock) *Limiter {
	return New(Config{Limit: n, Window: time.Minute, MaxKeys: maxKeys, Clock: clock})
}

// Allow records a request for key, or returns a *domain.RateLimitError
// carrying the time until the oldest request in the window expires.
func (l *Limiter) Allow(key string) error {
	if l == nil || l.limit <= 0 {
		return nil
	}
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.touch(key)
	e.hits = prune(e.hits, now.Add(-l.window))
	if len(e.hits) >= l.limit {
		return &domain.RateLimitError{Key: key, RetryAfter: e.hits[0].Add(l.window).Sub(now)}
	}
	e.hits = append(e.hits, now)
	return nil
}

// touch returns key's entry, creating it and evicting the least recently used
// key when the table is full. Callers hold l.mu.
func (l *Limiter) touch(key string) *entry {
	if el, ok := l.entries[key]; ok {
		l.lru.MoveToFront(el)
		return el.Value.(*entry)
	}
	if len(l.entries) >= l.maxKeys {
		l.sweepLocked(l.clock.Now())
	}
	for len(l.entries) >= l.maxKeys {
		oldest := l.lru.Back()
		l.lru.Remove(oldest)
		delete(l.entries, oldest.Value.(*entry).key)
	}
	e := &entry{key: key}
	l.entries[key] = l.lru.PushFront(e)
	return e
}

// Sweep forgets every key with no request inside the current window and
// returns how many were removed.
func (l *Limiter) Sweep() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sweepLocked(l.clock.Now())
}

func (l *Limiter) sweepLocked(now time.Time) int {
	cutoff := now.Add(-l.window)
	removed := 0
	for el := l.lru.Back(); el != nil; {
		prev := el.Prev()
		e := el.Value.(*entry)
		e.hits = prune(e.hits, cutoff)
		if len(e.hits) == 0 {
			l.lru.Remove(el)
			delete(l.entries, e.key)
			removed++
		}
		el = prev
	}
	return removed
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// prune drops hits at or before cutoff. hits is sorted ascending.
func prune(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return hits
	}
	return append(hits[:0], hits[i:]...)
}
