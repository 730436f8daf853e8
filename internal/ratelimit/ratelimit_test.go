package ratelimit

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hybridrag/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestAllow_SlidingWindow(t *testing.T) {
	clock := newFakeClock()
	l := PerMinute(3, 0, clock)

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Allow("alice"))
		clock.Advance(10 * time.Second)
	}
	err := l.Allow("alice")
	var rl *domain.RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.True(t, errors.Is(err, domain.ErrRateLimited))
	assert.Equal(t, "alice", rl.Key)
	assert.Equal(t, 30*time.Second, rl.RetryAfter)

	// other callers are independent
	assert.NoError(t, l.Allow("bob"))

	clock.Advance(30 * time.Second)
	assert.NoError(t, l.Allow("alice"), "oldest hit left the window")
	assert.Error(t, l.Allow("alice"))
}

func TestAllow_RejectedRequestsDoNotCount(t *testing.T) {
	clock := newFakeClock()
	l := PerMinute(1, 0, clock)
	require.NoError(t, l.Allow("k"))
	for i := 0; i < 5; i++ {
		clock.Advance(5 * time.Second)
		assert.Error(t, l.Allow("k"))
	}
	clock.Advance(35 * time.Second)
	assert.NoError(t, l.Allow("k"))
}

func TestAllow_Disabled(t *testing.T) {
	l := PerMinute(0, 0, newFakeClock())
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Allow("k"))
	}
	var nilLimiter *Limiter
	assert.NoError(t, nilLimiter.Allow("k"))
	assert.Zero(t, nilLimiter.Sweep())
}

func TestSweep(t *testing.T) {
	clock := newFakeClock()
	l := PerMinute(5, 0, clock)
	require.NoError(t, l.Allow("old"))
	clock.Advance(45 * time.Second)
	require.NoError(t, l.Allow("new"))
	assert.Equal(t, 2, l.Len())

	clock.Advance(20 * time.Second)
	assert.Equal(t, 1, l.Sweep())
	assert.Equal(t, 1, l.Len())
}

func TestMaxKeys_EvictsLeastRecentlyUsed(t *testing.T) {
	clock := newFakeClock()
	l := PerMinute(1, 2, clock)
	require.NoError(t, l.Allow("a"))
	require.NoError(t, l.Allow("b"))
	// touching a makes b the eviction candidate
	assert.Error(t, l.Allow("a"))
	require.NoError(t, l.Allow("c"))
	assert.Equal(t, 2, l.Len())

	assert.Error(t, l.Allow("a"), "a is still tracked")
	assert.NoError(t, l.Allow("b"), "b was evicted and starts afresh")
}

func TestMaxKeys_PrefersSweepOverEviction(t *testing.T) {
	clock := newFakeClock()
	l := PerMinute(1, 2, clock)
	require.NoError(t, l.Allow("stale"))
	clock.Advance(2 * time.Minute)
	require.NoError(t, l.Allow("live"))
	clock.Advance(time.Second)

	require.NoError(t, l.Allow("fresh"))
	assert.Error(t, l.Allow("live"), "live survived because stale was swept instead")
}

func TestAllow_Concurrent(t *testing.T) {
	l := PerMinute(50, 0, newFakeClock())
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if l.Allow("shared") == nil {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, allowed)
}
