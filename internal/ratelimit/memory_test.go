package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func TestMemoryFixedWindow(t *testing.T) {
	clock := newClock()
	l := NewMemoryWithClock(clock.Now)
	ctx := context.Background()

	for want := 4; want >= 0; want-- {
		res, err := l.Check(ctx, "guest:abc", time.Minute, 5)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, want, res.Remaining)
		clock.Advance(time.Second)
	}

	res, err := l.Check(ctx, "guest:abc", time.Minute, 5)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, clock.Now().Add(-5*time.Second).Add(time.Minute), res.ResetAt)

	clock.Advance(time.Minute)
	res, err = l.Check(ctx, "guest:abc", time.Minute, 5)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 4, res.Remaining)
}

func TestMemoryRejectionsAreFree(t *testing.T) {
	clock := newClock()
	l := NewMemoryWithClock(clock.Now)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := l.Check(ctx, "hook:1.2.3.4", time.Minute, 2)
		require.NoError(t, err)
	}
	for i := 0; i < 10; i++ {
		res, _ := l.Check(ctx, "hook:1.2.3.4", time.Minute, 2)
		assert.False(t, res.Allowed)
	}

	l.mu.Lock()
	assert.Equal(t, 2, l.entries["hook:1.2.3.4"].count)
	l.mu.Unlock()
}

func TestMemoryWindowBoundaryResets(t *testing.T) {
	clock := newClock()
	l := NewMemoryWithClock(clock.Now)
	ctx := context.Background()

	res, _ := l.Check(ctx, "k", time.Minute, 1)
	require.True(t, res.Allowed)

	clock.Advance(time.Minute - time.Millisecond)
	res, _ = l.Check(ctx, "k", time.Minute, 1)
	assert.False(t, res.Allowed)

	clock.Advance(time.Millisecond)
	res, _ = l.Check(ctx, "k", time.Minute, 1)
	assert.True(t, res.Allowed)
}

func TestMemoryKeysAreIndependent(t *testing.T) {
	l := NewMemory()
	ctx := context.Background()

	a, _ := l.Check(ctx, "auth:0xa:1.1.1.1", time.Minute, 1)
	b, _ := l.Check(ctx, "auth:0xb:1.1.1.1", time.Minute, 1)
	assert.True(t, a.Allowed)
	assert.True(t, b.Allowed)
}

func TestMemoryCleanup(t *testing.T) {
	clock := newClock()
	l := NewMemoryWithClock(clock.Now)
	ctx := context.Background()

	l.Check(ctx, "short", time.Second, 5)
	l.Check(ctx, "long", time.Hour, 5)
	require.Equal(t, 2, l.Size())

	assert.Equal(t, 0, l.Cleanup(clock.Now()))
	assert.Equal(t, 1, l.Cleanup(clock.Now().Add(time.Second)))
	assert.Equal(t, 1, l.Size())

	l.mu.Lock()
	_, ok := l.entries["long"]
	l.mu.Unlock()
	assert.True(t, ok)
}

func TestMemoryConcurrentAdmission(t *testing.T) {
	l := NewMemory()
	const max = 25
	var allowed int32
	var wg sync.WaitGroup

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Check(context.Background(), "guest:hot", time.Hour, max)
			if err == nil && res.Allowed {
				atomic.AddInt32(&allowed, 1)
			}
		}()
		if i%20 == 0 {
			go l.Cleanup(time.Now())
		}
	}
	wg.Wait()

	assert.EqualValues(t, max, allowed)
}

func TestResultRetryAfter(t *testing.T) {
	now := time.Now()
	r := Result{ResetAt: now.Add(30 * time.Second)}
	assert.Equal(t, 30*time.Second, r.RetryAfter(now))
	assert.Zero(t, r.RetryAfter(now.Add(time.Minute)))
}
