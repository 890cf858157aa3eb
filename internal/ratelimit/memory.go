package ratelimit

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	count   int
	resetAt time.Time
}

// Memory is a process-local limiter.
//
// TODO: counters live in this process only, so N API replicas admit up to N*max
// per window; deployments with more than one replica should use Redis.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// NewMemoryWithClock is NewMemory with an injected time source.
func NewMemoryWithClock(now func() time.Time) *Memory {
	m := NewMemory()
	m.now = now
	return m
}

// Check applies the fixed-window rule. The lookup, comparison and increment
// run under one lock, so concurrent callers sharing a key cannot exceed max.
func (m *Memory) Check(_ context.Context, key string, window time.Duration, max int) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e, ok := m.entries[key]
	if !ok || !now.Before(e.resetAt) {
		e = &entry{count: 1, resetAt: now.Add(window)}
		m.entries[key] = e
		return Result{Allowed: true, Limit: max, Remaining: max - 1, ResetAt: e.resetAt}, nil
	}

	if e.count >= max {
		return Result{Allowed: false, Limit: max, Remaining: 0, ResetAt: e.resetAt}, nil
	}

	e.count++
	return Result{Allowed: true, Limit: max, Remaining: max - e.count, ResetAt: e.resetAt}, nil
}

// Cleanup removes every entry whose window closed at or before now and
// returns how many were removed.
func (m *Memory) Cleanup(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, e := range m.entries {
		if !e.resetAt.After(now) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed
}

// Size returns the number of tracked keys.
func (m *Memory) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
