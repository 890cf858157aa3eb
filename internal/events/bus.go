// Package events carries typed session events from the session layer to
// subscribers such as the WebSocket stream.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/punchamoorthee/channelops/internal/domain"
)

type Type string

const (
	TypeStatusChanged Type = "status_changed"
	TypeActionCharged Type = "action_charged"
	TypeSessionClosed Type = "session_closed"
)

// Event is the fixed schema published on the bus.
type Event struct {
	Type      Type                 `json:"type"`
	SessionID string               `json:"session_id"`
	Status    domain.SessionStatus `json:"status"`
	Balance   string               `json:"balance"`
	Error     string               `json:"error,omitempty"`
	Action    *domain.ActionEntry  `json:"action,omitempty"`
	At        time.Time            `json:"at"`
}

// Bus is an in-process publish/subscribe hub. Publishing never blocks: a
// subscriber whose buffer is full misses the event and its drop count grows.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*subscription
}

type subscription struct {
	sessionID string
	ch        chan Event
	dropped   atomic.Int64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscription)}
}

// Subscribe returns a channel receiving events for sessionID (all sessions
// when empty) and a function that cancels the subscription and closes it.
func (b *Bus) Subscribe(sessionID string, buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscription{sessionID: sessionID, ch: make(chan Event, buffer)}
	b.subs[id] = sub

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(sub.ch)
		})
	}
}

func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.sessionID != "" && sub.sessionID != e.SessionID {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Dropped returns the number of events missed by slow subscribers.
func (b *Bus) Dropped() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var n int64
	for _, sub := range b.subs {
		n += sub.dropped.Load()
	}
	return n
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
