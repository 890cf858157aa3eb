// Package ledger keeps the append-only record of charges made against a
// session's off-chain balance.
package ledger

import (
	"context"
	"sync"

	"github.com/punchamoorthee/channelops/internal/domain"
)

// Sink mirrors appended entries into durable storage for auditing.
type Sink interface {
	RecordAction(ctx context.Context, sessionID string, entry domain.ActionEntry) error
}

// Ledger is an in-memory, append-only list of action entries.
// It is unbounded; trimming for display is done by Recent.
type Ledger struct {
	mu      sync.RWMutex
	entries []domain.ActionEntry
}

func New() *Ledger {
	return &Ledger{}
}

// Append adds an entry at the end of the ledger.
func (l *Ledger) Append(entry domain.ActionEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
}

// All returns a copy of every entry in insertion order.
func (l *Ledger) All() []domain.ActionEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]domain.ActionEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Recent returns up to n of the newest entries, oldest first.
func (l *Ledger) Recent(n int) []domain.ActionEntry {
	all := l.All()
	if n <= 0 || n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// TotalByType aggregates count and sum per action type.
// It is derived from All on every call so it can never drift from the entries.
func (l *Ledger) TotalByType() map[string]domain.ActionTotal {
	return Totals(l.All())
}

// Reset drops every entry. Only used when the whole session is discarded.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}

// Totals aggregates a list of entries per action type.
func Totals(entries []domain.ActionEntry) map[string]domain.ActionTotal {
	totals := make(map[string]domain.ActionTotal)
	for _, e := range entries {
		t := totals[e.Type]
		t.Count++
		t.Sum += e.Units
		totals[e.Type] = t
	}
	for k, t := range totals {
		t.Total = t.Sum.String()
		totals[k] = t
	}
	return totals
}
