package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusFiltersBySession(t *testing.T) {
	b := NewBus()
	mine, cancelMine := b.Subscribe("s1", 4)
	all, cancelAll := b.Subscribe("", 4)
	defer cancelMine()
	defer cancelAll()

	b.Publish(Event{Type: TypeStatusChanged, SessionID: "s1"})
	b.Publish(Event{Type: TypeStatusChanged, SessionID: "s2"})

	require.Len(t, mine, 1)
	assert.Equal(t, "s1", (<-mine).SessionID)
	assert.Len(t, all, 2)
}

func TestBusDropsWhenFull(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe("s1", 1)
	defer cancel()

	b.Publish(Event{SessionID: "s1", Balance: "1.00"})
	b.Publish(Event{SessionID: "s1", Balance: "2.00"})

	assert.Equal(t, "1.00", (<-ch).Balance)
	assert.Len(t, ch, 0)
	assert.EqualValues(t, 1, b.Dropped())
}

func TestCancelClosesChannel(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe("s1", 1)
	require.Equal(t, 1, b.Subscribers())

	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	assert.Zero(t, b.Subscribers())

	b.Publish(Event{SessionID: "s1"})
}
