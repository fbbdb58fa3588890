package events

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, sub *Subscription, n int) []Chunk {
	t.Helper()
	var chunks []Chunk
	timeout := time.After(2 * time.Second)
	for len(chunks) < n {
		select {
		case chunk, ok := <-sub.Ch():
			if !ok {
				return chunks
			}
			chunks = append(chunks, chunk)
		case <-timeout:
			t.Fatalf("timed out waiting for %d chunks, got %d", n, len(chunks))
		}
	}
	return chunks
}

func TestPublishAssignsMonotonicIndexes(t *testing.T) {
	bus := NewBus()
	for i := 0; i < 5; i++ {
		assert.Equal(t, i, bus.Publish(fmt.Sprintf("line %d\n", i)))
	}
	assert.Equal(t, 5, bus.Len())
}

func TestSubscribeSeesEveryChunkExactlyOnce(t *testing.T) {
	bus := NewBus()
	bus.Publish("a")
	bus.Publish("b")

	snapshot, sub := bus.Subscribe()
	defer sub.Cancel()
	require.Len(t, snapshot, 2)

	bus.Publish("c")
	bus.Publish("d")

	live := collect(t, sub, 2)

	seen := make(map[int]bool)
	for _, chunk := range append(snapshot, live...) {
		assert.False(t, seen[chunk.Index], "chunk %d delivered twice", chunk.Index)
		seen[chunk.Index] = true
	}
	for i := 0; i < 4; i++ {
		assert.True(t, seen[i], "chunk %d missing", i)
	}
}

func TestSubscribeAfterCloseReplaysAndEnds(t *testing.T) {
	bus := NewBus()
	bus.Publish("a")
	bus.Publish("b")
	bus.Close()

	snapshot, sub := bus.Subscribe()
	assert.Len(t, snapshot, 2)

	_, open := <-sub.Ch()
	assert.False(t, open, "live channel should already be closed")
}

func TestCloseEndsSubscribers(t *testing.T) {
	bus := NewBus()
	_, sub := bus.Subscribe()

	bus.Close()
	_, open := <-sub.Ch()
	assert.False(t, open)

	// Publish after close is a no-op
	assert.Equal(t, -1, bus.Publish("late"))
	assert.Equal(t, 0, bus.Len())
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	bus := NewBus()
	_, slow := bus.Subscribe()

	// Never read from slow; overflow its buffer
	for i := 0; i < subscriberBuffer+10; i++ {
		bus.Publish("x")
	}

	assert.Equal(t, 0, bus.SubscriberCount())
	// The dropped subscriber's channel is closed after it drains
	drained := 0
	for range slow.Ch() {
		drained++
	}
	assert.Equal(t, subscriberBuffer, drained)
	assert.False(t, bus.Closed(), "dropping a subscriber must not close the bus")
}

func TestCancelDetachesOnlyOneSubscriber(t *testing.T) {
	bus := NewBus()
	_, a := bus.Subscribe()
	_, b := bus.Subscribe()

	a.Cancel()
	a.Cancel() // safe to repeat

	bus.Publish("x")
	chunks := collect(t, b, 1)
	assert.Equal(t, "x", chunks[0].Data)
	assert.Equal(t, 1, bus.SubscriberCount())
	b.Cancel()
}

func TestHubLifecycle(t *testing.T) {
	hub := NewHub()

	bus := hub.Open(1)
	same := hub.Open(1)
	assert.Same(t, bus, same)

	got, ok := hub.Get(1)
	require.True(t, ok)
	assert.Same(t, bus, got)

	// Release keeps a bus that is still open
	hub.Release(1)
	_, ok = hub.Get(1)
	assert.True(t, ok)

	// Release keeps a closed bus with subscribers
	_, sub := bus.Subscribe()
	bus.Close()
	hub.Release(1)
	_, ok = hub.Get(1)
	assert.True(t, ok)

	// Closed and drained: released
	sub.Cancel()
	hub.Release(1)
	_, ok = hub.Get(1)
	assert.False(t, ok)
}
