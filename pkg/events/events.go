package events

import (
	"sync"
)

const (
	// subscriberBuffer is the per-subscriber live channel capacity. A
	// subscriber that falls this far behind is dropped, not waited on.
	subscriberBuffer = 256
)

// Chunk is one line-oriented piece of job output. Index is monotonic per
// job and is the de-duplication key across the snapshot/live boundary.
type Chunk struct {
	Index int    `json:"index"`
	Data  string `json:"data"`
}

// Subscription is one consumer's view of a job's output stream
type Subscription struct {
	bus      *Bus
	ch       chan Chunk
	cancelMu sync.Mutex
	done     bool
}

// Ch returns the live chunk channel. It is closed when the job reaches a
// terminal state, the subscription is cancelled, or the subscriber is
// dropped for falling behind.
func (s *Subscription) Ch() <-chan Chunk {
	return s.ch
}

// Cancel detaches the subscription without affecting other subscribers or
// the publisher. Safe to call multiple times.
func (s *Subscription) Cancel() {
	if s.bus != nil {
		s.bus.unsubscribe(s)
	}
}

func (s *Subscription) closeOnce() {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	if !s.done {
		s.done = true
		close(s.ch)
	}
}

// Bus is the per-job output multiplexer. The runner publishes chunks; any
// number of subscribers consume them. Publish never blocks beyond the
// bounded channel send, and a slow subscriber is dropped rather than
// stalling the runner.
type Bus struct {
	mu     sync.Mutex
	buffer []Chunk
	subs   map[*Subscription]bool
	closed bool
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{
		subs: make(map[*Subscription]bool),
	}
}

// Publish appends a chunk to the buffer and fans it out to all live
// subscribers. Returns the assigned monotonic index.
func (b *Bus) Publish(data string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return -1
	}

	chunk := Chunk{Index: len(b.buffer), Data: data}
	b.buffer = append(b.buffer, chunk)

	for sub := range b.subs {
		select {
		case sub.ch <- chunk:
		default:
			// Subscriber buffer full; drop it so the runner never blocks
			delete(b.subs, sub)
			sub.closeOnce()
		}
	}
	return chunk.Index
}

// Subscribe returns a snapshot of everything published so far plus a live
// subscription. Snapshot and registration happen under one lock, so the
// live stream begins exactly where the snapshot ends and no chunk is seen
// twice. After Close the snapshot is the full log and the live channel is
// already closed.
func (b *Bus) Subscribe() ([]Chunk, *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	snapshot := make([]Chunk, len(b.buffer))
	copy(snapshot, b.buffer)

	sub := &Subscription{bus: b, ch: make(chan Chunk, subscriberBuffer)}
	if b.closed {
		sub.closeOnce()
		return snapshot, sub
	}

	b.subs[sub] = true
	return snapshot, sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	if b.subs[sub] {
		delete(b.subs, sub)
	}
	b.mu.Unlock()
	sub.closeOnce()
}

// Close ends all subscriber streams cleanly. Publish becomes a no-op and
// later Subscribe calls replay the buffer and end immediately. Subscribers
// stay registered until they Cancel, so the hub keeps a closed bus alive
// while anyone is still draining it.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.closeOnce()
	}
}

// Closed reports whether the bus has been closed
func (b *Bus) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Len returns the number of chunks published so far
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffer)
}

// SubscriberCount returns the number of active subscribers
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Hub maps job ids to buses. Buses are created on demand by the runner and
// released once the job is terminal and no subscribers remain; late
// subscribers then fall back to the persisted output buffer.
type Hub struct {
	mu    sync.Mutex
	buses map[int64]*Bus
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{buses: make(map[int64]*Bus)}
}

// Open returns the bus for a job, creating it if needed
func (h *Hub) Open(jobID int64) *Bus {
	h.mu.Lock()
	defer h.mu.Unlock()
	bus, ok := h.buses[jobID]
	if !ok {
		bus = NewBus()
		h.buses[jobID] = bus
	}
	return bus
}

// Get returns the bus for a job if one exists
func (h *Hub) Get(jobID int64) (*Bus, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	bus, ok := h.buses[jobID]
	return bus, ok
}

// Release drops a closed bus with no remaining subscribers. Called
// opportunistically after a stream ends or a job terminates.
func (h *Hub) Release(jobID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	bus, ok := h.buses[jobID]
	if !ok {
		return
	}
	if bus.Closed() && bus.SubscriberCount() == 0 {
		delete(h.buses, jobID)
	}
}
