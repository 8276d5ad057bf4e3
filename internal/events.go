package internal

import (
	"sync"

	"github.com/google/uuid"
)

// PositionState is the externally visible state of one feed position.
type PositionState int

const (
	Unregistered PositionState = iota
	PositionPreloading
	PositionPreloaded
	Playing
	Paused
	PositionReleased
	PositionFailed
)

func (s PositionState) String() string {
	switch s {
	case Unregistered:
		return "unregistered"
	case PositionPreloading:
		return "preloading"
	case PositionPreloaded:
		return "preloaded"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	case PositionReleased:
		return "released"
	case PositionFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// positionStateOf maps a source readiness onto a position state.
func positionStateOf(r ReadinessState) PositionState {
	switch r {
	case Preloading:
		return PositionPreloading
	case Preloaded:
		return PositionPreloaded
	case Failed:
		return PositionFailed
	default:
		return PositionReleased
	}
}

// Event reports a change for one feed index. Ratio is the buffering
// progress towards the current preload target. LeaseID identifies the
// decoder lease for Playing, Paused and Released events.
type Event struct {
	Index      int
	ItemID     string
	Ratio      float64
	Readiness  ReadinessState
	State      PositionState
	LeaseID    uuid.UUID
	Generation uint64
	Err        error
}

// EventBus fans events out to subscribers. Publishing never blocks: a
// subscriber whose channel is full misses the event.
type EventBus struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	nextID  int
	buffer  int
	closed  bool
	dropped uint64
}

// NewEventBus creates a bus whose subscriber channels have the given capacity.
func NewEventBus(buffer int) *EventBus {
	return &EventBus{
		subs:   make(map[int]chan Event),
		buffer: buffer,
	}
}

// Subscribe returns a channel of events and a function that ends the
// subscription. The function may be called any number of times.
func (b *EventBus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers ev to every subscriber with room in its channel.
func (b *EventBus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped++
		}
	}
}

// Dropped returns the number of events lost to full subscriber channels.
func (b *EventBus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Subscribers returns the number of active subscriptions.
func (b *EventBus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends all subscriptions.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
