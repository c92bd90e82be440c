package raffle

import (
	"sync"
	"time"

	"cosmossdk.io/math"
	"github.com/google/uuid"
)

// EventType names a journaled raffle event.
type EventType string

const (
	EventDeployed       EventType = "raffle.deployed"
	EventEntered        EventType = "raffle.entered"
	EventCloseRequested EventType = "raffle.close_requested"
	EventWinnerPicked   EventType = "raffle.winner_picked"
	EventWithdrawn      EventType = "raffle.withdrawn"
	EventPayoutFailed   EventType = "raffle.payout_failed"
)

// Event is the single record type of the raffle journal. Only the fields
// relevant to Type are set.
type Event struct {
	Seq  uint64    `json:"seq"`
	ID   string    `json:"id"`
	Type EventType `json:"type"`
	At   time.Time `json:"at"`

	Participant Participant   `json:"participant,omitempty"`
	Amount      math.Int      `json:"amount"`
	RequestID   RequestID     `json:"request_id,omitempty"`
	WinnerIndex uint64        `json:"winner_index,omitempty"`
	Round       uint64        `json:"round,omitempty"`
	EntranceFee math.Int      `json:"entrance_fee"`
	Interval    time.Duration `json:"interval,omitempty"`
	Reason      string        `json:"reason,omitempty"`
}

func newEvent(typ EventType, at time.Time) Event {
	return Event{
		ID:          uuid.NewString(),
		Type:        typ,
		At:          at.UTC(),
		Amount:      math.ZeroInt(),
		EntranceFee: math.ZeroInt(),
	}
}

// EventBus fans committed events out to in-process subscribers in commit
// order. Publish never blocks: a subscriber whose buffer is full is dropped
// and its channel closed, after which it must resync from the journal.
type EventBus struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]chan Event
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[uint64]chan Event)}
}

// Subscribe registers a subscriber with the given buffer size. The returned
// cancel func is idempotent.
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

// Publish delivers evt to every subscriber.
func (b *EventBus) Publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			delete(b.subs, id)
			close(ch)
		}
	}
}

// Subscribers reports the number of live subscribers.
func (b *EventBus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
