package raffle

import (
	"context"
	"sync"
)

// Journal persists raffle events. Append must be durable before it returns;
// the raffle applies an event to memory only after a successful append.
type Journal interface {
	// Append stores evt and returns it with its sequence number assigned.
	Append(ctx context.Context, evt Event) (Event, error)
	// Load returns events with Seq > afterSeq in sequence order.
	Load(ctx context.Context, afterSeq uint64) ([]Event, error)
}

// MemoryJournal is an in-memory Journal for tests and development.
type MemoryJournal struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemoryJournal creates an empty journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{}
}

func (j *MemoryJournal) Append(ctx context.Context, evt Event) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	evt.Seq = uint64(len(j.events)) + 1
	j.events = append(j.events, evt)
	return evt, nil
}

func (j *MemoryJournal) Load(ctx context.Context, afterSeq uint64) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	j.mu.RLock()
	defer j.mu.RUnlock()

	if afterSeq >= uint64(len(j.events)) {
		return nil, nil
	}
	out := make([]Event, len(j.events)-int(afterSeq))
	copy(out, j.events[afterSeq:])
	return out, nil
}

// Len reports the number of stored events.
func (j *MemoryJournal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.events)
}
