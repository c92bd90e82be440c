package raffle

import (
	"context"
	"errors"
	"sync"

	"cosmossdk.io/math"
)

// MockCoordinator hands out sequential request ids and records every call.
// It never calls back; tests deliver words through Deliver.
type MockCoordinator struct {
	mu       sync.Mutex
	nextID   RequestID
	Requests []RequestParams
	consumer Consumer
	// Err, when set, is returned by the next RequestRandomWords call.
	Err error
	// FixedID, when non-zero, is returned instead of the next sequential id.
	FixedID RequestID
}

// NewMockCoordinator creates a coordinator whose first id is 1.
func NewMockCoordinator() *MockCoordinator {
	return &MockCoordinator{}
}

func (m *MockCoordinator) RequestRandomWords(_ context.Context, params RequestParams, consumer Consumer) (RequestID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		err := m.Err
		m.Err = nil
		return 0, err
	}
	m.Requests = append(m.Requests, params)
	m.consumer = consumer
	if m.FixedID != 0 {
		return m.FixedID, nil
	}
	m.nextID++
	return m.nextID, nil
}

// LastID returns the most recently issued sequential id.
func (m *MockCoordinator) LastID() RequestID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextID
}

// Deliver sends words for id to the last consumer that made a request.
func (m *MockCoordinator) Deliver(ctx context.Context, id RequestID, words ...uint64) error {
	m.mu.Lock()
	consumer := m.consumer
	m.mu.Unlock()
	if consumer == nil {
		return errors.New("no consumer registered")
	}
	return consumer.FulfillRandomWords(ctx, id, Words(words...))
}

// Words builds random words from small integers.
func Words(values ...uint64) []RandomWord {
	out := make([]RandomWord, len(values))
	for i, v := range values {
		out[i].SetUint64(v)
	}
	return out
}

// Payment is one transfer seen by MockPayer.
type Payment struct {
	Recipient Participant
	Amount    math.Int
}

// MockPayer records transfers. Set Err to make them fail.
type MockPayer struct {
	mu       sync.Mutex
	Err      error
	Payments []Payment
}

func NewMockPayer() *MockPayer {
	return &MockPayer{}
}

func (p *MockPayer) Pay(_ context.Context, recipient Participant, amount math.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.Payments = append(p.Payments, Payment{Recipient: recipient, Amount: amount})
	return nil
}

// Paid returns a copy of the recorded transfers.
func (p *MockPayer) Paid() []Payment {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Payment, len(p.Payments))
	copy(out, p.Payments)
	return out
}

// MockCollector accepts every fee unless Err is set and records what it took
// and what it gave back.
type MockCollector struct {
	mu        sync.Mutex
	Err       error
	Collected []Payment
	Refunded  []Payment
}

func NewMockCollector() *MockCollector {
	return &MockCollector{}
}

func (c *MockCollector) Collect(_ context.Context, from Participant, amount math.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return c.Err
	}
	c.Collected = append(c.Collected, Payment{Recipient: from, Amount: amount})
	return nil
}

func (c *MockCollector) Refund(_ context.Context, to Participant, amount math.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Refunded = append(c.Refunded, Payment{Recipient: to, Amount: amount})
	return nil
}

// Fees returns a copy of the collected fees.
func (c *MockCollector) Fees() []Payment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Payment(nil), c.Collected...)
}

// Refunds returns a copy of the refunded fees.
func (c *MockCollector) Refunds() []Payment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Payment(nil), c.Refunded...)
}

// FailingJournal wraps a journal and fails appends while Fail is set.
type FailingJournal struct {
	Journal
	mu   sync.Mutex
	fail error
}

// NewFailingJournal wraps inner, or a fresh MemoryJournal when inner is nil.
func NewFailingJournal(inner Journal) *FailingJournal {
	if inner == nil {
		inner = NewMemoryJournal()
	}
	return &FailingJournal{Journal: inner}
}

// Fail makes subsequent appends return err; nil restores normal behaviour.
func (j *FailingJournal) Fail(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.fail = err
}

func (j *FailingJournal) Append(ctx context.Context, evt Event) (Event, error) {
	j.mu.Lock()
	err := j.fail
	j.mu.Unlock()
	if err != nil {
		return Event{}, err
	}
	return j.Journal.Append(ctx, evt)
}
