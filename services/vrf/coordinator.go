package vrf

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/crypto/sha3"

	"github.com/R3E-Network/raffle_layer/internal/metrics"
	"github.com/R3E-Network/raffle_layer/pkg/logger"
	"github.com/R3E-Network/raffle_layer/services/raffle"
)

const defaultQueueSize = 128

// Config holds coordinator configuration.
type Config struct {
	// Seed keys word derivation. An empty seed is replaced by random bytes.
	Seed []byte
	// AutoFulfill queues every request for the background fulfiller.
	AutoFulfill bool
	// FulfillDelay is waited before each background delivery.
	FulfillDelay time.Duration
	QueueSize    int
}

// Coordinator implements raffle.Coordinator for development and tests.
type Coordinator struct {
	mu       sync.Mutex
	cfg      Config
	seed     []byte
	nextID   raffle.RequestID
	requests map[raffle.RequestID]*Request

	clock clock.Clock
	log   *logger.Logger

	pendingRequests chan raffle.RequestID
	stopCh          chan struct{}
	stopOnce        sync.Once
	wg              sync.WaitGroup
}

var _ raffle.Coordinator = (*Coordinator)(nil)

// New creates a coordinator.
func New(cfg Config, log *logger.Logger) (*Coordinator, error) {
	if log == nil {
		log = logger.NewDefault("vrf")
	}
	seed := append([]byte(nil), cfg.Seed...)
	if len(seed) == 0 {
		seed = make([]byte, 32)
		if _, err := rand.Read(seed); err != nil {
			return nil, fmt.Errorf("vrf: generate seed: %w", err)
		}
		log.Warn("VRF seed not configured; generating ephemeral seed (development/testing only)")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}

	return &Coordinator{
		cfg:             cfg,
		seed:            seed,
		requests:        make(map[raffle.RequestID]*Request),
		clock:           clock.New(),
		log:             log,
		pendingRequests: make(chan raffle.RequestID, cfg.QueueSize),
		stopCh:          make(chan struct{}),
	}, nil
}

// WithClock replaces the clock used for timestamps and delivery delays.
func (c *Coordinator) WithClock(clk clock.Clock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock = clk
}

// RequestRandomWords records a pending request for consumer and returns its
// id. It never calls the consumer.
func (c *Coordinator) RequestRandomWords(ctx context.Context, params raffle.RequestParams, consumer raffle.Consumer) (raffle.RequestID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if consumer == nil {
		return 0, fmt.Errorf("%w: consumer is required", ErrInvalidParams)
	}
	if params.NumWords < 1 || params.NumWords > raffle.MaxNumWords {
		metrics.RecordVRFRequest("invalid")
		return 0, fmt.Errorf("%w: num_words must be between 1 and %d", ErrInvalidParams, raffle.MaxNumWords)
	}
	if params.CallbackGasLimit == 0 {
		metrics.RecordVRFRequest("invalid")
		return 0, fmt.Errorf("%w: callback_gas_limit must be positive", ErrInvalidParams)
	}

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.requests[id] = &Request{
		ID:        id,
		Params:    params,
		Status:    RequestStatusPending,
		CreatedAt: c.clock.Now().UTC(),
		consumer:  consumer,
	}
	c.mu.Unlock()

	metrics.RecordVRFRequest("requested")
	c.log.WithField("request_id", id.String()).
		WithField("num_words", params.NumWords).
		WithField("key_hash", params.KeyHash).
		Debug("randomness requested")

	if c.cfg.AutoFulfill {
		select {
		case c.pendingRequests <- id:
		default:
			c.log.WithField("request_id", id.String()).Warn("fulfiller queue full; request must be fulfilled manually")
		}
	}
	return id, nil
}

// Fulfill derives the words for id and delivers them to consumer. A nil
// consumer means the one that made the request. Ids that were never issued
// or are already fulfilled fail with ErrNonexistentRequest before any
// consumer is called.
func (c *Coordinator) Fulfill(ctx context.Context, id raffle.RequestID, consumer raffle.Consumer) ([]raffle.RandomWord, error) {
	c.mu.Lock()
	req, ok := c.requests[id]
	if !ok || req.Status == RequestStatusFulfilled {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNonexistentRequest, id)
	}
	words := c.deriveWords(id, req.Params.NumWords)
	c.mu.Unlock()

	if err := c.deliver(ctx, id, consumer, words); err != nil {
		return nil, err
	}
	return words, nil
}

// FulfillWithWords delivers caller-chosen words for id.
func (c *Coordinator) FulfillWithWords(ctx context.Context, id raffle.RequestID, consumer raffle.Consumer, words []raffle.RandomWord) error {
	c.mu.Lock()
	req, ok := c.requests[id]
	if !ok || req.Status == RequestStatusFulfilled {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNonexistentRequest, id)
	}
	c.mu.Unlock()

	return c.deliver(ctx, id, consumer, words)
}

// deliver calls the consumer without holding the coordinator lock; the
// consumer may itself be waiting to issue a request.
func (c *Coordinator) deliver(ctx context.Context, id raffle.RequestID, consumer raffle.Consumer, words []raffle.RandomWord) error {
	c.mu.Lock()
	req := c.requests[id]
	if consumer == nil {
		consumer = req.consumer
	}
	req.Attempts++
	c.mu.Unlock()

	err := consumer.FulfillRandomWords(ctx, id, words)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		req.Error = err.Error()
		metrics.RecordVRFRequest("rejected")
		c.log.WithField("request_id", id.String()).WithError(err).Warn("consumer rejected randomness")
		return fmt.Errorf("deliver request %s: %w", id, err)
	}

	req.Status = RequestStatusFulfilled
	req.Words = words
	req.Error = ""
	req.FulfilledAt = c.clock.Now().UTC()
	metrics.RecordVRFRequest("fulfilled")
	c.log.WithField("request_id", id.String()).WithField("words", len(words)).Info("randomness delivered")
	return nil
}

// deriveWords computes keccak256(seed || id || i) for each word index.
func (c *Coordinator) deriveWords(id raffle.RequestID, n uint32) []raffle.RandomWord {
	words := make([]raffle.RandomWord, n)
	var buf [12]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(id))
	for i := uint32(0); i < n; i++ {
		binary.BigEndian.PutUint32(buf[8:], i)
		h := sha3.NewLegacyKeccak256()
		h.Write(c.seed)
		h.Write(buf[:])
		words[i].SetBytes(h.Sum(nil))
	}
	return words
}

// Get returns a copy of the request with the given id.
func (c *Coordinator) Get(id raffle.RequestID) (Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.requests[id]
	if !ok {
		return Request{}, false
	}
	out := *req
	out.Words = append([]raffle.RandomWord(nil), req.Words...)
	out.consumer = nil
	return out, true
}

// Pending lists ids that have not been fulfilled, oldest first.
func (c *Coordinator) Pending() []raffle.RequestID {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []raffle.RequestID
	for id, req := range c.requests {
		if req.Status != RequestStatusFulfilled {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Stats returns request counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	var st Stats
	for _, req := range c.requests {
		st.TotalRequests++
		switch req.Status {
		case RequestStatusFulfilled:
			st.FulfilledRequests++
		case RequestStatusFailed:
			st.FailedRequests++
		default:
			st.PendingRequests++
		}
	}
	return st
}
