// Package redis forwards committed raffle events to a Redis pub/sub channel
// so out-of-process watchers can follow the raffle.
package redis

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/go-redis/redis/v8"

	"github.com/R3E-Network/raffle_layer/pkg/logger"
	"github.com/R3E-Network/raffle_layer/services/raffle"
)

// DefaultChannel is the pub/sub channel events are published to.
const DefaultChannel = "raffle:events"

// Client is the subset of the go-redis client the publisher uses.
type Client interface {
	Publish(ctx context.Context, channel string, message interface{}) *goredis.IntCmd
}

var _ Client = (*goredis.Client)(nil)

// Source is where events come from: the live bus plus the journal for
// catching up.
type Source interface {
	Bus() *raffle.EventBus
	Events(ctx context.Context, afterSeq uint64) ([]raffle.Event, error)
}

// Publisher relays events from a Source to Redis.
type Publisher struct {
	client  Client
	channel string
	buffer  int
	log     *logger.Logger
}

// New creates a publisher on channel, or DefaultChannel when empty.
func New(client Client, channel string, log *logger.Logger) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	if log == nil {
		log = logger.NewDefault("raffle-redis")
	}
	return &Publisher{client: client, channel: channel, buffer: 256, log: log}
}

// Channel returns the pub/sub channel name.
func (p *Publisher) Channel() string {
	return p.channel
}

// Publish sends one event.
func (p *Publisher) Publish(ctx context.Context, evt raffle.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event %d: %w", evt.Seq, err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish event %d: %w", evt.Seq, err)
	}
	return nil
}

// Run relays events with Seq > afterSeq until ctx is done. When the bus
// drops the publisher for falling behind, it catches up from the journal and
// subscribes again, so every event is published once and in order.
func (p *Publisher) Run(ctx context.Context, src Source, afterSeq uint64) error {
	last := afterSeq
	for {
		ch, cancel := src.Bus().Subscribe(p.buffer)

		backlog, err := src.Events(ctx, last)
		if err != nil {
			cancel()
			return fmt.Errorf("catch up from %d: %w", last, err)
		}
		for _, evt := range backlog {
			last = p.relay(ctx, evt, last)
		}

		dropped := false
		for !dropped {
			select {
			case <-ctx.Done():
				cancel()
				return ctx.Err()
			case evt, ok := <-ch:
				if !ok {
					dropped = true
					continue
				}
				last = p.relay(ctx, evt, last)
			}
		}
		cancel()
		p.log.WithField("last_seq", last).Warn("event bus dropped publisher; resyncing from journal")
	}
}

func (p *Publisher) relay(ctx context.Context, evt raffle.Event, last uint64) uint64 {
	if evt.Seq <= last {
		return last
	}
	if err := p.Publish(ctx, evt); err != nil {
		// Redis is a best-effort mirror; the journal stays authoritative.
		p.log.WithError(err).WithField("seq", evt.Seq).Warn("failed to publish raffle event")
	}
	return evt.Seq
}
