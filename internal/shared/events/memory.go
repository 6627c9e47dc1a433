package events

import (
	"context"
	"errors"
	"sync"

	"github.com/motech/platform/internal/shared/metrics"
	"github.com/rs/zerolog"
)

type memorySubscription struct {
	pattern  string
	consumer string
	handler  Handler
}

// MemoryBus delivers events in-process. Publish calls every matching handler
// before returning, in subscription order.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   []memorySubscription
	closed bool
	logger zerolog.Logger
}

func NewMemoryBus(logger zerolog.Logger) *MemoryBus {
	return &MemoryBus{logger: logger.With().Str("component", "memory_bus").Logger()}
}

var errBusClosed = errors.New("event bus closed")

// Publish delivers event to matching subscribers. Handler errors are logged
// and do not fail the publisher.
func (b *MemoryBus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return errBusClosed
	}
	matched := make([]memorySubscription, 0, len(b.subs))
	for _, s := range b.subs {
		if MatchesPattern(event.Subject, s.pattern) {
			matched = append(matched, s)
		}
	}
	b.mu.RUnlock()

	metrics.RecordEventPublished("memory", event.Subject)

	for _, s := range matched {
		err := s.handler(ctx, event)
		metrics.RecordEventHandled(s.consumer, err)
		if err != nil {
			b.logger.Error().Err(err).
				Str("event_id", event.ID).
				Str("subject", event.Subject).
				Str("consumer", s.consumer).
				Msg("handler error")
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, pattern string, consumerName string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errBusClosed
	}
	b.subs = append(b.subs, memorySubscription{pattern: pattern, consumer: consumerName, handler: handler})
	return nil
}

func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = nil
}

func (b *MemoryBus) Health() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errBusClosed
	}
	return nil
}
