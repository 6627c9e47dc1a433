package events

import (
	"context"
	"fmt"
	"time"

	"github.com/motech/platform/internal/shared/config"
	"github.com/rs/zerolog"
)

// EventBus defines the interface for event publishing and subscription
type EventBus interface {
	// Publish publishes an event to the bus
	Publish(ctx context.Context, event Event) error

	// Subscribe creates a subscription to events matching a pattern
	Subscribe(ctx context.Context, pattern string, consumerName string, handler Handler) error

	// Close closes the event bus connection
	Close()

	// Health checks the event bus connection
	Health() error
}

// NewEventBus connects the transport selected by cfg.Events.Transport.
func NewEventBus(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (EventBus, error) {
	switch cfg.Events.Transport {
	case "memory":
		return NewMemoryBus(logger), nil
	case "kurrentdb":
		timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		bus, err := NewBus(timeoutCtx, cfg.KurrentDB, logger)
		if err != nil {
			return nil, err
		}
		if err := bus.Health(); err != nil {
			bus.Close()
			return nil, fmt.Errorf("KurrentDB health check failed: %w", err)
		}
		return bus, nil
	case "nats":
		return NewNATSBus(cfg.NATS, logger)
	default:
		return nil, fmt.Errorf("unknown events transport %q", cfg.Events.Transport)
	}
}

// Ensure implementations satisfy EventBus
var (
	_ EventBus = (*Bus)(nil)
	_ EventBus = (*MemoryBus)(nil)
	_ EventBus = (*NATSBus)(nil)
)
