package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/motech/platform/internal/shared/config"
	"github.com/motech/platform/internal/shared/metrics"
	nats "github.com/nats-io/go-nats"
	"github.com/rs/zerolog"
)

// NATSBus relays events over NATS subjects <prefix>.<subject>. Subscribers
// sharing a consumer name form a queue group, so each event is handled once
// per consumer.
type NATSBus struct {
	conn   *nats.Conn
	prefix string
	logger zerolog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

func NewNATSBus(cfg config.NATSConfig, logger zerolog.Logger) (*NATSBus, error) {
	opts := []nats.Option{nats.Name("motech-platform")}
	if cfg.ConnectWait > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnectWait))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return newNATSBus(conn, cfg.SubjectPrefix, logger), nil
}

func newNATSBus(conn *nats.Conn, prefix string, logger zerolog.Logger) *NATSBus {
	if prefix == "" {
		prefix = "motech"
	}
	return &NATSBus{
		conn:   conn,
		prefix: prefix,
		logger: logger.With().Str("component", "nats_bus").Logger(),
	}
}

func (b *NATSBus) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.conn.Publish(b.prefix+"."+event.Subject, data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	metrics.RecordEventPublished("nats", event.Subject)
	return nil
}

func (b *NATSBus) Subscribe(ctx context.Context, pattern string, consumerName string, handler Handler) error {
	subject := patternToNATS(b.prefix, pattern)

	sub, err := b.conn.QueueSubscribe(subject, consumerName, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Error().Err(err).Str("subject", msg.Subject).Msg("failed to unmarshal event")
			return
		}
		// NATS wildcards are token based; re-check with relay semantics.
		if !MatchesPattern(event.Subject, pattern) {
			return
		}

		err := handler(ctx, event)
		metrics.RecordEventHandled(consumerName, err)
		if err != nil {
			b.logger.Error().Err(err).Str("event_id", event.ID).Str("consumer", consumerName).Msg("handler error")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return nil
}

func (b *NATSBus) Close() {
	b.mu.Lock()
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	b.mu.Unlock()

	if b.conn != nil {
		b.conn.Close()
	}
}

func (b *NATSBus) Health() error {
	if b.conn == nil || !b.conn.IsConnected() {
		return errors.New("NATS connection is not established")
	}
	return nil
}
