package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/EventStore/EventStore-Client-Go/v4/esdb"
	"github.com/google/uuid"
	"github.com/motech/platform/internal/shared/config"
	"github.com/motech/platform/internal/shared/metrics"
	"github.com/rs/zerolog"
)

const (
	defaultStreamPrefix = "motech"
	kurrentHealthWait   = 5 * time.Second
	idleBackoff         = 10 * time.Millisecond
)

// Bus relays events through KurrentDB. Each subject is appended to its own
// stream (sms.send -> motech-sms-send).
type Bus struct {
	client *esdb.Client
	prefix string
	logger zerolog.Logger
}

// NewBus creates a KurrentDB client. The connection is lazy; call Health to
// verify it.
func NewBus(ctx context.Context, cfg config.KurrentDBConfig, logger zerolog.Logger) (*Bus, error) {
	settings, err := esdb.ParseConnectionString(BuildConnectionString(cfg))
	if err != nil {
		return nil, fmt.Errorf("parse kurrentdb connection string: %w", err)
	}
	client, err := esdb.NewClient(settings)
	if err != nil {
		return nil, fmt.Errorf("create kurrentdb client: %w", err)
	}

	prefix := cfg.StreamPrefix
	if prefix == "" {
		prefix = defaultStreamPrefix
	}
	return &Bus{
		client: client,
		prefix: prefix,
		logger: logger.With().Str("component", "kurrentdb_bus").Logger(),
	}, nil
}

// BuildConnectionString renders cfg as an esdb:// URL.
func BuildConnectionString(cfg config.KurrentDBConfig) string {
	var b strings.Builder
	b.WriteString("esdb://")
	if cfg.Username != "" && cfg.Password != "" {
		b.WriteString(cfg.Username + ":" + cfg.Password + "@")
	}
	fmt.Fprintf(&b, "%s:%d", cfg.Host, cfg.Port)
	if cfg.Insecure {
		b.WriteString("?" + strings.Join([]string{
			"tls=false",
			"tlsVerifyCert=false",
			"keepAliveInterval=10000",
			"keepAliveTimeout=10000",
			"discoveryInterval=100",
			"maxDiscoverAttempts=3",
			"gossipTimeout=5",
		}, "&"))
	}
	return b.String()
}

// StreamName maps a subject to its stream.
func (b *Bus) StreamName(subject string) string {
	return b.prefix + "-" + normalizeSubject(subject)
}

func (b *Bus) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.Subject, err)
	}
	eventID, err := uuid.Parse(event.ID)
	if err != nil {
		eventID = uuid.New()
	}

	_, err = b.client.AppendToStream(ctx, b.StreamName(event.Subject),
		esdb.AppendToStreamOptions{ExpectedRevision: esdb.Any{}},
		esdb.EventData{
			EventID:     eventID,
			EventType:   event.Subject,
			ContentType: esdb.ContentTypeJson,
			Data:        data,
		})
	if err != nil {
		return fmt.Errorf("append %s: %w", event.Subject, err)
	}
	metrics.RecordEventPublished("kurrentdb", event.Subject)
	return nil
}

// Subscribe attaches handler to subjects matching pattern.
//
//   - "*" uses a persistent subscription on $all named consumer, shared by
//     every platform instance.
//   - An exact subject (sms.send) reads its own stream from the end.
//   - Other wildcards (mds.crud.*) use a filtered catch-up subscription on $all.
func (b *Bus) Subscribe(ctx context.Context, pattern string, consumer string, handler Handler) error {
	switch {
	case pattern == "*" || pattern == ">":
		return b.subscribePersistent(ctx, pattern, consumer, handler)
	case !strings.Contains(pattern, "*"):
		sub, err := b.client.SubscribeToStream(ctx, b.StreamName(pattern), esdb.SubscribeToStreamOptions{
			From: esdb.End{},
		})
		if err != nil {
			return fmt.Errorf("subscribe to %s: %w", pattern, err)
		}
		go b.consume(ctx, sub, pattern, consumer, handler)
		return nil
	default:
		sub, err := b.client.SubscribeToAll(ctx, esdb.SubscribeToAllOptions{
			From: esdb.End{},
			Filter: &esdb.SubscriptionFilter{
				Type:  esdb.EventFilterType,
				Regex: patternToRegex(pattern),
			},
		})
		if err != nil {
			return fmt.Errorf("subscribe to %s: %w", pattern, err)
		}
		go b.consume(ctx, sub, pattern, consumer, handler)
		return nil
	}
}

func (b *Bus) subscribePersistent(ctx context.Context, pattern, consumer string, handler Handler) error {
	settings := esdb.SubscriptionSettingsDefault()
	settings.ResolveLinkTos = true

	err := b.client.CreatePersistentSubscriptionToAll(ctx, consumer, esdb.PersistentAllSubscriptionOptions{
		Settings:  &settings,
		StartFrom: esdb.End{},
	})
	if err != nil {
		if esdbErr, ok := esdb.FromError(err); !ok && esdbErr.Code() != esdb.ErrorCodeResourceAlreadyExists {
			return fmt.Errorf("create persistent subscription %s: %w", consumer, err)
		}
	}

	sub, err := b.client.SubscribeToPersistentSubscriptionToAll(ctx, consumer, esdb.SubscribeToPersistentSubscriptionOptions{})
	if err != nil {
		return fmt.Errorf("join persistent subscription %s: %w", consumer, err)
	}
	go b.consumePersistent(ctx, sub, pattern, consumer, handler)
	return nil
}

// dispatch runs handler for recorded when it carries a subject matching
// pattern. skipped is true for system events and other subjects.
func (b *Bus) dispatch(ctx context.Context, recorded *esdb.RecordedEvent, pattern, consumer string, handler Handler) (skipped bool, err error) {
	if recorded == nil || strings.HasPrefix(recorded.EventType, "$") || !MatchesPattern(recorded.EventType, pattern) {
		return true, nil
	}
	event, err := recordedEventToEvent(recorded)
	if err != nil {
		b.logger.Error().Err(err).Str("stream", recorded.StreamID).Msg("undecodable event")
		return false, err
	}

	err = handler(ctx, event)
	metrics.RecordEventHandled(consumer, err)
	if err != nil {
		b.logger.Error().Err(err).
			Str("event_id", event.ID).
			Str("subject", event.Subject).
			Str("consumer", consumer).
			Msg("handler failed")
	}
	return false, err
}

func (b *Bus) consume(ctx context.Context, sub *esdb.Subscription, pattern, consumer string, handler Handler) {
	defer sub.Close()

	for ctx.Err() == nil {
		msg := sub.Recv()
		if msg.SubscriptionDropped != nil {
			b.logger.Warn().Err(msg.SubscriptionDropped.Error).Str("consumer", consumer).Msg("subscription dropped")
			return
		}
		if msg.EventAppeared == nil {
			time.Sleep(idleBackoff)
			continue
		}
		// Catch-up subscriptions have no ack; failures are logged in dispatch.
		_, _ = b.dispatch(ctx, msg.EventAppeared.Event, pattern, consumer, handler)
	}
}

func (b *Bus) consumePersistent(ctx context.Context, sub *esdb.PersistentSubscription, pattern, consumer string, handler Handler) {
	defer sub.Close()

	for ctx.Err() == nil {
		msg := sub.Recv()
		if msg.SubscriptionDropped != nil {
			b.logger.Warn().Err(msg.SubscriptionDropped.Error).Str("consumer", consumer).Msg("subscription dropped")
			return
		}
		if msg.EventAppeared == nil || msg.EventAppeared.Event == nil {
			continue
		}

		resolved := msg.EventAppeared.Event
		skipped, err := b.dispatch(ctx, resolved.Event, pattern, consumer, handler)
		switch {
		case skipped || err == nil:
			sub.Ack(resolved)
		case msg.EventAppeared.RetryCount >= maxPersistentRetries:
			sub.Nack(err.Error(), esdb.NackActionPark, resolved)
		default:
			sub.Nack(err.Error(), esdb.NackActionRetry, resolved)
		}
	}
}

// maxPersistentRetries parks an event after this many redeliveries.
const maxPersistentRetries = 5

func recordedEventToEvent(recorded *esdb.RecordedEvent) (Event, error) {
	var event Event
	if err := json.Unmarshal(recorded.Data, &event); err != nil {
		return Event{}, fmt.Errorf("decode %s: %w", recorded.EventType, err)
	}
	if event.ID == "" {
		event.ID = recorded.EventID.String()
	}
	if event.Subject == "" {
		event.Subject = recorded.EventType
	}
	return event, nil
}

func (b *Bus) Close() {
	if b.client != nil {
		b.client.Close()
	}
}

// Client exposes the connection so MDS history can share it.
func (b *Bus) Client() *esdb.Client {
	return b.client
}

// Health reads one event from $streams.
func (b *Bus) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), kurrentHealthWait)
	defer cancel()

	stream, err := b.client.ReadStream(ctx, "$streams", esdb.ReadStreamOptions{
		From:      esdb.Start{},
		Direction: esdb.Forwards,
	}, 1)
	if err != nil {
		return fmt.Errorf("kurrentdb health check: %w", err)
	}
	stream.Close()
	return nil
}
