package sms

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/motech/platform/internal/shared/config"
	"github.com/motech/platform/internal/shared/events"
	"github.com/motech/platform/internal/shared/metrics"
	"github.com/motech/platform/internal/shared/types"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Message is one queued SMS.
type Message struct {
	ID            string    `json:"id"`
	Recipients    []string  `json:"recipients"`
	Text          string    `json:"message"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Status        Status    `json:"status"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"last_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type Stats struct {
	Queued int64 `json:"queued"`
	Sent   int64 `json:"sent"`
	Failed int64 `json:"failed"`
	Retry  int64 `json:"retried"`
}

// ServiceConfig holds service configuration
type ServiceConfig struct {
	Workers       int
	QueueSize     int
	MaxRetries    int
	RetryBackoff  time.Duration
	RatePerSecond float64
}

func ServiceConfigFrom(cfg config.SMSConfig) ServiceConfig {
	return ServiceConfig{
		Workers:       cfg.Workers,
		QueueSize:     cfg.QueueSize,
		MaxRetries:    cfg.MaxRetries,
		RetryBackoff:  cfg.RetryBackoff,
		RatePerSecond: cfg.RatePerSecond,
	}
}

// Service consumes send events from the bus and delivers them through a
// Sender with throttling and retries.
type Service struct {
	sender  Sender
	bus     events.EventBus
	limiter *rate.Limiter
	logger  zerolog.Logger
	config  ServiceConfig

	mu    sync.RWMutex
	stats Stats

	queue chan *Message

	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewService(sender Sender, bus events.EventBus, cfg ServiceConfig, logger zerolog.Logger) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	return &Service{
		sender:  sender,
		bus:     bus,
		limiter: rate.NewLimiter(limit, cfg.Workers),
		logger:  logger.With().Str("component", "sms_service").Logger(),
		config:  cfg,
		queue:   make(chan *Message, cfg.QueueSize),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the workers and subscribes to send events.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("service already started")
	}
	s.started = true
	s.mu.Unlock()

	for i := 0; i < s.config.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}

	if err := s.bus.Subscribe(ctx, SubjectSendSMS, "sms-http", s.handleEvent); err != nil {
		return fmt.Errorf("subscribe %s: %w", SubjectSendSMS, err)
	}
	s.logger.Info().Int("workers", s.config.Workers).Msg("sms service started")
	return nil
}

// Stop stops the workers and waits for in-flight sends to finish.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return fmt.Errorf("service not started")
	}
	s.started = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	return nil
}

func (s *Service) handleEvent(ctx context.Context, event events.Event) error {
	recipients, text, err := MessageFromEvent(event)
	if err != nil {
		s.logger.Warn().Err(err).Str("event_id", event.ID).Msg("dropping invalid sms event")
		return err
	}
	_, err = s.Enqueue(recipients, text, event.CorrelationID)
	return err
}

// Enqueue queues a message for delivery.
func (s *Service) Enqueue(recipients []string, text, correlationID string) (*Message, error) {
	now := time.Now()
	msg := &Message{
		ID:            types.NewID().String(),
		Recipients:    recipients,
		Text:          text,
		CorrelationID: correlationID,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	select {
	case s.queue <- msg:
		s.mu.Lock()
		s.stats.Queued++
		s.mu.Unlock()
		return msg, nil
	default:
		return nil, fmt.Errorf("sms queue full")
	}
}

func (s *Service) worker(ctx context.Context, id int) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case msg := <-s.queue:
			s.process(ctx, msg)
		}
	}
}

// process delivers msg, retrying with linear backoff until MaxRetries is
// exhausted.
func (s *Service) process(ctx context.Context, msg *Message) {
	var err error
	for {
		if err = s.limiter.Wait(ctx); err != nil {
			break
		}

		start := time.Now()
		msg.Attempts++
		err = s.sender.Send(ctx, msg.Recipients, msg.Text)
		if err == nil {
			metrics.RecordSMS("sent", time.Since(start))
			break
		}
		if msg.Attempts > s.config.MaxRetries {
			break
		}
		metrics.RecordSMS("retry", time.Since(start))
		s.mu.Lock()
		s.stats.Retry++
		s.mu.Unlock()

		s.logger.Warn().Err(err).Str("sms_id", msg.ID).Int("attempt", msg.Attempts).Msg("sms send failed, retrying")
		if !s.sleep(ctx, time.Duration(msg.Attempts)*s.config.RetryBackoff) {
			break
		}
	}

	msg.UpdatedAt = time.Now()
	params := map[string]any{
		ParamRecipients: msg.Recipients,
		ParamMessage:    msg.Text,
		ParamAttempts:   msg.Attempts,
	}
	subject := SubjectDeliverySuccess

	s.mu.Lock()
	if err != nil {
		msg.Status = StatusFailed
		msg.LastError = err.Error()
		s.stats.Failed++
		subject = SubjectDeliveryFailure
		params[ParamReason] = err.Error()
	} else {
		msg.Status = StatusSent
		s.stats.Sent++
	}
	s.mu.Unlock()

	if err != nil {
		metrics.RecordSMS("failed", 0)
		s.logger.Error().Err(err).Str("sms_id", msg.ID).Int("attempts", msg.Attempts).Msg("sms delivery failed")
	}

	event := events.NewEvent(subject, "sms", params).WithCorrelation(msg.CorrelationID)
	if pubErr := s.bus.Publish(context.WithoutCancel(ctx), event); pubErr != nil {
		s.logger.Error().Err(pubErr).Str("subject", subject).Msg("failed to publish delivery status")
	}
}

func (s *Service) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-s.stopCh:
		return false
	}
}

func (s *Service) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}
