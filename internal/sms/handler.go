package sms

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/motech/platform/internal/shared/errors"
	"github.com/motech/platform/internal/shared/events"
	"github.com/rs/zerolog"
)

// Event subjects and parameter keys.
const (
	SubjectSendSMS         = "sms.send"
	SubjectDeliveryFailure = "sms.delivery.failure"
	SubjectDeliverySuccess = "sms.delivery.success"

	ParamRecipients = "recipients"
	ParamMessage    = "message"
	ParamReason     = "reason"
	ParamAttempts   = "attempts"
)

// DeliveryFailureError means the gateway did not accept the message.
type DeliveryFailureError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *DeliveryFailureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sms delivery failed: %v", e.Err)
	}
	return fmt.Sprintf("sms delivery failed: gateway returned %d: %s", e.StatusCode, e.Body)
}

func (e *DeliveryFailureError) Unwrap() error {
	return e.Err
}

// Sender delivers one message to its recipients.
type Sender interface {
	Send(ctx context.Context, recipients []string, message string) error
}

// SendHandler sends SMS over HTTP according to the gateway template.
type SendHandler struct {
	templates *TemplateReader
	client    *http.Client
	logger    zerolog.Logger
}

func NewSendHandler(templates *TemplateReader, client *http.Client, logger zerolog.Logger) *SendHandler {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &SendHandler{
		templates: templates,
		client:    client,
		logger:    logger.With().Str("component", "sms_http").Logger(),
	}
}

// Handle processes a send event.
func (h *SendHandler) Handle(ctx context.Context, event events.Event) error {
	recipients, message, err := MessageFromEvent(event)
	if err != nil {
		return err
	}
	return h.Send(ctx, recipients, message)
}

func (h *SendHandler) Send(ctx context.Context, recipients []string, message string) error {
	template, err := h.templates.Read()
	if err != nil {
		return err
	}

	req, err := template.BuildRequest(ctx, recipients, message)
	if err != nil {
		return err
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return &DeliveryFailureError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return &DeliveryFailureError{StatusCode: resp.StatusCode, Err: err}
	}

	if !template.IsSuccess(resp.StatusCode, string(body)) {
		h.logger.Error().
			Int("status", resp.StatusCode).
			Str("body", string(body)).
			Strs("recipients", recipients).
			Msg("delivery to sms gateway failed")
		return &DeliveryFailureError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	h.logger.Info().Strs("recipients", recipients).Msg("sms sent")
	return nil
}

// MessageFromEvent extracts recipients and message. Recipients may be a
// list or a single string.
func MessageFromEvent(event events.Event) ([]string, string, error) {
	recipients := event.Strings(ParamRecipients)
	message, _ := event.String(ParamMessage)

	details := map[string]string{}
	if len(recipients) == 0 {
		details[ParamRecipients] = "required"
	}
	if strings.TrimSpace(message) == "" {
		details[ParamMessage] = "required"
	}
	if len(details) > 0 {
		return nil, "", errors.Validation("invalid sms event", details)
	}
	return recipients, message, nil
}
