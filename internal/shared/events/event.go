package events

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is a message on the relay: a dotted subject plus named parameters.
type Event struct {
	ID            string         `json:"id"`
	Subject       string         `json:"subject"`
	Source        string         `json:"source"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Parameters    map[string]any `json:"parameters"`
}

// NewEvent creates a new event with auto-generated ID and timestamp
func NewEvent(subject, source string, params map[string]any) Event {
	if params == nil {
		params = map[string]any{}
	}
	return Event{
		ID:         uuid.New().String(),
		Subject:    subject,
		Source:     source,
		Timestamp:  time.Now().UTC(),
		Parameters: params,
	}
}

// WithCorrelation sets the correlation ID for request tracing
func (e Event) WithCorrelation(correlationID string) Event {
	e.CorrelationID = correlationID
	return e
}

// WithParam returns a copy of e with key set.
func (e Event) WithParam(key string, value any) Event {
	params := make(map[string]any, len(e.Parameters)+1)
	for k, v := range e.Parameters {
		params[k] = v
	}
	params[key] = value
	e.Parameters = params
	return e
}

// String returns the parameter as a string. Non-string values are formatted.
func (e Event) String(key string) (string, bool) {
	v, ok := e.Parameters[key]
	if !ok || v == nil {
		return "", false
	}
	if s, ok := v.(string); ok {
		return s, true
	}
	return fmt.Sprint(v), true
}

// Strings returns a list parameter. A single string is a one-element list;
// JSON decoding turns []string into []any, which is accepted too.
func (e Event) Strings(key string) []string {
	switch v := e.Parameters[key].(type) {
	case nil:
		return nil
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	default:
		return []string{fmt.Sprint(v)}
	}
}

// Int returns a numeric parameter, accepting the float64 JSON produces.
func (e Event) Int(key string) (int, bool) {
	switch v := e.Parameters[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// Handler is a function that handles an event
type Handler func(ctx context.Context, event Event) error
