package sms

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	apperrors "github.com/motech/platform/internal/shared/errors"
	"github.com/motech/platform/internal/shared/events"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func writeTemplate(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), DefaultTemplateFile)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestParseTemplate(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		wantErr    bool
		wantMethod string
	}{
		{"defaults to GET", `{"outgoing":{"request":{"urlPath":"http://gw/send"}}}`, false, http.MethodGet},
		{"post lower case", `{"outgoing":{"request":{"method":"post","urlPath":"http://gw/send"}}}`, false, http.MethodPost},
		{"missing url", `{"outgoing":{"request":{"method":"GET"}}}`, true, ""},
		{"unsupported method", `{"outgoing":{"request":{"method":"PUT","urlPath":"http://gw"}}}`, true, ""},
		{"broken json", `{"outgoing":`, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl, err := ParseTemplate([]byte(tt.content))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseTemplate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && tmpl.Outgoing.Request.Method != tt.wantMethod {
				t.Errorf("Expected method %s, got %s", tt.wantMethod, tmpl.Outgoing.Request.Method)
			}
		})
	}
}

func TestTemplate_BuildRequest(t *testing.T) {
	tmpl := &Template{Outgoing: Outgoing{Request: Request{
		Method:              http.MethodPost,
		URLPath:             "http://gw/send?fixed=1",
		QueryParameters:     map[string]string{"to": "$recipients"},
		BodyParameters:      map[string]string{"text": "$message", "from": "MOTECH"},
		Headers:             map[string]string{"X-Api-Key": "secret"},
		RecipientsSeparator: ";",
	}}}

	req, err := tmpl.BuildRequest(context.Background(), []string{"123", "456"}, "take your pills")
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "123;456", req.URL.Query().Get("to"))
	assert.Equal(t, "1", req.URL.Query().Get("fixed"))
	assert.Equal(t, "secret", req.Header.Get("X-Api-Key"))
	assert.Equal(t, "application/x-www-form-urlencoded", req.Header.Get("Content-Type"))

	require.NoError(t, req.ParseForm())
	assert.Equal(t, "take your pills", req.PostForm.Get("text"))
	assert.Equal(t, "MOTECH", req.PostForm.Get("from"))

	tmpl.Outgoing.Request.Method = http.MethodGet
	req, err = tmpl.BuildRequest(context.Background(), []string{"123"}, "hi")
	require.NoError(t, err)
	assert.Nil(t, req.Body, "GET ignores body parameters")
}

func TestTemplate_IsSuccess(t *testing.T) {
	tests := []struct {
		name   string
		resp   Response
		status int
		body   string
		want   bool
	}{
		{"any 2xx", Response{}, 204, "", true},
		{"non 2xx", Response{}, 500, "", false},
		{"exact status", Response{SuccessStatus: 202}, 202, "", true},
		{"wrong status", Response{SuccessStatus: 202}, 200, "", false},
		{"body match", Response{SuccessResponse: "OK"}, 200, "status: OK", true},
		{"body mismatch", Response{SuccessResponse: "OK"}, 200, "ERR", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl := &Template{Outgoing: Outgoing{Response: tt.resp}}
			if got := tmpl.IsSuccess(tt.status, tt.body); got != tt.want {
				t.Errorf("IsSuccess(%d, %q) = %v, want %v", tt.status, tt.body, got, tt.want)
			}
		})
	}
}

type gateway struct {
	mu       sync.Mutex
	status   int
	body     string
	requests []*http.Request
	bodies   []string
}

func (g *gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)
	g.mu.Lock()
	g.requests = append(g.requests, r)
	g.bodies = append(g.bodies, string(data))
	status, body := g.status, g.body
	g.mu.Unlock()
	w.WriteHeader(status)
	io.WriteString(w, body)
}

func newGateway(t *testing.T, status int, body string) (*gateway, string) {
	g := &gateway{status: status, body: body}
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)
	return g, srv.URL
}

func TestSendHandler_Handle(t *testing.T) {
	g, url := newGateway(t, http.StatusOK, "OK: queued")
	path := writeTemplate(t, `{"outgoing":{"request":{"urlPath":"`+url+`/send",
		"queryParameters":{"to":"$recipients","text":"$message"}},"response":{"successStatus":200,"successResponse":"OK"}}}`)
	h := NewSendHandler(NewTemplateReader(path), nil, zerolog.Nop())

	event := events.NewEvent(SubjectSendSMS, "test", map[string]any{
		ParamRecipients: []any{"9686202448", "1234"},
		ParamMessage:    "business analyst",
	})
	require.NoError(t, h.Handle(context.Background(), event))

	require.Len(t, g.requests, 1)
	q := g.requests[0].URL.Query()
	assert.Equal(t, "9686202448,1234", q.Get("to"))
	assert.Equal(t, "business analyst", q.Get("text"))
}

func TestSendHandler_SingleRecipientString(t *testing.T) {
	g, url := newGateway(t, http.StatusOK, "")
	path := writeTemplate(t, `{"outgoing":{"request":{"urlPath":"`+url+`","queryParameters":{"to":"$recipients"}}}}`)
	h := NewSendHandler(NewTemplateReader(path), nil, zerolog.Nop())

	event := events.NewEvent(SubjectSendSMS, "test", map[string]any{ParamRecipients: "1234", ParamMessage: "message"})
	require.NoError(t, h.Handle(context.Background(), event))
	assert.Equal(t, "1234", g.requests[0].URL.Query().Get("to"))
}

func TestSendHandler_DeliveryFailure(t *testing.T) {
	_, url := newGateway(t, http.StatusOK, "ERROR: no credit")
	path := writeTemplate(t, `{"outgoing":{"request":{"urlPath":"`+url+`"},"response":{"successResponse":"OK"}}}`)
	h := NewSendHandler(NewTemplateReader(path), nil, zerolog.Nop())

	err := h.Send(context.Background(), []string{"1"}, "hi")
	var failure *DeliveryFailureError
	require.True(t, errors.As(err, &failure), "got %v", err)
	assert.Equal(t, http.StatusOK, failure.StatusCode)
	assert.Contains(t, failure.Body, "no credit")
}

func TestMessageFromEvent_Validation(t *testing.T) {
	_, _, err := MessageFromEvent(events.NewEvent(SubjectSendSMS, "test", map[string]any{ParamMessage: "hi"}))
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, _, err = MessageFromEvent(events.NewEvent(SubjectSendSMS, "test", map[string]any{ParamRecipients: []string{"1"}}))
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

type mockSender struct {
	mock.Mock
}

func (m *mockSender) Send(ctx context.Context, recipients []string, message string) error {
	args := m.Called(ctx, recipients, message)
	return args.Error(0)
}

type statusRecorder struct {
	mu   sync.Mutex
	got  []events.Event
	done chan struct{}
}

func recordStatuses(t *testing.T, bus events.EventBus) *statusRecorder {
	rec := &statusRecorder{done: make(chan struct{}, 10)}
	require.NoError(t, bus.Subscribe(context.Background(), "sms.delivery.*", "test", func(_ context.Context, e events.Event) error {
		rec.mu.Lock()
		rec.got = append(rec.got, e)
		rec.mu.Unlock()
		rec.done <- struct{}{}
		return nil
	}))
	return rec
}

func (r *statusRecorder) wait(t *testing.T) events.Event {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery status")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.got[len(r.got)-1]
}

func TestService_RetriesThenSucceeds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewMemoryBus(zerolog.Nop())
	statuses := recordStatuses(t, bus)

	sender := &mockSender{}
	sender.On("Send", mock.Anything, []string{"555"}, "hello").Return(errors.New("gateway down")).Once()
	sender.On("Send", mock.Anything, []string{"555"}, "hello").Return(nil).Once()

	svc := NewService(sender, bus, ServiceConfig{Workers: 1, QueueSize: 4, MaxRetries: 2, RetryBackoff: time.Millisecond}, zerolog.Nop())
	require.NoError(t, svc.Start(ctx))
	defer svc.Stop()

	require.NoError(t, bus.Publish(ctx, events.NewEvent(SubjectSendSMS, "test", map[string]any{
		ParamRecipients: []string{"555"},
		ParamMessage:    "hello",
	})))

	status := statuses.wait(t)
	assert.Equal(t, SubjectDeliverySuccess, status.Subject)
	attempts, _ := status.Int(ParamAttempts)
	assert.Equal(t, 2, attempts)
	sender.AssertExpectations(t)

	stats := svc.GetStats()
	assert.Equal(t, int64(1), stats.Sent)
	assert.Equal(t, int64(1), stats.Retry)
}

func TestService_PublishesFailureAfterRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewMemoryBus(zerolog.Nop())
	statuses := recordStatuses(t, bus)

	sender := &mockSender{}
	sender.On("Send", mock.Anything, mock.Anything, mock.Anything).Return(&DeliveryFailureError{StatusCode: 500})

	svc := NewService(sender, bus, ServiceConfig{Workers: 2, MaxRetries: 1, RetryBackoff: time.Millisecond, RatePerSecond: 1000}, zerolog.Nop())
	require.NoError(t, svc.Start(ctx))
	defer svc.Stop()

	_, err := svc.Enqueue([]string{"1"}, "hi", "corr-1")
	require.NoError(t, err)

	status := statuses.wait(t)
	assert.Equal(t, SubjectDeliveryFailure, status.Subject)
	assert.Equal(t, "corr-1", status.CorrelationID)
	reason, _ := status.String(ParamReason)
	assert.Contains(t, reason, "500")
	sender.AssertNumberOfCalls(t, "Send", 2)
	assert.Equal(t, int64(1), svc.GetStats().Failed)
}

func TestService_StartTwice(t *testing.T) {
	svc := NewService(&mockSender{}, events.NewMemoryBus(zerolog.Nop()), ServiceConfig{}, zerolog.Nop())
	require.NoError(t, svc.Start(context.Background()))
	assert.Error(t, svc.Start(context.Background()))
	require.NoError(t, svc.Stop())
	assert.Error(t, svc.Stop())
}

func TestHandler_Send(t *testing.T) {
	bus := events.NewMemoryBus(zerolog.Nop())
	var published []events.Event
	require.NoError(t, bus.Subscribe(context.Background(), SubjectSendSMS, "test", func(_ context.Context, e events.Event) error {
		published = append(published, e)
		return nil
	}))
	router := NewHandler(bus, nil).Routes()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/send", strings.NewReader(`{"recipients":["1234"],"message":"hi"}`)))
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, published, 1)
	assert.Equal(t, []string{"1234"}, published[0].Strings(ParamRecipients))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/send", strings.NewReader(`{"message":"hi"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, published, 1)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
