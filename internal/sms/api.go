package sms

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/motech/platform/internal/shared/errors"
	"github.com/motech/platform/internal/shared/events"
)

// Handler accepts SMS requests and hands them to the relay via the bus.
type Handler struct {
	bus     events.EventBus
	service *Service
}

// NewHandler creates the SMS handler. service may be nil when the relay runs
// in another process.
func NewHandler(bus events.EventBus, service *Service) *Handler {
	return &Handler{bus: bus, service: service}
}

// Routes registers the sms routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/send", h.Send)
	r.Get("/stats", h.Stats)
	return r
}

type sendRequest struct {
	Recipients []string `json:"recipients"`
	Message    string   `json:"message"`
}

func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	event := events.NewEvent(SubjectSendSMS, "sms-api", map[string]any{
		ParamRecipients: req.Recipients,
		ParamMessage:    req.Message,
	}).WithCorrelation(middleware.GetReqID(r.Context()))

	if _, _, err := MessageFromEvent(event); err != nil {
		writeError(w, err)
		return
	}
	if err := h.bus.Publish(r.Context(), event); err != nil {
		writeError(w, errors.Unavailable("event bus", err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"event_id": event.ID})
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		writeError(w, errors.NotFound("sms service", "local"))
		return
	}
	writeJSON(w, http.StatusOK, h.service.GetStats())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	appErr := errors.From(err)
	writeJSON(w, appErr.HTTPStatus, map[string]any{"error": appErr})
}
