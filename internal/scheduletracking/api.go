package scheduletracking

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/motech/platform/internal/shared/errors"
)

type Handler struct {
	service *EnrollmentService
}

func NewHandler(service *EnrollmentService) *Handler {
	return &Handler{service: service}
}

// Routes registers the enrollment routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/enrollments", h.Enroll)
	r.Route("/enrollments/{externalID}/{schedule}", func(r chi.Router) {
		r.Delete("/", h.Unenroll)
		r.Post("/fulfill", h.Fulfill)
		r.Get("/window", h.CurrentWindow)
	})

	return r
}

type enrollRequest struct {
	ExternalID        string `json:"external_id"`
	ScheduleName      string `json:"schedule_name"`
	ReferenceDate     string `json:"reference_date"`
	StartingMilestone string `json:"starting_milestone"`
}

func (h *Handler) Enroll(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}
	reference, err := parseDate(req.ReferenceDate)
	if err != nil {
		writeError(w, err)
		return
	}

	enrollment, err := h.service.Enroll(r.Context(), req.ExternalID, req.ScheduleName, reference, req.StartingMilestone)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, enrollment)
}

func (h *Handler) Fulfill(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Date string `json:"date"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, errors.BadRequest("invalid request body"))
			return
		}
	}
	date, err := parseDate(req.Date)
	if err != nil {
		writeError(w, err)
		return
	}

	enrollment, err := h.service.Fulfill(r.Context(), chi.URLParam(r, "externalID"), chi.URLParam(r, "schedule"), date)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, enrollment)
}

func (h *Handler) Unenroll(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Unenroll(r.Context(), chi.URLParam(r, "externalID"), chi.URLParam(r, "schedule")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) CurrentWindow(w http.ResponseWriter, r *http.Request) {
	span, err := h.service.CurrentWindowSpan(r.Context(), chi.URLParam(r, "externalID"), chi.URLParam(r, "schedule"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"milestone": span.Milestone,
		"window":    string(span.Window),
		"start":     span.Start.Format("2006-01-02"),
		"end":       span.End.Format("2006-01-02"),
	})
}

// parseDate accepts YYYY-MM-DD. Empty yields the zero time.
func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, errors.BadRequest("date must be YYYY-MM-DD")
	}
	return t, nil
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
