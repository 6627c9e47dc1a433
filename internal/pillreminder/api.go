package pillreminder

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/motech/platform/internal/shared/errors"
)

// Handler exposes regimen enrollment over HTTP.
type Handler struct {
	scheduler *Scheduler
}

func NewHandler(scheduler *Scheduler) *Handler {
	return &Handler{scheduler: scheduler}
}

// Routes registers the pill reminder routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/regimens", h.Enroll)
	r.Route("/regimens/{externalID}", func(r chi.Router) {
		r.Get("/", h.GetRegimen)
		r.Delete("/", h.Unenroll)
		r.Post("/dosages/{dosageID}/response", h.CaptureResponse)
	})

	return r
}

func (h *Handler) Enroll(w http.ResponseWriter, r *http.Request) {
	var regimen Regimen
	if err := json.NewDecoder(r.Body).Decode(&regimen); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}
	if err := h.scheduler.Enroll(regimen); err != nil {
		writeError(w, err)
		return
	}
	stored, _ := h.scheduler.Regimen(regimen.ExternalID)
	writeJSON(w, http.StatusCreated, stored)
}

func (h *Handler) GetRegimen(w http.ResponseWriter, r *http.Request) {
	externalID := chi.URLParam(r, "externalID")
	regimen, ok := h.scheduler.Regimen(externalID)
	if !ok {
		writeError(w, errors.NotFound("regimen", externalID))
		return
	}
	writeJSON(w, http.StatusOK, regimen)
}

func (h *Handler) Unenroll(w http.ResponseWriter, r *http.Request) {
	if err := h.scheduler.Unenroll(chi.URLParam(r, "externalID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CaptureResponse records the patient's confirmation. The optional "date"
// field (YYYY-MM-DD) defaults to today.
func (h *Handler) CaptureResponse(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Date string `json:"date"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, errors.BadRequest("invalid request body"))
			return
		}
	}

	date := h.scheduler.clock()
	if req.Date != "" {
		parsed, err := time.ParseInLocation("2006-01-02", req.Date, date.Location())
		if err != nil {
			writeError(w, errors.BadRequest("date must be YYYY-MM-DD"))
			return
		}
		date = parsed
	}

	err := h.scheduler.CaptureDosageResponse(chi.URLParam(r, "externalID"), chi.URLParam(r, "dosageID"), date)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
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
