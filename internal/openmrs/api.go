package openmrs

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/motech/platform/internal/mrs"
	"github.com/motech/platform/internal/shared/errors"
)

// Handler exposes the encounter adapter over HTTP.
type Handler struct {
	encounters mrs.EncounterAdapter
}

func NewHandler(encounters mrs.EncounterAdapter) *Handler {
	return &Handler{encounters: encounters}
}

// Routes registers the MRS routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/encounters", h.CreateEncounter)
	r.Delete("/encounters/{id}", h.DeleteEncounter)
	r.Route("/patients/{motechID}/encounters", func(r chi.Router) {
		r.Get("/", h.ListEncounters)
		r.Get("/latest", h.LatestEncounter)
	})

	return r
}

func (h *Handler) CreateEncounter(w http.ResponseWriter, r *http.Request) {
	var enc mrs.Encounter
	if err := json.NewDecoder(r.Body).Decode(&enc); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}
	details := map[string]string{}
	if enc.Facility == nil {
		details["facility"] = "required"
	}
	if enc.Patient == nil {
		details["patient"] = "required"
	}
	if enc.Provider == nil {
		details["provider"] = "required"
	}
	if enc.EncounterType == "" {
		details["encounter_type"] = "required"
	}
	if len(details) > 0 {
		writeError(w, errors.Validation("invalid encounter", details))
		return
	}

	created, err := h.encounters.CreateEncounter(r.Context(), enc)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) DeleteEncounter(w http.ResponseWriter, r *http.Request) {
	if err := h.encounters.DeleteEncounter(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListEncounters(w http.ResponseWriter, r *http.Request) {
	encounters, err := h.encounters.GetAllEncountersByPatientMotechID(r.Context(), chi.URLParam(r, "motechID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  encounters,
		"total": len(encounters),
	})
}

func (h *Handler) LatestEncounter(w http.ResponseWriter, r *http.Request) {
	motechID := chi.URLParam(r, "motechID")
	enc, err := h.encounters.GetLatestEncounterByPatientMotechID(r.Context(), motechID, r.URL.Query().Get("type"))
	if err != nil {
		writeError(w, err)
		return
	}
	if enc == nil {
		writeError(w, errors.NotFound("encounter", motechID))
		return
	}
	writeJSON(w, http.StatusOK, enc)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError reports MRS failures as an unavailable upstream.
func writeError(w http.ResponseWriter, err error) {
	var mrsErr *mrs.Error
	if stderrors.As(err, &mrsErr) {
		err = errors.Unavailable("openmrs", err)
	}
	appErr := errors.From(err)
	writeJSON(w, appErr.HTTPStatus, map[string]any{"error": appErr})
}
