package mds

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/motech/platform/internal/shared/errors"
)

// Handler exposes entity instances over REST. Only fields marked
// exposedViaRest are read or written, plus the auto fields.
type Handler struct {
	services *Services
}

func NewHandler(services *Services) *Handler {
	return &Handler{services: services}
}

// Routes registers the mds routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.ListEntities)
	r.Route("/{entity}", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Create)
		r.Get("/lookup/{lookup}", h.Lookup)
		r.Get("/{id}", h.Get)
		r.Put("/{id}", h.Update)
		r.Delete("/{id}", h.Delete)
		r.Get("/{id}/history", h.History)
	})

	return r
}

func (h *Handler) ListEntities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"data": h.services.Registry().All()})
}

func (h *Handler) dataService(r *http.Request) (*DataService, error) {
	e, err := h.services.Registry().Resolve(chi.URLParam(r, "entity"))
	if err != nil {
		return nil, err
	}
	return h.services.For(e.ClassName)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ds, err := h.dataService(r)
	if err != nil {
		writeError(w, err)
		return
	}
	all, err := ds.RetrieveAll(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  restViews(ds.Entity(), all),
		"total": len(all),
	})
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	ds, err := h.dataService(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id := chi.URLParam(r, "id")
	inst, err := ds.FindByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if inst == nil {
		writeError(w, errors.NotFound(ds.Entity().Name, id))
		return
	}
	writeJSON(w, http.StatusOK, restView(ds.Entity(), inst))
}

func decodeBody(r *http.Request, e *Entity) (*Instance, error) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return nil, errors.BadRequest("invalid request body")
	}

	inst := NewInstance(nil)
	details := map[string]string{}
	for name, v := range body {
		if name == FieldOwner {
			owner, _ := v.(string)
			inst.Owner = owner
			continue
		}
		if IsAutoField(name) {
			continue
		}
		f, ok := e.Field(name)
		if !ok || !f.ExposedViaRest {
			details[name] = "not exposed via rest"
			continue
		}
		inst.Values[name] = v
	}
	if len(details) > 0 {
		return nil, errors.Validation("invalid request body", details)
	}
	return inst, nil
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	ds, err := h.dataService(r)
	if err != nil {
		writeError(w, err)
		return
	}
	inst, err := decodeBody(r, ds.Entity())
	if err != nil {
		writeError(w, err)
		return
	}
	created, err := ds.Create(r.Context(), inst)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, restView(ds.Entity(), created))
}

// Update overlays the exposed fields of the body on the stored instance.
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	ds, err := h.dataService(r)
	if err != nil {
		writeError(w, err)
		return
	}
	patch, err := decodeBody(r, ds.Entity())
	if err != nil {
		writeError(w, err)
		return
	}

	id := chi.URLParam(r, "id")
	var updated *Instance
	err = ds.DoInTransaction(r.Context(), func(tx *TxServices) error {
		txds, err := tx.For(ds.Entity().ClassName)
		if err != nil {
			return err
		}
		current, err := txds.FindByID(r.Context(), id)
		if err != nil {
			return err
		}
		if current == nil {
			return errors.NotFound(ds.Entity().Name, id)
		}
		for name, v := range patch.Values {
			current.Values[name] = v
		}
		if patch.Owner != "" {
			current.Owner = patch.Owner
		}
		updated, err = txds.Update(r.Context(), current)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, restView(ds.Entity(), updated))
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	ds, err := h.dataService(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := ds.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	ds, err := h.dataService(r)
	if err != nil {
		writeError(w, err)
		return
	}
	revs, err := h.services.History().GetHistoryForInstance(r.Context(), ds.Entity().ClassName, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]map[string]any, 0, len(revs))
	for _, rev := range revs {
		out = append(out, map[string]any{
			"revision":    rev.Number,
			"recorded_at": rev.RecordedAt,
			"recorded_by": rev.RecordedBy,
			"hash":        rev.Hash,
			"instance":    restView(ds.Entity(), rev.Instance),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": out, "total": len(out)})
}

func (h *Handler) Lookup(w http.ResponseWriter, r *http.Request) {
	ds, err := h.dataService(r)
	if err != nil {
		writeError(w, err)
		return
	}
	name := chi.URLParam(r, "lookup")
	l, ok := ds.Entity().Lookup(name)
	if !ok || !l.ExposedViaRest {
		writeError(w, errors.NotFound("lookup", name))
		return
	}

	query := r.URL.Query()
	params := map[string]any{}
	for _, lf := range l.Fields {
		values, ok := query[lf.Name]
		if !ok {
			continue
		}
		if lf.kind() == LookupSet || len(values) > 1 {
			params[lf.Name] = values
		} else {
			params[lf.Name] = values[0]
		}
	}

	found, err := ds.Lookup(r.Context(), name, params)
	if err != nil {
		writeError(w, err)
		return
	}
	if l.SingleObjectReturn {
		if len(found) == 0 {
			writeError(w, errors.NotFound(ds.Entity().Name, name))
			return
		}
		writeJSON(w, http.StatusOK, restView(ds.Entity(), found[0]))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  restViews(ds.Entity(), found),
		"total": len(found),
	})
}

func restView(e *Entity, inst *Instance) map[string]any {
	if inst == nil {
		return nil
	}
	view := map[string]any{}
	for name, v := range inst.Map() {
		if IsAutoField(name) {
			view[name] = v
			continue
		}
		if f, ok := e.Field(name); ok && f.ExposedViaRest {
			view[name] = v
		}
	}
	return view
}

func restViews(e *Entity, all []*Instance) []map[string]any {
	out := make([]map[string]any, 0, len(all))
	for _, inst := range all {
		out = append(out, restView(e, inst))
	}
	return out
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
