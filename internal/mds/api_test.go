package mds_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/motech/platform/internal/mds"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doJSON(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestHandler_CRUD(t *testing.T) {
	f := newFixture(t)
	h := mds.NewHandler(f.services).Routes()

	rec, created := doJSON(t, h, http.MethodPost, "/Book", `{"title":"Dune"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "motech", created["creator"])
	assert.NotContains(t, created, "authors", "authors is not exposed via rest")

	rec, _ = doJSON(t, h, http.MethodPost, "/Book", `{"title":"x","code":"B-1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doJSON(t, h, http.MethodPost, "/Book", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, list := doJSON(t, h, http.MethodGet, "/"+bookClass, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, list["total"])

	rec, updated := doJSON(t, h, http.MethodPut, "/Book/"+id, `{"title":"Dune Messiah","owner":"frank"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Dune Messiah", updated["title"])
	assert.Equal(t, "frank", updated["owner"])

	rec, got := doJSON(t, h, http.MethodGet, "/Book/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Dune Messiah", got["title"])

	rec, found := doJSON(t, h, http.MethodGet, "/Book/lookup/byTitle?title=Dune+Messiah", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, found["id"])

	rec, _ = doJSON(t, h, http.MethodGet, "/Book/lookup/byTitle?title=Nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = doJSON(t, h, http.MethodDelete, "/Book/"+id, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec, _ = doJSON(t, h, http.MethodGet, "/Book/"+id, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = doJSON(t, h, http.MethodGet, "/Unknown", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_History(t *testing.T) {
	f := newFixture(t)
	h := mds.NewHandler(f.services).Routes()

	district := f.create(t, districtCls, map[string]any{"name": "district1"})
	f.create(t, stateClass, map[string]any{"name": "state1", "districts": []string{district.ID}})

	rec, body := doJSON(t, h, http.MethodGet, "/District/"+district.ID+"/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["total"])

	rec, entities := doJSON(t, h, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, entities["data"], len(testEntities()))
}

func TestHandler_LookupNotExposed(t *testing.T) {
	f := newFixture(t)
	h := mds.NewHandler(f.services).Routes()

	rec, _ := doJSON(t, h, http.MethodGet, "/TestMdsEntity/lookup/findByInheritedField?superClassString=x", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
