package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/taskboard/internal/board"
	"github.com/loykin/taskboard/internal/board/memory"
)

func setupRouter(t *testing.T, opts Options) (http.Handler, *memory.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	st := memory.New(nil)
	t.Cleanup(func() { _ = st.Close() })
	opts.Store = st
	return NewRouter(opts).Handler(), st
}

func doReq(t *testing.T, h http.Handler, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestRowLifecycle(t *testing.T) {
	h, st := setupRouter(t, Options{BasePath: "/api"})

	rec := doReq(t, h, http.MethodPost, "/api/tables/T/rows", insertReq{
		Fields:   board.Fields{"name": "demo", "status": "Uninitialized"},
		Children: []board.Block{{Type: board.BlockCode, Title: "print('x')"}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[board.Row](t, rec)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, "demo", created.Name())

	rec = doReq(t, h, http.MethodGet, "/api/tables/T/rows", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]board.Row](t, rec), 1)

	rec = doReq(t, h, http.MethodPatch, "/api/tables/T/rows/"+created.ID, map[string]any{"activate": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[board.Row](t, rec).Bool("activate"))

	rec = doReq(t, h, http.MethodPut, "/api/tables/T/rows/"+created.ID+"/children", []board.Block{{Type: board.BlockCode, Title: "print('y')"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[board.Row](t, rec)
	require.Len(t, got.Children, 1)
	assert.Equal(t, "print('y')", got.Children[0].Title)

	rec = doReq(t, h, http.MethodGet, "/api/tables/T/rows/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doReq(t, h, http.MethodDelete, "/api/tables/T/rows/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rows, err := st.Rows(context.Background(), "T")
	require.NoError(t, err)
	assert.Empty(t, rows)

	rec = doReq(t, h, http.MethodGet, "/api/tables/T/rows/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListEmptyTableIsArray(t *testing.T) {
	h, _ := setupRouter(t, Options{BasePath: "/api"})
	rec := doReq(t, h, http.MethodGet, "/api/tables/nothing/rows", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestInsertValidation(t *testing.T) {
	h, _ := setupRouter(t, Options{BasePath: "/api"})
	rec := doReq(t, h, http.MethodPost, "/api/tables/T/rows", insertReq{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/tables/T/rows", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	bad := httptest.NewRecorder()
	h.ServeHTTP(bad, req)
	assert.Equal(t, http.StatusBadRequest, bad.Code)

	rec = doReq(t, h, http.MethodGet, "/api/tables/a..b/rows", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateUnknownRow(t *testing.T) {
	h, _ := setupRouter(t, Options{BasePath: "/api"})
	rec := doReq(t, h, http.MethodPatch, "/api/tables/T/rows/missing", map[string]any{"run": true})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = doReq(t, h, http.MethodDelete, "/api/tables/T/rows/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTokenGuardsAPIOnly(t *testing.T) {
	h, _ := setupRouter(t, Options{BasePath: "/api", Token: "tok", Metrics: true})

	rec := doReq(t, h, http.MethodGet, "/api/tables/T/rows", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = doReq(t, h, http.MethodGet, "/api/tables/T/rows", nil, "Authorization", "Bearer tok")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doReq(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doReq(t, h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsDisabled(t *testing.T) {
	h, _ := setupRouter(t, Options{BasePath: "/api"})
	rec := doReq(t, h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthReportsTermination(t *testing.T) {
	down := false
	h, _ := setupRouter(t, Options{BasePath: "/api", Terminated: func() bool { return down }})
	rec := doReq(t, h, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[healthResp](t, rec).Status)

	down = true
	rec = doReq(t, h, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.True(t, decode[healthResp](t, rec).Terminated)
}

func TestDebugProcesses(t *testing.T) {
	h, _ := setupRouter(t, Options{BasePath: "/api", Running: func() map[string]int { return map[string]int{"demo": 42} }})
	rec := doReq(t, h, http.MethodGet, "/api/debug/processes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]int{"demo": 42}, decode[map[string]int](t, rec))
}
