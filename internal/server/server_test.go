package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ordermail/internal/catalog"
	"ordermail/internal/model"
	"ordermail/internal/pipeline"
	"ordermail/internal/state"
)

type fakePauser struct {
	paused bool
}

func (p *fakePauser) Pause()       { p.paused = true }
func (p *fakePauser) Resume()      { p.paused = false }
func (p *fakePauser) Paused() bool { return p.paused }

func testHandler(t *testing.T) (http.Handler, *fakePauser) {
	t.Helper()
	store := catalog.NewStore(t.TempDir())
	require.NoError(t, store.Replace(
		[]model.Product{{ID: 8653, Code: "L1520-457", Name: "Star Liner"}},
		[]model.Customer{{ID: 41, Name: "Schur Star Systems GmbH"}},
	))
	st, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	pauser := &fakePauser{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New("127.0.0.1:0", store, st, &pipeline.Metrics{}, pauser, logger)
	return srv.httpServer.Handler, pauser
}

func TestHealthEndpoint(t *testing.T) {
	handler, _ := testHandler(t)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestStatusEndpoint(t *testing.T) {
	handler, _ := testHandler(t)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Paused  bool           `json:"paused"`
		Catalog map[string]int `json:"catalog"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Paused)
	assert.Equal(t, 1, body.Catalog["products"])
	assert.Equal(t, 1, body.Catalog["customers"])
}

func TestPauseResumeEndpoints(t *testing.T) {
	handler, pauser := testHandler(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/pause", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, pauser.paused)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/resume", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, pauser.paused)
}
