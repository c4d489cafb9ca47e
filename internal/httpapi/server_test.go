package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	snap map[string]int64
}

func (s *stubSource) HealthSnapshot() map[string]int64 { return s.snap }

func TestServer_Health_IncludesSinkCounters(t *testing.T) {
	src := &stubSource{snap: map[string]int64{"jsonl_written": 42, "sqlite_written": 42}}
	s := New("127.0.0.1:0", "run-abc", src)

	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "run-abc", resp.RunID)
	assert.Equal(t, int64(42), resp.Sink["jsonl_written"])
	assert.NotZero(t, resp.TimeMs)
}

func TestServer_Health_NilSourceOmitsSink(t *testing.T) {
	s := New("127.0.0.1:0", "", nil)

	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Nil(t, resp.Sink)
}

func TestServer_Metrics_Exposed(t *testing.T) {
	s := New("127.0.0.1:0", "", nil)

	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Body.String())
}

func TestServer_Metrics_RejectsPost(t *testing.T) {
	s := New("127.0.0.1:0", "", nil)

	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
