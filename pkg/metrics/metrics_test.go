package metrics

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func resetComponents(t *testing.T) {
	t.Helper()
	healthMu.Lock()
	components = map[string]componentHealth{}
	healthMu.Unlock()
}

func TestHealth_Degraded(t *testing.T) {
	resetComponents(t)
	SetComponent("store", true, true, "")
	SetComponent("side-channel", false, false, "redis not configured")

	rec := httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var h HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	require.Equal(t, "degraded", h.Status)
	require.Equal(t, "unhealthy: redis not configured", h.Components["side-channel"])
	require.Equal(t, "healthy", h.Components["store"])
}

func TestHealth_UnhealthyCritical(t *testing.T) {
	resetComponents(t)
	SetComponent("store", false, true, "disk full")
	SetComponent("side-channel", false, false, "down")

	rec := httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "unhealthy", GetHealth().Status)
}

func TestHandler_ExposesCollectors(t *testing.T) {
	SessionsStarted.Inc()
	ResumeOutcomes.WithLabelValues(ResumeLive).Inc()

	srv := httptest.NewServer(Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(b), "feedbackstream_sessions_started_total")
	require.Contains(t, string(b), `feedbackstream_resume_outcomes_total{outcome="live"}`)
}
