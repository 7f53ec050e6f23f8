package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadiness_NotReadyDuringRecovery(t *testing.T) {
	h := NewHealthChecker()

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "recovering")
}

func TestReadiness_FailingDependencyDegrades(t *testing.T) {
	h := NewHealthChecker()
	h.SetReady(true)
	h.Register("postgres", func(context.Context) error { return nil })
	h.Register("nats", func(context.Context) error { return errors.New("connection closed") })

	failures := h.Check(context.Background())
	require.Len(t, failures, 1)
	assert.Equal(t, "connection closed", failures["nats"])

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "degraded")
}

func TestReadiness_ReadyWhenAllPass(t *testing.T) {
	h := NewHealthChecker()
	h.SetReady(true)
	h.Register("postgres", func(context.Context) error { return nil })

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, "debug", ParseLogLevel("DEBUG").String())
	assert.Equal(t, "info", ParseLogLevel("").String())
	assert.Equal(t, "info", ParseLogLevel("verbose").String())
}
