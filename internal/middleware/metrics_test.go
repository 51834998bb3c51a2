package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetricsRouter(t *testing.T) {
	m := NewMetrics()
	m.RecordCommand("chat")
	m.RecordRequest("chat", "succeeded", 150*time.Millisecond)

	router := NewMetricsRouter("/metrics")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `hypnos_bot_commands_total{kind="chat"}`))
	assert.True(t, strings.Contains(body, "hypnos_bot_request_duration_seconds"))
}
