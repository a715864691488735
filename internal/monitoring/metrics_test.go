package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccessDecisionCounters(t *testing.T) {
	m := NewMetrics()
	m.AccessDecision("VIEW", "DOCTOR", false, "outside hospital")
	m.AccessDecision("VIEW", "DOCTOR", false, "outside hospital")
	m.AccessDecision("VIEW", "PATIENT", true, "")

	body := scrape(t, m)
	assert.Contains(t, body, `medvault_access_decisions_total{action="VIEW",outcome="deny",reason="outside hospital",role="DOCTOR"} 2`)
	assert.Contains(t, body, `medvault_access_decisions_total{action="VIEW",outcome="allow",reason="none",role="PATIENT"} 1`)
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveHTTP("GET", "/health", 200, time.Millisecond)
		m.AccessDecision("VIEW", "DOCTOR", true, "")
		m.OTPVerification("success")
		m.IntegrityCheck(false)
		m.LedgerAppend("GENESIS")
		m.AppointmentBooking("conflict")
	})
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := NewMetrics()
	m.IntegrityCheck(false)
	m.ObserveHTTP("GET", "/api/records", 200, 20*time.Millisecond)

	body := scrape(t, m)
	assert.Contains(t, body, `medvault_integrity_checks_total{result="failure"} 1`)
	assert.Contains(t, body, "medvault_http_request_duration_seconds")
}
