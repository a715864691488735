package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "medvault"

// Metrics holds the vault's Prometheus collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	accessDecisions     *prometheus.CounterVec
	otpVerifications    *prometheus.CounterVec
	integrityChecks     *prometheus.CounterVec
	ledgerAppends       *prometheus.CounterVec
	appointmentBookings *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status_code"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		accessDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "access_decisions_total",
				Help:      "Record access decisions by outcome",
			},
			[]string{"action", "role", "outcome", "reason"},
		),
		otpVerifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "otp_verifications_total",
				Help:      "One-time code verification attempts",
			},
			[]string{"result"},
		),
		integrityChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "integrity_checks_total",
				Help:      "Record integrity checks on retrieval",
			},
			[]string{"result"},
		),
		ledgerAppends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_appends_total",
				Help:      "Blocks appended to the audit ledger",
			},
			[]string{"action"},
		),
		appointmentBookings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "appointment_bookings_total",
				Help:      "Appointment booking attempts",
			},
			[]string{"result"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.accessDecisions,
		m.otpVerifications,
		m.integrityChecks,
		m.ledgerAppends,
		m.appointmentBookings,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func (m *Metrics) AccessDecision(action, role string, allow bool, reason string) {
	if m == nil {
		return
	}
	outcome := "deny"
	if allow {
		outcome = "allow"
	}
	m.accessDecisions.WithLabelValues(action, role, outcome, reasonLabel(reason)).Inc()
}

func (m *Metrics) OTPVerification(result string) {
	if m == nil {
		return
	}
	m.otpVerifications.WithLabelValues(result).Inc()
}

func (m *Metrics) IntegrityCheck(ok bool) {
	if m == nil {
		return
	}
	result := "failure"
	if ok {
		result = "verified"
	}
	m.integrityChecks.WithLabelValues(result).Inc()
}

func (m *Metrics) LedgerAppend(action string) {
	if m == nil {
		return
	}
	m.ledgerAppends.WithLabelValues(action).Inc()
}

func (m *Metrics) AppointmentBooking(result string) {
	if m == nil {
		return
	}
	m.appointmentBookings.WithLabelValues(result).Inc()
}

// Reasons come from a fixed set in the access engine.
func reasonLabel(reason string) string {
	if reason == "" {
		return "none"
	}
	return reason
}
