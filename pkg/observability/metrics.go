package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instruments for the auth engine.
type Metrics struct {
	HTTPRequestsTotal *prometheus.CounterVec

	// Authentication outcomes: "success" or "failure". One label value for
	// all failure causes, matching the anti-enumeration guarantee.
	AuthAttemptsTotal *prometheus.CounterVec

	ImpersonationsTotal *prometheus.CounterVec // action: "start" | "exit"

	SessionsSweptTotal prometheus.Counter

	InvitationsRedeemedTotal *prometheus.CounterVec // outcome: "redeemed" | "rejected"

	// BoundContexts tracks security contexts currently holding a connection.
	// A value that climbs without returning to zero means a teardown leak.
	BoundContexts prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates and registers all instruments on the given registry
// (a fresh one when nil).
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spaceport_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		AuthAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spaceport_auth_attempts_total",
				Help: "Authentication attempts by outcome",
			},
			[]string{"outcome"},
		),
		ImpersonationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spaceport_impersonations_total",
				Help: "Impersonation state transitions",
			},
			[]string{"action"},
		),
		SessionsSweptTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "spaceport_sessions_swept_total",
				Help: "Expired sessions removed by the sweep job",
			},
		),
		InvitationsRedeemedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spaceport_invitations_redeemed_total",
				Help: "Invitation redemption attempts by outcome",
			},
			[]string{"outcome"},
		),
		BoundContexts: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "spaceport_bound_security_contexts",
				Help: "Security contexts currently bound to a pooled connection",
			},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.AuthAttemptsTotal,
		m.ImpersonationsTotal,
		m.SessionsSweptTotal,
		m.InvitationsRedeemedTotal,
		m.BoundContexts,
	)

	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
