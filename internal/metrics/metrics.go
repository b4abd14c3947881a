package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	PipelineDecision = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardpost_pipeline_decision_total",
			Help: "Pipeline outcomes by stage and result (allow/deny)",
		},
		[]string{"stage", "result"},
	)
	PipelineDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "guardpost_pipeline_duration_seconds",
			Help:    "Latency of the security pipeline up to the downstream handler",
			Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)
	RateLimitRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardpost_rate_limit_rejected_total",
			Help: "Requests rejected by the rate limiter, by endpoint class",
		},
		[]string{"class"},
	)
	ThreatsDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardpost_threats_detected_total",
			Help: "Threat signatures matched, by type and severity",
		},
		[]string{"type", "severity"},
	)
	SecurityEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardpost_security_events_total",
			Help: "Security events recorded, by type and severity",
		},
		[]string{"type", "severity"},
	)
	ActiveAlerts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "guardpost_active_alerts",
			Help: "Unacknowledged security alerts",
		},
	)
	AlertDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardpost_alert_deliveries_total",
			Help: "Alert delivery attempts by outcome",
		},
		[]string{"result"},
	)
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "guardpost_sessions_active",
			Help: "Sessions currently tracked by the verifier",
		},
	)
	IdentityLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guardpost_identity_lookups_total",
			Help: "External identity verifier calls by outcome",
		},
		[]string{"result"},
	)
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "guardpost_breaker_state",
			Help: "Circuit breaker state per backend (0=closed, 1=open, 2=half-open)",
		},
		[]string{"backend"},
	)
	BuildInfo = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name:        "guardpost_build_info",
			Help:        "Build info gauge with const labels",
			ConstLabels: prometheus.Labels{"version": "0.1.0"},
		},
	)
)

func MustRegister() {
	prometheus.MustRegister(
		PipelineDecision, PipelineDuration,
		RateLimitRejected, ThreatsDetected,
		SecurityEvents, ActiveAlerts, AlertDeliveries,
		SessionsActive, IdentityLookups, BreakerState,
		BuildInfo,
	)
}
