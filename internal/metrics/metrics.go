// Package metrics declares the Prometheus collectors exported at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowcloser_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowcloser_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// Webhook metrics
	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowcloser_webhook_events_total",
			Help: "Inbound webhook messages by platform",
		},
		[]string{"platform"},
	)

	WebhookRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowcloser_webhook_rejected_total",
			Help: "Webhook requests rejected before processing",
		},
		[]string{"reason"}, // "signature", "certificate", "verify_token", "payload"
	)

	DuplicateMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowcloser_duplicate_messages_total",
			Help: "Redelivered inbound messages that were skipped",
		},
	)

	// Agent metrics
	AgentInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowcloser_agent_invocations_total",
			Help: "Model invocations by model and outcome",
		},
		[]string{"model", "outcome"}, // outcome: "ok" or "error"
	)

	AgentInvocationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowcloser_agent_invocation_duration_seconds",
			Help:    "Model invocation latency",
			Buckets: []float64{.25, .5, 1, 2, 4, 8, 16, 32},
		},
		[]string{"model"},
	)

	ModelFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowcloser_model_fallbacks_total",
			Help: "Primary model failures that triggered the fallback model",
		},
	)

	// Lead metrics
	LeadUpserts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowcloser_lead_upserts_total",
			Help: "Lead upserts by qualification",
		},
		[]string{"qualified"},
	)

	MirrorUploads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowcloser_mirror_uploads_total",
			Help: "Remote lead mirror uploads by outcome",
		},
		[]string{"outcome"},
	)

	// Outbound metrics
	OutboundMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowcloser_outbound_messages_total",
			Help: "Outbound replies by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)
)

// Outcome maps an error to the "ok"/"error" label value.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
