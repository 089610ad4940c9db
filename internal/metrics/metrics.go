// Package metrics holds the process-wide prometheus collectors, served by
// the admin server on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Job results recorded in JobRuns
const (
	ResultSucceeded = "succeeded"
	ResultFailed    = "failed"
	ResultCancelled = "cancelled"
)

// Stream message outcomes recorded in StreamMessages
const (
	MessageStored    = "stored"
	MessageDuplicate = "duplicate"
	MessageRejected  = "rejected"
	MessageFailed    = "failed"
)

var (
	JobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_job_runs_total",
			Help: "Total number of background job runs by result",
		},
		[]string{"job", "result"},
	)

	JobUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_job_up",
			Help: "Whether a background job is currently running (1) or not (0)",
		},
		[]string{"job"},
	)

	JobRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_job_restarts_total",
			Help: "Total number of background job restarts",
		},
		[]string{"job"},
	)

	StreamMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_stream_messages_total",
			Help: "Total number of stream messages consumed by outcome",
		},
		[]string{"result"},
	)

	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_websocket_connections",
			Help: "Number of open WebSocket connections",
		},
	)

	WebSocketUpgradeFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_websocket_upgrade_failures_total",
			Help: "Total number of rejected WebSocket handshakes",
		},
	)

	StartupDuration = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_startup_duration_seconds",
			Help: "Time from process start until the HTTP layer was wired",
		},
	)
)
