package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Delivery metrics
var (
	EmailsSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailer_emails_sent_total",
			Help: "Total number of emails handed to the outbound transport successfully",
		},
		[]string{"sender"}, // smtp, stdout, file
	)

	SendFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailer_send_failures_total",
			Help: "Total number of failed send attempts",
		},
		[]string{"sender", "kind"}, // permanent, transient
	)

	SendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailer_send_duration_seconds",
			Help:    "Duration of a single send attempt",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sender"},
	)

	RateLimitDeferralsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailer_rate_limit_deferrals_total",
			Help: "Total number of messages deferred because their account exceeded its budget",
		},
	)
)

// Scheduler metrics
var (
	SchedulerRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailer_scheduler_runs_total",
			Help: "Total number of scheduler batches",
		},
		[]string{"result"}, // ran, skipped, error
	)

	SchedulerHandOffsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailer_scheduler_hand_offs_total",
			Help: "Total number of records handed to the broker by the scheduler",
		},
		[]string{"outcome"}, // queued, failed, deferred
	)
)

// Record metrics
var (
	RecordsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailer_records",
			Help: "Number of email records per status, as of the last statistics query",
		},
		[]string{"status"},
	)
)

// Capture sink metrics
var (
	SinkConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailer_sink_connections_total",
			Help: "Total number of SMTP connections to the capture sink",
		},
		[]string{"status"}, // accepted, rejected
	)

	SinkActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailer_sink_active_sessions",
			Help: "Number of currently active capture sink sessions",
		},
	)

	SinkAuthAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailer_sink_auth_attempts_total",
			Help: "Total number of capture sink authentication attempts",
		},
		[]string{"result"}, // success, failure
	)

	SinkMessagesCapturedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailer_sink_messages_captured_total",
			Help: "Total number of messages captured by the sink",
		},
	)
)

// API metrics
var (
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailer_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "path", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailer_api_request_duration_seconds",
			Help:    "Duration of API requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	APIAuthFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailer_api_auth_failures_total",
			Help: "Total number of API authentication failures",
		},
		[]string{"reason"}, // missing_headers, unknown_key, inactive, expired, bad_signature
	)
)

// Database metrics
var (
	DBConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailer_db_connections_active",
			Help: "Number of acquired database connections",
		},
	)

	DBConnectionsIdle = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailer_db_connections_idle",
			Help: "Number of idle database connections",
		},
	)
)
