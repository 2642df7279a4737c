package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Queue metrics for Prometheus monitoring.
var (
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailer_queue_messages_ready",
			Help: "Number of ready messages in the live queue at the last count",
		},
	)

	MessagesPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailer_queue_messages_published_total",
			Help: "Total number of messages published by target queue",
		},
		[]string{"queue"}, // live, delayed
	)

	PublishFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailer_queue_publish_failures_total",
			Help: "Total number of failed publishes by target queue",
		},
		[]string{"queue"},
	)

	MessagesConsumedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailer_queue_messages_consumed_total",
			Help: "Total number of deliveries received from the live queue",
		},
	)

	MessagesProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailer_queue_messages_processed_total",
			Help: "Total number of messages processed by outcome",
		},
		[]string{"outcome"}, // sent, retry, failed, dropped, skipped, deferred, requeued
	)

	MessageProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailer_queue_message_processing_duration_seconds",
			Help:    "Duration of message processing operations",
			Buckets: prometheus.DefBuckets,
		},
	)

	BrokerReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailer_queue_reconnects_total",
			Help: "Total number of publish connection redials by result",
		},
		[]string{"result"}, // ok, failed
	)

	DelayQueueFallbackTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailer_queue_delay_fallback_total",
			Help: "Total number of per-TTL delay queues declared after a TTL mismatch",
		},
	)
)

const (
	labelLive    = "live"
	labelDelayed = "delayed"
)
