// ABOUTME: Prometheus instrumentation for the conversation engine.
// ABOUTME: Counters and histograms for ingestion, fanout, presence, and assistant activity.

// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesIngested counts messages committed by the pipeline.
	MessagesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polylog_messages_ingested_total",
			Help: "Messages committed through the pipeline",
		},
		[]string{"kind"},
	)

	// MessagesRejected counts ingestion rejections by reason.
	MessagesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polylog_messages_rejected_total",
			Help: "Messages rejected by the pipeline",
		},
		[]string{"reason"},
	)

	// DuplicatesIgnored counts idempotent retries absorbed by the dedupe window.
	DuplicatesIgnored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "polylog_duplicates_ignored_total",
			Help: "Retried sends absorbed by the dedupe window",
		},
	)

	// AssistantInvocations counts trigger-engine generations by trigger and outcome.
	AssistantInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polylog_assistant_invocations_total",
			Help: "Assistant generations by trigger cause and outcome",
		},
		[]string{"trigger", "status"},
	)

	// AssistantLatency tracks language-model collaborator latency.
	AssistantLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "polylog_assistant_latency_seconds",
			Help:    "Language-model completion latency",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 20, 30, 60},
		},
		[]string{"provider"},
	)

	// FanoutDeliveries counts per-connection deliveries.
	FanoutDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polylog_fanout_deliveries_total",
			Help: "Per-connection fanout deliveries",
		},
		[]string{"status"},
	)

	// ConnectionsActive tracks currently open WebSocket connections.
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "polylog_ws_connections_active",
			Help: "Open WebSocket connections",
		},
	)
)
