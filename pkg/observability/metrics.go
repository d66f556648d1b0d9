package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_active_connections",
		Help: "Current number of authenticated websocket connections.",
	})

	NotificationsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_notifications_delivered_total",
		Help: "Total notifications written to websocket connections.",
	}, []string{"channel"})

	DuplicatesSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_duplicates_suppressed_total",
		Help: "Notifications dropped by per-connection deduplication.",
	})

	SlowConsumersDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_slow_consumers_dropped_total",
		Help: "Connections dropped because their send buffer was full.",
	})

	EmailFallbacksQueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_email_fallbacks_queued_total",
		Help: "Notifications handed to the email driver for offline recipients.",
	})

	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_events_ingested_total",
		Help: "Domain events consumed from the broker, by outcome.",
	}, []string{"outcome"})
)
