package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ChangeEventsReceived tracks change notifications decoded by the listener
	ChangeEventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "filaup_change_events_total",
		Help: "Total number of change notifications received from storage",
	}, []string{"action", "status"})

	// ChangeEventsDropped counts payloads that failed to parse and were discarded
	ChangeEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "filaup_change_events_dropped_total",
		Help: "Total number of malformed change payloads dropped by the listener",
	})

	// ListenerHealthy provides a binary 0/1 signal for the change listener link
	// 1 = listening, 0 = disconnected (reconnect loop active)
	ListenerHealthy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "filaup_listener_healthy",
		Help: "Whether the change-notification subscription is currently established",
	})

	// ListenerReconnections counts how many times the LISTEN link had to be restored
	ListenerReconnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "filaup_listener_reconnections_total",
		Help: "Total number of change-listener reconnection attempts",
	})

	// SubscribersActive tracks currently open live streams per namespace
	SubscribersActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "filaup_stream_subscribers",
		Help: "Number of live stream subscribers currently registered",
	}, []string{"scope"})

	// FanoutDeliveries counts events written to subscriber buffers
	FanoutDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "filaup_fanout_deliveries_total",
		Help: "Total number of events delivered to subscriber buffers",
	}, []string{"scope"})

	// SubscriberOverflows counts drop-oldest evictions on slow subscribers
	SubscriberOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "filaup_subscriber_overflows_total",
		Help: "Total number of buffer overflows that degraded a subscriber",
	})

	// JobsPublished tracks notification jobs handed to the broker
	JobsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "filaup_notify_jobs_published_total",
		Help: "Total number of notification jobs enqueued to the broker",
	}, []string{"kind", "status"})

	// JobsProcessed tracks the outcome of consumed notification jobs
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "filaup_notify_jobs_processed_total",
		Help: "Total number of notification jobs processed by the worker pool",
	}, []string{"status"}) // status: sent, failed, dropped

	// JobDuration measures end-to-end processing time of one job including retries
	JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "filaup_notify_job_duration_seconds",
		Help:    "Duration of notification job processing in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})

	// ProviderAttempts tracks individual delivery attempts per provider
	ProviderAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "filaup_provider_attempts_total",
		Help: "Total number of provider delivery attempts",
	}, []string{"provider", "status"})

	// BrokerHealthy provides a binary 0/1 signal for the RabbitMQ link
	BrokerHealthy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "filaup_broker_healthy",
		Help: "Whether the broker connection is currently established",
	})

	// TicketsSwept counts WAITING tickets abandoned by the janitor
	TicketsSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "filaup_tickets_swept_total",
		Help: "Total number of abandoned tickets marked NO_SHOW by the sweep",
	})
)
