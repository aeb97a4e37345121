package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "core_bus_events_published_total",
		Help: "Total number of events accepted by the bus.",
	})

	EventsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "core_bus_events_delivered_total",
		Help: "Total number of successful subscription deliveries.",
	})

	DeliveryFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "core_bus_delivery_failures_total",
		Help: "Total number of failed delivery attempts, labelled by event type.",
	}, []string{"event_type"})

	DeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "core_bus_dead_lettered_total",
		Help: "Total number of events moved to the dead-letter queue.",
	})

	DeadLetterSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "core_bus_dead_letter_size",
		Help: "Current number of retained dead-letter entries.",
	})

	PublishRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "core_bus_publish_rejected_total",
		Help: "Total number of publishes rejected due to backpressure.",
	})

	EventsAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "core_store_events_appended_total",
		Help: "Total number of events appended, labelled by backend.",
	}, []string{"backend"})

	AppendConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "core_store_append_conflicts_total",
		Help: "Total number of appends rejected by the optimistic version check.",
	})

	SnapshotsSaved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "core_store_snapshots_saved_total",
		Help: "Total number of snapshots written.",
	})

	RebuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "core_store_rebuild_duration_ms",
		Help:    "Aggregate rebuild latency in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
	})

	MeshCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "core_mesh_calls_total",
		Help: "Total number of mesh calls, labelled by target service and outcome.",
	}, []string{"service", "outcome"})

	CircuitTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "core_mesh_circuit_transitions_total",
		Help: "Total number of circuit breaker transitions, labelled by service and new state.",
	}, []string{"service", "state"})

	TransactionsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "core_tx_completed_total",
		Help: "Total number of finished transactions, labelled by terminal state.",
	}, []string{"state"})

	TransactionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "core_tx_duration_ms",
		Help:    "End-to-end transaction latency in milliseconds.",
		Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	})
)
