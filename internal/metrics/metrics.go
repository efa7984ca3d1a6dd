package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	SessionsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eddo_sessions_started_total",
			Help: "Total number of orchestration runs started",
		},
	)

	SessionsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eddo_sessions_finished_total",
			Help: "Total number of runs that reached a terminal or suspended status",
		},
		[]string{"status"},
	)

	NodesEntered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eddo_nodes_entered_total",
			Help: "Total number of graph node entries",
		},
		[]string{"node"},
	)

	// Step metrics
	StepsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eddo_steps_executed_total",
			Help: "Total number of executed plan steps",
		},
		[]string{"capability", "status"},
	)

	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eddo_step_duration_seconds",
			Help:    "Capability invocation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"capability"},
	)

	CircuitOpened = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eddo_circuit_opened_total",
			Help: "Total number of times a capability circuit opened",
		},
		[]string{"capability"},
	)

	// Approval metrics
	ApprovalsRequested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eddo_approvals_requested_total",
			Help: "Total number of approval gates raised",
		},
		[]string{"gate"},
	)

	ApprovalsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eddo_approvals_resolved_total",
			Help: "Total number of approval resolutions by outcome",
		},
		[]string{"outcome"},
	)

	// Classifier metrics
	ClassifierFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eddo_classifier_fallbacks_total",
			Help: "Total number of times a classifier call fell back to a default",
		},
		[]string{"call"},
	)

	// Channel metrics
	NotificationsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eddo_notifications_failed_total",
			Help: "Total number of failed channel sends",
		},
		[]string{"kind"},
	)

	InboundMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eddo_inbound_messages_total",
			Help: "Total number of inbound channel messages by dispatch kind",
		},
		[]string{"channel", "kind"},
	)

	// Plugin metrics
	PluginCapabilities = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "eddo_plugin_capabilities",
			Help: "Number of capabilities registered per plugin",
		},
		[]string{"plugin"},
	)

	// Janitor metrics
	SessionsAbandoned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eddo_sessions_abandoned_total",
			Help: "Total number of suspended sessions marked abandoned",
		},
	)

	CheckpointsPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eddo_checkpoints_purged_total",
			Help: "Total number of terminal checkpoints deleted",
		},
	)

	// Worker metrics
	TraversalsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "eddo_traversals_running",
			Help: "Number of background traversals holding a worker slot",
		},
	)

	TraversalsQueued = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "eddo_traversals_queued",
			Help: "Number of background traversals waiting for a slot or for their session",
		},
	)

	WorkerPanics = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eddo_worker_panics_total",
			Help: "Total number of panics recovered from background traversals",
		},
	)
)
