package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sweepmonk"

var (
	// MessagesEvaluated counts messages run through the content matcher.
	MessagesEvaluated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_evaluated_total",
		Help:      "Messages evaluated by the content matcher.",
	}, []string{"verdict"})

	// RuleMatches counts verdicts per rule kind.
	RuleMatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rule_matches_total",
		Help:      "Rule matches by rule kind.",
	}, []string{"kind"})

	// RulesLoaded is the size of the active rule set per kind.
	RulesLoaded = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rules_loaded",
		Help:      "Rules in the active rule set.",
	}, []string{"kind"})

	// RulesInvalid counts pattern lines skipped during a load.
	RulesInvalid = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rules_invalid_total",
		Help:      "Malformed pattern lines skipped while loading rules.",
	})

	// ViolationsRecorded counts enforcement actions taken on violating messages.
	ViolationsRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "violations_recorded_total",
		Help:      "Violating messages recorded by the enforcement path.",
	})

	// Transitions counts probation state-machine outcomes.
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "probation_transitions_total",
		Help:      "Probation transitions by event and outcome.",
	}, []string{"event", "outcome"})

	// ActionCalls counts Action Executor calls.
	ActionCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "action_calls_total",
		Help:      "Chat platform action calls by operation and status.",
	}, []string{"op", "status"})

	// ActionDuration records Action Executor latency.
	ActionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "action_duration_seconds",
		Help:      "Chat platform action latency in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
	}, []string{"op"})

	// PendingProbations tracks ledger rows seen by the last sweep.
	PendingProbations = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_probations",
		Help:      "Outstanding probation entries in the ledger.",
	})

	// ArmedTimers tracks in-process probation timers.
	ArmedTimers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "armed_timers",
		Help:      "In-process probation timers currently armed.",
	})

	// SweepDuration records reconciliation sweep duration.
	SweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sweep_duration_seconds",
		Help:      "Reconciliation sweep duration in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0},
	}, []string{"trigger"})

	// SweepResolved counts expired rows resolved by the sweep.
	SweepResolved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweep_resolved_total",
		Help:      "Expired probation entries resolved by the reconciliation sweep.",
	})

	// JobsEnqueued counts jobs placed into the worker channel.
	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_enqueued_total",
		Help:      "Jobs placed into worker channel.",
	}, []string{"action"})

	// JobsDropped counts jobs discarded without being run.
	JobsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_dropped_total",
		Help:      "Jobs discarded without being run.",
	}, []string{"reason"})

	// JobsProcessed counts worker completions.
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_processed_total",
		Help:      "Worker job completions.",
	}, []string{"action", "status"})

	// WorkerQueueDepth tracks current job channel length.
	WorkerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_queue_depth",
		Help:      "Current job channel buffer depth.",
	})

	// DBSizeBytes tracks bbolt on-disk file size.
	DBSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_size_bytes",
		Help:      "bbolt on-disk file size in bytes.",
	})
)
