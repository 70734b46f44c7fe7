package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Progress writes by urgency class and outcome.
	ProgressWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "live_quiz_progress_writes_total",
			Help: "Progress store writes by class and status",
		},
		[]string{"class", "status"}, // class: immediate/deferred, status: ok/retried/failed
	)

	// Deferred updates replaced by a later one inside the coalescing window.
	ProgressCoalesced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "live_quiz_progress_coalesced_total",
			Help: "Deferred progress updates collapsed into a later update",
		},
	)

	// Pending deferred updates thrown away.
	ProgressDiscarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "live_quiz_progress_discarded_total",
			Help: "Deferred progress updates discarded before reaching the store",
		},
		[]string{"reason"}, // reason: leave/write_failed/rejected/reset
	)

	EventLogFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "live_quiz_event_log_failures_total",
			Help: "Progress event appends that failed and were swallowed",
		},
	)

	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "live_quiz_session_transitions_total",
			Help: "Session status transitions attempted",
		},
		[]string{"to", "applied"},
	)

	PresenceChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "live_quiz_presence_changes_total",
			Help: "Participant presence flips",
		},
		[]string{"online", "cause"}, // cause: join/heartbeat/leave/timeout
	)

	WriteDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "live_quiz_progress_write_duration_seconds",
			Help:    "Time spent persisting a progress update including retry",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"class"},
	)

	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "live_quiz_stream_subscribers_current",
			Help: "Open session event streams",
		},
	)
)
