package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Capture metrics
	RecordsCaptured = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telhawk_playback_records_captured_total",
			Help: "Total number of stream records written to the buffer store",
		},
	)

	CaptureBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_playback_capture_batches_total",
			Help: "Total number of capture batches by outcome",
		},
		[]string{"status"},
	)

	BufferWriteErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telhawk_playback_buffer_write_errors_total",
			Help: "Total number of failed buffer store writes",
		},
	)

	// Reconcile metrics
	RecordsReconciled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telhawk_playback_records_reconciled_total",
			Help: "Total number of buffer records moved into the event store",
		},
	)

	DecodeFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telhawk_playback_decode_failures_total",
			Help: "Total number of payloads kept in their encoded form",
		},
	)

	// Link metrics
	SlotsLinked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telhawk_playback_slots_linked_total",
			Help: "Total number of forward pointers written between populated slots",
		},
	)

	SlotsScanned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_playback_slots_scanned_total",
			Help: "Total number of slots visited by the chain linker",
		},
		[]string{"state"}, // populated, empty
	)

	// Replay metrics
	RecordsReplayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_playback_records_replayed_total",
			Help: "Total number of records published to the output transport",
		},
		[]string{"strategy"},
	)

	ReplayRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_playback_replay_retries_total",
			Help: "Total number of record resubmissions after a failed publish",
		},
		[]string{"strategy"},
	)

	// Invocation metrics
	Continuations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_playback_continuations_total",
			Help: "Total number of self-dispatched continuations",
		},
		[]string{"component", "status"},
	)

	Invocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_playback_invocations_total",
			Help: "Total number of component invocations by outcome",
		},
		[]string{"component", "status"},
	)

	InvocationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "telhawk_playback_invocation_duration_seconds",
			Help:    "Duration of component invocations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"component"},
	)

	// Beacon metrics
	BeaconRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_playback_beacon_requests_total",
			Help: "Total number of beacon requests",
		},
		[]string{"variant", "status"},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telhawk_playback_rate_limit_hits_total",
			Help: "Total number of beacon requests rejected by the rate limiter",
		},
	)
)
