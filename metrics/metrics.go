// Package metrics defines the rollup node's instrumentation: a
// process-wide prometheus registry, the counters and gauges each
// subsystem increments as it works, and the exposition handler the node
// mounts at /metrics. Subsystems import this package and touch the
// exported collectors directly; nothing here is wired per-instance.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultRegistry holds every collector this package defines, plus the
// standard Go runtime and process collectors.
var DefaultRegistry = prometheus.NewRegistry()

var factory = promauto.With(DefaultRegistry)

func init() {
	DefaultRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler returns the HTTP exposition handler for DefaultRegistry.
func Handler() http.Handler {
	return promhttp.HandlerFor(DefaultRegistry, promhttp.HandlerOpts{})
}

// CSM.
var (
	// SyncEventsProcessed counts sync events the CSM worker has applied
	// and committed.
	SyncEventsProcessed = factory.NewCounter(prometheus.CounterOpts{
		Name: "rollup_csm_sync_events_processed_total",
		Help: "Sync events applied and committed by the CSM worker.",
	})
	// SyncEventRetries counts sync-event applications that failed and
	// were retried with backoff.
	SyncEventRetries = factory.NewCounter(prometheus.CounterOpts{
		Name: "rollup_csm_sync_event_retries_total",
		Help: "Failed sync-event applications that entered the retry loop.",
	})
)

// L1 reader.
var (
	// L1BlocksScanned counts L1 blocks turned into manifests.
	L1BlocksScanned = factory.NewCounter(prometheus.CounterOpts{
		Name: "rollup_l1_blocks_scanned_total",
		Help: "L1 blocks fetched and turned into manifests by the follower.",
	})
	// L1Reorgs counts reorgs the follower detected.
	L1Reorgs = factory.NewCounter(prometheus.CounterOpts{
		Name: "rollup_l1_reorgs_total",
		Help: "L1 reorgs detected by the follower.",
	})
)

// Checkpoint verification.
var (
	// CheckpointsAccepted counts checkpoint payloads that passed the
	// credential-then-proof check.
	CheckpointsAccepted = factory.NewCounter(prometheus.CounterOpts{
		Name: "rollup_checkpoints_accepted_total",
		Help: "Checkpoint payloads accepted by verification.",
	})
	// CheckpointsRejected counts checkpoint payloads dropped as
	// malformed, falsely credentialed, or carrying a bad proof.
	CheckpointsRejected = factory.NewCounter(prometheus.CounterOpts{
		Name: "rollup_checkpoints_rejected_total",
		Help: "Checkpoint payloads rejected by verification.",
	})
)

// L1 broadcaster.
var (
	// BroadcasterPublished counts transactions handed to the Bitcoin
	// client for broadcast.
	BroadcasterPublished = factory.NewCounter(prometheus.CounterOpts{
		Name: "rollup_broadcaster_published_total",
		Help: "Transactions submitted to the Bitcoin client for broadcast.",
	})
	// BroadcasterQueueDepth gauges how many tracked entries are not yet
	// finalized or permanently rejected.
	BroadcasterQueueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Name: "rollup_broadcaster_queue_depth",
		Help: "Tracked broadcaster entries still short of finalization.",
	})
)

// Bridge duty execution.
var (
	// BridgeDutiesExecuted counts duties that reached Executed status.
	BridgeDutiesExecuted = factory.NewCounter(prometheus.CounterOpts{
		Name: "rollup_bridge_duties_executed_total",
		Help: "Bridge duties completed through the full MuSig2 ceremony.",
	})
	// BridgeDutiesFailed counts duties persisted as Failed.
	BridgeDutiesFailed = factory.NewCounter(prometheus.CounterOpts{
		Name: "rollup_bridge_duties_failed_total",
		Help: "Bridge duties that failed and will be re-offered.",
	})
)

// Sequencer.
var (
	// BlocksProduced counts L2 blocks assembled, signed, and persisted.
	BlocksProduced = factory.NewCounter(prometheus.CounterOpts{
		Name: "rollup_sequencer_blocks_produced_total",
		Help: "L2 blocks assembled and signed by the duty worker.",
	})
	// EpochsClosed counts epochs whose final block this sequencer built.
	EpochsClosed = factory.NewCounter(prometheus.CounterOpts{
		Name: "rollup_sequencer_epochs_closed_total",
		Help: "Epochs closed by a block this sequencer produced.",
	})
	// CheckpointsCommitted counts checkpoints signed and queued for L1.
	CheckpointsCommitted = factory.NewCounter(prometheus.CounterOpts{
		Name: "rollup_sequencer_checkpoints_committed_total",
		Help: "Checkpoints signed and queued for L1 inscription.",
	})
)
