package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for CoverLedger.
// Every engine-side series carries a "chain" label; deployments share one registry.
type Metrics struct {
	// --- Core Processing ---
	CoreCommandsApplied  *prometheus.CounterVec
	CoreCommandsRejected *prometheus.CounterVec
	CoreCommandDuration  *prometheus.HistogramVec
	CoreJournals         *prometheus.CounterVec
	CoreSequence         *prometheus.GaugeVec
	ReplayProtection     *prometheus.CounterVec

	// --- Pool ---
	PoolTVL            *prometheus.GaugeVec
	PoolShares         *prometheus.GaugeVec
	PoolOutstanding    *prometheus.GaugeVec
	PoolUtilizationBps *prometheus.GaugeVec
	PoolReserve        *prometheus.GaugeVec
	ActiveCoverages    *prometheus.GaugeVec

	// --- Claims & coverage lifecycle ---
	ClaimsSubmitted *prometheus.CounterVec
	ClaimsResolved  *prometheus.CounterVec
	PayoutAmount    *prometheus.CounterVec
	PremiumAmount   *prometheus.CounterVec
	UpkeepExpired   *prometheus.CounterVec
	UpkeepSkipped   *prometheus.CounterVec

	// --- Latency ---
	IngestToApply       *prometheus.HistogramVec
	PersistBatchDur     prometheus.Histogram
	ProjectionUpdateDur *prometheus.HistogramVec

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          *prometheus.GaugeVec
	DedupTier2Errors      prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistLastSequence    *prometheus.GaugeVec

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   *prometheus.GaugeVec
	ReplayEventsTotal *prometheus.CounterVec
	ReplayDuration    *prometheus.GaugeVec

	// --- API ---
	QueryRequests  *prometheus.CounterVec
	QueryDuration  *prometheus.HistogramVec
	QueryErrors    *prometheus.CounterVec
	RateLimited    *prometheus.CounterVec
	IngestMessages *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
// Call it once per process.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01, 0.05,
	}

	return &Metrics{
		// Core Processing
		CoreCommandsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_core_commands_applied_total",
			Help: "Commands successfully applied by the engine",
		}, []string{"chain", "event_type"}),

		CoreCommandsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_core_commands_rejected_total",
			Help: "Commands rejected, by error kind",
		}, []string{"chain", "event_type", "kind"}),

		CoreCommandDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cover_core_command_apply_duration_seconds",
			Help:    "Time to apply a single command",
			Buckets: latencyBuckets,
		}, []string{"chain", "event_type"}),

		CoreJournals: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"chain", "journal_type"}),

		CoreSequence: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cover_core_sequence",
			Help: "Next command sequence number",
		}, []string{"chain"}),

		ReplayProtection: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_replay_protection_rejected_total",
			Help: "Calls refused by nonce or blockhash checks, by code",
		}, []string{"chain", "code"}),

		// Pool
		PoolTVL: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cover_pool_total_value_locked",
			Help: "Pool TVL in base units",
		}, []string{"chain"}),

		PoolShares: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cover_pool_total_shares",
			Help: "Outstanding provider shares",
		}, []string{"chain"}),

		PoolOutstanding: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cover_pool_coverage_outstanding",
			Help: "Unclaimed amount of active coverages",
		}, []string{"chain"}),

		PoolUtilizationBps: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cover_pool_utilization_bps",
			Help: "Outstanding / TVL in basis points",
		}, []string{"chain"}),

		PoolReserve: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cover_pool_required_reserve",
			Help: "TVL locked behind outstanding coverage by the reserve ratio",
		}, []string{"chain"}),

		ActiveCoverages: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cover_active_coverages",
			Help: "Coverages in Active status",
		}, []string{"chain"}),

		// Claims & coverage lifecycle
		ClaimsSubmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_claims_submitted_total",
			Help: "Claims submitted",
		}, []string{"chain"}),

		ClaimsResolved: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_claims_resolved_total",
			Help: "Claims resolved, by outcome",
		}, []string{"chain", "outcome"}),

		PayoutAmount: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_payout_amount_total",
			Help: "Base units paid out to claimants",
		}, []string{"chain"}),

		PremiumAmount: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_premium_amount_total",
			Help: "Premiums collected, by payment token",
		}, []string{"chain", "token"}),

		UpkeepExpired: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_upkeep_expired_total",
			Help: "Coverages expired by upkeep",
		}, []string{"chain"}),

		UpkeepSkipped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_upkeep_skipped_total",
			Help: "Upkeep candidates skipped on re-validation",
		}, []string{"chain"}),

		// Latency
		IngestToApply: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cover_ingest_to_apply_seconds",
			Help:    "NATS receive to engine apply complete",
			Buckets: latencyBuckets,
		}, []string{"chain", "event_type"}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "cover_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		ProjectionUpdateDur: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cover_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"chain"}),

		// Channel & Backpressure
		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cover_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cover_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cover_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}, []string{"chain"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cover_publish_drops_total",
			Help: "Domain events dropped due to full publish channel",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cover_persist_backpressure_total",
			Help: "Times the engine blocked on the persist channel",
		}),

		// Idempotency
		IdempotencyDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"chain", "tier"}),

		DedupLRUSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cover_dedup_lru_size",
			Help: "Current LRU occupancy",
		}, []string{"chain"}),

		DedupTier2Errors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cover_dedup_tier2_errors_total",
			Help: "Postgres dedup lookup failures",
		}),

		// Persistence
		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cover_persist_events_written_total",
			Help: "Envelopes written to Postgres",
		}),

		PersistJournalsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cover_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "cover_persist_batch_size",
			Help:    "Envelopes per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistLastSequence: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cover_persist_last_sequence",
			Help: "Last persisted sequence",
		}, []string{"chain"}),

		// Snapshot
		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cover_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "cover_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "cover_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cover_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}, []string{"chain"}),

		ReplayEventsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_replay_events_total",
			Help: "Commands replayed on startup",
		}, []string{"chain"}),

		ReplayDuration: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cover_replay_duration_seconds",
			Help: "Total replay time",
		}, []string{"chain"}),

		// API
		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cover_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),

		RateLimited: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_rate_limited_total",
			Help: "Write requests refused by the rate limiter",
		}, []string{"method"}),

		IngestMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cover_ingest_messages_total",
			Help: "NATS messages handled, by subject kind and result",
		}, []string{"chain", "kind", "result"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
