package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for Percolator.
type Metrics struct {
	// --- Controller ---
	InstructionsApplied  *prometheus.CounterVec
	InstructionsRejected *prometheus.CounterVec
	InstructionDuration  *prometheus.HistogramVec
	StateHashDur         prometheus.Histogram
	Sequence             prometheus.Gauge
	Slot                 prometheus.Gauge

	// --- Slab ---
	VaultBalance     prometheus.Gauge
	TotalCapital     prometheus.Gauge
	InsuranceBalance prometheus.Gauge
	OpenInterest     prometheus.Gauge
	UsedAccounts     prometheus.Gauge
	PendingEpoch     prometheus.Gauge
	FundingRate      prometheus.Gauge
	GateActive       prometheus.Gauge

	// --- Risk ---
	Liquidations      *prometheus.CounterVec
	BadDebt           prometheus.Counter
	WarmupConverted   prometheus.Counter
	MatcherRejections *prometheus.CounterVec

	// --- Idempotency & Ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupTier2Errors      prometheus.Counter
	SlotRegressions       prometheus.Counter

	// --- Channels ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	PublishDrops       prometheus.Counter

	// --- Persistence ---
	PersistReceiptsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge

	// --- Ingestion ---
	IngestReceived    *prometheus.CounterVec
	IngestParseErrors *prometheus.CounterVec

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all metrics on reg. Tests pass a fresh
// prometheus.NewRegistry() so repeated construction does not collide.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Controller
		InstructionsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "percolator_instructions_applied_total",
			Help: "Instructions committed to the slab",
		}, []string{"tag"}),

		InstructionsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "percolator_instructions_rejected_total",
			Help: "Instructions rejected, by error class",
		}, []string{"tag", "code"}),

		InstructionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "percolator_instruction_duration_seconds",
			Help:    "Time to process one instruction",
			Buckets: latencyBuckets,
		}, []string{"tag"}),

		StateHashDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "percolator_state_hash_duration_seconds",
			Help:    "Time to encode and hash the slab",
			Buckets: latencyBuckets,
		}),

		Sequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "percolator_sequence",
			Help: "Sequence of the last committed instruction",
		}),

		Slot: f.NewGauge(prometheus.GaugeOpts{
			Name: "percolator_slot",
			Help: "Clock slot of the last committed instruction",
		}),

		// Slab
		VaultBalance: f.NewGauge(prometheus.GaugeOpts{
			Name: "percolator_vault_balance",
			Help: "Vault balance in base token units",
		}),

		TotalCapital: f.NewGauge(prometheus.GaugeOpts{
			Name: "percolator_total_capital",
			Help: "Sum of account capital in engine units",
		}),

		InsuranceBalance: f.NewGauge(prometheus.GaugeOpts{
			Name: "percolator_insurance_balance",
			Help: "Insurance fund balance in engine units",
		}),

		OpenInterest: f.NewGauge(prometheus.GaugeOpts{
			Name: "percolator_open_interest",
			Help: "Sum of absolute positions",
		}),

		UsedAccounts: f.NewGauge(prometheus.GaugeOpts{
			Name: "percolator_used_accounts",
			Help: "Ledger slots in use",
		}),

		PendingEpoch: f.NewGauge(prometheus.GaugeOpts{
			Name: "percolator_pending_epoch",
			Help: "Current warmup epoch counter",
		}),

		FundingRate: f.NewGauge(prometheus.GaugeOpts{
			Name: "percolator_funding_rate_bps_per_slot",
			Help: "Stored funding rate for the next interval",
		}),

		GateActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "percolator_risk_reduction_gate",
			Help: "1 while only risk-reducing trades are accepted",
		}),

		// Risk
		Liquidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "percolator_liquidations_total",
			Help: "Positions closed by liquidation",
		}, []string{"kind"}),

		BadDebt: f.NewCounter(prometheus.CounterOpts{
			Name: "percolator_bad_debt_total",
			Help: "Losses written off after capital was exhausted",
		}),

		WarmupConverted: f.NewCounter(prometheus.CounterOpts{
			Name: "percolator_warmup_converted_total",
			Help: "Matured profit paid from insurance into capital",
		}),

		MatcherRejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "percolator_matcher_rejections_total",
			Help: "Matcher returns that failed validation",
		}, []string{"code"}),

		// Idempotency & Ordering
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "percolator_idempotency_duplicates_total",
			Help: "Duplicate requests detected",
		}, []string{"tag", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "percolator_dedup_lru_size",
			Help: "Entries in the idempotency LRU",
		}),

		DedupTier2Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "percolator_dedup_tier2_errors_total",
			Help: "Postgres idempotency lookups that failed",
		}),

		SlotRegressions: f.NewCounter(prometheus.CounterOpts{
			Name: "percolator_slot_regressions_total",
			Help: "Requests whose slot was behind the last committed slot",
		}),

		// Channels
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "percolator_channel_size",
			Help: "Current channel buffer usage",
		}, []string{"channel"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "percolator_channel_capacity",
			Help: "Channel buffer capacity",
		}, []string{"channel"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "percolator_channel_utilization",
			Help: "Channel size / capacity",
		}, []string{"channel"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "percolator_publish_drops_total",
			Help: "Receipts dropped because the publish channel was full",
		}),

		// Persistence
		PersistReceiptsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "percolator_persist_receipts_written_total",
			Help: "Receipts written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "percolator_persist_batch_size",
			Help:    "Receipts per persistence batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "percolator_persist_batch_duration_seconds",
			Help:    "Time to commit one persistence batch",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "percolator_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"op"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "percolator_persist_retry_total",
			Help: "Persistence batch retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "percolator_persist_last_sequence",
			Help: "Last sequence committed to Postgres",
		}),

		// Snapshot
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "percolator_snapshot_taken_total",
			Help: "Slab snapshots written",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "percolator_snapshot_duration_seconds",
			Help:    "Time to write a snapshot",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "percolator_snapshot_size_bytes",
			Help: "Size of the last snapshot",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "percolator_snapshot_last_sequence",
			Help: "Sequence of the last snapshot",
		}),

		// Ingestion
		IngestReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "percolator_ingest_received_total",
			Help: "Requests received",
		}, []string{"source"}),

		IngestParseErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "percolator_ingest_parse_errors_total",
			Help: "Requests that failed to parse",
		}, []string{"source"}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "percolator_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "percolator_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
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
