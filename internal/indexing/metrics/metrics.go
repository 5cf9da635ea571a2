package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BlocksProcessed tracks blocks reconciled, by outcome.
	BlocksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainsink_blocks_processed_total",
			Help: "Total number of block jobs processed",
		},
		[]string{"outcome"},
	)

	// ReorgsDetected tracks detected reorganizations.
	ReorgsDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chainsink_reorgs_detected_total",
			Help: "Total number of reorgs detected",
		},
	)

	// ReorgDepth observes how far each reorg walk had to go.
	ReorgDepth = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chainsink_reorg_depth_blocks",
			Help:    "Depth of detected reorgs in blocks",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
		},
	)

	// TransfersWritten tracks decoded transfers upserted, by token type.
	TransfersWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainsink_transfers_written_total",
			Help: "Total number of transfers upserted",
		},
		[]string{"token_type"},
	)

	// LogsSkipped tracks logs with no registered decoder.
	LogsSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chainsink_logs_skipped_total",
			Help: "Total number of logs skipped (no decoder matched)",
		},
	)

	// JobsFailed tracks job failures handed to the retry coordinator.
	JobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainsink_jobs_failed_total",
			Help: "Total number of job failures recorded",
		},
		[]string{"job_type"},
	)

	// JobsRetried tracks ledger entries re-enqueued by the sweep.
	JobsRetried = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainsink_jobs_retried_total",
			Help: "Total number of failed jobs re-enqueued",
		},
		[]string{"job_type"},
	)

	// JobsExhausted tracks jobs promoted to the terminal error state.
	JobsExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainsink_jobs_exhausted_total",
			Help: "Total number of jobs that hit the retry ceiling",
		},
		[]string{"job_type"},
	)

	// QueueDepth samples the number of pending jobs per topic.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chainsink_queue_depth",
			Help: "Current number of pending jobs per topic",
		},
		[]string{"topic"},
	)

	// ChainHead tracks the latest head number seen by the poller.
	ChainHead = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chainsink_chain_head",
			Help: "Latest chain head number observed",
		},
	)

	// RPCErrors tracks upstream node failures.
	RPCErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainsink_rpc_errors_total",
			Help: "Total number of RPC errors",
		},
		[]string{"method"},
	)

	// DBConnectionPoolUsage samples connection pool saturation percent.
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chainsink_db_pool_usage_percent",
			Help: "Database connection pool usage percentage",
		},
	)
)
