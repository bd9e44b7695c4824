package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for BridgeLedger.
type Metrics struct {
	// --- Source locker ---
	DepositsAccepted  *prometheus.CounterVec
	SourceWithdrawals *prometheus.CounterVec
	DustRefunds       prometheus.Counter
	BatchesDispatched *prometheus.CounterVec
	BatchRecords      prometheus.Histogram
	CurrentNonce      prometheus.Gauge

	// --- Transport ---
	TransportSendErrors prometheus.Counter
	MessagesAccepted    prometheus.Counter
	MessagesRejected    *prometheus.CounterVec
	DeliveryDuplicates  prometheus.Counter
	DedupLRUEvictions   prometheus.Counter

	// --- Destination executor ---
	EscrowAccountsCreated   prometheus.Counter
	EscrowAccountsReused    prometheus.Counter
	TransformationsExecuted prometheus.Counter
	Withdrawals             *prometheus.CounterVec

	// --- Persistence ---
	PersistRowsWritten prometheus.Counter
	PersistBatchDur    prometheus.Histogram
	PersistBatchSize   prometheus.Histogram
	PersistErrors      *prometheus.CounterVec
	PersistRetry       prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		// Source locker
		DepositsAccepted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_deposits_accepted_total",
			Help: "Deposits accepted into the locker",
		}, []string{"mode"}),

		SourceWithdrawals: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_source_withdrawals_total",
			Help: "Pre-dispatch withdrawals paid on the source side",
		}, []string{"mode"}),

		DustRefunds: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bridge_dust_refunds_total",
			Help: "Dust refunds issued during dispatch normalization",
		}),

		BatchesDispatched: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_batches_dispatched_total",
			Help: "Batches dispatched to the destination",
		}, []string{"asset"}),

		BatchRecords: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "bridge_batch_records",
			Help:    "Depositor records per dispatched batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
		}),

		CurrentNonce: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_current_nonce",
			Help: "Last allocated global batch nonce",
		}),

		// Transport
		TransportSendErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bridge_transport_send_errors_total",
			Help: "Outbound sends that failed (retryable via resend)",
		}),

		MessagesAccepted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bridge_messages_accepted_total",
			Help: "Inbound messages fully processed and acked",
		}),

		MessagesRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_messages_rejected_total",
			Help: "Inbound messages rejected (trust, decode, over_credit, ...)",
		}, []string{"reason"}),

		DeliveryDuplicates: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bridge_delivery_duplicates_total",
			Help: "Redeliveries absorbed by the dedupe cache",
		}),

		DedupLRUEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bridge_dedup_lru_evictions_total",
			Help: "Dedupe cache evictions",
		}),

		// Destination executor
		EscrowAccountsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bridge_escrow_accounts_created_total",
			Help: "Escrow accounts created on first delivery of a nonce",
		}),

		EscrowAccountsReused: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bridge_escrow_accounts_reused_total",
			Help: "Deliveries folded into an existing escrow account",
		}),

		TransformationsExecuted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bridge_transformations_executed_total",
			Help: "Escrow accounts successfully transformed",
		}),

		Withdrawals: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_withdrawals_total",
			Help: "Destination withdrawals paid (prorated/refund)",
		}, []string{"mode"}),

		// Persistence
		PersistRowsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bridge_persist_rows_written_total",
			Help: "Audit rows written to Postgres",
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "bridge_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "bridge_persist_batch_size",
			Help:    "Rows per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bridge_persist_retry_total",
			Help: "Persistence retries",
		}),
	}
}
