package persistence

import (
	"context"
	"database/sql"
	"log"
	"time"

	"BridgeLedger/internal/observability"
)

// AuditRecord is one unit of audit output from the protocol state machine.
// Exactly one of the row fields is set.
type AuditRecord struct {
	Batch      *BatchRow
	Message    *MessageRow
	Withdrawal *WithdrawalRow
}

// AuditWorker drains the audit channel and batch-writes to Postgres.
// It runs independently from the protocol state machine; the channel is
// buffered and sends from the hot path are non-blocking only in the sense
// that the state machine never waits on Postgres latency for correctness —
// audit rows are observational.
type AuditWorker struct {
	writer       *AuditWriter
	db           *sql.DB
	input        <-chan AuditRecord
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
}

func NewAuditWorker(
	db *sql.DB,
	input <-chan AuditRecord,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *AuditWorker {
	return &AuditWorker{
		writer:       NewAuditWriter(db),
		db:           db,
		input:        input,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
	}
}

type auditBatch struct {
	batches     []BatchRow
	messages    []MessageRow
	withdrawals []WithdrawalRow
}

func (b *auditBatch) add(rec AuditRecord) {
	switch {
	case rec.Batch != nil:
		b.batches = append(b.batches, *rec.Batch)
	case rec.Message != nil:
		b.messages = append(b.messages, *rec.Message)
	case rec.Withdrawal != nil:
		b.withdrawals = append(b.withdrawals, *rec.Withdrawal)
	}
}

func (b *auditBatch) size() int {
	return len(b.batches) + len(b.messages) + len(b.withdrawals)
}

func (b *auditBatch) reset() {
	b.batches = b.batches[:0]
	b.messages = b.messages[:0]
	b.withdrawals = b.withdrawals[:0]
}

// Run starts the worker loop. It batches incoming records and flushes either
// when the batch is full or the flush timeout expires. Blocks until ctx is
// cancelled or the input channel closes.
func (w *AuditWorker) Run(ctx context.Context) error {
	var batch auditBatch

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if batch.size() > 0 {
				// Final flush with a background context so shutdown does not
				// drop the tail of the audit trail
				if err := w.flush(context.Background(), &batch); err != nil {
					log.Printf("ERROR: final audit flush failed: %v", err)
				}
			}
			return ctx.Err()

		case rec, ok := <-w.input:
			if !ok {
				if batch.size() > 0 {
					if err := w.flush(context.Background(), &batch); err != nil {
						log.Printf("ERROR: final audit flush failed: %v", err)
					}
				}
				return nil
			}

			batch.add(rec)
			if batch.size() >= w.batchSize {
				if err := w.flushWithRetry(ctx, &batch); err != nil {
					log.Printf("ERROR: audit flush failed after retries: %v", err)
				}
				batch.reset()
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if batch.size() > 0 {
				if err := w.flushWithRetry(ctx, &batch); err != nil {
					log.Printf("ERROR: timeout audit flush failed after retries: %v", err)
				}
				batch.reset()
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds or
// the context is cancelled. The worker never drops rows on transient errors.
func (w *AuditWorker) flushWithRetry(ctx context.Context, batch *auditBatch) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			log.Printf("WARN: audit retry attempt %d (backoff=%v, rows=%d)",
				attempt, backoff, batch.size())
			if w.metrics != nil {
				w.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				return w.flush(context.Background(), batch)
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		if err := w.flush(ctx, batch); err == nil {
			if attempt > 0 {
				log.Printf("INFO: audit flush succeeded after %d retries", attempt)
			}
			return nil
		}
	}
}

func (w *AuditWorker) flush(ctx context.Context, batch *auditBatch) error {
	start := time.Now()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		w.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := w.writer.WriteBatchRows(ctx, tx, batch.batches); err != nil {
		w.countError("write_batches")
		return err
	}
	if err := w.writer.WriteMessageRows(ctx, tx, batch.messages); err != nil {
		w.countError("write_messages")
		return err
	}
	if err := w.writer.WriteWithdrawalRows(ctx, tx, batch.withdrawals); err != nil {
		w.countError("write_withdrawals")
		return err
	}

	if err := tx.Commit(); err != nil {
		w.countError("tx_commit")
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistBatchSize.Observe(float64(batch.size()))
		w.metrics.PersistRowsWritten.Add(float64(batch.size()))
	}
	return nil
}

func (w *AuditWorker) countError(kind string) {
	if w.metrics != nil {
		w.metrics.PersistErrors.WithLabelValues(kind).Inc()
	}
}
