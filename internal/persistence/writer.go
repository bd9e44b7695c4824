package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// AuditWriter writes the bridge audit trail to Postgres using multi-row
// INSERT. The audit trail is observational: protocol state lives in memory,
// these tables only record what happened for reconciliation and debugging.
type AuditWriter struct {
	db *sql.DB
}

// BatchRow records one dispatched batch message in bridge_audit.batches.
// An LP dispatch produces two rows sharing a nonce, one per constituent.
type BatchRow struct {
	Nonce        uint64
	MarketID     string
	Asset        string
	Mode         string // individual, merkle or lp
	Records      int
	TotalDrained string // Decimal string; NUMERIC in the schema
	DustRefunded string
	MerkleRoot   []byte // nil for individual-mode batches
	DispatchedAt time.Time
}

// MessageRow records one inbound delivery in bridge_audit.messages.
type MessageRow struct {
	MessageID    string
	MarketID     string
	Nonce        uint64
	Asset        string
	Transferred  string
	Records      int
	Accepted     bool
	RejectReason *string
	ReceivedAt   time.Time
}

// WithdrawalRow records one destination payout in bridge_audit.withdrawals.
type WithdrawalRow struct {
	MarketID      string
	Nonce         uint64
	Depositor     string
	Mode          string // prorated or refund
	ReceiptAmount string
	WithdrawnAt   time.Time
}

func NewAuditWriter(db *sql.DB) *AuditWriter {
	return &AuditWriter{db: db}
}

// WriteBatchRows inserts dispatched-batch rows. Conflicts are ignored so a
// resend of a committed batch never duplicates its audit row.
func (w *AuditWriter) WriteBatchRows(ctx context.Context, tx *sql.Tx, rows []BatchRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO bridge_audit.batches
		(nonce, market_id, asset, mode, records, total_drained, dust_refunded, merkle_root, dispatched_at)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*9)
	for i, r := range rows {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			int64(r.Nonce), r.MarketID, r.Asset, r.Mode, r.Records,
			r.TotalDrained, r.DustRefunded, r.MerkleRoot, r.DispatchedAt,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (nonce, asset) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteMessageRows inserts inbound-delivery rows keyed by message id.
func (w *AuditWriter) WriteMessageRows(ctx context.Context, tx *sql.Tx, rows []MessageRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO bridge_audit.messages
		(message_id, market_id, nonce, asset, transferred, records, accepted, reject_reason, received_at)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*9)
	for i, r := range rows {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			r.MessageID, r.MarketID, int64(r.Nonce), r.Asset,
			r.Transferred, r.Records, r.Accepted, r.RejectReason, r.ReceivedAt,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (message_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteWithdrawalRows inserts destination payout rows.
func (w *AuditWriter) WriteWithdrawalRows(ctx context.Context, tx *sql.Tx, rows []WithdrawalRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO bridge_audit.withdrawals
		(market_id, nonce, depositor, mode, receipt_amount, withdrawn_at)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*6)
	for i, r := range rows {
		base := i * 6
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6,
		))
		args = append(args,
			r.MarketID, int64(r.Nonce), r.Depositor, r.Mode, r.ReceiptAmount, r.WithdrawnAt,
		)
	}

	query += strings.Join(values, ", ")

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}
