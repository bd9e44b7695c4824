package persistence_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"BridgeLedger/internal/persistence"
	"BridgeLedger/internal/testutil"

	"github.com/rs/zerolog"
)

func setupAuditDB(t *testing.T) *sql.DB {
	t.Helper()
	testutil.RequireIntegration(t)

	db, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)

	migrator := persistence.NewMigrator(db, "../../migrations", zerolog.Nop())
	if err := migrator.Up(context.Background()); err != nil {
		t.Fatalf("migrate up: %v", err)
	}
	return db
}

func countRows(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func writeInTx(t *testing.T, db *sql.DB, write func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := write(tx); err != nil {
		tx.Rollback()
		t.Fatalf("write: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func sampleBatchRow(nonce uint64, asset string) persistence.BatchRow {
	return persistence.BatchRow{
		Nonce:        nonce,
		MarketID:     "0101",
		Asset:        asset,
		Mode:         "individual",
		Records:      2,
		TotalDrained: "8000",
		DustRefunded: "0",
		DispatchedAt: time.Now().UTC(),
	}
}

// ============================================================================
// Test: audit writer (integration)
// ============================================================================

func TestAuditWriter_BatchRows(t *testing.T) {
	db := setupAuditDB(t)
	w := persistence.NewAuditWriter(db)
	ctx := context.Background()

	rows := []persistence.BatchRow{
		sampleBatchRow(1, "TOK"),
		sampleBatchRow(2, "TOK"),
	}
	writeInTx(t, db, func(tx *sql.Tx) error { return w.WriteBatchRows(ctx, tx, rows) })

	if got := countRows(t, db, "bridge_audit.batches"); got != 2 {
		t.Errorf("batches = %d, want 2", got)
	}

	// Resending a committed batch must not duplicate its audit row
	writeInTx(t, db, func(tx *sql.Tx) error { return w.WriteBatchRows(ctx, tx, rows[:1]) })
	if got := countRows(t, db, "bridge_audit.batches"); got != 2 {
		t.Errorf("batches = %d after conflict insert, want 2", got)
	}

	// An LP dispatch shares the nonce across constituent assets
	writeInTx(t, db, func(tx *sql.Tx) error {
		return w.WriteBatchRows(ctx, tx, []persistence.BatchRow{sampleBatchRow(1, "CB")})
	})
	if got := countRows(t, db, "bridge_audit.batches"); got != 3 {
		t.Errorf("batches = %d after second constituent, want 3", got)
	}
}

func TestAuditWriter_MessageRows(t *testing.T) {
	db := setupAuditDB(t)
	w := persistence.NewAuditWriter(db)
	ctx := context.Background()

	reason := "over_credit"
	rows := []persistence.MessageRow{
		{MessageID: "msg-1", MarketID: "0101", Nonce: 1, Asset: "TOK", Transferred: "8000", Records: 2, Accepted: true, ReceivedAt: time.Now().UTC()},
		{MessageID: "msg-2", MarketID: "0101", Nonce: 2, Asset: "TOK", Transferred: "50", Records: 1, Accepted: false, RejectReason: &reason, ReceivedAt: time.Now().UTC()},
	}
	writeInTx(t, db, func(tx *sql.Tx) error { return w.WriteMessageRows(ctx, tx, rows) })

	if got := countRows(t, db, "bridge_audit.messages"); got != 2 {
		t.Errorf("messages = %d, want 2", got)
	}

	var accepted bool
	var got sql.NullString
	err := db.QueryRow("SELECT accepted, reject_reason FROM bridge_audit.messages WHERE message_id = 'msg-2'").Scan(&accepted, &got)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if accepted || !got.Valid || got.String != "over_credit" {
		t.Errorf("msg-2 = (accepted %v, reason %v)", accepted, got)
	}

	// Redelivered message id: one row
	writeInTx(t, db, func(tx *sql.Tx) error { return w.WriteMessageRows(ctx, tx, rows[:1]) })
	if got := countRows(t, db, "bridge_audit.messages"); got != 2 {
		t.Errorf("messages = %d after redelivery insert, want 2", got)
	}
}

func TestAuditWriter_WithdrawalRows(t *testing.T) {
	db := setupAuditDB(t)
	w := persistence.NewAuditWriter(db)

	rows := []persistence.WithdrawalRow{
		{MarketID: "0101", Nonce: 7, Depositor: "02", Mode: "prorated", ReceiptAmount: "20", WithdrawnAt: time.Now().UTC()},
		{MarketID: "0101", Nonce: 7, Depositor: "01", Mode: "refund", ReceiptAmount: "0", WithdrawnAt: time.Now().UTC()},
	}
	writeInTx(t, db, func(tx *sql.Tx) error { return w.WriteWithdrawalRows(context.Background(), tx, rows) })

	if got := countRows(t, db, "bridge_audit.withdrawals"); got != 2 {
		t.Errorf("withdrawals = %d, want 2", got)
	}
}

// ============================================================================
// Test: processed-message lookup (integration)
// ============================================================================

func TestMessageLookup(t *testing.T) {
	db := setupAuditDB(t)
	w := persistence.NewAuditWriter(db)
	lookup := persistence.NewMessageLookup(db)

	processed, err := lookup.Processed("msg-unknown")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if processed {
		t.Error("unknown message reported processed")
	}

	reason := "trust"
	rows := []persistence.MessageRow{
		{MessageID: "msg-ok", MarketID: "0101", Nonce: 1, Asset: "TOK", Transferred: "10", Records: 1, Accepted: true, ReceivedAt: time.Now().UTC()},
		{MessageID: "msg-bad", MarketID: "0101", Nonce: 2, Asset: "TOK", Transferred: "10", Records: 1, Accepted: false, RejectReason: &reason, ReceivedAt: time.Now().UTC()},
	}
	writeInTx(t, db, func(tx *sql.Tx) error { return w.WriteMessageRows(context.Background(), tx, rows) })

	if processed, _ := lookup.Processed("msg-ok"); !processed {
		t.Error("accepted message should report processed")
	}
	// A rejected delivery was never applied, so it is not a duplicate
	if processed, _ := lookup.Processed("msg-bad"); processed {
		t.Error("rejected message must not report processed")
	}
}

// ============================================================================
// Test: audit worker (integration)
// ============================================================================

func TestAuditWorker_FlushOnClose(t *testing.T) {
	db := setupAuditDB(t)

	input := make(chan persistence.AuditRecord, 16)
	worker := persistence.NewAuditWorker(db, input, 100, time.Hour, nil)

	done := make(chan error, 1)
	go func() { done <- worker.Run(context.Background()) }()

	row := sampleBatchRow(10, "TOK")
	input <- persistence.AuditRecord{Batch: &row}
	wd := persistence.WithdrawalRow{MarketID: "0101", Nonce: 10, Depositor: "01", Mode: "refund", ReceiptAmount: "0", WithdrawnAt: time.Now().UTC()}
	input <- persistence.AuditRecord{Withdrawal: &wd}
	close(input)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("worker: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not exit after channel close")
	}

	if got := countRows(t, db, "bridge_audit.batches"); got != 1 {
		t.Errorf("batches = %d, want 1", got)
	}
	if got := countRows(t, db, "bridge_audit.withdrawals"); got != 1 {
		t.Errorf("withdrawals = %d, want 1", got)
	}
}

func TestAuditWorker_FlushOnBatchSize(t *testing.T) {
	db := setupAuditDB(t)

	input := make(chan persistence.AuditRecord, 16)
	worker := persistence.NewAuditWorker(db, input, 2, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)

	for i := uint64(0); i < 2; i++ {
		row := sampleBatchRow(20+i, "TOK")
		input <- persistence.AuditRecord{Batch: &row}
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if countRows(t, db, "bridge_audit.batches") == 2 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("batches = %d, want 2 (size-triggered flush)", countRows(t, db, "bridge_audit.batches"))
}
