package locker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"BridgeLedger/internal/locker"
	"BridgeLedger/internal/token"
	"BridgeLedger/internal/transport"
	"BridgeLedger/internal/wire"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

var testOrigin = transport.Origin{ChainID: 1, Sender: addr(0xaa), Channel: "memory"}

// delivered captures every message the transport hands to the destination.
type delivered struct {
	payloads []*wire.Payload
	assets   []token.Symbol
	amounts  []*uint256.Int
}

func (d *delivered) handler(_ transport.Origin, _ string, payload []byte, asset token.Symbol, amount *uint256.Int) error {
	p, err := wire.Decode(payload)
	if err != nil {
		return err
	}
	d.payloads = append(d.payloads, p)
	d.assets = append(d.assets, asset)
	d.amounts = append(d.amounts, new(uint256.Int).Set(amount))
	return nil
}

func newTestDispatcher(t *testing.T) (*locker.Locker, *token.Ledger, *locker.Dispatcher, *transport.MemoryTransport, *delivered) {
	t.Helper()
	lkr, ledger := newTestLocker(t)
	sink := &delivered{}
	mem := transport.NewMemoryTransport(testOrigin, sink.handler)
	d := locker.NewDispatcher(lkr, mem, nil, zerolog.Nop())
	return lkr, ledger, d, mem, sink
}

// greenlight approves the market and steps the clock past the rage-quit window.
func greenlight(t *testing.T, lkr *locker.Locker, id wire.MarketID) {
	t.Helper()
	if err := lkr.TurnGreenLightOn(greenLighter, id); err != nil {
		t.Fatalf("green light: %v", err)
	}
	lkr.SetClock(fixedClock(t0.Add(2 * time.Hour)))
}

// ============================================================================
// Test: dispatch gating
// ============================================================================

func TestDispatch_Gating(t *testing.T) {
	lkr, ledger, d, _, _ := newTestDispatcher(t)
	lkr.CreateMarket(mkt(1), tok)
	mustMint(t, ledger, "ticket:1", tok, 5000)
	lkr.DepositIndividual(mkt(1), addr(1), "ticket:1", uint256.NewInt(5000))

	ctx := context.Background()
	if _, err := d.DispatchIndividual(ctx, mkt(1), []wire.Address{addr(1)}); !errors.Is(err, locker.ErrNoGreenLight) {
		t.Fatalf("dispatch without green light = %v, want ErrNoGreenLight", err)
	}

	if err := lkr.TurnGreenLightOn(greenLighter, mkt(1)); err != nil {
		t.Fatalf("green light: %v", err)
	}
	if _, err := d.DispatchIndividual(ctx, mkt(1), []wire.Address{addr(1)}); !errors.Is(err, locker.ErrRageQuitOpen) {
		t.Fatalf("dispatch inside rage-quit window = %v, want ErrRageQuitOpen", err)
	}

	// A rejected dispatch touches nothing
	if got := lkr.DepositorTotal(mkt(1), addr(1)); !got.Eq(uint256.NewInt(5000)) {
		t.Errorf("depositor total = %s after rejected dispatch, want 5000", got.Dec())
	}
	if got := ledger.BalanceOf(custody, tok); !got.Eq(uint256.NewInt(5000)) {
		t.Errorf("custody = %s after rejected dispatch, want 5000", got.Dec())
	}

	lkr.SetClock(fixedClock(t0.Add(2 * time.Hour)))
	if _, err := d.DispatchIndividual(ctx, mkt(1), []wire.Address{addr(1)}); err != nil {
		t.Fatalf("dispatch after window: %v", err)
	}

	if err := lkr.Halt(greenLighter, mkt(1)); err != nil {
		t.Fatalf("halt: %v", err)
	}
	if _, err := d.DispatchIndividual(ctx, mkt(1), []wire.Address{addr(1)}); !errors.Is(err, locker.ErrMarketHalted) {
		t.Errorf("dispatch after halt = %v, want ErrMarketHalted", err)
	}
}

func TestDispatch_GreenLightOffBlocksAgain(t *testing.T) {
	lkr, ledger, d, _, _ := newTestDispatcher(t)
	lkr.CreateMarket(mkt(1), tok)
	mustMint(t, ledger, "ticket:1", tok, 5000)
	lkr.DepositIndividual(mkt(1), addr(1), "ticket:1", uint256.NewInt(5000))
	greenlight(t, lkr, mkt(1))

	if err := lkr.TurnGreenLightOff(greenLighter, mkt(1)); err != nil {
		t.Fatalf("green light off: %v", err)
	}
	if _, err := d.DispatchIndividual(context.Background(), mkt(1), []wire.Address{addr(1)}); !errors.Is(err, locker.ErrNoGreenLight) {
		t.Errorf("dispatch = %v, want ErrNoGreenLight", err)
	}
}

// ============================================================================
// Test: individual dispatch
// ============================================================================

func TestDispatchIndividual_Conservation(t *testing.T) {
	lkr, ledger, d, _, sink := newTestDispatcher(t)
	lkr.CreateMarket(mkt(1), tok)
	mustMint(t, ledger, "ticket:1", tok, 3000)
	mustMint(t, ledger, "ticket:2", tok, 5000)
	lkr.DepositIndividual(mkt(1), addr(1), "ticket:1", uint256.NewInt(3000))
	lkr.DepositIndividual(mkt(1), addr(2), "ticket:2", uint256.NewInt(5000))
	greenlight(t, lkr, mkt(1))

	result, err := d.DispatchIndividual(context.Background(), mkt(1), []wire.Address{addr(1), addr(2)})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if result.Nonce != 1 {
		t.Errorf("nonce = %d, want 1", result.Nonce)
	}
	if !result.TotalDrained.Eq(uint256.NewInt(8000)) {
		t.Errorf("drained = %s, want 8000", result.TotalDrained.Dec())
	}
	if !result.DustRefunded.IsZero() {
		t.Errorf("dust = %s, want 0 (deposits are unit-aligned)", result.DustRefunded.Dec())
	}

	// Bridged value is burned out of the source ledger
	if got := ledger.BalanceOf(custody, tok); !got.IsZero() {
		t.Errorf("custody = %s after dispatch, want 0", got.Dec())
	}

	if len(sink.payloads) != 1 {
		t.Fatalf("delivered %d messages, want 1", len(sink.payloads))
	}
	p := sink.payloads[0]
	if p.Nonce != 1 || p.ConstituentCount != 1 || p.SrcDecimals != 9 {
		t.Errorf("header = (nonce %d, cc %d, dec %d), want (1, 1, 9)", p.Nonce, p.ConstituentCount, p.SrcDecimals)
	}
	if len(p.Records) != 2 {
		t.Fatalf("records = %d, want 2", len(p.Records))
	}
	onWire := new(uint256.Int).Add(p.Records[0].Amount, p.Records[1].Amount)
	if !onWire.Eq(result.TotalDrained) {
		t.Errorf("on-wire sum %s != drained %s", onWire.Dec(), result.TotalDrained.Dec())
	}
	if !sink.amounts[0].Eq(onWire) {
		t.Errorf("transferred %s != on-wire sum %s", sink.amounts[0].Dec(), onWire.Dec())
	}

	// Drained entries are gone: no double dispatch, no late withdrawal
	if got := lkr.DepositorTotal(mkt(1), addr(1)); !got.IsZero() {
		t.Errorf("depositor total = %s after dispatch", got.Dec())
	}
	if _, err := lkr.WithdrawIndividual(mkt(1), addr(1), "ticket:1"); !errors.Is(err, locker.ErrNoSuchContribution) {
		t.Errorf("withdraw after dispatch = %v, want ErrNoSuchContribution", err)
	}
	if epoch, _ := lkr.BatchEpoch(mkt(1)); epoch != 1 {
		t.Errorf("batch epoch = %d, want 1", epoch)
	}
}

func TestDispatchIndividual_Rejections(t *testing.T) {
	lkr, _, d, _, _ := newTestDispatcher(t)
	lkr.CreateMarket(mkt(1), tok)
	greenlight(t, lkr, mkt(1))
	ctx := context.Background()

	if _, err := d.DispatchIndividual(ctx, mkt(1), nil); !errors.Is(err, locker.ErrEmptyBatch) {
		t.Errorf("empty depositor list = %v, want ErrEmptyBatch", err)
	}

	// Listed depositors with nothing on account form an empty batch
	if _, err := d.DispatchIndividual(ctx, mkt(1), []wire.Address{addr(9)}); !errors.Is(err, locker.ErrEmptyBatch) {
		t.Errorf("no contributions = %v, want ErrEmptyBatch", err)
	}

	list := []wire.Address{addr(1), addr(2), addr(3), addr(4), addr(5)}
	if _, err := d.DispatchIndividual(ctx, mkt(1), list); !errors.Is(err, locker.ErrBatchTooLarge) {
		t.Errorf("oversized list = %v, want ErrBatchTooLarge", err)
	}

	if d.Nonce() != 0 {
		t.Errorf("nonce advanced to %d on rejected dispatches", d.Nonce())
	}
}

func TestDispatchIndividual_DuplicateDepositorsCollapse(t *testing.T) {
	lkr, ledger, d, _, sink := newTestDispatcher(t)
	lkr.CreateMarket(mkt(1), tok)
	mustMint(t, ledger, "ticket:1", tok, 3000)
	lkr.DepositIndividual(mkt(1), addr(1), "ticket:1", uint256.NewInt(3000))
	greenlight(t, lkr, mkt(1))

	_, err := d.DispatchIndividual(context.Background(), mkt(1), []wire.Address{addr(1), addr(1)})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(sink.payloads[0].Records) != 1 {
		t.Errorf("records = %d, want 1 (duplicate depositor)", len(sink.payloads[0].Records))
	}
}

func TestDispatchIndividual_AmountBeyondWireRangeOmitted(t *testing.T) {
	lkr, ledger, d, _, _ := newTestDispatcher(t)
	lkr.CreateMarket(mkt(2), usdq)

	over := new(uint256.Int).AddUint64(wire.MaxRecordAmount, 1)
	if err := ledger.Mint("ticket:1", usdq, over); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := lkr.DepositIndividual(mkt(2), addr(1), "ticket:1", over); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	greenlight(t, lkr, mkt(2))

	// The only contribution exceeds the 12-byte record range: omitted, so the
	// batch is empty and the entry survives for withdrawal.
	if _, err := d.DispatchIndividual(context.Background(), mkt(2), []wire.Address{addr(1)}); !errors.Is(err, locker.ErrEmptyBatch) {
		t.Fatalf("dispatch = %v, want ErrEmptyBatch", err)
	}
	amount, err := lkr.WithdrawIndividual(mkt(2), addr(1), "ticket:1")
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if !amount.Eq(over) {
		t.Errorf("refund = %s, want %s", amount.Dec(), over.Dec())
	}
}

func TestDispatch_NonceSharedAcrossMarkets(t *testing.T) {
	lkr, ledger, d, _, _ := newTestDispatcher(t)
	lkr.CreateMarket(mkt(1), tok)
	lkr.CreateMarket(mkt(2), usdq)
	mustMint(t, ledger, "ticket:1", tok, 1000)
	mustMint(t, ledger, "ticket:2", usdq, 77)
	lkr.DepositIndividual(mkt(1), addr(1), "ticket:1", uint256.NewInt(1000))
	lkr.DepositIndividual(mkt(2), addr(2), "ticket:2", uint256.NewInt(77))
	greenlight(t, lkr, mkt(1))
	greenlight(t, lkr, mkt(2))

	ctx := context.Background()
	r1, err := d.DispatchIndividual(ctx, mkt(1), []wire.Address{addr(1)})
	if err != nil {
		t.Fatalf("dispatch market 1: %v", err)
	}
	r2, err := d.DispatchIndividual(ctx, mkt(2), []wire.Address{addr(2)})
	if err != nil {
		t.Fatalf("dispatch market 2: %v", err)
	}
	if r1.Nonce != 1 || r2.Nonce != 2 {
		t.Errorf("nonces = (%d, %d), want (1, 2)", r1.Nonce, r2.Nonce)
	}
	if d.Nonce() != 2 {
		t.Errorf("Nonce() = %d, want 2", d.Nonce())
	}
}

// ============================================================================
// Test: transport failure and resend
// ============================================================================

func TestDispatch_TransportFailureIsRetryable(t *testing.T) {
	lkr, ledger, d, mem, sink := newTestDispatcher(t)
	lkr.CreateMarket(mkt(1), tok)
	mustMint(t, ledger, "ticket:1", tok, 4000)
	lkr.DepositIndividual(mkt(1), addr(1), "ticket:1", uint256.NewInt(4000))
	greenlight(t, lkr, mkt(1))

	mem.FailSends = true
	result, err := d.DispatchIndividual(context.Background(), mkt(1), []wire.Address{addr(1)})
	if err == nil {
		t.Fatal("expected transport failure")
	}
	if result == nil || result.Nonce != 1 {
		t.Fatal("failed send must still report the drained dispatch")
	}

	// Drained state is settled; only the submission is pending
	if got := ledger.BalanceOf(custody, tok); !got.IsZero() {
		t.Errorf("custody = %s, want 0 (value burned before send)", got.Dec())
	}

	mem.FailSends = false
	if err := d.Resend(context.Background(), result.Nonce); err != nil {
		t.Fatalf("resend: %v", err)
	}
	if len(sink.payloads) != 1 {
		t.Errorf("delivered %d messages after resend, want 1", len(sink.payloads))
	}

	// A second resend has nothing pending
	if err := d.Resend(context.Background(), result.Nonce); !errors.Is(err, locker.ErrNoSuchDispatch) {
		t.Errorf("resend of settled nonce = %v, want ErrNoSuchDispatch", err)
	}
}

// ============================================================================
// Test: merkle dispatch
// ============================================================================

func TestDispatchMerkle(t *testing.T) {
	lkr, ledger, d, _, sink := newTestDispatcher(t)
	lkr.CreateMarket(mkt(1), tok)
	mustMint(t, ledger, "ticket:1", tok, 2000)
	mustMint(t, ledger, "ticket:2", tok, 3000)
	lkr.DepositMerkle(mkt(1), addr(1), "ticket:1", uint256.NewInt(2000))
	lkr.DepositMerkle(mkt(1), addr(2), "ticket:2", uint256.NewInt(3000))
	greenlight(t, lkr, mkt(1))

	result, err := d.DispatchMerkle(context.Background(), mkt(1))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if result.MerkleRoot == nil || result.LeafCount != 2 {
		t.Errorf("merkle dispatch = (root %v, leaves %d), want committed root and 2 leaves", result.MerkleRoot, result.LeafCount)
	}
	if !result.TotalDrained.Eq(uint256.NewInt(5000)) {
		t.Errorf("drained = %s, want 5000", result.TotalDrained.Dec())
	}

	p := sink.payloads[0]
	if len(p.Records) != 1 {
		t.Fatalf("records = %d, want 1 (aggregate record)", len(p.Records))
	}
	if p.Records[0].Depositor != wire.MerkleBatchDepositor {
		t.Errorf("aggregate depositor = %s, want merkle placeholder", p.Records[0].Depositor)
	}
	if !p.Records[0].Amount.Eq(uint256.NewInt(5000)) {
		t.Errorf("aggregate amount = %s, want 5000", p.Records[0].Amount.Dec())
	}

	// The tree is fully drained and starts over
	_, count, total, _ := lkr.MerkleState(mkt(1))
	if count != 0 || !total.IsZero() {
		t.Errorf("merkle state after dispatch = (%d, %s), want (0, 0)", count, total.Dec())
	}
	if _, err := d.DispatchMerkle(context.Background(), mkt(1)); !errors.Is(err, locker.ErrEmptyBatch) {
		t.Errorf("dispatch of drained tree = %v, want ErrEmptyBatch", err)
	}
	if got := ledger.BalanceOf(custody, tok); !got.IsZero() {
		t.Errorf("custody = %s after dispatch, want 0", got.Dec())
	}
}

// ============================================================================
// Test: LP decomposition
// ============================================================================

// swapDecomposer models the external swap: it burns the pooled units out of
// custody and credits fixed constituent amounts back to it.
type swapDecomposer struct {
	ledger *token.Ledger
	a, b   *uint256.Int
}

func (s *swapDecomposer) Decompose(_ wire.MarketID, pooled *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	if err := s.ledger.Burn(custody, "POOL", pooled); err != nil {
		return nil, nil, err
	}
	if err := s.ledger.Mint(custody, "CA", s.a); err != nil {
		return nil, nil, err
	}
	if err := s.ledger.Mint(custody, "CB", s.b); err != nil {
		return nil, nil, err
	}
	return new(uint256.Int).Set(s.a), new(uint256.Int).Set(s.b), nil
}

func TestDispatchLP(t *testing.T) {
	lkr, ledger := newTestLocker(t)
	ledger.Register("POOL", 6)
	ledger.Register("CA", 6)
	ledger.Register("CB", 9) // unit 1000: constituent shares produce dust

	sink := &delivered{}
	mem := transport.NewMemoryTransport(testOrigin, sink.handler)
	dec := &swapDecomposer{ledger: ledger, a: uint256.NewInt(500), b: uint256.NewInt(300_500)}
	d := locker.NewDispatcher(lkr, mem, dec, zerolog.Nop())

	lkr.CreateLPMarket(mkt(1), "POOL", [2]token.Symbol{"CA", "CB"})
	mustMint(t, ledger, "ticket:1", "POOL", 250)
	mustMint(t, ledger, "ticket:2", "POOL", 750)
	lkr.DepositIndividual(mkt(1), addr(1), "ticket:1", uint256.NewInt(250))
	lkr.DepositIndividual(mkt(1), addr(2), "ticket:2", uint256.NewInt(750))
	greenlight(t, lkr, mkt(1))

	result, err := d.DispatchIndividual(context.Background(), mkt(1), []wire.Address{addr(1), addr(2)})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if len(result.Messages) != 2 || len(sink.payloads) != 2 {
		t.Fatalf("messages = %d delivered %d, want 2 each", len(result.Messages), len(sink.payloads))
	}
	if !result.TotalDrained.Eq(uint256.NewInt(1000)) {
		t.Errorf("drained = %s POOL, want 1000", result.TotalDrained.Dec())
	}

	// Both constituents travel under the one nonce
	for i, p := range sink.payloads {
		if p.Nonce != result.Nonce {
			t.Errorf("message %d nonce = %d, want %d", i, p.Nonce, result.Nonce)
		}
		if p.ConstituentCount != 2 {
			t.Errorf("message %d constituent count = %d, want 2", i, p.ConstituentCount)
		}
	}

	// CA: 6 decimals, proportional shares 125 / 375 bridge exactly
	if sink.assets[0] != "CA" || !sink.amounts[0].Eq(uint256.NewInt(500)) {
		t.Errorf("constituent A = (%s, %s), want (CA, 500)", sink.assets[0], sink.amounts[0].Dec())
	}
	// CB: 9 decimals, shares 75125 / 225375 floor to 75000 / 225000 with
	// 125 + 375 dust refunded
	if sink.assets[1] != "CB" || !sink.amounts[1].Eq(uint256.NewInt(300_000)) {
		t.Errorf("constituent B = (%s, %s), want (CB, 300000)", sink.assets[1], sink.amounts[1].Dec())
	}
	if !result.DustRefunded.Eq(uint256.NewInt(500)) {
		t.Errorf("dust refunded = %s, want 500", result.DustRefunded.Dec())
	}
	if got := ledger.BalanceOf(locker.DepositorHolder(addr(1)), "CB"); !got.Eq(uint256.NewInt(125)) {
		t.Errorf("depositor 1 CB dust = %s, want 125", got.Dec())
	}
	if got := ledger.BalanceOf(locker.DepositorHolder(addr(2)), "CB"); !got.Eq(uint256.NewInt(375)) {
		t.Errorf("depositor 2 CB dust = %s, want 375", got.Dec())
	}

	// Custody fully unwound: pool burned by the swap, constituents burned or
	// refunded
	for _, asset := range []token.Symbol{"POOL", "CA", "CB"} {
		if got := ledger.BalanceOf(custody, asset); !got.IsZero() {
			t.Errorf("custody %s = %s after dispatch, want 0", asset, got.Dec())
		}
	}
}

func TestDispatchLP_ResendSkipsAcceptedMessages(t *testing.T) {
	lkr, ledger := newTestLocker(t)
	ledger.Register("POOL", 6)
	ledger.Register("CA", 6)
	ledger.Register("CB", 6)

	sink := &delivered{}
	mem := transport.NewMemoryTransport(testOrigin, sink.handler)
	dec := &swapDecomposer{ledger: ledger, a: uint256.NewInt(400), b: uint256.NewInt(600)}
	d := locker.NewDispatcher(lkr, mem, dec, zerolog.Nop())

	lkr.CreateLPMarket(mkt(1), "POOL", [2]token.Symbol{"CA", "CB"})
	mustMint(t, ledger, "ticket:1", "POOL", 1000)
	lkr.DepositIndividual(mkt(1), addr(1), "ticket:1", uint256.NewInt(1000))
	greenlight(t, lkr, mkt(1))

	// First constituent accepted, second send fails
	mem.FailAfter = 1
	result, err := d.DispatchIndividual(context.Background(), mkt(1), []wire.Address{addr(1)})
	if err == nil {
		t.Fatal("expected transport failure on the second message")
	}
	if len(sink.payloads) != 1 || sink.assets[0] != "CA" {
		t.Fatalf("delivered %d messages before the failure, want just CA", len(sink.payloads))
	}

	mem.FailAfter = 0
	if err := d.Resend(context.Background(), result.Nonce); err != nil {
		t.Fatalf("resend: %v", err)
	}

	// Only the unsent constituent goes out: a replay of CA would travel under
	// a fresh message id and credit the batch a second time downstream.
	if len(sink.payloads) != 2 {
		t.Fatalf("delivered %d messages after resend, want 2", len(sink.payloads))
	}
	if sink.assets[1] != "CB" {
		t.Errorf("resent asset = %s, want CB", sink.assets[1])
	}
	if !sink.amounts[0].Eq(uint256.NewInt(400)) || !sink.amounts[1].Eq(uint256.NewInt(600)) {
		t.Errorf("delivered amounts = (%s, %s), want (400, 600)", sink.amounts[0].Dec(), sink.amounts[1].Dec())
	}

	if err := d.Resend(context.Background(), result.Nonce); !errors.Is(err, locker.ErrNoSuchDispatch) {
		t.Errorf("resend of settled nonce = %v, want ErrNoSuchDispatch", err)
	}
}

// refusingDecomposer rejects every decomposition without touching the ledger.
type refusingDecomposer struct{}

func (refusingDecomposer) Decompose(wire.MarketID, *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	return nil, nil, errors.New("pool unavailable")
}

func TestDispatchLP_DecomposerFailureLeavesStateUntouched(t *testing.T) {
	lkr, ledger := newTestLocker(t)
	ledger.Register("POOL", 6)
	ledger.Register("CA", 6)
	ledger.Register("CB", 6)

	sink := &delivered{}
	mem := transport.NewMemoryTransport(testOrigin, sink.handler)
	d := locker.NewDispatcher(lkr, mem, refusingDecomposer{}, zerolog.Nop())

	lkr.CreateLPMarket(mkt(1), "POOL", [2]token.Symbol{"CA", "CB"})
	mustMint(t, ledger, "ticket:1", "POOL", 600)
	lkr.DepositIndividual(mkt(1), addr(1), "ticket:1", uint256.NewInt(600))
	greenlight(t, lkr, mkt(1))

	if _, err := d.DispatchIndividual(context.Background(), mkt(1), []wire.Address{addr(1)}); err == nil {
		t.Fatal("expected decomposition failure")
	}

	// The rejection leaves every balance and entry exactly as before the call
	if got := lkr.DepositorTotal(mkt(1), addr(1)); !got.Eq(uint256.NewInt(600)) {
		t.Errorf("depositor total = %s after rejected dispatch, want 600", got.Dec())
	}
	if got := ledger.BalanceOf(custody, "POOL"); !got.Eq(uint256.NewInt(600)) {
		t.Errorf("custody POOL = %s, want 600", got.Dec())
	}
	if d.Nonce() != 0 {
		t.Errorf("nonce = %d after rejected dispatch, want 0", d.Nonce())
	}
	if epoch, _ := lkr.BatchEpoch(mkt(1)); epoch != 0 {
		t.Errorf("batch epoch = %d, want 0", epoch)
	}
	if len(sink.payloads) != 0 {
		t.Errorf("delivered %d messages, want 0", len(sink.payloads))
	}

	amount, err := lkr.WithdrawIndividual(mkt(1), addr(1), "ticket:1")
	if err != nil {
		t.Fatalf("withdraw after rejected dispatch: %v", err)
	}
	if !amount.Eq(uint256.NewInt(600)) {
		t.Errorf("refund = %s, want 600", amount.Dec())
	}
}
