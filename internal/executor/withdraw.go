package executor

import (
	"errors"
	"fmt"

	"BridgeLedger/internal/persistence"
	"BridgeLedger/internal/token"
	"BridgeLedger/internal/wire"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	ErrUnknownAccount = errors.New("no escrow account for market and nonce")
	ErrLocked         = errors.New("escrow account still locked")
)

// WithdrawalResult reports what a withdrawal paid out: the receipt share (for
// executed accounts) and per-asset amounts — prorated residuals after
// execution, exact refunds before it.
type WithdrawalResult struct {
	Receipt *uint256.Int
	Amounts map[token.Symbol]*uint256.Int
}

type plannedPayout struct {
	asset  token.Symbol
	amount *uint256.Int
}

// Withdraw pays a depositor out of one escrow account. Before the account's
// unlock time it fails. For an executed account the depositor receives a
// receipt share prorated by their first-asset contribution, plus prorated
// residuals of any untransformed input assets. For an unexecuted account the
// recorded contributions are refunded exactly from pending custody — but only
// once every constituent asset has arrived, so an LP refund is never partial.
//
// Accounting entries are zeroed before any funds move, making a duplicate
// withdrawal a no-op: a depositor with no remaining entries gets an empty
// result and no error.
func (e *Executor) Withdraw(market wire.MarketID, nonce uint64, depositor wire.Address) (*WithdrawalResult, error) {
	acct, ok := e.Account(market, nonce)
	if !ok {
		return nil, fmt.Errorf("%w: market %s nonce %d", ErrUnknownAccount, market, nonce)
	}
	if e.now().Before(acct.UnlockAt) {
		return nil, fmt.Errorf("%w until %s", ErrLocked, acct.UnlockAt)
	}

	var (
		res *WithdrawalResult
		err error
	)
	if acct.Executed {
		res, err = e.withdrawExecuted(acct, depositor)
	} else {
		res, err = e.withdrawRefund(acct, depositor)
	}
	if err != nil {
		return nil, err
	}

	mode := "refund"
	if acct.Executed {
		mode = "prorated"
	}
	if e.metrics != nil {
		e.metrics.Withdrawals.WithLabelValues(mode).Inc()
	}
	e.emitAudit(persistence.AuditRecord{Withdrawal: &persistence.WithdrawalRow{
		MarketID:      market.String(),
		Nonce:         nonce,
		Depositor:     depositor.String(),
		Mode:          mode,
		ReceiptAmount: res.Receipt.Dec(),
		WithdrawnAt:   e.now(),
	}})
	return res, nil
}

// withdrawExecuted pays the prorated share of a transformed account. The
// receipt share is denominated by the first constituent asset: the depositor
// receives receiptBalance * contribution / firstAssetTotal, floored. Residual
// input assets the script did not consume are prorated per asset the same way.
func (e *Executor) withdrawExecuted(acct *EscrowAccount, depositor wire.Address) (*WithdrawalResult, error) {
	c, err := e.campaignFor(acct.Market)
	if err != nil {
		return nil, err
	}
	assets := e.markets[acct.Market].Assets
	first := assets[0]

	// Plan phase: every payout computed against the current totals.
	receiptShare := uint256.NewInt(0)
	contribution := e.Entry(acct.ID, depositor, first)
	firstTotal := e.Total(acct.ID, first)
	if !contribution.IsZero() {
		receiptBalance := e.ledger.BalanceOf(acct.Holder, c.ReceiptAsset)
		if _, overflow := receiptShare.MulDivOverflow(receiptBalance, contribution, firstTotal); overflow {
			return nil, fmt.Errorf("receipt share overflow for %s", depositor)
		}
	}

	var payouts []plannedPayout
	for _, asset := range assets {
		if asset == c.ReceiptAsset {
			continue
		}
		entry := e.Entry(acct.ID, depositor, asset)
		if entry.IsZero() {
			continue
		}
		residual := e.ledger.BalanceOf(acct.Holder, asset)
		amount := uint256.NewInt(0)
		if !residual.IsZero() {
			if _, overflow := amount.MulDivOverflow(residual, entry, e.Total(acct.ID, asset)); overflow {
				return nil, fmt.Errorf("residual share overflow for %s", depositor)
			}
		}
		payouts = append(payouts, plannedPayout{asset: asset, amount: amount})
	}

	// Commit phase: zero the accounting before any balance moves.
	if !contribution.IsZero() {
		e.clearEntry(acct.ID, depositor, first)
	}
	for _, p := range payouts {
		if p.asset == first {
			continue // already cleared above
		}
		e.clearEntry(acct.ID, depositor, p.asset)
	}

	to := DepositorHolder(depositor)
	result := &WithdrawalResult{Receipt: receiptShare, Amounts: make(map[token.Symbol]*uint256.Int)}
	if !receiptShare.IsZero() {
		if err := e.ledger.Transfer(acct.Holder, to, c.ReceiptAsset, receiptShare); err != nil {
			return nil, fmt.Errorf("pay receipt: %w", err)
		}
	}
	for _, p := range payouts {
		if p.amount.IsZero() {
			continue
		}
		if err := e.ledger.Transfer(acct.Holder, to, p.asset, p.amount); err != nil {
			return nil, fmt.Errorf("pay residual %s: %w", p.asset, err)
		}
		result.Amounts[p.asset] = p.amount
	}
	return result, nil
}

// withdrawRefund returns the exact recorded contributions of an unexecuted
// account from pending custody.
func (e *Executor) withdrawRefund(acct *EscrowAccount, depositor wire.Address) (*WithdrawalResult, error) {
	if !e.allAssetsRecorded(acct.Market) {
		return nil, fmt.Errorf("%w: market %s", ErrAssetsIncomplete, acct.Market)
	}

	assets := e.markets[acct.Market].Assets
	var payouts []plannedPayout
	for _, asset := range assets {
		entry := e.Entry(acct.ID, depositor, asset)
		if entry.IsZero() {
			continue
		}
		payouts = append(payouts, plannedPayout{asset: asset, amount: entry})
	}

	for _, p := range payouts {
		e.clearEntry(acct.ID, depositor, p.asset)
	}

	to := DepositorHolder(depositor)
	result := &WithdrawalResult{Receipt: uint256.NewInt(0), Amounts: make(map[token.Symbol]*uint256.Int)}
	for _, p := range payouts {
		if err := e.ledger.Transfer(e.holder, to, p.asset, p.amount); err != nil {
			return nil, fmt.Errorf("refund %s: %w", p.asset, err)
		}
		result.Amounts[p.asset] = p.amount
	}
	return result, nil
}

// clearEntry zeroes a depositor's entry and subtracts it from the asset total.
func (e *Executor) clearEntry(account uuid.UUID, depositor wire.Address, asset token.Symbol) {
	ek := entryKey{Account: account, Depositor: depositor, Asset: asset}
	entry, ok := e.entries[ek]
	if !ok {
		return
	}
	delete(e.entries, ek)

	tk := totalKey{Account: account, Asset: asset}
	if total, ok := e.totals[tk]; ok {
		total.Sub(total, entry)
		if total.IsZero() {
			delete(e.totals, tk)
		}
	}
}
