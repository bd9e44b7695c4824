package executor

import (
	"errors"
	"fmt"
	"sort"

	"BridgeLedger/internal/token"
	"BridgeLedger/internal/wire"

	"github.com/holiman/uint256"
)

var (
	ErrAssetsIncomplete = errors.New("not all constituent assets have arrived")
	ErrNoReceipt        = errors.New("script produced no receipt units")
	ErrNoAuthority      = errors.New("script did not grant authority over escrow holdings")
)

// ExecuteTransformation runs the campaign script over every unexecuted escrow
// account of the market, oldest nonce first. Owner-only, and only while the
// campaign is verified. Per account: the recorded asset totals move from
// pending custody into the account, the script runs against the account's
// holder, and the outcome is checked — the receipt balance must have grown
// and the executor must hold operator authority over the account's receipt
// and input balances. The first success freezes the campaign's receipt asset.
//
// Returns the number of accounts executed. A failing account stops the sweep;
// accounts executed before it stay executed.
func (e *Executor) ExecuteTransformation(caller token.HolderID, market wire.MarketID) (int, error) {
	c, err := e.campaignFor(market)
	if err != nil {
		return 0, err
	}
	if caller != c.Owner {
		return 0, ErrNotOwner
	}
	if !c.verified {
		return 0, ErrUnverified
	}
	if !e.allAssetsRecorded(market) {
		return 0, ErrAssetsIncomplete
	}

	pending := e.unexecutedAccounts(market)
	assets := e.markets[market].Assets

	executed := 0
	for _, acct := range pending {
		if err := e.executeAccount(c, acct, assets); err != nil {
			return executed, fmt.Errorf("account nonce %d: %w", acct.Nonce, err)
		}
		acct.Executed = true
		c.executedOnce = true
		executed++

		e.log.Info().
			Str("market", market.String()).
			Uint64("nonce", acct.Nonce).
			Str("account", acct.ID.String()).
			Msg("transformation executed")
		if e.metrics != nil {
			e.metrics.TransformationsExecuted.Inc()
		}
	}
	return executed, nil
}

// executeAccount moves one account's recorded totals into its holder, runs
// the script and verifies the post-conditions. The script contract is
// atomic: a failed run leaves the ledger untouched, so the fund moves can be
// rolled back and the account stays refundable.
func (e *Executor) executeAccount(c *Campaign, acct *EscrowAccount, assets []token.Symbol) error {
	moved := make(map[token.Symbol]*uint256.Int, len(assets))
	for _, asset := range assets {
		amt := e.Total(acct.ID, asset)
		if amt.IsZero() {
			continue
		}
		if err := e.ledger.Transfer(e.holder, acct.Holder, asset, amt); err != nil {
			e.rollbackMoves(acct, moved)
			return fmt.Errorf("fund escrow: %w", err)
		}
		moved[asset] = amt
	}

	receiptBefore := e.ledger.BalanceOf(acct.Holder, c.ReceiptAsset)

	if err := e.runner.Run(c.Script, acct.Holder); err != nil {
		e.rollbackMoves(acct, moved)
		return fmt.Errorf("script: %w", err)
	}

	if !e.ledger.BalanceOf(acct.Holder, c.ReceiptAsset).Gt(receiptBefore) {
		e.rollbackMoves(acct, moved)
		return ErrNoReceipt
	}
	if !e.ledger.IsOperator(acct.Holder, c.ReceiptAsset, e.holder) {
		e.rollbackMoves(acct, moved)
		return fmt.Errorf("%w: receipt asset %s", ErrNoAuthority, c.ReceiptAsset)
	}
	for _, asset := range assets {
		if !e.ledger.IsOperator(acct.Holder, asset, e.holder) {
			e.rollbackMoves(acct, moved)
			return fmt.Errorf("%w: asset %s", ErrNoAuthority, asset)
		}
	}
	return nil
}

// rollbackMoves returns whatever of the staged funds is still in the account
// to pending custody. Best effort: a script that consumed inputs and then
// failed its post-checks cannot be fully unwound, which is logged.
func (e *Executor) rollbackMoves(acct *EscrowAccount, moved map[token.Symbol]*uint256.Int) {
	for asset, amt := range moved {
		back := e.ledger.BalanceOf(acct.Holder, asset)
		if back.Gt(amt) {
			back = amt
		}
		if back.IsZero() {
			continue
		}
		if err := e.ledger.Transfer(acct.Holder, e.holder, asset, back); err != nil {
			e.log.Error().Err(err).Str("asset", string(asset)).Msg("rollback transfer failed")
		}
		if back.Lt(amt) {
			e.log.Error().
				Str("asset", string(asset)).
				Str("moved", amt.Dec()).
				Str("recovered", back.Dec()).
				Msg("partial rollback after failed transformation")
		}
	}
}

func (e *Executor) unexecutedAccounts(market wire.MarketID) []*EscrowAccount {
	var out []*EscrowAccount
	for _, acct := range e.accounts {
		if acct.Market == market && !acct.Executed {
			out = append(out, acct)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nonce < out[j].Nonce })
	return out
}
