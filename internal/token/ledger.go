package token

import (
	"fmt"

	"github.com/holiman/uint256"
)

// Symbol identifies an asset on one ledger.
type Symbol string

// HolderID identifies a balance-holding entity: a depositor, a funding ticket,
// the locker or executor contract, or an escrow account.
type HolderID string

type balanceKey struct {
	Holder HolderID
	Asset  Symbol
}

type operatorKey struct {
	Holder   HolderID
	Asset    Symbol
	Operator HolderID
}

// Ledger is the in-memory asset book of one chain. It stands in for the
// ledger's own persistent state (storage engine is out of scope).
// Not thread-safe — accessed only from the single-threaded protocol state machine.
type Ledger struct {
	decimals  map[Symbol]uint8
	balances  map[balanceKey]*uint256.Int
	operators map[operatorKey]bool
}

func NewLedger() *Ledger {
	return &Ledger{
		decimals:  make(map[Symbol]uint8),
		balances:  make(map[balanceKey]*uint256.Int),
		operators: make(map[operatorKey]bool),
	}
}

// Register provisions an asset with its decimal precision.
func (l *Ledger) Register(asset Symbol, decimals uint8) {
	l.decimals[asset] = decimals
}

// Decimals returns the registered precision for an asset.
func (l *Ledger) Decimals(asset Symbol) (uint8, bool) {
	d, ok := l.decimals[asset]
	return d, ok
}

// Registered reports whether the asset has been provisioned.
func (l *Ledger) Registered(asset Symbol) bool {
	_, ok := l.decimals[asset]
	return ok
}

// BalanceOf returns the holder's balance (zero if never credited).
// The returned value is a copy; callers may mutate it freely.
func (l *Ledger) BalanceOf(holder HolderID, asset Symbol) *uint256.Int {
	if b, ok := l.balances[balanceKey{holder, asset}]; ok {
		return new(uint256.Int).Set(b)
	}
	return uint256.NewInt(0)
}

// Mint credits newly bridged (or script-minted) units to a holder.
func (l *Ledger) Mint(holder HolderID, asset Symbol, amount *uint256.Int) error {
	if !l.Registered(asset) {
		return fmt.Errorf("mint: unknown asset %s", asset)
	}
	key := balanceKey{holder, asset}
	b, ok := l.balances[key]
	if !ok {
		b = uint256.NewInt(0)
		l.balances[key] = b
	}
	if _, overflow := new(uint256.Int).AddOverflow(b, amount); overflow {
		return fmt.Errorf("mint: balance overflow for %s/%s", holder, asset)
	}
	b.Add(b, amount)
	return nil
}

// Burn removes units from a holder (used when a pooled asset is decomposed).
func (l *Ledger) Burn(holder HolderID, asset Symbol, amount *uint256.Int) error {
	key := balanceKey{holder, asset}
	b, ok := l.balances[key]
	if !ok || b.Lt(amount) {
		return fmt.Errorf("burn: insufficient balance for %s/%s", holder, asset)
	}
	b.Sub(b, amount)
	return nil
}

// Transfer moves units between holders.
func (l *Ledger) Transfer(from, to HolderID, asset Symbol, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	fromKey := balanceKey{from, asset}
	fb, ok := l.balances[fromKey]
	if !ok || fb.Lt(amount) {
		return fmt.Errorf("transfer: insufficient balance for %s/%s", from, asset)
	}
	fb.Sub(fb, amount)
	if err := l.Mint(to, asset, amount); err != nil {
		// Roll the debit back so a failed credit never destroys units
		fb.Add(fb, amount)
		return err
	}
	return nil
}

// SetOperator grants or revokes unlimited authority for operator over the
// holder's balance of asset. Consulted by the transformation post-checks.
func (l *Ledger) SetOperator(holder HolderID, asset Symbol, operator HolderID, allowed bool) {
	key := operatorKey{holder, asset, operator}
	if allowed {
		l.operators[key] = true
	} else {
		delete(l.operators, key)
	}
}

// IsOperator reports whether operator holds unlimited authority over
// holder's balance of asset.
func (l *Ledger) IsOperator(holder HolderID, asset Symbol, operator HolderID) bool {
	return l.operators[operatorKey{holder, asset, operator}]
}
