package locker

import (
	"encoding/binary"
	"fmt"

	"BridgeLedger/internal/merkle"
	"BridgeLedger/internal/token"
	"BridgeLedger/internal/wire"

	"github.com/holiman/uint256"
)

// DepositIndividual records a contribution with an explicit per-depositor
// ledger entry and a back-reference to the funding ticket, enabling
// exact-amount refund before the contribution is dispatched.
func (l *Locker) DepositIndividual(id wire.MarketID, depositor wire.Address, ticket token.HolderID, amount *uint256.Int) error {
	m, err := l.depositChecks(id, amount)
	if err != nil {
		return err
	}

	if err := l.ledger.Transfer(ticket, l.holder, m.InputAsset, amount); err != nil {
		return fmt.Errorf("fund deposit: %w", err)
	}

	total, ok := m.individual[depositor]
	if !ok {
		total = uint256.NewInt(0)
		m.individual[depositor] = total
	}
	total.Add(total, amount)

	key := ticketKey{depositor, ticket}
	entry, ok := m.tickets[key]
	if !ok {
		entry = &ticketEntry{Amount: uint256.NewInt(0)}
		m.tickets[key] = entry
	}
	entry.Amount.Add(entry.Amount, amount)
	entry.Epoch = m.batchEpoch

	if l.metrics != nil {
		l.metrics.DepositsAccepted.WithLabelValues("individual").Inc()
	}
	l.log.Debug().
		Str("market", id.String()).
		Str("depositor", depositor.String()).
		Str("amount", amount.Dec()).
		Msg("individual deposit")
	return nil
}

// DepositMerkle records a contribution as a leaf in the market's append-only
// commitment tree. Only the root and running total bridge; the exact ticket
// amount is kept under the current batch epoch so an un-bridged contribution
// can still be withdrawn before the tree commits.
func (l *Locker) DepositMerkle(id wire.MarketID, depositor wire.Address, ticket token.HolderID, amount *uint256.Int) error {
	m, err := l.depositChecks(id, amount)
	if err != nil {
		return err
	}

	if m.tree == nil {
		m.tree = merkle.New()
	}

	if err := l.ledger.Transfer(ticket, l.holder, m.InputAsset, amount); err != nil {
		return fmt.Errorf("fund deposit: %w", err)
	}

	l.leafSeq++
	leaf := depositLeaf(l.leafSeq, depositor, amount)
	index, root, err := m.tree.Push(leaf)
	if err != nil {
		// Roll the funding transfer back; the tree is full until dispatched
		_ = l.ledger.Transfer(l.holder, ticket, m.InputAsset, amount)
		return fmt.Errorf("append leaf: %w", err)
	}

	m.merkleTotal.Add(m.merkleTotal, amount)

	key := ticketKey{depositor, ticket}
	recorded, ok := m.merkleTickets[key]
	if !ok {
		recorded = uint256.NewInt(0)
		m.merkleTickets[key] = recorded
	}
	recorded.Add(recorded, amount)

	if l.metrics != nil {
		l.metrics.DepositsAccepted.WithLabelValues("merkle").Inc()
	}
	l.log.Debug().
		Str("market", id.String()).
		Str("depositor", depositor.String()).
		Str("amount", amount.Dec()).
		Uint64("leaf_index", index).
		Hex("root", root[:]).
		Msg("merkle deposit")
	return nil
}

// depositChecks enforces the shared deposit preconditions: market known and
// not halted, input asset provisioned, amount non-zero and an exact multiple
// of the precision-loss unit. The multiple check applies to both accounting
// modes — merklized totals cannot be dust-refunded per contributor once
// committed to the tree, so precision loss must be rejected up front.
func (l *Locker) depositChecks(id wire.MarketID, amount *uint256.Int) (*Market, error) {
	m, err := l.market(id)
	if err != nil {
		return nil, err
	}
	if m.halted {
		return nil, fmt.Errorf("%w: %s", ErrMarketHalted, id)
	}
	if !l.ledger.Registered(m.InputAsset) {
		return nil, fmt.Errorf("%w: %s", ErrAssetNotProvisioned, m.InputAsset)
	}
	if amount == nil || amount.IsZero() {
		return nil, fmt.Errorf("deposit amount is zero")
	}

	unit, err := l.precisionUnit(m.InputAsset)
	if err != nil {
		return nil, err
	}
	if unit.Gt(uint256.NewInt(1)) {
		rem := new(uint256.Int).Mod(amount, unit)
		if !rem.IsZero() {
			return nil, fmt.Errorf("%w: amount %s, unit %s", ErrNotUnitMultiple, amount.Dec(), unit.Dec())
		}
	}
	return m, nil
}

// WithdrawIndividual refunds the exact amount a funding ticket contributed,
// permitted only while the contribution has not been drained into a batch.
// Dispatch deletes drained entries, so a surviving entry is always refundable
// — including after the market halts.
func (l *Locker) WithdrawIndividual(id wire.MarketID, depositor wire.Address, ticket token.HolderID) (*uint256.Int, error) {
	m, err := l.market(id)
	if err != nil {
		return nil, err
	}

	key := ticketKey{depositor, ticket}
	entry, ok := m.tickets[key]
	if !ok || entry.Amount.IsZero() {
		return nil, fmt.Errorf("%w: depositor %s", ErrNoSuchContribution, depositor)
	}

	amount := new(uint256.Int).Set(entry.Amount)

	// Zero accounting before the value transfer
	delete(m.tickets, key)
	if total, ok := m.individual[depositor]; ok {
		total.Sub(total, amount)
		if total.IsZero() {
			delete(m.individual, depositor)
		}
	}

	if err := l.ledger.Transfer(l.holder, ticket, m.InputAsset, amount); err != nil {
		return nil, fmt.Errorf("refund: %w", err)
	}

	if l.metrics != nil {
		l.metrics.SourceWithdrawals.WithLabelValues("individual").Inc()
	}
	l.log.Info().
		Str("market", id.String()).
		Str("depositor", depositor.String()).
		Str("amount", amount.Dec()).
		Msg("individual withdrawal")
	return amount, nil
}

// WithdrawMerkle refunds a merklized contribution. Permitted only once the
// market is permanently halted: a committed tree cannot be selectively
// reversed, it is either fully drained by dispatch or fully abandoned.
func (l *Locker) WithdrawMerkle(id wire.MarketID, depositor wire.Address, ticket token.HolderID) (*uint256.Int, error) {
	m, err := l.market(id)
	if err != nil {
		return nil, err
	}
	if !m.halted {
		return nil, fmt.Errorf("%w: %s", ErrNotHalted, id)
	}

	key := ticketKey{depositor, ticket}
	recorded, ok := m.merkleTickets[key]
	if !ok || recorded.IsZero() {
		return nil, fmt.Errorf("%w: depositor %s", ErrNoSuchContribution, depositor)
	}

	amount := new(uint256.Int).Set(recorded)
	delete(m.merkleTickets, key)
	m.merkleTotal.Sub(m.merkleTotal, amount)

	if err := l.ledger.Transfer(l.holder, ticket, m.InputAsset, amount); err != nil {
		return nil, fmt.Errorf("refund: %w", err)
	}

	if l.metrics != nil {
		l.metrics.SourceWithdrawals.WithLabelValues("merkle").Inc()
	}
	l.log.Info().
		Str("market", id.String()).
		Str("depositor", depositor.String()).
		Str("amount", amount.Dec()).
		Msg("merkle withdrawal")
	return amount, nil
}

// depositLeaf builds the commitment leaf hash(seq, depositor, amount).
// The global sequence guarantees leaf uniqueness for repeat deposits.
func depositLeaf(seq uint64, depositor wire.Address, amount *uint256.Int) merkle.Digest {
	buf := make([]byte, 8+wire.AddressSize+32)
	binary.BigEndian.PutUint64(buf[0:8], seq)
	copy(buf[8:8+wire.AddressSize], depositor[:])
	be := amount.Bytes32()
	copy(buf[8+wire.AddressSize:], be[:])
	return merkle.HashLeaf(buf)
}
