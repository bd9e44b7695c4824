package locker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"BridgeLedger/internal/merkle"
	"BridgeLedger/internal/persistence"
	"BridgeLedger/internal/token"
	"BridgeLedger/internal/transport"
	"BridgeLedger/internal/wire"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

var (
	ErrEmptyBatch     = errors.New("batch has no bridgeable contributions")
	ErrBatchTooLarge  = errors.New("depositor list exceeds max batch size")
	ErrNoSuchDispatch = errors.New("no pending dispatch for nonce")
)

// PoolDecomposer decomposes an LP-style pooled asset into its two
// constituents on the source ledger (external swap collaborator).
// Implementations settle the swap on the ledger: the pooled units leave the
// locker's custody and the returned constituent amounts are credited to it,
// so dust refunds and the bridging burn can draw on them. A failed Decompose
// must leave the ledger untouched.
type PoolDecomposer interface {
	Decompose(market wire.MarketID, pooled *uint256.Int) (amountA, amountB *uint256.Int, err error)
}

// OutboundMessage is one physical transport message of a dispatch: the
// encoded payload plus the asset and value that travel with it.
type OutboundMessage struct {
	Payload []byte
	Asset   token.Symbol
	Amount  *uint256.Int
	Records int
}

// DispatchResult reports what a dispatch drained and sent. For LP markets the
// two constituent messages share the single nonce.
type DispatchResult struct {
	Nonce        uint64
	Messages     []OutboundMessage
	TotalDrained *uint256.Int // In the market's input asset
	DustRefunded *uint256.Int // Sum over contributors (and constituents)
	MerkleRoot   *merkle.Digest
	LeafCount    uint64
}

// Dispatcher drains green-lit markets into wire payloads and hands them to
// the transport under a globally monotonic batch nonce.
type Dispatcher struct {
	locker     *Locker
	transport  transport.Transport
	decomposer PoolDecomposer

	// nonce is shared across all markets; incremented once per dispatch call
	// regardless of how many constituent messages the call produces.
	nonce uint64

	// pending retains the not-yet-accepted messages per nonce so an
	// underfunded or under-budgeted send can be retried. Accepted messages
	// are pruned immediately: a retry never replays them.
	pending map[uint64][]OutboundMessage

	// audit, when set, receives one row per dispatched message. Sends are
	// non-blocking: the audit trail is observational and never stalls dispatch.
	audit chan<- persistence.AuditRecord

	log zerolog.Logger
}

// Destination compute budget: the inbound handler loops once per record.
const (
	baseComputeBudget      = 200_000
	perRecordComputeBudget = 35_000
)

func NewDispatcher(l *Locker, tr transport.Transport, decomposer PoolDecomposer, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		locker:     l,
		transport:  tr,
		decomposer: decomposer,
		pending:    make(map[uint64][]OutboundMessage),
		log:        log,
	}
}

// SetAuditSink installs the audit channel drained by the persistence worker.
func (d *Dispatcher) SetAuditSink(sink chan<- persistence.AuditRecord) {
	d.audit = sink
}

// recordDispatch emits one audit row per constituent message. Dust is
// reported on the first row only to keep the per-nonce sum exact.
func (d *Dispatcher) recordDispatch(m *Market, result *DispatchResult, mode string) {
	if d.audit == nil {
		return
	}
	for i, msg := range result.Messages {
		row := persistence.BatchRow{
			Nonce:        result.Nonce,
			MarketID:     m.ID.String(),
			Asset:        string(msg.Asset),
			Mode:         mode,
			Records:      msg.Records,
			TotalDrained: msg.Amount.Dec(),
			DustRefunded: "0",
			DispatchedAt: time.Now(),
		}
		if i == 0 {
			row.DustRefunded = result.DustRefunded.Dec()
		}
		if result.MerkleRoot != nil {
			root := *result.MerkleRoot
			row.MerkleRoot = root[:]
		}
		select {
		case d.audit <- persistence.AuditRecord{Batch: &row}:
		default:
		}
	}
}

// contribution is one drained depositor's planned record.
type contribution struct {
	depositor  wire.Address
	drained    *uint256.Int // Full amount removed from the accumulator
	acceptable *uint256.Int // drained - dust, what goes on the wire
	dust       *uint256.Int
}

// DispatchIndividual drains the listed depositors of an individual-mode
// market into one batch. The caller supplies the explicit depositor list,
// capped at MaxBatchSize; dust is refunded before the transport send and a
// rejected dispatch leaves every balance untouched.
func (d *Dispatcher) DispatchIndividual(ctx context.Context, id wire.MarketID, depositors []wire.Address) (*DispatchResult, error) {
	l := d.locker
	m, err := l.market(id)
	if err != nil {
		return nil, err
	}
	if err := l.canDispatch(m); err != nil {
		return nil, err
	}
	if len(depositors) == 0 {
		return nil, ErrEmptyBatch
	}
	if len(depositors) > l.cfg.MaxBatchSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(depositors), l.cfg.MaxBatchSize)
	}

	// Precision normalization applies to the asset that goes on the wire. For
	// LP markets that is each constituent, handled during decomposition; the
	// pooled amounts themselves are drained whole.
	unit := uint256.NewInt(1)
	if !m.LPStyle {
		u, err := l.precisionUnit(m.InputAsset)
		if err != nil {
			return nil, err
		}
		unit = u
	}

	// Plan phase: pure — no state is touched until the batch is known viable.
	plan := make([]contribution, 0, len(depositors))
	seen := make(map[wire.Address]bool, len(depositors))
	for _, dep := range depositors {
		if seen[dep] {
			continue
		}
		seen[dep] = true

		total, ok := m.individual[dep]
		if !ok || total.IsZero() {
			continue
		}

		dust := new(uint256.Int).Mod(total, unit)
		acceptable := new(uint256.Int).Sub(total, dust)
		if acceptable.Gt(wire.MaxRecordAmount) {
			// Beyond the 12-byte wire range: omit, entry stays withdrawable
			continue
		}

		plan = append(plan, contribution{
			depositor:  dep,
			drained:    new(uint256.Int).Set(total),
			acceptable: acceptable,
			dust:       dust,
		})
	}

	records := 0
	totalDrained := uint256.NewInt(0)
	for _, c := range plan {
		totalDrained.Add(totalDrained, c.drained)
		if !c.acceptable.IsZero() {
			records++
		}
	}
	if records == 0 {
		// Transports reject zero-value sends; fail before any state change
		return nil, ErrEmptyBatch
	}

	// Build phase: payloads (and for LP markets the pool decomposition) are
	// produced before any accumulator state moves, so a failed build rejects
	// the dispatch with every entry still withdrawable and the nonce unused.
	nonce := d.nonce + 1
	var msgs []OutboundMessage
	var staged []plannedRefund
	if m.LPStyle {
		msgs, staged, err = d.planLPMessages(m, nonce, plan, totalDrained)
		if err != nil {
			return nil, err
		}
	} else {
		msg, err := d.buildPlainMessage(m, nonce, plan)
		if err != nil {
			return nil, err
		}
		msgs = []OutboundMessage{msg}
	}

	// Commit phase: drain entries and refund dust.
	dustRefunded := uint256.NewInt(0)
	for _, c := range plan {
		delete(m.individual, c.depositor)
		for key := range m.tickets {
			if key.Depositor == c.depositor {
				delete(m.tickets, key)
			}
		}

		if !c.dust.IsZero() {
			if err := l.ledger.Transfer(l.holder, DepositorHolder(c.depositor), m.InputAsset, c.dust); err != nil {
				return nil, fmt.Errorf("dust refund: %w", err)
			}
			dustRefunded.Add(dustRefunded, c.dust)
			if l.metrics != nil {
				l.metrics.DustRefunds.Inc()
			}
		}
	}
	for _, r := range staged {
		if err := l.ledger.Transfer(l.holder, DepositorHolder(r.depositor), r.asset, r.amount); err != nil {
			return nil, fmt.Errorf("constituent dust refund: %w", err)
		}
		dustRefunded.Add(dustRefunded, r.amount)
		if l.metrics != nil {
			l.metrics.DustRefunds.Inc()
		}
	}

	d.nonce = nonce
	m.batchEpoch++

	result := &DispatchResult{
		Nonce:        nonce,
		Messages:     msgs,
		TotalDrained: totalDrained,
		DustRefunded: dustRefunded,
	}
	mode := "individual"
	if m.LPStyle {
		mode = "lp"
	}
	d.recordDispatch(m, result, mode)
	return result, d.send(ctx, m, result)
}

// DispatchMerkle drains the market's entire commitment tree as a single
// record under the merkle placeholder address. Deposits were rejected unless
// unit-aligned, so the tree total carries no dust.
func (d *Dispatcher) DispatchMerkle(ctx context.Context, id wire.MarketID) (*DispatchResult, error) {
	l := d.locker
	m, err := l.market(id)
	if err != nil {
		return nil, err
	}
	if err := l.canDispatch(m); err != nil {
		return nil, err
	}
	if m.tree == nil || m.tree.Count() == 0 || m.merkleTotal.IsZero() {
		return nil, ErrEmptyBatch
	}
	if m.merkleTotal.Gt(wire.MaxRecordAmount) {
		return nil, fmt.Errorf("merkle total %s exceeds 12-byte wire range", m.merkleTotal.Dec())
	}

	srcDecimals, _ := l.ledger.Decimals(m.InputAsset)
	total := new(uint256.Int).Set(m.merkleTotal)
	root := m.tree.Root()
	leafCount := m.tree.Count()

	payload := &wire.Payload{
		Market:           m.ID,
		Nonce:            0, // Set below
		ConstituentCount: 1,
		SrcDecimals:      srcDecimals,
		Records: []wire.Record{
			{Depositor: wire.MerkleBatchDepositor, Amount: total},
		},
	}

	nonce := d.nonce + 1
	payload.Nonce = nonce
	encoded, err := payload.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode merkle batch: %w", err)
	}

	// Commit: the tree is fully drained
	d.nonce = nonce
	m.tree.Reset()
	m.merkleTotal = uint256.NewInt(0)
	m.merkleTickets = make(map[ticketKey]*uint256.Int)
	m.batchEpoch++

	result := &DispatchResult{
		Nonce:        nonce,
		TotalDrained: total,
		DustRefunded: uint256.NewInt(0),
		MerkleRoot:   &root,
		LeafCount:    leafCount,
		Messages: []OutboundMessage{
			{Payload: encoded, Asset: m.InputAsset, Amount: new(uint256.Int).Set(total), Records: 1},
		},
	}
	d.recordDispatch(m, result, "merkle")
	return result, d.send(ctx, m, result)
}

// buildPlainMessage serializes a single-asset batch.
func (d *Dispatcher) buildPlainMessage(m *Market, nonce uint64, plan []contribution) (OutboundMessage, error) {
	srcDecimals, _ := d.locker.ledger.Decimals(m.InputAsset)

	payload := &wire.Payload{
		Market:           m.ID,
		Nonce:            nonce,
		ConstituentCount: 1,
		SrcDecimals:      srcDecimals,
	}
	sent := uint256.NewInt(0)
	for _, c := range plan {
		if c.acceptable.IsZero() {
			continue
		}
		payload.Records = append(payload.Records, wire.Record{Depositor: c.depositor, Amount: c.acceptable})
		sent.Add(sent, c.acceptable)
	}

	encoded, err := payload.Encode()
	if err != nil {
		return OutboundMessage{}, fmt.Errorf("encode batch: %w", err)
	}
	return OutboundMessage{Payload: encoded, Asset: m.InputAsset, Amount: sent, Records: len(payload.Records)}, nil
}

// plannedRefund is a staged constituent dust transfer, applied only once the
// whole dispatch has committed.
type plannedRefund struct {
	depositor wire.Address
	asset     token.Symbol
	amount    *uint256.Int
}

// planLPMessages decomposes the pool total into its two constituents and
// builds one payload per constituent, both under the shared nonce. Each
// contributor's constituent share uses the same proportional formula as the
// deposit amount relative to the pool total, then precision normalization is
// applied independently per constituent. Dust comes back staged, not
// transferred: accumulator entries and refunds only move once both payloads
// have encoded.
func (d *Dispatcher) planLPMessages(m *Market, nonce uint64, plan []contribution, poolTotal *uint256.Int) ([]OutboundMessage, []plannedRefund, error) {
	if d.decomposer == nil {
		return nil, nil, fmt.Errorf("lp market %s has no pool decomposer", m.ID)
	}

	amountA, amountB, err := d.decomposer.Decompose(m.ID, poolTotal)
	if err != nil {
		return nil, nil, fmt.Errorf("decompose pool: %w", err)
	}

	constituents := [2]*uint256.Int{amountA, amountB}
	msgs := make([]OutboundMessage, 0, 2)
	var staged []plannedRefund

	for i, asset := range m.Constituents {
		unit, err := d.locker.precisionUnit(asset)
		if err != nil {
			return nil, nil, err
		}
		srcDecimals, _ := d.locker.ledger.Decimals(asset)

		payload := &wire.Payload{
			Market:           m.ID,
			Nonce:            nonce,
			ConstituentCount: 2,
			SrcDecimals:      srcDecimals,
		}
		sent := uint256.NewInt(0)

		for _, c := range plan {
			// share = contribution * constituentTotal / poolTotal, floored.
			// Products stay within 256 bits: both operands are < 2^96.
			share := new(uint256.Int).Mul(c.drained, constituents[i])
			share.Div(share, poolTotal)

			dust := new(uint256.Int).Mod(share, unit)
			acceptable := new(uint256.Int).Sub(share, dust)

			if !dust.IsZero() {
				staged = append(staged, plannedRefund{depositor: c.depositor, asset: asset, amount: dust})
			}
			if acceptable.IsZero() || acceptable.Gt(wire.MaxRecordAmount) {
				continue
			}
			payload.Records = append(payload.Records, wire.Record{Depositor: c.depositor, Amount: acceptable})
			sent.Add(sent, acceptable)
		}

		if len(payload.Records) == 0 {
			return nil, nil, fmt.Errorf("%w: constituent %s", ErrEmptyBatch, asset)
		}
		encoded, err := payload.Encode()
		if err != nil {
			return nil, nil, fmt.Errorf("encode constituent %s: %w", asset, err)
		}
		msgs = append(msgs, OutboundMessage{Payload: encoded, Asset: asset, Amount: sent, Records: len(payload.Records)})
	}

	return msgs, staged, nil
}

// send burns the bridged value out of the source ledger and submits every
// constituent message. A transport failure is retryable: the drained state is
// already settled, the unsent messages stay pending under their nonce, and
// the caller retries with Resend once fee or compute parameters are corrected.
func (d *Dispatcher) send(ctx context.Context, m *Market, result *DispatchResult) error {
	for _, msg := range result.Messages {
		if err := d.locker.ledger.Burn(d.locker.holder, msg.Asset, msg.Amount); err != nil {
			return fmt.Errorf("burn bridged value: %w", err)
		}
	}

	d.pending[result.Nonce] = result.Messages
	if err := d.submit(ctx, result.Nonce); err != nil {
		return fmt.Errorf("transport send (retry with Resend): %w", err)
	}

	if d.locker.metrics != nil {
		d.locker.metrics.BatchesDispatched.WithLabelValues(string(m.InputAsset)).Inc()
		for _, msg := range result.Messages {
			d.locker.metrics.BatchRecords.Observe(float64(msg.Records))
		}
	}
	d.log.Info().
		Str("market", m.ID.String()).
		Uint64("nonce", result.Nonce).
		Int("messages", len(result.Messages)).
		Str("drained", result.TotalDrained.Dec()).
		Str("dust", result.DustRefunded.Dec()).
		Msg("batch dispatched")
	return nil
}

// Resend retries the transport submission for a dispatch whose send failed.
func (d *Dispatcher) Resend(ctx context.Context, nonce uint64) error {
	if _, ok := d.pending[nonce]; !ok {
		return fmt.Errorf("%w: %d", ErrNoSuchDispatch, nonce)
	}
	return d.submit(ctx, nonce)
}

// submit sends the messages still pending under nonce, pruning each one as
// the transport accepts it. An accepted message must never be re-sent: the
// transport stamps a fresh id on every Send, so a replay would slip past the
// destination dedupe and credit the batch twice.
func (d *Dispatcher) submit(ctx context.Context, nonce uint64) error {
	for len(d.pending[nonce]) > 0 {
		msg := d.pending[nonce][0]
		fee, err := d.transport.EstimateFee(msg.Records, len(msg.Payload))
		if err != nil {
			return fmt.Errorf("estimate fee for nonce %d: %w", nonce, err)
		}

		budget := uint64(baseComputeBudget + perRecordComputeBudget*msg.Records)
		if err := d.transport.Send(ctx, msg.Payload, msg.Asset, msg.Amount, fee, budget); err != nil {
			if d.locker.metrics != nil {
				d.locker.metrics.TransportSendErrors.Inc()
			}
			return fmt.Errorf("send message of nonce %d: %w", nonce, err)
		}
		d.pending[nonce] = d.pending[nonce][1:]
	}
	delete(d.pending, nonce)
	return nil
}

// Nonce returns the last allocated batch nonce. Nonces are shared across all
// markets; a multi-asset dispatch reuses one nonce for its constituents.
func (d *Dispatcher) Nonce() uint64 {
	return d.nonce
}
