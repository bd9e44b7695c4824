package executor

import (
	"errors"
	"fmt"

	"BridgeLedger/internal/persistence"
	"BridgeLedger/internal/token"
	"BridgeLedger/internal/transport"
	"BridgeLedger/internal/wire"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	ErrUntrustedChain   = errors.New("message from untrusted chain")
	ErrUntrustedSender  = errors.New("message from untrusted sender contract")
	ErrUntrustedChannel = errors.New("message via untrusted channel")
	ErrOverCredit       = errors.New("accounted total exceeds transferred value")
	ErrAssetMismatch    = errors.New("asset not provisioned on destination ledger")
	ErrBatchShape       = errors.New("constituent count conflicts with earlier batches")
	ErrUnexpectedAsset  = errors.New("asset not among the market's recorded constituents")
)

// stagedCredit is a planned ledger mutation, applied only once the whole
// message has validated.
type stagedCredit struct {
	depositor wire.Address
	amount    *uint256.Int
}

// OnMessage is the inbound handler: it validates the origin, decodes the
// payload, stages every credit in destination units and commits atomically.
// A rejected message leaves no partial state; errors are terminal for the
// delivery because the handler is deterministic.
func (e *Executor) OnMessage(origin transport.Origin, messageID string, payload []byte, asset token.Symbol, transferred *uint256.Int) error {
	p, reason, err := e.applyMessage(origin, messageID, payload, asset, transferred)
	if err != nil {
		e.reject(reason, messageID, err)
		e.auditMessage(messageID, p, asset, transferred, false, reason)
		return err
	}
	e.auditMessage(messageID, p, asset, transferred, true, "")
	return nil
}

func (e *Executor) applyMessage(origin transport.Origin, messageID string, payload []byte, asset token.Symbol, transferred *uint256.Int) (*wire.Payload, string, error) {
	if err := e.cfg.Trust.Trusted(origin); err != nil {
		return nil, "trust", err
	}

	p, err := wire.Decode(payload)
	if err != nil {
		return nil, "decode", err
	}

	dstDecimals, ok := e.ledger.Decimals(asset)
	if !ok {
		return p, "asset", fmt.Errorf("%w: %s", ErrAssetMismatch, asset)
	}

	intake := e.markets[p.Market]
	if intake != nil && intake.NumAssets != p.ConstituentCount {
		return p, "shape", fmt.Errorf("%w: got %d, market has %d", ErrBatchShape, p.ConstituentCount, intake.NumAssets)
	}
	// Once the constituent set is complete, a batch in a new asset can only
	// be a misroute. Appending it would leave the recorded set permanently
	// larger than the expected count, blocking transformation and refunds.
	if intake != nil && !intake.has(asset) && len(intake.Assets) >= int(intake.NumAssets) {
		return p, "asset_set", fmt.Errorf("%w: %s", ErrUnexpectedAsset, asset)
	}

	// Plan phase: every record converted to destination units, the sum
	// checked against the physically transferred value. Floor rounding may
	// leave the sum short, never over.
	staged := make([]stagedCredit, 0, len(p.Records))
	accounted := uint256.NewInt(0)
	for _, rec := range p.Records {
		converted, err := wire.ConvertDecimals(rec.Amount, p.SrcDecimals, dstDecimals)
		if err != nil {
			return p, "convert", err
		}
		if converted.IsZero() {
			continue
		}
		accounted.Add(accounted, converted)
		staged = append(staged, stagedCredit{depositor: rec.Depositor, amount: converted})
	}
	if accounted.Gt(transferred) {
		return p, "over_credit", fmt.Errorf("%w: accounted %s, transferred %s",
			ErrOverCredit, accounted.Dec(), transferred.Dec())
	}

	// Commit phase. The mint runs first: it is the only commit step that can
	// still fail, and a rejected message must not leave an account or asset
	// behind.
	if err := e.ledger.Mint(e.holder, asset, transferred); err != nil {
		return p, "mint", fmt.Errorf("mint bridged value: %w", err)
	}
	acct, created := e.ensureAccount(p.Market, p.Nonce)
	e.recordAsset(p.Market, p.ConstituentCount, asset)
	for _, s := range staged {
		e.credit(acct.ID, s.depositor, asset, s.amount)
	}

	e.log.Info().
		Str("message_id", messageID).
		Str("market", p.Market.String()).
		Uint64("nonce", p.Nonce).
		Str("asset", string(asset)).
		Str("transferred", transferred.Dec()).
		Int("records", len(staged)).
		Bool("account_created", created).
		Msg("batch message accepted")

	if e.metrics != nil {
		if created {
			e.metrics.EscrowAccountsCreated.Inc()
		} else {
			e.metrics.EscrowAccountsReused.Inc()
		}
	}
	return p, "", nil
}

// ensureAccount returns the escrow account for (market, nonce), creating it
// on first delivery. Constituent messages of one batch share a nonce, so the
// second arrival reuses the account whichever order they land in.
func (e *Executor) ensureAccount(market wire.MarketID, nonce uint64) (*EscrowAccount, bool) {
	key := escrowKey{Market: market, Nonce: nonce}
	if acct, ok := e.accounts[key]; ok {
		return acct, false
	}

	id := uuid.New()
	acct := &EscrowAccount{
		ID:     id,
		Holder: escrowHolder(id),
		Market: market,
		Nonce:  nonce,
	}
	// The unlock is fixed at creation. Accounts created before the campaign
	// is initialized keep a zero unlock and stay refundable immediately: a
	// later InitializeCampaign never re-locks funds a depositor could
	// already reclaim.
	if c, ok := e.campaigns[market]; ok {
		acct.UnlockAt = c.UnlockAt
	}
	e.accounts[key] = acct
	e.byID[id] = acct
	return acct, true
}

func (e *Executor) recordAsset(market wire.MarketID, numAssets uint8, asset token.Symbol) {
	intake := e.markets[market]
	if intake == nil {
		intake = &marketIntake{NumAssets: numAssets}
		e.markets[market] = intake
	}
	// The recorded set never grows past the expected count; the plan phase
	// rejects messages that would require it to.
	if intake.has(asset) || len(intake.Assets) >= int(intake.NumAssets) {
		return
	}
	intake.Assets = append(intake.Assets, asset)
}

func (mi *marketIntake) has(asset token.Symbol) bool {
	for _, a := range mi.Assets {
		if a == asset {
			return true
		}
	}
	return false
}

// allAssetsRecorded reports whether every constituent asset of the market has
// been observed at least once.
func (e *Executor) allAssetsRecorded(market wire.MarketID) bool {
	intake := e.markets[market]
	return intake != nil && len(intake.Assets) == int(intake.NumAssets)
}

func (e *Executor) credit(account uuid.UUID, depositor wire.Address, asset token.Symbol, amount *uint256.Int) {
	ek := entryKey{Account: account, Depositor: depositor, Asset: asset}
	if cur, ok := e.entries[ek]; ok {
		cur.Add(cur, amount)
	} else {
		e.entries[ek] = new(uint256.Int).Set(amount)
	}

	tk := totalKey{Account: account, Asset: asset}
	if cur, ok := e.totals[tk]; ok {
		cur.Add(cur, amount)
	} else {
		e.totals[tk] = new(uint256.Int).Set(amount)
	}
}

func (e *Executor) reject(reason, messageID string, err error) {
	e.log.Error().Str("message_id", messageID).Str("reason", reason).Err(err).Msg("batch message rejected")
	if e.metrics != nil {
		e.metrics.MessagesRejected.WithLabelValues(reason).Inc()
	}
}

// auditMessage records the delivery outcome. p is nil when the payload never
// decoded; the row then carries only the message id and reason.
func (e *Executor) auditMessage(messageID string, p *wire.Payload, asset token.Symbol, transferred *uint256.Int, accepted bool, reason string) {
	row := persistence.MessageRow{
		MessageID:   messageID,
		Asset:       string(asset),
		Transferred: transferred.Dec(),
		Accepted:    accepted,
		ReceivedAt:  e.now(),
	}
	if p != nil {
		row.MarketID = p.Market.String()
		row.Nonce = p.Nonce
		row.Records = len(p.Records)
	}
	if reason != "" {
		row.RejectReason = &reason
	}
	e.emitAudit(persistence.AuditRecord{Message: &row})
}
