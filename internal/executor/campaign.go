package executor

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"BridgeLedger/internal/token"
	"BridgeLedger/internal/wire"
)

var (
	ErrNotAdmin        = errors.New("caller is not the administrator")
	ErrNotOwner        = errors.New("caller is not the campaign owner")
	ErrNotVerifier     = errors.New("caller is not the verifier")
	ErrCampaignExists  = errors.New("campaign already initialized")
	ErrUnknownCampaign = errors.New("campaign not initialized")
	ErrLockupTooLong   = errors.New("unlock timestamp exceeds max lockup")
	ErrReceiptFrozen   = errors.New("receipt asset frozen after first successful transformation")
	ErrHashMismatch    = errors.New("verification hash does not match campaign parameters")
	ErrUnverified      = errors.New("campaign is not verified")
)

// Campaign holds the destination-side configuration of one market: the
// transformation script, the expected receipt asset and the unlock time.
type Campaign struct {
	Market       wire.MarketID
	Owner        token.HolderID
	UnlockAt     time.Time // Write-once at initialization
	ReceiptAsset token.Symbol
	Script       []byte

	// verified is true only while the stored parameters still match the
	// hash the verifier last approved. Any mutation clears it.
	verified bool

	// executedOnce freezes the receipt asset. Independent of per-account
	// execution state.
	executedOnce bool
}

// VerificationHash binds the receipt asset and script: hash(receiptAsset, script).
// The verifier computes it off-chain over the reviewed parameters; approval
// succeeds only if the campaign still carries exactly those parameters.
func VerificationHash(receiptAsset token.Symbol, script []byte) [32]byte {
	h := sha256.New()
	h.Write([]byte(receiptAsset))
	h.Write([]byte{0x00})
	h.Write(script)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// InitializeCampaign creates a market's campaign: write-once unlock timestamp
// bounded to at most MaxLockup from now, initial receipt asset and script,
// verification cleared. Administrator-only.
func (e *Executor) InitializeCampaign(caller token.HolderID, market wire.MarketID, owner token.HolderID, unlockAt time.Time, receiptAsset token.Symbol, script []byte) error {
	if caller != e.cfg.Admin {
		return ErrNotAdmin
	}
	if _, ok := e.campaigns[market]; ok {
		return fmt.Errorf("%w: %s", ErrCampaignExists, market)
	}
	if unlockAt.After(e.now().Add(e.cfg.MaxLockup)) {
		return fmt.Errorf("%w: %s", ErrLockupTooLong, unlockAt)
	}
	if !e.ledger.Registered(receiptAsset) {
		return fmt.Errorf("receipt asset %s not provisioned", receiptAsset)
	}

	e.campaigns[market] = &Campaign{
		Market:       market,
		Owner:        owner,
		UnlockAt:     unlockAt,
		ReceiptAsset: receiptAsset,
		Script:       append([]byte(nil), script...),
	}
	e.log.Info().
		Str("market", market.String()).
		Str("receipt", string(receiptAsset)).
		Time("unlock", unlockAt).
		Msg("campaign initialized")
	return nil
}

// SetReceiptAsset changes the campaign's receipt asset. Owner-only; rejected
// once the transformation has ever succeeded for this market. Clears
// verification.
func (e *Executor) SetReceiptAsset(caller token.HolderID, market wire.MarketID, receiptAsset token.Symbol) error {
	c, err := e.campaignFor(market)
	if err != nil {
		return err
	}
	if caller != c.Owner {
		return ErrNotOwner
	}
	if c.executedOnce {
		return ErrReceiptFrozen
	}
	if !e.ledger.Registered(receiptAsset) {
		return fmt.Errorf("receipt asset %s not provisioned", receiptAsset)
	}

	c.ReceiptAsset = receiptAsset
	c.verified = false
	e.log.Info().Str("market", market.String()).Str("receipt", string(receiptAsset)).Msg("receipt asset changed, verification cleared")
	return nil
}

// SetScript replaces the transformation script. Owner-only, allowed at any
// time; clears verification so the new script cannot run until re-approved.
func (e *Executor) SetScript(caller token.HolderID, market wire.MarketID, script []byte) error {
	c, err := e.campaignFor(market)
	if err != nil {
		return err
	}
	if caller != c.Owner {
		return ErrNotOwner
	}

	c.Script = append([]byte(nil), script...)
	c.verified = false
	e.log.Info().Str("market", market.String()).Msg("script changed, verification cleared")
	return nil
}

// Verify approves the campaign. Verifier-only; succeeds only if the supplied
// hash matches the freshly recomputed hash of the stored parameters — the
// owner cannot swap parameters between off-chain review and approval.
func (e *Executor) Verify(caller token.HolderID, market wire.MarketID, hash [32]byte) error {
	c, err := e.campaignFor(market)
	if err != nil {
		return err
	}
	if caller != e.cfg.Verifier {
		return ErrNotVerifier
	}
	if hash != VerificationHash(c.ReceiptAsset, c.Script) {
		return ErrHashMismatch
	}

	c.verified = true
	e.log.Info().Str("market", market.String()).Msg("campaign verified")
	return nil
}

// Unverify revokes approval, immediately blocking transformation execution.
// Verifier-only, always succeeds.
func (e *Executor) Unverify(caller token.HolderID, market wire.MarketID) error {
	c, err := e.campaignFor(market)
	if err != nil {
		return err
	}
	if caller != e.cfg.Verifier {
		return ErrNotVerifier
	}

	c.verified = false
	e.log.Warn().Str("market", market.String()).Msg("campaign unverified")
	return nil
}

// Verified reports whether the campaign is currently approved.
func (e *Executor) Verified(market wire.MarketID) bool {
	c, ok := e.campaigns[market]
	return ok && c.verified
}

func (e *Executor) campaignFor(market wire.MarketID) (*Campaign, error) {
	c, ok := e.campaigns[market]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCampaign, market)
	}
	return c, nil
}
