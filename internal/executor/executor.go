package executor

import (
	"time"

	"BridgeLedger/internal/observability"
	"BridgeLedger/internal/persistence"
	"BridgeLedger/internal/token"
	"BridgeLedger/internal/transport"
	"BridgeLedger/internal/wire"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// Config carries the executor's fixed parameters: privileged parties, the
// longest lockup a campaign may demand, and the trust anchors every inbound
// message is checked against.
type Config struct {
	Admin    token.HolderID
	Verifier token.HolderID

	// MaxLockup bounds how far into the future a campaign's unlock time may
	// be set at initialization.
	MaxLockup time.Duration

	Trust TrustPolicy
}

// TrustPolicy pins the single acceptable origin of bridge messages.
type TrustPolicy struct {
	OriginChainID uint64
	OriginSender  wire.Address
	Channels      map[string]bool // Allow-listed transport channels
}

// Trusted runs the three-way origin check.
func (p TrustPolicy) Trusted(o transport.Origin) error {
	if o.ChainID != p.OriginChainID {
		return ErrUntrustedChain
	}
	if o.Sender != p.OriginSender {
		return ErrUntrustedSender
	}
	if !p.Channels[o.Channel] {
		return ErrUntrustedChannel
	}
	return nil
}

// EscrowAccount is one batch's custody container on the destination side,
// uniquely identified by (market, nonce) across all deliveries.
type EscrowAccount struct {
	ID       uuid.UUID
	Holder   token.HolderID
	Market   wire.MarketID
	Nonce    uint64
	UnlockAt time.Time
	Executed bool
}

type escrowKey struct {
	Market wire.MarketID
	Nonce  uint64
}

type entryKey struct {
	Account   uuid.UUID
	Depositor wire.Address
	Asset     token.Symbol
}

type totalKey struct {
	Account uuid.UUID
	Asset   token.Symbol
}

// marketIntake is the executor's per-market view of what has arrived: the
// distinct bridged assets observed so far. An LP batch is complete only once
// both constituents have landed.
type marketIntake struct {
	NumAssets uint8
	Assets    []token.Symbol
}

// Executor is the destination-side state machine: escrow registry, accounting
// ledger, campaign store and transformation engine. Like the source locker it
// is single-threaded — the inbound consumer and the operation surface drive
// it from one goroutine.
type Executor struct {
	cfg     Config
	ledger  *token.Ledger
	runner  ScriptRunner
	holder  token.HolderID // Custody of bridged funds not yet transformed
	now     func() time.Time
	log     zerolog.Logger
	metrics *observability.Metrics

	campaigns map[wire.MarketID]*Campaign
	markets   map[wire.MarketID]*marketIntake
	accounts  map[escrowKey]*EscrowAccount
	byID      map[uuid.UUID]*EscrowAccount

	// entries is the per-depositor accounting ledger, totals its per-asset
	// aggregate. totals[account,asset] always equals the sum of entries.
	entries map[entryKey]*uint256.Int
	totals  map[totalKey]*uint256.Int

	// audit, when set, receives one row per inbound message and withdrawal.
	audit chan<- persistence.AuditRecord
}

// ScriptRunner executes a campaign's transformation script against an escrow
// account's holdings. Implementations decide what the opaque script bytes
// mean; the executor only checks the outcome.
type ScriptRunner interface {
	Run(script []byte, account token.HolderID) error
}

func New(cfg Config, ledger *token.Ledger, runner ScriptRunner, log zerolog.Logger, metrics *observability.Metrics) *Executor {
	return &Executor{
		cfg:       cfg,
		ledger:    ledger,
		runner:    runner,
		holder:    token.HolderID("executor:pending"),
		now:       time.Now,
		log:       log.With().Str("component", "executor").Logger(),
		metrics:   metrics,
		campaigns: make(map[wire.MarketID]*Campaign),
		markets:   make(map[wire.MarketID]*marketIntake),
		accounts:  make(map[escrowKey]*EscrowAccount),
		byID:      make(map[uuid.UUID]*EscrowAccount),
		entries:   make(map[entryKey]*uint256.Int),
		totals:    make(map[totalKey]*uint256.Int),
	}
}

// SetClock overrides the time source for tests.
func (e *Executor) SetClock(now func() time.Time) { e.now = now }

// Holder returns the executor's pending-custody holder id. Transformation
// scripts grant this holder operator authority over escrow balances.
func (e *Executor) Holder() token.HolderID { return e.holder }

// SetAuditSink installs the audit channel drained by the persistence worker.
func (e *Executor) SetAuditSink(sink chan<- persistence.AuditRecord) {
	e.audit = sink
}

// emitAudit sends one audit record without blocking the state machine.
func (e *Executor) emitAudit(rec persistence.AuditRecord) {
	if e.audit == nil {
		return
	}
	select {
	case e.audit <- rec:
	default:
	}
}

// Account returns the escrow account for (market, nonce), if any.
func (e *Executor) Account(market wire.MarketID, nonce uint64) (*EscrowAccount, bool) {
	acct, ok := e.accounts[escrowKey{Market: market, Nonce: nonce}]
	return acct, ok
}

// Entry returns the recorded contribution of a depositor in one asset.
func (e *Executor) Entry(account uuid.UUID, depositor wire.Address, asset token.Symbol) *uint256.Int {
	v, ok := e.entries[entryKey{Account: account, Depositor: depositor, Asset: asset}]
	if !ok {
		return uint256.NewInt(0)
	}
	return new(uint256.Int).Set(v)
}

// Total returns the aggregate recorded for one asset in one account.
func (e *Executor) Total(account uuid.UUID, asset token.Symbol) *uint256.Int {
	v, ok := e.totals[totalKey{Account: account, Asset: asset}]
	if !ok {
		return uint256.NewInt(0)
	}
	return new(uint256.Int).Set(v)
}

// DepositorHolder maps a source-ledger address to its destination holder id.
func DepositorHolder(a wire.Address) token.HolderID {
	return token.HolderID("addr:" + a.String())
}

func escrowHolder(id uuid.UUID) token.HolderID {
	return token.HolderID("escrow:" + id.String())
}
