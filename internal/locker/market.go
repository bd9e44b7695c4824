package locker

import (
	"errors"
	"fmt"
	"time"

	"BridgeLedger/internal/merkle"
	"BridgeLedger/internal/observability"
	"BridgeLedger/internal/token"
	"BridgeLedger/internal/wire"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

var (
	ErrUnknownMarket       = errors.New("unknown market")
	ErrMarketExists        = errors.New("market already exists")
	ErrMarketHalted        = errors.New("market is halted")
	ErrAssetNotProvisioned = errors.New("input asset not provisioned")
	ErrNotUnitMultiple     = errors.New("amount is not a multiple of the precision-loss unit")
	ErrNotGreenLighter     = errors.New("caller is not the green-lighter")
	ErrNoSuchContribution  = errors.New("no contribution recorded for ticket")
	ErrNotHalted           = errors.New("market is not halted")
)

// Config holds locker-wide parameters.
type Config struct {
	// GreenLighter is the administrative role allowed to gate and halt markets.
	GreenLighter token.HolderID

	// SharedDecimals is the transport's shared decimal precision.
	SharedDecimals uint8

	// MaxBatchSize caps the depositor count of one individual-mode dispatch,
	// bounding destination-side compute per message.
	MaxBatchSize int

	// RageQuitDelay is the guaranteed exit window after a green light.
	RageQuitDelay time.Duration
}

type ticketKey struct {
	Depositor wire.Address
	Ticket    token.HolderID
}

// ticketEntry records the exact amount one funding ticket contributed,
// tagged with the batch epoch it was deposited under.
type ticketEntry struct {
	Amount *uint256.Int
	Epoch  uint64
}

// Market is one deposit campaign on the source ledger.
type Market struct {
	ID         wire.MarketID
	InputAsset token.Symbol

	// LP-style markets decompose the pooled input asset into two
	// constituents at dispatch time.
	LPStyle      bool
	Constituents [2]token.Symbol

	// Gating state (see gate.go). halted is terminal.
	greenLightAt time.Time
	halted       bool

	// batchEpoch advances once per successful dispatch.
	batchEpoch uint64

	// Individual-mode accounting
	individual map[wire.Address]*uint256.Int
	tickets    map[ticketKey]*ticketEntry

	// Merklized accounting (lazily initialized on first merkle deposit)
	tree          *merkle.Tree
	merkleTotal   *uint256.Int
	merkleTickets map[ticketKey]*uint256.Int
}

// Locker is the source-side component: it custodies deposits, tracks
// per-depositor accounting and forms transport batches.
// Not thread-safe — the ledger is a single-threaded state machine.
type Locker struct {
	cfg     Config
	ledger  *token.Ledger
	holder  token.HolderID
	markets map[wire.MarketID]*Market

	// leafSeq is globally monotonic across markets so repeat deposits of the
	// same amount by the same depositor still produce unique leaves.
	leafSeq uint64

	log     zerolog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

func New(cfg Config, ledger *token.Ledger, holder token.HolderID, log zerolog.Logger, metrics *observability.Metrics) *Locker {
	return &Locker{
		cfg:     cfg,
		ledger:  ledger,
		holder:  holder,
		markets: make(map[wire.MarketID]*Market),
		log:     log,
		metrics: metrics,
		now:     time.Now,
	}
}

// SetClock overrides the time source (tests).
func (l *Locker) SetClock(now func() time.Time) {
	l.now = now
}

// CreateMarket registers a plain (single-asset) market.
func (l *Locker) CreateMarket(id wire.MarketID, inputAsset token.Symbol) error {
	return l.createMarket(&Market{ID: id, InputAsset: inputAsset})
}

// CreateLPMarket registers an LP-style market whose pooled input asset is
// decomposed into two constituents at dispatch time.
func (l *Locker) CreateLPMarket(id wire.MarketID, pooled token.Symbol, constituents [2]token.Symbol) error {
	return l.createMarket(&Market{
		ID:           id,
		InputAsset:   pooled,
		LPStyle:      true,
		Constituents: constituents,
	})
}

func (l *Locker) createMarket(m *Market) error {
	if _, ok := l.markets[m.ID]; ok {
		return fmt.Errorf("%w: %s", ErrMarketExists, m.ID)
	}
	if !l.ledger.Registered(m.InputAsset) {
		return fmt.Errorf("%w: %s", ErrAssetNotProvisioned, m.InputAsset)
	}
	if m.LPStyle {
		for _, c := range m.Constituents {
			if !l.ledger.Registered(c) {
				return fmt.Errorf("%w: constituent %s", ErrAssetNotProvisioned, c)
			}
		}
	}

	m.individual = make(map[wire.Address]*uint256.Int)
	m.tickets = make(map[ticketKey]*ticketEntry)
	m.merkleTotal = uint256.NewInt(0)
	m.merkleTickets = make(map[ticketKey]*uint256.Int)

	l.markets[m.ID] = m
	l.log.Info().Str("market", m.ID.String()).Str("asset", string(m.InputAsset)).Bool("lp", m.LPStyle).Msg("market created")
	return nil
}

func (l *Locker) market(id wire.MarketID) (*Market, error) {
	m, ok := l.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, id)
	}
	return m, nil
}

// BatchEpoch returns the market's current batch epoch.
func (l *Locker) BatchEpoch(id wire.MarketID) (uint64, error) {
	m, err := l.market(id)
	if err != nil {
		return 0, err
	}
	return m.batchEpoch, nil
}

// DepositorTotal returns the depositor's individual-mode running total.
func (l *Locker) DepositorTotal(id wire.MarketID, depositor wire.Address) *uint256.Int {
	m, ok := l.markets[id]
	if !ok {
		return uint256.NewInt(0)
	}
	if t, ok := m.individual[depositor]; ok {
		return new(uint256.Int).Set(t)
	}
	return uint256.NewInt(0)
}

// MerkleState returns the market's current tree root, leaf count and total.
func (l *Locker) MerkleState(id wire.MarketID) (root merkle.Digest, count uint64, total *uint256.Int, err error) {
	m, err := l.market(id)
	if err != nil {
		return merkle.Digest{}, 0, nil, err
	}
	if m.tree == nil {
		return merkle.New().Root(), 0, uint256.NewInt(0), nil
	}
	return m.tree.Root(), m.tree.Count(), new(uint256.Int).Set(m.merkleTotal), nil
}

// precisionUnit returns the smallest bridgeable increment of an asset:
// 10^(assetDecimals - sharedDecimals), or 1 when the asset is not finer
// than the transport's shared precision.
func (l *Locker) precisionUnit(asset token.Symbol) (*uint256.Int, error) {
	dec, ok := l.ledger.Decimals(asset)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAssetNotProvisioned, asset)
	}
	if dec <= l.cfg.SharedDecimals {
		return uint256.NewInt(1), nil
	}
	return wire.Pow10(dec - l.cfg.SharedDecimals)
}

// DepositorHolder maps a wire address onto its source-ledger holder id.
func DepositorHolder(a wire.Address) token.HolderID {
	return token.HolderID("addr:" + a.String())
}
