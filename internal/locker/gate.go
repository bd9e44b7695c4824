package locker

import (
	"errors"
	"fmt"
	"time"

	"BridgeLedger/internal/token"
	"BridgeLedger/internal/wire"
)

var (
	ErrNoGreenLight = errors.New("market has no green light")
	ErrRageQuitOpen = errors.New("rage-quit window still open")
)

var zeroTime time.Time

// TurnGreenLightOn approves the market's accumulated batch for bridging.
// Dispatch becomes permitted only after the rage-quit delay elapses, giving
// depositors who disagree with the decision a guaranteed window to exit.
func (l *Locker) TurnGreenLightOn(caller token.HolderID, id wire.MarketID) error {
	if caller != l.cfg.GreenLighter {
		return ErrNotGreenLighter
	}
	m, err := l.market(id)
	if err != nil {
		return err
	}
	if m.halted {
		return fmt.Errorf("%w: %s", ErrMarketHalted, id)
	}

	m.greenLightAt = l.now().Add(l.cfg.RageQuitDelay)
	l.log.Info().
		Str("market", id.String()).
		Time("bridgeable_at", m.greenLightAt).
		Msg("green light on")
	return nil
}

// TurnGreenLightOff clears the green light, blocking dispatch again.
func (l *Locker) TurnGreenLightOff(caller token.HolderID, id wire.MarketID) error {
	if caller != l.cfg.GreenLighter {
		return ErrNotGreenLighter
	}
	m, err := l.market(id)
	if err != nil {
		return err
	}

	m.greenLightAt = zeroTime
	l.log.Info().Str("market", id.String()).Msg("green light off")
	return nil
}

// Halt permanently disables deposits and dispatch for the market.
// One-way: withdrawal remains available forever, but funds can never be
// bridged again. Reachable from any state.
func (l *Locker) Halt(caller token.HolderID, id wire.MarketID) error {
	if caller != l.cfg.GreenLighter {
		return ErrNotGreenLighter
	}
	m, err := l.market(id)
	if err != nil {
		return err
	}

	m.halted = true
	m.greenLightAt = zeroTime
	l.log.Warn().Str("market", id.String()).Msg("market halted")
	return nil
}

// Halted reports the market's halt state.
func (l *Locker) Halted(id wire.MarketID) bool {
	m, ok := l.markets[id]
	return ok && m.halted
}

// canDispatch gates batch formation: green light set, rage-quit window
// elapsed, market not halted.
func (l *Locker) canDispatch(m *Market) error {
	if m.halted {
		return fmt.Errorf("%w: %s", ErrMarketHalted, m.ID)
	}
	if m.greenLightAt.IsZero() {
		return fmt.Errorf("%w: %s", ErrNoGreenLight, m.ID)
	}
	if l.now().Before(m.greenLightAt) {
		return fmt.Errorf("%w: until %s", ErrRageQuitOpen, m.greenLightAt)
	}
	return nil
}
