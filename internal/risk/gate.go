// Package risk implements the pre-trade gate: every order passes a fixed
// sequence of checks before it reaches an engine, and the first failure is
// the one reported.
package risk

import (
	"sync"

	"cosmossdk.io/log"

	"github.com/openalpha/prediction-engine/internal/ledger"
	"github.com/openalpha/prediction-engine/internal/types"
)

// Config tunes the gate.
type Config struct {
	MaxOrderSize int64 // 0 = unlimited
}

// Gate validates orders against market rules, user eligibility, position
// caps and collateral. It never mutates ledger state; the engine reserves
// collateral only after the gate admits the order.
type Gate struct {
	cfg    Config
	ledger *ledger.Ledger
	logger log.Logger

	mu         sync.RWMutex
	accredited map[types.UserID]bool
}

// NewGate creates a risk gate backed by the ledger.
func NewGate(cfg Config, l *ledger.Ledger, logger log.Logger) *Gate {
	return &Gate{
		cfg:        cfg,
		ledger:     l,
		logger:     logger.With("module", "risk"),
		accredited: make(map[types.UserID]bool),
	}
}

// SetAccredited marks or clears a user's accreditation.
func (g *Gate) SetAccredited(user types.UserID, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ok {
		g.accredited[user] = true
	} else {
		delete(g.accredited, user)
	}
}

// IsAccredited reports whether a user may trade accredited-only markets.
func (g *Gate) IsAccredited(user types.UserID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.accredited[user]
}

// Check runs the admission pipeline for one order. Check order is fixed:
// market state, eligibility, parameter validity, position cap, collateral.
func (g *Gate) Check(m *types.Market, o *types.Order) error {
	if !m.IsTradable() {
		return types.ErrMarketNotTradable.Wrapf("market %d is %s", m.ID, m.State)
	}
	if m.AccreditedOnly && !g.IsAccredited(o.UserID) {
		return types.ErrNotAccredited
	}
	if err := g.checkParams(m, o); err != nil {
		return err
	}
	if err := g.checkPositionCap(m, o); err != nil {
		return err
	}
	return g.checkCollateral(m, o)
}

func (g *Gate) checkParams(m *types.Market, o *types.Order) error {
	if o.Side != types.SideBuy && o.Side != types.SideSell {
		return types.ErrInvalidSide
	}
	if !m.ValidOutcome(o.Outcome) {
		return types.ErrInvalidOutcome.Wrapf("outcome %d of %d", o.Outcome, m.OutcomeCount())
	}
	if o.Size <= 0 {
		return types.ErrInvalidSize.Wrap("size must be positive")
	}
	if g.cfg.MaxOrderSize > 0 && o.Size > g.cfg.MaxOrderSize {
		return types.ErrInvalidSize.Wrapf("size %d exceeds limit %d", o.Size, g.cfg.MaxOrderSize)
	}
	if o.Type == types.OrderTypeLimit && (o.Price < 1 || o.Price > m.PriceTicks) {
		return types.ErrInvalidPrice.Wrapf("price %d outside [1, %d]", o.Price, m.PriceTicks)
	}
	return nil
}

// checkPositionCap bounds the position the order could create if fully
// filled. Cap 0 means unlimited.
func (g *Gate) checkPositionCap(m *types.Market, o *types.Order) error {
	if m.PositionCap == 0 {
		return nil
	}
	pos := g.ledger.Position(o.UserID, m.ID, o.Outcome)
	projected := pos.Shares
	if o.Side == types.SideBuy {
		projected += o.Remaining()
	} else {
		projected -= o.Remaining()
	}
	if projected < 0 {
		projected = -projected
	}
	if projected > m.PositionCap {
		return types.ErrOverLimit.Wrapf("projected position %d exceeds cap %d", projected, m.PositionCap)
	}
	return nil
}

// checkCollateral verifies the worst-case reservation fits the user's
// available balance. Market orders are priced at the worst grid price.
func (g *Gate) checkCollateral(m *types.Market, o *types.Order) error {
	var rate int64
	switch {
	case o.Type == types.OrderTypeMarket:
		rate = m.Scale() - 1
	case o.Side == types.SideBuy:
		rate = o.Price
	default:
		rate = m.Scale() - o.Price
	}
	required := rate * o.Remaining()

	snap, err := g.ledger.GetSnapshot(o.UserID)
	if err != nil {
		return err
	}
	if snap.Available < required {
		return types.ErrInsufficientFunds.Wrapf("need %d, available %d", required, snap.Available)
	}
	return nil
}
