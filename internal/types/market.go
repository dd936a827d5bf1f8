package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketID identifies a market.
type MarketID uint64

// MarketKind represents the payoff structure of a market.
type MarketKind int

const (
	MarketKindUnspecified MarketKind = iota
	MarketKindBinary
	MarketKindCategorical
	MarketKindScalar
)

func (k MarketKind) String() string {
	switch k {
	case MarketKindBinary:
		return "binary"
	case MarketKindCategorical:
		return "categorical"
	case MarketKindScalar:
		return "scalar"
	default:
		return "unspecified"
	}
}

// EngineKind selects the matching engine backing a market.
type EngineKind int

const (
	EngineKindUnspecified EngineKind = iota
	EngineKindOrderBook
	EngineKindAMM
)

func (e EngineKind) String() string {
	switch e {
	case EngineKindOrderBook:
		return "order-book"
	case EngineKindAMM:
		return "amm"
	default:
		return "unspecified"
	}
}

// MarketState represents the lifecycle state of a market.
type MarketState int

const (
	MarketStateUnspecified MarketState = iota
	MarketStateDraft
	MarketStateActive
	MarketStatePaused
	MarketStateResolved
	MarketStateCancelled
)

func (s MarketState) String() string {
	switch s {
	case MarketStateDraft:
		return "draft"
	case MarketStateActive:
		return "active"
	case MarketStatePaused:
		return "paused"
	case MarketStateResolved:
		return "resolved"
	case MarketStateCancelled:
		return "cancelled"
	default:
		return "unspecified"
	}
}

// CanTransition reports whether the lifecycle transition s -> to is legal:
// draft -> active, active <-> paused, active|paused -> resolved, and any
// non-resolved state -> cancelled. Resolved and cancelled are terminal.
func (s MarketState) CanTransition(to MarketState) bool {
	switch s {
	case MarketStateDraft:
		return to == MarketStateActive || to == MarketStateCancelled
	case MarketStateActive:
		return to == MarketStatePaused || to == MarketStateResolved || to == MarketStateCancelled
	case MarketStatePaused:
		return to == MarketStateActive || to == MarketStateResolved || to == MarketStateCancelled
	default:
		return false
	}
}

// Resolution carries the outcome a market resolved to. For scalar markets
// Value holds the settlement value on the market's [LowerBound, UpperBound]
// range; Outcome is ignored.
type Resolution struct {
	Outcome    int
	Value      int64
	ResolvedAt time.Time
}

// Market holds the metadata and lifecycle state of a single market.
// Resolved and cancelled markets are retained for audit, never deleted.
type Market struct {
	ID             MarketID
	Title          string
	Kind           MarketKind
	Engine         EngineKind
	State          MarketState
	Outcomes       []string // >= 2 labels
	PriceTicks     int64    // price grid upper bound; a winning share pays PriceTicks+1
	PositionCap    int64    // per-user absolute share cap, 0 = uncapped
	AccreditedOnly bool
	CloseTime      time.Time
	ResolverID     UserID
	LowerBound     int64 // scalar markets only
	UpperBound     int64 // scalar markets only
	Resolution     *Resolution
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Scale returns the payout of one winning share in ticks. With the default
// 9999-tick grid a share pays 10000, so a price of p ticks is an implied
// probability of p/10000.
func (m *Market) Scale() int64 {
	return m.PriceTicks + 1
}

// IsTradable returns true while orders are accepted.
func (m *Market) IsTradable() bool {
	return m.State == MarketStateActive
}

// OutcomeCount returns the number of outcomes.
func (m *Market) OutcomeCount() int {
	return len(m.Outcomes)
}

// ValidOutcome reports whether idx addresses an outcome of this market.
func (m *Market) ValidOutcome(idx int) bool {
	return idx >= 0 && idx < len(m.Outcomes)
}

// ImpliedProbability converts a tick price into a probability in [0,1],
// for snapshots and cached market stats.
func (m *Market) ImpliedProbability(price int64) decimal.Decimal {
	return decimal.NewFromInt(price).Div(decimal.NewFromInt(m.Scale()))
}

// LongPayoutPerShare returns the resolution payout of one long share of the
// given outcome, in ticks. Scalar markets interpolate linearly between the
// market bounds, rounding down.
func (m *Market) LongPayoutPerShare(outcome int, res *Resolution) int64 {
	switch m.Kind {
	case MarketKindScalar:
		span := m.UpperBound - m.LowerBound
		if span <= 0 {
			return 0
		}
		v := res.Value
		if v < m.LowerBound {
			v = m.LowerBound
		}
		if v > m.UpperBound {
			v = m.UpperBound
		}
		return m.Scale() * (v - m.LowerBound) / span
	default:
		if res.Outcome == outcome {
			return m.Scale()
		}
		return 0
	}
}
