package types

import "time"

// EventType classifies engine events.
type EventType int

const (
	EventTypeUnspecified EventType = iota
	EventTypeOrderAccepted
	EventTypeOrderRejected
	EventTypeOrderCancelled
	EventTypeTrade
	EventTypeMarketStateChanged
	EventTypeMarketResolved
	EventTypeMarketCreated
	EventTypeLiquidityChanged
)

func (t EventType) String() string {
	switch t {
	case EventTypeOrderAccepted:
		return "order_accepted"
	case EventTypeOrderRejected:
		return "order_rejected"
	case EventTypeOrderCancelled:
		return "order_cancelled"
	case EventTypeTrade:
		return "trade"
	case EventTypeMarketStateChanged:
		return "market_state_changed"
	case EventTypeMarketResolved:
		return "market_resolved"
	case EventTypeMarketCreated:
		return "market_created"
	case EventTypeLiquidityChanged:
		return "liquidity_changed"
	default:
		return "unspecified"
	}
}

// LiquidityChange records one liquidity add or removal on an AMM market.
type LiquidityChange struct {
	Provider UserID   `json:"provider"`
	Amounts  [2]int64 `json:"amounts,omitempty"`
	Cash     int64    `json:"cash"`
	Removed  bool     `json:"removed,omitempty"`
}

// Event is one entry on a market's causal event stream. Seq is monotonic
// per market; events for a market are published in the order its writer
// produced them.
type Event struct {
	Seq        uint64      `json:"seq"`
	MarketID   MarketID    `json:"market_id"`
	Type       EventType   `json:"type"`
	Timestamp  time.Time   `json:"timestamp"`
	Order      *Order      `json:"order,omitempty"`
	Trade      *Trade      `json:"trade,omitempty"`
	State      MarketState `json:"state,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	Resolution *Resolution `json:"resolution,omitempty"`

	// Set on market_created and liquidity_changed respectively; both are
	// journaled so replay can rebuild markets and pool reserves.
	Market    *Market          `json:"market,omitempty"`
	Liquidity *LiquidityChange `json:"liquidity,omitempty"`
}
