package types

import (
	"fmt"
	"time"
)

// OrderID identifies an order. IDs are assigned by the coordinator and are
// monotonic per process.
type OrderID uint64

// AMMOrderID is the pseudo order ID recorded on trades whose passive side is
// an AMM pool rather than a resting order.
const AMMOrderID OrderID = 0

// UserID identifies a ledger account.
type UserID uint64

// Side represents order side
type Side int

const (
	SideUnspecified Side = iota
	SideBuy
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return "unspecified"
	}
}

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType represents order type
type OrderType int

const (
	OrderTypeUnspecified OrderType = iota
	OrderTypeLimit
	OrderTypeMarket
)

func (t OrderType) String() string {
	switch t {
	case OrderTypeLimit:
		return "limit"
	case OrderTypeMarket:
		return "market"
	default:
		return "unspecified"
	}
}

// OrderStatus represents order status
type OrderStatus int

const (
	OrderStatusUnspecified OrderStatus = iota
	OrderStatusOpen
	OrderStatusPartiallyFilled
	OrderStatusFilled
	OrderStatusCancelled
	OrderStatusRejected
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusOpen:
		return "open"
	case OrderStatusPartiallyFilled:
		return "partially_filled"
	case OrderStatusFilled:
		return "filled"
	case OrderStatusCancelled:
		return "cancelled"
	case OrderStatusRejected:
		return "rejected"
	default:
		return "unspecified"
	}
}

// Order represents a trading order. Prices and sizes are integer ticks;
// no floating point enters matching or settlement.
type Order struct {
	ID        OrderID
	MarketID  MarketID
	UserID    UserID
	Side      Side
	Outcome   int // outcome index within the market's outcome set
	Type      OrderType
	Price     int64 // limit price in ticks (ignored for market orders)
	Size      int64 // total size in shares
	Filled    int64 // filled size in shares
	Status    OrderStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewOrder creates a new open order.
func NewOrder(id OrderID, marketID MarketID, userID UserID, side Side, outcome int, typ OrderType, price, size int64, now time.Time) *Order {
	return &Order{
		ID:        id,
		MarketID:  marketID,
		UserID:    userID,
		Side:      side,
		Outcome:   outcome,
		Type:      typ,
		Price:     price,
		Size:      size,
		Status:    OrderStatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Remaining returns the unfilled size.
func (o *Order) Remaining() int64 {
	return o.Size - o.Filled
}

// IsActive returns true if the order can still be matched.
func (o *Order) IsActive() bool {
	return o.Status == OrderStatusOpen || o.Status == OrderStatusPartiallyFilled
}

// IsTerminal returns true once the order can no longer change.
func (o *Order) IsTerminal() bool {
	return !o.IsActive()
}

// Fill fills the order with the given quantity.
func (o *Order) Fill(qty int64, now time.Time) error {
	if qty > o.Remaining() {
		return fmt.Errorf("fill quantity %d exceeds remaining %d", qty, o.Remaining())
	}
	o.Filled += qty
	o.UpdatedAt = now
	if o.Filled >= o.Size {
		o.Status = OrderStatusFilled
	} else if o.Filled > 0 {
		o.Status = OrderStatusPartiallyFilled
	}
	return nil
}

// Cancel cancels the order.
func (o *Order) Cancel(now time.Time) {
	o.Status = OrderStatusCancelled
	o.UpdatedAt = now
}

// Reject marks the order rejected before it ever rested.
func (o *Order) Reject(now time.Time) {
	o.Status = OrderStatusRejected
	o.UpdatedAt = now
}
