package types

import "time"

// TradeID identifies an executed trade.
type TradeID uint64

// Trade represents an executed trade. Immutable once emitted.
type Trade struct {
	ID          TradeID
	MarketID    MarketID
	Outcome     int
	BuyOrderID  OrderID
	SellOrderID OrderID // AMMOrderID when the passive side is a pool
	Buyer       UserID
	Seller      UserID
	TakerSide   Side
	Price       int64 // maker's price in ticks
	Size        int64 // shares
	Timestamp   time.Time
}

// NewTrade creates a trade between a taker and a resting maker order.
func NewTrade(id TradeID, taker, maker *Order, price, size int64, now time.Time) *Trade {
	t := &Trade{
		ID:        id,
		MarketID:  taker.MarketID,
		Outcome:   taker.Outcome,
		TakerSide: taker.Side,
		Price:     price,
		Size:      size,
		Timestamp: now,
	}
	if taker.Side == SideBuy {
		t.BuyOrderID, t.Buyer = taker.ID, taker.UserID
		t.SellOrderID, t.Seller = maker.ID, maker.UserID
	} else {
		t.SellOrderID, t.Seller = taker.ID, taker.UserID
		t.BuyOrderID, t.Buyer = maker.ID, maker.UserID
	}
	return t
}

// Notional returns price*size, the ticks the buyer pays.
func (t *Trade) Notional() int64 {
	return t.Price * t.Size
}
