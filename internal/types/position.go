package types

// Position tracks a user's share count in one outcome of one market.
// Shares may be negative: shorts are represented as negative share counts,
// never as longs on the opposite outcome.
type Position struct {
	UserID    UserID
	MarketID  MarketID
	Outcome   int
	Shares    int64
	CostBasis int64 // net collateral consumed, in ticks
	Realized  int64 // realized P&L, in ticks
}

// IsFlat returns true when the position holds no shares.
func (p *Position) IsFlat() bool {
	return p.Shares == 0
}

// Unrealized returns mark-to-market P&L at the given tick price on a market
// with the given scale. Longs mark against price, shorts against scale-price.
func (p *Position) Unrealized(price, scale int64) int64 {
	if p.Shares >= 0 {
		return p.Shares*price - p.CostBasis
	}
	return (-p.Shares)*(scale-price) - p.CostBasis
}
