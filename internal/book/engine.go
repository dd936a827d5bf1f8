package book

import (
	"sort"
	"sync/atomic"
	"time"

	"cosmossdk.io/log"

	"github.com/openalpha/prediction-engine/internal/ledger"
	"github.com/openalpha/prediction-engine/internal/types"
)

// MarketOrderPolicy controls what happens to a market order the book cannot
// fully fill.
type MarketOrderPolicy int

const (
	// PartialOK fills what is available and cancels the residual.
	PartialOK MarketOrderPolicy = iota
	// AllOrNone rejects the order outright unless it can fill completely.
	AllOrNone
)

func (p MarketOrderPolicy) String() string {
	if p == AllOrNone {
		return "all-or-none"
	}
	return "partial-ok"
}

// Config tunes the matching engine.
type Config struct {
	MarketOrderPolicy MarketOrderPolicy
	PreventSelfTrade  bool
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		MarketOrderPolicy: PartialOK,
		PreventSelfTrade:  true,
	}
}

// SubmitResult contains the result of processing one order.
type SubmitResult struct {
	Order  *types.Order
	Trades []*types.Trade
}

// CancelResult reports a cancel. Noop is set when the order was already
// terminal; cancelling it again is success with nothing released.
type CancelResult struct {
	Released int64
	Noop     bool
}

// Engine matches orders with price-time priority and posts the monetary
// effects of every fill to the ledger in the same step. One Engine instance
// serves one market; it is driven by the market's writer goroutine and is
// not safe for concurrent use.
type Engine struct {
	market   *types.Market
	ledger   *ledger.Ledger
	cfg      Config
	books    map[int]*Book // outcome -> book
	archive  map[types.OrderID]*types.Order
	tradeSeq *atomic.Uint64
	logger   log.Logger
	now      func() time.Time
}

// NewEngine creates a matching engine for one market. tradeSeq is shared
// across engines so trade IDs are unique process-wide.
func NewEngine(m *types.Market, l *ledger.Ledger, cfg Config, tradeSeq *atomic.Uint64, logger log.Logger) *Engine {
	return &Engine{
		market:   m,
		ledger:   l,
		cfg:      cfg,
		books:    make(map[int]*Book),
		archive:  make(map[types.OrderID]*types.Order),
		tradeSeq: tradeSeq,
		logger:   logger.With("module", "book", "market", uint64(m.ID)),
		now:      time.Now,
	}
}

// SetClock replaces the engine's time source, for tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// BookFor returns the book for an outcome, creating it on first use.
func (e *Engine) BookFor(outcome int) *Book {
	b, ok := e.books[outcome]
	if !ok {
		b = NewBook(e.market.ID, outcome)
		e.books[outcome] = b
	}
	return b
}

// reserveRate returns the ticks reserved per share for an order. Market
// orders reserve the worst admissible price and the excess is released as
// fills execute.
func (e *Engine) reserveRate(o *types.Order) int64 {
	if o.Type == types.OrderTypeMarket {
		return e.market.Scale() - 1
	}
	if o.Side == types.SideBuy {
		return o.Price
	}
	return e.market.Scale() - o.Price
}

// consumedRate returns the ticks one share actually costs the taker at the
// executed price.
func (e *Engine) consumedRate(side types.Side, price int64) int64 {
	if side == types.SideBuy {
		return price
	}
	return e.market.Scale() - price
}

// Submit reserves collateral, runs the match loop and rests any limit
// residual. The risk gate has already validated the order.
func (e *Engine) Submit(o *types.Order) (*SubmitResult, error) {
	b := e.BookFor(o.Outcome)
	result := &SubmitResult{Order: o, Trades: make([]*types.Trade, 0)}

	// All-or-none market orders are admitted only when the book can fill
	// them completely; no ledger movement happens on rejection.
	if o.Type == types.OrderTypeMarket && e.cfg.MarketOrderPolicy == AllOrNone {
		if b.AvailableAgainst(o, e.cfg.PreventSelfTrade) < o.Remaining() {
			o.Reject(e.now())
			e.archive[o.ID] = o
			return nil, types.ErrInsufficientLiquidity
		}
	}

	rate := e.reserveRate(o)
	if err := e.ledger.Reserve(o.UserID, e.market.ID, rate*o.Remaining()); err != nil {
		o.Reject(e.now())
		e.archive[o.ID] = o
		return nil, err
	}

	if err := e.match(b, o, rate, result); err != nil {
		return nil, err
	}

	if o.Remaining() > 0 {
		if o.Type == types.OrderTypeLimit {
			b.Add(o)
		} else {
			// Market order residual: release the worst-case reservation
			// still held for the unfilled part and cancel.
			if err := e.ledger.Release(o.UserID, e.market.ID, rate*o.Remaining()); err != nil {
				return nil, err
			}
			o.Cancel(e.now())
			e.archive[o.ID] = o
		}
	} else {
		e.archive[o.ID] = o
	}
	return result, nil
}

// match runs the price-time priority loop: trade at the resting order's
// price, strict FIFO within a level, skipping the taker's own resting
// orders when self-trade prevention is on. Skipping is per order: a level
// holding only the taker's own liquidity is walked past so crossing
// third-party orders at deeper levels still fill.
func (e *Engine) match(b *Book, taker *types.Order, reserveRate int64, result *SubmitResult) error {
	opposite := b.sideFor(taker.Side.Opposite())

	// Snapshot the crossing prices up front: fills mutate the tree under a
	// live iteration.
	prices := make([]int64, 0, 8)
	opposite.iterate(func(level *priceLevel) bool {
		if !crosses(taker, level.price) {
			return false
		}
		prices = append(prices, level.price)
		return true
	})

	for _, price := range prices {
		if taker.Remaining() == 0 {
			break
		}
		level := opposite.get(price)
		if level == nil {
			continue
		}

		// Copy the FIFO slice: fills mutate the level underneath us.
		queue := append([]*types.Order(nil), level.orders...)
		for _, maker := range queue {
			if taker.Remaining() == 0 {
				break
			}
			if !maker.IsActive() {
				continue
			}
			if e.cfg.PreventSelfTrade && maker.UserID == taker.UserID {
				continue
			}

			qty := min64(taker.Remaining(), maker.Remaining())

			// Maker gets the price.
			trade := types.NewTrade(types.TradeID(e.tradeSeq.Add(1)), taker, maker, price, qty, e.now())
			if err := e.ledger.SettleTrade(e.market, trade); err != nil {
				return err
			}
			if err := taker.Fill(qty, e.now()); err != nil {
				return err
			}
			if err := maker.Fill(qty, e.now()); err != nil {
				return err
			}

			// The taker reserved at its own rate but consumed at the
			// maker's price; release the improvement.
			if excess := (reserveRate - e.consumedRate(taker.Side, price)) * qty; excess > 0 {
				if err := e.ledger.Release(taker.UserID, e.market.ID, excess); err != nil {
					return err
				}
			}

			if maker.Remaining() == 0 {
				b.Remove(maker)
				e.archive[maker.ID] = maker
			}
			result.Trades = append(result.Trades, trade)
		}
	}
	return nil
}

// Cancel removes a resting order and releases its remaining collateral.
// Idempotent: a terminal order cancels as a successful no-op.
func (e *Engine) Cancel(orderID types.OrderID, user types.UserID) (*CancelResult, error) {
	var o *types.Order
	for _, b := range e.books {
		if found := b.Get(orderID); found != nil {
			o = found
			break
		}
	}
	if o == nil {
		if archived, ok := e.archive[orderID]; ok {
			if user != 0 && archived.UserID != user {
				return nil, types.ErrNotOrderOwner
			}
			return &CancelResult{Noop: true}, nil
		}
		return nil, types.ErrOrderNotFound
	}
	if user != 0 && o.UserID != user {
		return nil, types.ErrNotOrderOwner
	}

	released := e.reserveRate(o) * o.Remaining()
	if err := e.ledger.Release(o.UserID, e.market.ID, released); err != nil {
		return nil, err
	}
	e.BookFor(o.Outcome).Remove(o)
	o.Cancel(e.now())
	e.archive[o.ID] = o
	return &CancelResult{Released: released}, nil
}

// CancelAll cancels every resting order, releasing collateral. Used when a
// market leaves the active state for good.
func (e *Engine) CancelAll() ([]*types.Order, error) {
	cancelled := make([]*types.Order, 0)
	for _, b := range e.books {
		ids := make([]types.OrderID, 0, len(b.orders))
		for id := range b.orders {
			ids = append(ids, id)
		}
		for _, id := range ids {
			o := b.Get(id)
			if o == nil {
				continue
			}
			if _, err := e.Cancel(id, 0); err != nil {
				return cancelled, err
			}
			cancelled = append(cancelled, o)
		}
	}
	return cancelled, nil
}

// RestingOrders returns every live order across the outcome books, in
// ascending ID order. Used for checkpoints.
func (e *Engine) RestingOrders() []*types.Order {
	out := make([]*types.Order, 0)
	for _, b := range e.books {
		for _, o := range b.orders {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore re-rests checkpointed orders without touching the ledger: their
// collateral is already reserved in the restored ledger state.
func (e *Engine) Restore(orders []*types.Order) {
	for _, o := range orders {
		e.BookFor(o.Outcome).Add(o)
	}
}

// Order returns a live or archived order by ID, or nil.
func (e *Engine) Order(id types.OrderID) *types.Order {
	for _, b := range e.books {
		if o := b.Get(id); o != nil {
			return o
		}
	}
	return e.archive[id]
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
