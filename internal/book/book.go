// Package book implements the central limit order book engine: one book per
// (market, outcome), price-time priority, integer tick arithmetic.
package book

import (
	"github.com/google/btree"

	"github.com/openalpha/prediction-engine/internal/types"
)

const btreeDegree = 32 // affects node size and cache efficiency

// priceLevel holds the live orders resting at one price, in FIFO order.
type priceLevel struct {
	price  int64
	orders []*types.Order
}

func newPriceLevel(price int64) *priceLevel {
	return &priceLevel{price: price, orders: make([]*types.Order, 0, 4)}
}

func (pl *priceLevel) add(o *types.Order) {
	pl.orders = append(pl.orders, o)
}

func (pl *priceLevel) remove(id types.OrderID) {
	for i, o := range pl.orders {
		if o.ID == id {
			pl.orders = append(pl.orders[:i], pl.orders[i+1:]...)
			return
		}
	}
}

func (pl *priceLevel) isEmpty() bool {
	return len(pl.orders) == 0
}

// totalSize returns the resting size at this level, excluding orders owned
// by skip (types.UserID 0 disables the exclusion).
func (pl *priceLevel) totalSize(skip types.UserID) int64 {
	var total int64
	for _, o := range pl.orders {
		if skip != 0 && o.UserID == skip {
			continue
		}
		total += o.Remaining()
	}
	return total
}

// levelItem wraps a price level for the btree.
type levelItem struct {
	price int64
	level *priceLevel
}

// Less implements btree.Item, ascending by price.
func (a *levelItem) Less(b btree.Item) bool {
	return a.price < b.(*levelItem).price
}

// bookSide is one side of the book (bids or asks) backed by a B-tree of
// price levels. O(log n) insert, delete and best-price lookup.
type bookSide struct {
	tree *btree.BTree
	desc bool // true for bids (best = max), false for asks (best = min)
}

func newBookSide(desc bool) *bookSide {
	return &bookSide{tree: btree.New(btreeDegree), desc: desc}
}

func (s *bookSide) get(price int64) *priceLevel {
	item := s.tree.Get(&levelItem{price: price})
	if item == nil {
		return nil
	}
	return item.(*levelItem).level
}

func (s *bookSide) getOrCreate(price int64) *priceLevel {
	level := s.get(price)
	if level == nil {
		level = newPriceLevel(price)
		s.tree.ReplaceOrInsert(&levelItem{price: price, level: level})
	}
	return level
}

func (s *bookSide) removeLevel(price int64) {
	s.tree.Delete(&levelItem{price: price})
}

// best returns the top-of-book level: highest price for bids, lowest for
// asks, or nil when the side is empty.
func (s *bookSide) best() *priceLevel {
	var item btree.Item
	if s.desc {
		item = s.tree.Max()
	} else {
		item = s.tree.Min()
	}
	if item == nil {
		return nil
	}
	return item.(*levelItem).level
}

// iterate walks price levels in matching priority order: descending for
// bids, ascending for asks. fn returns false to stop.
func (s *bookSide) iterate(fn func(*priceLevel) bool) {
	wrap := func(item btree.Item) bool {
		return fn(item.(*levelItem).level)
	}
	if s.desc {
		s.tree.Descend(wrap)
	} else {
		s.tree.Ascend(wrap)
	}
}

func (s *bookSide) len() int {
	return s.tree.Len()
}

// Book is the order book for one (market, outcome) pair. It is mutated only
// by its market's writer goroutine and needs no internal locking.
type Book struct {
	marketID types.MarketID
	outcome  int
	bids     *bookSide
	asks     *bookSide
	orders   map[types.OrderID]*types.Order // resting orders only
}

// NewBook creates an empty book.
func NewBook(marketID types.MarketID, outcome int) *Book {
	return &Book{
		marketID: marketID,
		outcome:  outcome,
		bids:     newBookSide(true),
		asks:     newBookSide(false),
		orders:   make(map[types.OrderID]*types.Order),
	}
}

func (b *Book) sideFor(s types.Side) *bookSide {
	if s == types.SideBuy {
		return b.bids
	}
	return b.asks
}

// Add rests an order on its side at its price level.
func (b *Book) Add(o *types.Order) {
	b.sideFor(o.Side).getOrCreate(o.Price).add(o)
	b.orders[o.ID] = o
}

// Remove takes a resting order off the book.
func (b *Book) Remove(o *types.Order) {
	side := b.sideFor(o.Side)
	if level := side.get(o.Price); level != nil {
		level.remove(o.ID)
		if level.isEmpty() {
			side.removeLevel(o.Price)
		}
	}
	delete(b.orders, o.ID)
}

// Get returns a resting order by ID, or nil.
func (b *Book) Get(id types.OrderID) *types.Order {
	return b.orders[id]
}

// BestBid returns the best bid price, or 0 when the side is empty.
func (b *Book) BestBid() int64 {
	if level := b.bids.best(); level != nil {
		return level.price
	}
	return 0
}

// BestAsk returns the best ask price, or 0 when the side is empty.
func (b *Book) BestAsk() int64 {
	if level := b.asks.best(); level != nil {
		return level.price
	}
	return 0
}

// Crossed reports whether best bid >= best ask with both sides non-empty.
// A healthy book is never crossed after a submit returns.
func (b *Book) Crossed() bool {
	bid, ask := b.BestBid(), b.BestAsk()
	return bid != 0 && ask != 0 && bid >= ask
}

// Depth returns the number of price levels per side.
func (b *Book) Depth() (bidLevels, askLevels int) {
	return b.bids.len(), b.asks.len()
}

// AvailableAgainst returns the resting size an incoming order could match,
// honouring its limit and excluding the taker's own orders when skipSelf is
// set. Used for all-or-none admission.
func (b *Book) AvailableAgainst(o *types.Order, skipSelf bool) int64 {
	opposite := b.sideFor(o.Side.Opposite())
	skip := types.UserID(0)
	if skipSelf {
		skip = o.UserID
	}
	var total int64
	opposite.iterate(func(level *priceLevel) bool {
		if !crosses(o, level.price) {
			return false
		}
		total += level.totalSize(skip)
		return total < o.Remaining()
	})
	return total
}

// crosses reports whether the incoming order's limit admits a trade at the
// resting price. Market orders cross any price.
func crosses(o *types.Order, restingPrice int64) bool {
	if o.Type == types.OrderTypeMarket {
		return true
	}
	if o.Side == types.SideBuy {
		return o.Price >= restingPrice
	}
	return o.Price <= restingPrice
}
