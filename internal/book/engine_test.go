package book

import (
	"sync/atomic"
	"testing"
	"time"

	"cosmossdk.io/log"

	"github.com/openalpha/prediction-engine/internal/ledger"
	"github.com/openalpha/prediction-engine/internal/types"
)

type fixture struct {
	ledger *ledger.Ledger
	engine *Engine
	market *types.Market
	nextID types.OrderID
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	l := ledger.New(log.NewNopLogger())
	l.EnableDebugChecks()
	m := &types.Market{
		ID:         1,
		Title:      "will it rain tomorrow",
		Kind:       types.MarketKindBinary,
		Engine:     types.EngineKindOrderBook,
		State:      types.MarketStateActive,
		Outcomes:   []string{"YES", "NO"},
		PriceTicks: 99,
	}
	var seq atomic.Uint64
	return &fixture{
		ledger: l,
		engine: NewEngine(m, l, cfg, &seq, log.NewNopLogger()),
		market: m,
	}
}

func (f *fixture) fund(user types.UserID, amount int64) {
	f.ledger.Deposit(user, amount)
}

func (f *fixture) order(user types.UserID, side types.Side, typ types.OrderType, price, size int64) *types.Order {
	f.nextID++
	return types.NewOrder(f.nextID, f.market.ID, user, side, 0, typ, price, size, time.Now())
}

func (f *fixture) limit(user types.UserID, side types.Side, price, size int64) *types.Order {
	return f.order(user, side, types.OrderTypeLimit, price, size)
}

// Two crossing limits trade once at the resting price.
func TestSimpleCross(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.fund(1, 10000)
	f.fund(2, 10000)
	before := f.ledger.TotalSupply()

	buy := f.limit(1, types.SideBuy, 60, 100)
	if res, err := f.engine.Submit(buy); err != nil || len(res.Trades) != 0 {
		t.Fatalf("buy submit: res=%+v err=%v", res, err)
	}

	sell := f.limit(2, types.SideSell, 60, 100)
	res, err := f.engine.Submit(sell)
	if err != nil {
		t.Fatalf("sell submit: %v", err)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(res.Trades))
	}
	tr := res.Trades[0]
	if tr.Price != 60 || tr.Size != 100 {
		t.Errorf("trade = price %d size %d, want 60/100", tr.Price, tr.Size)
	}
	if tr.Buyer != 1 || tr.Seller != 2 {
		t.Errorf("trade parties = %d/%d", tr.Buyer, tr.Seller)
	}

	if pos := f.ledger.Position(1, 1, 0); pos.Shares != 100 {
		t.Errorf("buyer shares = %d, want 100", pos.Shares)
	}
	if pos := f.ledger.Position(2, 1, 0); pos.Shares != -100 {
		t.Errorf("seller shares = %d, want -100", pos.Shares)
	}

	snap1, _ := f.ledger.GetSnapshot(1)
	if snap1.Reserved != 0 || snap1.Available != 4000 {
		t.Errorf("buyer available=%d reserved=%d", snap1.Available, snap1.Reserved)
	}
	snap2, _ := f.ledger.GetSnapshot(2)
	if snap2.Reserved != 0 || snap2.Available != 6000 {
		t.Errorf("seller available=%d reserved=%d", snap2.Available, snap2.Reserved)
	}

	if after := f.ledger.TotalSupply(); after != before {
		t.Errorf("conservation broken: %d -> %d", before, after)
	}
}

// Partial fill, then cancel releases exactly price * residual.
func TestPartialFillThenCancel(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.fund(1, 10000)
	f.fund(2, 10000)

	buy := f.limit(1, types.SideBuy, 60, 100)
	if _, err := f.engine.Submit(buy); err != nil {
		t.Fatalf("buy: %v", err)
	}
	sell := f.limit(2, types.SideSell, 60, 40)
	res, err := f.engine.Submit(sell)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if len(res.Trades) != 1 || res.Trades[0].Size != 40 || res.Trades[0].Price != 60 {
		t.Fatalf("trades = %+v", res.Trades)
	}
	if buy.Filled != 40 || buy.Remaining() != 60 {
		t.Errorf("buy filled=%d remaining=%d", buy.Filled, buy.Remaining())
	}

	snapBefore, _ := f.ledger.GetSnapshot(1)
	cres, err := f.engine.Cancel(buy.ID, 1)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cres.Noop || cres.Released != 3600 {
		t.Errorf("cancel = %+v, want released 3600", cres)
	}
	snapAfter, _ := f.ledger.GetSnapshot(1)
	if snapAfter.Available-snapBefore.Available != 3600 {
		t.Errorf("available moved %d, want 3600", snapAfter.Available-snapBefore.Available)
	}

	// Cancelling again is a successful no-op.
	cres, err = f.engine.Cancel(buy.ID, 1)
	if err != nil {
		t.Fatalf("re-cancel: %v", err)
	}
	if !cres.Noop || cres.Released != 0 {
		t.Errorf("re-cancel = %+v, want noop", cres)
	}
}

// All-or-none market order against a short book rejects without any ledger
// movement.
func TestMarketOrderAllOrNone(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MarketOrderPolicy = AllOrNone
	f := newFixture(t, cfg)
	f.fund(1, 100000)
	f.fund(2, 100000)

	if _, err := f.engine.Submit(f.limit(2, types.SideSell, 50, 30)); err != nil {
		t.Fatalf("ask 1: %v", err)
	}
	if _, err := f.engine.Submit(f.limit(2, types.SideSell, 55, 20)); err != nil {
		t.Fatalf("ask 2: %v", err)
	}

	snapBefore, _ := f.ledger.GetSnapshot(1)
	mkt := f.order(1, types.SideBuy, types.OrderTypeMarket, 0, 100)
	_, err := f.engine.Submit(mkt)
	if err != types.ErrInsufficientLiquidity {
		t.Fatalf("expected ErrInsufficientLiquidity, got %v", err)
	}
	if mkt.Status != types.OrderStatusRejected {
		t.Errorf("status = %s, want rejected", mkt.Status)
	}
	snapAfter, _ := f.ledger.GetSnapshot(1)
	if snapBefore.Available != snapAfter.Available || snapBefore.Reserved != snapAfter.Reserved {
		t.Errorf("ledger moved on rejected order: %+v -> %+v", snapBefore, snapAfter)
	}
}

// Partial-ok market order sweeps the book and cancels the residual,
// releasing the worst-case reservation.
func TestMarketOrderPartialOK(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.fund(1, 100000)
	f.fund(2, 100000)

	f.engine.Submit(f.limit(2, types.SideSell, 50, 30))
	f.engine.Submit(f.limit(2, types.SideSell, 55, 20))

	mkt := f.order(1, types.SideBuy, types.OrderTypeMarket, 0, 100)
	res, err := f.engine.Submit(mkt)
	if err != nil {
		t.Fatalf("market order: %v", err)
	}
	if len(res.Trades) != 2 {
		t.Fatalf("trades = %d, want 2", len(res.Trades))
	}
	if mkt.Filled != 50 || mkt.Status != types.OrderStatusCancelled {
		t.Errorf("filled=%d status=%s", mkt.Filled, mkt.Status)
	}
	snap, _ := f.ledger.GetSnapshot(1)
	// Paid 30*50 + 20*55 = 2600, everything else released.
	if snap.Reserved != 0 || snap.Available != 100000-2600 {
		t.Errorf("available=%d reserved=%d", snap.Available, snap.Reserved)
	}
}

// A better-priced incoming limit trades at the maker's price and the
// improvement is released back to the taker.
func TestPriceImprovement(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.fund(1, 10000)
	f.fund(2, 10000)

	f.engine.Submit(f.limit(2, types.SideSell, 55, 100))
	buy := f.limit(1, types.SideBuy, 70, 100)
	res, err := f.engine.Submit(buy)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if len(res.Trades) != 1 || res.Trades[0].Price != 55 {
		t.Fatalf("trades = %+v, want one at 55", res.Trades)
	}
	snap, _ := f.ledger.GetSnapshot(1)
	if snap.Available != 10000-5500 || snap.Reserved != 0 {
		t.Errorf("available=%d reserved=%d", snap.Available, snap.Reserved)
	}
}

// FIFO within a price level: the earlier resting order fills first.
func TestTimePriority(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.fund(1, 100000)
	f.fund(2, 100000)
	f.fund(3, 100000)

	first := f.limit(1, types.SideSell, 60, 50)
	second := f.limit(2, types.SideSell, 60, 50)
	f.engine.Submit(first)
	f.engine.Submit(second)

	res, err := f.engine.Submit(f.limit(3, types.SideBuy, 60, 50))
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if len(res.Trades) != 1 || res.Trades[0].Seller != 1 {
		t.Fatalf("trades = %+v, want fill against user 1", res.Trades)
	}
	if first.Status != types.OrderStatusFilled || second.Remaining() != 50 {
		t.Errorf("first=%s second remaining=%d", first.Status, second.Remaining())
	}
}

// After any submit the book is never crossed.
func TestNoCrossedBook(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	for u := types.UserID(1); u <= 4; u++ {
		f.fund(u, 1000000)
	}

	orders := []struct {
		user  types.UserID
		side  types.Side
		price int64
		size  int64
	}{
		{1, types.SideBuy, 40, 10}, {2, types.SideSell, 70, 10},
		{3, types.SideBuy, 55, 20}, {4, types.SideSell, 50, 5},
		{1, types.SideBuy, 65, 30}, {2, types.SideSell, 45, 50},
		{3, types.SideBuy, 48, 10}, {4, types.SideSell, 52, 10},
	}
	for i, spec := range orders {
		if _, err := f.engine.Submit(f.limit(spec.user, spec.side, spec.price, spec.size)); err != nil {
			t.Fatalf("order %d: %v", i, err)
		}
		if b := f.engine.BookFor(0); b.Crossed() {
			t.Fatalf("book crossed after order %d: bid=%d ask=%d", i, b.BestBid(), b.BestAsk())
		}
	}
}

// Self-trade prevention skips the user's own resting order; with no other
// liquidity the incoming limit rests untouched.
func TestSelfTradePrevention(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.fund(1, 100000)

	resting := f.limit(1, types.SideSell, 60, 100)
	f.engine.Submit(resting)

	buy := f.limit(1, types.SideBuy, 60, 100)
	res, err := f.engine.Submit(buy)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if len(res.Trades) != 0 {
		t.Fatalf("self-trade executed: %+v", res.Trades)
	}
	if resting.Filled != 0 || buy.Remaining() != 100 {
		t.Errorf("resting filled=%d incoming remaining=%d", resting.Filled, buy.Remaining())
	}
	// Both rest; the book is crossed only against the same user, which the
	// engine treats as empty liquidity.
	if buy.Status != types.OrderStatusOpen {
		t.Errorf("incoming status = %s, want open", buy.Status)
	}
}

// Self-trade prevention is per order, not per level: the taker walks past
// a level holding only its own ask and fills third-party liquidity resting
// behind it.
func TestSelfTradeSkipsToDeeperLevels(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.fund(1, 100000)
	f.fund(2, 100000)

	own := f.limit(1, types.SideSell, 60, 100)
	f.engine.Submit(own)
	f.engine.Submit(f.limit(2, types.SideSell, 65, 100))

	buy := f.limit(1, types.SideBuy, 70, 100)
	res, err := f.engine.Submit(buy)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if len(res.Trades) != 1 || res.Trades[0].Price != 65 || res.Trades[0].Seller != 2 {
		t.Fatalf("trades = %+v, want one 100@65 against user 2", res.Trades)
	}
	if own.Filled != 0 {
		t.Errorf("own resting ask filled %d", own.Filled)
	}
	if buy.Status != types.OrderStatusFilled {
		t.Errorf("taker status = %s, want filled", buy.Status)
	}
	if b := f.engine.BookFor(0); b.Crossed() {
		t.Errorf("book crossed: bid=%d ask=%d", b.BestBid(), b.BestAsk())
	}
}

// A market order whose only counterparty is the taker itself rejects with
// insufficient liquidity under all-or-none.
func TestSelfTradeMarketOrderRejected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MarketOrderPolicy = AllOrNone
	f := newFixture(t, cfg)
	f.fund(1, 100000)

	f.engine.Submit(f.limit(1, types.SideSell, 60, 100))
	_, err := f.engine.Submit(f.order(1, types.SideBuy, types.OrderTypeMarket, 0, 100))
	if err != types.ErrInsufficientLiquidity {
		t.Errorf("expected ErrInsufficientLiquidity, got %v", err)
	}
}

// Reservation correctness: an open limit buy of residual r at price p holds
// exactly p*r in reserve.
func TestReservationTracksResidual(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.fund(1, 100000)
	f.fund(2, 100000)

	buy := f.limit(1, types.SideBuy, 60, 100)
	f.engine.Submit(buy)
	snap, _ := f.ledger.GetSnapshot(1)
	if snap.Reserved != 6000 {
		t.Fatalf("reserved = %d, want 6000", snap.Reserved)
	}

	f.engine.Submit(f.limit(2, types.SideSell, 60, 40))
	snap, _ = f.ledger.GetSnapshot(1)
	if snap.Reserved != buy.Remaining()*60 {
		t.Errorf("reserved = %d, want %d", snap.Reserved, buy.Remaining()*60)
	}
}

// Monetary conservation across an arbitrary burst of submits and cancels.
func TestConservationUnderActivity(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	for u := types.UserID(1); u <= 5; u++ {
		f.fund(u, 1000000)
	}
	before := f.ledger.TotalSupply()

	var resting []types.OrderID
	prices := []int64{30, 45, 50, 55, 60, 75}
	for i := 0; i < 60; i++ {
		user := types.UserID(i%5 + 1)
		side := types.SideBuy
		if i%2 == 1 {
			side = types.SideSell
		}
		o := f.limit(user, side, prices[i%len(prices)], int64(10+i%7))
		if _, err := f.engine.Submit(o); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		if o.IsActive() {
			resting = append(resting, o.ID)
		}
		if i%5 == 4 && len(resting) > 0 {
			id := resting[0]
			resting = resting[1:]
			if _, err := f.engine.Cancel(id, 0); err != nil {
				t.Fatalf("cancel %d: %v", id, err)
			}
		}
	}

	if after := f.ledger.TotalSupply(); after != before {
		t.Errorf("conservation broken: %d -> %d", before, after)
	}
}
