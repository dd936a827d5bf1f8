package ledger

import (
	"testing"
	"time"

	"cosmossdk.io/log"

	"github.com/openalpha/prediction-engine/internal/types"
)

func testMarket() *types.Market {
	return &types.Market{
		ID:         1,
		Title:      "test market",
		Kind:       types.MarketKindBinary,
		Engine:     types.EngineKindOrderBook,
		State:      types.MarketStateActive,
		Outcomes:   []string{"YES", "NO"},
		PriceTicks: 99, // one winning share pays 100 ticks
	}
}

func testLedger(t *testing.T) *Ledger {
	t.Helper()
	l := New(log.NewNopLogger())
	l.EnableDebugChecks()
	return l
}

func trade(buyer, seller types.UserID, price, size int64) *types.Trade {
	return &types.Trade{
		ID:          1,
		MarketID:    1,
		Outcome:     0,
		BuyOrderID:  10,
		SellOrderID: 11,
		Buyer:       buyer,
		Seller:      seller,
		TakerSide:   types.SideSell,
		Price:       price,
		Size:        size,
		Timestamp:   time.Now(),
	}
}

func TestReserveRelease(t *testing.T) {
	l := testLedger(t)
	if err := l.Deposit(1, 10000); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	if err := l.Reserve(1, 1, 6000); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	snap, _ := l.GetSnapshot(1)
	if snap.Available != 4000 || snap.Reserved != 6000 {
		t.Errorf("after reserve: available=%d reserved=%d", snap.Available, snap.Reserved)
	}

	if err := l.Reserve(1, 1, 5000); err != types.ErrInsufficientFunds {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}

	if err := l.Release(1, 1, 6000); err != nil {
		t.Fatalf("release: %v", err)
	}
	snap, _ = l.GetSnapshot(1)
	if snap.Available != 10000 || snap.Reserved != 0 {
		t.Errorf("after release: available=%d reserved=%d", snap.Available, snap.Reserved)
	}
}

func TestReserveUnknownUser(t *testing.T) {
	l := testLedger(t)
	if err := l.Reserve(99, 1, 100); err != types.ErrUnknownUser {
		t.Errorf("expected ErrUnknownUser, got %v", err)
	}
}

// A matched buy and short sell escrow exactly the winner payout: buyer puts
// in p*s, seller (scale-p)*s, escrow = scale*s.
func TestSettleTradeMint(t *testing.T) {
	l := testLedger(t)
	m := testMarket()
	l.Deposit(1, 10000)
	l.Deposit(2, 10000)

	before := l.TotalSupply()

	// Buyer reserves 60*100, seller reserves (100-60)*100.
	if err := l.Reserve(1, m.ID, 6000); err != nil {
		t.Fatalf("buyer reserve: %v", err)
	}
	if err := l.Reserve(2, m.ID, 4000); err != nil {
		t.Fatalf("seller reserve: %v", err)
	}
	if err := l.SettleTrade(m, trade(1, 2, 60, 100)); err != nil {
		t.Fatalf("settle: %v", err)
	}

	if got := l.MarketEscrow(m.ID); got != 10000 {
		t.Errorf("escrow = %d, want 10000", got)
	}
	if pos := l.Position(1, m.ID, 0); pos.Shares != 100 || pos.CostBasis != 6000 {
		t.Errorf("buyer position = %+v", pos)
	}
	if pos := l.Position(2, m.ID, 0); pos.Shares != -100 || pos.CostBasis != 4000 {
		t.Errorf("seller position = %+v", pos)
	}
	if after := l.TotalSupply(); after != before {
		t.Errorf("total supply changed: %d -> %d", before, after)
	}
}

// Selling existing inventory burns the pair: seller nets the sale price and
// realizes P&L against cost basis.
func TestSettleTradeTransfer(t *testing.T) {
	l := testLedger(t)
	m := testMarket()
	l.Deposit(1, 10000)
	l.Deposit(2, 10000)
	l.Deposit(3, 10000)

	// User 1 buys 100 @ 60 from short seller 2.
	l.Reserve(1, m.ID, 6000)
	l.Reserve(2, m.ID, 4000)
	if err := l.SettleTrade(m, trade(1, 2, 60, 100)); err != nil {
		t.Fatalf("settle: %v", err)
	}

	// User 1 sells the 100 shares to user 3 @ 70.
	l.Reserve(3, m.ID, 7000)
	l.Reserve(1, m.ID, 3000) // (100-70)*100
	tr := trade(3, 1, 70, 100)
	tr.ID = 2
	if err := l.SettleTrade(m, tr); err != nil {
		t.Fatalf("settle 2: %v", err)
	}

	pos1 := l.Position(1, m.ID, 0)
	if pos1.Shares != 0 || pos1.CostBasis != 0 {
		t.Errorf("seller position not flat: %+v", pos1)
	}
	if pos1.Realized != 1000 {
		t.Errorf("realized = %d, want 1000", pos1.Realized)
	}
	snap1, _ := l.GetSnapshot(1)
	// 10000 - 6000 paid + 7000 net sale proceeds.
	if snap1.Available != 11000 {
		t.Errorf("seller available = %d, want 11000", snap1.Available)
	}
	// Open interest unchanged: user 3 long 100, user 2 short 100.
	if got := l.MarketEscrow(m.ID); got != 10000 {
		t.Errorf("escrow = %d, want 10000", got)
	}
}

func TestApplyResolution(t *testing.T) {
	l := testLedger(t)
	m := testMarket()
	l.Deposit(1, 10000)
	l.Deposit(2, 10000)

	l.Reserve(1, m.ID, 6000)
	l.Reserve(2, m.ID, 4000)
	if err := l.SettleTrade(m, trade(1, 2, 60, 100)); err != nil {
		t.Fatalf("settle: %v", err)
	}

	before := l.TotalSupply()
	res := &types.Resolution{Outcome: 0, ResolvedAt: time.Now()}
	payouts, err := l.ApplyResolution(m, res)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(payouts) != 2 {
		t.Fatalf("payouts = %d, want 2", len(payouts))
	}

	snap1, _ := l.GetSnapshot(1)
	if snap1.Available != 14000 { // 4000 left + 100 shares * 100 ticks
		t.Errorf("winner available = %d, want 14000", snap1.Available)
	}
	snap2, _ := l.GetSnapshot(2)
	if snap2.Available != 6000 {
		t.Errorf("loser available = %d, want 6000", snap2.Available)
	}
	if got := l.MarketEscrow(m.ID); got != 0 {
		t.Errorf("escrow after resolution = %d, want 0", got)
	}
	if after := l.TotalSupply(); after != before {
		t.Errorf("total supply changed: %d -> %d", before, after)
	}

	// Second application is a no-op.
	payouts, err = l.ApplyResolution(m, res)
	if err != nil {
		t.Fatalf("re-resolve: %v", err)
	}
	if len(payouts) != 0 {
		t.Errorf("re-resolution paid out %d entries", len(payouts))
	}
	snap1b, _ := l.GetSnapshot(1)
	if snap1b.Available != snap1.Available {
		t.Errorf("re-resolution moved funds: %d -> %d", snap1.Available, snap1b.Available)
	}
}

// Resolution releases reservations still attributed to the market.
func TestApplyResolutionReleasesReserved(t *testing.T) {
	l := testLedger(t)
	m := testMarket()
	l.Deposit(1, 10000)
	l.Reserve(1, m.ID, 2500)

	res := &types.Resolution{Outcome: 1, ResolvedAt: time.Now()}
	if _, err := l.ApplyResolution(m, res); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	snap, _ := l.GetSnapshot(1)
	if snap.Available != 10000 || snap.Reserved != 0 {
		t.Errorf("available=%d reserved=%d", snap.Available, snap.Reserved)
	}
}

func TestScalarResolutionPayout(t *testing.T) {
	l := testLedger(t)
	m := testMarket()
	m.Kind = types.MarketKindScalar
	m.LowerBound = 0
	m.UpperBound = 1000
	l.Deposit(1, 10000)
	l.Deposit(2, 10000)

	l.Reserve(1, m.ID, 6000)
	l.Reserve(2, m.ID, 4000)
	if err := l.SettleTrade(m, trade(1, 2, 60, 100)); err != nil {
		t.Fatalf("settle: %v", err)
	}

	before := l.TotalSupply()
	// Resolves to 750 on [0,1000]: longs get 75 per share, shorts 25.
	res := &types.Resolution{Value: 750, ResolvedAt: time.Now()}
	if _, err := l.ApplyResolution(m, res); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	snap1, _ := l.GetSnapshot(1)
	if snap1.Available != 4000+7500 {
		t.Errorf("long available = %d, want 11500", snap1.Available)
	}
	snap2, _ := l.GetSnapshot(2)
	if snap2.Available != 6000+2500 {
		t.Errorf("short available = %d, want 8500", snap2.Available)
	}
	if after := l.TotalSupply(); after != before {
		t.Errorf("total supply changed: %d -> %d", before, after)
	}
}

// Cancelling a market refunds everyone their cost basis; the books end up
// exactly where they were before any trading.
func TestVoidMarket(t *testing.T) {
	l := testLedger(t)
	m := testMarket()
	l.Deposit(1, 10000)
	l.Deposit(2, 10000)

	l.Reserve(1, m.ID, 6000)
	l.Reserve(2, m.ID, 4000)
	if err := l.SettleTrade(m, trade(1, 2, 60, 100)); err != nil {
		t.Fatalf("settle: %v", err)
	}
	l.Reserve(1, m.ID, 1200) // a resting order's collateral

	payouts, err := l.VoidMarket(m)
	if err != nil {
		t.Fatalf("void: %v", err)
	}
	if len(payouts) != 2 {
		t.Fatalf("payouts = %d, want 2", len(payouts))
	}
	for _, user := range []types.UserID{1, 2} {
		snap, _ := l.GetSnapshot(user)
		if snap.Available != 10000 || snap.Reserved != 0 {
			t.Errorf("user %d: available=%d reserved=%d", user, snap.Available, snap.Reserved)
		}
	}
	if got := l.MarketEscrow(m.ID); got != 0 {
		t.Errorf("escrow = %d, want 0", got)
	}
}

func TestWithdrawInsufficient(t *testing.T) {
	l := testLedger(t)
	l.Deposit(1, 100)
	if err := l.Withdraw(1, 200); err != types.ErrInsufficientFunds {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}
	if err := l.Withdraw(1, 100); err != nil {
		t.Errorf("withdraw: %v", err)
	}
}
