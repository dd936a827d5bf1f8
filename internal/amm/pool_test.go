package amm

import (
	"sync/atomic"
	"testing"

	"cosmossdk.io/log"
	"cosmossdk.io/math"

	"github.com/openalpha/prediction-engine/internal/ledger"
	"github.com/openalpha/prediction-engine/internal/types"
)

const poolAccount types.UserID = 1_000_000

func testMarket() *types.Market {
	return &types.Market{
		ID:         1,
		Title:      "test market",
		Kind:       types.MarketKindBinary,
		Engine:     types.EngineKindAMM,
		State:      types.MarketStateActive,
		Outcomes:   []string{"YES", "NO"},
		PriceTicks: 99, // one winning share pays 100 ticks
	}
}

// seededPool returns a pool with reserves (1000, 1000), 100k cash and the
// given fee. Provider is user 9.
func seededPool(t *testing.T, feeBps int64) (*Pool, *ledger.Ledger) {
	t.Helper()
	l := ledger.New(log.NewNopLogger())
	l.EnableDebugChecks()
	var seq atomic.Uint64
	p, err := NewPool(testMarket(), l, poolAccount, feeBps, &seq, log.NewNopLogger())
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	if err := l.Deposit(9, 100_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := p.AddLiquidity(9, [2]int64{1000, 1000}, 100_000); err != nil {
		t.Fatalf("add liquidity: %v", err)
	}
	return p, l
}

func TestQuoteBuyConstantProduct(t *testing.T) {
	p, _ := seededPool(t, 0)

	// k = 1_000_000; buying 100 leaves 900, so the opposite reserve must
	// reach ceil(1_000_000/900) = 1112: input 112.
	cost, fee, err := p.QuoteBuy(0, 100)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if cost != 112 || fee != 0 {
		t.Errorf("cost=%d fee=%d, want 112/0", cost, fee)
	}
}

func TestBuyUpdatesReservesAndLedger(t *testing.T) {
	p, l := seededPool(t, 0)
	l.Deposit(2, 10_000)

	res, err := p.Buy(2, 0, 100, 0)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if res.Cost != 112 {
		t.Errorf("cost = %d, want 112", res.Cost)
	}
	if res.Reserves != [2]int64{900, 1112} {
		t.Errorf("reserves = %v, want [900 1112]", res.Reserves)
	}

	snap, _ := l.GetSnapshot(2)
	if snap.Available != 10_000-112 {
		t.Errorf("buyer available = %d, want 9888", snap.Available)
	}
	if pos := l.Position(2, 1, 0); pos.Shares != 100 || pos.CostBasis != 112 {
		t.Errorf("buyer position = %+v", pos)
	}
	// The pool holds the short side; escrow covers the full payout.
	if pos := l.Position(poolAccount, 1, 0); pos.Shares != -100 {
		t.Errorf("pool position = %+v", pos)
	}
	if got := l.MarketEscrow(1); got != 100*100 {
		t.Errorf("escrow = %d, want 10000", got)
	}
}

// A buy immediately unwound returns less than it cost; the difference stays
// with the pool and the reserve product never shrinks.
func TestRoundTripFavoursPool(t *testing.T) {
	p, l := seededPool(t, 0)
	l.Deposit(2, 10_000)

	k0 := math.NewInt(p.reserves[0]).Mul(math.NewInt(p.reserves[1]))
	buy, err := p.Buy(2, 0, 100, 0)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	sell, err := p.Sell(2, 0, 100, 0)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if sell.Cost >= buy.Cost {
		t.Errorf("round trip profited: paid %d, received %d", buy.Cost, sell.Cost)
	}

	k1 := math.NewInt(p.reserves[0]).Mul(math.NewInt(p.reserves[1]))
	if k1.LT(k0) {
		t.Errorf("reserve product shrank: %s -> %s", k0, k1)
	}
	if pos := l.Position(2, 1, 0); !pos.IsFlat() {
		t.Errorf("user position not flat: %+v", pos)
	}
	if got := l.MarketEscrow(1); got != 0 {
		t.Errorf("escrow = %d, want 0", got)
	}
}

func TestBuyInsufficientDepth(t *testing.T) {
	p, l := seededPool(t, 0)
	l.Deposit(2, 1_000_000)

	if _, _, err := p.QuoteBuy(0, 1000); !types.ErrInsufficientLiquidity.Is(err) {
		t.Errorf("expected ErrInsufficientLiquidity, got %v", err)
	}
	if _, err := p.Buy(2, 0, 1500, 0); !types.ErrInsufficientLiquidity.Is(err) {
		t.Errorf("expected ErrInsufficientLiquidity, got %v", err)
	}
}

func TestBuyCostCap(t *testing.T) {
	p, l := seededPool(t, 0)
	l.Deposit(2, 10_000)

	if _, err := p.Buy(2, 0, 100, 100); !types.ErrOverLimit.Is(err) {
		t.Errorf("expected ErrOverLimit, got %v", err)
	}
	snap, _ := l.GetSnapshot(2)
	if snap.Available != 10_000 {
		t.Errorf("rejected buy moved funds: available = %d", snap.Available)
	}
	if p.Reserves() != [2]int64{1000, 1000} {
		t.Errorf("rejected buy moved reserves: %v", p.Reserves())
	}
}

func TestBuyFee(t *testing.T) {
	p, l := seededPool(t, 300) // 3%
	l.Deposit(2, 10_000)

	res, err := p.Buy(2, 0, 100, 0)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	// Invariant input is 112; grossed up: ceil(112*10000/9700) = 116.
	if res.Cost != 116 || res.Fee != 4 {
		t.Errorf("cost=%d fee=%d, want 116/4", res.Cost, res.Fee)
	}
	// Only the invariant input moves the reserve; the fee accrues as cash.
	if res.Reserves != [2]int64{900, 1112} {
		t.Errorf("reserves = %v, want [900 1112]", res.Reserves)
	}
}

func TestSpotMovesWithInventory(t *testing.T) {
	p, l := seededPool(t, 0)
	l.Deposit(2, 10_000)

	if px := p.Spot(0); px != 50 {
		t.Errorf("balanced spot = %d, want 50", px)
	}
	if _, err := p.Buy(2, 0, 200, 0); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if px := p.Spot(0); px <= 50 {
		t.Errorf("spot did not rise after buy: %d", px)
	}
}

func TestResolutionPaysThroughPool(t *testing.T) {
	p, l := seededPool(t, 0)
	m := testMarket()
	l.Deposit(2, 10_000)

	if _, err := p.Buy(2, 0, 100, 0); err != nil {
		t.Fatalf("buy: %v", err)
	}
	before := l.TotalSupply()
	if _, err := l.ApplyResolution(m, &types.Resolution{Outcome: 0}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	snap, _ := l.GetSnapshot(2)
	if snap.Available != 10_000-112+10_000 {
		t.Errorf("winner available = %d, want 19888", snap.Available)
	}
	if got := l.MarketEscrow(1); got != 0 {
		t.Errorf("escrow = %d, want 0", got)
	}
	if after := l.TotalSupply(); after != before {
		t.Errorf("total supply changed: %d -> %d", before, after)
	}
}

func TestAddRemoveLiquidity(t *testing.T) {
	p, l := seededPool(t, 0)

	if got := p.TotalShares(); !got.Equal(math.NewInt(1000)) {
		t.Fatalf("initial shares = %s, want 1000", got)
	}

	l.Deposit(10, 50_000)
	minted, err := p.AddLiquidity(10, [2]int64{500, 500}, 50_000)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !minted.Equal(math.NewInt(500)) {
		t.Errorf("minted = %s, want 500", minted)
	}
	if p.Reserves() != [2]int64{1500, 1500} {
		t.Errorf("reserves = %v", p.Reserves())
	}

	// Off-ratio contributions are rejected.
	l.Deposit(11, 10_000)
	if _, err := p.AddLiquidity(11, [2]int64{100, 200}, 10_000); !types.ErrInvalidSize.Is(err) {
		t.Errorf("expected ErrInvalidSize, got %v", err)
	}

	// Provider 10 exits with a third of the pool.
	cash, err := p.RemoveLiquidity(10, math.NewInt(500))
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if cash != 50_000 {
		t.Errorf("cash out = %d, want 50000", cash)
	}
	if p.Reserves() != [2]int64{1000, 1000} {
		t.Errorf("reserves after exit = %v", p.Reserves())
	}
	if got := p.ProviderShares(10); !got.IsZero() {
		t.Errorf("residual shares = %s", got)
	}
	if _, err := p.RemoveLiquidity(10, math.NewInt(1)); !types.ErrInvalidSize.Is(err) {
		t.Errorf("expected ErrInvalidSize, got %v", err)
	}
}

func TestSellOpensShort(t *testing.T) {
	p, l := seededPool(t, 0)
	l.Deposit(2, 10_000)

	res, err := p.Sell(2, 0, 100, 0)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	// Output: 1000 - ceil(1_000_000/1100) = 90.
	if res.Cost != 90 {
		t.Errorf("proceeds = %d, want 90", res.Cost)
	}
	if pos := l.Position(2, 1, 0); pos.Shares != -100 {
		t.Errorf("position = %+v", pos)
	}
	// Short collateral scale*size - proceeds is locked in escrow.
	snap, _ := l.GetSnapshot(2)
	if snap.Available != 10_000-(100*100-90) {
		t.Errorf("available = %d, want %d", snap.Available, 10_000-9910)
	}
}
