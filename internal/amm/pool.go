// Package amm implements the automated market maker for binary markets: a
// constant-product pool that quotes both sides continuously and takes the
// opposite position of every swap on its own ledger account.
package amm

import (
	"math/big"
	"sort"
	"sync/atomic"
	"time"

	"cosmossdk.io/log"
	"cosmossdk.io/math"

	"github.com/openalpha/prediction-engine/internal/ledger"
	"github.com/openalpha/prediction-engine/internal/types"
)

const feeDenom = 10_000 // fee is expressed in basis points

// Pool is a two-outcome constant-product market maker. Reserves are virtual
// share inventories; the pool's solvency is the cash on its ledger account,
// which backs the short collateral of every swap it takes. One Pool serves
// one market and is driven by the market's writer goroutine.
type Pool struct {
	market   *types.Market
	ledger   *ledger.Ledger
	account  types.UserID // ledger account holding pool cash and positions
	reserves [2]int64
	feeBps   int64

	totalShares math.Int
	providers   map[types.UserID]math.Int

	tradeSeq *atomic.Uint64
	logger   log.Logger
	now      func() time.Time
}

// SwapResult reports one executed swap.
type SwapResult struct {
	Trade    *types.Trade
	Cost     int64 // ticks paid (buy) or received (sell) by the user, fee included
	Fee      int64
	Reserves [2]int64 // reserves after the swap
}

// NewPool creates an empty pool for a binary market. The pool account must
// not be shared with any trading user.
func NewPool(m *types.Market, l *ledger.Ledger, account types.UserID, feeBps int64, tradeSeq *atomic.Uint64, logger log.Logger) (*Pool, error) {
	if m.OutcomeCount() != 2 {
		return nil, types.ErrInvalidOutcome.Wrap("amm pools require exactly two outcomes")
	}
	if feeBps < 0 || feeBps >= feeDenom {
		return nil, types.ErrInvalidPrice.Wrap("fee out of range")
	}
	l.CreateAccount(account)
	return &Pool{
		market:      m,
		ledger:      l,
		account:     account,
		feeBps:      feeBps,
		totalShares: math.ZeroInt(),
		providers:   make(map[types.UserID]math.Int),
		tradeSeq:    tradeSeq,
		logger:      logger.With("module", "amm", "market", uint64(m.ID)),
		now:         time.Now,
	}, nil
}

// SetClock replaces the pool's time source, for tests.
func (p *Pool) SetClock(now func() time.Time) {
	p.now = now
}

// Account returns the pool's ledger account.
func (p *Pool) Account() types.UserID {
	return p.account
}

// Reserves returns the current virtual reserves.
func (p *Pool) Reserves() [2]int64 {
	return p.reserves
}

// FeeBps returns the swap fee in basis points.
func (p *Pool) FeeBps() int64 {
	return p.feeBps
}

// TotalShares returns the outstanding liquidity shares.
func (p *Pool) TotalShares() math.Int {
	return p.totalShares
}

// ProviderShares returns one provider's liquidity shares.
func (p *Pool) ProviderShares(provider types.UserID) math.Int {
	if s, ok := p.providers[provider]; ok {
		return s
	}
	return math.ZeroInt()
}

func (p *Pool) k() math.Int {
	return math.NewInt(p.reserves[0]).Mul(math.NewInt(p.reserves[1]))
}

// ceilQuo returns ceil(n/d) for positive d.
func ceilQuo(n, d math.Int) math.Int {
	return n.Add(d).Sub(math.OneInt()).Quo(d)
}

// QuoteBuy prices buying size shares of outcome from the pool: the input
// that keeps the reserve product from shrinking, rounded in the pool's
// favour, plus the fee.
func (p *Pool) QuoteBuy(outcome int, size int64) (cost, fee int64, err error) {
	if outcome != 0 && outcome != 1 {
		return 0, 0, types.ErrInvalidOutcome
	}
	if size <= 0 {
		return 0, 0, types.ErrInvalidSize
	}
	ri, rj := p.reserves[outcome], p.reserves[1-outcome]
	if size >= ri {
		return 0, 0, types.ErrInsufficientLiquidity.Wrapf("size %d against reserve %d", size, ri)
	}
	need := ceilQuo(p.k(), math.NewInt(ri-size)).Sub(math.NewInt(rj))
	gross := ceilQuo(need.Mul(math.NewInt(feeDenom)), math.NewInt(feeDenom-p.feeBps))
	if !gross.IsInt64() {
		return 0, 0, types.ErrInsufficientLiquidity.Wrap("quote overflow")
	}
	cost = gross.Int64()
	return cost, cost - need.Int64(), nil
}

// QuoteSell prices selling size shares of outcome to the pool: the output
// that keeps the reserve product from shrinking, rounded in the pool's
// favour, minus the fee.
func (p *Pool) QuoteSell(outcome int, size int64) (proceeds, fee int64, err error) {
	if outcome != 0 && outcome != 1 {
		return 0, 0, types.ErrInvalidOutcome
	}
	if size <= 0 {
		return 0, 0, types.ErrInvalidSize
	}
	ri, rj := p.reserves[outcome], p.reserves[1-outcome]
	if ri == 0 || rj == 0 {
		return 0, 0, types.ErrInsufficientLiquidity
	}
	out := math.NewInt(rj).Sub(ceilQuo(p.k(), math.NewInt(ri+size)))
	if !out.IsPositive() {
		return 0, 0, types.ErrInsufficientLiquidity
	}
	gross := out.Int64()
	net := gross * (feeDenom - p.feeBps) / feeDenom
	if net <= 0 {
		return 0, 0, types.ErrInsufficientLiquidity
	}
	return net, gross - net, nil
}

// Spot returns the marginal price of outcome in ticks, clamped to the
// market's price grid.
func (p *Pool) Spot(outcome int) int64 {
	ri, rj := p.reserves[outcome], p.reserves[1-outcome]
	if ri+rj == 0 {
		return 0
	}
	px := rj * p.market.Scale() / (ri + rj)
	if px < 1 {
		px = 1
	}
	if px > p.market.PriceTicks {
		px = p.market.PriceTicks
	}
	return px
}

// Buy swaps cash for size shares of outcome. maxCost caps the acceptable
// input (0 disables the cap); a quote above it rejects without any ledger
// movement.
func (p *Pool) Buy(user types.UserID, outcome int, size, maxCost int64) (*SwapResult, error) {
	cost, fee, err := p.QuoteBuy(outcome, size)
	if err != nil {
		return nil, err
	}
	if maxCost > 0 && cost > maxCost {
		return nil, types.ErrOverLimit.Wrapf("cost %d exceeds cap %d", cost, maxCost)
	}

	trade := &types.Trade{
		ID:          types.TradeID(p.tradeSeq.Add(1)),
		MarketID:    p.market.ID,
		Outcome:     outcome,
		BuyOrderID:  types.AMMOrderID,
		SellOrderID: types.AMMOrderID,
		Buyer:       user,
		Seller:      p.account,
		TakerSide:   types.SideBuy,
		Price:       p.avgPrice(cost, size),
		Size:        size,
		Timestamp:   p.now(),
	}
	if err := p.ledger.SettleSwap(p.market, trade, cost); err != nil {
		return nil, err
	}

	p.reserves[outcome] -= size
	p.reserves[1-outcome] += cost - fee
	p.logger.Debug("swap",
		"side", "buy", "user", uint64(user), "outcome", outcome,
		"size", size, "cost", cost, "fee", fee)
	return &SwapResult{Trade: trade, Cost: cost, Fee: fee, Reserves: p.reserves}, nil
}

// Sell swaps size shares of outcome for cash. minProceeds floors the
// acceptable output (0 disables the floor).
func (p *Pool) Sell(user types.UserID, outcome int, size, minProceeds int64) (*SwapResult, error) {
	proceeds, fee, err := p.QuoteSell(outcome, size)
	if err != nil {
		return nil, err
	}
	if minProceeds > 0 && proceeds < minProceeds {
		return nil, types.ErrOverLimit.Wrapf("proceeds %d below floor %d", proceeds, minProceeds)
	}

	trade := &types.Trade{
		ID:          types.TradeID(p.tradeSeq.Add(1)),
		MarketID:    p.market.ID,
		Outcome:     outcome,
		BuyOrderID:  types.AMMOrderID,
		SellOrderID: types.AMMOrderID,
		Buyer:       p.account,
		Seller:      user,
		TakerSide:   types.SideSell,
		Price:       p.avgPrice(proceeds, size),
		Size:        size,
		Timestamp:   p.now(),
	}
	// The pool is the buyer: it contributes the user's proceeds, the user
	// contributes the short collateral (refunded on burn if covering).
	if err := p.ledger.SettleSwap(p.market, trade, proceeds); err != nil {
		return nil, err
	}

	p.reserves[outcome] += size
	p.reserves[1-outcome] -= proceeds + fee
	p.logger.Debug("swap",
		"side", "sell", "user", uint64(user), "outcome", outcome,
		"size", size, "proceeds", proceeds, "fee", fee)
	return &SwapResult{Trade: trade, Cost: proceeds, Fee: fee, Reserves: p.reserves}, nil
}

// ProviderShare is one provider's stake in a checkpointed pool.
type ProviderShare struct {
	Provider types.UserID `json:"provider"`
	Shares   math.Int     `json:"shares"`
}

// State is the serializable pool state for checkpoints. Pool cash lives on
// the ledger account and is checkpointed with the ledger.
type State struct {
	Account     types.UserID    `json:"account"`
	FeeBps      int64           `json:"fee_bps"`
	Reserves    [2]int64        `json:"reserves"`
	TotalShares math.Int        `json:"total_shares"`
	Providers   []ProviderShare `json:"providers,omitempty"`
}

// State copies the pool for a checkpoint. Writer goroutine only.
func (p *Pool) State() *State {
	st := &State{
		Account:     p.account,
		FeeBps:      p.feeBps,
		Reserves:    p.reserves,
		TotalShares: p.totalShares,
	}
	for provider, shares := range p.providers {
		st.Providers = append(st.Providers, ProviderShare{Provider: provider, Shares: shares})
	}
	sort.Slice(st.Providers, func(i, j int) bool {
		return st.Providers[i].Provider < st.Providers[j].Provider
	})
	return st
}

// RestoreState loads a checkpointed pool state into a fresh pool. The
// ledger already holds the pool account's cash.
func (p *Pool) RestoreState(st *State) {
	p.reserves = st.Reserves
	p.totalShares = st.TotalShares
	p.providers = make(map[types.UserID]math.Int, len(st.Providers))
	for _, ps := range st.Providers {
		p.providers[ps.Provider] = ps.Shares
	}
}

// avgPrice reports the effective per-share price for a swap, clamped to the
// price grid. Informational only; settlement uses the exact cost.
func (p *Pool) avgPrice(cost, size int64) int64 {
	px := (cost + size - 1) / size
	if px < 1 {
		px = 1
	}
	if px > p.market.PriceTicks {
		px = p.market.PriceTicks
	}
	return px
}

// AddLiquidity moves cash from the provider onto the pool account and
// credits liquidity shares. The first provider sets the reserves and the
// initial price; later providers must supply reserves in the current ratio
// and are credited pro rata.
func (p *Pool) AddLiquidity(provider types.UserID, amounts [2]int64, cash int64) (math.Int, error) {
	if amounts[0] <= 0 || amounts[1] <= 0 || cash <= 0 {
		return math.ZeroInt(), types.ErrInvalidSize
	}
	var minted math.Int
	if p.totalShares.IsZero() {
		prod := math.NewInt(amounts[0]).Mul(math.NewInt(amounts[1]))
		minted = math.NewIntFromBigInt(new(big.Int).Sqrt(prod.BigInt()))
	} else {
		// Proportionality: a0/r0 == a1/r1, cross-multiplied to stay in
		// integers.
		if amounts[0]*p.reserves[1] != amounts[1]*p.reserves[0] {
			return math.ZeroInt(), types.ErrInvalidSize.Wrap("liquidity must match the reserve ratio")
		}
		minted = p.totalShares.Mul(math.NewInt(amounts[0])).Quo(math.NewInt(p.reserves[0]))
	}
	if !minted.IsPositive() {
		return math.ZeroInt(), types.ErrInvalidSize
	}
	if err := p.ledger.Transfer(provider, p.account, cash); err != nil {
		return math.ZeroInt(), err
	}

	p.reserves[0] += amounts[0]
	p.reserves[1] += amounts[1]
	p.totalShares = p.totalShares.Add(minted)
	cur := p.ProviderShares(provider)
	p.providers[provider] = cur.Add(minted)
	p.logger.Info("liquidity added",
		"provider", uint64(provider), "cash", cash, "shares", minted.String())
	return minted, nil
}

// RemoveLiquidity burns the provider's shares and returns their pro-rata
// slice of pool cash and reserves.
func (p *Pool) RemoveLiquidity(provider types.UserID, shares math.Int) (cash int64, err error) {
	held := p.ProviderShares(provider)
	if !shares.IsPositive() || shares.GT(held) {
		return 0, types.ErrInvalidSize
	}

	snap, err := p.ledger.GetSnapshot(p.account)
	if err != nil {
		return 0, err
	}
	cashOut := math.NewInt(snap.Available).Mul(shares).Quo(p.totalShares)
	r0Out := math.NewInt(p.reserves[0]).Mul(shares).Quo(p.totalShares)
	r1Out := math.NewInt(p.reserves[1]).Mul(shares).Quo(p.totalShares)
	if !cashOut.IsInt64() {
		return 0, types.ErrInvariantViolated.Wrap("cash overflow")
	}
	cash = cashOut.Int64()
	if cash > 0 {
		if err := p.ledger.Transfer(p.account, provider, cash); err != nil {
			return 0, err
		}
	}

	p.reserves[0] -= r0Out.Int64()
	p.reserves[1] -= r1Out.Int64()
	p.totalShares = p.totalShares.Sub(shares)
	if rest := held.Sub(shares); rest.IsPositive() {
		p.providers[provider] = rest
	} else {
		delete(p.providers, provider)
	}
	p.logger.Info("liquidity removed",
		"provider", uint64(provider), "cash", cash, "shares", shares.String())
	return cash, nil
}
