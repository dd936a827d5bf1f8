// Package ledger is the authoritative store of balances, reservations,
// escrow and positions. Every tick that moves through the engine moves
// through this package.
//
// The monetary model is exact integer arithmetic. A buy of size s at price
// p reserves p*s ticks; a sell reserves (scale-p)*s, where scale is the
// payout of one winning share. When a trade settles, both reservations move
// into the market's escrow account, and any quantity that moves a party's
// position toward zero is burned: the party is refunded scale ticks per
// burned share out of escrow. The escrow of a market therefore always
// equals scale times its open interest, and the system-wide total of
// available + reserved + escrow changes only on deposit and withdraw.
package ledger

import (
	"sort"
	"sync"

	"cosmossdk.io/log"

	"github.com/openalpha/prediction-engine/internal/types"
)

// Account holds one user's balances. Reserved is the sum of open-order
// collateral across all markets.
type Account struct {
	UserID    types.UserID
	Available int64
	Reserved  int64
}

// Total returns available + reserved.
func (a *Account) Total() int64 {
	return a.Available + a.Reserved
}

type posKey struct {
	user    types.UserID
	market  types.MarketID
	outcome int
}

type resKey struct {
	user   types.UserID
	market types.MarketID
}

// Payout records one settlement credit, for the audit log.
type Payout struct {
	UserID   types.UserID
	MarketID types.MarketID
	Outcome  int
	Shares   int64
	Amount   int64 // ticks credited to available
}

// Ledger is safe for concurrent use. Balance mutations happen under
// per-user locks; compound operations touching two users acquire them in
// ascending user-id order to prevent deadlock.
type Ledger struct {
	mu        sync.RWMutex
	accounts  map[types.UserID]*Account
	userLocks map[types.UserID]*sync.Mutex
	positions map[posKey]*types.Position
	reserved  map[resKey]int64 // per (user, market) reservation breakdown

	escrowMu sync.Mutex
	escrow   map[types.MarketID]int64

	logger log.Logger
	debug  bool // run invariant post-conditions after every mutation
}

// New creates an empty ledger.
func New(logger log.Logger) *Ledger {
	return &Ledger{
		accounts:  make(map[types.UserID]*Account),
		userLocks: make(map[types.UserID]*sync.Mutex),
		positions: make(map[posKey]*types.Position),
		reserved:  make(map[resKey]int64),
		escrow:    make(map[types.MarketID]int64),
		logger:    logger.With("module", "ledger"),
	}
}

// EnableDebugChecks turns on invariant post-conditions. A violation panics,
// so this is for tests and debug builds only.
func (l *Ledger) EnableDebugChecks() {
	l.debug = true
}

// lockUser returns the mutex for a user, creating account and lock on first
// touch of an unknown user is NOT done here; callers must have created the
// account via Deposit or CreateAccount first.
func (l *Ledger) lockUser(user types.UserID) (*sync.Mutex, *Account, error) {
	l.mu.RLock()
	mu, ok := l.userLocks[user]
	acct := l.accounts[user]
	l.mu.RUnlock()
	if !ok || acct == nil {
		return nil, nil, types.ErrUnknownUser
	}
	return mu, acct, nil
}

// CreateAccount registers a user with a zero balance. Idempotent.
func (l *Ledger) CreateAccount(user types.UserID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.accounts[user]; !ok {
		l.accounts[user] = &Account{UserID: user}
		l.userLocks[user] = &sync.Mutex{}
	}
}

// Deposit credits amount to the user's available balance, creating the
// account if needed.
func (l *Ledger) Deposit(user types.UserID, amount int64) error {
	if amount <= 0 {
		return types.ErrInvalidSize
	}
	l.CreateAccount(user)
	mu, acct, err := l.lockUser(user)
	if err != nil {
		return err
	}
	mu.Lock()
	acct.Available += amount
	mu.Unlock()
	return nil
}

// Withdraw debits amount from the user's available balance.
func (l *Ledger) Withdraw(user types.UserID, amount int64) error {
	if amount <= 0 {
		return types.ErrInvalidSize
	}
	mu, acct, err := l.lockUser(user)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	if acct.Available < amount {
		return types.ErrInsufficientFunds
	}
	acct.Available -= amount
	return nil
}

// Reserve moves amount from available to reserved, attributed to the given
// market, or fails without side effects.
func (l *Ledger) Reserve(user types.UserID, market types.MarketID, amount int64) error {
	if amount < 0 {
		return types.ErrInvalidSize
	}
	if amount == 0 {
		return nil
	}
	mu, acct, err := l.lockUser(user)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	if acct.Available < amount {
		return types.ErrInsufficientFunds
	}
	acct.Available -= amount
	acct.Reserved += amount
	l.addMarketReserved(user, market, amount)
	l.postCheck(acct)
	return nil
}

// Release is the inverse of Reserve.
func (l *Ledger) Release(user types.UserID, market types.MarketID, amount int64) error {
	if amount < 0 {
		return types.ErrInvalidSize
	}
	if amount == 0 {
		return nil
	}
	mu, acct, err := l.lockUser(user)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	if acct.Reserved < amount || l.marketReserved(user, market) < amount {
		return types.ErrInvariantViolated
	}
	acct.Reserved -= amount
	acct.Available += amount
	l.addMarketReserved(user, market, -amount)
	l.postCheck(acct)
	return nil
}

func (l *Ledger) addMarketReserved(user types.UserID, market types.MarketID, delta int64) {
	l.mu.Lock()
	k := resKey{user, market}
	l.reserved[k] += delta
	if l.reserved[k] == 0 {
		delete(l.reserved, k)
	}
	l.mu.Unlock()
}

func (l *Ledger) marketReserved(user types.UserID, market types.MarketID) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.reserved[resKey{user, market}]
}

// Transfer moves amount between two users' available balances, in fixed
// lock order.
func (l *Ledger) Transfer(from, to types.UserID, amount int64) error {
	if amount <= 0 {
		return types.ErrInvalidSize
	}
	muF, src, err := l.lockUser(from)
	if err != nil {
		return err
	}
	muT, dst, err := l.lockUser(to)
	if err != nil {
		return err
	}
	if from < to {
		muF.Lock()
		muT.Lock()
		defer muT.Unlock()
		defer muF.Unlock()
	} else {
		muT.Lock()
		muF.Lock()
		defer muF.Unlock()
		defer muT.Unlock()
	}
	if src.Available < amount {
		return types.ErrInsufficientFunds
	}
	src.Available -= amount
	dst.Available += amount
	return nil
}

// SettleSwap settles one AMM fill. The long side contributes longCost and
// the short side scale*size-longCost, both from available (swaps carry no
// prior reservation); the pair lands in escrow and positions update with
// burn refunds exactly as for book trades.
func (l *Ledger) SettleSwap(m *types.Market, t *types.Trade, buyerCost int64) error {
	scale := m.Scale()
	sellerCost := scale*t.Size - buyerCost
	if buyerCost < 0 || sellerCost < 0 {
		return types.ErrInvalidPrice
	}

	muB, buyer, err := l.lockUser(t.Buyer)
	if err != nil {
		return err
	}
	muS, seller, err := l.lockUser(t.Seller)
	if err != nil {
		return err
	}
	if t.Buyer < t.Seller {
		muB.Lock()
		muS.Lock()
		defer muS.Unlock()
		defer muB.Unlock()
	} else {
		muS.Lock()
		muB.Lock()
		defer muB.Unlock()
		defer muS.Unlock()
	}

	// A party whose fill burns existing exposure is refunded scale per
	// burned share in the same step; admit the swap on the net movement.
	buyerRefund := scale * l.burnQty(t.Buyer, t.MarketID, t.Outcome, t.Size)
	sellerRefund := scale * l.burnQty(t.Seller, t.MarketID, t.Outcome, -t.Size)
	if buyer.Available+buyerRefund < buyerCost {
		return types.ErrInsufficientFunds
	}
	if seller.Available+sellerRefund < sellerCost {
		return types.ErrInsufficientLiquidity
	}

	buyer.Available -= buyerCost
	seller.Available -= sellerCost
	l.escrowMu.Lock()
	l.escrow[t.MarketID] += buyerCost + sellerCost
	l.escrowMu.Unlock()

	l.applyFill(buyer, t.MarketID, t.Outcome, t.Size, buyerCost, scale)
	l.applyFill(seller, t.MarketID, t.Outcome, -t.Size, sellerCost, scale)

	l.postCheck(buyer)
	l.postCheck(seller)
	return nil
}

// SettleTrade is the atomic monetary core. The buyer's price*size moves
// from reserved into escrow, the seller's (scale-price)*size likewise, and
// both positions are updated with burn refunds in the same step. Either all
// effects commit or none do.
func (l *Ledger) SettleTrade(m *types.Market, t *types.Trade) error {
	scale := m.Scale()
	buyCost := t.Price * t.Size
	sellCost := (scale - t.Price) * t.Size

	muB, buyer, err := l.lockUser(t.Buyer)
	if err != nil {
		return err
	}
	muS, seller, err := l.lockUser(t.Seller)
	if err != nil {
		return err
	}

	// Fixed global lock order: ascending user id.
	if t.Buyer == t.Seller {
		muB.Lock()
		defer muB.Unlock()
	} else if t.Buyer < t.Seller {
		muB.Lock()
		muS.Lock()
		defer muS.Unlock()
		defer muB.Unlock()
	} else {
		muS.Lock()
		muB.Lock()
		defer muB.Unlock()
		defer muS.Unlock()
	}

	// Validate before any mutation so failure leaves state untouched.
	if buyer.Reserved < buyCost || l.marketReserved(t.Buyer, t.MarketID) < buyCost {
		return types.ErrInvariantViolated
	}
	if seller.Reserved < sellCost || l.marketReserved(t.Seller, t.MarketID) < sellCost {
		return types.ErrInvariantViolated
	}

	buyer.Reserved -= buyCost
	l.addMarketReserved(t.Buyer, t.MarketID, -buyCost)
	seller.Reserved -= sellCost
	l.addMarketReserved(t.Seller, t.MarketID, -sellCost)

	l.escrowMu.Lock()
	l.escrow[t.MarketID] += buyCost + sellCost
	l.escrowMu.Unlock()

	l.applyFill(buyer, t.MarketID, t.Outcome, t.Size, buyCost, scale)
	l.applyFill(seller, t.MarketID, t.Outcome, -t.Size, sellCost, scale)

	l.postCheck(buyer)
	l.postCheck(seller)
	return nil
}

// burnQty returns how many shares of a prospective fill would move the
// user's position toward zero.
func (l *Ledger) burnQty(user types.UserID, market types.MarketID, outcome int, delta int64) int64 {
	l.mu.RLock()
	pos := l.positions[posKey{user, market, outcome}]
	l.mu.RUnlock()
	if pos == nil {
		return 0
	}
	if (pos.Shares > 0 && delta < 0) || (pos.Shares < 0 && delta > 0) {
		return min64(abs64(pos.Shares), abs64(delta))
	}
	return 0
}

// applyFill adjusts a position by delta shares for which the user
// contributed cost ticks of collateral. Quantity that moves the position
// toward zero is burned: scale per burned share is refunded from escrow,
// and realized P&L is booked against the proportional cost basis.
// Caller holds the user's lock.
func (l *Ledger) applyFill(acct *Account, market types.MarketID, outcome int, delta, cost, scale int64) {
	k := posKey{acct.UserID, market, outcome}
	l.mu.Lock()
	pos, ok := l.positions[k]
	if !ok {
		pos = &types.Position{UserID: acct.UserID, MarketID: market, Outcome: outcome}
		l.positions[k] = pos
	}
	l.mu.Unlock()

	old := pos.Shares
	burn := int64(0)
	if (old > 0 && delta < 0) || (old < 0 && delta > 0) {
		burn = min64(abs64(old), abs64(delta))
	}

	if burn > 0 {
		closedBasis := pos.CostBasis * burn / abs64(old)
		costBurn := cost * burn / abs64(delta)
		proceeds := scale * burn

		l.escrowMu.Lock()
		l.escrow[market] -= proceeds
		l.escrowMu.Unlock()
		acct.Available += proceeds

		pos.Realized += proceeds - closedBasis - costBurn
		pos.CostBasis += cost - costBurn - closedBasis
	} else {
		pos.CostBasis += cost
	}
	pos.Shares = old + delta

	if pos.Shares == 0 && pos.CostBasis == 0 {
		// Keep realized P&L history: positions are only dropped once flat
		// with no basis and no realized history to report.
		if pos.Realized == 0 {
			l.mu.Lock()
			delete(l.positions, k)
			l.mu.Unlock()
		}
	}
}

// ApplyResolution pays out every position in the market against the
// resolution, releases any reservation still attributed to the market, and
// flattens positions. Returns the payouts made, for the audit log.
// Running it a second time finds no positions and no reservations and is a
// no-op.
func (l *Ledger) ApplyResolution(m *types.Market, res *types.Resolution) ([]Payout, error) {
	if res == nil {
		return nil, types.ErrResolutionRequired
	}

	users := l.marketParticipants(m.ID)
	payouts := make([]Payout, 0, len(users))
	scale := m.Scale()

	for _, user := range users {
		mu, acct, err := l.lockUser(user)
		if err != nil {
			continue
		}
		mu.Lock()

		// Release whatever is still reserved against this market.
		if rem := l.marketReserved(user, m.ID); rem > 0 {
			acct.Reserved -= rem
			acct.Available += rem
			l.addMarketReserved(user, m.ID, -rem)
		}

		for outcome := 0; outcome < m.OutcomeCount(); outcome++ {
			k := posKey{user, m.ID, outcome}
			l.mu.Lock()
			pos := l.positions[k]
			l.mu.Unlock()
			if pos == nil || pos.Shares == 0 {
				continue
			}

			pps := m.LongPayoutPerShare(outcome, res)
			var amount int64
			if pos.Shares > 0 {
				amount = pos.Shares * pps
			} else {
				amount = (-pos.Shares) * (scale - pps)
			}

			l.escrowMu.Lock()
			l.escrow[m.ID] -= amount
			l.escrowMu.Unlock()
			acct.Available += amount
			pos.Realized += amount - pos.CostBasis

			shares := pos.Shares
			pos.Shares = 0
			pos.CostBasis = 0

			payouts = append(payouts, Payout{
				UserID:   user,
				MarketID: m.ID,
				Outcome:  outcome,
				Shares:   shares,
				Amount:   amount,
			})
		}

		l.postCheck(acct)
		mu.Unlock()
	}
	return payouts, nil
}

// VoidMarket unwinds a cancelled market: every reservation is released and
// every position is refunded its cost basis from escrow. The sum of cost
// bases across a market always equals its escrow, so the refund drains the
// escrow exactly. Idempotent like ApplyResolution.
func (l *Ledger) VoidMarket(m *types.Market) ([]Payout, error) {
	users := l.marketParticipants(m.ID)
	payouts := make([]Payout, 0, len(users))

	for _, user := range users {
		mu, acct, err := l.lockUser(user)
		if err != nil {
			continue
		}
		mu.Lock()

		if rem := l.marketReserved(user, m.ID); rem > 0 {
			acct.Reserved -= rem
			acct.Available += rem
			l.addMarketReserved(user, m.ID, -rem)
		}

		for outcome := 0; outcome < m.OutcomeCount(); outcome++ {
			k := posKey{user, m.ID, outcome}
			l.mu.Lock()
			pos := l.positions[k]
			l.mu.Unlock()
			if pos == nil || pos.Shares == 0 {
				continue
			}

			refund := pos.CostBasis
			l.escrowMu.Lock()
			l.escrow[m.ID] -= refund
			l.escrowMu.Unlock()
			acct.Available += refund

			shares := pos.Shares
			pos.Shares = 0
			pos.CostBasis = 0

			payouts = append(payouts, Payout{
				UserID:   user,
				MarketID: m.ID,
				Outcome:  outcome,
				Shares:   shares,
				Amount:   refund,
			})
		}

		l.postCheck(acct)
		mu.Unlock()
	}
	return payouts, nil
}

// marketParticipants returns, in ascending order, every user holding a
// position or reservation in the market.
func (l *Ledger) marketParticipants(market types.MarketID) []types.UserID {
	l.mu.RLock()
	seen := make(map[types.UserID]struct{})
	for k := range l.positions {
		if k.market == market {
			seen[k.user] = struct{}{}
		}
	}
	for k := range l.reserved {
		if k.market == market {
			seen[k.user] = struct{}{}
		}
	}
	l.mu.RUnlock()

	users := make([]types.UserID, 0, len(seen))
	for u := range seen {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users
}

// Snapshot is a point-in-time view of one user.
type Snapshot struct {
	UserID    types.UserID
	Available int64
	Reserved  int64
	Positions []types.Position
}

// GetSnapshot returns the user's balances and open positions.
func (l *Ledger) GetSnapshot(user types.UserID) (*Snapshot, error) {
	mu, acct, err := l.lockUser(user)
	if err != nil {
		return nil, err
	}
	mu.Lock()
	defer mu.Unlock()

	snap := &Snapshot{
		UserID:    user,
		Available: acct.Available,
		Reserved:  acct.Reserved,
	}
	l.mu.RLock()
	for k, pos := range l.positions {
		if k.user == user {
			snap.Positions = append(snap.Positions, *pos)
		}
	}
	l.mu.RUnlock()
	sort.Slice(snap.Positions, func(i, j int) bool {
		a, b := snap.Positions[i], snap.Positions[j]
		if a.MarketID != b.MarketID {
			return a.MarketID < b.MarketID
		}
		return a.Outcome < b.Outcome
	})
	return snap, nil
}

// Position returns the user's position in one outcome, or a zero position.
func (l *Ledger) Position(user types.UserID, market types.MarketID, outcome int) types.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if pos, ok := l.positions[posKey{user, market, outcome}]; ok {
		return *pos
	}
	return types.Position{UserID: user, MarketID: market, Outcome: outcome}
}

// MarketEscrow returns the escrowed ticks backing a market's open interest.
func (l *Ledger) MarketEscrow(market types.MarketID) int64 {
	l.escrowMu.Lock()
	defer l.escrowMu.Unlock()
	return l.escrow[market]
}

// TotalSupply returns the system-wide sum of available, reserved and
// escrowed ticks. Constant under matching and settlement; changes only on
// deposit and withdraw.
func (l *Ledger) TotalSupply() int64 {
	l.mu.RLock()
	var total int64
	for _, acct := range l.accounts {
		total += acct.Available + acct.Reserved
	}
	l.mu.RUnlock()

	l.escrowMu.Lock()
	for _, e := range l.escrow {
		total += e
	}
	l.escrowMu.Unlock()
	return total
}

// postCheck enforces L2 (non-negative balances) after a mutation. Caller
// holds the account's lock.
func (l *Ledger) postCheck(acct *Account) {
	if acct.Available < 0 || acct.Reserved < 0 {
		if l.debug {
			panic(types.ErrInvariantViolated.Wrapf("user %d available=%d reserved=%d",
				acct.UserID, acct.Available, acct.Reserved).Error())
		}
		l.logger.Error("ledger invariant violated",
			"user", acct.UserID,
			"available", acct.Available,
			"reserved", acct.Reserved,
		)
	}
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
