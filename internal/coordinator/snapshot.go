package coordinator

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/openalpha/prediction-engine/internal/amm"
	"github.com/openalpha/prediction-engine/internal/book"
	"github.com/openalpha/prediction-engine/internal/ledger"
	"github.com/openalpha/prediction-engine/internal/types"
)

// MarketSnapshot is one market's checkpointed state: metadata, the event
// sequence it has published through, its resting orders and, for AMM
// markets, the pool state.
type MarketSnapshot struct {
	Market  types.Market  `json:"market"`
	Seq     uint64        `json:"seq"`
	Resting []types.Order `json:"resting,omitempty"`
	Pool    *amm.State    `json:"pool,omitempty"`
}

// EngineState is a complete checkpoint of the coordinator: every market,
// the full ledger and the process-wide ID sequences. Together with the
// journal records appended after it, this is sufficient to rebuild the
// engine after a restart.
type EngineState struct {
	Markets   []MarketSnapshot `json:"markets"`
	Ledger    *ledger.State    `json:"ledger"`
	OrderSeq  uint64           `json:"order_seq"`
	TradeSeq  uint64           `json:"trade_seq"`
	MarketSeq uint64           `json:"market_seq"`
}

// capture copies the writer's state. Writer goroutine only.
func (w *marketWriter) capture() MarketSnapshot {
	ms := MarketSnapshot{Market: *w.market, Seq: w.seq}
	if w.engine != nil {
		for _, o := range w.engine.RestingOrders() {
			ms.Resting = append(ms.Resting, *o)
		}
	}
	if w.pool != nil {
		ms.Pool = w.pool.State()
	}
	return ms
}

// Snapshot captures a globally consistent engine state. Every market
// writer is parked at its capture point before the ledger is exported, so
// no command can move funds between a market's capture and the ledger
// copy. Parking is bounded by the enqueue timeout; a stalled writer fails
// the snapshot with MarketBusy rather than blocking the caller.
func (c *Coordinator) Snapshot(ctx context.Context) (*EngineState, error) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, types.ErrMarketNotTradable.Wrap("engine shutting down")
	}
	writers := make([]*marketWriter, 0, len(c.writers))
	for _, w := range c.writers {
		writers = append(writers, w)
	}
	c.mu.RUnlock()

	release := make(chan struct{})
	defer close(release)
	captured := make(chan MarketSnapshot, len(writers))
	timer := time.NewTimer(c.cfg.EnqueueTimeout)
	defer timer.Stop()

	parked := 0
	for _, w := range writers {
		w := w
		cmd := command{done: make(chan struct{})}
		cmd.fn = func() {
			captured <- w.capture()
			<-release
		}
		select {
		case w.cmds <- cmd:
			parked++
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, types.ErrMarketBusy.Wrapf("market %d stalled the snapshot", w.market.ID)
		case <-w.quit:
			return nil, types.ErrMarketNotTradable.Wrap("engine shutting down")
		}
	}

	st := &EngineState{Markets: make([]MarketSnapshot, 0, parked)}
	for len(st.Markets) < parked {
		select {
		case ms := <-captured:
			st.Markets = append(st.Markets, ms)
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, types.ErrMarketBusy.Wrap("snapshot timed out")
		}
	}

	st.Ledger = c.ledger.ExportState()
	st.OrderSeq = c.orderSeq.Load()
	st.TradeSeq = c.tradeSeq.Load()
	st.MarketSeq = c.marketSeq.Load()
	sort.Slice(st.Markets, func(i, j int) bool {
		return st.Markets[i].Market.ID < st.Markets[j].Market.ID
	})
	return st, nil
}

// Restore loads a checkpoint into a freshly constructed coordinator:
// ledger first, then the ID sequences, then one writer per checkpointed
// market. Must run before any commands are accepted.
func (c *Coordinator) Restore(st *EngineState) error {
	c.ledger.RestoreState(st.Ledger)
	c.orderSeq.Store(st.OrderSeq)
	c.tradeSeq.Store(st.TradeSeq)
	c.marketSeq.Store(st.MarketSeq)
	for i := range st.Markets {
		if err := c.restoreMarket(&st.Markets[i]); err != nil {
			return err
		}
	}
	return nil
}

// restoreMarket rebuilds one market writer from a snapshot and starts it.
// Resting orders re-enter the book without ledger movement: their
// collateral is already reserved in the restored ledger.
func (c *Coordinator) restoreMarket(ms *MarketSnapshot) error {
	m := ms.Market
	w := &marketWriter{
		market: &m,
		cmds:   make(chan command, c.cfg.QueueDepth),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		seq:    ms.Seq,
	}
	switch m.Engine {
	case types.EngineKindOrderBook:
		w.engine = book.NewEngine(&m, c.ledger, c.cfg.Book, &c.tradeSeq, c.logger)
		orders := make([]*types.Order, 0, len(ms.Resting))
		for i := range ms.Resting {
			o := ms.Resting[i]
			orders = append(orders, &o)
		}
		w.engine.Restore(orders)
	case types.EngineKindAMM:
		account := c.cfg.PoolAccountBase + types.UserID(m.ID)
		fee := c.cfg.AMMFeeBps
		if ms.Pool != nil {
			account = ms.Pool.Account
			fee = ms.Pool.FeeBps
		}
		pool, err := amm.NewPool(&m, c.ledger, account, fee, &c.tradeSeq, c.logger)
		if err != nil {
			return err
		}
		if ms.Pool != nil {
			pool.RestoreState(ms.Pool)
		}
		w.pool = pool
	default:
		return types.ErrWrongEngine.Wrapf("market %d", m.ID)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return types.ErrMarketNotTradable.Wrap("engine shutting down")
	}
	if _, ok := c.writers[m.ID]; ok {
		c.mu.Unlock()
		return types.ErrInvariantViolated.Wrapf("market %d restored twice", m.ID)
	}
	c.writers[m.ID] = w
	c.mu.Unlock()
	go w.run()
	return nil
}

// Replay applies journal records appended after the checkpoint, in order.
// Events at or below a market's checkpointed sequence are skipped. Order
// submits re-execute through the engines, so fills, ledger movement and
// trade IDs are re-derived deterministically; the journaled trade events
// themselves carry no further effect.
func (c *Coordinator) Replay(ctx context.Context, events []types.Event) error {
	for i := range events {
		if err := c.replayEvent(ctx, &events[i]); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) replayEvent(ctx context.Context, ev *types.Event) error {
	if ev.Type == types.EventTypeMarketCreated {
		if ev.Market == nil {
			return types.ErrInvariantViolated.Wrap("market_created event without market")
		}
		if _, err := c.writer(ev.MarketID); err == nil {
			return nil // already in the checkpoint
		}
		bumpSeq(&c.marketSeq, uint64(ev.Market.ID))
		return c.restoreMarket(&MarketSnapshot{Market: *ev.Market, Seq: ev.Seq})
	}

	w, err := c.writer(ev.MarketID)
	if err != nil {
		return err
	}
	var runErr error
	if doErr := c.do(ctx, w, func() {
		if ev.Seq <= w.seq {
			return // already reflected in the checkpoint
		}
		runErr = c.applyReplayed(w, ev)
		w.seq = ev.Seq
	}); doErr != nil {
		return doErr
	}
	return runErr
}

func (c *Coordinator) applyReplayed(w *marketWriter, ev *types.Event) error {
	switch ev.Type {
	case types.EventTypeOrderAccepted:
		return c.replayOrder(w, ev.Order)

	case types.EventTypeOrderRejected:
		// The rejected order consumed an ID; keep the sequence aligned.
		if ev.Order != nil {
			bumpSeq(&c.orderSeq, uint64(ev.Order.ID))
		}
		return nil

	case types.EventTypeTrade:
		// Re-derived by replaying the taker's submit.
		return nil

	case types.EventTypeOrderCancelled:
		if ev.Order == nil || w.engine == nil {
			return nil
		}
		// Residual cancels of replayed market orders already happened
		// inside the submit; tolerate the miss.
		if _, err := w.engine.Cancel(ev.Order.ID, 0); err != nil && !types.ErrOrderNotFound.Is(err) {
			return err
		}
		return nil

	case types.EventTypeMarketStateChanged:
		w.market.State = ev.State
		w.market.UpdatedAt = ev.Timestamp
		if ev.State == types.MarketStateCancelled {
			if _, err := c.ledger.VoidMarket(w.market); err != nil {
				return err
			}
		}
		return nil

	case types.EventTypeMarketResolved:
		w.market.Resolution = ev.Resolution
		if c.sink != nil {
			snap := *w.market
			c.sink.EnqueueSettlement(&snap, ev.Resolution)
		}
		return nil

	case types.EventTypeLiquidityChanged:
		return c.replayLiquidity(w, ev.Liquidity)

	default:
		return nil
	}
}

// replayOrder re-executes an accepted order from its journaled parameters.
// The risk gate is skipped: admission already happened when the event was
// recorded.
func (c *Coordinator) replayOrder(w *marketWriter, rec *types.Order) error {
	if rec == nil {
		return types.ErrInvariantViolated.Wrap("order_accepted event without order")
	}
	bumpSeq(&c.orderSeq, uint64(rec.ID))
	o := types.NewOrder(rec.ID, rec.MarketID, rec.UserID, rec.Side, rec.Outcome,
		rec.Type, rec.Price, rec.Size, rec.CreatedAt)
	if w.engine != nil {
		_, err := w.engine.Submit(o)
		return err
	}

	var bound int64
	if o.Type == types.OrderTypeLimit {
		bound = o.Price * o.Size
	}
	var err error
	if o.Side == types.SideBuy {
		_, err = w.pool.Buy(o.UserID, o.Outcome, o.Size, bound)
	} else {
		_, err = w.pool.Sell(o.UserID, o.Outcome, o.Size, bound)
	}
	return err
}

func (c *Coordinator) replayLiquidity(w *marketWriter, lc *types.LiquidityChange) error {
	if lc == nil || w.pool == nil {
		return nil
	}
	if lc.Removed {
		_, err := w.pool.RemoveLiquidity(lc.Provider, w.pool.ProviderShares(lc.Provider))
		return err
	}
	_, err := w.pool.AddLiquidity(lc.Provider, lc.Amounts, lc.Cash)
	return err
}

// bumpSeq raises a monotonic sequence to at least `to`.
func bumpSeq(seq *atomic.Uint64, to uint64) {
	for {
		cur := seq.Load()
		if cur >= to || seq.CompareAndSwap(cur, to) {
			return
		}
	}
}
