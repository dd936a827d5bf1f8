// Package coordinator is the single entry point of the engine: it owns one
// writer goroutine per market, serialises every submit, cancel and
// lifecycle command through it, dispatches to the market's engine and
// publishes the resulting events.
package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"cosmossdk.io/log"

	"github.com/openalpha/prediction-engine/internal/amm"
	"github.com/openalpha/prediction-engine/internal/book"
	"github.com/openalpha/prediction-engine/internal/ledger"
	"github.com/openalpha/prediction-engine/internal/risk"
	"github.com/openalpha/prediction-engine/internal/types"
)

// Config tunes the coordinator.
type Config struct {
	QueueDepth      int           // per-market command buffer
	EnqueueTimeout  time.Duration // backpressure deadline before MarketBusy
	Book            book.Config
	AMMFeeBps       int64
	PoolAccountBase types.UserID // pool account = base + market id
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		QueueDepth:      256,
		EnqueueTimeout:  100 * time.Millisecond,
		Book:            book.DefaultConfig(),
		AMMFeeBps:       0,
		PoolAccountBase: 1_000_000_000,
	}
}

// ResolutionSink receives resolved markets for asynchronous settlement.
type ResolutionSink interface {
	EnqueueSettlement(m *types.Market, res *types.Resolution)
}

// MarketSpec describes a market to create.
type MarketSpec struct {
	Title          string
	Kind           types.MarketKind
	Engine         types.EngineKind
	Outcomes       []string
	PriceTicks     int64
	PositionCap    int64
	AccreditedOnly bool
	CloseTime      time.Time
	ResolverID     types.UserID
	LowerBound     int64
	UpperBound     int64
}

// SubmitRequest carries the client-supplied order parameters.
type SubmitRequest struct {
	User    types.UserID
	Market  types.MarketID
	Side    types.Side
	Outcome int
	Type    types.OrderType
	Price   int64 // limit price in ticks; ignored for market orders
	Size    int64
}

// SubmitResult reports an accepted order and its immediate fills.
type SubmitResult struct {
	Order  *types.Order
	Trades []*types.Trade
}

// Quote is an AMM price quote. Input is the gross ticks the swap would
// move, fee included; Spot is the marginal price after nothing has traded.
type Quote struct {
	Spot  int64
	Input int64
	Fee   int64
}

// command is one unit of work for a market writer. The writer closes done
// after fn runs; a command drained at shutdown is marked dropped instead.
type command struct {
	fn      func()
	done    chan struct{}
	dropped bool
}

// marketWriter owns all mutable state of one market: the metadata, its
// engine and the event sequence. Only the run loop touches them.
type marketWriter struct {
	market *types.Market
	engine *book.Engine // order-book markets
	pool   *amm.Pool    // amm markets

	cmds chan command
	quit chan struct{}
	done chan struct{}
	seq  uint64
}

func (w *marketWriter) run() {
	defer close(w.done)
	for {
		select {
		case cmd := <-w.cmds:
			cmd.fn()
			close(cmd.done)
		case <-w.quit:
			for {
				select {
				case cmd := <-w.cmds:
					cmd.dropped = true
					close(cmd.done)
				default:
					return
				}
			}
		}
	}
}

// Coordinator routes commands to market writers and publishes events.
type Coordinator struct {
	cfg    Config
	ledger *ledger.Ledger
	gate   *risk.Gate
	bus    *Bus
	sink   ResolutionSink
	logger log.Logger
	now    func() time.Time

	orderSeq  atomic.Uint64
	tradeSeq  atomic.Uint64
	marketSeq atomic.Uint64

	mu      sync.RWMutex
	writers map[types.MarketID]*marketWriter
	closed  bool
}

// New creates a coordinator.
func New(cfg Config, l *ledger.Ledger, gate *risk.Gate, logger log.Logger) *Coordinator {
	return &Coordinator{
		cfg:     cfg,
		ledger:  l,
		gate:    gate,
		bus:     NewBus(logger),
		logger:  logger.With("module", "coordinator"),
		now:     time.Now,
		writers: make(map[types.MarketID]*marketWriter),
	}
}

// SetResolutionSink registers the settlement consumer. Must be called
// before any market resolves.
func (c *Coordinator) SetResolutionSink(sink ResolutionSink) {
	c.sink = sink
}

// SetClock replaces the coordinator's time source, for tests.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// Bus returns the event bus for subscriptions.
func (c *Coordinator) Bus() *Bus {
	return c.bus
}

// Ledger returns the backing ledger, for snapshots.
func (c *Coordinator) Ledger() *ledger.Ledger {
	return c.ledger
}

// Close stops every market writer and the event bus. Commands still queued
// are dropped.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	writers := make([]*marketWriter, 0, len(c.writers))
	for _, w := range c.writers {
		writers = append(writers, w)
	}
	c.mu.Unlock()

	for _, w := range writers {
		close(w.quit)
		<-w.done
	}
	c.bus.Close()
}

// CreateMarket registers a market in draft state and starts its writer.
func (c *Coordinator) CreateMarket(ctx context.Context, spec MarketSpec) (types.MarketID, error) {
	if len(spec.Outcomes) < 2 {
		return 0, types.ErrInvalidOutcome.Wrap("a market needs at least two outcomes")
	}
	if spec.Kind == types.MarketKindScalar && spec.UpperBound <= spec.LowerBound {
		return 0, types.ErrInvalidPrice.Wrap("scalar bounds must satisfy lower < upper")
	}
	if spec.PriceTicks <= 0 {
		spec.PriceTicks = 9999
	}

	now := c.now()
	m := &types.Market{
		ID:             types.MarketID(c.marketSeq.Add(1)),
		Title:          spec.Title,
		Kind:           spec.Kind,
		Engine:         spec.Engine,
		State:          types.MarketStateDraft,
		Outcomes:       spec.Outcomes,
		PriceTicks:     spec.PriceTicks,
		PositionCap:    spec.PositionCap,
		AccreditedOnly: spec.AccreditedOnly,
		CloseTime:      spec.CloseTime,
		ResolverID:     spec.ResolverID,
		LowerBound:     spec.LowerBound,
		UpperBound:     spec.UpperBound,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	w := &marketWriter{
		market: m,
		cmds:   make(chan command, c.cfg.QueueDepth),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	switch spec.Engine {
	case types.EngineKindOrderBook:
		w.engine = book.NewEngine(m, c.ledger, c.cfg.Book, &c.tradeSeq, c.logger)
	case types.EngineKindAMM:
		pool, err := amm.NewPool(m, c.ledger, c.cfg.PoolAccountBase+types.UserID(m.ID), c.cfg.AMMFeeBps, &c.tradeSeq, c.logger)
		if err != nil {
			return 0, err
		}
		w.pool = pool
	default:
		return 0, types.ErrWrongEngine.Wrap("unspecified engine kind")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, types.ErrMarketNotTradable.Wrap("engine shutting down")
	}
	c.writers[m.ID] = w
	c.mu.Unlock()

	go w.run()

	// Journaled so replay can recreate the market and its writer.
	if err := c.do(ctx, w, func() {
		snap := *m
		w.publish(c.bus, types.Event{Type: types.EventTypeMarketCreated, Timestamp: now, Market: &snap})
	}); err != nil {
		return 0, err
	}
	c.logger.Info("market created",
		"market", uint64(m.ID), "kind", m.Kind.String(), "engine", m.Engine.String())
	return m.ID, nil
}

// Market returns a copy of the market's metadata.
func (c *Coordinator) Market(id types.MarketID) (*types.Market, error) {
	w, err := c.writer(id)
	if err != nil {
		return nil, err
	}
	var snap types.Market
	if err := c.do(context.Background(), w, func() { snap = *w.market }); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *Coordinator) writer(id types.MarketID) (*marketWriter, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	w, ok := c.writers[id]
	if !ok {
		return nil, types.ErrUnknownMarket.Wrapf("market %d", id)
	}
	return w, nil
}

// do serialises fn through the market's writer. Backpressure: when the
// command buffer stays full past the enqueue deadline the caller gets
// MarketBusy and fn never runs.
func (c *Coordinator) do(ctx context.Context, w *marketWriter, fn func()) error {
	cmd := command{fn: fn, done: make(chan struct{})}
	timer := time.NewTimer(c.cfg.EnqueueTimeout)
	defer timer.Stop()

	select {
	case w.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return types.ErrMarketBusy
	case <-w.quit:
		return types.ErrMarketNotTradable.Wrap("engine shutting down")
	}

	<-cmd.done
	if cmd.dropped {
		return types.ErrMarketNotTradable.Wrap("engine shutting down")
	}
	return nil
}

// publish stamps the market's next sequence number on the event. Writer
// goroutine only.
func (w *marketWriter) publish(bus *Bus, ev types.Event) {
	w.seq++
	ev.Seq = w.seq
	ev.MarketID = w.market.ID
	bus.Publish(ev)
}

// SubmitOrder admits one order: risk checks, engine dispatch, events.
func (c *Coordinator) SubmitOrder(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	w, err := c.writer(req.Market)
	if err != nil {
		return nil, err
	}

	var (
		res    *SubmitResult
		runErr error
	)
	err = c.do(ctx, w, func() {
		now := c.now()
		o := types.NewOrder(types.OrderID(c.orderSeq.Add(1)), req.Market, req.User,
			req.Side, req.Outcome, req.Type, req.Price, req.Size, now)

		if gateErr := c.gate.Check(w.market, o); gateErr != nil {
			o.Reject(now)
			w.publish(c.bus, types.Event{
				Type: types.EventTypeOrderRejected, Timestamp: now,
				Order: o, Reason: gateErr.Error(),
			})
			runErr = gateErr
			return
		}

		switch {
		case w.engine != nil:
			res, runErr = c.submitToBook(w, o)
		default:
			res, runErr = c.submitToPool(w, o)
		}
	})
	if err != nil {
		return nil, err
	}
	return res, runErr
}

func (c *Coordinator) submitToBook(w *marketWriter, o *types.Order) (*SubmitResult, error) {
	now := c.now()
	br, err := w.engine.Submit(o)
	if err != nil {
		w.publish(c.bus, types.Event{
			Type: types.EventTypeOrderRejected, Timestamp: now,
			Order: o, Reason: err.Error(),
		})
		return nil, err
	}

	w.publish(c.bus, types.Event{Type: types.EventTypeOrderAccepted, Timestamp: now, Order: o})
	for _, tr := range br.Trades {
		w.publish(c.bus, types.Event{Type: types.EventTypeTrade, Timestamp: now, Trade: tr})
	}
	if o.Status == types.OrderStatusCancelled {
		// Market order residual cancelled under the partial-ok policy.
		w.publish(c.bus, types.Event{Type: types.EventTypeOrderCancelled, Timestamp: now, Order: o})
	}
	return &SubmitResult{Order: br.Order, Trades: br.Trades}, nil
}

// submitToPool maps an order onto a swap: a limit price becomes the cost
// cap (buy) or proceeds floor (sell), a market order swaps unconditionally.
func (c *Coordinator) submitToPool(w *marketWriter, o *types.Order) (*SubmitResult, error) {
	now := c.now()
	var bound int64
	if o.Type == types.OrderTypeLimit {
		bound = o.Price * o.Size
	}

	var (
		sw  *amm.SwapResult
		err error
	)
	if o.Side == types.SideBuy {
		sw, err = w.pool.Buy(o.UserID, o.Outcome, o.Size, bound)
	} else {
		sw, err = w.pool.Sell(o.UserID, o.Outcome, o.Size, bound)
	}
	if err != nil {
		o.Reject(now)
		w.publish(c.bus, types.Event{
			Type: types.EventTypeOrderRejected, Timestamp: now,
			Order: o, Reason: err.Error(),
		})
		return nil, err
	}

	if err := o.Fill(o.Size, now); err != nil {
		return nil, err
	}
	w.publish(c.bus, types.Event{Type: types.EventTypeOrderAccepted, Timestamp: now, Order: o})
	w.publish(c.bus, types.Event{Type: types.EventTypeTrade, Timestamp: now, Trade: sw.Trade})
	return &SubmitResult{Order: o, Trades: []*types.Trade{sw.Trade}}, nil
}

// CancelOrder removes a resting order. AMM swaps execute atomically and
// have nothing to cancel.
func (c *Coordinator) CancelOrder(ctx context.Context, market types.MarketID, orderID types.OrderID, user types.UserID) (*book.CancelResult, error) {
	w, err := c.writer(market)
	if err != nil {
		return nil, err
	}

	var (
		res    *book.CancelResult
		runErr error
	)
	err = c.do(ctx, w, func() {
		if w.engine == nil {
			runErr = types.ErrWrongEngine.Wrap("amm markets have no resting orders")
			return
		}
		res, runErr = w.engine.Cancel(orderID, user)
		if runErr == nil && !res.Noop {
			w.publish(c.bus, types.Event{
				Type: types.EventTypeOrderCancelled, Timestamp: c.now(),
				Order: w.engine.Order(orderID),
			})
		}
	})
	if err != nil {
		return nil, err
	}
	return res, runErr
}

// TransitionMarket applies a lifecycle transition. Resolving requires a
// resolution; resolving and cancelling first cancel all resting orders.
// Payouts for resolved markets run asynchronously through the settlement
// sink; cancelled markets are voided inline.
func (c *Coordinator) TransitionMarket(ctx context.Context, market types.MarketID, target types.MarketState, res *types.Resolution) error {
	w, err := c.writer(market)
	if err != nil {
		return err
	}

	var runErr error
	err = c.do(ctx, w, func() {
		m := w.market
		if m.State == types.MarketStateResolved {
			runErr = types.ErrAlreadyResolved
			return
		}
		if !m.State.CanTransition(target) {
			runErr = types.ErrInvalidTransition.Wrapf("%s -> %s", m.State, target)
			return
		}
		now := c.now()

		switch target {
		case types.MarketStateResolved:
			if res == nil {
				runErr = types.ErrResolutionRequired
				return
			}
			if m.Kind != types.MarketKindScalar && !m.ValidOutcome(res.Outcome) {
				runErr = types.ErrInvalidOutcome
				return
			}
			if res.ResolvedAt.IsZero() {
				res.ResolvedAt = now
			}
			if runErr = c.cancelResting(w, now); runErr != nil {
				return
			}
			m.State = target
			m.Resolution = res
			m.UpdatedAt = now
			w.publish(c.bus, types.Event{Type: types.EventTypeMarketStateChanged, Timestamp: now, State: target})
			w.publish(c.bus, types.Event{Type: types.EventTypeMarketResolved, Timestamp: now, Resolution: res})
			if c.sink != nil {
				snap := *m
				c.sink.EnqueueSettlement(&snap, res)
			}

		case types.MarketStateCancelled:
			if runErr = c.cancelResting(w, now); runErr != nil {
				return
			}
			if _, runErr = c.ledger.VoidMarket(m); runErr != nil {
				return
			}
			m.State = target
			m.UpdatedAt = now
			w.publish(c.bus, types.Event{Type: types.EventTypeMarketStateChanged, Timestamp: now, State: target})

		default:
			m.State = target
			m.UpdatedAt = now
			w.publish(c.bus, types.Event{Type: types.EventTypeMarketStateChanged, Timestamp: now, State: target})
		}
		c.logger.Info("market transitioned",
			"market", uint64(m.ID), "state", target.String())
	})
	if err != nil {
		return err
	}
	return runErr
}

func (c *Coordinator) cancelResting(w *marketWriter, now time.Time) error {
	if w.engine == nil {
		return nil
	}
	cancelled, err := w.engine.CancelAll()
	for _, o := range cancelled {
		w.publish(c.bus, types.Event{Type: types.EventTypeOrderCancelled, Timestamp: now, Order: o})
	}
	return err
}

// QuoteAMM prices a prospective swap without executing it.
func (c *Coordinator) QuoteAMM(ctx context.Context, market types.MarketID, outcome int, size int64, side types.Side) (*Quote, error) {
	w, err := c.writer(market)
	if err != nil {
		return nil, err
	}

	var (
		q      *Quote
		runErr error
	)
	err = c.do(ctx, w, func() {
		if w.pool == nil {
			runErr = types.ErrWrongEngine.Wrap("market is not amm-backed")
			return
		}
		var input, fee int64
		if side == types.SideBuy {
			input, fee, runErr = w.pool.QuoteBuy(outcome, size)
		} else {
			input, fee, runErr = w.pool.QuoteSell(outcome, size)
		}
		if runErr != nil {
			return
		}
		q = &Quote{Spot: w.pool.Spot(outcome), Input: input, Fee: fee}
	})
	if err != nil {
		return nil, err
	}
	return q, runErr
}

// AddLiquidity routes a liquidity contribution through the market writer.
func (c *Coordinator) AddLiquidity(ctx context.Context, market types.MarketID, provider types.UserID, amounts [2]int64, cash int64) error {
	w, err := c.writer(market)
	if err != nil {
		return err
	}
	var runErr error
	err = c.do(ctx, w, func() {
		if w.pool == nil {
			runErr = types.ErrWrongEngine.Wrap("market is not amm-backed")
			return
		}
		if _, runErr = w.pool.AddLiquidity(provider, amounts, cash); runErr == nil {
			w.publish(c.bus, types.Event{
				Type: types.EventTypeLiquidityChanged, Timestamp: c.now(),
				Liquidity: &types.LiquidityChange{Provider: provider, Amounts: amounts, Cash: cash},
			})
		}
	})
	if err != nil {
		return err
	}
	return runErr
}

// RemoveLiquidity withdraws a provider's pro-rata share of the pool.
func (c *Coordinator) RemoveLiquidity(ctx context.Context, market types.MarketID, provider types.UserID) (int64, error) {
	w, err := c.writer(market)
	if err != nil {
		return 0, err
	}
	var (
		cash   int64
		runErr error
	)
	err = c.do(ctx, w, func() {
		if w.pool == nil {
			runErr = types.ErrWrongEngine.Wrap("market is not amm-backed")
			return
		}
		if cash, runErr = w.pool.RemoveLiquidity(provider, w.pool.ProviderShares(provider)); runErr == nil {
			w.publish(c.bus, types.Event{
				Type: types.EventTypeLiquidityChanged, Timestamp: c.now(),
				Liquidity: &types.LiquidityChange{Provider: provider, Cash: cash, Removed: true},
			})
		}
	})
	if err != nil {
		return 0, err
	}
	return cash, runErr
}
