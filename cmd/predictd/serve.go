package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"cosmossdk.io/log"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/openalpha/prediction-engine/internal/book"
	"github.com/openalpha/prediction-engine/internal/breaker"
	"github.com/openalpha/prediction-engine/internal/cache"
	"github.com/openalpha/prediction-engine/internal/config"
	"github.com/openalpha/prediction-engine/internal/coordinator"
	"github.com/openalpha/prediction-engine/internal/journal"
	"github.com/openalpha/prediction-engine/internal/ledger"
	"github.com/openalpha/prediction-engine/internal/risk"
	"github.com/openalpha/prediction-engine/internal/settle"
	"github.com/openalpha/prediction-engine/internal/slo"
	"github.com/openalpha/prediction-engine/internal/store"
	"github.com/openalpha/prediction-engine/internal/taskq"
	"github.com/openalpha/prediction-engine/internal/types"
	"github.com/openalpha/prediction-engine/internal/ws"
	"github.com/openalpha/prediction-engine/metrics"
)

func serveCmd() *cobra.Command {
	var configPath string
	var demo bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath, demo)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to config file")
	cmd.Flags().BoolVar(&demo, "demo", false, "seed demo markets and traders")
	return cmd
}

func buildLogger(cfg config.LoggingConfig) (log.Logger, error) {
	lvl, err := log.ParseLogLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := []log.Option{log.FilterOption(lvl)}
	if cfg.Format == "json" {
		opts = append(opts, log.OutputJSONOption())
	}
	return log.NewLogger(os.Stderr, opts...), nil
}

func serve(configPath string, demo bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Ledger and risk gate.
	l := ledger.New(logger)
	gate := risk.NewGate(risk.Config{MaxOrderSize: cfg.Risk.MaxOrderSize}, l, logger)

	// Breaker registry shared by cache and external dependencies.
	registry := breaker.NewRegistry(breaker.Config{
		WindowSize:       cfg.Breaker.WindowSize,
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SlowThreshold:    cfg.Breaker.SlowRate,
		SlowCallAfter:    time.Duration(cfg.Breaker.SlowThresholdMs) * time.Millisecond,
		MinSamples:       cfg.Breaker.MinSamples,
		Cooldown:         time.Duration(cfg.Breaker.CooldownMs) * time.Millisecond,
		MaxCooldown:      time.Duration(cfg.Breaker.MaxCooldownMs) * time.Millisecond,
		HalfOpenProbes:   cfg.Breaker.HalfOpenProbes,
	}, logger)

	// Cache with optional redis L2 behind a breaker.
	var l2 cache.Layer
	var guard *breaker.Breaker
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		l2 = cache.NewRedisLayer(client)
		guard = registry.Get("cache-l2")
	}
	reads := cache.New(cache.Config{
		L1Capacity: cfg.Cache.L1Capacity,
		L1TTL:      cfg.Cache.L1TTL,
		L2TTL:      cfg.Cache.L2TTL,
	}, l2, guard, logger)

	// SLO monitor.
	mon := slo.New(slo.Config{Window: cfg.SLO.Window, BucketSize: cfg.SLO.BucketSize}, logger)
	for name, target := range cfg.SLO.Targets {
		mon.Register(name, target)
	}

	// Task queue.
	queue := taskq.New(taskq.Config{
		Workers:     cfg.Taskq.Workers,
		MaxAttempts: cfg.Taskq.MaxAttempts,
		Backoff: taskq.Backoff{
			Base:   cfg.Taskq.Backoff.Base,
			Factor: cfg.Taskq.Backoff.Factor,
			Cap:    cfg.Taskq.Backoff.Cap,
			Jitter: cfg.Taskq.Backoff.Jitter,
		},
	}, logger)

	// Optional Postgres trade log and audit store.
	var auditSink settle.AuditSink
	var trades *store.TradeRepository
	if cfg.Store.DSN != "" {
		db, err := store.Open(ctx, cfg.Store.DSN)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := store.EnsureSchema(ctx, db); err != nil {
			return err
		}
		auditSink = store.NewAuditRepository(db)
		trades = store.NewTradeRepository(db)
	}

	// Settlement behind the task queue.
	settler := settle.New(settle.Config{}, l, auditSink, logger)
	dispatcher := settle.NewDispatcher(queue, settler, logger)

	// Coordinator.
	coordCfg := coordinator.DefaultConfig()
	coordCfg.AMMFeeBps = cfg.AMM.FeeBps
	coordCfg.Book = book.Config{
		MarketOrderPolicy: bookPolicy(cfg.Book.MarketOrderPolicy),
		PreventSelfTrade:  cfg.Risk.SelfTrade == "prevent",
	}
	coord := coordinator.New(coordCfg, l, gate, logger)
	coord.SetResolutionSink(dispatcher)
	queue.Start(ctx)

	// Event journal: rebuild engine state from the last checkpoint plus the
	// record tail, then keep recording with periodic full-state checkpoints.
	var jnl *journal.Journal
	if cfg.Journal.Dir != "" {
		jnl, err = journal.Open(cfg.Journal.Dir, logger)
		if err != nil {
			return err
		}
		defer jnl.Close()

		state, tail, err := jnl.Recover()
		if err != nil {
			return err
		}
		if state != nil {
			var st coordinator.EngineState
			if err := json.Unmarshal(state, &st); err != nil {
				return err
			}
			if err := coord.Restore(&st); err != nil {
				return err
			}
		}
		if len(tail) > 0 {
			events := make([]types.Event, 0, len(tail))
			for _, rec := range tail {
				var ev types.Event
				if err := json.Unmarshal(rec.Payload, &ev); err != nil {
					return err
				}
				events = append(events, ev)
			}
			if err := coord.Replay(ctx, events); err != nil {
				return err
			}
		}
		if state != nil || len(tail) > 0 {
			logger.Info("journal recovered",
				"records", len(tail), "checkpoint", state != nil, "total_supply", l.TotalSupply())
		}

		stateFn := func() ([]byte, error) {
			st, err := coord.Snapshot(context.Background())
			if err != nil {
				return nil, err
			}
			return json.Marshal(st)
		}
		rec := journal.NewRecorder(jnl, stateFn, cfg.Journal.CheckpointEvery, logger)
		feed, _ := coord.Bus().Subscribe(0, 4096)
		go rec.Run(ctx, feed)
	}

	// Websocket hub.
	wsFeed, _ := coord.Bus().Subscribe(0, 2048)
	hub := ws.NewHub(ws.DefaultConfig(), wsFeed, logger)
	hub.Scale = func(id types.MarketID) int64 {
		m, err := coord.Market(id)
		if err != nil {
			return 0
		}
		return m.Scale()
	}
	go hub.Run(ctx)

	// Metrics.
	mc := metrics.New(nil)
	mcFeed, _ := coord.Bus().Subscribe(0, 2048)
	go recordEvents(ctx, mc, mon, mcFeed)
	if trades != nil {
		tradeFeed, _ := coord.Bus().Subscribe(0, 2048)
		go persistTrades(ctx, trades, tradeFeed, logger)
	}
	go observe(ctx, mc, registry, reads, mon, queue)
	go drainDeadLetters(ctx, mc, queue, logger)

	if demo {
		if err := seedDemo(ctx, coord, l, logger); err != nil {
			return err
		}
	}

	// HTTP listener: metrics, websocket, health.
	mux := http.NewServeMux()
	mux.Handle("/metrics", mc.Handler())
	mux.HandleFunc("/ws", hub.ServeWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	server := &http.Server{Addr: cfg.Server.ListenAddr, Handler: mux}
	go func() {
		logger.Info("listening", "addr", cfg.Server.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	queue.Stop()
	coord.Close()
	return nil
}

func bookPolicy(s string) book.MarketOrderPolicy {
	if s == "all-or-none" {
		return book.AllOrNone
	}
	return book.PartialOK
}

// recordEvents feeds the metrics collector and the SLO monitor from the
// engine event stream.
func recordEvents(ctx context.Context, mc *metrics.Collector, mon *slo.Monitor, feed <-chan types.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-feed:
			if !ok {
				return
			}
			market := strconv.FormatUint(uint64(ev.MarketID), 10)
			switch ev.Type {
			case types.EventTypeOrderAccepted:
				if ev.Order != nil {
					mc.RecordOrder(market, ev.Order.Side.String(), ev.Order.Type.String(), "accepted")
				}
				_ = mon.Record("order_submit", true, 0)
			case types.EventTypeOrderRejected:
				if ev.Order != nil {
					mc.RecordOrder(market, ev.Order.Side.String(), ev.Order.Type.String(), "rejected")
				}
				_ = mon.Record("order_submit", false, 0)
			case types.EventTypeTrade:
				if ev.Trade != nil {
					mc.RecordTrade(market, ev.Trade.Size, ev.Trade.Price*ev.Trade.Size)
				}
			case types.EventTypeMarketResolved:
				_ = mon.Record("settlement", true, 0)
			}
		}
	}
}

// persistTrades appends executions to the Postgres trade log.
func persistTrades(ctx context.Context, repo *store.TradeRepository, feed <-chan types.Event, logger log.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-feed:
			if !ok {
				return
			}
			if ev.Type != types.EventTypeTrade || ev.Trade == nil {
				continue
			}
			if err := repo.InsertBatch(ctx, []types.Trade{*ev.Trade}); err != nil {
				logger.Error("trade persist failed", "trade", uint64(ev.Trade.ID), "err", err)
			}
		}
	}
}

// observe publishes breaker, cache, SLO and queue gauges every 10 seconds.
func observe(ctx context.Context, mc *metrics.Collector, registry *breaker.Registry, reads *cache.Cache, mon *slo.Monitor, queue *taskq.Queue) {
	tick := time.NewTicker(10 * time.Second)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			for _, s := range registry.Stats() {
				mc.SetBreakerState(s.Name, int(s.State))
			}
			mc.SetCacheHitRatio(reads.Stats().HitRatio())
			for _, r := range mon.Reports() {
				mc.SetSLO(r.Name, r.Compliance, r.ErrorBudget, r.BurnRate)
			}
			stats := queue.Stats()
			for prio, n := range stats.ByPriority {
				mc.SetQueueDepth(prio.String(), n)
			}
		}
	}
}

func drainDeadLetters(ctx context.Context, mc *metrics.Collector, queue *taskq.Queue, logger log.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-queue.DeadLetters():
			mc.DeadLetters.Inc()
			logger.Error("dead letter", "task", task.ID, "kind", task.Kind, "err", task.LastError)
		}
	}
}

// seedDemo creates a funded book market and an AMM market so a fresh node
// has something to trade against.
func seedDemo(ctx context.Context, coord *coordinator.Coordinator, l *ledger.Ledger, logger log.Logger) error {
	for user := types.UserID(1); user <= 3; user++ {
		l.CreateAccount(user)
		if err := l.Deposit(user, 1_000_000); err != nil {
			return err
		}
	}

	bookMarket, err := coord.CreateMarket(ctx, coordinator.MarketSpec{
		Title:    "Demo: binary book market",
		Kind:     types.MarketKindBinary,
		Engine:   types.EngineKindOrderBook,
		Outcomes: []string{"yes", "no"},
	})
	if err != nil {
		return err
	}
	if err := coord.TransitionMarket(ctx, bookMarket, types.MarketStateActive, nil); err != nil {
		return err
	}
	for i, price := range []int64{4800, 4900, 5100, 5200} {
		side := types.SideBuy
		if price > 5000 {
			side = types.SideSell
		}
		if _, err := coord.SubmitOrder(ctx, coordinator.SubmitRequest{
			User: types.UserID(1 + i%2), Market: bookMarket,
			Side: side, Type: types.OrderTypeLimit, Price: price, Size: 10,
		}); err != nil {
			return err
		}
	}

	ammMarket, err := coord.CreateMarket(ctx, coordinator.MarketSpec{
		Title:    "Demo: AMM market",
		Kind:     types.MarketKindBinary,
		Engine:   types.EngineKindAMM,
		Outcomes: []string{"yes", "no"},
	})
	if err != nil {
		return err
	}
	if err := coord.TransitionMarket(ctx, ammMarket, types.MarketStateActive, nil); err != nil {
		return err
	}
	if err := coord.AddLiquidity(ctx, ammMarket, 3, [2]int64{1000, 1000}, 100_000); err != nil {
		return err
	}

	logger.Info("demo seeded", "book_market", uint64(bookMarket), "amm_market", uint64(ammMarket))
	return nil
}
