// Package ws streams engine events to websocket subscribers. Clients
// subscribe to channels: "events:<market>" carries the full event stream,
// "trades:<market>" just executions, "ticker:<market>" periodic price
// summaries. Slow clients are never waited on; their messages drop.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"cosmossdk.io/log"
	"github.com/shopspring/decimal"

	"github.com/openalpha/prediction-engine/internal/types"
)

// Config tunes the hub.
type Config struct {
	TickerInterval   time.Duration
	SendBuffer       int
	MaxSubscriptions int
	MessageRateLimit int // client messages per second
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		TickerInterval:   100 * time.Millisecond,
		SendBuffer:       256,
		MaxSubscriptions: 64,
		MessageRateLimit: 100,
	}
}

type subRequest struct {
	client  *Client
	channel string
	add     bool
}

// ticker accumulates trade activity for a market between flushes.
type ticker struct {
	lastPrice int64
	volume    int64
	trades    uint64
	dirty     bool
}

// Hub fans engine events out to websocket clients. All bookkeeping happens
// on the Run goroutine; the mutex only guards reads from ServeWS and the
// stats accessors.
type Hub struct {
	cfg    Config
	logger log.Logger

	feed <-chan types.Event

	// Scale maps a market to its payout scale for implied-probability
	// ticker fields. Optional; tickers omit probability without it.
	Scale func(types.MarketID) int64

	register    chan *Client
	unregister  chan *Client
	subscribe   chan subRequest
	unsubscribe chan subRequest

	mu       sync.RWMutex
	clients  map[*Client]struct{}
	channels map[string]map[*Client]struct{}
	tickers  map[types.MarketID]*ticker
}

// NewHub creates a hub reading events from feed. Call Run to start it.
func NewHub(cfg Config, feed <-chan types.Event, logger log.Logger) *Hub {
	if cfg.TickerInterval <= 0 {
		cfg.TickerInterval = 100 * time.Millisecond
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	return &Hub{
		cfg:         cfg,
		logger:      logger.With("module", "ws"),
		feed:        feed,
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		subscribe:   make(chan subRequest, 64),
		unsubscribe: make(chan subRequest, 64),
		clients:     make(map[*Client]struct{}),
		channels:    make(map[string]map[*Client]struct{}),
		tickers:     make(map[types.MarketID]*ticker),
	}
}

// Run drives the hub until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	flush := time.NewTicker(h.cfg.TickerInterval)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()

		case c := <-h.unregister:
			h.dropClient(c)

		case req := <-h.subscribe:
			h.addSubscription(req)

		case req := <-h.unsubscribe:
			h.removeSubscription(req)

		case ev, ok := <-h.feed:
			if !ok {
				h.feed = nil
				continue
			}
			h.handleEvent(ev)

		case <-flush.C:
			h.flushTickers()
		}
	}
}

func (h *Hub) dropClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	for channel, members := range h.channels {
		delete(members, c)
		if len(members) == 0 {
			delete(h.channels, channel)
		}
	}
	close(c.send)
}

func (h *Hub) addSubscription(req subRequest) {
	h.mu.Lock()
	members, ok := h.channels[req.channel]
	if !ok {
		members = make(map[*Client]struct{})
		h.channels[req.channel] = members
	}
	members[req.client] = struct{}{}
	h.mu.Unlock()

	req.client.enqueue(mustMarshal(&WireMessage{Type: "subscribed", Channel: req.channel}))
}

func (h *Hub) removeSubscription(req subRequest) {
	h.mu.Lock()
	if members, ok := h.channels[req.channel]; ok {
		delete(members, req.client)
		if len(members) == 0 {
			delete(h.channels, req.channel)
		}
	}
	h.mu.Unlock()

	req.client.enqueue(mustMarshal(&WireMessage{Type: "unsubscribed", Channel: req.channel}))
}

func (h *Hub) handleEvent(ev types.Event) {
	channel := marketChannel("events", ev.MarketID)
	h.broadcast(channel, &WireMessage{Type: ev.Type.String(), Channel: channel, Data: ev})

	if ev.Type != types.EventTypeTrade || ev.Trade == nil {
		return
	}
	t := ev.Trade
	channel = marketChannel("trades", ev.MarketID)
	h.broadcast(channel, &WireMessage{Type: "trade", Channel: channel, Data: TradeMessage{
		TradeID:   uint64(t.ID),
		MarketID:  uint64(t.MarketID),
		Outcome:   t.Outcome,
		Price:     t.Price,
		Size:      t.Size,
		TakerSide: t.TakerSide.String(),
		Timestamp: t.Timestamp.UnixMilli(),
	}})

	tk, ok := h.tickers[ev.MarketID]
	if !ok {
		tk = &ticker{}
		h.tickers[ev.MarketID] = tk
	}
	tk.lastPrice = t.Price
	tk.volume += t.Size
	tk.trades++
	tk.dirty = true
}

// flushTickers broadcasts one summary per market that traded since the
// previous flush.
func (h *Hub) flushTickers() {
	for id, tk := range h.tickers {
		if !tk.dirty {
			continue
		}
		tk.dirty = false

		msg := TickerMessage{
			MarketID:  uint64(id),
			LastPrice: tk.lastPrice,
			Volume:    tk.volume,
			Trades:    tk.trades,
			Timestamp: time.Now().UnixMilli(),
		}
		if h.Scale != nil {
			if scale := h.Scale(id); scale > 0 {
				prob := decimal.NewFromInt(tk.lastPrice).Div(decimal.NewFromInt(scale))
				msg.Probability = prob.StringFixed(4)
			}
		}
		channel := marketChannel("ticker", id)
		h.broadcast(channel, &WireMessage{Type: "ticker", Channel: channel, Data: msg})
	}
}

// broadcast sends to every subscriber of a channel without blocking on any
// of them.
func (h *Hub) broadcast(channel string, msg *WireMessage) {
	h.mu.RLock()
	members, ok := h.channels[channel]
	if !ok || len(members) == 0 {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(members))
	for c := range members {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("event marshal failed", "channel", channel, "err", err)
		return
	}
	for _, c := range targets {
		c.enqueue(data)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
	}
	h.clients = make(map[*Client]struct{})
	h.channels = make(map[string]map[*Client]struct{})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ChannelCount returns the number of channels with at least one subscriber.
func (h *Hub) ChannelCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels)
}

// ServeWS upgrades an HTTP request to a websocket session.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	c := newClient(h, conn)
	h.register <- c
	go c.writePump()
	go c.readPump()
}

func marketChannel(kind string, id types.MarketID) string {
	return kind + ":" + strconv.FormatUint(uint64(id), 10)
}

func mustMarshal(msg *WireMessage) []byte {
	data, _ := json.Marshal(msg)
	return data
}

// WireMessage is the envelope for every server-to-client frame.
type WireMessage struct {
	Type    string      `json:"type"`
	Channel string      `json:"channel,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// TradeMessage mirrors one execution.
type TradeMessage struct {
	TradeID   uint64 `json:"trade_id"`
	MarketID  uint64 `json:"market_id"`
	Outcome   int    `json:"outcome"`
	Price     int64  `json:"price"`
	Size      int64  `json:"size"`
	TakerSide string `json:"taker_side"`
	Timestamp int64  `json:"timestamp"`
}

// TickerMessage summarises trading since the previous flush. Probability is
// the implied probability of the last traded price, when the hub knows the
// market's payout scale.
type TickerMessage struct {
	MarketID    uint64 `json:"market_id"`
	LastPrice   int64  `json:"last_price"`
	Probability string `json:"probability,omitempty"`
	Volume      int64  `json:"volume"`
	Trades      uint64 `json:"trades"`
	Timestamp   int64  `json:"timestamp"`
}
