package coordinator

import (
	"sync"

	"cosmossdk.io/log"

	"github.com/openalpha/prediction-engine/internal/types"
)

// Bus fans engine events out to subscribers. Events are published from each
// market's writer goroutine, so a subscriber sees one market's events in
// causal order. A subscriber that falls behind its buffer loses events
// rather than stalling the writer.
type Bus struct {
	logger log.Logger

	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
}

type subscriber struct {
	ch     chan types.Event
	market types.MarketID // 0 subscribes to every market
}

// NewBus creates an event bus.
func NewBus(logger log.Logger) *Bus {
	return &Bus{
		logger: logger.With("module", "events"),
		subs:   make(map[int]*subscriber),
	}
}

// Subscribe registers a subscriber for one market, or every market when
// market is 0. The returned cancel function drops the subscription and
// closes the channel.
func (b *Bus) Subscribe(market types.MarketID, buffer int) (<-chan types.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscriber{ch: make(chan types.Event, buffer), market: market}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub.ch)
		}
		b.mu.Unlock()
	}
	return sub.ch, cancel
}

// Publish delivers an event to every matching subscriber without blocking.
func (b *Bus) Publish(ev types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.market != 0 && sub.market != ev.MarketID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.logger.Debug("subscriber buffer full, event dropped",
				"market", uint64(ev.MarketID), "seq", ev.Seq, "type", ev.Type.String())
		}
	}
}

// Close drops every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
