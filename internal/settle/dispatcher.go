package settle

import (
	"context"
	"encoding/json"
	"sync"

	"cosmossdk.io/log"

	"github.com/openalpha/prediction-engine/internal/taskq"
	"github.com/openalpha/prediction-engine/internal/types"
)

// TaskKind is the settlement task kind on the queue.
const TaskKind = "settlement"

// Dispatcher defers settlement of resolved markets to the task queue. It
// satisfies the coordinator's resolution sink. Settlement idempotence makes
// the at-least-once queue safe here.
type Dispatcher struct {
	queue   *taskq.Queue
	settler *Settler
	logger  log.Logger

	mu      sync.Mutex
	pending map[types.MarketID]resolvedMarket
}

type resolvedMarket struct {
	market     *types.Market
	resolution *types.Resolution
}

type settlePayload struct {
	MarketID types.MarketID `json:"market_id"`
}

// NewDispatcher wires the settler behind the queue and registers the task
// handler.
func NewDispatcher(queue *taskq.Queue, settler *Settler, logger log.Logger) *Dispatcher {
	d := &Dispatcher{
		queue:   queue,
		settler: settler,
		logger:  logger.With("module", "settle"),
		pending: make(map[types.MarketID]resolvedMarket),
	}
	queue.Register(TaskKind, d.handle)
	return d
}

// EnqueueSettlement schedules the payout of a resolved market.
func (d *Dispatcher) EnqueueSettlement(m *types.Market, res *types.Resolution) {
	d.mu.Lock()
	d.pending[m.ID] = resolvedMarket{market: m, resolution: res}
	d.mu.Unlock()

	payload, _ := json.Marshal(settlePayload{MarketID: m.ID})
	if _, err := d.queue.Enqueue(&taskq.Task{
		Kind:     TaskKind,
		Payload:  payload,
		Priority: taskq.PriorityHigh,
	}); err != nil {
		d.logger.Error("settlement enqueue failed", "market", uint64(m.ID), "err", err)
	}
}

func (d *Dispatcher) handle(ctx context.Context, task *taskq.Task) error {
	var payload settlePayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return err
	}

	d.mu.Lock()
	rm, ok := d.pending[payload.MarketID]
	d.mu.Unlock()
	if !ok {
		return types.ErrUnknownMarket.Wrapf("market %d", payload.MarketID)
	}

	if _, err := d.settler.Settle(ctx, rm.market, rm.resolution); err != nil {
		return err
	}
	d.mu.Lock()
	delete(d.pending, payload.MarketID)
	d.mu.Unlock()
	return nil
}
