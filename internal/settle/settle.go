// Package settle finalises resolved markets: it drives the ledger payout,
// records an immutable audit trail and guarantees idempotence per
// (market, user).
package settle

import (
	"context"
	"sync"
	"time"

	"cosmossdk.io/log"
	"github.com/google/uuid"

	"github.com/openalpha/prediction-engine/internal/ledger"
	"github.com/openalpha/prediction-engine/internal/types"
)

// AuditRecord is one immutable settlement payout entry.
type AuditRecord struct {
	ID        string         `db:"id"`
	MarketID  types.MarketID `db:"market_id"`
	UserID    types.UserID   `db:"user_id"`
	Outcome   int            `db:"outcome"`
	Shares    int64          `db:"shares"`
	Amount    int64          `db:"amount"`
	CreatedAt time.Time      `db:"created_at"`
}

// AuditSink persists audit records. Implementations must tolerate replays
// of the same record ID.
type AuditSink interface {
	Append(ctx context.Context, records []AuditRecord) error
}

// Config tunes the settler.
type Config struct {
	BatchSize int // audit records flushed per sink call
}

// Result summarises one settlement run.
type Result struct {
	MarketID types.MarketID
	Payouts  int
	Total    int64 // ticks paid out
	Noop     bool  // market was already settled
}

// Settler pays out resolved markets. Safe for concurrent use; a market is
// settled at most once even under concurrent Settle calls.
type Settler struct {
	cfg    Config
	ledger *ledger.Ledger
	sink   AuditSink
	logger log.Logger
	now    func() time.Time

	mu      sync.Mutex
	done    map[types.MarketID][]AuditRecord // completed markets and their audit trail
	pending map[types.MarketID][]AuditRecord // paid out but audit not yet flushed
}

// New creates a settler. sink may be nil when no audit persistence is
// configured; the in-memory trail is kept either way.
func New(cfg Config, l *ledger.Ledger, sink AuditSink, logger log.Logger) *Settler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Settler{
		cfg:     cfg,
		ledger:  l,
		sink:    sink,
		logger:  logger.With("module", "settle"),
		now:     time.Now,
		done:    make(map[types.MarketID][]AuditRecord),
		pending: make(map[types.MarketID][]AuditRecord),
	}
}

// Settle applies the market's resolution through the ledger and writes one
// audit record per payout. Re-running a completed settlement is a no-op.
func (s *Settler) Settle(ctx context.Context, m *types.Market, res *types.Resolution) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.done[m.ID]; ok {
		return &Result{MarketID: m.ID, Noop: true}, nil
	}

	// A previous run may have paid out but failed to flush the audit trail;
	// reuse its records instead of minting new IDs.
	records, replay := s.pending[m.ID]
	if !replay {
		payouts, err := s.ledger.ApplyResolution(m, res)
		if err != nil {
			return nil, err
		}
		now := s.now()
		records = make([]AuditRecord, 0, len(payouts))
		for _, p := range payouts {
			records = append(records, AuditRecord{
				ID:        uuid.NewString(),
				MarketID:  p.MarketID,
				UserID:    p.UserID,
				Outcome:   p.Outcome,
				Shares:    p.Shares,
				Amount:    p.Amount,
				CreatedAt: now,
			})
		}
		s.pending[m.ID] = records
	}

	result := &Result{MarketID: m.ID, Payouts: len(records)}
	for _, rec := range records {
		result.Total += rec.Amount
	}

	if s.sink != nil {
		for start := 0; start < len(records); start += s.cfg.BatchSize {
			end := start + s.cfg.BatchSize
			if end > len(records) {
				end = len(records)
			}
			if err := s.sink.Append(ctx, records[start:end]); err != nil {
				return nil, err
			}
		}
	}

	delete(s.pending, m.ID)
	s.done[m.ID] = records
	s.logger.Info("market settled",
		"market", uint64(m.ID), "payouts", result.Payouts, "total", result.Total)
	return result, nil
}

// AuditTrail returns the audit records of a settled market, or nil.
func (s *Settler) AuditTrail(market types.MarketID) []AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done[market]
}

// Settled reports whether the market completed settlement.
func (s *Settler) Settled(market types.MarketID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.done[market]
	return ok
}
