package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openalpha/prediction-engine/internal/types"
)

// TradeRepository is the append-only trade log.
type TradeRepository struct {
	db *sqlx.DB
}

// NewTradeRepository creates a TradeRepository.
func NewTradeRepository(db *sqlx.DB) *TradeRepository {
	return &TradeRepository{db: db}
}

type tradeRow struct {
	ID          uint64    `db:"id"`
	MarketID    uint64    `db:"market_id"`
	Outcome     int       `db:"outcome"`
	BuyOrderID  uint64    `db:"buy_order_id"`
	SellOrderID uint64    `db:"sell_order_id"`
	Buyer       uint64    `db:"buyer"`
	Seller      uint64    `db:"seller"`
	TakerSide   string    `db:"taker_side"`
	Price       int64     `db:"price"`
	Size        int64     `db:"size"`
	ExecutedAt  time.Time `db:"executed_at"`
}

func toRow(t *types.Trade) tradeRow {
	return tradeRow{
		ID:          uint64(t.ID),
		MarketID:    uint64(t.MarketID),
		Outcome:     t.Outcome,
		BuyOrderID:  uint64(t.BuyOrderID),
		SellOrderID: uint64(t.SellOrderID),
		Buyer:       uint64(t.Buyer),
		Seller:      uint64(t.Seller),
		TakerSide:   t.TakerSide.String(),
		Price:       t.Price,
		Size:        t.Size,
		ExecutedAt:  t.Timestamp,
	}
}

func (r tradeRow) toTrade() types.Trade {
	side := types.SideSell
	if r.TakerSide == types.SideBuy.String() {
		side = types.SideBuy
	}
	return types.Trade{
		ID:          types.TradeID(r.ID),
		MarketID:    types.MarketID(r.MarketID),
		Outcome:     r.Outcome,
		BuyOrderID:  types.OrderID(r.BuyOrderID),
		SellOrderID: types.OrderID(r.SellOrderID),
		Buyer:       types.UserID(r.Buyer),
		Seller:      types.UserID(r.Seller),
		TakerSide:   side,
		Price:       r.Price,
		Size:        r.Size,
		Timestamp:   r.ExecutedAt,
	}
}

// InsertBatch appends trades to the log. Replayed trade IDs are ignored so
// recovery can re-run safely.
func (r *TradeRepository) InsertBatch(ctx context.Context, trades []types.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	rows := make([]tradeRow, len(trades))
	for i := range trades {
		rows[i] = toRow(&trades[i])
	}
	query := `
		INSERT INTO trades
			(id, market_id, outcome, buy_order_id, sell_order_id, buyer, seller, taker_side, price, size, executed_at)
		VALUES
			(:id, :market_id, :outcome, :buy_order_id, :sell_order_id, :buyer, :seller, :taker_side, :price, :size, :executed_at)
		ON CONFLICT (id) DO NOTHING`
	if _, err := r.db.NamedExecContext(ctx, query, rows); err != nil {
		return fmt.Errorf("trade_repo.InsertBatch: %w", err)
	}
	return nil
}

// GetByMarket returns a market's trades, oldest first, paginated.
func (r *TradeRepository) GetByMarket(ctx context.Context, marketID types.MarketID, limit, offset int) ([]types.Trade, error) {
	var rows []tradeRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT * FROM trades WHERE market_id = $1 ORDER BY executed_at ASC, id ASC LIMIT $2 OFFSET $3`,
		uint64(marketID), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("trade_repo.GetByMarket: %w", err)
	}
	trades := make([]types.Trade, len(rows))
	for i, row := range rows {
		trades[i] = row.toTrade()
	}
	return trades, nil
}

// VolumeByMarket sums traded shares for a market.
func (r *TradeRepository) VolumeByMarket(ctx context.Context, marketID types.MarketID) (int64, error) {
	var total int64
	err := r.db.GetContext(ctx, &total,
		`SELECT COALESCE(SUM(size), 0) FROM trades WHERE market_id = $1`, uint64(marketID))
	if err != nil {
		return 0, fmt.Errorf("trade_repo.VolumeByMarket: %w", err)
	}
	return total, nil
}
