package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/openalpha/prediction-engine/internal/settle"
	"github.com/openalpha/prediction-engine/internal/types"
)

// AuditRepository persists settlement audit records. It implements
// settle.AuditSink; conflicting IDs are ignored so settlement retries can
// replay the same batch.
type AuditRepository struct {
	db *sqlx.DB
}

// NewAuditRepository creates an AuditRepository.
func NewAuditRepository(db *sqlx.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append writes one batch of audit records.
func (r *AuditRepository) Append(ctx context.Context, records []settle.AuditRecord) error {
	if len(records) == 0 {
		return nil
	}
	query := `
		INSERT INTO settlement_audit
			(id, market_id, user_id, outcome, shares, amount, created_at)
		VALUES
			(:id, :market_id, :user_id, :outcome, :shares, :amount, :created_at)
		ON CONFLICT (id) DO NOTHING`
	if _, err := r.db.NamedExecContext(ctx, query, records); err != nil {
		return fmt.Errorf("audit_repo.Append: %w", err)
	}
	return nil
}

// GetByMarket returns a market's audit trail, oldest first.
func (r *AuditRepository) GetByMarket(ctx context.Context, marketID types.MarketID) ([]settle.AuditRecord, error) {
	var records []settle.AuditRecord
	err := r.db.SelectContext(ctx, &records,
		`SELECT * FROM settlement_audit WHERE market_id = $1 ORDER BY created_at ASC, id ASC`,
		uint64(marketID))
	if err != nil {
		return nil, fmt.Errorf("audit_repo.GetByMarket: %w", err)
	}
	return records, nil
}

// TotalPaid sums the amounts paid out for a market.
func (r *AuditRepository) TotalPaid(ctx context.Context, marketID types.MarketID) (int64, error) {
	var total int64
	err := r.db.GetContext(ctx, &total,
		`SELECT COALESCE(SUM(amount), 0) FROM settlement_audit WHERE market_id = $1`,
		uint64(marketID))
	if err != nil {
		return 0, fmt.Errorf("audit_repo.TotalPaid: %w", err)
	}
	return total, nil
}
