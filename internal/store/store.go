// Package store persists the immutable trade log and the settlement audit
// trail in Postgres.
package store

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS trades (
	id            BIGINT PRIMARY KEY,
	market_id     BIGINT      NOT NULL,
	outcome       INT         NOT NULL,
	buy_order_id  BIGINT      NOT NULL,
	sell_order_id BIGINT      NOT NULL,
	buyer         BIGINT      NOT NULL,
	seller        BIGINT      NOT NULL,
	taker_side    TEXT        NOT NULL,
	price         BIGINT      NOT NULL,
	size          BIGINT      NOT NULL,
	executed_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS trades_market_idx ON trades (market_id, executed_at);

CREATE TABLE IF NOT EXISTS settlement_audit (
	id         UUID PRIMARY KEY,
	market_id  BIGINT      NOT NULL,
	user_id    BIGINT      NOT NULL,
	outcome    INT         NOT NULL,
	shares     BIGINT      NOT NULL,
	amount     BIGINT      NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS settlement_audit_market_idx ON settlement_audit (market_id);
`

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// EnsureSchema creates the engine tables when missing.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	_, err := db.ExecContext(ctx, schema)
	return err
}
