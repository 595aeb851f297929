// Package recorder writes completed settlements into the platform's
// financial transaction ledger in postgres.
package recorder

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"bourse/domain/settlement"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(ctx context.Context, dsn string) (*Repository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse pgx config")
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "create pgx pool")
	}
	return &Repository{pool: pool}, nil
}

func (r *Repository) Close() {
	if r == nil || r.pool == nil {
		return
	}
	r.pool.Close()
}

// Re-recording a trade is a no-op so settlement retries stay idempotent.
const insertTransactionQuery = `
	INSERT INTO financial_transactions
		(trade_id, user_id, kind, asset_id, quantity, price, amount, fee, ledger_tx_ref, payment_tx_ref, settled_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	ON CONFLICT (trade_id, user_id, kind) DO NOTHING`

// Record writes all entries of one settlement in a single round trip.
func (r *Repository) Record(ctx context.Context, recs []settlement.TransactionRecord) error {
	if len(recs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, rec := range recs {
		batch.Queue(insertTransactionQuery,
			rec.TradeID,
			rec.UserID,
			string(rec.Kind),
			rec.AssetID,
			rec.Quantity,
			rec.Price.String(),
			rec.Amount.String(),
			rec.Fee.String(),
			rec.LedgerTxRef,
			rec.PaymentTxRef,
			rec.SettledAt,
		)
	}
	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return errors.Wrapf(err, "record transactions for trade %s", recs[0].TradeID)
	}
	return nil
}
