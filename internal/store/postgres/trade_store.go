package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/stockbot/internal/domain"
)

// TradeStore implements domain.TradeJournal using PostgreSQL.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

// Record inserts one confirmed fill.
func (s *TradeStore) Record(ctx context.Context, rec domain.TradeRecord) error {
	const query = `
		INSERT INTO trades (
			id, order_id, ticker, name, side, quantity, price, reason, position_qty, executed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.pool.Exec(ctx, query,
		rec.ID, rec.OrderID, rec.Ticker, rec.Name,
		string(rec.Side), rec.Quantity, rec.Price,
		rec.Reason, rec.PositionQty, rec.At,
	)
	if err != nil {
		return fmt.Errorf("postgres: record trade %s: %w", rec.ID, err)
	}
	return nil
}

// ListBefore returns all trades executed strictly before the cutoff, oldest
// first. Used by the archiver.
func (s *TradeStore) ListBefore(ctx context.Context, before time.Time) ([]domain.TradeRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, order_id, ticker, name, side, quantity, price, reason, position_qty, executed_at
		FROM trades
		WHERE executed_at < $1
		ORDER BY executed_at`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades before %s: %w", before.Format(time.RFC3339), err)
	}
	defer rows.Close()

	var records []domain.TradeRecord
	for rows.Next() {
		var rec domain.TradeRecord
		var side string
		if err := rows.Scan(
			&rec.ID, &rec.OrderID, &rec.Ticker, &rec.Name,
			&side, &rec.Quantity, &rec.Price,
			&rec.Reason, &rec.PositionQty, &rec.At,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan trade: %w", err)
		}
		rec.Side = domain.OrderSide(side)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list trades: %w", err)
	}
	return records, nil
}

// Compile-time interface check.
var _ domain.TradeJournal = (*TradeStore)(nil)
