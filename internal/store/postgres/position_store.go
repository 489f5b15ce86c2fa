package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/stockbot/internal/domain"
)

// PositionStore implements domain.PositionRepository using PostgreSQL. The
// position table mirrors the in-memory store: Save replaces the whole table
// in one transaction so the durable copy is always a consistent snapshot.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

// Load returns every persisted position.
func (s *PositionStore) Load(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ticker, name, quantity, avg_price, total_cost, trailing_high, bought_at, tier
		FROM positions
		ORDER BY ticker`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		var p domain.Position
		var tier string
		if err := rows.Scan(
			&p.Ticker, &p.Name, &p.Quantity,
			&p.AvgPrice, &p.TotalCost, &p.TrailingHigh,
			&p.BoughtAt, &tier,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		p.Tier = domain.ExitTier(tier)
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: load positions: %w", err)
	}
	return positions, nil
}

// Save replaces the persisted table with the given snapshot.
func (s *PositionStore) Save(ctx context.Context, positions []domain.Position) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: save positions: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM positions`); err != nil {
		return fmt.Errorf("postgres: save positions: clear: %w", err)
	}

	const insert = `
		INSERT INTO positions (
			ticker, name, quantity, avg_price, total_cost, trailing_high, bought_at, tier, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())`
	for _, p := range positions {
		if _, err := tx.Exec(ctx, insert,
			p.Ticker, p.Name, p.Quantity,
			p.AvgPrice, p.TotalCost, p.TrailingHigh,
			p.BoughtAt, string(p.Tier),
		); err != nil {
			return fmt.Errorf("postgres: save position %s: %w", p.Ticker, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: save positions: commit: %w", err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.PositionRepository = (*PositionStore)(nil)
