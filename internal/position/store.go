// Package position implements the concurrency-safe table of open positions.
// The store is the single writer for position state: fills, tier marks, and
// trailing-high updates all go through it, and every mutation is followed by
// a durable write of the full table through the configured repository.
package position

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/stockbot/internal/domain"
	"github.com/alanyoungcy/stockbot/internal/metrics"
)

// Store is a mutex-guarded position table backed by a PositionRepository.
// All operations are serialized; callers never observe a half-applied
// mutation and never receive live aliased structures.
type Store struct {
	mu        sync.Mutex
	positions map[string]domain.Position
	repo      domain.PositionRepository
	logger    *slog.Logger

	// onRemove is invoked (outside the lock) after a position is deleted so
	// the feed can tear down the ticker's real-time subscription.
	onRemove func(ticker string)
}

// NewStore creates an empty Store persisting through repo.
func NewStore(repo domain.PositionRepository, logger *slog.Logger) *Store {
	return &Store{
		positions: make(map[string]domain.Position),
		repo:      repo,
		logger:    logger.With(slog.String("component", "position_store")),
	}
}

// SetRemoveHook registers the callback fired after a position is removed.
// Must be called before the engine starts.
func (s *Store) SetRemoveHook(fn func(ticker string)) {
	s.onRemove = fn
}

// Load replaces the in-memory table with the persisted one. A repository
// failure degrades to an empty table with a warning; a corrupt snapshot must
// not keep the bot from starting.
func (s *Store) Load(ctx context.Context) error {
	loaded, err := s.repo.Load(ctx)
	if err != nil {
		s.logger.Warn("loading persisted positions failed, starting empty",
			slog.String("error", err.Error()),
		)
		loaded = nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions = make(map[string]domain.Position, len(loaded))
	for _, p := range loaded {
		if p.Ticker == "" || p.Quantity <= 0 {
			continue
		}
		s.positions[p.Ticker] = normalize(p)
	}
	metrics.OpenPositions.Set(float64(len(s.positions)))
	s.logger.Info("positions loaded", slog.Int("count", len(s.positions)))
	return nil
}

// UpsertFromFill applies one confirmed execution report. Buys create or grow
// a position and recompute the weighted-average purchase price; sells shrink
// it to the broker's reported total quantity and delete it at zero. The
// returned snapshot reflects the state after the fill; removed reports
// whether the position was deleted.
func (s *Store) UpsertFromFill(ctx context.Context, report domain.ExecutionReport) (pos domain.Position, removed bool, err error) {
	s.mu.Lock()

	current, exists := s.positions[report.Ticker]

	switch report.Side {
	case domain.OrderSideBuy:
		fillCost := report.FilledPrice.Mul(decimal.NewFromInt(report.FilledQty))
		if !exists {
			current = domain.Position{
				Ticker:       report.Ticker,
				Name:         report.Name,
				Quantity:     report.FilledQty,
				AvgPrice:     report.FilledPrice,
				TotalCost:    fillCost,
				BoughtAt:     report.At,
				Tier:         domain.TierNone,
				TrailingHigh: report.FilledPrice,
			}
		} else {
			newQty := current.Quantity + report.FilledQty
			current.TotalCost = current.TotalCost.Add(fillCost)
			current.AvgPrice = current.TotalCost.Div(decimal.NewFromInt(newQty))
			current.Quantity = newQty
			if report.Name != "" {
				current.Name = report.Name
			}
		}
		if report.TotalQty > 0 && report.TotalQty != current.Quantity {
			s.logger.Warn("fill total diverges from local quantity, trusting broker",
				slog.String("ticker", report.Ticker),
				slog.Int64("local", current.Quantity),
				slog.Int64("broker", report.TotalQty),
			)
			current.Quantity = report.TotalQty
			current.TotalCost = current.AvgPrice.Mul(decimal.NewFromInt(current.Quantity))
		}
		current = normalize(current)
		s.positions[report.Ticker] = current

	case domain.OrderSideSell:
		if !exists {
			s.mu.Unlock()
			return domain.Position{}, false, fmt.Errorf("position: sell fill for unknown ticker %s: %w", report.Ticker, domain.ErrNotFound)
		}
		if report.TotalQty <= 0 {
			delete(s.positions, report.Ticker)
			current.Quantity = 0
			removed = true
		} else {
			current.Quantity = report.TotalQty
			current.TotalCost = current.AvgPrice.Mul(decimal.NewFromInt(report.TotalQty))
			s.positions[report.Ticker] = current
		}

	default:
		s.mu.Unlock()
		return domain.Position{}, false, fmt.Errorf("position: fill with unknown side %q", report.Side)
	}

	metrics.OpenPositions.Set(float64(len(s.positions)))
	err = s.persistLocked(ctx)
	s.mu.Unlock()

	if removed && s.onRemove != nil {
		s.onRemove(report.Ticker)
	}
	return current, removed, err
}

// Get returns a copy of the position for ticker.
func (s *Store) Get(ticker string) (domain.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[ticker]
	return p, ok
}

// SnapshotAll returns a defensive copy of every open position ordered by
// ticker, safe to iterate while other workers mutate the store.
func (s *Store) SnapshotAll() []domain.Position {
	s.mu.Lock()
	out := make([]domain.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out
}

// Remove deletes a position outright (confirmed full exit) and fires the
// unsubscribe hook.
func (s *Store) Remove(ctx context.Context, ticker string) error {
	s.mu.Lock()
	if _, ok := s.positions[ticker]; !ok {
		s.mu.Unlock()
		return domain.ErrNotFound
	}
	delete(s.positions, ticker)
	metrics.OpenPositions.Set(float64(len(s.positions)))
	err := s.persistLocked(ctx)
	s.mu.Unlock()

	if s.onRemove != nil {
		s.onRemove(ticker)
	}
	return err
}

// Reconcile replaces the table with the broker's authoritative holdings,
// preserving locally known lifecycle metadata (buy time, exit tier, trailing
// high) for tickers present both before and after. A position mid-exit must
// not lose its tier across a restart.
func (s *Store) Reconcile(ctx context.Context, holdings []domain.Holding) error {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]domain.Position, len(holdings))
	for _, h := range holdings {
		if h.Ticker == "" || h.Quantity <= 0 {
			continue
		}
		p := domain.Position{
			Ticker:       h.Ticker,
			Name:         h.Name,
			Quantity:     h.Quantity,
			AvgPrice:     h.AvgPrice,
			TotalCost:    h.AvgPrice.Mul(decimal.NewFromInt(h.Quantity)),
			BoughtAt:     now,
			Tier:         domain.TierNone,
			TrailingHigh: h.AvgPrice,
		}
		if prev, ok := s.positions[h.Ticker]; ok {
			p.BoughtAt = prev.BoughtAt
			p.Tier = prev.Tier
			p.TrailingHigh = prev.TrailingHigh
			if prev.Name != "" && p.Name == "" {
				p.Name = prev.Name
			}
		}
		next[h.Ticker] = normalize(p)
	}

	dropped := 0
	for ticker := range s.positions {
		if _, ok := next[ticker]; !ok {
			dropped++
		}
	}
	s.positions = next
	metrics.OpenPositions.Set(float64(len(s.positions)))
	s.logger.Info("positions reconciled with broker holdings",
		slog.Int("count", len(next)),
		slog.Int("dropped", dropped),
	)
	return s.persistLocked(ctx)
}

// SetTier advances a position's exit tier. Tiers are monotonic; an attempt
// to move backwards is ignored.
func (s *Store) SetTier(ctx context.Context, ticker string, tier domain.ExitTier) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[ticker]
	if !ok {
		return domain.ErrNotFound
	}
	if !p.Tier.Before(tier) {
		return nil
	}
	p.Tier = tier
	s.positions[ticker] = p
	return s.persistLocked(ctx)
}

// MarkTrailingHigh raises the trailing high to price when it is a new high.
// Returns true when the high moved.
func (s *Store) MarkTrailingHigh(ctx context.Context, ticker string, price decimal.Decimal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[ticker]
	if !ok {
		return false, domain.ErrNotFound
	}
	if price.LessThanOrEqual(p.TrailingHigh) {
		return false, nil
	}
	p.TrailingHigh = price
	s.positions[ticker] = p
	return true, s.persistLocked(ctx)
}

// persistLocked writes the full table through the repository. Called with
// the store lock held so writes land in mutation order.
func (s *Store) persistLocked(ctx context.Context) error {
	out := make([]domain.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })

	if err := s.repo.Save(ctx, out); err != nil {
		s.logger.Error("persisting positions failed",
			slog.Int("count", len(out)),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("position: persist: %w", err)
	}
	return nil
}

// normalize repairs derived fields so the table invariants hold: the
// trailing high never sits below the average purchase price, and tiers
// default to none.
func normalize(p domain.Position) domain.Position {
	if p.Tier == "" {
		p.Tier = domain.TierNone
	}
	if p.TrailingHigh.LessThan(p.AvgPrice) {
		p.TrailingHigh = p.AvgPrice
	}
	if p.TotalCost.IsZero() && p.Quantity > 0 {
		p.TotalCost = p.AvgPrice.Mul(decimal.NewFromInt(p.Quantity))
	}
	return p
}
