// Package policy implements the per-position exit state machine. Given a
// position and a price, it decides whether to hold, take half off, or close
// out entirely, driving the tier progression none -> half_exited -> closed.
package policy

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/stockbot/internal/domain"
)

// Exit reasons attached to decisions and exit orders.
const (
	ReasonStopLoss     = "stop-loss"
	ReasonTakeProfit   = "take-profit"
	ReasonTrailingStop = "trailing-stop"
	ReasonMaxHold      = "max-hold"
	ReasonMarketClose  = "market-close"
)

// Action is what the engine wants done with a position this tick.
type Action string

const (
	ActionHold        Action = "hold"
	ActionPartialExit Action = "partial_exit"
	ActionFullExit    Action = "full_exit"
)

// Params are the externally supplied exit thresholds. Percent values follow
// pnl sign conventions: TakeProfitPct and TrailStopPct are positive,
// StopLossPct is negative (-2 means exit at a 2% loss).
type Params struct {
	TakeProfitPct float64
	TrailStopPct  float64
	StopLossPct   float64
	MaxHold       time.Duration
	// CloseFrom/CloseUntil bound the daily forced-liquidation window in
	// minutes since midnight exchange time (e.g. 910..930 for 15:10-15:30).
	CloseFrom  int
	CloseUntil int
	// LotSize is the order quantity granularity; partial exits are floored
	// to a multiple of it.
	LotSize int64
}

// Validate rejects parameter sets that could never fire or fire instantly.
func (p Params) Validate() error {
	if p.TakeProfitPct <= 0 {
		return fmt.Errorf("policy: take profit pct must be positive, got %v", p.TakeProfitPct)
	}
	if p.TrailStopPct <= 0 {
		return fmt.Errorf("policy: trail stop pct must be positive, got %v", p.TrailStopPct)
	}
	if p.StopLossPct >= 0 {
		return fmt.Errorf("policy: stop loss pct must be negative, got %v", p.StopLossPct)
	}
	if p.LotSize < 1 {
		return fmt.Errorf("policy: lot size must be at least 1, got %d", p.LotSize)
	}
	if p.CloseFrom < 0 || p.CloseUntil > 24*60 || p.CloseFrom > p.CloseUntil {
		return fmt.Errorf("policy: close window %d..%d is invalid", p.CloseFrom, p.CloseUntil)
	}
	return nil
}

// Decision is the outcome of one evaluation. TrailingHigh always carries the
// refreshed high-water price (never lower than the position's), regardless
// of the action; the coordinator persists it before acting.
type Decision struct {
	Action       Action
	Quantity     int64
	Reason       string
	NextTier     domain.ExitTier
	TrailingHigh decimal.Decimal
}

// Engine evaluates positions against the configured thresholds. Params may
// be swapped at runtime; reads and updates are serialized.
type Engine struct {
	mu     sync.RWMutex
	params Params
	logger *slog.Logger
}

// NewEngine creates an Engine with the given parameters.
func NewEngine(params Params, logger *slog.Logger) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		params: params,
		logger: logger.With(slog.String("component", "exit_policy")),
	}, nil
}

// Params returns the current parameter set.
func (e *Engine) Params() Params {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.params
}

// UpdateParams replaces the parameter set after validation.
func (e *Engine) UpdateParams(params Params) error {
	if err := params.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.params = params
	e.mu.Unlock()
	e.logger.Info("exit policy parameters updated",
		slog.Float64("take_profit_pct", params.TakeProfitPct),
		slog.Float64("trail_stop_pct", params.TrailStopPct),
		slog.Float64("stop_loss_pct", params.StopLossPct),
	)
	return nil
}

// Evaluate runs the exit rules for one position at one price. At most one
// action is emitted per tick. Rule precedence: the forced close-of-day
// liquidation overrides everything, the stop-loss preempts both profit
// rules, then first-tier take-profit, second-tier trailing stop, and the
// time stop. The trailing high is refreshed before any rule so target exits
// always see the freshest high.
func (e *Engine) Evaluate(pos domain.Position, price decimal.Decimal, now time.Time) Decision {
	e.mu.RLock()
	p := e.params
	e.mu.RUnlock()

	high := pos.TrailingHigh
	if price.GreaterThan(high) {
		high = price
	}
	hold := Decision{Action: ActionHold, NextTier: pos.Tier, TrailingHigh: high}

	if pos.Quantity <= 0 {
		return hold
	}

	if p.inCloseWindow(now) {
		return Decision{
			Action:       ActionFullExit,
			Quantity:     pos.Quantity,
			Reason:       ReasonMarketClose,
			NextTier:     domain.TierClosed,
			TrailingHigh: high,
		}
	}

	pnl := pos.PnLPct(price)

	if pnl.LessThanOrEqual(decimal.NewFromFloat(p.StopLossPct)) {
		return Decision{
			Action:       ActionFullExit,
			Quantity:     pos.Quantity,
			Reason:       ReasonStopLoss,
			NextTier:     domain.TierClosed,
			TrailingHigh: high,
		}
	}

	if pos.Tier == domain.TierNone && pnl.GreaterThanOrEqual(decimal.NewFromFloat(p.TakeProfitPct)) {
		half := pos.Quantity / 2 / p.LotSize * p.LotSize
		if half <= 0 {
			// Lot rounding leaves nothing to sell; stay in tier none and let
			// a later rule close the full quantity.
			e.logger.Info("first-tier target hit but half quantity rounds to zero",
				slog.String("ticker", pos.Ticker),
				slog.Int64("quantity", pos.Quantity),
				slog.Int64("lot_size", p.LotSize),
			)
		} else {
			return Decision{
				Action:       ActionPartialExit,
				Quantity:     half,
				Reason:       ReasonTakeProfit,
				NextTier:     domain.TierHalfExited,
				TrailingHigh: high,
			}
		}
	}

	if pos.Tier == domain.TierHalfExited {
		drawdown := high.Sub(price).Div(high).Mul(decimal.NewFromInt(100))
		if drawdown.GreaterThanOrEqual(decimal.NewFromFloat(p.TrailStopPct)) {
			return Decision{
				Action:       ActionFullExit,
				Quantity:     pos.Quantity,
				Reason:       ReasonTrailingStop,
				NextTier:     domain.TierClosed,
				TrailingHigh: high,
			}
		}
	}

	if p.MaxHold > 0 && pos.HeldFor(now) >= p.MaxHold {
		return Decision{
			Action:       ActionFullExit,
			Quantity:     pos.Quantity,
			Reason:       ReasonMaxHold,
			NextTier:     domain.TierClosed,
			TrailingHigh: high,
		}
	}

	return hold
}

// inCloseWindow reports whether now falls inside the daily forced
// liquidation window.
func (p Params) inCloseWindow(now time.Time) bool {
	if p.CloseFrom == 0 && p.CloseUntil == 0 {
		return false
	}
	minute := now.Hour()*60 + now.Minute()
	return minute >= p.CloseFrom && minute < p.CloseUntil
}
