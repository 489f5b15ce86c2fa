// Package domain defines the core types and interfaces shared across the
// stockbot trading engine: positions, orders, broker frames, caches, and
// persistence ports. Concrete implementations live in their own packages.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExitTier is the stage of a position's exit lifecycle. Tiers are ordered and
// never regress: none -> half_exited -> closed.
type ExitTier string

const (
	TierNone       ExitTier = "none"
	TierHalfExited ExitTier = "half_exited"
	TierClosed     ExitTier = "closed"
)

// rank maps tiers to their ordering for monotonicity checks.
func (t ExitTier) rank() int {
	switch t {
	case TierHalfExited:
		return 1
	case TierClosed:
		return 2
	default:
		return 0
	}
}

// Before reports whether t is an earlier lifecycle stage than other.
func (t ExitTier) Before(other ExitTier) bool {
	return t.rank() < other.rank()
}

// Position is an open holding keyed by ticker. Quantity zero is never stored;
// a position whose quantity reaches zero is removed from the store.
type Position struct {
	Ticker       string          `json:"ticker"`
	Name         string          `json:"name"`
	Quantity     int64           `json:"quantity"`
	AvgPrice     decimal.Decimal `json:"avg_price"`
	TotalCost    decimal.Decimal `json:"total_cost"`
	BoughtAt     time.Time       `json:"bought_at"`
	Tier         ExitTier        `json:"tier"`
	TrailingHigh decimal.Decimal `json:"trailing_high"`
}

// PnLPct returns the unrealized profit/loss at price as a percentage of the
// average purchase price (+2.5 means +2.5%).
func (p Position) PnLPct(price decimal.Decimal) decimal.Decimal {
	if p.AvgPrice.IsZero() {
		return decimal.Zero
	}
	return price.Sub(p.AvgPrice).Div(p.AvgPrice).Mul(decimal.NewFromInt(100))
}

// DrawdownPct returns the decline from the trailing high at price as a
// positive percentage (3 means the price is 3% below the trailing high).
func (p Position) DrawdownPct(price decimal.Decimal) decimal.Decimal {
	if p.TrailingHigh.IsZero() {
		return decimal.Zero
	}
	return p.TrailingHigh.Sub(price).Div(p.TrailingHigh).Mul(decimal.NewFromInt(100))
}

// HeldFor returns how long the position has been open as of now.
func (p Position) HeldFor(now time.Time) time.Duration {
	if p.BoughtAt.IsZero() {
		return 0
	}
	return now.Sub(p.BoughtAt)
}
