package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PriceCache provides fast access to the latest quote per ticker.
type PriceCache interface {
	SetPrice(ctx context.Context, ticker string, price decimal.Decimal, ts time.Time) error
	// GetPrice returns ErrNotFound when no quote has been cached yet.
	GetPrice(ctx context.Context, ticker string) (decimal.Decimal, time.Time, error)
	GetPrices(ctx context.Context, tickers []string) (map[string]decimal.Decimal, error)
}

// RateLimiter provides distributed rate limiting for broker call classes.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager provides distributed locking. Acquire returns an unlock
// function on success, or ErrLockHeld when another holder owns the lock.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// SignalBus provides pub/sub messaging between the feed and the engine.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns a channel of raw payloads that is closed when ctx is
	// cancelled.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}
