package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/stockbot/internal/domain"
)

// PriceCache implements domain.PriceCache using Redis hashes.
// Each ticker's latest quote is stored as a hash at key "quote:{ticker}" with
// fields "price" and "ts" (Unix nanosecond timestamp).
type PriceCache struct {
	rdb *redis.Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying()}
}

func quoteKey(ticker string) string {
	return "quote:" + ticker
}

// SetPrice stores the latest price and timestamp for a ticker.
func (pc *PriceCache) SetPrice(ctx context.Context, ticker string, price decimal.Decimal, ts time.Time) error {
	key := quoteKey(ticker)
	fields := map[string]interface{}{
		"price": price.String(),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	}
	if err := pc.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("redis: set price %s: %w", ticker, err)
	}
	return nil
}

// GetPrice retrieves the latest price and timestamp for a ticker.
// It returns domain.ErrNotFound when no quote has been cached yet.
func (pc *PriceCache) GetPrice(ctx context.Context, ticker string) (decimal.Decimal, time.Time, error) {
	key := quoteKey(ticker)
	vals, err := pc.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: get price %s: %w", ticker, err)
	}
	if len(vals) == 0 {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}

	priceStr, ok := vals["price"]
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: parse price %s: %w", ticker, err)
	}

	tsStr, ok := vals["ts"]
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: parse ts %s: %w", ticker, err)
	}

	return price, time.Unix(0, tsNano), nil
}

// GetPrices retrieves the latest prices for multiple tickers using a pipeline.
// Tickers with no cached quote are silently omitted from the result map.
func (pc *PriceCache) GetPrices(ctx context.Context, tickers []string) (map[string]decimal.Decimal, error) {
	if len(tickers) == 0 {
		return map[string]decimal.Decimal{}, nil
	}

	pipe := pc.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(tickers))
	for _, t := range tickers {
		cmds[t] = pipe.HGetAll(ctx, quoteKey(t))
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get prices pipeline: %w", err)
	}

	result := make(map[string]decimal.Decimal, len(tickers))
	for t, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		priceStr, ok := vals["price"]
		if !ok {
			continue
		}
		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			continue
		}
		result[t] = price
	}

	return result, nil
}

// Compile-time interface check.
var _ domain.PriceCache = (*PriceCache)(nil)
