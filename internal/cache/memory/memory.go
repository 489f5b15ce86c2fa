// Package memory provides in-process fallbacks for the Redis-backed price
// cache and signal bus. They are wired when redis.enabled is false so a
// single-instance deployment needs no external services.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/stockbot/internal/domain"
)

// PriceCache keeps the latest quote per ticker in a map.
type PriceCache struct {
	mu     sync.RWMutex
	quotes map[string]cachedQuote
}

type cachedQuote struct {
	price decimal.Decimal
	ts    time.Time
}

// NewPriceCache creates an empty in-process price cache.
func NewPriceCache() *PriceCache {
	return &PriceCache{quotes: make(map[string]cachedQuote)}
}

func (pc *PriceCache) SetPrice(_ context.Context, ticker string, price decimal.Decimal, ts time.Time) error {
	pc.mu.Lock()
	pc.quotes[ticker] = cachedQuote{price: price, ts: ts}
	pc.mu.Unlock()
	return nil
}

func (pc *PriceCache) GetPrice(_ context.Context, ticker string) (decimal.Decimal, time.Time, error) {
	pc.mu.RLock()
	q, ok := pc.quotes[ticker]
	pc.mu.RUnlock()
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	return q.price, q.ts, nil
}

func (pc *PriceCache) GetPrices(_ context.Context, tickers []string) (map[string]decimal.Decimal, error) {
	pc.mu.RLock()
	defer pc.mu.RUnlock()

	out := make(map[string]decimal.Decimal, len(tickers))
	for _, t := range tickers {
		if q, ok := pc.quotes[t]; ok {
			out[t] = q.price
		}
	}
	return out, nil
}

// SignalBus is an in-process pub/sub bus. Subscribers get a buffered channel;
// slow subscribers drop messages rather than block publishers, matching the
// fire-and-forget semantics of Redis pub/sub.
type SignalBus struct {
	mu   sync.Mutex
	subs map[string][]chan []byte
}

// NewSignalBus creates an empty in-process signal bus.
func NewSignalBus() *SignalBus {
	return &SignalBus{subs: make(map[string][]chan []byte)}
}

func (sb *SignalBus) Publish(_ context.Context, channel string, payload []byte) error {
	sb.mu.Lock()
	subs := make([]chan []byte, len(sb.subs[channel]))
	copy(subs, sb.subs[channel])
	sb.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

func (sb *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 128)

	sb.mu.Lock()
	sb.subs[channel] = append(sb.subs[channel], ch)
	sb.mu.Unlock()

	go func() {
		<-ctx.Done()

		sb.mu.Lock()
		list := sb.subs[channel]
		for i, c := range list {
			if c == ch {
				sb.subs[channel] = append(list[:i], list[i+1:]...)
				break
			}
		}
		sb.mu.Unlock()
		close(ch)
	}()

	return ch, nil
}

// Compile-time interface checks.
var (
	_ domain.PriceCache = (*PriceCache)(nil)
	_ domain.SignalBus  = (*SignalBus)(nil)
)
