package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/stockbot/internal/domain"
)

// QuoteHandler receives each decoded quote, typically the coordinator's
// OnPriceUpdate.
type QuoteHandler func(ctx context.Context, quote domain.Quote)

// EngineFeeder subscribes to the quotes channel and feeds each tick into the
// execution engine. Keeping the feed and the engine decoupled through the bus
// lets either side restart without the other noticing.
type EngineFeeder struct {
	bus     domain.SignalBus
	handler QuoteHandler
	logger  *slog.Logger
}

// NewEngineFeeder creates an EngineFeeder.
func NewEngineFeeder(bus domain.SignalBus, handler QuoteHandler, logger *slog.Logger) *EngineFeeder {
	return &EngineFeeder{
		bus:     bus,
		handler: handler,
		logger:  logger.With(slog.String("component", "engine_feeder")),
	}
}

// Run subscribes to the quotes channel and dispatches until ctx is cancelled.
func (f *EngineFeeder) Run(ctx context.Context) error {
	ch, err := f.bus.Subscribe(ctx, QuoteChannel)
	if err != nil {
		return err
	}
	f.logger.Info("engine feeder started")
	defer f.logger.Info("engine feeder stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			if err := f.handleMessage(ctx, data); err != nil {
				f.logger.Debug("engine feeder handle message failed",
					slog.String("error", err.Error()),
					slog.Int("payload_len", len(data)),
				)
			}
		}
	}
}

func (f *EngineFeeder) handleMessage(ctx context.Context, data []byte) error {
	var ev quoteEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	ticker := strings.TrimSpace(ev.Ticker)
	if ticker == "" {
		return nil
	}
	price, err := decimal.NewFromString(ev.Price)
	if err != nil {
		return err
	}

	at := time.Now()
	if ev.At != "" {
		if t, err := time.Parse(time.RFC3339Nano, ev.At); err == nil {
			at = t
		}
	}

	f.handler(ctx, domain.Quote{
		Ticker: ticker,
		Price:  price,
		Volume: ev.Volume,
		At:     at,
	})
	return nil
}
