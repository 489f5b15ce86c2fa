// Package engine ties the position store, exit policy, and broker gateway
// together. The coordinator evaluates every open position on price updates
// and on a periodic monitor pass, submits exit orders, and applies confirmed
// fills from the execution-report stream.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/stockbot/internal/domain"
	"github.com/alanyoungcy/stockbot/internal/metrics"
	"github.com/alanyoungcy/stockbot/internal/policy"
	"github.com/alanyoungcy/stockbot/internal/position"
)

// OrderBroker is the slice of the broker client the coordinator uses.
type OrderBroker interface {
	SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderAck, error)
	QueryAccount(ctx context.Context) (domain.AccountSnapshot, error)
}

// Notifier delivers user-facing trading events. Failures are logged and
// never block the engine.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config holds the coordinator's loop timings.
type Config struct {
	// MonitorInterval is the cadence of the periodic position sweep.
	MonitorInterval time.Duration
	// PendingTTL bounds how long an acked exit order may wait for its
	// execution report before the ticker is released for re-evaluation.
	PendingTTL time.Duration
}

// Coordinator drives the position lifecycle. Exit evaluation is serialized
// per ticker (one keyed mutex each) so an in-flight exit can never be
// doubled up, while distinct tickers evaluate fully in parallel.
type Coordinator struct {
	store    *position.Store
	policy   *policy.Engine
	broker   OrderBroker
	prices   domain.PriceCache
	quotes   domain.QuoteSubscriber
	journal  domain.TradeJournal
	notifier Notifier
	cfg      Config
	logger   *slog.Logger

	mu          sync.Mutex
	tickerLocks map[string]*sync.Mutex
	pending     map[string]pendingExit // by broker order id
	pendingTick map[string]string      // ticker -> order id
}

// pendingExit is an acked exit order awaiting its execution report.
type pendingExit struct {
	order  domain.PendingOrder
	reason string
}

// NewCoordinator creates a Coordinator. quotes, journal, and notifier are
// optional; nil disables the corresponding side effect.
func NewCoordinator(
	store *position.Store,
	policyEngine *policy.Engine,
	broker OrderBroker,
	prices domain.PriceCache,
	cfg Config,
	logger *slog.Logger,
) *Coordinator {
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = 10 * time.Second
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = 2 * time.Minute
	}
	return &Coordinator{
		store:       store,
		policy:      policyEngine,
		broker:      broker,
		prices:      prices,
		cfg:         cfg,
		logger:      logger.With(slog.String("component", "coordinator")),
		tickerLocks: make(map[string]*sync.Mutex),
		pending:     make(map[string]pendingExit),
		pendingTick: make(map[string]string),
	}
}

// SetQuoteSubscriber installs the feed subscription manager.
func (c *Coordinator) SetQuoteSubscriber(q domain.QuoteSubscriber) { c.quotes = q }

// SetJournal installs the trade journal.
func (c *Coordinator) SetJournal(j domain.TradeJournal) { c.journal = j }

// SetNotifier installs the notifier.
func (c *Coordinator) SetNotifier(n Notifier) { c.notifier = n }

// SyncHoldings replaces local position state with the broker's holdings and
// subscribes the feed to each surviving ticker. Called once at startup.
func (c *Coordinator) SyncHoldings(ctx context.Context) error {
	snap, err := c.broker.QueryAccount(ctx)
	if err != nil {
		return fmt.Errorf("engine: sync holdings: %w", err)
	}
	if err := c.store.Reconcile(ctx, snap.Holdings); err != nil {
		return err
	}
	if c.quotes != nil {
		for _, h := range snap.Holdings {
			if err := c.quotes.Subscribe(h.Ticker); err != nil {
				c.logger.Warn("quote subscribe failed",
					slog.String("ticker", h.Ticker),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	return nil
}

// Run is the periodic monitor loop. Each pass expires stale pending orders
// and re-evaluates every open position against its latest known price, so
// time-based exits fire even for tickers whose feed has gone quiet.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("coordinator started",
		slog.Duration("interval", c.cfg.MonitorInterval),
	)
	defer c.logger.Info("coordinator stopped")

	ticker := time.NewTicker(c.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.expirePending()
			var wg sync.WaitGroup
			for _, pos := range c.store.SnapshotAll() {
				wg.Add(1)
				go func(ticker string) {
					defer wg.Done()
					c.EvaluateTicker(ctx, ticker)
				}(pos.Ticker)
			}
			wg.Wait()
		}
	}
}

// OnPriceUpdate is the hot path from the feed: cache the quote, then
// evaluate the ticker at that price.
func (c *Coordinator) OnPriceUpdate(ctx context.Context, quote domain.Quote) {
	if err := c.prices.SetPrice(ctx, quote.Ticker, quote.Price, quote.At); err != nil {
		c.logger.Warn("price cache update failed",
			slog.String("ticker", quote.Ticker),
			slog.String("error", err.Error()),
		)
	}
	c.evaluate(ctx, quote.Ticker, quote.Price)
}

// EvaluateTicker evaluates one ticker at its latest cached price. Positions
// with no quote yet are evaluated at their purchase price so the time stop
// and the close-of-day liquidation still apply.
func (c *Coordinator) EvaluateTicker(ctx context.Context, ticker string) {
	price, _, err := c.prices.GetPrice(ctx, ticker)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			c.logger.Warn("price lookup failed",
				slog.String("ticker", ticker),
				slog.String("error", err.Error()),
			)
			return
		}
		pos, ok := c.store.Get(ticker)
		if !ok {
			return
		}
		price = pos.AvgPrice
	}
	c.evaluate(ctx, ticker, price)
}

// evaluate runs the policy for one ticker and acts on the decision. Errors
// are contained here: one ticker's failure never aborts the others.
func (c *Coordinator) evaluate(ctx context.Context, ticker string, price decimal.Decimal) {
	lock := c.lockFor(ticker)
	lock.Lock()
	defer lock.Unlock()

	pos, ok := c.store.Get(ticker)
	if !ok {
		return
	}
	if orderID, busy := c.pendingFor(ticker); busy {
		c.logger.Debug("exit already in flight, skipping evaluation",
			slog.String("ticker", ticker),
			slog.String("order_id", orderID),
		)
		return
	}

	decision := c.policy.Evaluate(pos, price, time.Now())

	if decision.TrailingHigh.GreaterThan(pos.TrailingHigh) {
		if _, err := c.store.MarkTrailingHigh(ctx, ticker, decision.TrailingHigh); err != nil {
			c.logger.Error("trailing high persist failed",
				slog.String("ticker", ticker),
				slog.String("error", err.Error()),
			)
		}
	}

	if decision.Action == policy.ActionHold {
		return
	}

	c.submitExit(ctx, pos, decision)
}

// submitExit places a market sell for the decided quantity. State is only
// advanced after the broker acks: a failed submission leaves the position
// untouched so the next tick re-evaluates, instead of blindly re-sending
// the same order.
func (c *Coordinator) submitExit(ctx context.Context, pos domain.Position, decision policy.Decision) {
	ack, err := c.broker.SubmitOrder(ctx, domain.OrderRequest{
		Ticker:   pos.Ticker,
		Side:     domain.OrderSideSell,
		Quantity: decision.Quantity,
		Division: domain.DivisionMarket,
	})
	if err != nil {
		c.logger.Error("exit order submission failed",
			slog.String("ticker", pos.Ticker),
			slog.String("reason", decision.Reason),
			slog.Int64("quantity", decision.Quantity),
			slog.String("error", err.Error()),
		)
		return
	}

	metrics.Exits.WithLabelValues(decision.Reason).Inc()

	c.mu.Lock()
	c.pending[ack.OrderID] = pendingExit{
		order: domain.PendingOrder{
			OrderID:     ack.OrderID,
			ClientRef:   uuid.New().String(),
			Ticker:      pos.Ticker,
			Side:        domain.OrderSideSell,
			Quantity:    decision.Quantity,
			Status:      domain.OrderStatusAcked,
			SubmittedAt: time.Now(),
		},
		reason: decision.Reason,
	}
	c.pendingTick[pos.Ticker] = ack.OrderID
	c.mu.Unlock()

	// Mark the half-exit tier as soon as the order is acked so a fast next
	// tick cannot emit a second first-tier exit.
	if decision.NextTier == domain.TierHalfExited {
		if err := c.store.SetTier(ctx, pos.Ticker, domain.TierHalfExited); err != nil {
			c.logger.Error("tier persist failed",
				slog.String("ticker", pos.Ticker),
				slog.String("error", err.Error()),
			)
		}
	}

	c.logger.Info("exit order submitted",
		slog.String("ticker", pos.Ticker),
		slog.String("reason", decision.Reason),
		slog.Int64("quantity", decision.Quantity),
		slog.String("order_id", ack.OrderID),
	)
	c.notify(ctx, "exit_submitted", "Exit order submitted",
		fmt.Sprintf("%s (%s): sell %d, reason %s", pos.Ticker, pos.Name, decision.Quantity, decision.Reason))
}

// OnExecutionReport applies one confirmed fill. Fills for orders the
// coordinator did not submit (e.g. entries placed by the screener pipeline)
// are applied too; a buy fill that opens a position subscribes its quote.
func (c *Coordinator) OnExecutionReport(ctx context.Context, report domain.ExecutionReport) {
	lock := c.lockFor(report.Ticker)
	lock.Lock()
	defer lock.Unlock()

	reason := c.clearPending(report.OrderID, report.Ticker)

	_, existed := c.store.Get(report.Ticker)
	pos, removed, err := c.store.UpsertFromFill(ctx, report)
	if err != nil {
		c.logger.Error("applying fill failed",
			slog.String("ticker", report.Ticker),
			slog.String("order_id", report.OrderID),
			slog.String("error", err.Error()),
		)
		return
	}

	metrics.Fills.WithLabelValues(string(report.Side)).Inc()
	c.logger.Info("fill applied",
		slog.String("ticker", report.Ticker),
		slog.String("side", string(report.Side)),
		slog.Int64("filled_qty", report.FilledQty),
		slog.String("filled_price", report.FilledPrice.String()),
		slog.Int64("position_qty", pos.Quantity),
	)

	if c.journal != nil {
		rec := domain.TradeRecord{
			ID:          uuid.New().String(),
			OrderID:     report.OrderID,
			Ticker:      report.Ticker,
			Name:        report.Name,
			Side:        report.Side,
			Quantity:    report.FilledQty,
			Price:       report.FilledPrice,
			Reason:      reason,
			PositionQty: pos.Quantity,
			At:          report.At,
		}
		if err := c.journal.Record(ctx, rec); err != nil {
			c.logger.Warn("journal record failed",
				slog.String("ticker", report.Ticker),
				slog.String("error", err.Error()),
			)
		}
	}

	switch {
	case removed:
		c.notify(ctx, "position_closed", "Position closed",
			fmt.Sprintf("%s (%s): sold %d @ %s", report.Ticker, report.Name, report.FilledQty, report.FilledPrice))
	case report.Side == domain.OrderSideBuy && !existed:
		if c.quotes != nil {
			if err := c.quotes.Subscribe(report.Ticker); err != nil {
				c.logger.Warn("quote subscribe failed",
					slog.String("ticker", report.Ticker),
					slog.String("error", err.Error()),
				)
			}
		}
		c.notify(ctx, "position_opened", "Position opened",
			fmt.Sprintf("%s (%s): bought %d @ %s", report.Ticker, report.Name, report.FilledQty, report.FilledPrice))
	}
}

// lockFor returns the keyed mutex serializing one ticker's evaluation.
func (c *Coordinator) lockFor(ticker string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.tickerLocks[ticker]
	if !ok {
		lock = &sync.Mutex{}
		c.tickerLocks[ticker] = lock
	}
	return lock
}

// pendingFor reports whether ticker has an exit order awaiting its report.
func (c *Coordinator) pendingFor(ticker string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.pendingTick[ticker]
	return id, ok
}

// clearPending removes the pending entry for an order and returns the exit
// reason it was submitted with, if the coordinator owns it.
func (c *Coordinator) clearPending(orderID, ticker string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	pe, ok := c.pending[orderID]
	if !ok {
		return ""
	}
	delete(c.pending, orderID)
	if c.pendingTick[ticker] == orderID {
		delete(c.pendingTick, ticker)
	}
	return pe.reason
}

// expirePending drops acked orders whose execution report never arrived
// within the TTL so their tickers resume evaluation. The broker may still
// fill such an order later; the report path handles that normally.
func (c *Coordinator) expirePending() {
	cutoff := time.Now().Add(-c.cfg.PendingTTL)

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, pe := range c.pending {
		if pe.order.SubmittedAt.After(cutoff) {
			continue
		}
		delete(c.pending, id)
		if c.pendingTick[pe.order.Ticker] == id {
			delete(c.pendingTick, pe.order.Ticker)
		}
		c.logger.Warn("pending exit expired without execution report",
			slog.String("ticker", pe.order.Ticker),
			slog.String("order_id", id),
		)
	}
}

// notify delivers a user-facing event, logging failures.
func (c *Coordinator) notify(ctx context.Context, event, title, message string) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.Notify(ctx, event, title, message); err != nil {
		c.logger.Warn("notification failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
