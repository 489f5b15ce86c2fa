package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/stockbot/internal/broker"
	"github.com/alanyoungcy/stockbot/internal/config"
	"github.com/alanyoungcy/stockbot/internal/crypto"
	"github.com/alanyoungcy/stockbot/internal/domain"
	"github.com/alanyoungcy/stockbot/internal/engine"
	"github.com/alanyoungcy/stockbot/internal/feed"
	"github.com/alanyoungcy/stockbot/internal/policy"
	"github.com/alanyoungcy/stockbot/internal/position"
)

// tradeLockTTL bounds how long a crashed instance can hold the trade lock
// before another instance may take over. The lock is released explicitly on
// clean shutdown.
const tradeLockTTL = 24 * time.Hour

// archiveInterval is the cadence of the journal archival sweep.
const archiveInterval = 24 * time.Hour

// TradeMode runs the full engine: broker session, quote feed, execution
// coordinator, journal archival, and the metrics server.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode")

	// One trading instance per account. Without Redis there is nothing to
	// coordinate against, so the lock is skipped.
	if deps.LockManager != nil {
		unlock, err := deps.LockManager.Acquire(ctx, "trader:"+a.cfg.Broker.Account, tradeLockTTL)
		if err != nil {
			return fmt.Errorf("trade mode: acquire instance lock: %w", err)
		}
		defer unlock()
	}

	accountPassword, err := crypto.LoadSecret(crypto.SecretConfig{
		RawSecret:     a.cfg.Broker.AccountPassword,
		EncryptedPath: a.cfg.Broker.EncryptedPassPath,
		Password:      a.cfg.Broker.PassKeyPassword,
	})
	if err != nil {
		return fmt.Errorf("trade mode: load account password: %w", err)
	}

	// Broker stack: session -> gateway -> client.
	allocator := broker.NewChannelAllocator(a.cfg.Broker.ChannelMin, a.cfg.Broker.ChannelMax)
	session := broker.NewSession(broker.SessionConfig{
		URL:             a.cfg.Broker.APIHost,
		AppKey:          a.cfg.Broker.AppKey,
		AppSecret:       a.cfg.Broker.AppSecret,
		Account:         a.cfg.Broker.Account,
		AccountPassword: accountPassword,
	}, a.logger)

	gateway := broker.NewGateway(session, allocator, a.logger)
	if deps.RateLimiter != nil {
		gateway.SetRateLimiter(deps.RateLimiter)
	}
	client := broker.NewClient(gateway, broker.ClientConfig{
		OrderTimeout: a.cfg.Broker.OrderTimeout.Duration,
		QueryTimeout: a.cfg.Broker.QueryTimeout.Duration,
		QueryRetries: a.cfg.Broker.QueryRetries,
		RetryDelay:   a.cfg.Broker.RetryDelay.Duration,
	}, a.logger)
	session.SetHandler(client)

	// Position store and exit policy.
	store := position.NewStore(deps.PositionRepo, a.logger)
	if err := store.Load(ctx); err != nil {
		return fmt.Errorf("trade mode: load positions: %w", err)
	}
	policyEngine, err := a.buildPolicyEngine()
	if err != nil {
		return fmt.Errorf("trade mode: %w", err)
	}

	// Coordinator and quote feed.
	coordinator := engine.NewCoordinator(store, policyEngine, client, deps.PriceCache, engine.Config{
		MonitorInterval: a.cfg.Engine.MonitorInterval.Duration,
		PendingTTL:      a.cfg.Engine.PendingTTL.Duration,
	}, a.logger)

	quoteFeed := feed.NewQuoteFeed(a.cfg.Feed.WsHost, deps.SignalBus, a.logger)
	coordinator.SetQuoteSubscriber(quoteFeed)
	coordinator.SetJournal(deps.Journal)
	coordinator.SetNotifier(deps.Notifier)
	store.SetRemoveHook(func(ticker string) {
		if err := quoteFeed.Unsubscribe(ticker); err != nil {
			a.logger.Warn("quote unsubscribe failed",
				slog.String("ticker", ticker),
				slog.String("error", err.Error()),
			)
		}
	})
	client.OnExecutionReport(func(report domain.ExecutionReport) {
		coordinator.OnExecutionReport(ctx, report)
	})

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer session.Close()
		return session.Run(ctx)
	})

	g.Go(func() error {
		defer quoteFeed.Close()
		return quoteFeed.Run(ctx)
	})

	engineFeeder := feed.NewEngineFeeder(deps.SignalBus, coordinator.OnPriceUpdate, a.logger)
	g.Go(func() error {
		return engineFeeder.Run(ctx)
	})

	g.Go(func() error {
		if err := coordinator.SyncHoldings(ctx); err != nil {
			return fmt.Errorf("trade mode: sync holdings: %w", err)
		}
		return coordinator.Run(ctx)
	})

	if deps.Archiver != nil {
		g.Go(func() error {
			return a.runArchiveLoop(ctx, deps)
		})
	}

	if a.cfg.Server.Enabled {
		a.startMetricsServer(ctx, g)
	}

	return g.Wait()
}

// MonitorMode runs read-only monitoring: the quote feed keeps the price cache
// fresh for the persisted positions and unrealized pnl is logged
// periodically. No broker session is opened and no orders are placed.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	store := position.NewStore(deps.PositionRepo, a.logger)
	if err := store.Load(ctx); err != nil {
		return fmt.Errorf("monitor mode: load positions: %w", err)
	}

	quoteFeed := feed.NewQuoteFeed(a.cfg.Feed.WsHost, deps.SignalBus, a.logger)
	for _, pos := range store.SnapshotAll() {
		if err := quoteFeed.Subscribe(pos.Ticker); err != nil {
			a.logger.Warn("quote subscribe failed",
				slog.String("ticker", pos.Ticker),
				slog.String("error", err.Error()),
			)
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer quoteFeed.Close()
		return quoteFeed.Run(ctx)
	})

	engineFeeder := feed.NewEngineFeeder(deps.SignalBus, func(ctx context.Context, quote domain.Quote) {
		if err := deps.PriceCache.SetPrice(ctx, quote.Ticker, quote.Price, quote.At); err != nil {
			a.logger.Warn("price cache update failed",
				slog.String("ticker", quote.Ticker),
				slog.String("error", err.Error()),
			)
		}
	}, a.logger)
	g.Go(func() error {
		return engineFeeder.Run(ctx)
	})

	g.Go(func() error {
		return a.runPnlLogger(ctx, store, deps.PriceCache)
	})

	if a.cfg.Server.Enabled {
		a.startMetricsServer(ctx, g)
	}

	return g.Wait()
}

// buildPolicyEngine constructs the exit policy engine from configuration. The
// clock strings were already validated by config.Validate.
func (a *App) buildPolicyEngine() (*policy.Engine, error) {
	closeFrom, err := config.ParseClockMinute(a.cfg.Policy.CloseFrom)
	if err != nil {
		return nil, err
	}
	closeUntil, err := config.ParseClockMinute(a.cfg.Policy.CloseUntil)
	if err != nil {
		return nil, err
	}

	return policy.NewEngine(policy.Params{
		TakeProfitPct: a.cfg.Policy.TakeProfitPct,
		TrailStopPct:  a.cfg.Policy.TrailStopPct,
		StopLossPct:   a.cfg.Policy.StopLossPct,
		MaxHold:       time.Duration(a.cfg.Policy.MaxHoldDays) * 24 * time.Hour,
		CloseFrom:     closeFrom,
		CloseUntil:    closeUntil,
		LotSize:       a.cfg.Policy.LotSize,
	}, a.logger)
}

// runArchiveLoop uploads journal records to object storage once a day.
func (a *App) runArchiveLoop(ctx context.Context, deps *Dependencies) error {
	ticker := time.NewTicker(archiveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := deps.Archiver.ArchiveTrades(ctx, time.Now())
			if err != nil {
				a.logger.Error("journal archive failed", slog.String("error", err.Error()))
				continue
			}
			a.logger.Info("journal archived", slog.Int64("records", n))
		}
	}
}

// runPnlLogger periodically logs the unrealized pnl of every open position.
func (a *App) runPnlLogger(ctx context.Context, store *position.Store, prices domain.PriceCache) error {
	interval := a.cfg.Engine.MonitorInterval.Duration
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, pos := range store.SnapshotAll() {
				price, _, err := prices.GetPrice(ctx, pos.Ticker)
				if err != nil {
					continue
				}
				a.logger.Info("position",
					slog.String("ticker", pos.Ticker),
					slog.Int64("quantity", pos.Quantity),
					slog.String("avg_price", pos.AvgPrice.String()),
					slog.String("price", price.String()),
					slog.String("pnl_pct", pos.PnLPct(price).StringFixed(2)),
					slog.String("tier", string(pos.Tier)),
				)
			}
		}
	}
}

// startMetricsServer adds the metrics/health HTTP server to the errgroup.
func (a *App) startMetricsServer(ctx context.Context, g *errgroup.Group) {
	addr := fmt.Sprintf(":%d", a.cfg.Server.Port)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g.Go(func() error {
		a.logger.InfoContext(ctx, "metrics server listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
