package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/stockbot/internal/domain"
	"github.com/alanyoungcy/stockbot/internal/policy"
	"github.com/alanyoungcy/stockbot/internal/position"
)

// fakeBroker scripts SubmitOrder and QueryAccount responses.
type fakeBroker struct {
	mu        sync.Mutex
	requests  []domain.OrderRequest
	submitErr error
	account   domain.AccountSnapshot
}

func (b *fakeBroker) SubmitOrder(_ context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.submitErr != nil {
		return domain.OrderAck{}, b.submitErr
	}
	b.requests = append(b.requests, req)
	return domain.OrderAck{
		OrderID: fmt.Sprintf("ORD-%d", len(b.requests)),
		Ticker:  req.Ticker,
		AckedAt: time.Now(),
	}, nil
}

func (b *fakeBroker) QueryAccount(context.Context) (domain.AccountSnapshot, error) {
	return b.account, nil
}

func (b *fakeBroker) submitted() []domain.OrderRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.OrderRequest(nil), b.requests...)
}

// fakePrices is an in-memory PriceCache.
type fakePrices struct {
	mu     sync.Mutex
	quotes map[string]decimal.Decimal
}

func newFakePrices() *fakePrices {
	return &fakePrices{quotes: make(map[string]decimal.Decimal)}
}

func (p *fakePrices) SetPrice(_ context.Context, ticker string, price decimal.Decimal, _ time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quotes[ticker] = price
	return nil
}

func (p *fakePrices) GetPrice(_ context.Context, ticker string) (decimal.Decimal, time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.quotes[ticker]
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	return price, time.Now(), nil
}

func (p *fakePrices) GetPrices(ctx context.Context, tickers []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(tickers))
	for _, t := range tickers {
		if price, _, err := p.GetPrice(ctx, t); err == nil {
			out[t] = price
		}
	}
	return out, nil
}

type fakeSubscriber struct {
	mu           sync.Mutex
	subscribed   []string
	unsubscribed []string
}

func (s *fakeSubscriber) Subscribe(ticker string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribed = append(s.subscribed, ticker)
	return nil
}

func (s *fakeSubscriber) Unsubscribe(ticker string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribed = append(s.unsubscribed, ticker)
	return nil
}

type fakeJournal struct {
	mu      sync.Mutex
	records []domain.TradeRecord
}

func (j *fakeJournal) Record(_ context.Context, rec domain.TradeRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, rec)
	return nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *fakeNotifier) Notify(_ context.Context, event, _, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

// memRepo is an in-memory PositionRepository.
type memRepo struct {
	table []domain.Position
}

func (r *memRepo) Load(context.Context) ([]domain.Position, error) { return r.table, nil }

func (r *memRepo) Save(_ context.Context, positions []domain.Position) error {
	r.table = positions
	return nil
}

func testPolicyEngine(t *testing.T) *policy.Engine {
	t.Helper()
	// Close window disabled so wall-clock test time never trips it.
	e, err := policy.NewEngine(policy.Params{
		TakeProfitPct: 3,
		TrailStopPct:  2,
		StopLossPct:   -2,
		MaxHold:       30 * 24 * time.Hour,
		LotSize:       1,
	}, discardLogger())
	require.NoError(t, err)
	return e
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCoordinator(t *testing.T) (*Coordinator, *position.Store, *fakeBroker, *fakePrices) {
	t.Helper()
	store := position.NewStore(&memRepo{}, discardLogger())
	broker := &fakeBroker{}
	prices := newFakePrices()
	c := NewCoordinator(store, testPolicyEngine(t), broker, prices, Config{}, discardLogger())
	return c, store, broker, prices
}

func seedPosition(t *testing.T, store *position.Store, ticker string, qty, avg int64) {
	t.Helper()
	_, _, err := store.UpsertFromFill(context.Background(), domain.ExecutionReport{
		OrderID:     "SEED-" + ticker,
		Ticker:      ticker,
		Side:        domain.OrderSideBuy,
		FilledQty:   qty,
		FilledPrice: decimal.NewFromInt(avg),
		TotalQty:    qty,
		At:          time.Now(),
	})
	require.NoError(t, err)
}

func TestTakeProfitSubmitsHalfExitAndAppliesFill(t *testing.T) {
	c, store, broker, _ := newTestCoordinator(t)
	journal := &fakeJournal{}
	c.SetJournal(journal)
	ctx := context.Background()

	seedPosition(t, store, "005930", 10, 100)

	c.OnPriceUpdate(ctx, domain.Quote{
		Ticker: "005930", Price: decimal.NewFromInt(104), At: time.Now(),
	})

	reqs := broker.submitted()
	require.Len(t, reqs, 1)
	assert.Equal(t, domain.OrderSideSell, reqs[0].Side)
	assert.EqualValues(t, 5, reqs[0].Quantity)
	assert.Equal(t, domain.DivisionMarket, reqs[0].Division)

	// The tier advances on the ack, before any fill arrives.
	pos, ok := store.Get("005930")
	require.True(t, ok)
	assert.Equal(t, domain.TierHalfExited, pos.Tier)
	assert.EqualValues(t, 10, pos.Quantity)

	c.OnExecutionReport(ctx, domain.ExecutionReport{
		OrderID:     "ORD-1",
		Ticker:      "005930",
		Side:        domain.OrderSideSell,
		FilledQty:   5,
		FilledPrice: decimal.NewFromInt(104),
		TotalQty:    5,
		At:          time.Now(),
	})

	pos, _ = store.Get("005930")
	assert.EqualValues(t, 5, pos.Quantity)
	_, busy := c.pendingFor("005930")
	assert.False(t, busy)

	// The journal entry carries the reason the exit was submitted with.
	require.Len(t, journal.records, 1)
	assert.Equal(t, policy.ReasonTakeProfit, journal.records[0].Reason)
	assert.EqualValues(t, 5, journal.records[0].PositionQty)
}

func TestPendingExitBlocksSecondSubmission(t *testing.T) {
	c, store, broker, _ := newTestCoordinator(t)
	ctx := context.Background()

	seedPosition(t, store, "005930", 10, 100)

	quote := domain.Quote{Ticker: "005930", Price: decimal.NewFromInt(104), At: time.Now()}
	c.OnPriceUpdate(ctx, quote)
	c.OnPriceUpdate(ctx, quote)
	c.OnPriceUpdate(ctx, quote)

	assert.Len(t, broker.submitted(), 1)
}

func TestSubmitFailureLeavesStateForRetry(t *testing.T) {
	c, store, broker, _ := newTestCoordinator(t)
	ctx := context.Background()

	seedPosition(t, store, "005930", 10, 100)
	broker.submitErr = errors.New("broker down")

	quote := domain.Quote{Ticker: "005930", Price: decimal.NewFromInt(104), At: time.Now()}
	c.OnPriceUpdate(ctx, quote)

	pos, _ := store.Get("005930")
	assert.Equal(t, domain.TierNone, pos.Tier)
	_, busy := c.pendingFor("005930")
	assert.False(t, busy)

	// Broker recovers; the next tick submits cleanly.
	broker.mu.Lock()
	broker.submitErr = nil
	broker.mu.Unlock()
	c.OnPriceUpdate(ctx, quote)
	assert.Len(t, broker.submitted(), 1)
}

func TestStopLossClosesPositionEndToEnd(t *testing.T) {
	c, store, broker, _ := newTestCoordinator(t)
	notifier := &fakeNotifier{}
	journal := &fakeJournal{}
	subs := &fakeSubscriber{}
	c.SetNotifier(notifier)
	c.SetJournal(journal)
	c.SetQuoteSubscriber(subs)
	store.SetRemoveHook(func(ticker string) { _ = subs.Unsubscribe(ticker) })
	ctx := context.Background()

	seedPosition(t, store, "005930", 10, 100)

	c.OnPriceUpdate(ctx, domain.Quote{
		Ticker: "005930", Price: decimal.NewFromInt(97), At: time.Now(),
	})
	reqs := broker.submitted()
	require.Len(t, reqs, 1)
	assert.EqualValues(t, 10, reqs[0].Quantity)

	c.OnExecutionReport(ctx, domain.ExecutionReport{
		OrderID:     "ORD-1",
		Ticker:      "005930",
		Side:        domain.OrderSideSell,
		FilledQty:   10,
		FilledPrice: decimal.NewFromInt(97),
		TotalQty:    0,
		At:          time.Now(),
	})

	_, ok := store.Get("005930")
	assert.False(t, ok)
	assert.Contains(t, notifier.events, "position_closed")
	assert.Equal(t, []string{"005930"}, subs.unsubscribed)

	require.Len(t, journal.records, 1)
	assert.Equal(t, policy.ReasonStopLoss, journal.records[0].Reason)
	assert.EqualValues(t, 0, journal.records[0].PositionQty)
}

func TestUnsolicitedBuyFillOpensAndSubscribes(t *testing.T) {
	c, store, _, _ := newTestCoordinator(t)
	notifier := &fakeNotifier{}
	subs := &fakeSubscriber{}
	c.SetNotifier(notifier)
	c.SetQuoteSubscriber(subs)
	ctx := context.Background()

	c.OnExecutionReport(ctx, domain.ExecutionReport{
		OrderID:     "EXT-1",
		Ticker:      "000660",
		Name:        "SK hynix",
		Side:        domain.OrderSideBuy,
		FilledQty:   3,
		FilledPrice: decimal.NewFromInt(90000),
		TotalQty:    3,
		At:          time.Now(),
	})

	pos, ok := store.Get("000660")
	require.True(t, ok)
	assert.EqualValues(t, 3, pos.Quantity)
	assert.Equal(t, []string{"000660"}, subs.subscribed)
	assert.Contains(t, notifier.events, "position_opened")
}

func TestSyncHoldingsReconcilesAndSubscribes(t *testing.T) {
	c, store, broker, _ := newTestCoordinator(t)
	subs := &fakeSubscriber{}
	c.SetQuoteSubscriber(subs)

	broker.account = domain.AccountSnapshot{
		Cash: decimal.NewFromInt(1_000_000),
		Holdings: []domain.Holding{
			{Ticker: "005930", Name: "Samsung Electronics", Quantity: 10, AvgPrice: decimal.NewFromInt(100)},
			{Ticker: "035720", Name: "Kakao", Quantity: 4, AvgPrice: decimal.NewFromInt(50000)},
		},
	}

	require.NoError(t, c.SyncHoldings(context.Background()))
	assert.Len(t, store.SnapshotAll(), 2)
	assert.ElementsMatch(t, []string{"005930", "035720"}, subs.subscribed)
}

func TestEvaluateTickerFallsBackToAvgPriceForTimeRules(t *testing.T) {
	ctx := context.Background()
	broker := &fakeBroker{}

	// Position held past the time stop, but no quote cached yet.
	repo := &memRepo{table: []domain.Position{{
		Ticker:       "005930",
		Quantity:     10,
		AvgPrice:     decimal.NewFromInt(100),
		TotalCost:    decimal.NewFromInt(1000),
		TrailingHigh: decimal.NewFromInt(100),
		BoughtAt:     time.Now().Add(-60 * 24 * time.Hour),
		Tier:         domain.TierNone,
	}}}
	store := position.NewStore(repo, discardLogger())
	require.NoError(t, store.Load(ctx))
	c := NewCoordinator(store, testPolicyEngine(t), broker, newFakePrices(), Config{}, discardLogger())

	c.EvaluateTicker(ctx, "005930")

	reqs := broker.submitted()
	require.Len(t, reqs, 1)
	assert.EqualValues(t, 10, reqs[0].Quantity)
}

func TestExpiredPendingReleasesTicker(t *testing.T) {
	c, store, broker, _ := newTestCoordinator(t)
	ctx := context.Background()

	seedPosition(t, store, "005930", 10, 100)

	quote := domain.Quote{Ticker: "005930", Price: decimal.NewFromInt(104), At: time.Now()}
	c.OnPriceUpdate(ctx, quote)
	require.Len(t, broker.submitted(), 1)

	// Age the pending entry past the TTL, as if the report never came.
	c.mu.Lock()
	for id, pe := range c.pending {
		pe.order.SubmittedAt = time.Now().Add(-c.cfg.PendingTTL - time.Minute)
		c.pending[id] = pe
	}
	c.mu.Unlock()
	c.expirePending()

	_, busy := c.pendingFor("005930")
	assert.False(t, busy)

	// The tier already advanced, so the same price now holds instead of
	// re-submitting the first-tier exit.
	c.OnPriceUpdate(ctx, quote)
	assert.Len(t, broker.submitted(), 1)
}
