package position

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/stockbot/internal/domain"
)

// memRepo is an in-memory PositionRepository recording every save.
type memRepo struct {
	table   []domain.Position
	saves   int
	loadErr error
}

func (r *memRepo) Load(context.Context) ([]domain.Position, error) {
	if r.loadErr != nil {
		return nil, r.loadErr
	}
	return r.table, nil
}

func (r *memRepo) Save(_ context.Context, positions []domain.Position) error {
	r.table = positions
	r.saves++
	return nil
}

func newTestStore() (*Store, *memRepo) {
	repo := &memRepo{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewStore(repo, logger), repo
}

func buyFill(ticker string, qty int64, price int64, total int64) domain.ExecutionReport {
	return domain.ExecutionReport{
		OrderID:     "O-" + ticker,
		Ticker:      ticker,
		Side:        domain.OrderSideBuy,
		FilledQty:   qty,
		FilledPrice: decimal.NewFromInt(price),
		TotalQty:    total,
		At:          time.Now(),
	}
}

func sellFill(ticker string, qty int64, price int64, total int64) domain.ExecutionReport {
	r := buyFill(ticker, qty, price, total)
	r.Side = domain.OrderSideSell
	return r
}

func TestUpsertFromFillWeightedAverage(t *testing.T) {
	s, repo := newTestStore()
	ctx := context.Background()

	pos, removed, err := s.UpsertFromFill(ctx, buyFill("005930", 10, 100, 10))
	require.NoError(t, err)
	assert.False(t, removed)
	assert.EqualValues(t, 10, pos.Quantity)
	assert.True(t, pos.AvgPrice.Equal(decimal.NewFromInt(100)))

	pos, _, err = s.UpsertFromFill(ctx, buyFill("005930", 10, 200, 20))
	require.NoError(t, err)
	assert.EqualValues(t, 20, pos.Quantity)
	assert.True(t, pos.AvgPrice.Equal(decimal.NewFromInt(150)), "got avg %s", pos.AvgPrice)
	assert.True(t, pos.TotalCost.Equal(decimal.NewFromInt(3000)))

	// Each mutation is followed by a durable write.
	assert.Equal(t, 2, repo.saves)
}

func TestSellToZeroRemovesPosition(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	var unsubscribed []string
	s.SetRemoveHook(func(ticker string) { unsubscribed = append(unsubscribed, ticker) })

	_, _, err := s.UpsertFromFill(ctx, buyFill("005930", 10, 100, 10))
	require.NoError(t, err)

	pos, removed, err := s.UpsertFromFill(ctx, sellFill("005930", 10, 110, 0))
	require.NoError(t, err)
	assert.True(t, removed)
	assert.EqualValues(t, 0, pos.Quantity)

	assert.Empty(t, s.SnapshotAll())
	assert.Equal(t, []string{"005930"}, unsubscribed)
}

func TestSellPartialTrustsBrokerTotal(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	_, _, err := s.UpsertFromFill(ctx, buyFill("005930", 10, 100, 10))
	require.NoError(t, err)

	pos, removed, err := s.UpsertFromFill(ctx, sellFill("005930", 5, 120, 5))
	require.NoError(t, err)
	assert.False(t, removed)
	assert.EqualValues(t, 5, pos.Quantity)
	assert.True(t, pos.AvgPrice.Equal(decimal.NewFromInt(100)))
	assert.True(t, pos.TotalCost.Equal(decimal.NewFromInt(500)))
}

func TestSellUnknownTickerFails(t *testing.T) {
	s, _ := newTestStore()
	_, _, err := s.UpsertFromFill(context.Background(), sellFill("000660", 1, 100, 0))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSnapshotAllOrderedAndDetached(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	for _, ticker := range []string{"035720", "005930", "000660"} {
		_, _, err := s.UpsertFromFill(ctx, buyFill(ticker, 1, 100, 1))
		require.NoError(t, err)
	}

	snap := s.SnapshotAll()
	require.Len(t, snap, 3)
	assert.Equal(t, "000660", snap[0].Ticker)
	assert.Equal(t, "005930", snap[1].Ticker)
	assert.Equal(t, "035720", snap[2].Ticker)

	// Mutating the snapshot must not touch the store.
	snap[0].Quantity = 999
	got, _ := s.Get("000660")
	assert.EqualValues(t, 1, got.Quantity)
}

func TestReconcilePreservesLifecycleMetadata(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	_, _, err := s.UpsertFromFill(ctx, buyFill("005930", 10, 100, 10))
	require.NoError(t, err)
	require.NoError(t, s.SetTier(ctx, "005930", domain.TierHalfExited))
	_, err = s.MarkTrailingHigh(ctx, "005930", decimal.NewFromInt(130))
	require.NoError(t, err)
	before, _ := s.Get("005930")

	err = s.Reconcile(ctx, []domain.Holding{
		{Ticker: "005930", Name: "Samsung Electronics", Quantity: 5, AvgPrice: decimal.NewFromInt(100)},
		{Ticker: "000660", Name: "SK hynix", Quantity: 3, AvgPrice: decimal.NewFromInt(90000)},
	})
	require.NoError(t, err)

	kept, ok := s.Get("005930")
	require.True(t, ok)
	assert.Equal(t, domain.TierHalfExited, kept.Tier)
	assert.True(t, kept.TrailingHigh.Equal(decimal.NewFromInt(130)))
	assert.Equal(t, before.BoughtAt, kept.BoughtAt)
	assert.EqualValues(t, 5, kept.Quantity)

	fresh, ok := s.Get("000660")
	require.True(t, ok)
	assert.Equal(t, domain.TierNone, fresh.Tier)
	assert.True(t, fresh.TrailingHigh.Equal(fresh.AvgPrice))
}

func TestTierIsMonotonic(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	_, _, err := s.UpsertFromFill(ctx, buyFill("005930", 10, 100, 10))
	require.NoError(t, err)

	require.NoError(t, s.SetTier(ctx, "005930", domain.TierHalfExited))
	require.NoError(t, s.SetTier(ctx, "005930", domain.TierNone)) // ignored
	p, _ := s.Get("005930")
	assert.Equal(t, domain.TierHalfExited, p.Tier)
}

func TestMarkTrailingHighOnlyRises(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	_, _, err := s.UpsertFromFill(ctx, buyFill("005930", 10, 100, 10))
	require.NoError(t, err)

	moved, err := s.MarkTrailingHigh(ctx, "005930", decimal.NewFromInt(120))
	require.NoError(t, err)
	assert.True(t, moved)

	moved, err = s.MarkTrailingHigh(ctx, "005930", decimal.NewFromInt(110))
	require.NoError(t, err)
	assert.False(t, moved)

	p, _ := s.Get("005930")
	assert.True(t, p.TrailingHigh.Equal(decimal.NewFromInt(120)))
}

func TestLoadDegradesToEmptyOnRepositoryError(t *testing.T) {
	repo := &memRepo{loadErr: errors.New("corrupt snapshot")}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewStore(repo, logger)

	require.NoError(t, s.Load(context.Background()))
	assert.Empty(t, s.SnapshotAll())
}

func TestLoadSkipsZeroQuantityEntries(t *testing.T) {
	repo := &memRepo{table: []domain.Position{
		{Ticker: "005930", Quantity: 10, AvgPrice: decimal.NewFromInt(100)},
		{Ticker: "000660", Quantity: 0, AvgPrice: decimal.NewFromInt(90000)},
	}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewStore(repo, logger)

	require.NoError(t, s.Load(context.Background()))
	snap := s.SnapshotAll()
	require.Len(t, snap, 1)
	assert.Equal(t, "005930", snap[0].Ticker)
	// Trailing high is repaired to at least the purchase price.
	assert.True(t, snap[0].TrailingHigh.GreaterThanOrEqual(snap[0].AvgPrice))
}
