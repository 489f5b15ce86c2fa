package journal

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/stockbot/internal/domain"
)

func record(id string, at time.Time) domain.TradeRecord {
	return domain.TradeRecord{
		ID:          id,
		OrderID:     "ORD-" + id,
		Ticker:      "005930",
		Side:        domain.OrderSideSell,
		Quantity:    5,
		Price:       decimal.NewFromInt(71000),
		Reason:      "take-profit",
		PositionQty: 5,
		At:          at,
	}
}

func TestRecordAppendsToDayFile(t *testing.T) {
	dir := t.TempDir()
	j := NewFileJournal(dir)
	ctx := context.Background()

	day := time.Date(2025, 3, 10, 11, 0, 0, 0, time.UTC)
	require.NoError(t, j.Record(ctx, record("a", day)))
	require.NoError(t, j.Record(ctx, record("b", day.Add(time.Hour))))

	data, err := os.ReadFile(filepath.Join(dir, "trades-2025-03-10.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"id":"a"`)
	assert.Contains(t, string(data), `"id":"b"`)
}

func TestListBeforeFiltersAndSorts(t *testing.T) {
	j := NewFileJournal(t.TempDir())
	ctx := context.Background()

	d1 := time.Date(2025, 3, 10, 11, 0, 0, 0, time.UTC)
	d2 := time.Date(2025, 3, 11, 11, 0, 0, 0, time.UTC)
	d3 := time.Date(2025, 3, 12, 11, 0, 0, 0, time.UTC)
	require.NoError(t, j.Record(ctx, record("late", d3)))
	require.NoError(t, j.Record(ctx, record("early", d1)))
	require.NoError(t, j.Record(ctx, record("mid", d2)))

	got, err := j.ListBefore(ctx, time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "early", got[0].ID)
	assert.Equal(t, "mid", got[1].ID)
}

func TestListBeforeSkipsCorruptLines(t *testing.T) {
	dir := t.TempDir()
	j := NewFileJournal(dir)
	ctx := context.Background()

	day := time.Date(2025, 3, 10, 11, 0, 0, 0, time.UTC)
	require.NoError(t, j.Record(ctx, record("ok", day)))

	path := filepath.Join(dir, "trades-2025-03-10.jsonl")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{broken\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	got, err := j.ListBefore(ctx, day.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ok", got[0].ID)
}

func TestListBeforeMissingDirIsEmpty(t *testing.T) {
	j := NewFileJournal(filepath.Join(t.TempDir(), "nope"))
	got, err := j.ListBefore(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Empty(t, got)
}
