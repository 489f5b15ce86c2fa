package file

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

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "positions.json")
	s := NewStore(path)
	ctx := context.Background()

	want := []domain.Position{{
		Ticker:       "005930",
		Name:         "Samsung Electronics",
		Quantity:     10,
		AvgPrice:     decimal.NewFromInt(71000),
		TotalCost:    decimal.NewFromInt(710000),
		TrailingHigh: decimal.NewFromInt(72500),
		BoughtAt:     time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC),
		Tier:         domain.TierHalfExited,
	}}
	require.NoError(t, s.Save(ctx, want))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "005930", got[0].Ticker)
	assert.Equal(t, domain.TierHalfExited, got[0].Tier)
	assert.True(t, got[0].AvgPrice.Equal(want[0].AvgPrice))
	assert.True(t, got[0].TrailingHigh.Equal(want[0].TrailingHigh))
	assert.True(t, got[0].BoughtAt.Equal(want[0].BoughtAt))

	// No stray temp file after a successful save.
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "positions.json"))
	got, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLoadMalformedFileIsDataError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "positions.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o644))

	_, err := NewStore(path).Load(context.Background())
	var dataErr *domain.DataError
	assert.ErrorAs(t, err, &dataErr)
}

func TestSaveOverwritesPreviousSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "positions.json")
	s := NewStore(path)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, []domain.Position{{Ticker: "005930", Quantity: 10}}))
	require.NoError(t, s.Save(ctx, nil))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}
