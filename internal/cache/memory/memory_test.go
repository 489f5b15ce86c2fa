package memory

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/stockbot/internal/domain"
)

func TestPriceCacheSetGet(t *testing.T) {
	pc := NewPriceCache()
	ctx := context.Background()

	_, _, err := pc.GetPrice(ctx, "005930")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	ts := time.Now()
	require.NoError(t, pc.SetPrice(ctx, "005930", decimal.NewFromInt(71000), ts))

	price, gotTS, err := pc.GetPrice(ctx, "005930")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.NewFromInt(71000)))
	assert.Equal(t, ts, gotTS)

	prices, err := pc.GetPrices(ctx, []string{"005930", "000660"})
	require.NoError(t, err)
	assert.Len(t, prices, 1)
}

func TestSignalBusPublishSubscribe(t *testing.T) {
	bus := NewSignalBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, "quotes")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "quotes", []byte("tick")))

	select {
	case msg := <-ch:
		assert.Equal(t, "tick", string(msg))
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestSignalBusUnsubscribeOnCancel(t *testing.T) {
	bus := NewSignalBus()
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := bus.Subscribe(ctx, "quotes")
	require.NoError(t, err)

	cancel()

	// The channel is closed once the context goroutine runs.
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)

	// Publishing after unsubscribe is a no-op.
	assert.NoError(t, bus.Publish(context.Background(), "quotes", []byte("late")))
}
