package feed

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/stockbot/internal/domain"
)

// chanBus is an in-memory SignalBus for tests.
type chanBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	subs      map[string]chan []byte
}

func newChanBus() *chanBus {
	return &chanBus{
		published: make(map[string][][]byte),
		subs:      make(map[string]chan []byte),
	}
}

func (b *chanBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel] = append(b.published[channel], payload)
	if ch, ok := b.subs[channel]; ok {
		ch <- payload
	}
	return nil
}

func (b *chanBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan []byte, 16)
	b.subs[channel] = ch
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.subs[channel] == ch {
			delete(b.subs, channel)
			close(ch)
		}
	}()
	return ch, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFeederDecodesQuoteEvents(t *testing.T) {
	bus := newChanBus()
	got := make(chan domain.Quote, 1)
	feeder := NewEngineFeeder(bus, func(_ context.Context, q domain.Quote) {
		got <- q
	}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = feeder.Run(ctx)
	}()

	// Let Run subscribe before publishing.
	require.Eventually(t, func() bool {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		_, ok := bus.subs[QuoteChannel]
		return ok
	}, time.Second, 5*time.Millisecond)

	at := time.Date(2025, 3, 10, 11, 4, 23, 0, time.Local)
	payload := `{"ticker":"005930","price":"71000","volume":10,"at":"` + at.Format(time.RFC3339Nano) + `"}`
	require.NoError(t, bus.Publish(ctx, QuoteChannel, []byte(payload)))

	select {
	case q := <-got:
		assert.Equal(t, "005930", q.Ticker)
		assert.True(t, q.Price.Equal(decimal.NewFromInt(71000)))
		assert.EqualValues(t, 10, q.Volume)
		assert.True(t, q.At.Equal(at))
	case <-time.After(time.Second):
		t.Fatal("quote not delivered")
	}

	cancel()
	<-done
}

func TestFeederDropsMalformedAndEmptyTicker(t *testing.T) {
	bus := newChanBus()
	var calls int
	feeder := NewEngineFeeder(bus, func(context.Context, domain.Quote) { calls++ }, discardLogger())

	assert.Error(t, feeder.handleMessage(context.Background(), []byte("{not json")))
	assert.NoError(t, feeder.handleMessage(context.Background(), []byte(`{"ticker":" ","price":"100"}`)))
	assert.Error(t, feeder.handleMessage(context.Background(), []byte(`{"ticker":"005930","price":"abc"}`)))
	assert.Equal(t, 0, calls)
}

func TestQuoteFeedPublishesTicks(t *testing.T) {
	bus := newChanBus()
	feed := NewQuoteFeed("ws://unused", bus, discardLogger())

	raw := `{"tr_cd":"S3_","body":{"shcode":"005930","price":"71000","cvolume":5,"chetime":"110423"}}`
	feed.handleMessage(context.Background(), []byte(raw))

	bus.mu.Lock()
	defer bus.mu.Unlock()
	require.Len(t, bus.published[QuoteChannel], 1)
	assert.Contains(t, string(bus.published[QuoteChannel][0]), `"ticker":"005930"`)
	assert.Contains(t, string(bus.published[QuoteChannel][0]), `"price":"71000"`)
}

func TestQuoteFeedDropsNonPriceFrames(t *testing.T) {
	bus := newChanBus()
	feed := NewQuoteFeed("ws://unused", bus, discardLogger())

	feed.handleMessage(context.Background(), []byte(`{"tr_cd":"H1_","body":{"shcode":"005930","price":"71000"}}`))
	feed.handleMessage(context.Background(), []byte(`{"tr_cd":"S3_","body":{"shcode":"","price":"71000"}}`))
	feed.handleMessage(context.Background(), []byte(`{"tr_cd":"S3_","body":{"shcode":"005930","price":"-1"}}`))
	feed.handleMessage(context.Background(), []byte(`not json`))

	bus.mu.Lock()
	defer bus.mu.Unlock()
	assert.Empty(t, bus.published[QuoteChannel])
}

func TestQuoteFeedTracksSubscriptionsWithoutConnection(t *testing.T) {
	feed := NewQuoteFeed("ws://unused", newChanBus(), discardLogger())

	require.NoError(t, feed.Subscribe("005930"))
	require.NoError(t, feed.Subscribe("005930")) // idempotent
	require.NoError(t, feed.Subscribe("000660"))
	require.NoError(t, feed.Unsubscribe("000660"))
	require.NoError(t, feed.Unsubscribe("035720")) // never subscribed

	feed.mu.Lock()
	defer feed.mu.Unlock()
	assert.Len(t, feed.subs, 1)
	_, ok := feed.subs["005930"]
	assert.True(t, ok)
}
