// Package feed connects the broker's real-time quote WebSocket to the
// execution engine. The QuoteFeed publishes raw quote events to the signal
// bus; the EngineFeeder consumes them and drives position evaluation.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/stockbot/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// QuoteChannel is the signal-bus channel quote events are published on.
const QuoteChannel = "quotes"

// trRealtimePrice is the real-time trade tick stream for KOSPI tickers.
const trRealtimePrice = "S3_"

// wsCommand is the subscribe/unsubscribe frame sent to the quote endpoint.
type wsCommand struct {
	Type   string `json:"type"`
	TR     string `json:"tr_cd"`
	Ticker string `json:"tr_key"`
}

// quoteMessage is one inbound trade tick.
type quoteMessage struct {
	TR   string `json:"tr_cd"`
	Body struct {
		Ticker string `json:"shcode"`
		Price  string `json:"price"`
		Volume int64  `json:"cvolume"`
		Time   string `json:"chetime"` // HHMMSS exchange time
	} `json:"body"`
}

// quoteEvent is the JSON shape published to the quotes channel.
type quoteEvent struct {
	Ticker string `json:"ticker"`
	Price  string `json:"price"`
	Volume int64  `json:"volume"`
	At     string `json:"at"`
}

// QuoteFeed maintains the quote WebSocket connection, tracks per-ticker
// subscriptions across reconnects, and publishes each tick to the signal
// bus. It implements domain.QuoteSubscriber.
type QuoteFeed struct {
	wsURL  string
	bus    domain.SignalBus
	logger *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   map[string]struct{}
	closed bool

	closeOnce sync.Once
	done      chan struct{}
}

// NewQuoteFeed creates a feed publishing to the given signal bus.
func NewQuoteFeed(wsURL string, bus domain.SignalBus, logger *slog.Logger) *QuoteFeed {
	return &QuoteFeed{
		wsURL:  wsURL,
		bus:    bus,
		logger: logger.With(slog.String("component", "quote_feed")),
		subs:   make(map[string]struct{}),
		done:   make(chan struct{}),
	}
}

// Run connects and pumps quote messages until ctx is cancelled, reconnecting
// with exponential backoff and restoring subscriptions after each reconnect.
func (f *QuoteFeed) Run(ctx context.Context) error {
	delay := reconnectDelay
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		default:
		}

		err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-f.done:
			return nil
		default:
		}

		f.logger.Warn("quote feed disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// Close stops the feed and closes the connection.
func (f *QuoteFeed) Close() error {
	f.closeOnce.Do(func() { close(f.done) })
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	if f.conn != nil {
		_ = f.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return f.conn.Close()
	}
	return nil
}

// Subscribe starts the real-time price stream for ticker. The subscription
// survives reconnects; subscribing before the first connect is allowed.
func (f *QuoteFeed) Subscribe(ticker string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[ticker]; ok {
		return nil
	}
	f.subs[ticker] = struct{}{}
	if f.conn == nil {
		return nil
	}
	return f.sendCommand(wsCommand{Type: "subscribe", TR: trRealtimePrice, Ticker: ticker})
}

// Unsubscribe stops the stream for ticker.
func (f *QuoteFeed) Unsubscribe(ticker string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[ticker]; !ok {
		return nil
	}
	delete(f.subs, ticker)
	if f.conn == nil {
		return nil
	}
	return f.sendCommand(wsCommand{Type: "unsubscribe", TR: trRealtimePrice, Ticker: ticker})
}

// runConnection dials once and reads until the connection drops.
func (f *QuoteFeed) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return fmt.Errorf("feed: connect: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	f.mu.Lock()
	f.conn = conn
	tickers := make([]string, 0, len(f.subs))
	for t := range f.subs {
		tickers = append(tickers, t)
	}
	for _, t := range tickers {
		if err := f.sendCommand(wsCommand{Type: "subscribe", TR: trRealtimePrice, Ticker: t}); err != nil {
			f.mu.Unlock()
			conn.Close()
			return fmt.Errorf("feed: restore subscription %s: %w", t, err)
		}
	}
	f.mu.Unlock()

	f.logger.Info("quote feed connected", slog.Int("subscriptions", len(tickers)))

	pingDone := make(chan struct{})
	go f.pingLoop(conn, pingDone)
	defer close(pingDone)
	defer func() {
		f.mu.Lock()
		if f.conn == conn {
			f.conn = nil
		}
		f.mu.Unlock()
		conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		default:
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed: read: %w", err)
		}
		f.handleMessage(ctx, message)
	}
}

// sendCommand writes one JSON frame. Caller must hold f.mu.
func (f *QuoteFeed) sendCommand(cmd wsCommand) error {
	f.conn.SetWriteDeadline(time.Now().Add(writeWait))
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("feed: marshal command: %w", err)
	}
	return f.conn.WriteMessage(websocket.TextMessage, data)
}

// pingLoop keeps the connection alive until it is torn down.
func (f *QuoteFeed) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-f.done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage parses one tick and publishes it to the quotes channel.
// Unparseable frames and non-price TRs are dropped.
func (f *QuoteFeed) handleMessage(ctx context.Context, raw []byte) {
	var msg quoteMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if msg.TR != trRealtimePrice || msg.Body.Ticker == "" {
		return
	}
	price, err := decimal.NewFromString(msg.Body.Price)
	if err != nil || price.LessThanOrEqual(decimal.Zero) {
		return
	}

	ev := quoteEvent{
		Ticker: msg.Body.Ticker,
		Price:  price.String(),
		Volume: msg.Body.Volume,
		At:     parseExchangeTime(msg.Body.Time).Format(time.RFC3339Nano),
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := f.bus.Publish(ctx, QuoteChannel, payload); err != nil {
		f.logger.Debug("quote publish failed",
			slog.String("ticker", ev.Ticker),
			slog.String("error", err.Error()),
		)
	}
}

// parseExchangeTime converts an HHMMSS tick time to a timestamp on today's
// date in local exchange time, falling back to now.
func parseExchangeTime(hhmmss string) time.Time {
	now := time.Now()
	if len(hhmmss) != 6 {
		return now
	}
	t, err := time.ParseInLocation("150405", hhmmss, time.Local)
	if err != nil {
		return now
	}
	return time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.Local)
}
