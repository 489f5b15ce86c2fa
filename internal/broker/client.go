package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/stockbot/internal/domain"
)

// Transaction codes for the broker calls the engine uses.
const (
	// TROrderSubmit places a cash order.
	TROrderSubmit = "CSPAT00600"
	// TRAccountQuery reads the account balance and holdings.
	TRAccountQuery = "t0424"
	// TRExecution is the real-time execution report stream. Frames with this
	// TR are not channel-correlated; the broker pushes them unsolicited.
	TRExecution = "SC1"
)

// ClientConfig holds the per-call-class timeout and retry policy.
type ClientConfig struct {
	OrderTimeout time.Duration
	QueryTimeout time.Duration
	QueryRetries int
	RetryDelay   time.Duration
}

// Client is the typed broker API used by the engine. It builds TR payloads,
// runs them through the Gateway, and parses responses into domain types. It
// also routes the session's inbound frames: channel-correlated responses go
// to the Gateway, execution reports go to the registered listener.
type Client struct {
	gw     *Gateway
	cfg    ClientConfig
	logger *slog.Logger

	reportMu sync.RWMutex
	onReport func(domain.ExecutionReport)
}

// NewClient creates a Client over the given gateway.
func NewClient(gw *Gateway, cfg ClientConfig, logger *slog.Logger) *Client {
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = 30 * time.Second
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 10 * time.Second
	}
	if cfg.QueryRetries < 1 {
		cfg.QueryRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	return &Client{
		gw:     gw,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "broker_client")),
	}
}

// OnExecutionReport registers the listener invoked for every execution
// report frame. Must be set before the session pump starts.
func (c *Client) OnExecutionReport(fn func(domain.ExecutionReport)) {
	c.reportMu.Lock()
	c.onReport = fn
	c.reportMu.Unlock()
}

// orderBody is the TR payload for CSPAT00600.
type orderBody struct {
	Ticker    string               `json:"ticker"`
	Side      domain.OrderSide     `json:"side"`
	Quantity  int64                `json:"quantity"`
	Price     decimal.Decimal      `json:"price"`
	Division  domain.OrderDivision `json:"division"`
	ClientRef string               `json:"client_ref"`
}

// orderAckBody is the response payload for CSPAT00600.
type orderAckBody struct {
	OrderID string `json:"order_id"`
}

// SubmitOrder places an order through the gateway with a single attempt and
// a long timeout. Ambiguous failures (timeout after the broker may have
// accepted the order) must not be retried here; the caller re-evaluates on
// the next tick instead.
func (c *Client) SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
	if req.Quantity <= 0 {
		return domain.OrderAck{}, fmt.Errorf("broker: submit order %s: non-positive quantity %d", req.Ticker, req.Quantity)
	}
	if req.Division == "" {
		req.Division = domain.DivisionMarket
	}

	body, err := json.Marshal(orderBody{
		Ticker:    req.Ticker,
		Side:      req.Side,
		Quantity:  req.Quantity,
		Price:     req.Price,
		Division:  req.Division,
		ClientRef: uuid.New().String(),
	})
	if err != nil {
		return domain.OrderAck{}, fmt.Errorf("broker: marshal order: %w", err)
	}

	res, err := c.gw.Call(ctx, TROrderSubmit, body, CallOptions{
		Timeout:     c.cfg.OrderTimeout,
		MaxAttempts: 1,
	})
	if err != nil {
		return domain.OrderAck{}, err
	}

	var ack orderAckBody
	if err := json.Unmarshal(res.Frame.Body, &ack); err != nil {
		return domain.OrderAck{}, &domain.DataError{Detail: "order ack payload", Err: err}
	}
	if ack.OrderID == "" {
		return domain.OrderAck{}, &domain.DataError{Detail: "order ack missing order id"}
	}

	c.logger.Info("order acked",
		slog.String("ticker", req.Ticker),
		slog.String("side", string(req.Side)),
		slog.Int64("quantity", req.Quantity),
		slog.String("order_id", ack.OrderID),
	)
	return domain.OrderAck{OrderID: ack.OrderID, Ticker: req.Ticker, AckedAt: time.Now()}, nil
}

// accountBody is the response payload for t0424.
type accountBody struct {
	Cash     decimal.Decimal `json:"cash"`
	Holdings []struct {
		Ticker   string          `json:"ticker"`
		Name     string          `json:"name"`
		Quantity int64           `json:"quantity"`
		AvgPrice decimal.Decimal `json:"avg_price"`
	} `json:"holdings"`
}

// QueryAccount reads the broker's authoritative balance and holdings. The
// query is idempotent, so it retries on timeout and broker errors.
func (c *Client) QueryAccount(ctx context.Context) (domain.AccountSnapshot, error) {
	res, err := c.gw.Call(ctx, TRAccountQuery, nil, CallOptions{
		Timeout:     c.cfg.QueryTimeout,
		MaxAttempts: c.cfg.QueryRetries,
		RetryDelay:  c.cfg.RetryDelay,
	})
	if err != nil {
		return domain.AccountSnapshot{}, err
	}

	var body accountBody
	if err := json.Unmarshal(res.Frame.Body, &body); err != nil {
		return domain.AccountSnapshot{}, &domain.DataError{Detail: "account payload", Err: err}
	}

	snap := domain.AccountSnapshot{Cash: body.Cash}
	for _, h := range body.Holdings {
		if h.Ticker == "" || h.Quantity <= 0 {
			continue
		}
		snap.Holdings = append(snap.Holdings, domain.Holding{
			Ticker:   h.Ticker,
			Name:     h.Name,
			Quantity: h.Quantity,
			AvgPrice: h.AvgPrice,
		})
	}
	return snap, nil
}

// reportBody is the payload of an SC1 execution report frame.
type reportBody struct {
	OrderID     string          `json:"order_id"`
	Ticker      string          `json:"ticker"`
	Name        string          `json:"name"`
	Side        string          `json:"side"`
	FilledQty   int64           `json:"filled_qty"`
	FilledPrice decimal.Decimal `json:"filled_price"`
	TotalQty    int64           `json:"total_qty"`
}

// HandleFrame routes one inbound broker frame. The session's message pump
// calls this for every message it reads: execution reports are decoded and
// handed to the listener, everything else is channel-correlated and goes to
// the gateway. Malformed report payloads are logged and dropped; they must
// never crash the pump.
func (c *Client) HandleFrame(frame domain.ResponseFrame) {
	if frame.TR != TRExecution {
		c.gw.Dispatch(frame)
		return
	}

	var body reportBody
	if err := json.Unmarshal(frame.Body, &body); err != nil {
		c.logger.Error("malformed execution report dropped",
			slog.String("error", err.Error()),
		)
		return
	}
	if body.OrderID == "" || body.Ticker == "" {
		c.logger.Error("execution report missing order id or ticker, dropped")
		return
	}

	report := domain.ExecutionReport{
		OrderID:     body.OrderID,
		Ticker:      body.Ticker,
		Name:        body.Name,
		Side:        domain.OrderSide(body.Side),
		FilledQty:   body.FilledQty,
		FilledPrice: body.FilledPrice,
		TotalQty:    body.TotalQty,
		At:          time.Now(),
	}

	c.reportMu.RLock()
	fn := c.onReport
	c.reportMu.RUnlock()
	if fn == nil {
		c.logger.Warn("execution report received before listener registered",
			slog.String("order_id", report.OrderID),
		)
		return
	}
	fn(report)
}
