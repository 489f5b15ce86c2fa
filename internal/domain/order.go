package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide indicates whether an order buys or sells.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderDivision is the broker's price-condition code for an order.
type OrderDivision string

const (
	DivisionLimit  OrderDivision = "00" // limit order at the given price
	DivisionMarket OrderDivision = "03" // market order, price field ignored
)

// OrderStatus tracks a pending order through one gateway round-trip.
type OrderStatus string

const (
	OrderStatusSubmitted OrderStatus = "submitted"
	OrderStatusAcked     OrderStatus = "acked"
	OrderStatusFailed    OrderStatus = "failed"
	OrderStatusTimedOut  OrderStatus = "timed_out"
)

// OrderRequest describes one order to submit to the broker. Price is ignored
// for market orders.
type OrderRequest struct {
	Ticker   string
	Side     OrderSide
	Quantity int64
	Price    decimal.Decimal
	Division OrderDivision
}

// OrderAck is the broker's synchronous acceptance of an order submission. The
// broker-assigned order id is only known once the submission is acked.
type OrderAck struct {
	OrderID string
	Ticker  string
	AckedAt time.Time
}

// PendingOrder is an acked order awaiting its execution report. It is owned
// by the coordinator between ack and fill confirmation.
type PendingOrder struct {
	OrderID     string
	ClientRef   string // client-generated reference, set before submission
	Ticker      string
	Side        OrderSide
	Quantity    int64
	Price       decimal.Decimal
	Status      OrderStatus
	SubmittedAt time.Time
}

// ExecutionReport is the broker's asynchronous fill confirmation. TotalQty is
// the authoritative position quantity after this fill.
type ExecutionReport struct {
	OrderID     string
	Ticker      string
	Name        string
	Side        OrderSide
	FilledQty   int64
	FilledPrice decimal.Decimal
	TotalQty    int64
	At          time.Time
}

// Holding is one line of the broker's account holdings, used to reconcile the
// local position table at startup.
type Holding struct {
	Ticker   string
	Name     string
	Quantity int64
	AvgPrice decimal.Decimal
}

// AccountSnapshot is the result of an account query.
type AccountSnapshot struct {
	Cash     decimal.Decimal
	Holdings []Holding
}
