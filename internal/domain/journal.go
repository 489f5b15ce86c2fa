package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// TradeRecord is one confirmed fill, as written to the trade journal.
type TradeRecord struct {
	ID          string          `json:"id"`
	OrderID     string          `json:"order_id"`
	Ticker      string          `json:"ticker"`
	Name        string          `json:"name,omitempty"`
	Side        OrderSide       `json:"side"`
	Quantity    int64           `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Reason      string          `json:"reason,omitempty"`
	PositionQty int64           `json:"position_qty"`
	At          time.Time       `json:"at"`
}

// TradeJournal records confirmed fills. Recording is best-effort: failures
// are logged by the caller and never block trading.
type TradeJournal interface {
	Record(ctx context.Context, rec TradeRecord) error
}
