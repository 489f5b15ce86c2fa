package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quote is one real-time price update for a subscribed ticker.
type Quote struct {
	Ticker string          `json:"ticker"`
	Price  decimal.Decimal `json:"price"`
	Volume int64           `json:"volume,omitempty"`
	At     time.Time       `json:"at"`
}

// QuoteSubscriber manages the set of tickers the real-time feed watches. The
// coordinator subscribes as positions open and unsubscribes as they close.
type QuoteSubscriber interface {
	Subscribe(ticker string) error
	Unsubscribe(ticker string) error
}
