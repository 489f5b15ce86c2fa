package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/stockbot/internal/domain"
)

func newTestClient(onSend func(*Gateway, domain.RequestFrame)) *Client {
	gw, _ := newTestGateway(onSend)
	return NewClient(gw, ClientConfig{
		OrderTimeout: time.Second,
		QueryTimeout: time.Second,
		QueryRetries: 1,
	}, testLogger())
}

func TestSubmitOrderParsesAck(t *testing.T) {
	var sent orderBody
	client := newTestClient(func(gw *Gateway, frame domain.RequestFrame) {
		if err := json.Unmarshal(frame.Body, &sent); err != nil {
			panic(err)
		}
		gw.Dispatch(domain.ResponseFrame{
			Channel: frame.Channel,
			TR:      frame.TR,
			Code:    "00000",
			Body:    json.RawMessage(`{"order_id":"A123"}`),
		})
	})

	ack, err := client.SubmitOrder(context.Background(), domain.OrderRequest{
		Ticker:   "005930",
		Side:     domain.OrderSideSell,
		Quantity: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, "A123", ack.OrderID)
	assert.Equal(t, "005930", sent.Ticker)
	// No division supplied defaults to a market order.
	assert.Equal(t, domain.DivisionMarket, sent.Division)
	assert.NotEmpty(t, sent.ClientRef)
}

func TestSubmitOrderRejectsMalformedAck(t *testing.T) {
	client := newTestClient(func(gw *Gateway, frame domain.RequestFrame) {
		gw.Dispatch(domain.ResponseFrame{
			Channel: frame.Channel,
			Code:    "00000",
			Body:    json.RawMessage(`{}`),
		})
	})

	_, err := client.SubmitOrder(context.Background(), domain.OrderRequest{
		Ticker:   "005930",
		Side:     domain.OrderSideSell,
		Quantity: 5,
	})
	var dataErr *domain.DataError
	assert.ErrorAs(t, err, &dataErr)
}

func TestQueryAccountParsesHoldings(t *testing.T) {
	client := newTestClient(func(gw *Gateway, frame domain.RequestFrame) {
		gw.Dispatch(domain.ResponseFrame{
			Channel: frame.Channel,
			Code:    "00000",
			Body: json.RawMessage(`{
				"cash": "1500000",
				"holdings": [
					{"ticker":"005930","name":"Samsung Electronics","quantity":10,"avg_price":"71000"},
					{"ticker":"","name":"ghost","quantity":3,"avg_price":"100"}
				]
			}`),
		})
	})

	snap, err := client.QueryAccount(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.Cash.Equal(decimal.NewFromInt(1500000)))
	require.Len(t, snap.Holdings, 1)
	assert.Equal(t, "005930", snap.Holdings[0].Ticker)
	assert.EqualValues(t, 10, snap.Holdings[0].Quantity)
}

func TestHandleFrameRoutesExecutionReports(t *testing.T) {
	client := newTestClient(nil)

	got := make(chan domain.ExecutionReport, 1)
	client.OnExecutionReport(func(r domain.ExecutionReport) { got <- r })

	client.HandleFrame(domain.ResponseFrame{
		TR: TRExecution,
		Body: json.RawMessage(`{
			"order_id":"A1","ticker":"005930","side":"sell",
			"filled_qty":5,"filled_price":"72000","total_qty":5
		}`),
	})

	select {
	case r := <-got:
		assert.Equal(t, "A1", r.OrderID)
		assert.Equal(t, domain.OrderSideSell, r.Side)
		assert.EqualValues(t, 5, r.FilledQty)
	case <-time.After(time.Second):
		t.Fatal("execution report not delivered")
	}

	// Malformed report payloads are dropped without reaching the listener.
	client.HandleFrame(domain.ResponseFrame{TR: TRExecution, Body: json.RawMessage(`{"order_id":1}`)})
	select {
	case <-got:
		t.Fatal("malformed report should have been dropped")
	case <-time.After(50 * time.Millisecond):
	}
}
