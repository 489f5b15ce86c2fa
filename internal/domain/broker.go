package domain

import (
	"context"
	"encoding/json"
)

// brokerCodeOK is the return code the broker uses for a successful call.
const brokerCodeOK = "00000"

// RequestFrame is one outbound broker call. Channel is the correlation slot
// the response will be tagged with; TR identifies the transaction (order
// submission, account query, ...). Body is the TR-specific payload.
type RequestFrame struct {
	Channel int             `json:"channel"`
	TR      string          `json:"tr"`
	Body    json.RawMessage `json:"body,omitempty"`
}

// ResponseFrame is one inbound broker message correlated by channel. Code and
// Message carry the broker's embedded error marker; Body is the TR-specific
// payload for successful calls.
type ResponseFrame struct {
	Channel int             `json:"channel"`
	TR      string          `json:"tr"`
	Code    string          `json:"code"`
	Message string          `json:"message,omitempty"`
	Body    json.RawMessage `json:"body,omitempty"`
}

// Err returns the embedded broker error, or nil when the frame reports
// success. An empty code is treated as success for brokers that omit it.
func (f ResponseFrame) Err() error {
	if f.Code == "" || f.Code == brokerCodeOK {
		return nil
	}
	return &BrokerError{Code: f.Code, Message: f.Message}
}

// BrokerTransport sends request frames to the broker session. Responses
// arrive asynchronously through the session's message pump and are routed to
// the gateway by channel id. Send returns once the frame is written; it never
// waits for the correlated response.
type BrokerTransport interface {
	Send(ctx context.Context, frame RequestFrame) error
}
