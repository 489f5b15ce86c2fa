package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrResourceExhausted is returned when every correlation channel is
	// owned by an in-flight request. Callers must back off; overwriting an
	// outstanding channel would corrupt correlation.
	ErrResourceExhausted = errors.New("channel pool exhausted")
	// ErrTimeout is returned when no correlated response arrived within the
	// caller's deadline on the final attempt.
	ErrTimeout = errors.New("broker call timed out")
	// ErrLockHeld is returned when a distributed lock is already held.
	ErrLockHeld = errors.New("lock already held")
)

// BrokerError is an explicit rejection embedded in a broker response. It is
// retried only for idempotent queries, never for order submissions.
type BrokerError struct {
	Code    string
	Message string
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("broker error %s: %s", e.Code, e.Message)
}

// DataError marks malformed persisted state or a malformed broker payload.
// Callers degrade to defaults instead of crashing, but always log it.
type DataError struct {
	Detail string
	Err    error
}

func (e *DataError) Error() string {
	if e.Err == nil {
		return "data error: " + e.Detail
	}
	return fmt.Sprintf("data error: %s: %v", e.Detail, e.Err)
}

func (e *DataError) Unwrap() error {
	return e.Err
}
