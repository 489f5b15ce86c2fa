package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/stockbot/internal/domain"
	"github.com/alanyoungcy/stockbot/internal/metrics"
)

// CallOptions controls one gateway call. Attempt policy is caller-supplied:
// idempotent queries use several attempts with a moderate timeout, order
// submissions use a single attempt with a long timeout because re-submitting
// on an ambiguous failure risks duplicate execution.
type CallOptions struct {
	Timeout     time.Duration
	MaxAttempts int
	RetryDelay  time.Duration
}

// Result is a successful gateway round-trip. Attempts records which attempt
// produced the response (1-based).
type Result struct {
	Frame    domain.ResponseFrame
	Attempts int
}

// Gateway correlates outbound broker calls with their asynchronous responses
// by channel id. The blocking wait suspends only the calling goroutine;
// other workers keep processing. The session's message pump must route every
// channel-tagged inbound frame to Dispatch.
type Gateway struct {
	transport domain.BrokerTransport
	channels  *ChannelAllocator
	limiter   domain.RateLimiter
	logger    *slog.Logger

	mu      sync.Mutex
	waiters map[int]chan domain.ResponseFrame
}

// NewGateway creates a Gateway over the given transport and channel pool.
func NewGateway(transport domain.BrokerTransport, channels *ChannelAllocator, logger *slog.Logger) *Gateway {
	return &Gateway{
		transport: transport,
		channels:  channels,
		logger:    logger.With(slog.String("component", "gateway")),
		waiters:   make(map[int]chan domain.ResponseFrame),
	}
}

// SetRateLimiter installs an optional per-call-class rate limiter, consulted
// before each send. Brokers throttle request rates per account; waiting here
// keeps throttle rejections out of the retry loop. Must be set before use.
func (g *Gateway) SetRateLimiter(rl domain.RateLimiter) {
	g.limiter = rl
}

// Call sends a TR request and blocks until the correlated response arrives
// or opts.Timeout elapses, retrying failed attempts up to opts.MaxAttempts
// with opts.RetryDelay between them. A response carrying an embedded broker
// error counts as a failed attempt. The terminal error is
// domain.ErrTimeout, a *domain.BrokerError, or domain.ErrResourceExhausted.
func (g *Gateway) Call(ctx context.Context, tr string, body json.RawMessage, opts CallOptions) (Result, error) {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		frame, err := g.attempt(ctx, tr, body, opts.Timeout)
		metrics.GatewayAttempts.WithLabelValues(tr).Inc()
		if err == nil {
			return Result{Frame: frame, Attempts: attempt}, nil
		}
		lastErr = err

		switch {
		case err == domain.ErrResourceExhausted:
			// Fatal for this call: backing off won't free channels held by
			// other workers any faster than their own completions will.
			metrics.GatewayFailures.WithLabelValues(tr, "exhausted").Inc()
			return Result{Attempts: attempt}, fmt.Errorf("gateway: call %s: %w", tr, err)
		case err == domain.ErrTimeout:
			metrics.GatewayFailures.WithLabelValues(tr, "timeout").Inc()
		default:
			if _, ok := err.(*domain.BrokerError); ok {
				metrics.GatewayFailures.WithLabelValues(tr, "broker_error").Inc()
			} else {
				metrics.GatewayFailures.WithLabelValues(tr, "send").Inc()
			}
		}

		g.logger.Warn("broker call attempt failed",
			slog.String("tr", tr),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", opts.MaxAttempts),
			slog.String("error", err.Error()),
		)

		if attempt == opts.MaxAttempts {
			break
		}
		if opts.RetryDelay > 0 {
			timer := time.NewTimer(opts.RetryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Result{Attempts: attempt}, fmt.Errorf("gateway: call %s: %w", tr, ctx.Err())
			case <-timer.C:
			}
		}
	}

	return Result{Attempts: opts.MaxAttempts}, fmt.Errorf("gateway: call %s after %d attempts: %w", tr, opts.MaxAttempts, lastErr)
}

// attempt performs one allocate/send/wait/release cycle.
func (g *Gateway) attempt(ctx context.Context, tr string, body json.RawMessage, timeout time.Duration) (domain.ResponseFrame, error) {
	ch, err := g.channels.Allocate()
	if err != nil {
		return domain.ResponseFrame{}, err
	}

	waiter := make(chan domain.ResponseFrame, 1)
	g.mu.Lock()
	g.waiters[ch] = waiter
	g.mu.Unlock()

	// Unregister before releasing so a response arriving between the two
	// steps is dropped by Dispatch instead of hitting a reused channel.
	cleanup := func() {
		g.mu.Lock()
		delete(g.waiters, ch)
		g.mu.Unlock()
		g.channels.Release(ch)
	}

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx, "tr:"+tr); err != nil {
			cleanup()
			return domain.ResponseFrame{}, err
		}
	}

	frame := domain.RequestFrame{Channel: ch, TR: tr, Body: body}
	if err := g.transport.Send(ctx, frame); err != nil {
		cleanup()
		return domain.ResponseFrame{}, fmt.Errorf("send %s: %w", tr, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-waiter:
		cleanup()
		if err := resp.Err(); err != nil {
			return domain.ResponseFrame{}, err
		}
		return resp, nil
	case <-timer.C:
		cleanup()
		return domain.ResponseFrame{}, domain.ErrTimeout
	case <-ctx.Done():
		cleanup()
		return domain.ResponseFrame{}, ctx.Err()
	}
}

// Dispatch delivers an inbound channel-tagged frame to the waiting call. At
// most one response is accepted per outstanding channel; late or duplicate
// frames for a channel that has already been released are dropped and logged
// so they can never be misapplied to a newer request reusing that id.
func (g *Gateway) Dispatch(frame domain.ResponseFrame) {
	g.mu.Lock()
	waiter, ok := g.waiters[frame.Channel]
	if ok {
		delete(g.waiters, frame.Channel)
	}
	g.mu.Unlock()

	if !ok {
		g.logger.Warn("dropping response for released channel",
			slog.Int("channel", frame.Channel),
			slog.String("tr", frame.TR),
		)
		return
	}
	waiter <- frame
}
