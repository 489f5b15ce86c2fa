package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/stockbot/internal/domain"
)

const (
	sessionWriteWait    = 10 * time.Second
	sessionPongWait     = 60 * time.Second
	sessionPingPeriod   = (sessionPongWait * 9) / 10
	sessionRedialDelay  = 2 * time.Second
	sessionRedialMax    = 60 * time.Second
	handshakeTimeout    = 15 * time.Second
	loginResponseWindow = 10 * time.Second
)

// trLogin authenticates the session. The broker answers on channel 0 before
// any other traffic is accepted.
const trLogin = "LOGIN"

// FrameHandler receives every inbound broker frame in read order.
type FrameHandler interface {
	HandleFrame(frame domain.ResponseFrame)
}

// SessionConfig carries the connection parameters for the broker session.
type SessionConfig struct {
	URL       string
	AppKey    string
	AppSecret string
	Account   string
	// AccountPassword is the order password the broker requires at login.
	AccountPassword string
}

// Session is the persistent websocket connection to the broker API. It
// implements domain.BrokerTransport for outbound frames and pumps every
// inbound frame to the registered FrameHandler. The session authenticates on
// connect and re-authenticates after every reconnect.
type Session struct {
	cfg     SessionConfig
	handler FrameHandler
	logger  *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	closeOnce sync.Once
	done      chan struct{}
}

var _ domain.BrokerTransport = (*Session)(nil)

// NewSession creates a broker session. SetHandler must be called before Run,
// and Run before Send.
func NewSession(cfg SessionConfig, logger *slog.Logger) *Session {
	return &Session{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "broker_session")),
		done:   make(chan struct{}),
	}
}

// SetHandler installs the inbound frame handler.
func (s *Session) SetHandler(h FrameHandler) {
	s.handler = h
}

// Run maintains the connection until ctx is cancelled or Close is called,
// redialing with exponential backoff after every drop.
func (s *Session) Run(ctx context.Context) error {
	delay := sessionRedialDelay

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		default:
		}

		if err := s.runConnection(ctx); err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.done:
				return nil
			default:
			}

			s.logger.Error("session dropped, redialing",
				slog.String("error", err.Error()),
				slog.Duration("delay", delay),
			)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.done:
				return nil
			case <-time.After(delay):
			}

			delay *= 2
			if delay > sessionRedialMax {
				delay = sessionRedialMax
			}
			continue
		}

		delay = sessionRedialDelay
	}
}

// Close shuts the session down. Safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		conn := s.conn
		s.mu.Unlock()

		close(s.done)

		if conn != nil {
			_ = conn.WriteMessage(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			)
			_ = conn.Close()
		}
	})
	return nil
}

// Send writes one request frame to the broker. It returns an error when the
// session is not connected; the gateway surfaces that to the caller, which
// retries per its own policy.
func (s *Session) Send(ctx context.Context, frame domain.RequestFrame) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return fmt.Errorf("broker: session not connected")
	}
	return s.writeFrame(frame)
}

// writeFrame marshals and writes a frame. Caller must hold s.mu.
func (s *Session) writeFrame(frame domain.RequestFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("broker: marshal frame: %w", err)
	}

	s.conn.SetWriteDeadline(time.Now().Add(sessionWriteWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("broker: write frame: %w", err)
	}
	return nil
}

// loginBody is the payload of the authentication frame.
type loginBody struct {
	AppKey    string `json:"app_key"`
	AppSecret string `json:"app_secret"`
	Account   string `json:"account"`
	Password  string `json:"password,omitempty"`
}

// runConnection dials, authenticates, and reads frames until the connection
// drops or the session is shut down.
func (s *Session) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("broker: dial %s: %w", s.cfg.URL, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return nil
	}
	s.conn = conn
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(sessionPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(sessionPongWait))
		return nil
	})

	if err := s.login(conn); err != nil {
		return err
	}
	s.logger.Info("session established", slog.String("url", s.cfg.URL))

	pingDone := make(chan struct{})
	defer close(pingDone)
	go s.pingLoop(conn, pingDone)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("broker: read: %w", err)
		}

		var frame domain.ResponseFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			s.logger.Warn("unparseable broker frame dropped",
				slog.String("error", err.Error()),
			)
			continue
		}
		s.handler.HandleFrame(frame)
	}
}

// login sends the authentication frame and waits for the broker's answer
// before the normal read loop starts.
func (s *Session) login(conn *websocket.Conn) error {
	body, err := json.Marshal(loginBody{
		AppKey:    s.cfg.AppKey,
		AppSecret: s.cfg.AppSecret,
		Account:   s.cfg.Account,
		Password:  s.cfg.AccountPassword,
	})
	if err != nil {
		return fmt.Errorf("broker: marshal login: %w", err)
	}

	frame := domain.RequestFrame{Channel: 0, TR: trLogin, Body: body}

	s.mu.Lock()
	err = s.writeFrame(frame)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(loginResponseWindow))
	defer conn.SetReadDeadline(time.Now().Add(sessionPongWait))

	_, message, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("broker: login read: %w", err)
	}

	var resp domain.ResponseFrame
	if err := json.Unmarshal(message, &resp); err != nil {
		return fmt.Errorf("broker: login response: %w", err)
	}
	if err := resp.Err(); err != nil {
		return fmt.Errorf("broker: login rejected: %w", err)
	}
	return nil
}

// pingLoop keeps the connection alive until the connection or session ends.
func (s *Session) pingLoop(conn *websocket.Conn, connDone <-chan struct{}) {
	ticker := time.NewTicker(sessionPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-connDone:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(sessionWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
