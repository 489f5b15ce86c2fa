package broker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/stockbot/internal/domain"
)

type frameRecorder struct {
	mu     sync.Mutex
	frames []domain.ResponseFrame
}

func (r *frameRecorder) HandleFrame(frame domain.ResponseFrame) {
	r.mu.Lock()
	r.frames = append(r.frames, frame)
	r.mu.Unlock()
}

func (r *frameRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

// fakeBrokerServer accepts one websocket connection, answers the login frame,
// and echoes every request back as a response frame on the same channel.
func fakeBrokerServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				return
			}

			var req domain.RequestFrame
			if err := json.Unmarshal(message, &req); err != nil {
				continue
			}

			resp := domain.ResponseFrame{
				Channel: req.Channel,
				TR:      req.TR,
				Code:    "00000",
				Body:    req.Body,
			}
			data, _ := json.Marshal(resp)
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSessionSendBeforeConnectFails(t *testing.T) {
	s := NewSession(SessionConfig{URL: "ws://127.0.0.1:1"},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.SetHandler(&frameRecorder{})

	err := s.Send(context.Background(), domain.RequestFrame{Channel: 3400, TR: "t0424"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")
}

func TestSessionLoginSendAndInboundDispatch(t *testing.T) {
	srv := fakeBrokerServer(t)
	defer srv.Close()

	rec := &frameRecorder{}
	s := NewSession(SessionConfig{
		URL:       wsURL(srv),
		AppKey:    "key",
		AppSecret: "secret",
		Account:   "12345678",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.SetHandler(rec)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	// Wait for the session to come up; Send fails until the dial completes.
	require.Eventually(t, func() bool {
		return s.Send(ctx, domain.RequestFrame{Channel: 3400, TR: "t0424"}) == nil
	}, 3*time.Second, 20*time.Millisecond)

	// The echo server answers on the same channel; the handler sees it.
	require.Eventually(t, func() bool {
		return rec.count() >= 1
	}, 3*time.Second, 20*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 3400, rec.frames[0].Channel)
	assert.Equal(t, "t0424", rec.frames[0].TR)
	assert.NoError(t, rec.frames[0].Err())
}
