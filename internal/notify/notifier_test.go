package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	name string
	sent []string
	err  error
}

func (s *fakeSender) Send(_ context.Context, title, _ string) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, title)
	return nil
}

func (s *fakeSender) Name() string { return s.name }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifyFiltersByEvent(t *testing.T) {
	sender := &fakeSender{name: "test"}
	n := NewNotifier([]Sender{sender}, []string{"position_closed"}, discardLogger())
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, "exit_submitted", "submitted", "..."))
	require.NoError(t, n.Notify(ctx, "position_closed", "closed", "..."))

	assert.Equal(t, []string{"closed"}, sender.sent)
}

func TestNotifyEmptyFilterAllowsAll(t *testing.T) {
	sender := &fakeSender{name: "test"}
	n := NewNotifier([]Sender{sender}, nil, discardLogger())

	require.NoError(t, n.Notify(context.Background(), "anything", "title", "..."))
	assert.Len(t, sender.sent, 1)
}

func TestDispatchContinuesPastFailingSender(t *testing.T) {
	bad := &fakeSender{name: "bad", err: errors.New("webhook down")}
	good := &fakeSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, discardLogger())

	err := n.Notify(context.Background(), "ev", "title", "...")
	assert.Error(t, err)
	assert.Len(t, good.sent, 1)
}
