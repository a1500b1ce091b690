package sidechannel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"dronelink/internal/core/domain"
	apperrors "dronelink/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type collectingHandler struct {
	mu       sync.Mutex
	messages []string
}

func (h *collectingHandler) HandleMessage(_ context.Context, raw []byte) (domain.DropReason, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, string(raw))
	if string(raw) == "bad" {
		return domain.DropNone, apperrors.NewProtocolError("bad frame", domain.ErrProtocol)
	}
	return domain.DropNone, nil
}

func (h *collectingHandler) received() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.messages...)
}

func startIngest(t *testing.T, handler FrameHandler) string {
	t.Helper()
	server := NewIngestServer(handler, 1<<20, zap.NewNop().Sugar())
	ts := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestWebSocketChannel_DeliversInOrder(t *testing.T) {
	handler := &collectingHandler{}
	url := startIngest(t, handler)

	ch, err := Dial(context.Background(), url, DefaultOptions(), zap.NewNop().Sugar())
	require.NoError(t, err)
	defer ch.Close()
	require.True(t, ch.IsOpen())

	require.NoError(t, ch.Send([]byte("one")))
	require.NoError(t, ch.Send([]byte("bad")))
	require.NoError(t, ch.Send([]byte("two")))

	assert.Eventually(t, func() bool { return len(handler.received()) == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"one", "bad", "two"}, handler.received())
	assert.Eventually(t, func() bool { return ch.BufferedAmount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestWebSocketChannel_QueueFullAndBufferedAmount(t *testing.T) {
	// No writer goroutine: everything sent stays queued.
	ch := &WebSocketChannel{
		queue:  make(chan []byte, 2),
		done:   make(chan struct{}),
		logger: zap.NewNop().Sugar(),
	}
	ch.open.Store(true)

	payload := []byte(strings.Repeat("x", 512))
	require.NoError(t, ch.Send(payload))
	require.NoError(t, ch.Send(payload))
	assert.ErrorIs(t, ch.Send(payload), ErrQueueFull)
	assert.Equal(t, uint64(1024), ch.BufferedAmount())
}

func TestWebSocketChannel_CloseIsIdempotent(t *testing.T) {
	url := startIngest(t, &collectingHandler{})
	ch, err := Dial(context.Background(), url, DefaultOptions(), zap.NewNop().Sugar())
	require.NoError(t, err)

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
	assert.False(t, ch.IsOpen())
	assert.ErrorIs(t, ch.Send([]byte("late")), domain.ErrSideChannelClosed)
}

func TestDial_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := Dial(ctx, "ws://127.0.0.1:1/frames", DefaultOptions(), zap.NewNop().Sugar())
	assert.Equal(t, apperrors.ErrCodeTransportFailure, apperrors.CodeOf(err))
}
