package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"dronelink/internal/core/domain"
	"dronelink/internal/core/ports"
	"dronelink/internal/infrastructure/repositories/memory"
	"dronelink/pkg/auth"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingMetrics struct {
	ports.NopMetrics
	mu        sync.Mutex
	dropped   []string
	forwarded int
}

func (m *recordingMetrics) RecordEnvelopeDropped(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped = append(m.dropped, reason)
}

func (m *recordingMetrics) RecordEnvelopeForwarded() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forwarded++
}

func (m *recordingMetrics) drops() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.dropped...)
}

type captureConn struct {
	mu   sync.Mutex
	sent [][]byte
}

func (c *captureConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, data)
	return nil
}

func (c *captureConn) Close() error { return nil }

func (c *captureConn) messages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

func sequence(ids ...string) func() string {
	var mu sync.Mutex
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		id := ids[0]
		ids = ids[1:]
		return id
	}
}

func newTestRelay(t *testing.T, verifier *auth.Verifier, ids ...string) (*WebSocketServer, *recordingMetrics, string) {
	t.Helper()
	registry := memory.NewMemoryClientRegistryWithGenerator(sequence(ids...))
	metrics := &recordingMetrics{}
	server := NewWebSocketServer(registry, verifier, metrics, DefaultOptions(), zap.NewNop().Sugar())

	ts := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))
	t.Cleanup(ts.Close)
	return server, metrics, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string) *RelayClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := DialRelay(ctx, url, "", zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func receive(t *testing.T, c *RelayClient) json.RawMessage {
	t.Helper()
	select {
	case msg, ok := <-c.Incoming():
		require.True(t, ok, "incoming closed")
		return msg
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for forwarded envelope")
		return nil
	}
}

func TestRelay_ForwardsWithResolvedSender(t *testing.T) {
	_, _, url := newTestRelay(t, nil, "a1", "b2")
	a := dial(t, url)
	b := dial(t, url)
	require.Equal(t, domain.ClientID("a1"), a.ID())
	require.Equal(t, domain.ClientID("b2"), b.ID())

	offer := map[string]string{"type": "offer", "sdp": "v=0...", "socketID": "spoofed"}
	require.NoError(t, a.Send(context.Background(), "b2", offer))

	got := receive(t, b)
	assert.JSONEq(t, `{"type":"offer","sdp":"v=0...","socketID":"a1"}`, string(got))
}

func TestRelay_AbsentTargetIsDroppedAndLoopContinues(t *testing.T) {
	_, metrics, url := newTestRelay(t, nil, "a1", "b2")
	a := dial(t, url)
	b := dial(t, url)

	require.NoError(t, a.Send(context.Background(), "nobody", map[string]string{"type": "offer"}))
	require.NoError(t, a.Send(context.Background(), b.ID(), map[string]string{"type": "answer", "sdp": "x"}))

	got := receive(t, b)
	assert.JSONEq(t, `{"type":"answer","sdp":"x","socketID":"a1"}`, string(got))
	assert.Contains(t, metrics.drops(), DropTargetNotFound)
}

func TestRelay_SelfAddressedLoopback(t *testing.T) {
	_, _, url := newTestRelay(t, nil, "a1")
	a := dial(t, url)

	require.NoError(t, a.Send(context.Background(), a.ID(), map[string]string{"type": "candidate"}))
	got := receive(t, a)
	assert.JSONEq(t, `{"type":"candidate","socketID":"a1"}`, string(got))
}

func TestRelay_RejectsMissingToken(t *testing.T) {
	verifier := auth.NewVerifier("secret")
	_, _, url := newTestRelay(t, verifier, "a1")

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := verifier.Issue("viewer", time.Minute)
	require.NoError(t, err)
	c, err := DialRelay(context.Background(), url+"?token="+token, "", zap.NewNop().Sugar())
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, domain.ClientID("a1"), c.ID())
}

func TestForward_Policies(t *testing.T) {
	registry := memory.NewMemoryClientRegistryWithGenerator(sequence("a1", "b2"))
	metrics := &recordingMetrics{}
	server := NewWebSocketServer(registry, nil, metrics, DefaultOptions(), zap.NewNop().Sugar())

	sender := &captureConn{}
	target := &captureConn{}
	_, err := registry.Register(sender)
	require.NoError(t, err)
	_, err = registry.Register(target)
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("malformed json is a protocol error", func(t *testing.T) {
		err := server.Forward(ctx, sender, []byte("{not json"))
		assert.ErrorIs(t, err, domain.ErrProtocol)
	})

	t.Run("non-object data is a protocol error", func(t *testing.T) {
		err := server.Forward(ctx, sender, []byte(`{"event":"handshake_message","socketID":"b2","data":[1,2]}`))
		assert.ErrorIs(t, err, domain.ErrProtocol)
	})

	t.Run("unknown event is ignored", func(t *testing.T) {
		err := server.Forward(ctx, sender, []byte(`{"event":"chat","socketID":"b2","data":{}}`))
		assert.NoError(t, err)
		assert.Empty(t, target.messages())
	})

	t.Run("absent target is dropped", func(t *testing.T) {
		err := server.Forward(ctx, sender, []byte(`{"event":"handshake_message","socketID":"zz","data":{}}`))
		assert.NoError(t, err)
		assert.Contains(t, metrics.drops(), DropTargetNotFound)
	})

	t.Run("unregistered sender", func(t *testing.T) {
		err := server.Forward(ctx, &captureConn{}, []byte(`{"event":"handshake_message","socketID":"b2","data":{}}`))
		assert.ErrorIs(t, err, domain.ErrClientNotFound)
	})

	t.Run("forward strips top-level target and annotates sender", func(t *testing.T) {
		err := server.Forward(ctx, sender, []byte(`{"event":"handshake_message","socketID":"b2","data":{"type":"offer","sdp":"s"}}`))
		require.NoError(t, err)

		msgs := target.messages()
		require.Len(t, msgs, 1)
		assert.JSONEq(t, `{"event":"handshake_message","data":{"type":"offer","sdp":"s","socketID":"a1"}}`, string(msgs[0]))
		assert.Equal(t, 1, metrics.forwarded)
	})

	t.Run("missing data becomes sender-only object", func(t *testing.T) {
		err := server.Forward(ctx, sender, []byte(`{"event":"handshake_message","socketID":"b2"}`))
		require.NoError(t, err)
		msgs := target.messages()
		assert.JSONEq(t, `{"event":"handshake_message","data":{"socketID":"a1"}}`, string(msgs[len(msgs)-1]))
	})

	t.Run("data members keep order and bytes", func(t *testing.T) {
		raw := `{"event":"handshake_message","socketID":"b2","data":{"type":"offer","socketID":"spoofed","sdp":"a=x <b> & c","n":1.50}}`
		err := server.Forward(ctx, sender, []byte(raw))
		require.NoError(t, err)

		msgs := target.messages()
		assert.Equal(t,
			`{"event":"handshake_message","data":{"type":"offer","sdp":"a=x <b> & c","n":1.50,"socketID":"a1"}}`,
			string(msgs[len(msgs)-1]))
	})
}

func TestRelay_DisconnectUnregisters(t *testing.T) {
	server, _, url := newTestRelay(t, nil, "a1")
	a := dial(t, url)
	assert.Eventually(t, func() bool { return server.ConnectedClients() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Close())
	assert.Eventually(t, func() bool { return server.ConnectedClients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRelay_Shutdown(t *testing.T) {
	server, _, url := newTestRelay(t, nil, "a1", "b2")
	a := dial(t, url)
	dial(t, url)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, server.Shutdown(ctx))

	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client not closed on shutdown")
	}
}
