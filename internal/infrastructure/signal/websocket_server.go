package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"dronelink/internal/core/domain"
	"dronelink/internal/core/ports"
	"dronelink/pkg/auth"
	apperrors "dronelink/pkg/errors"
	rlog "dronelink/pkg/logger"
	"dronelink/pkg/tracing"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Drop reasons reported to metrics.
const (
	DropTargetNotFound = "target_not_found"
	DropUnknownEvent   = "unknown_event"
	DropMalformed      = "malformed"
	DropRateLimited    = "rate_limited"
	DropSendFailed     = "send_failed"
)

// Options tunes keepalive, limits and origin checks of the relay
type Options struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	MaxMessageSize    int64
	MessagesPerSecond float64
	Burst             int
	SendBuffer        int
	AllowedOrigins    []string
}

// DefaultOptions returns relay defaults
func DefaultOptions() Options {
	return Options{
		PingInterval:      30 * time.Second,
		PongTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		MaxMessageSize:    64 * 1024,
		MessagesPerSecond: 50,
		Burst:             100,
		SendBuffer:        256,
	}
}

// WebSocketServer is the signaling relay. It assigns every connection an id
// and routes handshake envelopes between ids without looking inside them.
type WebSocketServer struct {
	registry ports.ClientRegistry
	verifier *auth.Verifier
	metrics  ports.MetricsRecorder
	opts     Options
	upgrader websocket.Upgrader

	clients map[*wsClient]struct{}
	mu      sync.Mutex
	wg      sync.WaitGroup

	logger *zap.SugaredLogger
}

// NewWebSocketServer creates a relay that routes envelopes between registered clients
func NewWebSocketServer(
	registry ports.ClientRegistry,
	verifier *auth.Verifier,
	metrics ports.MetricsRecorder,
	opts Options,
	logger *zap.SugaredLogger,
) *WebSocketServer {
	if verifier == nil {
		verifier = auth.NewVerifier("")
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if logger == nil {
		logger = rlog.New("info").Sugar()
	}

	defaults := DefaultOptions()
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaults.PingInterval
	}
	if opts.PongTimeout <= opts.PingInterval {
		opts.PongTimeout = 2 * opts.PingInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaults.WriteTimeout
	}
	if opts.MessagesPerSecond <= 0 || opts.Burst <= 0 {
		opts.MessagesPerSecond, opts.Burst = defaults.MessagesPerSecond, defaults.Burst
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaults.SendBuffer
	}

	s := &WebSocketServer{
		registry: registry,
		verifier: verifier,
		metrics:  metrics,
		opts:     opts,
		clients:  make(map[*wsClient]struct{}),
		logger:   logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func tokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

// HandleWebSocket upgrades the request, registers the client and runs its read loop
func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if _, err := s.verifier.Verify(tokenFromRequest(r)); err != nil {
		s.logger.Infow("rejecting relay connection", "remote_addr", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	client := newWSClient(conn, s.opts.SendBuffer)
	id, err := s.registry.Register(client)
	if err != nil {
		s.logger.Errorw("failed to register client", "error", err)
		client.Close()
		return
	}

	s.mu.Lock()
	s.clients[client] = struct{}{}
	s.mu.Unlock()
	s.wg.Add(1)
	s.metrics.RecordClientConnected()

	ctx := rlog.WithClientID(r.Context(), string(id))
	log := rlog.FromContext(ctx, s.logger)
	log.Infow("client connected", "remote_addr", r.RemoteAddr)

	go client.writePump(s.opts.PingInterval, s.opts.WriteTimeout)

	notice, _ := json.Marshal(domain.Envelope{Event: domain.EventRegistered, SocketID: id})
	if err := client.Send(notice); err != nil {
		log.Warnw("failed to send registration notice", "error", err)
	}

	s.readPump(ctx, client, log)

	s.registry.Unregister(client)
	client.Close()

	s.mu.Lock()
	delete(s.clients, client)
	s.mu.Unlock()
	s.wg.Done()
	s.metrics.RecordClientDisconnected()

	log.Infow("client disconnected")
}

// readPump handles one inbound message at a time, which gives per-connection
// FIFO forwarding.
func (s *WebSocketServer) readPump(ctx context.Context, client *wsClient, log *zap.SugaredLogger) {
	conn := client.conn
	if s.opts.MaxMessageSize > 0 {
		conn.SetReadLimit(s.opts.MaxMessageSize)
	}
	conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
		return nil
	})

	limiter := rate.NewLimiter(rate.Limit(s.opts.MessagesPerSecond), s.opts.Burst)

	for {
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Infow("error reading from client", "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))

		if msgType != websocket.TextMessage {
			s.metrics.RecordEnvelopeDropped(DropMalformed)
			log.Debugw("ignoring non-text frame", "type", msgType)
			continue
		}
		if !limiter.Allow() {
			s.metrics.RecordEnvelopeDropped(DropRateLimited)
			log.Debugw("envelope dropped by rate limit")
			continue
		}

		if err := s.Forward(ctx, client, raw); err != nil {
			log.Warnw("discarding envelope", "error", err, "code", apperrors.CodeOf(err))
		}
	}
}

// Forward routes one raw envelope from sender. The sender id is resolved from
// the registry and written into data.socketID, replacing whatever the sender
// put there. Envelopes for absent targets are dropped without error.
func (s *WebSocketServer) Forward(ctx context.Context, sender ports.Connection, raw []byte) error {
	var env domain.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.metrics.RecordEnvelopeDropped(DropMalformed)
		return apperrors.NewProtocolError("invalid envelope", fmt.Errorf("%w: %v", domain.ErrProtocol, err))
	}

	if env.Event != domain.EventHandshakeMessage {
		s.metrics.RecordEnvelopeDropped(DropUnknownEvent)
		s.logger.Debugw("ignoring envelope with unrecognized event", "event", env.Event)
		return nil
	}
	if env.SocketID == "" {
		s.metrics.RecordEnvelopeDropped(DropMalformed)
		return apperrors.NewProtocolError("envelope has no target", domain.ErrProtocol)
	}

	senderID, err := s.registry.Resolve(sender)
	if err != nil {
		return fmt.Errorf("resolve sender: %w", err)
	}

	ctx, span := tracing.TraceRelayForward(ctx, string(senderID), string(env.SocketID))
	defer span.End()

	data, err := annotateSender(env.Data, senderID)
	if err != nil {
		s.metrics.RecordEnvelopeDropped(DropMalformed)
		tracing.RecordError(ctx, err)
		return err
	}

	out, err := marshalVerbatim(domain.Envelope{Event: env.Event, Data: data})
	if err != nil {
		return apperrors.NewInternalError(err.Error())
	}

	target, err := s.registry.Lookup(env.SocketID)
	if err != nil {
		s.metrics.RecordEnvelopeDropped(DropTargetNotFound)
		s.logger.Infow("dropping envelope for absent target",
			"sender_id", senderID,
			"target_id", env.SocketID,
		)
		return nil
	}

	if err := target.Send(out); err != nil {
		s.metrics.RecordEnvelopeDropped(DropSendFailed)
		tracing.RecordError(ctx, err)
		s.logger.Warnw("failed to deliver envelope",
			"sender_id", senderID,
			"target_id", env.SocketID,
			"error", err,
		)
		return nil
	}

	s.metrics.RecordEnvelopeForwarded()
	return nil
}

// annotateSender sets socketID on the data object, replacing any socketID
// the sender wrote. Other members keep their order and their value bytes.
func annotateSender(data json.RawMessage, senderID domain.ClientID) (json.RawMessage, error) {
	id, err := marshalVerbatim(senderID)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteByte('{')

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		if trimmed[0] != '{' || !json.Valid(trimmed) {
			return nil, apperrors.NewProtocolError("envelope data must be an object",
				fmt.Errorf("%w: %s", domain.ErrProtocol, "data is not a JSON object"))
		}
		if err := copyMembersExcept(&buf, trimmed, "socketID"); err != nil {
			return nil, apperrors.NewProtocolError("envelope data must be an object",
				fmt.Errorf("%w: %v", domain.ErrProtocol, err))
		}
	}

	if buf.Len() > 1 {
		buf.WriteByte(',')
	}
	buf.WriteString(`"socketID":`)
	buf.Write(id)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// copyMembersExcept writes the members of obj, minus skip, to buf without the
// enclosing braces.
func copyMembersExcept(buf *bytes.Buffer, obj []byte, skip string) error {
	dec := json.NewDecoder(bytes.NewReader(obj))
	if _, err := dec.Token(); err != nil {
		return err
	}

	first := true
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := tok.(string)

		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return err
		}
		if key == skip {
			continue
		}

		name, err := marshalVerbatim(key)
		if err != nil {
			return err
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(value)
	}
	return nil
}

// marshalVerbatim encodes v without escaping HTML characters.
func marshalVerbatim(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ConnectedClients reports the number of registered connections.
func (s *WebSocketServer) ConnectedClients() int {
	return s.registry.Count()
}

// Shutdown closes every live connection and waits for their handlers to
// finish or ctx to expire.
func (s *WebSocketServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for client := range s.clients {
		client.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
