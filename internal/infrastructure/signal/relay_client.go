package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"dronelink/internal/core/domain"
	"dronelink/internal/core/ports"
	apperrors "dronelink/pkg/errors"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	registrationTimeout = 10 * time.Second
	clientWriteTimeout  = 10 * time.Second
)

// RelayClient is the viewer end of a relay connection. It implements
// ports.SignalingChannel.
type RelayClient struct {
	conn     *websocket.Conn
	id       domain.ClientID
	incoming chan json.RawMessage

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once

	logger *zap.SugaredLogger
}

// DialRelay connects to the relay and waits for the registration notice
// carrying this client's id.
func DialRelay(ctx context.Context, url, token string, logger *zap.SugaredLogger) (*RelayClient, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: registrationTimeout}
	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, apperrors.NewTransportFailure("dial relay", err)
	}

	conn.SetReadDeadline(time.Now().Add(registrationTimeout))
	var notice domain.Envelope
	if err := conn.ReadJSON(&notice); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", domain.ErrNotRegistered, err)
	}
	if notice.Event != domain.EventRegistered || notice.SocketID == "" {
		conn.Close()
		return nil, fmt.Errorf("%w: unexpected first event %q", domain.ErrNotRegistered, notice.Event)
	}
	conn.SetReadDeadline(time.Time{})

	c := &RelayClient{
		conn:     conn,
		id:       notice.SocketID,
		incoming: make(chan json.RawMessage, 64),
		done:     make(chan struct{}),
		logger:   logger,
	}
	go c.readLoop()

	logger.Infow("registered with relay", "client_id", c.id, "url", url)
	return c, nil
}

// ID returns the id the relay assigned on registration
func (c *RelayClient) ID() domain.ClientID {
	return c.id
}

// Incoming yields handshake payloads addressed to this client. The channel is
// closed when the connection ends.
func (c *RelayClient) Incoming() <-chan json.RawMessage {
	return c.incoming
}

// Done is closed when the relay connection ends.
func (c *RelayClient) Done() <-chan struct{} {
	return c.done
}

// Send wraps payload in a handshake envelope addressed to target
func (c *RelayClient) Send(ctx context.Context, target domain.ClientID, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return apperrors.NewInvalidInputError(fmt.Sprintf("encode payload: %v", err))
	}
	raw, err := json.Marshal(domain.Envelope{
		Event:    domain.EventHandshakeMessage,
		SocketID: target,
		Data:     data,
	})
	if err != nil {
		return err
	}

	deadline := time.Now().Add(clientWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return apperrors.NewTransportFailure("relay connection closed", errClientClosed)
	default:
	}

	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return apperrors.NewTransportFailure("write to relay", err)
	}
	return nil
}

func (c *RelayClient) readLoop() {
	defer func() {
		close(c.incoming)
		c.shutdown()
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Infow("relay connection lost", "error", err)
			}
			return
		}

		var env domain.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.logger.Infow("discarding malformed relay frame", "error", err)
			continue
		}
		if env.Event != domain.EventHandshakeMessage {
			continue
		}

		select {
		case c.incoming <- env.Data:
		case <-c.done:
			return
		}
	}
}

func (c *RelayClient) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// Close closes the connection and the incoming channel
func (c *RelayClient) Close() error {
	c.writeMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	c.shutdown()
	return nil
}

var _ ports.SignalingChannel = (*RelayClient)(nil)
