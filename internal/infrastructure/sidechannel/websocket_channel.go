package sidechannel

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"dronelink/internal/core/domain"
	"dronelink/internal/core/ports"
	apperrors "dronelink/pkg/errors"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrQueueFull is returned when the send queue has no room left
var ErrQueueFull = errors.New("side channel send queue full")

// Options configures the outbound side channel
type Options struct {
	QueueSize        int
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		QueueSize:        8,
		WriteTimeout:     5 * time.Second,
		HandshakeTimeout: 10 * time.Second,
	}
}

// WebSocketChannel is the producer end of the side channel. Send only
// enqueues; a writer goroutine drains the queue, and BufferedAmount reports
// the bytes still waiting, like a browser data channel does.
type WebSocketChannel struct {
	conn  *websocket.Conn
	opts  Options
	queue chan []byte

	buffered atomic.Uint64
	open     atomic.Bool

	done      chan struct{}
	closeOnce sync.Once

	logger *zap.SugaredLogger
}

// Dial connects to url and starts the writer goroutine
func Dial(ctx context.Context, url string, opts Options, logger *zap.SugaredLogger) (*WebSocketChannel, error) {
	dialer := websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, http.Header{})
	if err != nil {
		return nil, apperrors.NewTransportFailure("dial side channel", err)
	}

	c := &WebSocketChannel{
		conn:   conn,
		opts:   opts,
		queue:  make(chan []byte, opts.QueueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
	c.open.Store(true)

	go c.writeLoop()
	go c.readLoop()

	logger.Infow("side channel connected", "url", url)
	return c, nil
}

// IsOpen reports whether the channel can still send
func (c *WebSocketChannel) IsOpen() bool {
	return c.open.Load()
}

// BufferedAmount returns the bytes queued but not yet written
func (c *WebSocketChannel) BufferedAmount() uint64 {
	return c.buffered.Load()
}

// Send queues data without blocking
func (c *WebSocketChannel) Send(data []byte) error {
	if !c.open.Load() {
		return domain.ErrSideChannelClosed
	}

	c.buffered.Add(uint64(len(data)))
	select {
	case c.queue <- data:
		return nil
	case <-c.done:
		c.buffered.Add(^uint64(len(data) - 1))
		return domain.ErrSideChannelClosed
	default:
		c.buffered.Add(^uint64(len(data) - 1))
		return ErrQueueFull
	}
}

func (c *WebSocketChannel) writeLoop() {
	defer c.shutdown()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.queue:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			err := c.conn.WriteMessage(websocket.TextMessage, msg)
			c.buffered.Add(^uint64(len(msg) - 1))
			if err != nil {
				c.logger.Infow("side channel write failed", "error", err)
				return
			}
		}
	}
}

// readLoop only services control frames and notices the peer going away.
func (c *WebSocketChannel) readLoop() {
	defer c.shutdown()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Infow("side channel closed by peer", "error", err)
			}
			return
		}
	}
}

func (c *WebSocketChannel) shutdown() {
	c.closeOnce.Do(func() {
		c.open.Store(false)
		close(c.done)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.conn.Close()
	})
}

func (c *WebSocketChannel) Close() error {
	c.shutdown()
	return nil
}

var _ ports.SideChannel = (*WebSocketChannel)(nil)
