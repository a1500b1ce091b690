package sidechannel

import (
	"context"
	"net/http"

	"dronelink/internal/core/domain"
	apperrors "dronelink/pkg/errors"
	"dronelink/pkg/utils"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// FrameHandler consumes one raw side-channel message.
type FrameHandler interface {
	HandleMessage(ctx context.Context, raw []byte) (domain.DropReason, error)
}

// IngestServer is the consumer end of the side channel. Each connection is
// read one message at a time; a malformed message is discarded and the
// connection stays open.
type IngestServer struct {
	handler      FrameHandler
	maxFrameSize int64
	upgrader     websocket.Upgrader
	logger       *zap.SugaredLogger
}

// NewIngestServer creates a side channel endpoint that hands every frame to handler
func NewIngestServer(handler FrameHandler, maxFrameSize int64, logger *zap.SugaredLogger) *IngestServer {
	return &IngestServer{
		handler:      handler,
		maxFrameSize: maxFrameSize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

func (s *IngestServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("side channel upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	if s.maxFrameSize > 0 {
		conn.SetReadLimit(s.maxFrameSize)
	}
	log := s.logger.With("session_id", utils.GenerateSessionID(), "remote_addr", r.RemoteAddr)
	log.Infow("frame producer connected")

	ctx := r.Context()
	for {
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Infow("frame producer connection lost", "error", err)
			}
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}

		if _, err := s.handler.HandleMessage(ctx, raw); err != nil {
			if apperrors.CodeOf(err) == apperrors.ErrCodeProtocol {
				log.Warnw("discarding side channel message", "error", err)
			}
		}
	}

	log.Infow("frame producer disconnected")
}
