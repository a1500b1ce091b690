package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"dronelink/internal/core/domain"
	"dronelink/internal/core/ports"
	apperrors "dronelink/pkg/errors"
	"dronelink/pkg/tracing"
	"dronelink/pkg/utils"

	"go.uber.org/zap"
)

const (
	consumerStage = "consumer"

	// MaxPublishFPS caps the publish rate whatever the configured target.
	MaxPublishFPS = 30
)

var minPublishIntervalFloor = time.Second / MaxPublishFPS

// FrameConsumerConfig controls publish throttling
type FrameConsumerConfig struct {
	TargetFPS float64
	FrameID   string
}

// FrameConsumer accepts frames from the side channel and publishes them to
// the sink. It paces independently of the producer: frames arriving inside
// the publish interval, or while a publish is still running, are dropped.
type FrameConsumer struct {
	sink    ports.FrameSink
	metrics ports.MetricsRecorder
	logger  *zap.SugaredLogger
	frameID string

	mu          sync.Mutex
	minInterval time.Duration
	lastPublish time.Time
	stats       domain.StreamStats

	processing atomic.Bool

	now func() time.Time
}

// NewFrameConsumer creates a consumer publishing decoded frames to sink
func NewFrameConsumer(
	cfg FrameConsumerConfig,
	sink ports.FrameSink,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) (*FrameConsumer, error) {
	if cfg.TargetFPS <= 0 {
		return nil, apperrors.NewInvalidInputError("publish rate must be > 0")
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}

	c := &FrameConsumer{
		sink:        sink,
		metrics:     metrics,
		logger:      logger,
		frameID:     cfg.FrameID,
		minInterval: publishInterval(cfg.TargetFPS),
		now:         time.Now,
	}
	c.stats.DropsByReason = make(map[domain.DropReason]uint64)
	c.stats.TargetFrameIntervalMs = c.minInterval.Milliseconds()
	return c, nil
}

func publishInterval(fps float64) time.Duration {
	interval := utils.IntervalForRate(fps)
	if interval < minPublishIntervalFloor {
		return minPublishIntervalFloor
	}
	return interval
}

// HandleMessage decodes one side-channel message and passes the frame on.
// Messages that are not well-formed image frames are protocol errors.
func (c *FrameConsumer) HandleMessage(ctx context.Context, raw []byte) (domain.DropReason, error) {
	var msg domain.FrameMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return domain.DropNone, apperrors.NewProtocolError("invalid frame message", fmt.Errorf("%w: %v", domain.ErrProtocol, err))
	}
	if msg.Type != domain.FrameMessageType {
		return domain.DropNone, apperrors.NewProtocolError(
			fmt.Sprintf("unexpected message type %q", msg.Type), domain.ErrProtocol)
	}
	if msg.Data.Encoding != domain.EncodingJPEG {
		return domain.DropNone, apperrors.NewProtocolError(
			fmt.Sprintf("unsupported encoding %q", msg.Data.Encoding), domain.ErrProtocol)
	}
	if len(msg.Data.ImageData) == 0 {
		return domain.DropNone, apperrors.NewProtocolError("frame has no image data", domain.ErrProtocol)
	}
	return c.HandleFrame(ctx, msg.Data)
}

// HandleFrame applies the rate limit and busy check, then publishes. A
// publish error is returned for logging; the next frame is still eligible.
func (c *FrameConsumer) HandleFrame(ctx context.Context, frame domain.FramePayload) (domain.DropReason, error) {
	now := c.now()

	c.mu.Lock()
	if !c.lastPublish.IsZero() && now.Sub(c.lastPublish) < c.minInterval {
		c.dropLocked(domain.DropRateLimit)
		c.mu.Unlock()
		return domain.DropRateLimit, nil
	}
	if !c.processing.CompareAndSwap(false, true) {
		c.dropLocked(domain.DropBusy)
		c.mu.Unlock()
		return domain.DropBusy, nil
	}
	c.lastPublish = now
	c.mu.Unlock()

	defer c.processing.Store(false)
	return domain.DropNone, c.publish(ctx, frame, now)
}

func (c *FrameConsumer) publish(ctx context.Context, frame domain.FramePayload, now time.Time) error {
	stampTime := now
	if frame.CaptureTime > 0 {
		stampTime = utils.FromUnixMillis(frame.CaptureTime)
	}
	sec, nsec := utils.SplitStamp(stampTime)

	record := &domain.CompressedImage{
		Header: domain.ImageHeader{
			Stamp:   domain.Stamp{Sec: sec, Nanosec: nsec},
			FrameID: c.frameID,
		},
		Format: frame.Encoding,
		Data:   frame.ImageData,
	}

	ctx, span := tracing.TraceFramePublish(ctx, c.frameID, len(record.Data))
	defer span.End()

	start := time.Now()
	err := c.sink.Publish(ctx, record)
	c.metrics.RecordPublishDuration(time.Since(start))

	if err != nil {
		tracing.RecordError(ctx, err)
		c.logger.Warnw("failed to publish frame", "frame_id", c.frameID, "error", err)
		return apperrors.NewTransportFailure("publish frame", err)
	}

	c.mu.Lock()
	c.stats.FramesDelivered++
	c.stats.LastFrameTime = now
	c.stats.LastFrameBytes = len(record.Data)
	c.mu.Unlock()
	c.metrics.RecordFrameDelivered(consumerStage, len(record.Data))
	return nil
}

func (c *FrameConsumer) dropLocked(reason domain.DropReason) {
	c.stats.FramesDropped++
	c.stats.DropsByReason[reason]++
	c.metrics.RecordFrameDropped(consumerStage, reason)
	c.logger.Debugw("frame dropped", "stage", consumerStage, "reason", reason)
}

// SetPublishRate recomputes the publish interval. Rates above MaxPublishFPS
// are clamped.
func (c *FrameConsumer) SetPublishRate(fps float64) error {
	if fps <= 0 {
		return apperrors.NewInvalidInputError("publish rate must be > 0")
	}

	c.mu.Lock()
	c.minInterval = publishInterval(fps)
	c.stats.TargetFrameIntervalMs = c.minInterval.Milliseconds()
	c.mu.Unlock()

	c.logger.Infow("publish rate changed", "target_fps", fps)
	return nil
}

func (c *FrameConsumer) MinPublishInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.minInterval
}

func (c *FrameConsumer) GetStats() domain.StreamStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats.Clone()
}

func (c *FrameConsumer) ResetStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats = domain.StreamStats{
		DropsByReason:         make(map[domain.DropReason]uint64),
		TargetFrameIntervalMs: c.minInterval.Milliseconds(),
	}
}
