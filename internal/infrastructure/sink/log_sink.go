package sink

import (
	"context"

	"dronelink/internal/core/domain"
	"dronelink/internal/core/ports"

	"go.uber.org/zap"
)

// LogSink records each published frame as a debug log line. It is the
// default when no bus is configured.
type LogSink struct {
	logger *zap.SugaredLogger
}

// NewLogSink creates a sink that only logs published images
func NewLogSink(logger *zap.SugaredLogger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Publish(_ context.Context, img *domain.CompressedImage) error {
	s.logger.Debugw("frame published",
		"frame_id", img.Header.FrameID,
		"stamp_sec", img.Header.Stamp.Sec,
		"stamp_nanosec", img.Header.Stamp.Nanosec,
		"format", img.Format,
		"bytes", len(img.Data),
	)
	return nil
}

func (s *LogSink) Ping(context.Context) error { return nil }

func (s *LogSink) Close() error { return nil }

var _ ports.FrameSink = (*LogSink)(nil)
