package sink

import (
	"context"
	"io"

	"dronelink/internal/core/ports"
	"dronelink/pkg/circuitbreaker"
	"dronelink/pkg/config"

	"go.uber.org/zap"
)

// Sink is a frame sink that can report readiness and be closed.
type Sink interface {
	ports.FrameSink
	io.Closer
	Ping(ctx context.Context) error
}

// New builds the configured sink. When Redis is requested but unreachable it
// falls back to the log sink so the publisher still starts.
func New(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) Sink {
	if cfg.Sink.Kind != "redis" {
		logger.Info("using log frame sink")
		return NewLogSink(logger)
	}

	client, err := NewRedisClient(ctx, RedisOptions{
		Address:  cfg.Sink.Redis.Address,
		Password: cfg.Sink.Redis.Password,
		DB:       cfg.Sink.Redis.DB,
		PoolSize: cfg.Sink.Redis.PoolSize,
	}, logger)
	if err != nil {
		logger.Warnw("failed to connect to Redis, falling back to log frame sink", "error", err)
		return NewLogSink(logger)
	}

	breaker := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.Sink.FailureThreshold,
		OpenTimeout:      cfg.Sink.OpenTimeout,
	})
	logger.Infow("using Redis frame sink", "channel", cfg.Sink.Redis.Channel)
	return NewRedisSink(client, cfg.Sink.Redis.Channel, cfg.Sink.PublishTimeout, breaker, logger)
}
