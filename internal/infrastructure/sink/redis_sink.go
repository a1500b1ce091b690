package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"dronelink/internal/core/domain"
	"dronelink/internal/core/ports"
	"dronelink/pkg/circuitbreaker"
	apperrors "dronelink/pkg/errors"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// redisPublisher is the slice of the go-redis client the sink uses.
type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// RedisSink publishes compressed-image records as JSON on a pub/sub
// channel. A circuit breaker stops hammering Redis once it is failing.
type RedisSink struct {
	client  redisPublisher
	channel string
	timeout time.Duration
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.SugaredLogger
}

// NewRedisSink creates a sink publishing to a Redis channel behind a circuit breaker
func NewRedisSink(
	client redisPublisher,
	channel string,
	timeout time.Duration,
	breaker *circuitbreaker.CircuitBreaker,
	logger *zap.SugaredLogger,
) *RedisSink {
	if breaker == nil {
		breaker = circuitbreaker.New(circuitbreaker.DefaultConfig())
	}
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("redis sink circuit changed", "from", from.String(), "to", to.String())
	})
	return &RedisSink{
		client:  client,
		channel: channel,
		timeout: timeout,
		breaker: breaker,
		logger:  logger,
	}
}

// Publish sends one compressed image through the circuit breaker
func (s *RedisSink) Publish(ctx context.Context, img *domain.CompressedImage) error {
	payload, err := json.Marshal(img)
	if err != nil {
		return apperrors.NewInternalError(fmt.Sprintf("encode record: %v", err))
	}

	err = s.breaker.Execute(ctx, func(ctx context.Context) error {
		if s.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.timeout)
			defer cancel()
		}
		return s.client.Publish(ctx, s.channel, payload).Err()
	})
	if err != nil {
		return apperrors.NewServiceUnavailableError("redis publish failed: " + err.Error())
	}
	return nil
}

// Ping reports whether Redis is reachable and the circuit is not open.
func (s *RedisSink) Ping(ctx context.Context) error {
	if s.breaker.State() == circuitbreaker.StateOpen {
		return circuitbreaker.ErrOpen
	}
	return s.client.Ping(ctx).Err()
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}

var _ ports.FrameSink = (*RedisSink)(nil)
