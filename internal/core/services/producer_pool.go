package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"dronelink/internal/core/domain"
	"dronelink/internal/core/ports"
	apperrors "dronelink/pkg/errors"

	"go.uber.org/zap"
)

// ChannelDialer opens the side channel a new producer will write to.
type ChannelDialer func(ctx context.Context, remoteID domain.ClientID) (ports.SideChannel, error)

// ProducerPool builds one FrameProducer per connected link and keeps the
// operator's tuning so producers created later start with it.
type ProducerPool struct {
	dial        ChannelDialer
	dialTimeout time.Duration
	metrics     ports.MetricsRecorder
	logger      *zap.SugaredLogger

	mu        sync.RWMutex
	cfg       FrameProducerConfig
	level     domain.PerformanceLevel
	producers map[domain.ClientID]*FrameProducer
}

// ProducerStatus is a snapshot of one pooled producer.
type ProducerStatus struct {
	RemoteID domain.ClientID           `json:"remote_id"`
	Running  bool                      `json:"running"`
	Level    domain.PerformanceLevel   `json:"level,omitempty"`
	Settings domain.PerformanceProfile `json:"settings"`
	Stats    domain.StreamStats        `json:"stats"`
}

// NewProducerPool creates an empty pool
func NewProducerPool(
	cfg FrameProducerConfig,
	level domain.PerformanceLevel,
	dial ChannelDialer,
	dialTimeout time.Duration,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) (*ProducerPool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if level != "" {
		profile, applied := domain.ProfileFor(level)
		cfg.TargetFPS, cfg.ScaleFactor, cfg.Quality = profile.TargetFPS, profile.ScaleFactor, profile.Quality
		level = applied
	}
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}

	return &ProducerPool{
		dial:        dial,
		dialTimeout: dialTimeout,
		metrics:     metrics,
		logger:      logger,
		cfg:         cfg,
		level:       level,
		producers:   make(map[domain.ClientID]*FrameProducer),
	}, nil
}

// NewPipeline satisfies ports.PipelineFactory.
func (p *ProducerPool) NewPipeline(remoteID domain.ClientID, source ports.FrameSource) (ports.FramePipeline, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.dialTimeout)
	defer cancel()

	channel, err := p.dial(ctx, remoteID)
	if err != nil {
		return nil, apperrors.NewTransportFailure("open side channel", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	producer, err := NewFrameProducer(p.cfg, source, channel, p.metrics,
		p.logger.With("remote_id", remoteID))
	if err != nil {
		channel.Close()
		return nil, err
	}
	if p.level != "" {
		producer.AdjustPerformance(p.level)
	}
	p.producers[remoteID] = producer

	return &pooledProducer{FrameProducer: producer, pool: p, remoteID: remoteID}, nil
}

// AdjustPerformance applies level to every live producer and to those
// created afterwards.
func (p *ProducerPool) AdjustPerformance(level domain.PerformanceLevel) domain.PerformanceLevel {
	profile, applied := domain.ProfileFor(level)

	p.mu.Lock()
	p.level = applied
	p.cfg.TargetFPS, p.cfg.ScaleFactor, p.cfg.Quality = profile.TargetFPS, profile.ScaleFactor, profile.Quality
	producers := p.snapshotLocked()
	p.mu.Unlock()

	for _, producer := range producers {
		producer.AdjustPerformance(applied)
	}
	return applied
}

// SetFrameRate applies fps to every producer
func (p *ProducerPool) SetFrameRate(fps int) error {
	p.mu.Lock()
	cfg := p.cfg
	cfg.TargetFPS = fps
	if err := cfg.Validate(); err != nil {
		p.mu.Unlock()
		return err
	}
	p.cfg = cfg
	producers := p.snapshotLocked()
	p.mu.Unlock()

	for _, producer := range producers {
		if err := producer.SetFrameRate(fps); err != nil {
			return err
		}
	}
	return nil
}

// Status lists live producers ordered by remote id.
func (p *ProducerPool) Status() []ProducerStatus {
	p.mu.RLock()
	ids := make([]domain.ClientID, 0, len(p.producers))
	for id := range p.producers {
		ids = append(ids, id)
	}
	producers := make(map[domain.ClientID]*FrameProducer, len(p.producers))
	for id, producer := range p.producers {
		producers[id] = producer
	}
	p.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]ProducerStatus, 0, len(ids))
	for _, id := range ids {
		producer := producers[id]
		out = append(out, ProducerStatus{
			RemoteID: id,
			Running:  producer.Running(),
			Level:    producer.Level(),
			Settings: producer.Settings(),
			Stats:    producer.Stats(),
		})
	}
	return out
}

func (p *ProducerPool) ResetStats() {
	p.mu.RLock()
	producers := p.snapshotLocked()
	p.mu.RUnlock()

	for _, producer := range producers {
		producer.ResetStats()
	}
}

// Settings returns the tuning new producers start with.
func (p *ProducerPool) Settings() (domain.PerformanceProfile, domain.PerformanceLevel) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return domain.PerformanceProfile{TargetFPS: p.cfg.TargetFPS, ScaleFactor: p.cfg.ScaleFactor, Quality: p.cfg.Quality}, p.level
}

func (p *ProducerPool) snapshotLocked() []*FrameProducer {
	out := make([]*FrameProducer, 0, len(p.producers))
	for _, producer := range p.producers {
		out = append(out, producer)
	}
	return out
}

func (p *ProducerPool) remove(remoteID domain.ClientID, producer *FrameProducer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.producers[remoteID] == producer {
		delete(p.producers, remoteID)
	}
}

// pooledProducer drops itself from the pool on Disconnect.
type pooledProducer struct {
	*FrameProducer
	pool     *ProducerPool
	remoteID domain.ClientID
}

func (pp *pooledProducer) Disconnect() {
	pp.FrameProducer.Disconnect()
	pp.pool.remove(pp.remoteID, pp.FrameProducer)
}
