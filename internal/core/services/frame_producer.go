package services

import (
	"bytes"
	"encoding/json"
	"image"
	"math"
	"sync"
	"time"

	"dronelink/internal/core/domain"
	"dronelink/internal/core/ports"
	"dronelink/pkg/utils"
	"dronelink/pkg/validation"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
)

const (
	producerStage = "producer"

	// A frame accepted less than this fraction of an interval ago is
	// treated as still in flight.
	inFlightFraction = 0.8
)

// FrameProducerConfig controls pacing, compression and backpressure
type FrameProducerConfig struct {
	TargetFPS     int
	ScaleFactor   float64
	Quality       float64
	HighWaterMark uint64
}

// Validate checks the configuration
func (c FrameProducerConfig) Validate() error {
	if err := validation.ValidateFrameRate(c.TargetFPS); err != nil {
		return err
	}
	if err := validation.ValidateUnitFraction("scale factor", c.ScaleFactor); err != nil {
		return err
	}
	return validation.ValidateUnitFraction("quality", c.Quality)
}

// FrameProducer samples a media source on a timer, scales and compresses
// the picture, and pushes it over the side channel. Ticks are dropped rather
// than queued when the channel is congested or the last frame is too recent.
type FrameProducer struct {
	source  ports.FrameSource
	channel ports.SideChannel
	metrics ports.MetricsRecorder
	logger  *zap.SugaredLogger

	mu            sync.Mutex
	targetFPS     int
	scaleFactor   float64
	quality       float64
	highWaterMark uint64
	level         domain.PerformanceLevel

	surface      *bytes.Buffer
	lastAccepted time.Time
	stats        domain.StreamStats

	running      bool
	disconnected bool
	stop         chan struct{}
	loopDone     chan struct{}

	now func() time.Time
}

// NewFrameProducer creates a producer reading from source and writing to channel
func NewFrameProducer(
	cfg FrameProducerConfig,
	source ports.FrameSource,
	channel ports.SideChannel,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) (*FrameProducer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}

	p := &FrameProducer{
		source:        source,
		channel:       channel,
		metrics:       metrics,
		logger:        logger,
		targetFPS:     cfg.TargetFPS,
		scaleFactor:   cfg.ScaleFactor,
		quality:       cfg.Quality,
		highWaterMark: cfg.HighWaterMark,
		surface:       new(bytes.Buffer),
		now:           time.Now,
	}
	p.stats.DropsByReason = make(map[domain.DropReason]uint64)
	p.stats.TargetFrameIntervalMs = p.intervalLocked().Milliseconds()
	return p, nil
}

func (p *FrameProducer) intervalLocked() time.Duration {
	return utils.IntervalForRate(float64(p.targetFPS))
}

// Start begins the tick loop. Starting a running producer is a no-op.
func (p *FrameProducer) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.disconnected {
		return domain.ErrSideChannelClosed
	}
	if p.running {
		return nil
	}
	p.startLoopLocked()

	p.logger.Infow("frame producer started",
		"target_fps", p.targetFPS,
		"scale_factor", p.scaleFactor,
		"quality", p.quality,
	)
	return nil
}

func (p *FrameProducer) startLoopLocked() {
	p.stop = make(chan struct{})
	p.loopDone = make(chan struct{})
	p.running = true
	go p.loop(p.intervalLocked(), p.stop, p.loopDone)
}

// stopLoopLocked signals the loop to exit. The caller waits on the returned
// channel after releasing p.mu.
func (p *FrameProducer) stopLoopLocked() <-chan struct{} {
	if !p.running {
		return nil
	}
	close(p.stop)
	p.running = false
	return p.loopDone
}

func (p *FrameProducer) loop(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.Tick()
		}
	}
}

// Tick runs one sampling step and reports why the tick was dropped, if it
// was. A source that is not ready yet is skipped without counting a drop.
func (p *FrameProducer) Tick() domain.DropReason {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.disconnected {
		return domain.DropNone
	}
	now := p.now()

	if buffered := p.channel.BufferedAmount(); buffered > p.highWaterMark {
		p.dropLocked(domain.DropCongestion)
		return domain.DropCongestion
	}

	minGap := time.Duration(float64(p.intervalLocked()) * inFlightFraction)
	if !p.lastAccepted.IsZero() && now.Sub(p.lastAccepted) < minGap {
		p.dropLocked(domain.DropInFlight)
		return domain.DropInFlight
	}

	img, ok := p.source.Frame()
	if !ok || img == nil || img.Bounds().Empty() {
		return domain.DropNone
	}
	p.lastAccepted = now

	frame, err := p.encodeLocked(img, now)
	if err != nil {
		p.logger.Warnw("failed to encode frame", "error", err)
		return domain.DropNone
	}

	if !p.channel.IsOpen() {
		p.logger.Debugw("side channel not open, frame discarded")
		return domain.DropNone
	}

	raw, err := json.Marshal(domain.NewFrameMessage(frame))
	if err != nil {
		p.logger.Warnw("failed to marshal frame", "error", err)
		return domain.DropNone
	}
	if err := p.channel.Send(raw); err != nil {
		p.logger.Debugw("side channel rejected frame", "error", err)
		p.dropLocked(domain.DropCongestion)
		return domain.DropCongestion
	}

	p.stats.FramesDelivered++
	p.stats.LastFrameTime = now
	p.stats.LastFrameBytes = len(frame.Payload)
	p.metrics.RecordFrameDelivered(producerStage, len(frame.Payload))
	return domain.DropNone
}

func (p *FrameProducer) dropLocked(reason domain.DropReason) {
	p.stats.FramesDropped++
	p.stats.DropsByReason[reason]++
	p.metrics.RecordFrameDropped(producerStage, reason)
	p.logger.Debugw("frame dropped", "stage", producerStage, "reason", reason)
}

// encodeLocked scales img and compresses it into the reusable surface.
func (p *FrameProducer) encodeLocked(img image.Image, now time.Time) (*domain.Frame, error) {
	bounds := img.Bounds()
	width := scaleDimension(bounds.Dx(), p.scaleFactor)
	height := scaleDimension(bounds.Dy(), p.scaleFactor)

	scaled := img
	if width != bounds.Dx() || height != bounds.Dy() {
		scaled = imaging.Resize(img, width, height, imaging.Linear)
	}

	if p.surface == nil {
		p.surface = new(bytes.Buffer)
	}
	p.surface.Reset()
	if err := imaging.Encode(p.surface, scaled, imaging.JPEG, imaging.JPEGQuality(jpegQuality(p.quality))); err != nil {
		return nil, err
	}

	payload := make([]byte, p.surface.Len())
	copy(payload, p.surface.Bytes())

	ms := utils.UnixMillis(now)
	return &domain.Frame{
		Width:        width,
		Height:       height,
		Encoding:     domain.EncodingJPEG,
		Payload:      payload,
		CapturedAtMs: ms,
		SentAtMs:     ms,
	}, nil
}

func scaleDimension(n int, factor float64) int {
	scaled := int(math.Round(float64(n) * factor))
	if scaled < 1 {
		return 1
	}
	return scaled
}

func jpegQuality(q float64) int {
	v := int(math.Round(q * 100))
	switch {
	case v < 1:
		return 1
	case v > 100:
		return 100
	default:
		return v
	}
}

// SetFrameRate restarts the tick loop at the new rate.
func (p *FrameProducer) SetFrameRate(fps int) error {
	if err := validation.ValidateFrameRate(fps); err != nil {
		return err
	}

	p.mu.Lock()
	p.targetFPS = fps
	done := p.restartLocked()
	p.mu.Unlock()

	if done != nil {
		<-done
	}
	p.logger.Infow("frame rate changed", "target_fps", fps)
	return nil
}

// AdjustPerformance applies a named preset and returns the level actually
// applied. Unknown levels fall back to balanced.
func (p *FrameProducer) AdjustPerformance(level domain.PerformanceLevel) domain.PerformanceLevel {
	profile, applied := domain.ProfileFor(level)

	p.mu.Lock()
	p.targetFPS = profile.TargetFPS
	p.scaleFactor = profile.ScaleFactor
	p.quality = profile.Quality
	p.level = applied
	done := p.restartLocked()
	p.mu.Unlock()

	if done != nil {
		<-done
	}
	p.logger.Infow("performance level changed", "requested", level, "applied", applied)
	return applied
}

func (p *FrameProducer) restartLocked() <-chan struct{} {
	p.stats.TargetFrameIntervalMs = p.intervalLocked().Milliseconds()
	wasRunning := p.running
	done := p.stopLoopLocked()
	if wasRunning {
		p.startLoopLocked()
	}
	return done
}

// Disconnect stops the loop, closes the side channel and releases the
// scaling surface. Further calls do nothing.
func (p *FrameProducer) Disconnect() {
	p.mu.Lock()
	if p.disconnected {
		p.mu.Unlock()
		return
	}
	p.disconnected = true
	done := p.stopLoopLocked()
	p.surface = nil
	p.mu.Unlock()

	if done != nil {
		<-done
	}
	if err := p.channel.Close(); err != nil {
		p.logger.Warnw("failed to close side channel", "error", err)
	}
	p.logger.Infow("frame producer disconnected")
}

func (p *FrameProducer) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Settings returns the current rate, scale and quality.
func (p *FrameProducer) Settings() domain.PerformanceProfile {
	p.mu.Lock()
	defer p.mu.Unlock()
	return domain.PerformanceProfile{TargetFPS: p.targetFPS, ScaleFactor: p.scaleFactor, Quality: p.quality}
}

// Level is the last preset applied through AdjustPerformance, if any.
func (p *FrameProducer) Level() domain.PerformanceLevel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}

// Stats returns a copy of the counters
func (p *FrameProducer) Stats() domain.StreamStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats.Clone()
}

func (p *FrameProducer) ResetStats() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats = domain.StreamStats{
		DropsByReason:         make(map[domain.DropReason]uint64),
		TargetFrameIntervalMs: p.intervalLocked().Milliseconds(),
	}
}

var _ ports.FramePipeline = (*FrameProducer)(nil)
