package services

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"dronelink/internal/core/domain"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSideChannel struct {
	mu       sync.Mutex
	open     bool
	buffered uint64
	sent     [][]byte
	closes   int
}

func (c *fakeSideChannel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeSideChannel) BufferedAmount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

func (c *fakeSideChannel) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, data)
	return nil
}

func (c *fakeSideChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	c.open = false
	return nil
}

func (c *fakeSideChannel) setBuffered(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buffered = n
}

func (c *fakeSideChannel) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type switchableSource struct {
	mu  sync.Mutex
	img image.Image
}

func (s *switchableSource) Frame() (image.Image, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.img, s.img != nil
}

type manualClock struct {
	t time.Time
}

func (c *manualClock) now() time.Time          { return c.t }
func (c *manualClock) advance(d time.Duration) { c.t = c.t.Add(d) }
func newManualClock() *manualClock             { return &manualClock{t: time.Unix(1700000000, 0)} }

func testPicture(w, h int) image.Image {
	return imaging.New(w, h, color.NRGBA{R: 200, G: 80, B: 40, A: 255})
}

func newTestProducer(t *testing.T, cfg FrameProducerConfig, src *switchableSource) (*FrameProducer, *fakeSideChannel, *manualClock) {
	t.Helper()
	ch := &fakeSideChannel{open: true}
	p, err := NewFrameProducer(cfg, src, ch, nil, zap.NewNop().Sugar())
	require.NoError(t, err)
	clock := newManualClock()
	p.now = clock.now
	return p, ch, clock
}

func defaultProducerConfig() FrameProducerConfig {
	return FrameProducerConfig{TargetFPS: 10, ScaleFactor: 0.75, Quality: 0.7, HighWaterMark: 1 << 20}
}

func TestNewFrameProducer_ValidatesConfig(t *testing.T) {
	for _, cfg := range []FrameProducerConfig{
		{TargetFPS: 0, ScaleFactor: 1, Quality: 1},
		{TargetFPS: 31, ScaleFactor: 1, Quality: 1},
		{TargetFPS: 10, ScaleFactor: 0, Quality: 1},
		{TargetFPS: 10, ScaleFactor: 1, Quality: 1.5},
	} {
		_, err := NewFrameProducer(cfg, &switchableSource{}, &fakeSideChannel{}, nil, zap.NewNop().Sugar())
		assert.Error(t, err, "%+v", cfg)
	}
}

func TestTick_EncodesScaledJPEG(t *testing.T) {
	src := &switchableSource{img: testPicture(640, 480)}
	p, ch, clock := newTestProducer(t, defaultProducerConfig(), src)

	assert.Equal(t, domain.DropNone, p.Tick())
	require.Equal(t, 1, ch.sentCount())

	var msg domain.FrameMessage
	require.NoError(t, json.Unmarshal(ch.sent[0], &msg))
	assert.Equal(t, domain.FrameMessageType, msg.Type)
	assert.Equal(t, 480, msg.Data.Width)
	assert.Equal(t, 360, msg.Data.Height)
	assert.Equal(t, domain.EncodingJPEG, msg.Data.Encoding)
	assert.Equal(t, clock.t.UnixMilli(), msg.Data.CaptureTime)

	decoded, err := imaging.Decode(bytes.NewReader(msg.Data.ImageData))
	require.NoError(t, err)
	assert.Equal(t, 480, decoded.Bounds().Dx())

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.FramesDelivered)
	assert.Equal(t, len(msg.Data.ImageData), stats.LastFrameBytes)
	assert.Equal(t, int64(100), stats.TargetFrameIntervalMs)
}

func TestTick_CongestionDropsUntilDrained(t *testing.T) {
	src := &switchableSource{img: testPicture(64, 48)}
	cfg := defaultProducerConfig()
	cfg.HighWaterMark = 1000
	p, ch, clock := newTestProducer(t, cfg, src)

	ch.setBuffered(5000)
	for i := 0; i < 5; i++ {
		assert.Equal(t, domain.DropCongestion, p.Tick())
		clock.advance(100 * time.Millisecond)
	}
	assert.Zero(t, ch.sentCount())
	assert.Equal(t, uint64(5), p.Stats().DropsByReason[domain.DropCongestion])

	ch.setBuffered(10)
	assert.Equal(t, domain.DropNone, p.Tick())
	assert.Equal(t, 1, ch.sentCount())
}

func TestTick_FastTicksDropInFlight(t *testing.T) {
	src := &switchableSource{img: testPicture(64, 48)}
	p, ch, clock := newTestProducer(t, defaultProducerConfig(), src)

	var lastDrops uint64
	for i := 0; i < 20; i++ {
		reason := p.Tick()
		if i%2 == 1 {
			assert.Equal(t, domain.DropInFlight, reason, "tick %d", i)
			drops := p.Stats().FramesDropped
			assert.Greater(t, drops, lastDrops)
			lastDrops = drops
		}
		clock.advance(50 * time.Millisecond)
	}
	assert.Equal(t, 10, ch.sentCount())
	assert.Equal(t, uint64(10), p.Stats().DropsByReason[domain.DropInFlight])
}

func TestTick_AtTargetRateEmitsAtMostTargetPerSecond(t *testing.T) {
	src := &switchableSource{img: testPicture(64, 48)}
	p, ch, clock := newTestProducer(t, defaultProducerConfig(), src)

	start := clock.t
	for clock.t.Sub(start) < time.Second {
		p.Tick()
		clock.advance(100 * time.Millisecond)
	}
	assert.Equal(t, 10, ch.sentCount())
	assert.Zero(t, p.Stats().FramesDropped)
}

func TestTick_SourceNotReadyIsNotADrop(t *testing.T) {
	src := &switchableSource{}
	p, ch, clock := newTestProducer(t, defaultProducerConfig(), src)

	assert.Equal(t, domain.DropNone, p.Tick())
	src.img = image.NewRGBA(image.Rect(0, 0, 0, 0))
	clock.advance(time.Second)
	assert.Equal(t, domain.DropNone, p.Tick())

	assert.Zero(t, ch.sentCount())
	assert.Zero(t, p.Stats().FramesDropped)
}

func TestTick_ClosedChannelSendsNothing(t *testing.T) {
	src := &switchableSource{img: testPicture(64, 48)}
	p, ch, _ := newTestProducer(t, defaultProducerConfig(), src)
	ch.open = false

	assert.Equal(t, domain.DropNone, p.Tick())
	assert.Zero(t, ch.sentCount())
}

func TestAdjustPerformance_Presets(t *testing.T) {
	p, _, _ := newTestProducer(t, defaultProducerConfig(), &switchableSource{})

	assert.Equal(t, domain.PerformanceLowLatency, p.AdjustPerformance(domain.PerformanceLowLatency))
	assert.Equal(t, domain.PerformanceProfile{TargetFPS: 20, ScaleFactor: 0.5, Quality: 0.5}, p.Settings())
	assert.Equal(t, int64(50), p.Stats().TargetFrameIntervalMs)

	assert.Equal(t, domain.PerformanceBalanced, p.AdjustPerformance("turbo"))
	assert.Equal(t, domain.PerformanceProfile{TargetFPS: 10, ScaleFactor: 0.75, Quality: 0.7}, p.Settings())
	assert.Equal(t, domain.PerformanceBalanced, p.Level())
}

func TestSetFrameRate(t *testing.T) {
	p, _, _ := newTestProducer(t, defaultProducerConfig(), &switchableSource{})
	require.NoError(t, p.Start())
	defer p.Disconnect()

	assert.Error(t, p.SetFrameRate(0))
	assert.Error(t, p.SetFrameRate(60))

	require.NoError(t, p.SetFrameRate(25))
	assert.True(t, p.Running())
	assert.Equal(t, 25, p.Settings().TargetFPS)
	assert.Equal(t, int64(40), p.Stats().TargetFrameIntervalMs)
}

func TestStartLoop_TicksAndDisconnectIsIdempotent(t *testing.T) {
	src := &switchableSource{img: testPicture(32, 24)}
	ch := &fakeSideChannel{open: true}
	p, err := NewFrameProducer(FrameProducerConfig{TargetFPS: 30, ScaleFactor: 1, Quality: 0.5, HighWaterMark: 1 << 20},
		src, ch, nil, zap.NewNop().Sugar())
	require.NoError(t, err)

	require.NoError(t, p.Start())
	require.NoError(t, p.Start())
	assert.Eventually(t, func() bool { return ch.sentCount() >= 2 }, 2*time.Second, 10*time.Millisecond)

	p.Disconnect()
	p.Disconnect()
	assert.False(t, p.Running())
	assert.Equal(t, 1, ch.closes)

	sent := ch.sentCount()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, sent, ch.sentCount())
	assert.ErrorIs(t, p.Start(), domain.ErrSideChannelClosed)
}

func TestResetStats(t *testing.T) {
	src := &switchableSource{img: testPicture(16, 16)}
	p, _, _ := newTestProducer(t, defaultProducerConfig(), src)
	p.Tick()
	p.Tick()

	require.NotZero(t, p.Stats().FramesDropped)
	p.ResetStats()
	stats := p.Stats()
	assert.Zero(t, stats.FramesDropped)
	assert.Zero(t, stats.FramesDelivered)
	assert.Equal(t, int64(100), stats.TargetFrameIntervalMs)
}
