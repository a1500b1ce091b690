package webrtc

import (
	"bytes"
	"errors"
	"image"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media/samplebuilder"
	"go.uber.org/zap"
)

const (
	maxLatePackets  = 128
	videoClockRate  = 90000
	maxPendingBytes = 8 << 20
)

// ErrUndecodable is returned for samples the decoder cannot turn into a picture
var ErrUndecodable = errors.New("sample cannot be decoded")

// Decoder turns one depacketized media sample into a picture.
type Decoder interface {
	Decode(mimeType string, sample []byte) (image.Image, error)
}

// StillImageDecoder decodes samples that carry a complete still picture
// (JPEG, PNG, GIF, BMP or TIFF). Inter-frame codecs need a real decoder
// plugged in through Decoder.
type StillImageDecoder struct{}

func (StillImageDecoder) Decode(_ string, sample []byte) (image.Image, error) {
	img, err := imaging.Decode(bytes.NewReader(sample))
	if err != nil {
		return nil, errors.Join(ErrUndecodable, err)
	}
	return img, nil
}

// TrackSource reassembles RTP packets of one inbound video track into
// samples and keeps the most recent decoded picture.
type TrackSource struct {
	mimeType string
	decoder  Decoder
	builder  *samplebuilder.SampleBuilder
	pending  []byte
	keyed    bool

	mu       sync.RWMutex
	latest   image.Image
	decoded  uint64
	failures uint64

	logger *zap.SugaredLogger
}

// NewTrackSource builds the source for one inbound track. A nil decoder
// falls back to StillImageDecoder.
func NewTrackSource(mimeType string, decoder Decoder, logger *zap.SugaredLogger) *TrackSource {
	depacketizer := depacketizerFor(mimeType)
	if decoder == nil {
		decoder = StillImageDecoder{}
		if depacketizer != nil {
			logger.Warnw("no decoder configured for codec, track will yield no frames",
				"codec", mimeType,
			)
		}
	}
	s := &TrackSource{
		mimeType: mimeType,
		decoder:  decoder,
		logger:   logger,
	}
	if depacketizer != nil {
		s.builder = samplebuilder.New(maxLatePackets, depacketizer, videoClockRate)
	}
	return s
}

func depacketizerFor(mimeType string) rtp.Depacketizer {
	switch {
	case strings.EqualFold(mimeType, webrtc.MimeTypeVP8):
		return &codecs.VP8Packet{}
	case strings.EqualFold(mimeType, webrtc.MimeTypeVP9):
		return &codecs.VP9Packet{}
	case strings.EqualFold(mimeType, webrtc.MimeTypeH264):
		return &codecs.H264Packet{}
	default:
		return nil
	}
}

// Push feeds one RTP packet. It is called from a single reader goroutine.
func (s *TrackSource) Push(pkt *rtp.Packet) {
	if s.builder != nil {
		s.builder.Push(pkt)
		for sample := s.builder.Pop(); sample != nil; sample = s.builder.Pop() {
			s.handleSample(sample.Data)
		}
		return
	}

	// Without a depacketizer the payloads of one picture are concatenated
	// up to the marker bit.
	s.pending = append(s.pending, pkt.Payload...)
	if len(s.pending) > maxPendingBytes {
		s.pending = s.pending[:0]
		return
	}
	if pkt.Marker {
		sample := s.pending
		s.pending = nil
		s.handleSample(sample)
	}
}

func (s *TrackSource) handleSample(sample []byte) {
	if !s.keyed {
		if !isKeyframe(s.mimeType, sample) {
			return
		}
		s.keyed = true
	}

	img, err := s.decoder.Decode(s.mimeType, sample)
	if err != nil {
		s.mu.Lock()
		s.failures++
		first := s.failures == 1
		s.mu.Unlock()
		if first {
			s.logger.Warnw("failed to decode video sample", "mime_type", s.mimeType, "error", err)
		}
		return
	}

	s.mu.Lock()
	s.latest = img
	s.decoded++
	s.mu.Unlock()
}

// Frame returns the latest decoded picture.
func (s *TrackSource) Frame() (image.Image, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest, s.latest != nil
}

// Counts returns decoded samples and decode failures.
func (s *TrackSource) Counts() (decoded, failures uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.decoded, s.failures
}
