package domain

import "time"

const (
	EncodingJPEG     = "jpeg"
	FrameMessageType = "image_frame"
)

// Frame is one compressed picture produced from the inbound media track.
type Frame struct {
	Width        int
	Height       int
	Encoding     string
	Payload      []byte
	CapturedAtMs int64
	SentAtMs     int64
}

// FramePayload is the side-channel body. ImageData is base64 on the wire.
type FramePayload struct {
	ImageData   []byte `json:"imageData"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Encoding    string `json:"encoding"`
	Timestamp   int64  `json:"timestamp"`
	CaptureTime int64  `json:"captureTime"`
}

// FrameMessage is the JSON form of a frame on the side channel
type FrameMessage struct {
	Type string       `json:"type"`
	Data FramePayload `json:"data"`
}

func NewFrameMessage(f *Frame) FrameMessage {
	return FrameMessage{
		Type: FrameMessageType,
		Data: FramePayload{
			ImageData:   f.Payload,
			Width:       f.Width,
			Height:      f.Height,
			Encoding:    f.Encoding,
			Timestamp:   f.SentAtMs,
			CaptureTime: f.CapturedAtMs,
		},
	}
}

// Stamp is a split wall-clock timestamp.
type Stamp struct {
	Sec     int64  `json:"sec"`
	Nanosec uint32 `json:"nanosec"`
}

// ImageHeader is the metadata sent ahead of compressed image bytes
type ImageHeader struct {
	Stamp   Stamp  `json:"stamp"`
	FrameID string `json:"frame_id"`
}

// CompressedImage is the record handed to the downstream sink. Data holds the
// compressed bytes exactly as received.
type CompressedImage struct {
	Header ImageHeader `json:"header"`
	Format string      `json:"format"`
	Data   []byte      `json:"data"`
}

// DropReason says why a frame was not delivered
type DropReason string

const (
	DropNone       DropReason = ""
	DropCongestion DropReason = "congestion"
	DropInFlight   DropReason = "in_flight"
	DropRateLimit  DropReason = "rate_limit"
	DropBusy       DropReason = "busy"
)

// StreamStats is process-local pacing telemetry for one end of the side channel.
type StreamStats struct {
	FramesDropped         uint64                `json:"frames_dropped"`
	FramesDelivered       uint64                `json:"frames_delivered"`
	DropsByReason         map[DropReason]uint64 `json:"drops_by_reason"`
	LastFrameTime         time.Time             `json:"last_frame_time"`
	LastFrameBytes        int                   `json:"last_frame_bytes"`
	TargetFrameIntervalMs int64                 `json:"target_frame_interval_ms"`
}

// Clone returns a deep copy
func (s StreamStats) Clone() StreamStats {
	out := s
	out.DropsByReason = make(map[DropReason]uint64, len(s.DropsByReason))
	for k, v := range s.DropsByReason {
		out.DropsByReason[k] = v
	}
	return out
}

// PerformanceLevel selects a compression and pacing profile
type PerformanceLevel string

const (
	PerformanceHighQuality PerformanceLevel = "high_quality"
	PerformanceBalanced    PerformanceLevel = "balanced"
	PerformanceLowLatency  PerformanceLevel = "low_latency"
)

// PerformanceProfile is the producer tuning applied as one unit.
type PerformanceProfile struct {
	TargetFPS   int     `json:"target_fps"`
	ScaleFactor float64 `json:"scale_factor"`
	Quality     float64 `json:"quality"`
}

var performanceProfiles = map[PerformanceLevel]PerformanceProfile{
	PerformanceHighQuality: {TargetFPS: 15, ScaleFactor: 1.0, Quality: 0.9},
	PerformanceBalanced:    {TargetFPS: 10, ScaleFactor: 0.75, Quality: 0.7},
	PerformanceLowLatency:  {TargetFPS: 20, ScaleFactor: 0.5, Quality: 0.5},
}

// ProfileFor returns the preset for level, falling back to balanced.
func ProfileFor(level PerformanceLevel) (PerformanceProfile, PerformanceLevel) {
	if p, ok := performanceProfiles[level]; ok {
		return p, level
	}
	return performanceProfiles[PerformanceBalanced], PerformanceBalanced
}
