package ports

import (
	"context"
	"encoding/json"
	"image"
	"time"

	"dronelink/internal/core/domain"
)

// SignalingChannel is the client end of a relay connection.
type SignalingChannel interface {
	ID() domain.ClientID
	Send(ctx context.Context, target domain.ClientID, payload any) error
	Incoming() <-chan json.RawMessage
}

// TransportEventKind tells which field of a TransportEvent is set
type TransportEventKind int

const (
	TransportCandidate TransportEventKind = iota
	TransportStateChange
	TransportTrack
)

// TransportEvent is one notification from a peer transport
type TransportEvent struct {
	Kind      TransportEventKind
	Candidate *domain.ICECandidate
	State     domain.LinkState
	Source    FrameSource
}

// PeerTransport is the opaque peer link capability: ICE, DTLS and media
// decoding live behind it.
type PeerTransport interface {
	// CreateOffer creates and applies the local description.
	CreateOffer(ctx context.Context) (string, error)
	SetRemoteAnswer(sdp string) error
	AddICECandidate(c domain.ICECandidate) error
	Events() <-chan TransportEvent
	Close() error
}

// TransportFactory creates the transport for a new link
type TransportFactory func(remoteID domain.ClientID) (PeerTransport, error)

// FrameSource yields the most recent decoded picture of a media track.
type FrameSource interface {
	Frame() (image.Image, bool)
}

// SideChannel carries encoded frames from producer to consumer.
type SideChannel interface {
	IsOpen() bool
	BufferedAmount() uint64
	Send(data []byte) error
	Close() error
}

// FramePipeline is what the link manager starts and stops per link.
type FramePipeline interface {
	Start() error
	Disconnect()
}

// PipelineFactory builds the frame pipeline bound to a connected link
type PipelineFactory func(remoteID domain.ClientID, source FrameSource) (FramePipeline, error)

// FrameSink receives published images
type FrameSink interface {
	Publish(ctx context.Context, img *domain.CompressedImage) error
}

// MetricsRecorder records relay, link and frame metrics
type MetricsRecorder interface {
	RecordEnvelopeForwarded()
	RecordEnvelopeDropped(reason string)
	RecordClientConnected()
	RecordClientDisconnected()
	RecordLinkState(state domain.LinkState)
	RecordFrameDropped(stage string, reason domain.DropReason)
	RecordFrameDelivered(stage string, bytes int)
	RecordPublishDuration(d time.Duration)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) RecordEnvelopeForwarded()                     {}
func (NopMetrics) RecordEnvelopeDropped(string)                 {}
func (NopMetrics) RecordClientConnected()                       {}
func (NopMetrics) RecordClientDisconnected()                    {}
func (NopMetrics) RecordLinkState(domain.LinkState)             {}
func (NopMetrics) RecordFrameDropped(string, domain.DropReason) {}
func (NopMetrics) RecordFrameDelivered(string, int)             {}
func (NopMetrics) RecordPublishDuration(time.Duration)          {}
