package webrtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"dronelink/internal/core/domain"
	"dronelink/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const eventBufferSize = 64

// Config WebRTC configuration
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	// KeyframeInterval paces picture loss indications sent to the remote
	// sender. Zero disables them.
	KeyframeInterval time.Duration
	Decoder          Decoder
}

// PeerTransport is a receive-only video peer connection.
type PeerTransport struct {
	remoteID domain.ClientID
	pc       *webrtc.PeerConnection
	cfg      Config

	events    chan ports.TransportEvent
	done      chan struct{}
	closeOnce sync.Once

	logger *zap.SugaredLogger
}

// NewTransportFactory returns a factory producing pion-backed transports.
func NewTransportFactory(cfg Config, logger *zap.SugaredLogger) ports.TransportFactory {
	return func(remoteID domain.ClientID) (ports.PeerTransport, error) {
		return NewPeerTransport(cfg, remoteID, logger)
	}
}

// NewPeerTransport creates a receive-only video peer connection for remoteID
func NewPeerTransport(cfg Config, remoteID domain.ClientID, logger *zap.SugaredLogger) (*PeerTransport, error) {
	pc, err := createPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to add video transceiver: %w", err)
	}

	t := &PeerTransport{
		remoteID: remoteID,
		pc:       pc,
		cfg:      cfg,
		events:   make(chan ports.TransportEvent, eventBufferSize),
		done:     make(chan struct{}),
		logger:   logger.With("remote_id", remoteID),
	}

	pc.OnICECandidate(t.handleICECandidate)
	pc.OnConnectionStateChange(t.handleConnectionState)
	pc.OnTrack(t.handleTrack)
	return t, nil
}

func createPeerConnection(cfg Config) (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{
		ICEServers:   cfg.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, err
		}
	}

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(config)
}

// CreateOffer creates an offer and sets it as the local description
func (t *PeerTransport) CreateOffer(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return offer.SDP, nil
}

// SetRemoteAnswer applies the remote answer SDP
func (t *PeerTransport) SetRemoteAnswer(sdp string) error {
	return t.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
}

// AddICECandidate adds a remote candidate
func (t *PeerTransport) AddICECandidate(c domain.ICECandidate) error {
	return t.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
}

func (t *PeerTransport) Events() <-chan ports.TransportEvent {
	return t.events
}

func (t *PeerTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.pc.Close()
	})
	return err
}

func (t *PeerTransport) emit(ev ports.TransportEvent) {
	select {
	case t.events <- ev:
	case <-t.done:
	}
}

func (t *PeerTransport) handleICECandidate(c *webrtc.ICECandidate) {
	// nil marks the end of gathering.
	if c == nil {
		return
	}
	init := c.ToJSON()
	t.emit(ports.TransportEvent{
		Kind: ports.TransportCandidate,
		Candidate: &domain.ICECandidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		},
	})
}

func (t *PeerTransport) handleConnectionState(state webrtc.PeerConnectionState) {
	t.logger.Infow("peer connection state changed", "connection_state", state)
	t.emit(ports.TransportEvent{Kind: ports.TransportStateChange, State: linkState(state)})
}

func linkState(state webrtc.PeerConnectionState) domain.LinkState {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return domain.LinkStateChecking
	case webrtc.PeerConnectionStateConnected:
		return domain.LinkStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return domain.LinkStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return domain.LinkStateFailed
	case webrtc.PeerConnectionStateClosed:
		return domain.LinkStateClosed
	default:
		return domain.LinkStateNew
	}
}

func (t *PeerTransport) handleTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	if track.Kind() != webrtc.RTPCodecTypeVideo {
		return
	}

	t.logger.Infow("remote video track started",
		"track_id", track.ID(),
		"codec", track.Codec().MimeType,
	)

	source := NewTrackSource(track.Codec().MimeType, t.cfg.Decoder, t.logger)
	go t.readTrack(track, source)
	go t.drainRTCP(receiver)
	if t.cfg.KeyframeInterval > 0 {
		go t.requestKeyframes(uint32(track.SSRC()))
	}

	t.emit(ports.TransportEvent{Kind: ports.TransportTrack, Source: source})
}

func (t *PeerTransport) readTrack(track *webrtc.TrackRemote, source *TrackSource) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			decoded, failures := source.Counts()
			t.logger.Infow("track reader stopped",
				"track_id", track.ID(),
				"decoded", decoded,
				"decode_failures", failures,
				"error", err,
			)
			return
		}
		source.Push(pkt)
	}
}

// drainRTCP keeps interceptors running; nothing here needs the packets.
func (t *PeerTransport) drainRTCP(receiver *webrtc.RTPReceiver) {
	for {
		if _, _, err := receiver.ReadRTCP(); err != nil {
			return
		}
	}
}

func (t *PeerTransport) requestKeyframes(ssrc uint32) {
	ticker := time.NewTicker(t.cfg.KeyframeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if err := t.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
				t.logger.Debugw("failed to send picture loss indication", "error", err)
			}
		}
	}
}

var _ ports.PeerTransport = (*PeerTransport)(nil)
