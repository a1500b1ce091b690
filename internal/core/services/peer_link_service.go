package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"dronelink/internal/core/domain"
	"dronelink/internal/core/ports"
	apperrors "dronelink/pkg/errors"
	"dronelink/pkg/validation"

	"go.uber.org/zap"
)

const (
	stateBufferSize   = 32
	candidateSendWait = 5 * time.Second
)

// PeerLinkManager owns one peer link per remote endpoint and runs the
// offer/answer and candidate exchange for it over the relay.
type PeerLinkManager struct {
	signaling    ports.SignalingChannel
	newTransport ports.TransportFactory
	newPipeline  ports.PipelineFactory
	metrics      ports.MetricsRecorder
	logger       *zap.SugaredLogger

	links map[domain.ClientID]*peerLink
	mu    sync.Mutex

	wireOnce sync.Once
	states   chan domain.LinkStateChange
	now      func() time.Time
}

type peerLink struct {
	remoteID  domain.ClientID
	transport ports.PeerTransport
	createdAt time.Time

	mu        sync.Mutex
	state     domain.LinkState
	answered  bool
	pending   []domain.ICECandidate
	seen      map[string]struct{}
	source    ports.FrameSource
	pipeline  ports.FramePipeline
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
}

// NewPeerLinkManager creates a manager. A nil metrics recorder disables metrics
func NewPeerLinkManager(
	signaling ports.SignalingChannel,
	newTransport ports.TransportFactory,
	newPipeline ports.PipelineFactory,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) *PeerLinkManager {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &PeerLinkManager{
		signaling:    signaling,
		newTransport: newTransport,
		newPipeline:  newPipeline,
		metrics:      metrics,
		logger:       logger,
		links:        make(map[domain.ClientID]*peerLink),
		states:       make(chan domain.LinkStateChange, stateBufferSize),
		now:          time.Now,
	}
}

// States streams link state transitions. Transitions are dropped when the
// reader falls behind.
func (m *PeerLinkManager) States() <-chan domain.LinkStateChange {
	return m.states
}

// StartCall creates the link for remoteID unless a live one already exists.
// A link that failed or closed is replaced, which is how callers retry.
func (m *PeerLinkManager) StartCall(ctx context.Context, remoteID domain.ClientID) error {
	if err := validation.ValidateClientID(string(remoteID)); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidRemoteID, err)
	}

	m.wireOnce.Do(func() {
		go m.consumeSignaling()
	})

	var stale *peerLink
	defer func() {
		if stale != nil {
			stale.close(m.logger)
		}
	}()

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, exists := m.links[remoteID]; exists {
		if !existing.currentState().Final() {
			return nil
		}
		delete(m.links, remoteID)
		stale = existing
	}

	transport, err := m.newTransport(remoteID)
	if err != nil {
		return transportFailure("create peer link", err)
	}

	link := &peerLink{
		remoteID:  remoteID,
		transport: transport,
		createdAt: m.now(),
		state:     domain.LinkStateNew,
		seen:      make(map[string]struct{}),
		done:      make(chan struct{}),
	}
	m.links[remoteID] = link
	go m.runEvents(link)

	m.logger.Infow("peer link created", "remote_id", remoteID)
	return nil
}

// SendOffer creates and applies a local offer, then sends it to remoteID.
// Failures are returned as-is and never retried.
func (m *PeerLinkManager) SendOffer(ctx context.Context, remoteID domain.ClientID) error {
	link, err := m.link(remoteID)
	if err != nil {
		return err
	}

	sdp, err := link.transport.CreateOffer(ctx)
	if err != nil {
		return transportFailure("create offer", err)
	}

	offer := domain.HandshakeSignal{Type: domain.SignalOffer, SDP: sdp}
	if err := m.signaling.Send(ctx, remoteID, offer); err != nil {
		return err
	}

	m.logger.Infow("offer sent", "remote_id", remoteID)
	return nil
}

// HandleIncoming applies one handshake payload received through the relay.
// The link is picked by the sender id the relay stamped on the payload.
func (m *PeerLinkManager) HandleIncoming(payload json.RawMessage) error {
	var sig domain.HandshakeSignal
	if err := json.Unmarshal(payload, &sig); err != nil {
		return apperrors.NewProtocolError("invalid handshake payload", fmt.Errorf("%w: %v", domain.ErrProtocol, err))
	}

	link, err := m.link(sig.SocketID)
	if err != nil {
		return err
	}

	switch sig.Type {
	case domain.SignalAnswer:
		err = m.applyAnswer(link, sig.SDP)
	case domain.SignalCandidate:
		if sig.Candidate == nil {
			return apperrors.NewProtocolError("candidate payload without candidate", domain.ErrProtocol)
		}
		err = m.applyCandidate(link, *sig.Candidate)
	default:
		m.logger.Debugw("ignoring handshake payload", "type", sig.Type, "remote_id", sig.SocketID)
		return nil
	}

	if errors.Is(err, domain.ErrTransportFailure) {
		m.failLink(link)
	}
	return err
}

// failLink reports a handshake the transport rejected as a failed link and
// tears it down, the same way a transport-reported failure is handled.
func (m *PeerLinkManager) failLink(link *peerLink) {
	link.mu.Lock()
	if link.closed {
		link.mu.Unlock()
		return
	}
	link.state = domain.LinkStateFailed
	m.stopPipelineLocked(link)
	link.mu.Unlock()

	m.metrics.RecordLinkState(domain.LinkStateFailed)
	m.logger.Warnw("peer link failed", "remote_id", link.remoteID)
	m.emit(domain.LinkStateChange{RemoteID: link.remoteID, State: domain.LinkStateFailed, At: m.now()})
	m.release(link)
}

func (m *PeerLinkManager) applyAnswer(link *peerLink, sdp string) error {
	link.mu.Lock()
	defer link.mu.Unlock()

	if link.closed {
		return nil
	}
	if link.answered {
		m.logger.Debugw("ignoring duplicate answer", "remote_id", link.remoteID)
		return nil
	}

	if err := link.transport.SetRemoteAnswer(sdp); err != nil {
		m.logger.Warnw("failed to apply remote answer", "remote_id", link.remoteID, "error", err)
		return transportFailure("apply answer", err)
	}
	link.answered = true

	pending := link.pending
	link.pending = nil
	for _, c := range pending {
		if err := link.transport.AddICECandidate(c); err != nil {
			m.logger.Warnw("failed to add buffered candidate", "remote_id", link.remoteID, "error", err)
		}
	}
	return nil
}

func (m *PeerLinkManager) applyCandidate(link *peerLink, c domain.ICECandidate) error {
	link.mu.Lock()
	defer link.mu.Unlock()

	if link.closed {
		return nil
	}

	key := candidateKey(c)
	if _, dup := link.seen[key]; dup {
		return nil
	}
	link.seen[key] = struct{}{}

	// Candidates can outrun the answer; they are applied once it lands.
	if !link.answered {
		link.pending = append(link.pending, c)
		return nil
	}

	if err := link.transport.AddICECandidate(c); err != nil {
		m.logger.Warnw("failed to add candidate", "remote_id", link.remoteID, "error", err)
		return transportFailure("add candidate", err)
	}
	return nil
}

func transportFailure(msg string, err error) error {
	return apperrors.NewTransportFailure(msg, fmt.Errorf("%w: %v", domain.ErrTransportFailure, err))
}

func candidateKey(c domain.ICECandidate) string {
	key := c.Candidate
	if c.SDPMid != nil {
		key += "|" + *c.SDPMid
	}
	if c.SDPMLineIndex != nil {
		key += fmt.Sprintf("|%d", *c.SDPMLineIndex)
	}
	return key
}

// EndCall tears down the link for remoteID. It returns ErrPeerLinkNotFound
// when there is nothing to end.
func (m *PeerLinkManager) EndCall(remoteID domain.ClientID) error {
	m.mu.Lock()
	link, exists := m.links[remoteID]
	if exists {
		delete(m.links, remoteID)
	}
	m.mu.Unlock()

	if !exists {
		return domain.ErrPeerLinkNotFound
	}

	link.close(m.logger)
	m.logger.Infow("peer link ended", "remote_id", remoteID)
	return nil
}

// release drops link from the table, unless it was already replaced, and
// closes it.
func (m *PeerLinkManager) release(link *peerLink) {
	m.mu.Lock()
	if m.links[link.remoteID] == link {
		delete(m.links, link.remoteID)
	}
	m.mu.Unlock()

	link.close(m.logger)
	m.logger.Infow("peer link released", "remote_id", link.remoteID)
}

// Close ends every link.
func (m *PeerLinkManager) Close() {
	m.mu.Lock()
	links := make([]*peerLink, 0, len(m.links))
	for id, link := range m.links {
		links = append(links, link)
		delete(m.links, id)
	}
	m.mu.Unlock()

	for _, link := range links {
		link.close(m.logger)
	}
}

// Links returns a snapshot of every live link
func (m *PeerLinkManager) Links() []domain.PeerLinkInfo {
	m.mu.Lock()
	links := make([]*peerLink, 0, len(m.links))
	for _, link := range m.links {
		links = append(links, link)
	}
	m.mu.Unlock()

	out := make([]domain.PeerLinkInfo, 0, len(links))
	for _, link := range links {
		link.mu.Lock()
		out = append(out, domain.PeerLinkInfo{
			RemoteID:       link.remoteID,
			State:          link.state,
			PipelineActive: link.pipeline != nil,
			CreatedAt:      link.createdAt,
		})
		link.mu.Unlock()
	}
	return out
}

func (m *PeerLinkManager) link(remoteID domain.ClientID) (*peerLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	link, exists := m.links[remoteID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", domain.ErrPeerLinkNotFound, remoteID)
	}
	return link, nil
}

func (m *PeerLinkManager) consumeSignaling() {
	for payload := range m.signaling.Incoming() {
		if err := m.HandleIncoming(payload); err != nil {
			m.logger.Infow("handshake payload not applied", "error", err, "code", apperrors.CodeOf(err))
		}
	}
}

func (m *PeerLinkManager) runEvents(link *peerLink) {
	events := link.transport.Events()
	for {
		select {
		case <-link.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.handleTransportEvent(link, ev)
		}
	}
}

func (m *PeerLinkManager) handleTransportEvent(link *peerLink, ev ports.TransportEvent) {
	switch ev.Kind {
	case ports.TransportCandidate:
		if ev.Candidate == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), candidateSendWait)
		defer cancel()
		msg := domain.HandshakeSignal{Type: domain.SignalCandidate, Candidate: ev.Candidate}
		if err := m.signaling.Send(ctx, link.remoteID, msg); err != nil {
			m.logger.Warnw("failed to send local candidate", "remote_id", link.remoteID, "error", err)
		}

	case ports.TransportTrack:
		link.mu.Lock()
		link.source = ev.Source
		if link.state == domain.LinkStateConnected {
			m.startPipelineLocked(link)
		}
		link.mu.Unlock()

	case ports.TransportStateChange:
		link.mu.Lock()
		link.state = ev.State
		switch {
		case ev.State == domain.LinkStateConnected:
			m.startPipelineLocked(link)
		case ev.State.Terminal():
			m.stopPipelineLocked(link)
		}
		link.mu.Unlock()

		m.metrics.RecordLinkState(ev.State)
		m.logger.Infow("peer link state changed", "remote_id", link.remoteID, "state", ev.State.String())
		m.emit(domain.LinkStateChange{RemoteID: link.remoteID, State: ev.State, At: m.now()})

		if ev.State.Final() {
			m.release(link)
		}
	}
}

func (m *PeerLinkManager) startPipelineLocked(link *peerLink) {
	if link.closed || link.pipeline != nil || link.source == nil || m.newPipeline == nil {
		return
	}

	pipeline, err := m.newPipeline(link.remoteID, link.source)
	if err != nil {
		m.logger.Warnw("failed to create frame pipeline", "remote_id", link.remoteID, "error", err)
		return
	}
	if err := pipeline.Start(); err != nil {
		m.logger.Warnw("failed to start frame pipeline", "remote_id", link.remoteID, "error", err)
		pipeline.Disconnect()
		return
	}
	link.pipeline = pipeline
	m.logger.Infow("frame pipeline started", "remote_id", link.remoteID)
}

func (m *PeerLinkManager) stopPipelineLocked(link *peerLink) {
	if link.pipeline == nil {
		return
	}
	link.pipeline.Disconnect()
	link.pipeline = nil
	m.logger.Infow("frame pipeline stopped", "remote_id", link.remoteID)
}

func (m *PeerLinkManager) emit(change domain.LinkStateChange) {
	select {
	case m.states <- change:
	default:
	}
}

func (l *peerLink) currentState() domain.LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *peerLink) close(logger *zap.SugaredLogger) {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		pipeline := l.pipeline
		l.pipeline = nil
		l.mu.Unlock()

		close(l.done)
		if pipeline != nil {
			pipeline.Disconnect()
		}
		if err := l.transport.Close(); err != nil {
			logger.Warnw("failed to close peer transport", "remote_id", l.remoteID, "error", err)
		}
	})
}
