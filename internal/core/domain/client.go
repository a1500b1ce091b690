package domain

import "encoding/json"

// ClientID identifies one live relay connection.
type ClientID string

const (
	EventHandshakeMessage = "handshake_message"
	EventRegistered       = "registered"
)

// Envelope is the relay wire frame. On inbound frames SocketID is the target,
// on the registration notice it is the receiver's own id.
type Envelope struct {
	Event    string          `json:"event"`
	SocketID ClientID        `json:"socketID,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// SignalType is the handshake payload discriminator.
type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "candidate"
)

// ICECandidate mirrors the browser RTCIceCandidateInit shape.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// HandshakeSignal is the payload carried in Envelope.Data between peers.
// SocketID is filled in by the relay with the sender's id.
type HandshakeSignal struct {
	Type      SignalType    `json:"type"`
	SDP       string        `json:"sdp,omitempty"`
	Candidate *ICECandidate `json:"candidate,omitempty"`
	SocketID  ClientID      `json:"socketID,omitempty"`
}
