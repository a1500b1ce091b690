package domain

import "time"

// LinkState mirrors the peer connection state
type LinkState int

const (
	LinkStateNew LinkState = iota
	LinkStateChecking
	LinkStateConnected
	LinkStateDisconnected
	LinkStateFailed
	LinkStateClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkStateNew:
		return "new"
	case LinkStateChecking:
		return "checking"
	case LinkStateConnected:
		return "connected"
	case LinkStateDisconnected:
		return "disconnected"
	case LinkStateFailed:
		return "failed"
	case LinkStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the pipeline bound to a link must stop.
func (s LinkState) Terminal() bool {
	return s == LinkStateDisconnected || s == LinkStateFailed || s == LinkStateClosed
}

// Final reports whether a link in this state is torn down. Disconnected can
// still recover, so it stops the pipeline without ending the link.
func (s LinkState) Final() bool {
	return s == LinkStateFailed || s == LinkStateClosed
}

// LinkStateChange is one entry on the link state stream
type LinkStateChange struct {
	RemoteID ClientID
	State    LinkState
	At       time.Time
}

// PeerLinkInfo describes a live link
type PeerLinkInfo struct {
	RemoteID       ClientID
	State          LinkState
	PipelineActive bool
	CreatedAt      time.Time
}
