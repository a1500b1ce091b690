package domain

import "errors"

var (
	ErrClientNotFound    = errors.New("client not found")
	ErrPeerLinkNotFound  = errors.New("peer link not found")
	ErrInvalidRemoteID   = errors.New("invalid remote id")
	ErrProtocol          = errors.New("protocol error")
	ErrSideChannelClosed = errors.New("side channel closed")
	ErrTransportFailure  = errors.New("transport failure")
	ErrNotRegistered     = errors.New("relay registration not received")
)
