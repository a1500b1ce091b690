package ports

import (
	"dronelink/internal/core/domain"
)

// Connection is a live relay transport handle. Implementations must be
// comparable (pointer types) because the registry reverse-maps them.
type Connection interface {
	Send(data []byte) error
	Close() error
}

// ClientRegistry maps relay client ids to their connections
type ClientRegistry interface {
	Register(conn Connection) (domain.ClientID, error)
	Lookup(id domain.ClientID) (Connection, error)
	Resolve(conn Connection) (domain.ClientID, error)
	Unregister(conn Connection)
	Count() int
}
