package memory

import (
	"sync"

	"dronelink/internal/core/domain"
	"dronelink/internal/core/ports"
	"dronelink/pkg/utils"
)

// maxIDAttempts bounds re-rolls on the (practically impossible) uuid collision.
const maxIDAttempts = 4

// MemoryClientRegistry keeps the id to connection mapping in both directions
type MemoryClientRegistry struct {
	byID   map[domain.ClientID]ports.Connection
	byConn map[ports.Connection]domain.ClientID
	mu     sync.RWMutex

	newID func() string
}

// NewMemoryClientRegistry creates a registry issuing random UUID ids
func NewMemoryClientRegistry() *MemoryClientRegistry {
	return &MemoryClientRegistry{
		byID:   make(map[domain.ClientID]ports.Connection),
		byConn: make(map[ports.Connection]domain.ClientID),
		newID:  utils.GenerateClientID,
	}
}

// NewMemoryClientRegistryWithGenerator uses gen for client ids.
func NewMemoryClientRegistryWithGenerator(gen func() string) *MemoryClientRegistry {
	r := NewMemoryClientRegistry()
	r.newID = gen
	return r
}

// Register stores conn under a fresh id. Registering the same connection
// twice returns its existing id.
func (r *MemoryClientRegistry) Register(conn ports.Connection) (domain.ClientID, error) {
	if conn == nil {
		return "", domain.ErrClientNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, exists := r.byConn[conn]; exists {
		return id, nil
	}

	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id := domain.ClientID(r.newID())
		if _, taken := r.byID[id]; taken || id == "" {
			continue
		}
		r.byID[id] = conn
		r.byConn[conn] = id
		return id, nil
	}

	return "", errIDExhausted
}

// Lookup returns the connection registered under id
func (r *MemoryClientRegistry) Lookup(id domain.ClientID) (ports.Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.byID[id]
	if !exists {
		return nil, domain.ErrClientNotFound
	}
	return conn, nil
}

// Resolve returns the id registered for conn
func (r *MemoryClientRegistry) Resolve(conn ports.Connection) (domain.ClientID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, exists := r.byConn[conn]
	if !exists {
		return "", domain.ErrClientNotFound
	}
	return id, nil
}

// Unregister is a no-op for unknown connections.
func (r *MemoryClientRegistry) Unregister(conn ports.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, exists := r.byConn[conn]
	if !exists {
		return
	}
	delete(r.byConn, conn)
	delete(r.byID, id)
}

func (r *MemoryClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// IDs returns a snapshot of registered ids.
func (r *MemoryClientRegistry) IDs() []domain.ClientID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]domain.ClientID, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	return ids
}

var _ ports.ClientRegistry = (*MemoryClientRegistry)(nil)
