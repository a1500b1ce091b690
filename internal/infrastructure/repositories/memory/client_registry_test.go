package memory

import (
	"sync"
	"testing"

	"dronelink/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	name string
}

func (c *fakeConn) Send([]byte) error { return nil }
func (c *fakeConn) Close() error      { return nil }

func TestRegistry_RegisterLookupUnregister(t *testing.T) {
	reg := NewMemoryClientRegistry()
	conn := &fakeConn{name: "a"}

	id, err := reg.Register(conn)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	got, err := reg.Lookup(id)
	require.NoError(t, err)
	assert.Same(t, conn, got)

	resolved, err := reg.Resolve(conn)
	require.NoError(t, err)
	assert.Equal(t, id, resolved)

	reg.Unregister(conn)
	_, err = reg.Lookup(id)
	assert.ErrorIs(t, err, domain.ErrClientNotFound)
	assert.Equal(t, 0, reg.Count())
}

func TestRegistry_UnregisterUnknownIsNoop(t *testing.T) {
	reg := NewMemoryClientRegistry()
	known := &fakeConn{name: "known"}
	id, err := reg.Register(known)
	require.NoError(t, err)

	reg.Unregister(&fakeConn{name: "stranger"})
	reg.Unregister(known)
	reg.Unregister(known)

	_, err = reg.Lookup(id)
	assert.ErrorIs(t, err, domain.ErrClientNotFound)
}

func TestRegistry_RegisterSameConnectionTwice(t *testing.T) {
	reg := NewMemoryClientRegistry()
	conn := &fakeConn{}

	first, err := reg.Register(conn)
	require.NoError(t, err)
	second, err := reg.Register(conn)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, reg.Count())
}

func TestRegistry_CollisionIsRerolled(t *testing.T) {
	reg := NewMemoryClientRegistry()
	ids := []string{"dup", "dup", "fresh"}
	reg.newID = func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}

	a, err := reg.Register(&fakeConn{})
	require.NoError(t, err)
	b, err := reg.Register(&fakeConn{})
	require.NoError(t, err)

	assert.Equal(t, domain.ClientID("dup"), a)
	assert.Equal(t, domain.ClientID("fresh"), b)
}

func TestRegistry_ConcurrentRegisterYieldsUniqueIDs(t *testing.T) {
	reg := NewMemoryClientRegistry()
	const n = 200

	var wg sync.WaitGroup
	ids := make(chan domain.ClientID, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn := &fakeConn{}
			id, err := reg.Register(conn)
			assert.NoError(t, err)
			ids <- id
			if _, err := reg.Lookup(id); err != nil {
				t.Errorf("lookup after register: %v", err)
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[domain.ClientID]struct{}, n)
	for id := range ids {
		_, dup := seen[id]
		assert.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, n)
	assert.Equal(t, n, reg.Count())
	assert.Len(t, reg.IDs(), n)
}
