package realtime

import (
	"testing"

	"chat-gateway/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConn(userID string) *Connection {
	return NewConnection(nil, &models.User{ID: userID, Username: userID}, 256, 100, 100)
}

func TestRegistryRegisterAndIndex(t *testing.T) {
	r := NewRegistry()
	a1, a2, b := newConn("alice"), newConn("alice"), newConn("bob")

	require.NoError(t, r.Register(a1))
	require.NoError(t, r.Register(a2))
	require.NoError(t, r.Register(b))

	assert.Equal(t, 3, r.Count())
	assert.Equal(t, 2, r.UserCount())
	assert.Len(t, r.ConnectionsFor("alice"), 2)

	got, ok := r.Lookup(b.ID)
	require.True(t, ok)
	assert.Same(t, b, got)
}

func TestRegistryRejectsDuplicate(t *testing.T) {
	r := NewRegistry()
	c := newConn("alice")
	require.NoError(t, r.Register(c))
	assert.ErrorIs(t, r.Register(c), ErrDuplicateConnection)
	assert.Equal(t, 1, r.Count())
}

func TestRegistryUnregisterIsIdempotent(t *testing.T) {
	r := NewRegistry()
	a1, a2 := newConn("alice"), newConn("alice")
	require.NoError(t, r.Register(a1))
	require.NoError(t, r.Register(a2))

	_, ok := r.Unregister(a1.ID)
	assert.True(t, ok)
	_, ok = r.Unregister(a1.ID)
	assert.False(t, ok)

	assert.Len(t, r.ConnectionsFor("alice"), 1)
	assert.Equal(t, 1, r.UserCount())

	r.Unregister(a2.ID)
	assert.Empty(t, r.ConnectionsFor("alice"))
	assert.Equal(t, 0, r.UserCount())
	_, ok = r.Lookup(a2.ID)
	assert.False(t, ok)
}
