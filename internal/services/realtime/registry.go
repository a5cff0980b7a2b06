package realtime

import "sync"

// Registry is the set of live connections, indexed by id and by owning user.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Connection
	byUser map[string]map[string]*Connection
}

func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[string]*Connection),
		byUser: make(map[string]map[string]*Connection),
	}
}

// Register adds c. A duplicate id is a caller bug and is refused.
func (r *Registry) Register(c *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[c.ID]; exists {
		return ErrDuplicateConnection
	}
	r.conns[c.ID] = c

	if r.byUser[c.UserID] == nil {
		r.byUser[c.UserID] = make(map[string]*Connection)
	}
	r.byUser[c.UserID][c.ID] = c
	return nil
}

// Unregister removes the connection and reports whether it was present.
func (r *Registry) Unregister(connectionID string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connectionID]
	if !ok {
		return nil, false
	}
	delete(r.conns, connectionID)

	if userConns := r.byUser[c.UserID]; userConns != nil {
		delete(userConns, connectionID)
		if len(userConns) == 0 {
			delete(r.byUser, c.UserID)
		}
	}
	return c, true
}

func (r *Registry) Lookup(connectionID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connectionID]
	return c, ok
}

// ConnectionsFor lists the live connections of a user.
func (r *Registry) ConnectionsFor(userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Connection, 0, len(r.byUser[userID]))
	for _, c := range r.byUser[userID] {
		out = append(out, c)
	}
	return out
}

func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}
