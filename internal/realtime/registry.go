package realtime

import (
	"sync"
)

// Registry indexes open connections by id and by account.
type Registry struct {
	mu        sync.RWMutex
	byID      map[string]*Connection
	byAccount map[string]map[string]*Connection
}

func NewRegistry() *Registry {
	return &Registry{
		byID:      make(map[string]*Connection),
		byAccount: make(map[string]map[string]*Connection),
	}
}

// Add registers c. It reports false when a connection with the same id is
// already present.
func (r *Registry) Add(c *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[c.id]; exists {
		return false
	}
	r.byID[c.id] = c

	conns, ok := r.byAccount[c.accountID]
	if !ok {
		conns = make(map[string]*Connection)
		r.byAccount[c.accountID] = conns
	}
	conns[c.id] = c
	return true
}

// Remove deregisters c and reports whether it was present.
func (r *Registry) Remove(c *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[c.id]; !exists {
		return false
	}
	delete(r.byID, c.id)

	if conns, ok := r.byAccount[c.accountID]; ok {
		delete(conns, c.id)
		if len(conns) == 0 {
			delete(r.byAccount, c.accountID)
		}
	}
	return true
}

// Connections returns a snapshot of the account's registered connections.
func (r *Registry) Connections(accountID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.byAccount[accountID]
	out := make([]*Connection, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// CloseAll closes every registered connection with the given close code.
// The snapshot is taken under the lock; closing happens outside it because
// each close deregisters itself.
func (r *Registry) CloseAll(code int, reason string) int {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.byID))
	for _, c := range r.byID {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		c.Close(code, reason)
	}
	return len(conns)
}
