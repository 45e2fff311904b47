// Package registry owns the authoritative set of live connections.
package registry

import (
	"sort"
	"sync"

	"github.com/netra-systems/zen-sub342/internal/model"
)

// Registry indexes live connections by ID, by user and by thread.
//
// Registration and removal are serialized by the session registry; the
// internal lock only protects readers that iterate while writers run.
type Registry struct {
	mu       sync.RWMutex
	conns    map[string]*model.Connection
	byUser   map[string]map[string]struct{}
	byThread map[string]map[string]struct{}
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		conns:    make(map[string]*model.Connection),
		byUser:   make(map[string]map[string]struct{}),
		byThread: make(map[string]map[string]struct{}),
	}
}

// Add inserts a connection. Returns a *model.DuplicateConnectionError if the ID is taken.
func (r *Registry) Add(conn *model.Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[conn.ID]; exists {
		return &model.DuplicateConnectionError{ConnectionID: conn.ID}
	}

	r.conns[conn.ID] = conn
	addIndex(r.byUser, conn.UserID, conn.ID)
	if conn.ThreadID != "" {
		addIndex(r.byThread, conn.ThreadID, conn.ID)
	}
	return nil
}

// Replace swaps the stored record for an already registered connection.
// Used when a user reconnects under the same ID.
func (r *Registry) Replace(conn *model.Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, exists := r.conns[conn.ID]
	if !exists {
		return false
	}
	removeIndex(r.byUser, old.UserID, old.ID)
	removeIndex(r.byThread, old.ThreadID, old.ID)

	r.conns[conn.ID] = conn
	addIndex(r.byUser, conn.UserID, conn.ID)
	if conn.ThreadID != "" {
		addIndex(r.byThread, conn.ThreadID, conn.ID)
	}
	return true
}

// Remove deletes a connection. Removing an unknown ID is a no-op.
func (r *Registry) Remove(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, exists := r.conns[connectionID]
	if !exists {
		return
	}
	delete(r.conns, connectionID)
	removeIndex(r.byUser, conn.UserID, connectionID)
	removeIndex(r.byThread, conn.ThreadID, connectionID)
}

// Get returns the connection, or false if it is not registered.
func (r *Registry) Get(connectionID string) (*model.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[connectionID]
	return conn, ok
}

// ConnectionsForUser returns the IDs of every connection owned by userID, sorted.
func (r *Registry) ConnectionsForUser(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.byUser[userID])
}

// ConnectionsForThread returns the IDs of every connection bound to threadID, sorted.
func (r *Registry) ConnectionsForThread(threadID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.byThread[threadID])
}

// All returns a snapshot of every registered connection.
func (r *Registry) All() []*model.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*model.Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		out = append(out, conn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Users returns the IDs of every user with at least one connection.
func (r *Registry) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]string, 0, len(r.byUser))
	for userID := range r.byUser {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}

// HasUser reports whether userID owns at least one connection.
func (r *Registry) HasUser(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// UserCount returns the number of distinct users with connections.
func (r *Registry) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// Clear removes every connection. Intended for tests and administrative resets.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns = make(map[string]*model.Connection)
	r.byUser = make(map[string]map[string]struct{})
	r.byThread = make(map[string]map[string]struct{})
}

func addIndex(index map[string]map[string]struct{}, key, id string) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[id] = struct{}{}
}

func removeIndex(index map[string]map[string]struct{}, key, id string) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(index, key)
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
