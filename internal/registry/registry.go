// Package registry tracks which transport connections belong to which user.
// It is the authoritative in-memory presence state: a user is online exactly
// when it owns at least one identified connection. The registry performs no
// I/O; callers drive presence broadcasts off the edges it reports.
package registry

import (
	"errors"
	"sync"
)

// ErrInvalidArgument is returned when a user id or connection id is empty.
var ErrInvalidArgument = errors.New("registry: user id and connection id are required")

// Registry maps user ids to their set of active connection ids, plus the
// inverse connection-to-user map for O(1) teardown on disconnect. A user
// appears in the forward map if and only if its connection set is non-empty.
type Registry struct {
	mu        sync.RWMutex
	userConns map[string]map[string]struct{} // userID -> set of connIDs
	connUser  map[string]string              // connID -> userID
}

// New creates an empty Registry ready for use.
func New() *Registry {
	return &Registry{
		userConns: make(map[string]map[string]struct{}),
		connUser:  make(map[string]string),
	}
}

// AddConnection binds connID to userID. It is idempotent for an existing
// pair. The first return value reports whether this was the user's first
// connection (the user just came online), which callers use to trigger a
// presence broadcast.
//
// A connection id may only ever be bound to one user. Re-identifying an
// already-bound connection as a different user moves it: the old binding is
// removed first so the inverse map never holds a stale entry.
func (r *Registry) AddConnection(userID, connID string) (bool, error) {
	if userID == "" || connID == "" {
		return false, ErrInvalidArgument
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.connUser[connID]; ok {
		if prev == userID {
			return false, nil // already bound to this user
		}
		r.removeLocked(connID, prev)
	}

	conns, ok := r.userConns[userID]
	if !ok {
		conns = make(map[string]struct{})
		r.userConns[userID] = conns
	}
	conns[connID] = struct{}{}
	r.connUser[connID] = userID

	return len(conns) == 1, nil
}

// RemoveConnection removes connID from the registry. It is a no-op for
// unknown connection ids. It returns the user id the connection belonged to
// and whether that user went offline (last connection removed), so the
// caller can trigger a presence broadcast without a second lookup.
func (r *Registry) RemoveConnection(connID string) (string, bool) {
	if connID == "" {
		return "", false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.connUser[connID]
	if !ok {
		return "", false
	}

	offline := r.removeLocked(connID, userID)
	return userID, offline
}

// removeLocked deletes one binding and reports whether the user's set became
// empty. Caller must hold the write lock.
func (r *Registry) removeLocked(connID, userID string) bool {
	delete(r.connUser, connID)

	conns, ok := r.userConns[userID]
	if !ok {
		return false
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(r.userConns, userID)
		return true
	}
	return false
}

// IsUserOnline reports whether the user has at least one active connection.
func (r *Registry) IsUserOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.userConns[userID]) > 0
}

// ConnectionsOf returns the connection ids currently identified as userID.
// The returned slice is a copy; it is empty (not nil-unsafe) for offline users.
func (r *Registry) ConnectionsOf(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]string, 0, len(r.userConns[userID]))
	for connID := range r.userConns[userID] {
		conns = append(conns, connID)
	}
	return conns
}

// UserOf returns the user id bound to a connection, if any.
func (r *Registry) UserOf(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.connUser[connID]
	return userID, ok
}

// AllOnlineUserIDs returns a consistent snapshot of every user id with at
// least one active connection.
func (r *Registry) AllOnlineUserIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]string, 0, len(r.userConns))
	for userID := range r.userConns {
		users = append(users, userID)
	}
	return users
}

// OnlineCount returns the number of distinct online users.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.userConns)
}
