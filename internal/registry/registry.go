// Package registry maps live connections to sessions: the claimed identity,
// the transient admin bit, and the rate-limiter timing state.
package registry

import (
	"errors"
	"sync"

	"github.com/MarcoPoloResearchLab/parlor/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/parlor/backend/internal/ratelimit"
)

var (
	// ErrAddressBanned rejects a connection whose network address is banned.
	ErrAddressBanned = errors.New("registry: address is banned")
	// ErrNameBanned rejects an identity claim for a banned display name.
	ErrNameBanned = errors.New("registry: name is banned")
	// ErrUnknownConnection indicates the connection was never opened or is
	// already closed.
	ErrUnknownConnection = errors.New("registry: unknown connection")
)

// BanPolicy is the moderation view the registry consults at registration.
type BanPolicy interface {
	IsNameBanned(chat.Identity) bool
	IsAddressBanned(address string) bool
}

// Session is the per-connection record. Fields beyond the map binding are
// mutated only by the orchestrator's serialized event loop.
type Session struct {
	ConnID   string
	Addr     string
	Identity chat.Identity
	Joined   bool
	Admin    bool
	Limiter  ratelimit.State
}

// Registry is the bidirectional connection/identity mapping.
type Registry struct {
	bans BanPolicy

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry constructs an empty registry consulting the given ban policy.
func NewRegistry(bans BanPolicy) *Registry {
	return &Registry{
		bans:     bans,
		sessions: make(map[string]*Session),
	}
}

// Open admits a new connection before any identity is claimed. The address
// ban check happens here, at connection-open time.
func (r *Registry) Open(connID, addr string) (*Session, error) {
	if r.bans != nil && r.bans.IsAddressBanned(addr) {
		return nil, ErrAddressBanned
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[connID]; ok {
		return existing, nil
	}
	session := &Session{ConnID: connID, Addr: addr}
	r.sessions[connID] = session
	return session, nil
}

// Bind claims a display identity for the connection. Re-joining replaces the
// binding. Banned names are rejected.
func (r *Registry) Bind(connID, rawName string) (*Session, error) {
	identity := chat.NewIdentity(rawName)
	if r.bans != nil && r.bans.IsNameBanned(identity) {
		return nil, ErrNameBanned
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[connID]
	if !ok {
		return nil, ErrUnknownConnection
	}
	session.Identity = identity
	session.Joined = true
	return session, nil
}

// Lookup returns the session for a connection.
func (r *Registry) Lookup(connID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[connID]
	return session, ok
}

// FindIdentity returns one connected session bound to the identity.
func (r *Registry) FindIdentity(identity chat.Identity) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, session := range r.sessions {
		if session.Joined && session.Identity == identity {
			return session, true
		}
	}
	return nil, false
}

// Close removes the connection binding. The second and later calls for the
// same connection report false, giving disconnect cleanup exactly-once
// semantics.
func (r *Registry) Close(connID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[connID]
	if !ok {
		return nil, false
	}
	delete(r.sessions, connID)
	return session, true
}

// Count reports the visible presence count, excluding connections the
// predicate marks as ghosted.
func (r *Registry) Count(isGhost func(connID string) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for connID := range r.sessions {
		if isGhost != nil && isGhost(connID) {
			continue
		}
		count++
	}
	return count
}

// Sessions returns a snapshot of all live sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		out = append(out, session)
	}
	return out
}
