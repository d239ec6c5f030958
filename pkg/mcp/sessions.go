package mcp

import "sync"

// SessionRegistry maps tenant IDs to MCP session IDs.
// Populated automatically when a tool call names a tenant.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // tenantID → sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates a tenant with a session. The latest session wins.
func (r *SessionRegistry) Register(tenantID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[tenantID] = sessionID
}

// SessionFor returns the session ID for the given tenant, if connected.
func (r *SessionRegistry) SessionFor(tenantID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[tenantID]
	return sid, ok
}

// Remove deletes all tenant mappings for the given session ID.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for tid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, tid)
		}
	}
}
