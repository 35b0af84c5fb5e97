package session

import (
	"sync"

	"github.com/werkstattwaedi/machine-auth-sub005/pkg/nfc"
	"github.com/werkstattwaedi/machine-auth-sub005/pkg/wire"
)

// Registry is the in-memory index of validated sessions, keyed both by
// tag UID and by session id. The two indices are kept in sync; other
// components hold a session id and resolve through the registry at each
// use, which naturally re-checks expiration at the point of use.
type Registry struct {
	mu       sync.RWMutex
	byTag    map[nfc.TagUid]*TokenSession
	bySessID map[string]*TokenSession
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byTag:    make(map[nfc.TagUid]*TokenSession),
		bySessID: make(map[string]*TokenSession),
	}
}

// GetByTagUid returns the session registered for a tag, or nil. The
// caller must still check IsActive; the registry does not evict.
func (r *Registry) GetByTagUid(uid nfc.TagUid) *TokenSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byTag[uid]
}

// GetBySessionID returns the session with the given id, or nil.
func (r *Registry) GetBySessionID(sessionID string) *TokenSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bySessID[sessionID]
}

// Register stores a backend-issued record and returns the resulting
// session. Registering the same session id twice is idempotent and
// returns the already-registered session. A new session for a tag
// replaces that tag's previous session in both indices.
func (r *Registry) Register(rec *wire.TokenSessionRecord) (*TokenSession, error) {
	session, err := NewTokenSession(rec)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.bySessID[session.SessionID()]; ok {
		return existing, nil
	}

	if previous, ok := r.byTag[session.TagUid()]; ok {
		delete(r.bySessID, previous.SessionID())
	}
	r.byTag[session.TagUid()] = session
	r.bySessID[session.SessionID()] = session
	return session, nil
}

// RemoveByTagUid drops a tag's session from both indices.
func (r *Registry) RemoveByTagUid(uid nfc.TagUid) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.byTag[uid]
	if !ok {
		return
	}
	delete(r.byTag, uid)
	delete(r.bySessID, session.SessionID())
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byTag)
}
