package session

import (
	"fmt"
	"time"

	"github.com/werkstattwaedi/machine-auth-sub005/pkg/nfc"
	"github.com/werkstattwaedi/machine-auth-sub005/pkg/wire"
)

// TokenSession is an authenticated, time-bounded usage grant for one tag.
// It is constructed only from a backend-issued record and is immutable.
// Validity is computed at each use; expiration is never cached as a flag.
type TokenSession struct {
	tagUid      nfc.TagUid
	sessionID   string
	userID      string
	userLabel   string
	expiration  time.Time
	permissions []string
}

// NewTokenSession builds a session from a backend-issued wire record.
func NewTokenSession(rec *wire.TokenSessionRecord) (*TokenSession, error) {
	if rec == nil {
		return nil, fmt.Errorf("session record is nil")
	}
	uid, err := nfc.ParseTagUid(rec.TagUid)
	if err != nil {
		return nil, fmt.Errorf("session record: %w", err)
	}
	if rec.SessionID == "" {
		return nil, fmt.Errorf("session record has no session id")
	}

	return &TokenSession{
		tagUid:      uid,
		sessionID:   rec.SessionID,
		userID:      rec.UserID,
		userLabel:   rec.UserLabel,
		expiration:  time.Unix(rec.ExpirationUnixSeconds, 0),
		permissions: append([]string(nil), rec.Permissions...),
	}, nil
}

// TagUid returns the tag this session was issued for.
func (s *TokenSession) TagUid() nfc.TagUid { return s.tagUid }

// SessionID returns the backend-assigned session identifier.
func (s *TokenSession) SessionID() string { return s.sessionID }

// UserID returns the member identifier.
func (s *TokenSession) UserID() string { return s.userID }

// UserLabel returns the member display name.
func (s *TokenSession) UserLabel() string { return s.userLabel }

// Expiration returns the absolute expiration time.
func (s *TokenSession) Expiration() time.Time { return s.expiration }

// Permissions returns the granted permissions.
func (s *TokenSession) Permissions() []string {
	return append([]string(nil), s.permissions...)
}

// IsActive reports whether the session is valid right now. A session
// captured earlier may have expired since; callers re-check at every use.
func (s *TokenSession) IsActive() bool {
	return s.IsActiveAt(time.Now())
}

// IsActiveAt reports whether the session is valid at the given instant.
func (s *TokenSession) IsActiveAt(now time.Time) bool {
	return now.Before(s.expiration)
}

// HasPermission reports whether the session grants the named permission.
func (s *TokenSession) HasPermission(permission string) bool {
	for _, p := range s.permissions {
		if p == permission {
			return true
		}
	}
	return false
}
