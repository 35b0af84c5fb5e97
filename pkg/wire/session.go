package wire

// TokenSessionRecord is the backend-issued session record.
type TokenSessionRecord struct {
	// TagUid is the 7-byte tag identifier.
	TagUid []byte `cbor:"1,keyasint"`

	// SessionID is the backend-assigned session identifier.
	SessionID string `cbor:"2,keyasint"`

	// ExpirationUnixSeconds is the absolute expiration time.
	ExpirationUnixSeconds int64 `cbor:"3,keyasint"`

	// UserID identifies the member the tag belongs to.
	UserID string `cbor:"4,keyasint"`

	// UserLabel is the display name shown on the terminal.
	UserLabel string `cbor:"5,keyasint"`

	// Permissions lists the machine permissions granted to the session.
	Permissions []string `cbor:"6,keyasint,omitempty"`
}

// StartSessionResult discriminates the StartSession response union.
type StartSessionResult uint8

const (
	// StartResultExistingSession carries a still-valid session record.
	StartResultExistingSession StartSessionResult = 1

	// StartResultAuthRequired asks the terminal to run the tag handshake.
	StartResultAuthRequired StartSessionResult = 2

	// StartResultRejected is an authoritative denial with a message.
	StartResultRejected StartSessionResult = 3
)

// String returns the result name.
func (r StartSessionResult) String() string {
	switch r {
	case StartResultExistingSession:
		return "EXISTING_SESSION"
	case StartResultAuthRequired:
		return "AUTH_REQUIRED"
	case StartResultRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// StartSessionRequest asks the backend for a session for a presented tag.
type StartSessionRequest struct {
	TagUid []byte `cbor:"1,keyasint"`
}

// StartSessionResponse is the StartSession result union.
type StartSessionResponse struct {
	Result  StartSessionResult  `cbor:"1,keyasint"`
	Session *TokenSessionRecord `cbor:"2,keyasint,omitempty"`
	Message string              `cbor:"3,keyasint,omitempty"`
}

// AuthenticateNewSessionRequest forwards the tag's opaque challenge.
type AuthenticateNewSessionRequest struct {
	TagUid       []byte `cbor:"1,keyasint"`
	TagChallenge []byte `cbor:"2,keyasint"`
}

// AuthenticateNewSessionResponse carries the pending session id and the
// backend-computed challenge to submit to the tag.
type AuthenticateNewSessionResponse struct {
	SessionID      string `cbor:"1,keyasint"`
	CloudChallenge []byte `cbor:"2,keyasint"`
}

// CompleteAuthenticationResult discriminates the CompleteAuthentication
// response union.
type CompleteAuthenticationResult uint8

const (
	// CompleteResultNewSession carries the freshly issued session record.
	CompleteResultNewSession CompleteAuthenticationResult = 1

	// CompleteResultRejected is an authoritative denial with a message.
	CompleteResultRejected CompleteAuthenticationResult = 2
)

// String returns the result name.
func (r CompleteAuthenticationResult) String() string {
	switch r {
	case CompleteResultNewSession:
		return "NEW_SESSION"
	case CompleteResultRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// CompleteAuthenticationRequest forwards the tag's encrypted final
// response for backend verification.
type CompleteAuthenticationRequest struct {
	SessionID            string `cbor:"1,keyasint"`
	EncryptedTagResponse []byte `cbor:"2,keyasint"`
}

// CompleteAuthenticationResponse is the CompleteAuthentication result union.
type CompleteAuthenticationResponse struct {
	Result  CompleteAuthenticationResult `cbor:"1,keyasint"`
	Session *TokenSessionRecord          `cbor:"2,keyasint,omitempty"`
	Message string                       `cbor:"3,keyasint,omitempty"`
}
