package session

import (
	"errors"

	"github.com/werkstattwaedi/machine-auth-sub005/pkg/broker"
	"github.com/werkstattwaedi/machine-auth-sub005/pkg/nfc"
)

// ErrorKind classifies why a session creation attempt failed.
type ErrorKind uint8

const (
	// KindUnspecified covers failures with no more precise classification.
	KindUnspecified ErrorKind = iota

	// KindTimeout: no response arrived within the request deadline.
	KindTimeout

	// KindMalformedResponse: the response shape matched no known variant.
	KindMalformedResponse

	// KindNtagFailed: a tag-side operation failed (excluding rate
	// limiting, which is retried in place).
	KindNtagFailed

	// KindAborted: the handshake was cancelled externally, e.g. the tag
	// was removed from the field.
	KindAborted
)

// String returns the kind name.
func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "TIMEOUT"
	case KindMalformedResponse:
		return "MALFORMED_RESPONSE"
	case KindNtagFailed:
		return "NTAG_FAILED"
	case KindAborted:
		return "ABORTED"
	default:
		return "UNSPECIFIED"
	}
}

// classifyBrokerError maps a broker failure to an error kind.
func classifyBrokerError(err error) ErrorKind {
	if errors.Is(err, broker.ErrTimeout) {
		return KindTimeout
	}
	return KindUnspecified
}

// classifyTagError maps a tag-side failure to an error kind. Rate
// limiting never reaches this; it is retried before classification.
func classifyTagError(err error) ErrorKind {
	if errors.Is(err, nfc.ErrTagGone) {
		return KindAborted
	}
	return KindNtagFailed
}
