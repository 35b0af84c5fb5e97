package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// RPC method names.
const (
	MethodStartSession           = "startSession"
	MethodAuthenticateNewSession = "authenticateNewSession"
	MethodCompleteAuthentication = "completeAuthentication"
	MethodUploadUsage            = "uploadUsage"
)

// Request is the envelope for a terminal-to-backend call.
//
// CBOR encoding:
//
//	{
//	  1: requestId,  // string, chosen by the caller
//	  2: method,     // string
//	  3: payload     // method-specific CBOR
//	}
type Request struct {
	RequestID string          `cbor:"1,keyasint"`
	Method    string          `cbor:"2,keyasint"`
	Payload   cbor.RawMessage `cbor:"3,keyasint,omitempty"`
}

// Validate checks the envelope fields.
func (r *Request) Validate() error {
	if r.RequestID == "" {
		return fmt.Errorf("request id must not be empty")
	}
	if r.Method == "" {
		return fmt.Errorf("method must not be empty")
	}
	return nil
}

// Response is the envelope for a backend-to-terminal reply. The request
// identifier is echoed verbatim for correlation.
//
// CBOR encoding:
//
//	{
//	  1: requestId,  // string, echoed
//	  2: payload     // method-specific CBOR
//	}
type Response struct {
	RequestID string          `cbor:"1,keyasint"`
	Payload   cbor.RawMessage `cbor:"2,keyasint,omitempty"`
}

// NewRequest builds an envelope with an encoded payload.
func NewRequest(requestID, method string, payload any) (*Request, error) {
	raw, err := Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", method, err)
	}
	return &Request{RequestID: requestID, Method: method, Payload: raw}, nil
}

// NewResponse builds a reply envelope with an encoded payload.
func NewResponse(requestID string, payload any) (*Response, error) {
	raw, err := Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode response payload: %w", err)
	}
	return &Response{RequestID: requestID, Payload: raw}, nil
}
