// Package session implements token sessions and the session creation
// state machine.
//
// # Creation flow
//
// A presented tag drives one Creation instance through:
//
//	Begin -> AwaitStartSessionResponse
//	      -> (optional) AwaitAuthenticateNewSessionResponse
//	      -> (optional) AwaitCompleteAuthenticationResponse
//	      -> Succeeded | Rejected | Failed
//
// The machine is non-blocking and driven by periodic Tick calls from a
// single owner. Broker responses arrive on the transport goroutine and
// are staged; the following Tick consumes them. At most one Creation may
// be progressing per tag UID at a time; the coordinator enforces this.
//
// Succeeded, Rejected and Failed are terminal for the handshake attempt.
// Rejected is an authoritative backend decision (deactivated token,
// insufficient permissions) and is deliberately distinct from Failed:
// a rejection is shown as a denial and not retried, while a failure is
// typically retryable by re-presenting the tag.
package session
