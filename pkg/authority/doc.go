// Package authority implements the backend side of the terminal
// protocol: it knows the tag fleet, holds the master secret the tag
// keys are diversified from, verifies the EV2 handshake and issues
// token sessions.
//
// The terminal never sees a tag key. It forwards the opaque challenge
// bytes from the tag, the authority derives the tag's key from the
// master secret and performs the cryptographic half of the exchange.
package authority
