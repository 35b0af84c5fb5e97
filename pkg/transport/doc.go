// Package transport carries request and response frames between a
// terminal and the authority over TCP.
//
// Frames are length-prefixed. Every connection is wrapped in an
// encrypted tunnel keyed from a pre-shared terminal secret: both sides
// exchange fresh random salts, derive per-direction ChaCha20-Poly1305
// keys with HKDF and seal every frame with a counter nonce. A peer
// without the secret produces frames that fail authentication on the
// first message.
package transport
