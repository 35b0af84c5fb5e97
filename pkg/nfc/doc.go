// Package nfc provides the terminal-side NTAG 424 DNA tag interface.
//
// The package deliberately contains no key material and no cryptography.
// During authentication the terminal acts as a pure relay: it issues the
// tag's AuthenticateEV2First command, receives an opaque encrypted
// challenge, and forwards it upstream; the backend (which holds the
// diversified keys) produces the response ciphertext that the relay
// submits back to the tag. Only the key-slot number is known locally.
//
// Transceiver abstracts the physical NFC channel (a PN532 or similar
// reader). Implementations perform one bounded-duration command/response
// exchange per call.
package nfc
