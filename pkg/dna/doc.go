// Package dna implements the cryptographic primitives for NTAG 424 DNA
// tag authentication.
//
// # Primitives
//
//   - AES-CMAC per RFC 4493, including subkey derivation and partial-block
//     padding.
//   - AES-128 CBC encryption and decryption (zero IV during the EV2
//     authentication phase).
//   - Key diversification per NXP AN10922: a tag-specific key is derived
//     from a master secret, the system name, the 7-byte tag UID and a
//     3-byte key-slot identifier, so the master secret never needs to be
//     stored per tag.
//   - Session key derivation: SesAuthEncKey and SesAuthMACKey are computed
//     as CMAC(AuthKey, SV1) and CMAC(AuthKey, SV2) from the two random
//     nonces exchanged during AuthenticateEV2First.
//
// No function retains key material beyond its call. Callers that hold
// derived keys are responsible for zeroing them when done.
//
// All key and nonce lengths are validated at the API boundary; a length
// error indicates a programming mistake, not a recoverable runtime
// condition.
package dna
