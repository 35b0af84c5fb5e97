// Package wire defines the binary message encoding for the terminal/backend
// RPC channel.
//
// All messages are CBOR maps with integer keys for compactness on the
// embedded side. Requests and responses are correlated by an opaque
// request identifier chosen by the caller and echoed by the callee;
// delivery is out-of-band and transport-agnostic, so no framing is
// defined here.
//
// Result unions (StartSessionResult, CompleteAuthenticationResult) carry a
// discriminant plus optional fields. An unknown discriminant is a
// malformed response to the protocol layer; the codec itself stays
// lenient for forward compatibility.
package wire
