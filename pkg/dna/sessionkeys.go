package dna

import "crypto/subtle"

// SessionKeys is the ephemeral key pair derived from one EV2
// authentication round. Both keys are 16 bytes and valid only for the
// lifetime of that round's secure messaging session.
type SessionKeys struct {
	// EncKey is SesAuthEncKey, used for command/response encryption.
	EncKey []byte

	// MacKey is SesAuthMACKey, used for command/response MACs.
	MacKey []byte
}

// Zero overwrites both keys.
func (k *SessionKeys) Zero() {
	for i := range k.EncKey {
		k.EncKey[i] = 0
	}
	for i := range k.MacKey {
		k.MacKey[i] = 0
	}
}

// SV prefix bytes distinguishing the two derivation vectors.
const (
	sv1Prefix0 = 0xA5
	sv1Prefix1 = 0x5A
	sv2Prefix0 = 0x5A
	sv2Prefix1 = 0xA5
)

// calculateSV builds a 32-byte session vector:
//
//	SV = b0 b1 || 00 01 00 80 || RndA[15:14] ||
//	     (RndA[13:8] XOR RndB[15:10]) || RndB[9:0] || RndA[7:0]
//
// Bit ranges use the datasheet's MSB-first numbering.
func calculateSV(b0, b1 byte, rndA, rndB []byte) []byte {
	sv := make([]byte, 32)
	sv[0] = b0
	sv[1] = b1
	sv[2] = 0x00
	sv[3] = 0x01
	sv[4] = 0x00
	sv[5] = 0x80

	sv[6] = rndA[0]
	sv[7] = rndA[1]
	for i := 0; i < 6; i++ {
		sv[8+i] = rndA[2+i] ^ rndB[i]
	}
	copy(sv[14:24], rndB[6:16])
	copy(sv[24:32], rndA[8:16])
	return sv
}

// DeriveSessionKeys computes the EV2 session keys from the authentication
// key and the two exchanged nonces:
//
//	SesAuthEncKey = CMAC(AuthKey, SV1)
//	SesAuthMACKey = CMAC(AuthKey, SV2)
func DeriveSessionKeys(authKey, rndA, rndB []byte) (SessionKeys, error) {
	if len(authKey) != KeySize {
		return SessionKeys{}, ErrKeySize
	}
	if len(rndA) != 16 || len(rndB) != 16 {
		return SessionKeys{}, ErrNonceSize
	}

	encKey, err := Cmac(authKey, calculateSV(sv1Prefix0, sv1Prefix1, rndA, rndB))
	if err != nil {
		return SessionKeys{}, err
	}
	macKey, err := Cmac(authKey, calculateSV(sv2Prefix0, sv2Prefix1, rndA, rndB))
	if err != nil {
		return SessionKeys{}, err
	}

	return SessionKeys{EncKey: encKey, MacKey: macKey}, nil
}

// RotateLeft1 returns the input rotated left by one byte. The tag proves
// knowledge of RndA by returning RndA' = RotateLeft1(RndA).
func RotateLeft1(in []byte) []byte {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in[1:])
	out[len(in)-1] = in[0]
	return out
}

// VerifyRotated reports whether rotated equals RotateLeft1(original).
// Both inputs must be 16 bytes. The comparison runs in constant time;
// the verifier's timing must not leak how much of the proof matched.
func VerifyRotated(original, rotated []byte) bool {
	if len(original) != 16 || len(rotated) != 16 {
		return false
	}
	return subtle.ConstantTimeCompare(rotated, RotateLeft1(original)) == 1
}
