package dna

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
)

// Sizes for AES-128 material.
const (
	// KeySize is the AES-128 key size in bytes.
	KeySize = 16

	// BlockSize is the AES block size in bytes.
	BlockSize = 16
)

// Primitive errors.
var (
	ErrKeySize   = errors.New("key must be 16 bytes")
	ErrNonceSize = errors.New("nonce must be 16 bytes")
	ErrIVSize    = errors.New("iv must be 16 bytes")
	ErrDataSize  = errors.New("data must be a multiple of the block size")
)

// rb is the constant from RFC 4493 used during subkey generation.
var rb = [BlockSize]byte{15: 0x87}

// leftShift shifts a 16-byte block left by one bit.
func leftShift(in [BlockSize]byte) [BlockSize]byte {
	var out [BlockSize]byte
	for i := 0; i < BlockSize-1; i++ {
		out[i] = in[i]<<1 | in[i+1]>>7
	}
	out[BlockSize-1] = in[BlockSize-1] << 1
	return out
}

// generateSubkeys derives the CMAC subkeys K1 and K2 from the block cipher.
func generateSubkeys(c cipher.Block) (k1, k2 [BlockSize]byte) {
	var l [BlockSize]byte
	c.Encrypt(l[:], l[:])

	k1 = leftShift(l)
	if l[0]&0x80 != 0 {
		for i := range k1 {
			k1[i] ^= rb[i]
		}
	}

	k2 = leftShift(k1)
	if k1[0]&0x80 != 0 {
		for i := range k2 {
			k2[i] ^= rb[i]
		}
	}
	return k1, k2
}

// Cmac computes the AES-CMAC of message under an AES-128 key per RFC 4493.
// The returned MAC is 16 bytes. An empty message is valid.
func Cmac(key, message []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	k1, k2 := generateSubkeys(c)

	n := (len(message) + BlockSize - 1) / BlockSize
	complete := n > 0 && len(message)%BlockSize == 0
	if n == 0 {
		n = 1
	}

	// Last block: XOR with K1 if complete, otherwise pad and XOR with K2.
	var last [BlockSize]byte
	if complete {
		copy(last[:], message[(n-1)*BlockSize:])
		for i := range last {
			last[i] ^= k1[i]
		}
	} else {
		rem := message[(n-1)*BlockSize:]
		copy(last[:], rem)
		last[len(rem)] = 0x80
		for i := range last {
			last[i] ^= k2[i]
		}
	}

	var x [BlockSize]byte
	for i := 0; i < n-1; i++ {
		for j := 0; j < BlockSize; j++ {
			x[j] ^= message[i*BlockSize+j]
		}
		c.Encrypt(x[:], x[:])
	}
	for j := 0; j < BlockSize; j++ {
		x[j] ^= last[j]
	}
	c.Encrypt(x[:], x[:])

	return x[:], nil
}

// CmacShort computes the truncated 8-byte MAC used by NTAG 424 secure
// messaging: the odd-indexed bytes of the full 16-byte CMAC.
func CmacShort(key, message []byte) ([]byte, error) {
	full, err := Cmac(key, message)
	if err != nil {
		return nil, err
	}
	short := make([]byte, 8)
	for i := 0; i < 8; i++ {
		short[i] = full[2*i+1]
	}
	return short, nil
}
