package dna

import (
	"crypto/aes"
	"crypto/cipher"
)

// CbcEncrypt encrypts plaintext with AES-128 in CBC mode. The plaintext
// length must be a multiple of the block size; the EV2 authentication
// exchange never requires padding.
func CbcEncrypt(key, iv, plaintext []byte) ([]byte, error) {
	c, err := newCbcCipher(key, iv)
	if err != nil {
		return nil, err
	}
	if len(plaintext)%BlockSize != 0 {
		return nil, ErrDataSize
	}
	out := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(c, iv).CryptBlocks(out, plaintext)
	return out, nil
}

// CbcDecrypt decrypts ciphertext with AES-128 in CBC mode.
func CbcDecrypt(key, iv, ciphertext []byte) ([]byte, error) {
	c, err := newCbcCipher(key, iv)
	if err != nil {
		return nil, err
	}
	if len(ciphertext)%BlockSize != 0 {
		return nil, ErrDataSize
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(c, iv).CryptBlocks(out, ciphertext)
	return out, nil
}

// ZeroIV is the all-zero IV used during the EV2 authentication phase.
var ZeroIV = make([]byte, BlockSize)

func newCbcCipher(key, iv []byte) (cipher.Block, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	if len(iv) != BlockSize {
		return nil, ErrIVSize
	}
	return aes.NewCipher(key)
}
