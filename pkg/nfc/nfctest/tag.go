// Package nfctest provides an in-memory NTAG 424 DNA simulation for tests
// and the terminal simulator. Unlike the terminal-side relay, the simulated
// tag holds a real authentication key and performs the tag half of the EV2
// exchange with actual cryptography, so full-handshake tests exercise the
// same ciphertext the hardware would produce.
package nfctest

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"github.com/werkstattwaedi/machine-auth-sub005/pkg/dna"
	"github.com/werkstattwaedi/machine-auth-sub005/pkg/nfc"
)

// Tag simulates an NTAG 424 DNA with a single populated key slot.
// It implements nfc.Transceiver.
type Tag struct {
	mu sync.Mutex

	uid     nfc.TagUid
	keySlot uint8
	authKey []byte

	// rndB of the in-progress authentication, nil when none.
	rndB []byte

	// transactionID returned in the part-3 response.
	transactionID [4]byte

	// remainingDelays makes the next n AuthenticateEV2First attempts
	// answer with AUTHENTICATION_DELAY, simulating rate limiting.
	remainingDelays int

	// removed simulates the tag leaving the field.
	removed bool
}

// NewTag creates a simulated tag. The auth key must be 16 bytes.
func NewTag(uid nfc.TagUid, keySlot uint8, authKey []byte) (*Tag, error) {
	if len(authKey) != dna.KeySize {
		return nil, dna.ErrKeySize
	}
	t := &Tag{
		uid:     uid,
		keySlot: keySlot,
		authKey: append([]byte(nil), authKey...),
	}
	if _, err := rand.Read(t.transactionID[:]); err != nil {
		return nil, err
	}
	return t, nil
}

// Uid returns the tag's UID.
func (t *Tag) Uid() nfc.TagUid { return t.uid }

// SetRateLimited makes the next n authentication attempts fail with
// AUTHENTICATION_DELAY.
func (t *Tag) SetRateLimited(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remainingDelays = n
}

// Remove simulates the tag leaving the field; all subsequent exchanges
// fail with nfc.ErrTagGone.
func (t *Tag) Remove() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removed = true
}

// Transceive dispatches a raw command APDU the way the hardware would.
func (t *Tag) Transceive(_ context.Context, command []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.removed {
		return nil, nfc.ErrTagGone
	}
	if len(command) < 2 {
		return nil, errors.New("command too short")
	}

	switch {
	case command[0] == 0x00 && command[1] == 0xA4:
		return []byte{0x90, 0x00}, nil
	case command[0] == 0x90 && command[1] == 0x71:
		return t.authenticateFirst(command)
	case command[0] == 0x90 && command[1] == 0xAF:
		return t.additionalFrame(command)
	default:
		return []byte{0x91, 0x1C}, nil // ILLEGAL_COMMAND_CODE
	}
}

func (t *Tag) authenticateFirst(command []byte) ([]byte, error) {
	if len(command) < 7 {
		return []byte{0x91, 0x7E}, nil // LENGTH_ERROR
	}
	if command[5] != t.keySlot {
		return []byte{0x91, 0x40}, nil // NO_SUCH_KEY
	}
	if t.remainingDelays > 0 {
		t.remainingDelays--
		return []byte{0x91, 0xAD}, nil // AUTHENTICATION_DELAY
	}

	t.rndB = make([]byte, 16)
	if _, err := rand.Read(t.rndB); err != nil {
		return nil, err
	}

	encrypted, err := dna.CbcEncrypt(t.authKey, dna.ZeroIV, t.rndB)
	if err != nil {
		return nil, err
	}
	return append(encrypted, 0x91, 0xAF), nil
}

func (t *Tag) additionalFrame(command []byte) ([]byte, error) {
	if t.rndB == nil {
		return []byte{0x91, 0xCA}, nil // COMMAND_ABORTED
	}
	if len(command) < 5+nfc.CloudChallengeSize {
		return []byte{0x91, 0x7E}, nil
	}

	plaintext, err := dna.CbcDecrypt(t.authKey, dna.ZeroIV, command[5:5+nfc.CloudChallengeSize])
	if err != nil {
		return nil, err
	}
	rndA := plaintext[:16]
	rndBPrime := plaintext[16:32]

	if !dna.VerifyRotated(t.rndB, rndBPrime) {
		t.rndB = nil
		return []byte{0x91, 0xAE}, nil // AUTHENTICATION_ERROR
	}
	t.rndB = nil

	// Part 3: E(K, TI || RndA' || PDcap2 || PCDcap2)
	part3 := make([]byte, 0, 32)
	part3 = append(part3, t.transactionID[:]...)
	part3 = append(part3, dna.RotateLeft1(rndA)...)
	part3 = append(part3, make([]byte, 12)...)

	encrypted, err := dna.CbcEncrypt(t.authKey, dna.ZeroIV, part3)
	if err != nil {
		return nil, err
	}
	return append(encrypted, 0x91, 0x00), nil
}

// DeriveKey is a convenience for provisioning simulated tags the same way
// the fleet is: diversify the master secret for this tag's key slot id.
func DeriveKey(masterSecret []byte, systemName string, uid nfc.TagUid, keyID dna.KeyID) ([]byte, error) {
	key, err := dna.DiversifyKey(masterSecret, systemName, uid[:], keyID)
	if err != nil {
		return nil, fmt.Errorf("derive tag key: %w", err)
	}
	return key, nil
}
