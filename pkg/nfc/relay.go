package nfc

import (
	"context"
	"fmt"
)

// APDU command constants.
const (
	claNative = 0x90
	claIso    = 0x00

	cmdAuthenticateEv2First = 0x71
	cmdAdditionalFrame      = 0xAF
	cmdIsoSelectFile        = 0xA4
)

// Challenge sizes of the EV2 exchange.
const (
	// TagChallengeSize is the encrypted RndB returned by the tag.
	TagChallengeSize = 16

	// CloudChallengeSize is the encrypted RndA||RndB' produced by the
	// backend and forwarded to the tag.
	CloudChallengeSize = 32

	// TagResponseSize is the encrypted part-3 data returned by the tag.
	TagResponseSize = 32
)

// ndefApplication is the DF name of the NTAG 424 NDEF application.
var ndefApplication = []byte{0xD2, 0x76, 0x00, 0x00, 0x85, 0x01, 0x01}

// AuthRelay drives the terminal-side half of a tag's EV2 challenge/response
// exchange. It forwards opaque ciphertext in both directions and never
// holds or derives any key; only the key-slot number is configured locally
// to tell the tag which of its keys participates.
type AuthRelay struct {
	tx      Transceiver
	keySlot uint8
}

// NewAuthRelay creates a relay for the given transceiver and key slot.
// Key slots 0-4 are valid on NTAG 424.
func NewAuthRelay(tx Transceiver, keySlot uint8) (*AuthRelay, error) {
	if keySlot > 4 {
		return nil, fmt.Errorf("key slot must be 0-4, got %d", keySlot)
	}
	return &AuthRelay{tx: tx, keySlot: keySlot}, nil
}

// SelectApplication selects the NDEF application on the tag. Must be done
// once after tag detection, before any native command.
func (r *AuthRelay) SelectApplication(ctx context.Context) error {
	command := []byte{
		claIso, cmdIsoSelectFile,
		0x04, // P1: select by DF name
		0x0C, // P2: no response data
		byte(len(ndefApplication)),
	}
	command = append(command, ndefApplication...)
	command = append(command, 0x00) // Le

	response, err := r.tx.Transceive(ctx, command)
	if err != nil {
		return fmt.Errorf("select application: %w", err)
	}
	return checkStatus(response, false)
}

// BeginAuthentication issues AuthenticateEV2First and returns the tag's
// opaque 16-byte encrypted challenge (E(K, RndB)). The terminal cannot
// decrypt it; the caller forwards it to the backend.
func (r *AuthRelay) BeginAuthentication(ctx context.Context) ([]byte, error) {
	command := []byte{
		claNative, cmdAuthenticateEv2First,
		0x00, 0x00, // P1, P2
		0x02, // Lc
		r.keySlot,
		0x00, // LenCap: no PCDcap2
		0x00, // Le
	}

	response, err := r.tx.Transceive(ctx, command)
	if err != nil {
		return nil, fmt.Errorf("authenticate part 1: %w", err)
	}
	if err := checkStatus(response, true); err != nil {
		return nil, err
	}
	if len(response) < TagChallengeSize+2 {
		return nil, ErrShortResponse
	}

	challenge := make([]byte, TagChallengeSize)
	copy(challenge, response[:TagChallengeSize])
	return challenge, nil
}

// CompleteAuthentication submits the backend-produced 32-byte challenge
// response to the tag in an additional frame and returns the tag's opaque
// 32-byte encrypted part-3 response for backend verification.
func (r *AuthRelay) CompleteAuthentication(ctx context.Context, cloudChallenge []byte) ([]byte, error) {
	if len(cloudChallenge) != CloudChallengeSize {
		return nil, fmt.Errorf("cloud challenge must be %d bytes, got %d",
			CloudChallengeSize, len(cloudChallenge))
	}

	command := []byte{
		claNative, cmdAdditionalFrame,
		0x00, 0x00, // P1, P2
		CloudChallengeSize, // Lc
	}
	command = append(command, cloudChallenge...)
	command = append(command, 0x00) // Le

	response, err := r.tx.Transceive(ctx, command)
	if err != nil {
		return nil, fmt.Errorf("authenticate part 2: %w", err)
	}
	if err := checkStatus(response, false); err != nil {
		return nil, err
	}
	if len(response) < TagResponseSize+2 {
		return nil, ErrShortResponse
	}

	encrypted := make([]byte, TagResponseSize)
	copy(encrypted, response[:TagResponseSize])
	return encrypted, nil
}
