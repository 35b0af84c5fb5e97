package dna

import "errors"

// KeyID identifies a tag key slot in the diversification input.
// The 3-byte ids match the provisioning tooling; changing them changes
// every diversified key in the fleet.
type KeyID [3]byte

// Key slot identifiers.
var (
	KeyIDApplication   = KeyID{0x00, 0x00, 0x01}
	KeyIDTerminal      = KeyID{0x00, 0x00, 0x02}
	KeyIDAuthorization = KeyID{0x00, 0x00, 0x03}
	KeyIDReserved1     = KeyID{0x00, 0x00, 0x04}
	KeyIDReserved2     = KeyID{0x00, 0x00, 0x05}
)

// TagUidSize is the size of an NTAG 424 UID in bytes.
const TagUidSize = 7

// Diversification errors.
var (
	ErrUidSize       = errors.New("tag uid must be 7 bytes")
	ErrDivInputSize  = errors.New("diversification input exceeds 32 bytes")
	ErrDivEmptyInput = errors.New("system name must not be empty")
)

// AN10922 limits the diversification CMAC input to two AES blocks.
const maxDivInput = 32

// DiversifyKey derives a tag-specific AES-128 key per NXP AN10922:
//
//	K = CMAC(master, 0x01 || uid || keyID || systemName)
//
// The result is a pure function of all four inputs. The combined input
// must fit in 32 bytes, which bounds the system name to 21 bytes.
func DiversifyKey(masterKey []byte, systemName string, tagUid []byte, keyID KeyID) ([]byte, error) {
	if len(masterKey) != KeySize {
		return nil, ErrKeySize
	}
	if len(tagUid) != TagUidSize {
		return nil, ErrUidSize
	}
	if systemName == "" {
		return nil, ErrDivEmptyInput
	}

	input := make([]byte, 0, maxDivInput)
	input = append(input, 0x01) // diversification constant for a single key
	input = append(input, tagUid...)
	input = append(input, keyID[:]...)
	input = append(input, systemName...)
	if len(input) > maxDivInput {
		return nil, ErrDivInputSize
	}

	return Cmac(masterKey, input)
}
