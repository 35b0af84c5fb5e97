package nfc

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
)

// UidSize is the size of an NTAG 424 UID in bytes.
const UidSize = 7

// TagUid is the fixed 7-byte identifier of a physical tag, immutable once
// read from the reader.
type TagUid [UidSize]byte

// ParseTagUid converts a 7-byte slice into a TagUid.
func ParseTagUid(b []byte) (TagUid, error) {
	var uid TagUid
	if len(b) != UidSize {
		return uid, fmt.Errorf("tag uid must be %d bytes, got %d", UidSize, len(b))
	}
	copy(uid[:], b)
	return uid, nil
}

// String returns the UID as lowercase hex.
func (u TagUid) String() string {
	return hex.EncodeToString(u[:])
}

// Bytes returns the UID as a newly allocated slice.
func (u TagUid) Bytes() []byte {
	b := make([]byte, UidSize)
	copy(b, u[:])
	return b
}

// IsZero reports whether the UID is all zeroes.
func (u TagUid) IsZero() bool {
	return u == TagUid{}
}

// Transceiver is the physical NFC channel dependency. Transceive sends a
// raw command APDU to the tag in the field and returns the raw response,
// including the trailing status word. The implementation applies its own
// timeout; a removed tag surfaces as an error.
type Transceiver interface {
	Transceive(ctx context.Context, command []byte) ([]byte, error)
}

// Channel errors.
var (
	ErrShortResponse = errors.New("tag response too short")
	ErrTagGone       = errors.New("tag left the field")
)
