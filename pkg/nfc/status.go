package nfc

import "fmt"

// StatusCode is the SW2 byte of a native NTAG 424 status word (SW1=0x91).
type StatusCode uint8

// Native status codes.
const (
	StatusOK                  StatusCode = 0x00
	StatusIllegalCommand      StatusCode = 0x1C
	StatusIntegrityError      StatusCode = 0x1E
	StatusNoSuchKey           StatusCode = 0x40
	StatusLengthError         StatusCode = 0x7E
	StatusPermissionDenied    StatusCode = 0x9D
	StatusParameterError      StatusCode = 0x9E
	StatusAuthenticationDelay StatusCode = 0xAD
	StatusAuthenticationError StatusCode = 0xAE
	StatusAdditionalFrame     StatusCode = 0xAF
	StatusBoundaryError       StatusCode = 0xBE
	StatusCommandAborted      StatusCode = 0xCA
	StatusMemoryError         StatusCode = 0xEE
)

// String returns the datasheet name of the status code.
func (s StatusCode) String() string {
	switch s {
	case StatusOK:
		return "OPERATION_OK"
	case StatusIllegalCommand:
		return "ILLEGAL_COMMAND_CODE"
	case StatusIntegrityError:
		return "INTEGRITY_ERROR"
	case StatusNoSuchKey:
		return "NO_SUCH_KEY"
	case StatusLengthError:
		return "LENGTH_ERROR"
	case StatusPermissionDenied:
		return "PERMISSION_DENIED"
	case StatusParameterError:
		return "PARAMETER_ERROR"
	case StatusAuthenticationDelay:
		return "AUTHENTICATION_DELAY"
	case StatusAuthenticationError:
		return "AUTHENTICATION_ERROR"
	case StatusAdditionalFrame:
		return "ADDITIONAL_FRAME"
	case StatusBoundaryError:
		return "BOUNDARY_ERROR"
	case StatusCommandAborted:
		return "COMMAND_ABORTED"
	case StatusMemoryError:
		return "MEMORY_ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(s))
	}
}

// StatusError reports a non-success status word returned by the tag.
type StatusError struct {
	SW1  uint8
	Code StatusCode
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("tag status %02X%02X (%s)", e.SW1, uint8(e.Code), e.Code)
}

// IsRateLimited reports whether the error is the tag's authentication
// rate-limiting response. Rate limiting is handled by retrying the same
// step, not by failing the handshake.
func IsRateLimited(err error) bool {
	se, ok := err.(*StatusError)
	return ok && se.Code == StatusAuthenticationDelay
}

// checkStatus inspects the last two bytes of a response. It accepts
// 9000 (ISO success), 9100 (native success) and, when allowAF is set,
// 91AF (additional frame expected).
func checkStatus(response []byte, allowAF bool) error {
	if len(response) < 2 {
		return ErrShortResponse
	}
	sw1 := response[len(response)-2]
	sw2 := response[len(response)-1]

	if sw1 == 0x90 && sw2 == 0x00 {
		return nil
	}
	if sw1 == 0x91 {
		code := StatusCode(sw2)
		if code == StatusOK || (allowAF && code == StatusAdditionalFrame) {
			return nil
		}
		return &StatusError{SW1: sw1, Code: code}
	}
	return &StatusError{SW1: sw1, Code: StatusCode(sw2)}
}
