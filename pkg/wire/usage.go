package wire

// CheckoutReason records why a machine usage ended.
type CheckoutReason uint8

const (
	// CheckoutUiRequested: the user checked out through the terminal UI.
	CheckoutUiRequested CheckoutReason = 1

	// CheckoutOtherTagCheckedIn: a different tag checked in on this machine.
	CheckoutOtherTagCheckedIn CheckoutReason = 2

	// CheckoutOtherMachineCheckedIn: the same session checked in elsewhere.
	CheckoutOtherMachineCheckedIn CheckoutReason = 3

	// CheckoutTimedOut: the absolute usage timeout elapsed.
	CheckoutTimedOut CheckoutReason = 4

	// CheckoutSelfCheckout: the session owner checked out via self service.
	CheckoutSelfCheckout CheckoutReason = 5
)

// String returns the reason name.
func (r CheckoutReason) String() string {
	switch r {
	case CheckoutUiRequested:
		return "UI_REQUESTED"
	case CheckoutOtherTagCheckedIn:
		return "OTHER_TAG_CHECKED_IN"
	case CheckoutOtherMachineCheckedIn:
		return "OTHER_MACHINE_CHECKED_IN"
	case CheckoutTimedOut:
		return "TIMED_OUT"
	case CheckoutSelfCheckout:
		return "SELF_CHECKOUT"
	default:
		return "UNKNOWN"
	}
}

// UsageRecord is one machine usage entry. CheckOutUnixSeconds is zero
// while the usage is still open.
type UsageRecord struct {
	SessionID           string         `cbor:"1,keyasint"`
	TagUid              []byte         `cbor:"2,keyasint"`
	CheckInUnixSeconds  int64          `cbor:"3,keyasint"`
	CheckOutUnixSeconds int64          `cbor:"4,keyasint,omitempty"`
	Reason              CheckoutReason `cbor:"5,keyasint,omitempty"`
}

// UploadUsageRequest uploads closed usage records for a machine.
type UploadUsageRequest struct {
	MachineID string        `cbor:"1,keyasint"`
	Records   []UsageRecord `cbor:"2,keyasint"`
}

// UploadUsageResponse acknowledges an upload.
type UploadUsageResponse struct {
	Accepted int `cbor:"1,keyasint"`
}
