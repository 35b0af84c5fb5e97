package wire

import (
	"testing"
)

func TestRequestValidate(t *testing.T) {
	req := &Request{RequestID: "r1", Method: MethodStartSession}
	if err := req.Validate(); err != nil {
		t.Errorf("valid request rejected: %v", err)
	}

	if err := (&Request{Method: MethodStartSession}).Validate(); err == nil {
		t.Error("empty request id accepted")
	}
	if err := (&Request{RequestID: "r1"}).Validate(); err == nil {
		t.Error("empty method accepted")
	}
}

func TestRequestEnvelopeRoundTrip(t *testing.T) {
	req, err := NewRequest("req-42", MethodStartSession, &StartSessionRequest{
		TagUid: []byte{1, 2, 3, 4, 5, 6, 7},
	})
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}

	data, err := EncodeRequest(req)
	if err != nil {
		t.Fatalf("EncodeRequest failed: %v", err)
	}

	decoded, err := DecodeRequest(data)
	if err != nil {
		t.Fatalf("DecodeRequest failed: %v", err)
	}
	if decoded.RequestID != "req-42" || decoded.Method != MethodStartSession {
		t.Errorf("envelope = %+v", decoded)
	}

	var payload StartSessionRequest
	if err := Unmarshal(decoded.Payload, &payload); err != nil {
		t.Fatalf("payload decode failed: %v", err)
	}
	if len(payload.TagUid) != 7 || payload.TagUid[0] != 1 {
		t.Errorf("payload = %+v", payload)
	}
}

func TestResponseEchoesRequestID(t *testing.T) {
	resp, err := NewResponse("req-7", &StartSessionResponse{
		Result: StartResultAuthRequired,
	})
	if err != nil {
		t.Fatal(err)
	}

	data, err := EncodeResponse(resp)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := DecodeResponse(data)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.RequestID != "req-7" {
		t.Errorf("request id = %q, want req-7", decoded.RequestID)
	}
}

// A decoder must surface unknown result discriminants to the caller
// instead of failing: forward compatibility is handled above the codec.
func TestUnknownResultDecodes(t *testing.T) {
	data, err := Marshal(&StartSessionResponse{Result: StartSessionResult(99)})
	if err != nil {
		t.Fatal(err)
	}

	var decoded StartSessionResponse
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unknown discriminant failed to decode: %v", err)
	}
	if decoded.Result.String() != "UNKNOWN" {
		t.Errorf("Result.String() = %q", decoded.Result.String())
	}
}

func TestResultNames(t *testing.T) {
	if StartResultAuthRequired.String() != "AUTH_REQUIRED" {
		t.Error("bad StartSessionResult name")
	}
	if CompleteResultNewSession.String() != "NEW_SESSION" {
		t.Error("bad CompleteAuthenticationResult name")
	}
	if CheckoutTimedOut.String() != "TIMED_OUT" {
		t.Error("bad CheckoutReason name")
	}
}
