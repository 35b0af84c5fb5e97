package session

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/werkstattwaedi/machine-auth-sub005/pkg/broker"
	"github.com/werkstattwaedi/machine-auth-sub005/pkg/nfc"
	"github.com/werkstattwaedi/machine-auth-sub005/pkg/wire"
)

var testUid = nfc.TagUid{0x04, 0x78, 0x2E, 0x21, 0x80, 0x1D, 0x80}

type sentRequest struct {
	method    string
	payload   []byte
	onReply   broker.ResponseHandler
	onFailure broker.FailureHandler
}

// fakeSender records every request so tests can deliver replies by hand.
type fakeSender struct {
	t        *testing.T
	requests []sentRequest
	sendErr  error
}

func (f *fakeSender) Send(method string, payload any, timeout time.Duration,
	onReply broker.ResponseHandler, onFailure broker.FailureHandler) (broker.PendingRequest, error) {

	if f.sendErr != nil {
		return broker.PendingRequest{}, f.sendErr
	}
	data, err := wire.Marshal(payload)
	require.NoError(f.t, err)
	f.requests = append(f.requests, sentRequest{
		method:    method,
		payload:   data,
		onReply:   onReply,
		onFailure: onFailure,
	})
	return broker.PendingRequest{
		RequestID: "req-" + method,
		Deadline:  time.Now().Add(timeout),
	}, nil
}

func (f *fakeSender) last() sentRequest {
	require.NotEmpty(f.t, f.requests)
	return f.requests[len(f.requests)-1]
}

func (f *fakeSender) reply(v any) {
	data, err := wire.Marshal(v)
	require.NoError(f.t, err)
	f.last().onReply(data)
}

// fakeRelay scripts the tag side of the handshake.
type fakeRelay struct {
	challenge      []byte
	beginErr       error
	rateLimited    int
	beginCalls     int
	tagResponse    []byte
	completeErr    error
	cloudChallenge []byte
}

func (f *fakeRelay) BeginAuthentication(ctx context.Context) ([]byte, error) {
	f.beginCalls++
	if f.rateLimited > 0 {
		f.rateLimited--
		return nil, &nfc.StatusError{SW1: 0x91, Code: nfc.StatusAuthenticationDelay}
	}
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	return f.challenge, nil
}

func (f *fakeRelay) CompleteAuthentication(ctx context.Context, cloudChallenge []byte) ([]byte, error) {
	f.cloudChallenge = cloudChallenge
	if f.completeErr != nil {
		return nil, f.completeErr
	}
	return f.tagResponse, nil
}

func newTestRelay() *fakeRelay {
	return &fakeRelay{
		challenge:   bytes.Repeat([]byte{0xB0}, nfc.TagChallengeSize),
		tagResponse: bytes.Repeat([]byte{0xC0}, nfc.TagResponseSize),
	}
}

func testRecord(sessionID string, expiration time.Time) *wire.TokenSessionRecord {
	return &wire.TokenSessionRecord{
		TagUid:                testUid.Bytes(),
		SessionID:             sessionID,
		ExpirationUnixSeconds: expiration.Unix(),
		UserID:                "member-7",
		UserLabel:             "Mia",
		Permissions:           []string{"lasercutter"},
	}
}

func newTestCreation(t *testing.T, sender *fakeSender, relay TagRelay, registry *Registry) *Creation {
	t.Helper()
	log := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	return NewCreation(testUid, sender, relay, registry, time.Second, log)
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(bytes.TrimRight(p, "\n")))
	return len(p), nil
}

func TestCreationFastPath(t *testing.T) {
	registry := NewRegistry()
	existing, err := registry.Register(testRecord("sid-1", time.Now().Add(time.Hour)))
	require.NoError(t, err)

	sender := &fakeSender{t: t}
	creation := newTestCreation(t, sender, newTestRelay(), registry)

	creation.Tick(context.Background())

	state, ok := creation.State().(Succeeded)
	require.True(t, ok, "state = %T", creation.State())
	assert.Same(t, existing, state.Session)
	assert.Empty(t, sender.requests, "fast path must not send any request")
}

func TestCreationExistingSessionFromBackend(t *testing.T) {
	registry := NewRegistry()
	sender := &fakeSender{t: t}
	creation := newTestCreation(t, sender, newTestRelay(), registry)

	creation.Tick(context.Background())
	require.IsType(t, AwaitStartSessionResponse{}, creation.State())
	require.Len(t, sender.requests, 1)
	assert.Equal(t, wire.MethodStartSession, sender.requests[0].method)

	sender.reply(&wire.StartSessionResponse{
		Result:  wire.StartResultExistingSession,
		Session: testRecord("sid-2", time.Now().Add(time.Hour)),
	})
	creation.Tick(context.Background())

	state, ok := creation.State().(Succeeded)
	require.True(t, ok, "state = %T", creation.State())
	assert.Equal(t, "sid-2", state.Session.SessionID())
	assert.Same(t, state.Session, registry.GetByTagUid(testUid))
}

func TestCreationFullHandshake(t *testing.T) {
	registry := NewRegistry()
	sender := &fakeSender{t: t}
	relay := newTestRelay()
	creation := newTestCreation(t, sender, relay, registry)
	ctx := context.Background()

	creation.Tick(ctx)
	sender.reply(&wire.StartSessionResponse{Result: wire.StartResultAuthRequired})
	creation.Tick(ctx)

	require.IsType(t, AwaitAuthenticateNewSessionResponse{}, creation.State())
	require.Len(t, sender.requests, 2)
	assert.Equal(t, wire.MethodAuthenticateNewSession, sender.requests[1].method)

	var authReq wire.AuthenticateNewSessionRequest
	require.NoError(t, wire.Unmarshal(sender.requests[1].payload, &authReq))
	assert.Equal(t, testUid.Bytes(), authReq.TagUid)
	assert.Equal(t, relay.challenge, authReq.TagChallenge)

	cloudChallenge := bytes.Repeat([]byte{0xD0}, nfc.CloudChallengeSize)
	sender.reply(&wire.AuthenticateNewSessionResponse{
		SessionID:      "sid-3",
		CloudChallenge: cloudChallenge,
	})
	creation.Tick(ctx)

	require.IsType(t, AwaitCompleteAuthenticationResponse{}, creation.State())
	assert.Equal(t, cloudChallenge, relay.cloudChallenge)
	require.Len(t, sender.requests, 3)
	assert.Equal(t, wire.MethodCompleteAuthentication, sender.requests[2].method)

	var completeReq wire.CompleteAuthenticationRequest
	require.NoError(t, wire.Unmarshal(sender.requests[2].payload, &completeReq))
	assert.Equal(t, "sid-3", completeReq.SessionID)
	assert.Equal(t, relay.tagResponse, completeReq.EncryptedTagResponse)

	sender.reply(&wire.CompleteAuthenticationResponse{
		Result:  wire.CompleteResultNewSession,
		Session: testRecord("sid-3", time.Now().Add(time.Hour)),
	})
	creation.Tick(ctx)

	state, ok := creation.State().(Succeeded)
	require.True(t, ok, "state = %T", creation.State())
	assert.Equal(t, "sid-3", state.Session.SessionID())
	assert.True(t, state.Session.HasPermission("lasercutter"))
	assert.Same(t, state.Session, registry.GetBySessionID("sid-3"))
}

func TestCreationRejectedIsNotFailed(t *testing.T) {
	registry := NewRegistry()
	sender := &fakeSender{t: t}
	creation := newTestCreation(t, sender, newTestRelay(), registry)
	ctx := context.Background()

	creation.Tick(ctx)
	sender.reply(&wire.StartSessionResponse{
		Result:  wire.StartResultRejected,
		Message: "tag is blocked",
	})
	creation.Tick(ctx)

	state, ok := creation.State().(Rejected)
	require.True(t, ok, "state = %T", creation.State())
	assert.Equal(t, "tag is blocked", state.Message)
	assert.Nil(t, registry.GetByTagUid(testUid))
}

func TestCreationRejectedAtCompletion(t *testing.T) {
	registry := NewRegistry()
	sender := &fakeSender{t: t}
	creation := newTestCreation(t, sender, newTestRelay(), registry)
	ctx := context.Background()

	creation.Tick(ctx)
	sender.reply(&wire.StartSessionResponse{Result: wire.StartResultAuthRequired})
	creation.Tick(ctx)
	sender.reply(&wire.AuthenticateNewSessionResponse{
		SessionID:      "sid-4",
		CloudChallenge: make([]byte, nfc.CloudChallengeSize),
	})
	creation.Tick(ctx)
	sender.reply(&wire.CompleteAuthenticationResponse{
		Result:  wire.CompleteResultRejected,
		Message: "challenge mismatch",
	})
	creation.Tick(ctx)

	state, ok := creation.State().(Rejected)
	require.True(t, ok, "state = %T", creation.State())
	assert.Equal(t, "challenge mismatch", state.Message)
}

func TestCreationTimeoutOnlyAfterTick(t *testing.T) {
	registry := NewRegistry()
	sender := &fakeSender{t: t}
	creation := newTestCreation(t, sender, newTestRelay(), registry)
	ctx := context.Background()

	creation.Tick(ctx)
	sender.last().onFailure(broker.ErrTimeout)

	// The failure is staged until the owner ticks again.
	require.IsType(t, AwaitStartSessionResponse{}, creation.State())

	creation.Tick(ctx)
	state, ok := creation.State().(Failed)
	require.True(t, ok, "state = %T", creation.State())
	assert.Equal(t, KindTimeout, state.Kind)
}

func TestCreationRateLimitedTagRetries(t *testing.T) {
	registry := NewRegistry()
	sender := &fakeSender{t: t}
	relay := newTestRelay()
	relay.rateLimited = 2
	creation := newTestCreation(t, sender, relay, registry)
	ctx := context.Background()

	creation.Tick(ctx)
	sender.reply(&wire.StartSessionResponse{Result: wire.StartResultAuthRequired})

	// Two rate-limited attempts keep the machine in place.
	creation.Tick(ctx)
	require.IsType(t, AwaitStartSessionResponse{}, creation.State())
	creation.Tick(ctx)
	require.IsType(t, AwaitStartSessionResponse{}, creation.State())

	// Third attempt goes through.
	creation.Tick(ctx)
	assert.Equal(t, 3, relay.beginCalls)
	require.IsType(t, AwaitAuthenticateNewSessionResponse{}, creation.State())
}

func TestCreationTagRemovedFails(t *testing.T) {
	registry := NewRegistry()
	sender := &fakeSender{t: t}
	relay := newTestRelay()
	relay.beginErr = nfc.ErrTagGone
	creation := newTestCreation(t, sender, relay, registry)
	ctx := context.Background()

	creation.Tick(ctx)
	sender.reply(&wire.StartSessionResponse{Result: wire.StartResultAuthRequired})
	creation.Tick(ctx)

	state, ok := creation.State().(Failed)
	require.True(t, ok, "state = %T", creation.State())
	assert.Equal(t, KindAborted, state.Kind)
}

func TestCreationAbort(t *testing.T) {
	registry := NewRegistry()
	sender := &fakeSender{t: t}
	creation := newTestCreation(t, sender, newTestRelay(), registry)
	ctx := context.Background()

	creation.Tick(ctx)
	require.IsType(t, AwaitStartSessionResponse{}, creation.State())

	creation.Abort()
	state, ok := creation.State().(Failed)
	require.True(t, ok, "state = %T", creation.State())
	assert.Equal(t, KindAborted, state.Kind)

	// A late reply must not resurrect the machine.
	sender.reply(&wire.StartSessionResponse{
		Result:  wire.StartResultExistingSession,
		Session: testRecord("sid-5", time.Now().Add(time.Hour)),
	})
	creation.Tick(ctx)
	assert.Equal(t, state, creation.State())
}

func TestCreationAbortAfterSuccessIsNoop(t *testing.T) {
	registry := NewRegistry()
	_, err := registry.Register(testRecord("sid-6", time.Now().Add(time.Hour)))
	require.NoError(t, err)

	creation := newTestCreation(t, &fakeSender{t: t}, newTestRelay(), registry)
	creation.Tick(context.Background())
	require.IsType(t, Succeeded{}, creation.State())

	creation.Abort()
	assert.IsType(t, Succeeded{}, creation.State())
}

func TestCreationMalformedResponses(t *testing.T) {
	tests := []struct {
		name  string
		reply func(sender *fakeSender)
	}{
		{
			name: "undecodable payload",
			reply: func(sender *fakeSender) {
				sender.last().onReply([]byte{0xFF, 0xFF})
			},
		},
		{
			name: "unknown result code",
			reply: func(sender *fakeSender) {
				sender.reply(&wire.StartSessionResponse{Result: 99})
			},
		},
		{
			name: "existing session without record",
			reply: func(sender *fakeSender) {
				sender.reply(&wire.StartSessionResponse{Result: wire.StartResultExistingSession})
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sender := &fakeSender{t: t}
			creation := newTestCreation(t, sender, newTestRelay(), NewRegistry())
			ctx := context.Background()

			creation.Tick(ctx)
			tc.reply(sender)
			creation.Tick(ctx)

			state, ok := creation.State().(Failed)
			require.True(t, ok, "state = %T", creation.State())
			assert.Equal(t, KindMalformedResponse, state.Kind)
		})
	}
}

func TestCreationIncompleteChallengeFails(t *testing.T) {
	sender := &fakeSender{t: t}
	creation := newTestCreation(t, sender, newTestRelay(), NewRegistry())
	ctx := context.Background()

	creation.Tick(ctx)
	sender.reply(&wire.StartSessionResponse{Result: wire.StartResultAuthRequired})
	creation.Tick(ctx)
	sender.reply(&wire.AuthenticateNewSessionResponse{
		SessionID:      "sid-7",
		CloudChallenge: []byte{0x01, 0x02},
	})
	creation.Tick(ctx)

	state, ok := creation.State().(Failed)
	require.True(t, ok, "state = %T", creation.State())
	assert.Equal(t, KindMalformedResponse, state.Kind)
}

func TestCreationSendFailure(t *testing.T) {
	sender := &fakeSender{t: t, sendErr: broker.ErrTransportClosed}
	creation := newTestCreation(t, sender, newTestRelay(), NewRegistry())

	creation.Tick(context.Background())

	state, ok := creation.State().(Failed)
	require.True(t, ok, "state = %T", creation.State())
	assert.Equal(t, KindUnspecified, state.Kind)
}

func TestCreationExpiredRegistryEntryIgnored(t *testing.T) {
	registry := NewRegistry()
	_, err := registry.Register(testRecord("sid-8", time.Now().Add(-time.Minute)))
	require.NoError(t, err)

	sender := &fakeSender{t: t}
	creation := newTestCreation(t, sender, newTestRelay(), registry)
	creation.Tick(context.Background())

	// An expired session must not short-circuit the handshake.
	require.IsType(t, AwaitStartSessionResponse{}, creation.State())
	require.Len(t, sender.requests, 1)
}
