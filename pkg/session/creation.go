package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/werkstattwaedi/machine-auth-sub005/pkg/broker"
	"github.com/werkstattwaedi/machine-auth-sub005/pkg/nfc"
	"github.com/werkstattwaedi/machine-auth-sub005/pkg/wire"
)

// DefaultRequestTimeout bounds each backend round trip of the handshake.
const DefaultRequestTimeout = 5 * time.Second

// State is the tagged union of session creation states.
type State interface{ isCreationState() }

// Begin is the initial state before any request has been sent.
type Begin struct{}

// AwaitStartSessionResponse waits for the StartSession reply.
type AwaitStartSessionResponse struct {
	Request broker.PendingRequest
}

// AwaitAuthenticateNewSessionResponse waits for the backend challenge.
type AwaitAuthenticateNewSessionResponse struct {
	Request broker.PendingRequest
}

// AwaitCompleteAuthenticationResponse waits for the final verdict.
type AwaitCompleteAuthenticationResponse struct {
	Request broker.PendingRequest
}

// Succeeded carries the validated session. Terminal.
type Succeeded struct {
	Session *TokenSession
}

// Rejected is an authoritative backend denial. Terminal.
type Rejected struct {
	Message string
}

// Failed reports a handshake error. Terminal.
type Failed struct {
	Kind    ErrorKind
	Message string
}

func (Begin) isCreationState()                               {}
func (AwaitStartSessionResponse) isCreationState()           {}
func (AwaitAuthenticateNewSessionResponse) isCreationState() {}
func (AwaitCompleteAuthenticationResponse) isCreationState() {}
func (Succeeded) isCreationState()                           {}
func (Rejected) isCreationState()                            {}
func (Failed) isCreationState()                              {}

// IsTerminal reports whether a state ends the handshake attempt.
func IsTerminal(s State) bool {
	switch s.(type) {
	case Succeeded, Rejected, Failed:
		return true
	}
	return false
}

// RequestSender is the broker dependency of the creation machine.
// *broker.Broker satisfies it.
type RequestSender interface {
	Send(method string, payload any, timeout time.Duration,
		onReply broker.ResponseHandler, onFailure broker.FailureHandler) (broker.PendingRequest, error)
}

// TagRelay is the terminal-side tag exchange dependency.
// *nfc.AuthRelay satisfies it.
type TagRelay interface {
	BeginAuthentication(ctx context.Context) ([]byte, error)
	CompleteAuthentication(ctx context.Context, cloudChallenge []byte) ([]byte, error)
}

// inbox stages one broker completion for the next tick.
type inbox struct {
	payload []byte
	err     error
}

// Creation orchestrates one session creation handshake for one tag.
// It is driven by Tick from a single owner; broker completions arriving
// on the transport goroutine are staged and consumed by the next tick.
type Creation struct {
	tagUid   nfc.TagUid
	sender   RequestSender
	relay    TagRelay
	registry *Registry
	timeout  time.Duration
	log      *slog.Logger

	mu    sync.Mutex
	state State

	// arrived holds a staged broker completion, nil when none.
	arrived *inbox

	// authRequired marks that the backend asked for a tag handshake;
	// kept set while the tag rate-limits so every tick retries.
	authRequired bool
}

// NewCreation creates a machine in the Begin state.
func NewCreation(tagUid nfc.TagUid, sender RequestSender, relay TagRelay,
	registry *Registry, timeout time.Duration, log *slog.Logger) *Creation {

	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Creation{
		tagUid:   tagUid,
		sender:   sender,
		relay:    relay,
		registry: registry,
		timeout:  timeout,
		log:      log.With("tag_uid", tagUid.String()),
		state:    Begin{},
	}
}

// TagUid returns the tag this machine authenticates.
func (c *Creation) TagUid() nfc.TagUid { return c.tagUid }

// State returns the current state.
func (c *Creation) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done reports whether the machine reached a terminal state.
func (c *Creation) Done() bool {
	return IsTerminal(c.State())
}

// Abort forces the machine into Failed from any non-terminal state,
// e.g. when the tag is physically removed mid-handshake.
func (c *Creation) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if IsTerminal(c.state) {
		return
	}
	c.log.Info("session creation aborted", "state", fmt.Sprintf("%T", c.state))
	c.state = Failed{Kind: KindAborted, Message: "aborted"}
}

// Tick advances the machine. Tag exchanges run inline as bounded I/O;
// the context bounds them.
func (c *Creation) Tick(ctx context.Context) {
	c.mu.Lock()
	state := c.state
	staged := c.arrived
	c.arrived = nil
	authRequired := c.authRequired
	c.mu.Unlock()

	switch state.(type) {
	case Begin:
		c.handleBegin()
	case AwaitStartSessionResponse:
		if authRequired {
			c.tryTagAuthentication(ctx)
			return
		}
		if staged != nil {
			c.handleStartSessionResponse(ctx, staged)
		}
	case AwaitAuthenticateNewSessionResponse:
		if staged != nil {
			c.handleAuthenticateNewSessionResponse(ctx, staged)
		}
	case AwaitCompleteAuthenticationResponse:
		if staged != nil {
			c.handleCompleteAuthenticationResponse(staged)
		}
	default:
		// Terminal; nothing to do.
	}
}

// setState transitions unless a concurrent Abort already terminated the
// machine.
func (c *Creation) setState(next State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if IsTerminal(c.state) {
		return
	}
	c.state = next
}

// stage records a broker completion for the next tick.
func (c *Creation) stage(in *inbox) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.arrived = in
}

func (c *Creation) fail(kind ErrorKind, message string) {
	c.log.Warn("session creation failed", "kind", kind.String(), "message", message)
	c.setState(Failed{Kind: kind, Message: message})
}

// send dispatches one handshake request with the staging handlers wired.
func (c *Creation) send(method string, payload any) (broker.PendingRequest, bool) {
	request, err := c.sender.Send(method, payload, c.timeout,
		func(payload []byte) { c.stage(&inbox{payload: payload}) },
		func(err error) { c.stage(&inbox{err: err}) })
	if err != nil {
		c.fail(KindUnspecified, fmt.Sprintf("send %s: %v", method, err))
		return broker.PendingRequest{}, false
	}
	return request, true
}

func (c *Creation) handleBegin() {
	// Fast path: a still-valid session needs zero round trips.
	if existing := c.registry.GetByTagUid(c.tagUid); existing != nil && existing.IsActive() {
		c.log.Debug("existing session found", "session_id", existing.SessionID())
		c.setState(Succeeded{Session: existing})
		return
	}

	request, ok := c.send(wire.MethodStartSession, &wire.StartSessionRequest{
		TagUid: c.tagUid.Bytes(),
	})
	if !ok {
		return
	}
	c.setState(AwaitStartSessionResponse{Request: request})
}

func (c *Creation) handleStartSessionResponse(ctx context.Context, staged *inbox) {
	if staged.err != nil {
		c.fail(classifyBrokerError(staged.err), staged.err.Error())
		return
	}

	var response wire.StartSessionResponse
	if err := wire.Unmarshal(staged.payload, &response); err != nil {
		c.fail(KindMalformedResponse, fmt.Sprintf("decode StartSession response: %v", err))
		return
	}

	switch response.Result {
	case wire.StartResultExistingSession:
		if response.Session == nil {
			c.fail(KindMalformedResponse, "StartSession result is missing the session")
			return
		}
		c.succeed(response.Session)

	case wire.StartResultAuthRequired:
		c.mu.Lock()
		c.authRequired = true
		c.mu.Unlock()
		c.tryTagAuthentication(ctx)

	case wire.StartResultRejected:
		c.log.Info("session rejected", "message", response.Message)
		c.setState(Rejected{Message: response.Message})

	default:
		c.fail(KindMalformedResponse, fmt.Sprintf("unknown StartSession result %d", response.Result))
	}
}

// tryTagAuthentication obtains the tag challenge. A rate-limiting reply
// keeps the machine in its current state; the next tick retries.
func (c *Creation) tryTagAuthentication(ctx context.Context) {
	challenge, err := c.relay.BeginAuthentication(ctx)
	if err != nil {
		if nfc.IsRateLimited(err) {
			c.log.Debug("tag authentication delayed, retrying")
			return
		}
		c.fail(classifyTagError(err), fmt.Sprintf("tag authentication: %v", err))
		return
	}

	c.mu.Lock()
	c.authRequired = false
	c.mu.Unlock()

	request, ok := c.send(wire.MethodAuthenticateNewSession, &wire.AuthenticateNewSessionRequest{
		TagUid:       c.tagUid.Bytes(),
		TagChallenge: challenge,
	})
	if !ok {
		return
	}
	c.setState(AwaitAuthenticateNewSessionResponse{Request: request})
}

func (c *Creation) handleAuthenticateNewSessionResponse(ctx context.Context, staged *inbox) {
	if staged.err != nil {
		c.fail(classifyBrokerError(staged.err), staged.err.Error())
		return
	}

	var response wire.AuthenticateNewSessionResponse
	if err := wire.Unmarshal(staged.payload, &response); err != nil {
		c.fail(KindMalformedResponse, fmt.Sprintf("decode AuthenticateNewSession response: %v", err))
		return
	}
	if response.SessionID == "" || len(response.CloudChallenge) != nfc.CloudChallengeSize {
		c.fail(KindMalformedResponse, "AuthenticateNewSession response incomplete")
		return
	}

	encrypted, err := c.relay.CompleteAuthentication(ctx, response.CloudChallenge)
	if err != nil {
		c.fail(classifyTagError(err), fmt.Sprintf("tag challenge response: %v", err))
		return
	}

	request, ok := c.send(wire.MethodCompleteAuthentication, &wire.CompleteAuthenticationRequest{
		SessionID:            response.SessionID,
		EncryptedTagResponse: encrypted,
	})
	if !ok {
		return
	}
	c.setState(AwaitCompleteAuthenticationResponse{Request: request})
}

func (c *Creation) handleCompleteAuthenticationResponse(staged *inbox) {
	if staged.err != nil {
		c.fail(classifyBrokerError(staged.err), staged.err.Error())
		return
	}

	var response wire.CompleteAuthenticationResponse
	if err := wire.Unmarshal(staged.payload, &response); err != nil {
		c.fail(KindMalformedResponse, fmt.Sprintf("decode CompleteAuthentication response: %v", err))
		return
	}

	switch response.Result {
	case wire.CompleteResultNewSession:
		if response.Session == nil {
			c.fail(KindMalformedResponse, "CompleteAuthentication result is missing the session")
			return
		}
		c.succeed(response.Session)

	case wire.CompleteResultRejected:
		c.log.Info("session rejected", "message", response.Message)
		c.setState(Rejected{Message: response.Message})

	default:
		c.fail(KindMalformedResponse, fmt.Sprintf("unknown CompleteAuthentication result %d", response.Result))
	}
}

func (c *Creation) succeed(rec *wire.TokenSessionRecord) {
	registered, err := c.registry.Register(rec)
	if err != nil {
		c.fail(KindMalformedResponse, fmt.Sprintf("register session: %v", err))
		return
	}
	c.log.Info("session created",
		"session_id", registered.SessionID(), "user", registered.UserLabel())
	c.setState(Succeeded{Session: registered})
}
