package broker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/werkstattwaedi/machine-auth-sub005/pkg/wire"
)

// Broker errors.
var (
	// ErrTimeout is delivered to the failure handler when a request's
	// deadline passes without a response.
	ErrTimeout = errors.New("request timed out")

	// ErrTransportClosed is delivered when the transport fails all
	// outstanding requests at once.
	ErrTransportClosed = errors.New("transport closed")
)

// Transport publishes an encoded request towards the backend. Publish must
// not block on the round trip; responses arrive out-of-band.
type Transport interface {
	Publish(method string, data []byte) error
}

// ResponseHandler receives the raw response payload for a request.
type ResponseHandler func(payload []byte)

// FailureHandler receives the terminal error for a request.
type FailureHandler func(err error)

// PendingRequest is the caller's handle for one outstanding request.
type PendingRequest struct {
	// RequestID is unique among currently outstanding requests.
	RequestID string

	// Deadline is the absolute time after which Tick sweeps the request.
	Deadline time.Time
}

type pendingEntry struct {
	request   PendingRequest
	onReply   ResponseHandler
	onFailure FailureHandler
}

// Broker tracks in-flight requests by id. All handler invocations happen
// on the goroutine calling OnResponse/OnTransportFailure/Tick; the broker
// itself never spawns goroutines.
type Broker struct {
	mu        sync.Mutex
	transport Transport
	pending   map[string]*pendingEntry
	log       *slog.Logger
	now       func() time.Time
}

// New creates a broker over the given transport.
func New(transport Transport, log *slog.Logger) *Broker {
	if log == nil {
		log = slog.Default()
	}
	return &Broker{
		transport: transport,
		pending:   make(map[string]*pendingEntry),
		log:       log,
		now:       time.Now,
	}
}

// Send encodes and publishes a request and registers it for correlation.
// The request is registered before publishing so a response can never race
// an unregistered id. On publish failure the entry is removed and the
// error returned; neither handler is invoked.
func (b *Broker) Send(method string, payload any, timeout time.Duration,
	onReply ResponseHandler, onFailure FailureHandler) (PendingRequest, error) {

	req, err := wire.NewRequest(uuid.NewString(), method, payload)
	if err != nil {
		return PendingRequest{}, err
	}
	data, err := wire.EncodeRequest(req)
	if err != nil {
		return PendingRequest{}, err
	}

	entry := &pendingEntry{
		request: PendingRequest{
			RequestID: req.RequestID,
			Deadline:  b.now().Add(timeout),
		},
		onReply:   onReply,
		onFailure: onFailure,
	}

	b.mu.Lock()
	b.pending[req.RequestID] = entry
	b.mu.Unlock()

	if err := b.transport.Publish(method, data); err != nil {
		b.mu.Lock()
		delete(b.pending, req.RequestID)
		b.mu.Unlock()
		return PendingRequest{}, fmt.Errorf("publish %s: %w", method, err)
	}

	b.log.Debug("request sent", "method", method, "request_id", req.RequestID)
	return entry.request, nil
}

// OnResponse delivers a response payload to the matching pending request
// and removes it. An unknown id (already timed out and swept, or
// spurious) is logged and discarded.
func (b *Broker) OnResponse(requestID string, payload []byte) {
	b.mu.Lock()
	entry, ok := b.pending[requestID]
	if ok {
		delete(b.pending, requestID)
	}
	b.mu.Unlock()

	if !ok {
		b.log.Warn("response for unknown or timed-out request", "request_id", requestID)
		return
	}
	if b.now().After(entry.request.Deadline) {
		b.log.Warn("response arrived after deadline", "request_id", requestID)
	}
	entry.onReply(payload)
}

// OnTransportFailure delivers a transport-level failure to the matching
// pending request and removes it.
func (b *Broker) OnTransportFailure(requestID string, err error) {
	b.mu.Lock()
	entry, ok := b.pending[requestID]
	if ok {
		delete(b.pending, requestID)
	}
	b.mu.Unlock()

	if !ok {
		b.log.Warn("failure for unknown or already handled request", "request_id", requestID)
		return
	}
	entry.onFailure(err)
}

// Tick sweeps every pending request whose deadline has passed, invoking
// its failure handler with ErrTimeout. Each entry is removed exactly once:
// a response delivered concurrently wins the removal and suppresses the
// timeout.
func (b *Broker) Tick(now time.Time) {
	b.mu.Lock()
	var expired []*pendingEntry
	for id, entry := range b.pending {
		if now.After(entry.request.Deadline) {
			expired = append(expired, entry)
			delete(b.pending, id)
		}
	}
	b.mu.Unlock()

	for _, entry := range expired {
		b.log.Warn("request timed out", "request_id", entry.request.RequestID)
		entry.onFailure(ErrTimeout)
	}
}

// FailAll removes every pending request and invokes its failure handler,
// used when the transport connection is lost.
func (b *Broker) FailAll(err error) {
	if err == nil {
		err = ErrTransportClosed
	}

	b.mu.Lock()
	entries := make([]*pendingEntry, 0, len(b.pending))
	for id, entry := range b.pending {
		entries = append(entries, entry)
		delete(b.pending, id)
	}
	b.mu.Unlock()

	for _, entry := range entries {
		entry.onFailure(err)
	}
}

// Outstanding returns the number of in-flight requests.
func (b *Broker) Outstanding() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
