package history

import (
	"log/slog"
	"sync"
	"time"

	"github.com/werkstattwaedi/machine-auth-sub005/pkg/broker"
	"github.com/werkstattwaedi/machine-auth-sub005/pkg/wire"
)

// DefaultUploadBatch caps the records sent per upload request.
const DefaultUploadBatch = 16

// RequestSender is the broker dependency of the uploader.
// *broker.Broker satisfies it.
type RequestSender interface {
	Send(method string, payload any, timeout time.Duration,
		onReply broker.ResponseHandler, onFailure broker.FailureHandler) (broker.PendingRequest, error)
}

// Uploader drains the store towards the backend, one batch at a time.
// Records leave the store only after the backend acknowledged them, so
// a failed or lost upload is retried on a later tick.
type Uploader struct {
	machineID string
	store     *Store
	sender    RequestSender
	timeout   time.Duration
	batch     int
	log       *slog.Logger

	mu       sync.Mutex
	inflight bool
	// outcome stages the completion of the in-flight upload for the
	// next tick. nil while waiting.
	outcome *uploadOutcome
}

type uploadOutcome struct {
	sent    int
	payload []byte
	err     error
}

// NewUploader creates an uploader for the machine's usage store.
func NewUploader(machineID string, store *Store, sender RequestSender,
	timeout time.Duration, log *slog.Logger) *Uploader {

	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Uploader{
		machineID: machineID,
		store:     store,
		sender:    sender,
		timeout:   timeout,
		batch:     DefaultUploadBatch,
		log:       log.With("machine_id", machineID),
	}
}

// Tick starts an upload when records are pending and none is in flight,
// and settles a finished one.
func (u *Uploader) Tick() {
	u.mu.Lock()
	if u.inflight {
		outcome := u.outcome
		u.outcome = nil
		if outcome == nil {
			u.mu.Unlock()
			return
		}
		u.inflight = false
		u.mu.Unlock()
		u.settle(outcome)
		return
	}
	u.mu.Unlock()

	if u.store.Len() == 0 {
		return
	}
	u.startUpload()
}

func (u *Uploader) startUpload() {
	records, err := u.store.Pending()
	if err != nil {
		u.log.Error("reading usage history failed", "error", err)
		return
	}
	// The newest record may still be open while the machine is in use;
	// it is uploaded after the usage is closed.
	if n := len(records); n > 0 && records[n-1].CheckOutUnixSeconds == 0 {
		records = records[:n-1]
	}
	if len(records) == 0 {
		return
	}
	if len(records) > u.batch {
		records = records[:u.batch]
	}
	sent := len(records)

	u.mu.Lock()
	u.inflight = true
	u.mu.Unlock()

	_, err = u.sender.Send(wire.MethodUploadUsage, &wire.UploadUsageRequest{
		MachineID: u.machineID,
		Records:   records,
	}, u.timeout,
		func(payload []byte) { u.stage(&uploadOutcome{sent: sent, payload: payload}) },
		func(err error) { u.stage(&uploadOutcome{sent: sent, err: err}) })
	if err != nil {
		u.mu.Lock()
		u.inflight = false
		u.mu.Unlock()
		u.log.Warn("usage upload not sent", "error", err)
	}
}

func (u *Uploader) stage(outcome *uploadOutcome) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.outcome = outcome
}

func (u *Uploader) settle(outcome *uploadOutcome) {
	if outcome.err != nil {
		// Records stay in the store; a later tick retries.
		u.log.Warn("usage upload failed", "records", outcome.sent, "error", outcome.err)
		return
	}

	var response wire.UploadUsageResponse
	if err := wire.Unmarshal(outcome.payload, &response); err != nil {
		u.log.Warn("undecodable upload response", "error", err)
		return
	}
	accepted := response.Accepted
	if accepted > outcome.sent {
		accepted = outcome.sent
	}
	if err := u.store.Drop(accepted); err != nil {
		u.log.Error("dropping uploaded records failed", "error", err)
		return
	}
	u.log.Info("usage uploaded", "records", accepted, "remaining", u.store.Len())
}

// Idle reports whether no upload is in flight.
func (u *Uploader) Idle() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return !u.inflight
}
