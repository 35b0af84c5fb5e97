package terminal

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/werkstattwaedi/machine-auth-sub005/pkg/broker"
	"github.com/werkstattwaedi/machine-auth-sub005/pkg/history"
	"github.com/werkstattwaedi/machine-auth-sub005/pkg/machine"
	"github.com/werkstattwaedi/machine-auth-sub005/pkg/nfc"
	"github.com/werkstattwaedi/machine-auth-sub005/pkg/session"
	"github.com/werkstattwaedi/machine-auth-sub005/pkg/wire"
)

// DefaultTickInterval is the cadence of the coordinator loop.
const DefaultTickInterval = 100 * time.Millisecond

// Reader reports the tag currently in the RF field.
type Reader interface {
	// Tag returns the UID of the present tag, or false when the field
	// is empty.
	Tag() (nfc.TagUid, bool)

	// Transceiver returns the channel to the present tag.
	Transceiver() nfc.Transceiver
}

// Status is an immutable snapshot for UI readers.
type Status struct {
	// Machine is the machine state at snapshot time.
	Machine machine.State

	// Handshake is the session creation state, nil when no handshake
	// is running.
	Handshake session.State

	// Message is the last user-facing message, e.g. a rejection.
	Message string
}

// Config carries the terminal's settings.
type Config struct {
	TerminalID     string
	KeySlot        uint8
	RequestTimeout time.Duration
}

// Terminal drives one machine behind one tag reader.
type Terminal struct {
	cfg      Config
	broker   *broker.Broker
	reader   Reader
	registry *session.Registry
	machine  *machine.Machine
	uploader *history.Uploader
	log      *slog.Logger

	// creation is the in-flight handshake, nil when none. Owned by the
	// tick loop.
	creation *session.Creation

	// presentTag is the tag the coordinator last saw in the field.
	presentTag nfc.TagUid

	// checkoutRequested is set by the UI and consumed by the tick loop.
	checkoutRequested atomic.Bool

	status atomic.Pointer[Status]
}

// New creates a terminal coordinator. The uploader may be nil when the
// terminal has no usage store.
func New(cfg Config, b *broker.Broker, reader Reader, registry *session.Registry,
	m *machine.Machine, uploader *history.Uploader, log *slog.Logger) *Terminal {

	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = session.DefaultRequestTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	t := &Terminal{
		cfg:      cfg,
		broker:   b,
		reader:   reader,
		registry: registry,
		machine:  m,
		uploader: uploader,
		log:      log.With("terminal_id", cfg.TerminalID),
	}
	t.status.Store(&Status{Machine: m.State()})
	return t
}

// Status returns the latest snapshot. Safe from any goroutine.
func (t *Terminal) Status() *Status {
	return t.status.Load()
}

// RequestCheckout asks the tick loop to check the current user out,
// e.g. from a UI button. Safe from any goroutine.
func (t *Terminal) RequestCheckout() {
	t.checkoutRequested.Store(true)
}

// Run drives the tick loop until ctx is done.
func (t *Terminal) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			t.Tick(ctx, now)
		}
	}
}

// Tick advances everything once. Exposed for tests and simulators that
// drive time themselves.
func (t *Terminal) Tick(ctx context.Context, now time.Time) {
	t.broker.Tick(now)

	t.observeField(ctx)
	if t.creation != nil {
		t.creation.Tick(ctx)
		t.finishCreation(ctx)
	}

	if t.checkoutRequested.Swap(false) {
		if err := t.machine.CheckOut(ctx, wire.CheckoutUiRequested); err != nil {
			t.log.Error("checkout failed", "error", err)
		}
	}

	t.machine.Tick(ctx, now)
	if t.uploader != nil {
		t.uploader.Tick()
	}

	t.publishStatus("")
}

// observeField tracks tag arrival and departure.
func (t *Terminal) observeField(ctx context.Context) {
	uid, present := t.reader.Tag()

	if !present {
		if t.creation != nil {
			t.creation.Abort()
		}
		t.presentTag = nfc.TagUid{}
		return
	}
	if uid == t.presentTag {
		return
	}

	// New tag. Abort a handshake still running for the previous one.
	if t.creation != nil {
		t.creation.Abort()
		t.creation = nil
	}
	t.presentTag = uid

	relay, err := nfc.NewAuthRelay(t.reader.Transceiver(), t.cfg.KeySlot)
	if err != nil {
		t.log.Error("invalid key slot", "error", err)
		return
	}
	if err := relay.SelectApplication(ctx); err != nil {
		t.log.Warn("tag application select failed", "tag_uid", uid.String(), "error", err)
		t.presentTag = nfc.TagUid{}
		return
	}

	t.log.Info("tag presented", "tag_uid", uid.String())
	t.creation = session.NewCreation(uid, t.broker, relay, t.registry,
		t.cfg.RequestTimeout, t.log)
}

// finishCreation consumes a terminal handshake result.
func (t *Terminal) finishCreation(ctx context.Context) {
	state := t.creation.State()
	if !session.IsTerminal(state) {
		return
	}
	t.creation = nil

	switch s := state.(type) {
	case session.Succeeded:
		if err := t.machine.CheckIn(ctx, s.Session); err != nil {
			t.log.Error("check-in failed", "error", err)
			t.publishStatus("machine unavailable")
		}
	case session.Rejected:
		t.publishStatus(s.Message)
	case session.Failed:
		if s.Kind == session.KindAborted {
			t.log.Debug("handshake aborted", "message", s.Message)
			return
		}
		t.log.Warn("handshake failed", "kind", s.Kind.String(), "message", s.Message)
		t.publishStatus("authentication failed, try again")
	}
}

func (t *Terminal) publishStatus(message string) {
	var handshake session.State
	if t.creation != nil {
		handshake = t.creation.State()
	}
	if message == "" {
		message = t.status.Load().Message
	}
	if _, idle := t.machine.State().(machine.Idle); !idle {
		// Machine state display supersedes stale handshake messages.
		message = ""
	}
	t.status.Store(&Status{
		Machine:   t.machine.State(),
		Handshake: handshake,
		Message:   message,
	})
}
