package machine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/werkstattwaedi/machine-auth-sub005/pkg/history"
	"github.com/werkstattwaedi/machine-auth-sub005/pkg/session"
	"github.com/werkstattwaedi/machine-auth-sub005/pkg/wire"
)

const (
	// DefaultUsageTimeout bounds one usage; a forgotten tag does not
	// keep the machine energized forever.
	DefaultUsageTimeout = 8 * time.Hour

	// DefaultDenyDuration is how long the Denied state is shown before
	// the machine returns to Idle.
	DefaultDenyDuration = 5 * time.Second
)

// Relay switches the machine's power and verifies the switch took
// physical effect.
type Relay interface {
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
}

// State is the tagged union of machine states.
type State interface{ isMachineState() }

// Idle: no user checked in, relay off.
type Idle struct{}

// Active: a session is checked in and the relay is on.
type Active struct {
	Session     *session.TokenSession
	CheckInTime time.Time
}

// Denied: a check-in was refused. Shown briefly, relay off.
type Denied struct {
	Message string
	Since   time.Time
}

func (Idle) isMachineState()   {}
func (Active) isMachineState() {}
func (Denied) isMachineState() {}

// Machine is the usage state machine for one physical machine.
// It is driven by the terminal's tick loop.
type Machine struct {
	id                  string
	requiredPermissions []string
	relay               Relay
	store               *history.Store
	usageTimeout        time.Duration
	denyDuration        time.Duration
	log                 *slog.Logger

	mu    sync.Mutex
	state State
}

// Config carries the per-machine settings.
type Config struct {
	// ID identifies the machine in usage records.
	ID string

	// RequiredPermissions must all be granted by a session to check in.
	RequiredPermissions []string

	// UsageTimeout overrides DefaultUsageTimeout when positive.
	UsageTimeout time.Duration

	// DenyDuration overrides DefaultDenyDuration when positive.
	DenyDuration time.Duration
}

// New creates a machine in the Idle state.
func New(cfg Config, relay Relay, store *history.Store, log *slog.Logger) *Machine {
	if cfg.UsageTimeout <= 0 {
		cfg.UsageTimeout = DefaultUsageTimeout
	}
	if cfg.DenyDuration <= 0 {
		cfg.DenyDuration = DefaultDenyDuration
	}
	if log == nil {
		log = slog.Default()
	}
	return &Machine{
		id:                  cfg.ID,
		requiredPermissions: cfg.RequiredPermissions,
		relay:               relay,
		store:               store,
		usageTimeout:        cfg.UsageTimeout,
		denyDuration:        cfg.DenyDuration,
		log:                 log.With("machine_id", cfg.ID),
		state:               Idle{},
	}
}

// ID returns the machine identifier.
func (m *Machine) ID() string { return m.id }

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ActiveSession returns the checked-in session, or nil.
func (m *Machine) ActiveSession() *session.TokenSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	if active, ok := m.state.(Active); ok {
		return active.Session
	}
	return nil
}

// CheckIn authorizes the session against the machine, energizes the
// relay and persists an open usage record. Presenting the active
// session's own tag again is a self checkout. A different session while
// active checks the current user out first.
func (m *Machine) CheckIn(ctx context.Context, sess *session.TokenSession) error {
	return m.checkInAt(ctx, sess, time.Now())
}

func (m *Machine) checkInAt(ctx context.Context, sess *session.TokenSession, now time.Time) error {
	m.mu.Lock()
	if active, ok := m.state.(Active); ok {
		if active.Session.SessionID() == sess.SessionID() {
			m.mu.Unlock()
			return m.CheckOut(ctx, wire.CheckoutSelfCheckout)
		}
		m.mu.Unlock()
		if err := m.CheckOut(ctx, wire.CheckoutOtherTagCheckedIn); err != nil {
			return err
		}
		m.mu.Lock()
	}

	// Permission verdict before the relay is touched.
	if reason, ok := m.authorize(sess, now); !ok {
		m.log.Info("check-in denied", "session_id", sess.SessionID(), "reason", reason)
		m.state = Denied{Message: reason, Since: now}
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := m.relay.Enable(ctx); err != nil {
		// Relay off means no usage started; stay Idle.
		return fmt.Errorf("enable relay: %w", err)
	}

	m.mu.Lock()
	m.state = Active{Session: sess, CheckInTime: now}
	m.mu.Unlock()

	// Persist the open record right away so a crash while the machine is
	// running does not lose the usage.
	if err := m.store.Append(&wire.UsageRecord{
		SessionID:          sess.SessionID(),
		TagUid:             sess.TagUid().Bytes(),
		CheckInUnixSeconds: now.Unix(),
	}); err != nil {
		// The machine is already running; the checkout falls back to
		// writing the whole record.
		m.log.Error("persisting check-in record failed", "error", err)
	}

	m.log.Info("checked in", "session_id", sess.SessionID(), "user", sess.UserLabel())
	return nil
}

// authorize returns the denial reason when the session may not use
// this machine.
func (m *Machine) authorize(sess *session.TokenSession, now time.Time) (string, bool) {
	if !sess.IsActiveAt(now) {
		return "session expired", false
	}
	for _, permission := range m.requiredPermissions {
		if !sess.HasPermission(permission) {
			return "missing permission " + permission, false
		}
	}
	return "", true
}

// CheckOut ends the current usage: relay off, the open usage record
// gains its checkout time and reason, back to Idle. A no-op when nobody
// is checked in. When the relay refuses to switch off the machine stays
// Active and the caller retries; the record is closed only once power
// is actually cut.
func (m *Machine) CheckOut(ctx context.Context, reason wire.CheckoutReason) error {
	return m.checkOutAt(ctx, reason, time.Now())
}

func (m *Machine) checkOutAt(ctx context.Context, reason wire.CheckoutReason, now time.Time) error {
	m.mu.Lock()
	active, ok := m.state.(Active)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if err := m.relay.Disable(ctx); err != nil {
		return fmt.Errorf("disable relay: %w", err)
	}

	if err := m.store.CloseLast(active.Session.SessionID(), now.Unix(), reason); err != nil {
		if errors.Is(err, history.ErrNoOpenUsage) {
			// The check-in append failed earlier; write the whole record.
			err = m.store.Append(&wire.UsageRecord{
				SessionID:           active.Session.SessionID(),
				TagUid:              active.Session.TagUid().Bytes(),
				CheckInUnixSeconds:  active.CheckInTime.Unix(),
				CheckOutUnixSeconds: now.Unix(),
				Reason:              reason,
			})
		}
		if err != nil {
			// Power is already off; losing the record is the lesser evil
			// but worth an alarm in the logs.
			m.log.Error("persisting usage record failed", "error", err)
		}
	}

	m.mu.Lock()
	m.state = Idle{}
	m.mu.Unlock()
	m.log.Info("checked out",
		"session_id", active.Session.SessionID(),
		"reason", reason.String(),
		"duration", now.Sub(active.CheckInTime))
	return nil
}

// Tick advances time-driven transitions: the usage timeout and the
// automatic return from Denied.
func (m *Machine) Tick(ctx context.Context, now time.Time) {
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()

	switch s := state.(type) {
	case Active:
		if now.Sub(s.CheckInTime) >= m.usageTimeout {
			m.log.Warn("usage timeout reached", "session_id", s.Session.SessionID())
			if err := m.checkOutAt(ctx, wire.CheckoutTimedOut, now); err != nil {
				m.log.Error("timeout checkout failed", "error", err)
			}
		}
	case Denied:
		if now.Sub(s.Since) >= m.denyDuration {
			m.mu.Lock()
			if current, ok := m.state.(Denied); ok && current.Since.Equal(s.Since) {
				m.state = Idle{}
			}
			m.mu.Unlock()
		}
	}
}
