package machine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/werkstattwaedi/machine-auth-sub005/pkg/history"
	"github.com/werkstattwaedi/machine-auth-sub005/pkg/session"
	"github.com/werkstattwaedi/machine-auth-sub005/pkg/wire"
)

type fakeRelay struct {
	enabled     bool
	enableErr   error
	disableErr  error
	enableCalls int
}

func (r *fakeRelay) Enable(ctx context.Context) error {
	r.enableCalls++
	if r.enableErr != nil {
		return r.enableErr
	}
	r.enabled = true
	return nil
}

func (r *fakeRelay) Disable(ctx context.Context) error {
	if r.disableErr != nil {
		return r.disableErr
	}
	r.enabled = false
	return nil
}

func testSession(t *testing.T, sessionID string, permissions ...string) *session.TokenSession {
	t.Helper()
	sess, err := session.NewTokenSession(&wire.TokenSessionRecord{
		TagUid:                []byte{0x04, 0x78, 0x2E, 0x21, 0x80, 0x1D, 0x80},
		SessionID:             sessionID,
		ExpirationUnixSeconds: time.Now().Add(time.Hour).Unix(),
		UserID:                "member-7",
		UserLabel:             "Mia",
		Permissions:           permissions,
	})
	require.NoError(t, err)
	return sess
}

func newTestMachine(t *testing.T, cfg Config, relay Relay) (*Machine, *history.Store) {
	t.Helper()
	store, err := history.Open(filepath.Join(t.TempDir(), "usage.cbor"), "lasercutter-1")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	if cfg.ID == "" {
		cfg.ID = "lasercutter-1"
	}
	return New(cfg, relay, store, nil), store
}

func TestCheckInEnergizesRelay(t *testing.T) {
	relay := &fakeRelay{}
	m, _ := newTestMachine(t, Config{RequiredPermissions: []string{"lasercutter"}}, relay)
	sess := testSession(t, "sid-1", "lasercutter")

	require.NoError(t, m.CheckIn(context.Background(), sess))

	state, ok := m.State().(Active)
	require.True(t, ok, "state = %T", m.State())
	assert.Same(t, sess, state.Session)
	assert.True(t, relay.enabled)
	assert.Same(t, sess, m.ActiveSession())
}

func TestCheckInDeniedWithoutPermission(t *testing.T) {
	relay := &fakeRelay{}
	m, store := newTestMachine(t, Config{RequiredPermissions: []string{"lasercutter"}}, relay)
	sess := testSession(t, "sid-1", "tablesaw")

	require.NoError(t, m.CheckIn(context.Background(), sess))

	state, ok := m.State().(Denied)
	require.True(t, ok, "state = %T", m.State())
	assert.Contains(t, state.Message, "lasercutter")
	assert.False(t, relay.enabled, "denied check-in must not energize the relay")
	assert.Equal(t, 0, relay.enableCalls)
	assert.Equal(t, 0, store.Len(), "denied check-in is not a usage")
	assert.Nil(t, m.ActiveSession())
}

func TestCheckInDeniedWhenExpired(t *testing.T) {
	relay := &fakeRelay{}
	m, _ := newTestMachine(t, Config{}, relay)
	sess, err := session.NewTokenSession(&wire.TokenSessionRecord{
		TagUid:                []byte{0x04, 0x78, 0x2E, 0x21, 0x80, 0x1D, 0x80},
		SessionID:             "sid-1",
		ExpirationUnixSeconds: time.Now().Add(-time.Minute).Unix(),
	})
	require.NoError(t, err)

	require.NoError(t, m.CheckIn(context.Background(), sess))

	state, ok := m.State().(Denied)
	require.True(t, ok, "state = %T", m.State())
	assert.Equal(t, "session expired", state.Message)
	assert.False(t, relay.enabled)
}

func TestDeniedReturnsToIdle(t *testing.T) {
	relay := &fakeRelay{}
	m, _ := newTestMachine(t, Config{RequiredPermissions: []string{"lasercutter"}, DenyDuration: 5 * time.Second}, relay)
	require.NoError(t, m.CheckIn(context.Background(), testSession(t, "sid-1")))

	denied, ok := m.State().(Denied)
	require.True(t, ok)

	m.Tick(context.Background(), denied.Since.Add(4*time.Second))
	assert.IsType(t, Denied{}, m.State())

	m.Tick(context.Background(), denied.Since.Add(5*time.Second))
	assert.IsType(t, Idle{}, m.State())
}

func TestCheckInAppendsOpenRecord(t *testing.T) {
	relay := &fakeRelay{}
	m, store := newTestMachine(t, Config{}, relay)
	sess := testSession(t, "sid-1")

	require.NoError(t, m.CheckIn(context.Background(), sess))

	require.Equal(t, 1, store.Len(), "check-in must persist the open usage")
	records, err := store.Pending()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "sid-1", records[0].SessionID)
	assert.Equal(t, sess.TagUid().Bytes(), records[0].TagUid)
	assert.NotZero(t, records[0].CheckInUnixSeconds)
	assert.Zero(t, records[0].CheckOutUnixSeconds, "usage is still open")

	require.NoError(t, m.CheckOut(context.Background(), wire.CheckoutUiRequested))

	records, err = store.Pending()
	require.NoError(t, err)
	require.Len(t, records, 1, "checkout closes the record instead of adding one")
	assert.Equal(t, wire.CheckoutUiRequested, records[0].Reason)
	assert.NotZero(t, records[0].CheckOutUnixSeconds)
}

func TestOpenRecordSurvivesRestart(t *testing.T) {
	relay := &fakeRelay{}
	path := filepath.Join(t.TempDir(), "usage.cbor")
	store, err := history.Open(path, "lasercutter-1")
	require.NoError(t, err)

	m := New(Config{ID: "lasercutter-1"}, relay, store, nil)
	require.NoError(t, m.CheckIn(context.Background(), testSession(t, "sid-1")))
	store.Close()

	// A power loss while Active must not lose the usage. On the next
	// start the record comes back closed and ready for upload.
	store, err = history.Open(path, "lasercutter-1")
	require.NoError(t, err)
	defer store.Close()

	records, err := store.Pending()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "sid-1", records[0].SessionID)
	assert.Equal(t, wire.CheckoutTimedOut, records[0].Reason)
	assert.NotZero(t, records[0].CheckOutUnixSeconds)
}

func TestCheckOutPersistsUsage(t *testing.T) {
	relay := &fakeRelay{}
	m, store := newTestMachine(t, Config{}, relay)
	sess := testSession(t, "sid-1")

	require.NoError(t, m.CheckIn(context.Background(), sess))
	require.NoError(t, m.CheckOut(context.Background(), wire.CheckoutUiRequested))

	assert.IsType(t, Idle{}, m.State())
	assert.False(t, relay.enabled)

	records, err := store.Pending()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "sid-1", records[0].SessionID)
	assert.Equal(t, sess.TagUid().Bytes(), records[0].TagUid)
	assert.Equal(t, wire.CheckoutUiRequested, records[0].Reason)
	assert.NotZero(t, records[0].CheckOutUnixSeconds)
}

func TestCheckOutWhenIdleIsNoop(t *testing.T) {
	relay := &fakeRelay{}
	m, store := newTestMachine(t, Config{}, relay)

	require.NoError(t, m.CheckOut(context.Background(), wire.CheckoutUiRequested))
	assert.IsType(t, Idle{}, m.State())
	assert.Equal(t, 0, store.Len())
}

func TestSelfCheckout(t *testing.T) {
	relay := &fakeRelay{}
	m, store := newTestMachine(t, Config{}, relay)
	sess := testSession(t, "sid-1")

	require.NoError(t, m.CheckIn(context.Background(), sess))
	// The same session's tag presented again checks the user out.
	require.NoError(t, m.CheckIn(context.Background(), sess))

	assert.IsType(t, Idle{}, m.State())
	assert.False(t, relay.enabled)
	records, err := store.Pending()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, wire.CheckoutSelfCheckout, records[0].Reason)
}

func TestOtherTagTakesOver(t *testing.T) {
	relay := &fakeRelay{}
	m, store := newTestMachine(t, Config{}, relay)
	first := testSession(t, "sid-1")
	second := testSession(t, "sid-2")

	require.NoError(t, m.CheckIn(context.Background(), first))
	require.NoError(t, m.CheckIn(context.Background(), second))

	state, ok := m.State().(Active)
	require.True(t, ok, "state = %T", m.State())
	assert.Same(t, second, state.Session)
	assert.True(t, relay.enabled)

	records, err := store.Pending()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "sid-1", records[0].SessionID)
	assert.Equal(t, wire.CheckoutOtherTagCheckedIn, records[0].Reason)
	assert.Equal(t, "sid-2", records[1].SessionID)
	assert.Zero(t, records[1].CheckOutUnixSeconds, "takeover usage is still open")
}

func TestUsageTimeout(t *testing.T) {
	relay := &fakeRelay{}
	m, store := newTestMachine(t, Config{UsageTimeout: time.Hour}, relay)
	require.NoError(t, m.CheckIn(context.Background(), testSession(t, "sid-1")))

	active, ok := m.State().(Active)
	require.True(t, ok)

	m.Tick(context.Background(), active.CheckInTime.Add(59*time.Minute))
	assert.IsType(t, Active{}, m.State())

	m.Tick(context.Background(), active.CheckInTime.Add(time.Hour))
	assert.IsType(t, Idle{}, m.State())
	assert.False(t, relay.enabled)

	records, err := store.Pending()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, wire.CheckoutTimedOut, records[0].Reason)
}

func TestRelayEnableFailureStaysIdle(t *testing.T) {
	relay := &fakeRelay{enableErr: errors.New("no feedback from contactor")}
	m, store := newTestMachine(t, Config{}, relay)

	err := m.CheckIn(context.Background(), testSession(t, "sid-1"))
	require.Error(t, err)
	assert.IsType(t, Idle{}, m.State())
	assert.Equal(t, 0, store.Len())
}

func TestRelayDisableFailureStaysActive(t *testing.T) {
	relay := &fakeRelay{}
	m, store := newTestMachine(t, Config{}, relay)
	require.NoError(t, m.CheckIn(context.Background(), testSession(t, "sid-1")))

	relay.disableErr = errors.New("contactor stuck")
	err := m.CheckOut(context.Background(), wire.CheckoutUiRequested)
	require.Error(t, err)
	assert.IsType(t, Active{}, m.State(), "power still on, usage still open")
	records, err := store.Pending()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Zero(t, records[0].CheckOutUnixSeconds, "record stays open until power is cut")

	// Once the relay recovers the checkout goes through.
	relay.disableErr = nil
	require.NoError(t, m.CheckOut(context.Background(), wire.CheckoutUiRequested))
	assert.IsType(t, Idle{}, m.State())
	records, err = store.Pending()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.NotZero(t, records[0].CheckOutUnixSeconds)
}
